package airgram

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/storage"
	awsstore "github.com/TheDevXen/airgram/internal/storage/aws"
	azurestore "github.com/TheDevXen/airgram/internal/storage/azure"
	boltstore "github.com/TheDevXen/airgram/internal/storage/bolt"
	"github.com/TheDevXen/airgram/internal/storage/disk"
	"github.com/TheDevXen/airgram/internal/storage/memory"
	"github.com/TheDevXen/airgram/internal/storage/postgres"
	redisstore "github.com/TheDevXen/airgram/internal/storage/redis"
	"github.com/TheDevXen/airgram/internal/storage/s3"
)

// Store is the document store shared by the session and pending state.
type Store = storage.Store

// Document is a JSON-compatible state document.
type Document = storage.Document

// ErrNotFound reports a missing document or field.
var ErrNotFound = storage.ErrNotFound

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenStore builds the raw document store named by cfg.Store. crypto seals
// whole documents for backends that support at-rest encryption and may be nil.
// Retry and logging wrappers are applied by Open, not here.
func OpenStore(ctx context.Context, cfg Config, crypto *storage.Crypto, logger pslog.Logger) (Store, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if crypto.Enabled() && !supportsStorageEncryption(scheme) {
		return nil, fmt.Errorf("config: storage encryption is not supported by %s:// stores", scheme)
	}
	docOpts := storage.DocumentOptions{Crypto: crypto}
	switch scheme {
	case "memory", "mem", "":
		return storage.NewDocumentStore(memory.New(), docOpts), nil
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		blob, err := disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
		return storage.NewDocumentStore(blob, docOpts), nil
	case "bolt":
		boltCfg, err := BuildBoltConfig(cfg)
		if err != nil {
			return nil, err
		}
		boltCfg.Crypto = crypto
		return boltstore.Open(boltCfg)
	case "redis", "rediss":
		redisCfg, err := BuildRedisConfig(cfg)
		if err != nil {
			return nil, err
		}
		redisCfg.Logger = logger
		return redisstore.New(ctx, redisCfg)
	case "postgres", "postgresql":
		pgCfg, err := BuildPostgresConfig(cfg)
		if err != nil {
			return nil, err
		}
		pgCfg.Logger = logger
		return postgres.New(ctx, pgCfg)
	case "s3":
		s3cfg, summary, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		logger.Debug("store.s3.credentials", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		blob, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureObjectStoreReady(ctx, blob, s3cfg.Bucket); err != nil {
			_ = blob.Close()
			return nil, err
		}
		return storage.NewDocumentStore(blob, docOpts), nil
	case "aws":
		awscfg, summary, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		logger.Debug("store.aws.credentials", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		blob, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		if err := ensureObjectStoreReady(ctx, blob, awscfg.Bucket); err != nil {
			_ = blob.Close()
			return nil, err
		}
		return storage.NewDocumentStore(blob, docOpts), nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		blob, err := azurestore.New(azureCfg)
		if err != nil {
			return nil, err
		}
		return storage.NewDocumentStore(blob, docOpts), nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func supportsStorageEncryption(scheme string) bool {
	switch scheme {
	case "redis", "rediss", "postgres", "postgresql":
		return false
	default:
		return true
	}
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("secure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if queryBool(query, "insecure") {
		secure = false
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: queryBool(query, "path-style"),
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 with regional configuration.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(u.Path, "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set ?region=, --aws-region or AIRGRAM_AWS_REGION)")
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       queryBool(query, "insecure"),
		ForcePathStyle: queryBool(query, "path-style"),
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, resolveAWSCredentials(), nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("AIRGRAM_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("AIRGRAM_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("AIRGRAM_S3_SESSION_TOKEN")
		source = "env:AIRGRAM_S3_ACCESS_KEY_ID"
	}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// Fall through to the minio provider chain (AWS_*/MINIO_* env, files, IAM).
		return nil, CredentialSummary{Source: "chain"}, nil
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

func ensureObjectStoreReady(ctx context.Context, store bucketChecker, bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := store.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("AIRGRAM_AZURE_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("AIRGRAM_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	if accountKey == "" && sas == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account key or SAS token required (set AIRGRAM_AZURE_KEY or ?sas=)")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	root, err := localPath(u)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/airgram): %w", err)
	}
	return disk.Config{
		Root:         root,
		DisableWatch: queryBool(u.Query(), "nowatch"),
	}, root, nil
}

// BuildBoltConfig parses bolt:// URLs into a bolt.Config.
func BuildBoltConfig(cfg Config) (boltstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return boltstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "bolt" {
		return boltstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	path, err := localPath(u)
	if err != nil {
		return boltstore.Config{}, fmt.Errorf("bolt store path required (e.g. bolt:///var/lib/airgram/state.db): %w", err)
	}
	query := u.Query()
	out := boltstore.Config{
		Path:   path,
		Bucket: strings.TrimSpace(query.Get("bucket")),
		NoSync: queryBool(query, "nosync"),
	}
	if v := strings.TrimSpace(query.Get("timeout")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return boltstore.Config{}, fmt.Errorf("bolt store timeout: %w", err)
		}
		out.Timeout = d
	}
	return out, nil
}

// BuildRedisConfig keeps the URL intact and lifts the airgram-specific
// prefix query parameter out of it.
func BuildRedisConfig(cfg Config) (redisstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return redisstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return redisstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if u.Host == "" {
		return redisstore.Config{}, fmt.Errorf("redis store missing host (expected redis://host:port/db)")
	}
	query := u.Query()
	prefix := strings.TrimSpace(query.Get("prefix"))
	query.Del("prefix")
	u.RawQuery = query.Encode()
	return redisstore.Config{URL: u.String(), Prefix: prefix}, nil
}

// BuildPostgresConfig strips the table query parameter so the remaining DSN
// can be handed to pgx unchanged.
func BuildPostgresConfig(cfg Config) (postgres.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return postgres.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return postgres.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	query := u.Query()
	table := strings.TrimSpace(query.Get("table"))
	query.Del("table")
	u.RawQuery = query.Encode()
	return postgres.Config{DSN: u.String(), Table: table}, nil
}

func splitBucketPath(p string) (string, string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return bucket, ""
	}
	return bucket, strings.Trim(parts[1], "/")
}

func localPath(u *url.URL) (string, error) {
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	pathPart = strings.TrimSuffix(pathPart, "/")
	if pathPart == "" {
		return "", fmt.Errorf("empty path in %q", u.String())
	}
	return filepath.Clean(pathPart), nil
}

func queryBool(q url.Values, key string) bool {
	v := q.Get(key)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
