package airgram

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/TheDevXen/airgram/fieldcipher"
	"github.com/TheDevXen/airgram/internal/pathutil"
	"github.com/TheDevXen/airgram/session"
)

const (
	// CipherNone stores secret fields as plaintext.
	CipherNone = "none"
	// CipherKryptograf encrypts secret fields with a data key reconstructed from a PEM key bundle.
	CipherKryptograf = "kryptograf"
	// CipherPassphrase encrypts secret fields with a PBKDF2-derived key.
	CipherPassphrase = "passphrase"
	// CipherExternal is set by Open when WithCipher supplies the cipher.
	CipherExternal = "external"
)

const (
	// DefaultStore points at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultWatchPollInterval is how often Watch re-reads a document when the
	// store has no change feed.
	DefaultWatchPollInterval = 2 * time.Second
	// DefaultConfigFileName is the CLI config file inside DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultKeyBundleName is the key bundle file inside DefaultConfigDir.
	DefaultKeyBundleName = "keys.pem"
)

// ValidCipherModes lists the accepted CipherMode values.
func ValidCipherModes() []string {
	return []string{CipherNone, CipherKryptograf, CipherPassphrase}
}

// Config captures everything Open needs to assemble the session and pending
// state for one client.
type Config struct {
	// Store is the backend URL, for example mem://, disk:///var/lib/airgram or
	// redis://localhost:6379/0.
	Store string
	// ClientName namespaces every document key.
	ClientName string
	// DefaultDcID is returned by CurrentDcID until a datacenter is stored.
	DefaultDcID int

	// EncryptAll designates every secret field for encryption.
	EncryptAll bool
	// EncryptFields designates named secret fields (authKey, serverSalt).
	EncryptFields []string
	// CipherMode selects the field cipher: none, kryptograf or passphrase.
	CipherMode string
	// KeyBundle points at the PEM key bundle used by the kryptograf cipher and
	// by storage encryption.
	KeyBundle string
	// Passphrase seeds the passphrase cipher.
	Passphrase string
	// PBKDF2Iterations tunes the passphrase cipher key derivation.
	PBKDF2Iterations int

	// StorageEncryption seals whole documents at rest for blob and bolt stores.
	StorageEncryption bool
	// StorageEncryptionSnappy enables Snappy compression before encryption.
	StorageEncryptionSnappy bool

	// StorageRetryMaxAttempts caps transient backend retry attempts.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is exponential retry base delay for backend operations.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay caps backend retry backoff.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is exponential growth factor for backend retries.
	StorageRetryMultiplier float64

	// WatchPollInterval is the polling cadence for stores without a change feed.
	WatchPollInterval time.Duration

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3SSE selects server-side encryption (AES256 or aws:kms).
	S3SSE      string
	S3KMSKeyID string
	AWSRegion  string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// PprofListen exposes net/http/pprof when non-empty.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables trace export (grpc://, grpcs://, http://, https:// or host:port).
	OTLPEndpoint string
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		c.Store = DefaultStore
	}
	c.ClientName = strings.TrimSpace(c.ClientName)
	if c.ClientName == "" {
		return fmt.Errorf("config: client name is required")
	}
	if strings.Contains(c.ClientName, ":") {
		return fmt.Errorf("config: client name %q must not contain ':'", c.ClientName)
	}
	if c.DefaultDcID < 0 {
		return fmt.Errorf("config: default dc id must be >= 0")
	}
	if c.DefaultDcID == 0 {
		c.DefaultDcID = session.DefaultDcID
	}

	c.CipherMode = strings.ToLower(strings.TrimSpace(c.CipherMode))
	if c.CipherMode == "" {
		c.CipherMode = CipherNone
	}
	if c.CipherMode != CipherExternal && !slices.Contains(ValidCipherModes(), c.CipherMode) {
		return fmt.Errorf("config: unknown cipher mode %q (options: %s)", c.CipherMode, strings.Join(ValidCipherModes(), ", "))
	}
	for i, field := range c.EncryptFields {
		field = strings.TrimSpace(field)
		if field != session.FieldAuthKey && field != session.FieldServerSalt {
			return fmt.Errorf("config: encrypt field %q is not a secret field", field)
		}
		c.EncryptFields[i] = field
	}
	if c.EncryptAll || len(c.EncryptFields) > 0 {
		if c.CipherMode == CipherNone {
			return fmt.Errorf("config: field encryption requires a cipher mode")
		}
	}
	bundle, err := pathutil.Expand(c.KeyBundle)
	if err != nil {
		return fmt.Errorf("config: key bundle: %w", err)
	}
	c.KeyBundle = bundle
	switch c.CipherMode {
	case CipherKryptograf:
		if c.KeyBundle == "" {
			return fmt.Errorf("config: kryptograf cipher requires a key bundle")
		}
	case CipherPassphrase:
		if c.Passphrase == "" {
			return fmt.Errorf("config: passphrase cipher requires a passphrase")
		}
		if c.PBKDF2Iterations == 0 {
			c.PBKDF2Iterations = fieldcipher.MinPBKDF2Iterations
		}
		if c.PBKDF2Iterations < fieldcipher.MinPBKDF2Iterations {
			return fmt.Errorf("config: pbkdf2 iterations must be >= %d", fieldcipher.MinPBKDF2Iterations)
		}
	}

	if !c.StorageEncryption {
		c.StorageEncryptionSnappy = false
	} else if c.KeyBundle == "" {
		return fmt.Errorf("config: storage encryption requires a key bundle")
	}

	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMaxDelay < c.StorageRetryBaseDelay {
		return fmt.Errorf("config: storage retry max delay must be >= base delay")
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.WatchPollInterval <= 0 {
		c.WatchPollInterval = DefaultWatchPollInterval
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// EncryptionPolicy converts EncryptAll and EncryptFields into a session policy.
// EncryptAll wins when both are set.
func (c Config) EncryptionPolicy() session.Policy {
	if c.EncryptAll {
		return session.EncryptAll()
	}
	if len(c.EncryptFields) > 0 {
		return session.EncryptFields(c.EncryptFields...)
	}
	return session.EncryptNone()
}

// DefaultConfigDir returns the per-user configuration directory. AIRGRAM_CONFIG_DIR
// overrides the ~/.airgram default.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("AIRGRAM_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".airgram"), nil
}

// DefaultConfigPath returns the default CLI config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}

// DefaultKeyBundlePath returns the default key bundle location.
func DefaultKeyBundlePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultKeyBundleName), nil
}
