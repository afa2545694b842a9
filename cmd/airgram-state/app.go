package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram"
	"github.com/TheDevXen/airgram/internal/correlation"
	"github.com/TheDevXen/airgram/internal/pathutil"
	"github.com/TheDevXen/airgram/internal/svcfields"
)

const defaultJSONMaxBytes = 1 << 20

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("AIRGRAM_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "airgram-state")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// app carries the per-invocation viper instance and logger shared by every
// subcommand.
type app struct {
	v          *viper.Viper
	baseLogger pslog.Logger
	logger     pslog.Logger
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := airgram.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.Resolve(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := &app{v: viper.New(), baseLogger: baseLogger, logger: baseLogger}

	cmd := &cobra.Command{
		Use:           "airgram-state",
		Short:         "airgram-state inspects and edits the persisted session and update state of an airgram client",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Show the session document of client alice stored on disk
  airgram-state --store disk:///var/lib/airgram --client alice get

  # Switch the active datacenter
  airgram-state --store bolt:///var/lib/airgram/state.db --client alice dc current 4

  # Read an auth key encrypted with a kryptograf key bundle
  airgram-state --client alice --cipher kryptograf --encrypt-all auth-key 4

  # Follow pending update state on Redis
  AIRGRAM_STORE=redis://localhost:6379/0 airgram-state --client alice watch --updates
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := a.loadConfigFile()
			if err != nil {
				return err
			}
			logger := a.baseLogger
			if logLevel := strings.TrimSpace(a.v.GetString("log-level")); logLevel != "" {
				level, ok := pslog.ParseLevel(logLevel)
				if !ok {
					return fmt.Errorf("invalid --log-level %q", logLevel)
				}
				logger = logger.LogLevel(level)
			}
			a.logger = logger
			cmd.SetContext(correlation.Ensure(cmd.Context()))
			if configFile != "" {
				svcfields.WithSubsystem(logger, svcfields.SubsystemCLI).Debug("cli.config.loaded", "path", configFile)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.airgram/"+airgram.DefaultConfigFileName+")")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringP("output", "o", string(formatJSON), "output format (json, yaml)")
	flags.String("json-max", humanizeBytes(defaultJSONMaxBytes), "maximum JSON input size")
	flags.String("store", airgram.DefaultStore, "storage backend URL (mem://, disk:///path, bolt:///file, redis://, postgres://, s3://host/bucket, aws://bucket, azure://account/container)")
	flags.String("client", "", "client name that namespaces the state documents")
	flags.Int("default-dc", 0, "datacenter id reported before one is stored (0 uses the built-in default)")
	flags.Bool("encrypt-all", false, "encrypt every secret field")
	flags.StringSlice("encrypt-fields", nil, "secret fields to encrypt (authKey, serverSalt)")
	flags.String("cipher", airgram.CipherNone, fmt.Sprintf("field cipher (%s)", strings.Join(airgram.ValidCipherModes(), ", ")))
	flags.String("key-bundle", "", "PEM key bundle for the kryptograf cipher and storage encryption (defaults to $HOME/.airgram/"+airgram.DefaultKeyBundleName+")")
	flags.String("passphrase", "", "passphrase for the passphrase cipher")
	flags.Int("pbkdf2-iterations", 0, "PBKDF2 iterations for the passphrase cipher (0 uses the minimum)")
	flags.Bool("storage-encryption", false, "seal whole documents at rest (disk, blob and bolt stores)")
	flags.Bool("storage-encryption-snappy", false, "enable Snappy compression before encrypting documents")
	flags.Int("storage-retry-attempts", airgram.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", airgram.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", airgram.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", airgram.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.Duration("watch-poll-interval", airgram.DefaultWatchPollInterval, "poll interval for stores without change notifications")
	flags.String("s3-access-key-id", "", "S3 access key id for s3:// stores")
	flags.String("s3-secret-access-key", "", "S3 secret access key for s3:// stores")
	flags.String("s3-session-token", "", "S3 session token for s3:// stores")
	flags.String("s3-sse", "", "server-side encryption mode for S3 objects")
	flags.String("s3-kms-key-id", "", "KMS key ID for S3 server-side encryption")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("azure-account", "", "Azure Storage account (defaults to the azure:// host)")
	flags.String("azure-key", "", "Azure Storage account key (or use AIRGRAM_AZURE_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	a.v.SetEnvPrefix("AIRGRAM")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := a.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newGetCommand(a))
	cmd.AddCommand(newSetCommand(a))
	cmd.AddCommand(newClearCommand(a))
	cmd.AddCommand(newDcCommand(a))
	cmd.AddCommand(newSecretCommand(a, "auth-key", "auth key"))
	cmd.AddCommand(newSecretCommand(a, "server-salt", "server salt"))
	cmd.AddCommand(newUpdatesCommand(a))
	cmd.AddCommand(newWatchCommand(a))
	cmd.AddCommand(newKeygenCommand(a))
	cmd.AddCommand(newVerifyCommand(a))
	cmd.AddCommand(newConfigCommand(a))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (a *app) bindConfig() (airgram.Config, error) {
	v := a.v
	cfg := airgram.Config{
		Store:                   v.GetString("store"),
		ClientName:              strings.TrimSpace(v.GetString("client")),
		DefaultDcID:             v.GetInt("default-dc"),
		EncryptAll:              v.GetBool("encrypt-all"),
		EncryptFields:           v.GetStringSlice("encrypt-fields"),
		CipherMode:              v.GetString("cipher"),
		KeyBundle:               v.GetString("key-bundle"),
		Passphrase:              v.GetString("passphrase"),
		PBKDF2Iterations:        v.GetInt("pbkdf2-iterations"),
		StorageEncryption:       v.GetBool("storage-encryption"),
		StorageEncryptionSnappy: v.GetBool("storage-encryption-snappy"),
		StorageRetryMaxAttempts: v.GetInt("storage-retry-attempts"),
		StorageRetryBaseDelay:   v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:    v.GetDuration("storage-retry-max-delay"),
		StorageRetryMultiplier:  v.GetFloat64("storage-retry-multiplier"),
		WatchPollInterval:       v.GetDuration("watch-poll-interval"),
		S3AccessKeyID:           v.GetString("s3-access-key-id"),
		S3SecretAccessKey:       v.GetString("s3-secret-access-key"),
		S3SessionToken:          v.GetString("s3-session-token"),
		S3SSE:                   v.GetString("s3-sse"),
		S3KMSKeyID:              v.GetString("s3-kms-key-id"),
		AWSRegion:               v.GetString("aws-region"),
		AzureAccount:            v.GetString("azure-account"),
		AzureAccountKey:         v.GetString("azure-key"),
		AzureEndpoint:           v.GetString("azure-endpoint"),
		AzureSASToken:           v.GetString("azure-sas-token"),
		MetricsListen:           v.GetString("metrics-listen"),
		PprofListen:             v.GetString("pprof-listen"),
		EnableProfilingMetrics:  v.GetBool("enable-profiling-metrics"),
		OTLPEndpoint:            v.GetString("otlp-endpoint"),
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.CipherMode))
	if strings.TrimSpace(cfg.KeyBundle) == "" && (mode == airgram.CipherKryptograf || cfg.StorageEncryption) {
		path, err := airgram.DefaultKeyBundlePath()
		if err != nil {
			return cfg, fmt.Errorf("resolve key bundle path: %w", err)
		}
		cfg.KeyBundle = path
	}
	return cfg, nil
}

func (a *app) jsonMaxBytes() (int64, error) {
	raw := strings.TrimSpace(a.v.GetString("json-max"))
	if raw == "" {
		return defaultJSONMaxBytes, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse json-max: %w", err)
	}
	return int64(size), nil
}

// stateHandle is an opened State plus the telemetry started for it.
type stateHandle struct {
	*airgram.State
	telemetry *airgram.Telemetry
}

func (s *stateHandle) Close() error {
	err := s.State.Close()
	if s.telemetry != nil {
		if terr := s.telemetry.Shutdown(context.Background()); terr != nil {
			err = errors.Join(err, terr)
		}
	}
	return err
}

func (a *app) open(ctx context.Context) (*stateHandle, error) {
	cfg, err := a.bindConfig()
	if err != nil {
		return nil, err
	}
	tel, err := airgram.SetupTelemetry(ctx, cfg, a.logger)
	if err != nil {
		return nil, err
	}
	st, err := airgram.Open(ctx, cfg, airgram.WithLogger(a.logger))
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}
	return &stateHandle{State: st, telemetry: tel}, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
