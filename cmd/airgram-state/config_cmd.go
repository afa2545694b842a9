package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/TheDevXen/airgram"
)

func newConfigCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage airgram-state configuration files",
	}
	cmd.AddCommand(newConfigGenCommand(a))
	return cmd
}

func newConfigGenCommand(a *app) *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.airgram/" + airgram.DefaultConfigFileName
	if path, err := airgram.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default airgram-state configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				path, err := airgram.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}

			data, err := defaultConfigYAML(func(d *configDefaults) {
				d.Client = strings.TrimSpace(a.v.GetString("client"))
			})
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                   string   `yaml:"store"`
	Client                  string   `yaml:"client"`
	DefaultDC               int      `yaml:"default-dc"`
	EncryptAll              bool     `yaml:"encrypt-all"`
	EncryptFields           []string `yaml:"encrypt-fields"`
	Cipher                  string   `yaml:"cipher"`
	KeyBundle               string   `yaml:"key-bundle"`
	PBKDF2Iterations        int      `yaml:"pbkdf2-iterations"`
	StorageEncryption       bool     `yaml:"storage-encryption"`
	StorageEncryptionSnappy bool     `yaml:"storage-encryption-snappy"`
	StorageRetryMaxAttempts int      `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string   `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string   `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64  `yaml:"storage-retry-multiplier"`
	WatchPollInterval       string   `yaml:"watch-poll-interval"`
	StoreSSE                string   `yaml:"s3-sse"`
	StoreKMSKeyID           string   `yaml:"s3-kms-key-id"`
	AWSRegion               string   `yaml:"aws-region"`
	AzureEndpoint           string   `yaml:"azure-endpoint"`
	JSONMax                 string   `yaml:"json-max"`
	Output                  string   `yaml:"output"`
	MetricsListen           string   `yaml:"metrics-listen"`
	PprofListen             string   `yaml:"pprof-listen"`
	OTLPEndpoint            string   `yaml:"otlp-endpoint"`
	LogLevel                string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	keyBundle := ""
	if path, err := airgram.DefaultKeyBundlePath(); err == nil {
		keyBundle = path
	}
	defaults := configDefaults{
		Store:                   airgram.DefaultStore,
		Cipher:                  airgram.CipherNone,
		KeyBundle:               keyBundle,
		StorageRetryMaxAttempts: airgram.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   airgram.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    airgram.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  airgram.DefaultStorageRetryMultiplier,
		WatchPollInterval:       airgram.DefaultWatchPollInterval.String(),
		JSONMax:                 humanizeBytes(defaultJSONMaxBytes),
		Output:                  string(formatJSON),
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
