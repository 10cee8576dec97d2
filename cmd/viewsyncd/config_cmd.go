package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/viewsync"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage viewsyncd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default viewsyncd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return fmt.Errorf("resolve home dir: %w", err)
				}
				outPath = filepath.Join(home, ".viewsync", viewsync.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				fmt.Print(string(data))
				return nil
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

	cmd.Flags().StringVar(&outPath, "out", "", "output path for generated config (defaults to $HOME/.viewsync/"+viewsync.DefaultConfigFileName+")")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen          string `yaml:"listen"`
	MetricsListen   string `yaml:"metrics-listen"`
	Store           string `yaml:"store"`
	LeaseTTL        string `yaml:"lease-ttl"`
	MaxUpload       string `yaml:"max-upload"`
	ConvertEndpoint string `yaml:"convert-endpoint"`
	FormatsURL      string `yaml:"formats-url"`
	FormatsTTL      string `yaml:"formats-ttl"`
	ShutdownTimeout string `yaml:"shutdown-timeout"`
	S3Endpoint      string `yaml:"s3-endpoint"`
	S3Region        string `yaml:"s3-region"`
	S3PathStyle     bool   `yaml:"s3-path-style"`
	S3Insecure      bool   `yaml:"s3-insecure"`
	LogLevel        string `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:          viewsync.DefaultListen,
		MetricsListen:   viewsync.DefaultMetricsListen,
		Store:           viewsync.DefaultStore,
		LeaseTTL:        viewsync.DefaultLeaseTTL.String(),
		MaxUpload:       humanizeBytes(viewsync.DefaultMaxUploadBytes),
		FormatsTTL:      viewsync.DefaultFormatsTTL.String(),
		ShutdownTimeout: viewsync.DefaultShutdownTimeout.String(),
		LogLevel:        "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	return data, nil
}
