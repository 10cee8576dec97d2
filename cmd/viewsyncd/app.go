package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/viewsync"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("VIEWSYNC_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "viewsyncd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg viewsync.Config

	cmd := &cobra.Command{
		Use:           "viewsyncd",
		Short:         "viewsyncd hosts a shared document-viewing session with lease-arbitrated navigation and content-addressed uploads",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev only)
  viewsyncd --store mem://

  # Disk-backed document store
  viewsyncd --store disk:///var/lib/viewsync --convert-endpoint http://converter:8080

  # MinIO backend
  VIEWSYNC_S3_ACCESS_KEY_ID=minioadmin VIEWSYNC_S3_SECRET_ACCESS_KEY=minioadmin \
    viewsyncd --store 's3://viewsync-docs?endpoint=localhost:9000&insecure=true&path-style=true'
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				logger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}

			logger.Info("welcome to viewsyncd",
				"pid", os.Getpid(),
				"store", cfg.Store,
				"listen", cfg.Listen,
			)

			server, err := viewsync.NewServer(cfg, viewsync.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.viewsync/"+viewsync.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", viewsync.DefaultListen, "listen address")
	flags.String("metrics-listen", viewsync.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("store", "", "storage backend URL (mem://, disk:///path, s3://bucket/prefix)")
	flags.Duration("lease-ttl", viewsync.DefaultLeaseTTL, "place-lease duration granted to interacting clients")
	flags.String("max-upload", humanizeBytes(viewsync.DefaultMaxUploadBytes), "maximum upload size (accepts 100MB, 1GiB, raw bytes)")
	flags.String("convert-endpoint", "", "conversion service base URL (empty admits native PDFs only)")
	flags.String("formats-url", "", "convertible-format list URL (empty uses the builtin list)")
	flags.Duration("formats-ttl", viewsync.DefaultFormatsTTL, "format-list cache lifetime")
	flags.Duration("shutdown-timeout", viewsync.DefaultShutdownTimeout, "graceful shutdown deadline")
	flags.String("s3-endpoint", "", "S3 endpoint override for s3:// stores")
	flags.String("s3-region", "", "S3 region for s3:// stores")
	flags.Bool("s3-path-style", false, "force path-style S3 addressing (MinIO)")
	flags.Bool("s3-insecure", false, "disable TLS towards the S3 endpoint")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	lookup := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("VIEWSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "metrics-listen", "store", "lease-ttl", "max-upload",
		"convert-endpoint", "formats-url", "formats-ttl", "shutdown-timeout",
		"s3-endpoint", "s3-region", "s3-path-style", "s3-insecure",
		"log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *viewsync.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.Store = viper.GetString("store")
	cfg.LeaseTTL = viper.GetDuration("lease-ttl")
	if maxUpload := strings.TrimSpace(viper.GetString("max-upload")); maxUpload != "" {
		size, err := humanize.ParseBytes(maxUpload)
		if err != nil {
			return fmt.Errorf("parse max-upload: %w", err)
		}
		cfg.MaxUploadBytes = int64(size)
	}
	cfg.ConvertEndpoint = viper.GetString("convert-endpoint")
	cfg.FormatsURL = viper.GetString("formats-url")
	cfg.FormatsTTL = viper.GetDuration("formats-ttl")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.S3Endpoint = viper.GetString("s3-endpoint")
	cfg.S3Region = viper.GetString("s3-region")
	cfg.S3ForcePathStyle = viper.GetBool("s3-path-style")
	cfg.S3Insecure = viper.GetBool("s3-insecure")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	return nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", nil
		}
		candidate := filepath.Join(home, ".viewsync", viewsync.DefaultConfigFileName)
		if _, err := os.Stat(candidate); err != nil {
			return "", nil
		}
		cfgPath = candidate
	}
	viper.SetConfigFile(cfgPath)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config %q: %w", cfgPath, err)
	}
	return cfgPath, nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
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
