package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wc_sign/internal/config"
	"wc_sign/internal/core"
	"wc_sign/internal/sign"
	"wc_sign/internal/utils/log"
)

var (
	configPath string
	logLevel   string

	cfg *config.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:          "wc",
		Short:        "Sign protocol client: pair, connect and manage sessions over a relay",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.LoadFile(configPath); err != nil {
					return err
				}
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			return log.SetLevel(cfg.Log.Level)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")

	root.AddCommand(
		clientIDCmd(),
		connectCmd(),
		pairCmd(),
		sessionsCmd(),
		pingCmd(),
		disconnectCmd(),
		cleanupCmd(),
	)
	return root.Execute()
}

// withClient runs fn with an initialised client. The context is cancelled on
// SIGINT or SIGTERM.
func withClient(fn func(ctx context.Context, c *sign.Client) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.Named("wc")
	st, release, err := cfg.Storage.Open(ctx, logger)
	if err != nil {
		return err
	}
	defer release()

	c := sign.New(sign.Options{
		Core: core.Options{
			RelayURL:          cfg.RelayURL,
			ProjectID:         cfg.ProjectID,
			Storage:           st,
			Logger:            logger,
			HeartbeatInterval: cfg.HeartbeatInterval.Duration,
		},
		Metadata:      cfg.Metadata.Model(),
		SessionExpiry: cfg.SessionExpiry.Duration,
	})
	if err := c.Init(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("close client", zap.Error(err))
		}
	}()
	return fn(ctx, c)
}
