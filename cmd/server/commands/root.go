package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	redisSvc "wc_sign/internal/service/redis"
	"wc_sign/internal/service/server"
	"wc_sign/internal/utils/log"
)

var (
	addr      string
	redisAddr string
	auth      bool
	logLevel  string
)

func Execute() error {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Development relay for the sign protocol",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.SetLevel(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	root.AddCommand(serveCmd())
	return root.Execute()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relay websocket, /health and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var mailbox server.Mailbox = server.NewMemoryMailbox()
			if redisAddr != "" {
				svc := redisSvc.NewRedis(redis.NewClient(&redis.Options{Addr: redisAddr}))
				defer svc.Close()
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := svc.Ping(pingCtx)
				cancel()
				if err != nil {
					return err
				}
				mailbox = server.NewRedisMailbox(svc)
				log.Info("mailbox on redis", zap.String("addr", redisAddr))
			}

			var opts []server.Option
			if auth {
				opts = append(opts, server.WithAuth())
			}
			err := server.NewHttpServer(addr, mailbox, opts...).Run(ctx)
			if err != nil {
				log.Error("relay stopped", zap.Error(err))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":5555", "listen address")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address for the offline mailbox; memory when empty")
	cmd.Flags().BoolVar(&auth, "auth", false, "require a relay auth JWT from clients")
	return cmd
}
