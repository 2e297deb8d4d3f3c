package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/n0remac/robot-relay/relay"
)

const version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("fatal error")
	}
}

func newRootCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "robot-relay",
		Short: "WebSocket broker between the robot camera, the inference worker, and browser viewers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
				zerolog.SetGlobalLevel(level)
			}

			cfg, err := relay.LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			log.Info().Str("version", version).Str("host", cfg.Host).Int("port", cfg.Port).Msg("robot-relay starting")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return relay.NewServer(cfg, log.Logger).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&port, "port", 5000, "listen port")
	return cmd
}
