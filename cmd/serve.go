package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blacktop/xpostd/internal/app"
	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/server"
	"github.com/blacktop/xpostd/internal/telemetry"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP publishing API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdown, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(sctx); err != nil {
					logutil.Warnf("telemetry shutdown: %v", err)
				}
			}()

			svc, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			logutil.Infof("credentials loaded for %d of %d destinations", len(svc.Configured()), len(svc.Platforms()))
			return server.New(svc, Version).Start(ctx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides server.listen)")
	return cmd
}
