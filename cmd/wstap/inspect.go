package main

import (
	"os/signal"
	"syscall"

	"github.com/QuadTriangle/wstap/internal/hooks"
	"github.com/QuadTriangle/wstap/internal/inspector"
	"github.com/QuadTriangle/wstap/internal/plugins/auth"
	"github.com/QuadTriangle/wstap/internal/plugins/ipallow"
	"github.com/QuadTriangle/wstap/internal/plugins/stats"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newPipeline registers every inspector plugin. To add a feature, add a
// line here.
func newPipeline() *hooks.Pipeline {
	pipeline := &hooks.Pipeline{}
	pipeline.RegisterPlugin(stats.New())
	pipeline.RegisterPlugin(auth.New())
	pipeline.RegisterPlugin(ipallow.New())
	return pipeline
}

func newInspectCmd(a *app) *cobra.Command {
	var listen string
	pipeline := newPipeline()
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Accept agent relays and forward observer commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = a.cfg.Listen
			}
			// The token may come from config or the environment.
			if f := cmd.Flags().Lookup(auth.FlagName); f != nil && !f.Changed && a.cfg.AuthToken != "" {
				if err := cmd.Flags().Set(auth.FlagName, a.cfg.AuthToken); err != nil {
					return err
				}
			}

			if err := pipeline.Activate(a.logger); err != nil {
				return err
			}
			defer func() {
				if err := pipeline.Close(); err != nil {
					a.logger.Warn("plugin shutdown", zap.Error(err))
				}
			}()
			a.logger.Info("plugins active", zap.Strings("plugins", pipeline.Active()))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return inspector.New(pipeline, inspector.WithLogger(a.logger)).ListenAndServe(ctx, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides config)")
	pipeline.RegisterFlags(cmd.Flags())
	return cmd
}
