package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/QuadTriangle/wstap/internal/config"
	"github.com/QuadTriangle/wstap/internal/control"
	"github.com/QuadTriangle/wstap/internal/intercept"
	"github.com/QuadTriangle/wstap/internal/loop"
	"github.com/QuadTriangle/wstap/internal/native"
	"github.com/QuadTriangle/wstap/internal/plugins/auth"
	"github.com/QuadTriangle/wstap/internal/relay"
	"github.com/QuadTriangle/wstap/internal/tunnel"
	"github.com/QuadTriangle/wstap/internal/types"
	"github.com/QuadTriangle/wstap/internal/wsapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newAgentCmd(a *app) *cobra.Command {
	var inspectorURL string
	cmd := &cobra.Command{
		Use:   "agent [ws-url...]",
		Short: "Run the interception engine and relay its traffic to an inspector",
		Long: "Installs the interception engine over a gorilla-backed WebSocket client,\n" +
			"opens each given URL through it and relays every event to the inspector.\n" +
			"Commands from the inspector are applied on the agent's event loop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inspectorURL != "" {
				a.cfg.InspectorURL = inspectorURL
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, a.cfg, a.logger, args)
		},
	}
	cmd.Flags().StringVar(&inspectorURL, "inspector", "", "inspector base URL (overrides config)")
	return cmd
}

func runAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger, urls []string) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	agentID, err := config.AgentID(dir)
	if err != nil {
		return err
	}
	log := logger.With(zap.String("agent", agentID))

	header := auth.Header(cfg.AuthToken)
	relayPath, err := tunnel.Register(ctx, nil, cfg.InspectorURL, types.RegisterRequest{AgentID: agentID, Version: version}, header)
	if err != nil {
		return err
	}
	relayURL, err := tunnel.RelayURL(cfg.InspectorURL, relayPath, agentID)
	if err != nil {
		return err
	}
	log.Info("registered", zap.String("inspector", cfg.InspectorURL))

	lp := loop.New(logger)
	tun := tunnel.New(relayURL,
		tunnel.WithLogger(logger),
		tunnel.WithHeader(header),
		tunnel.WithRetryInterval(cfg.Tunnel.RetryInterval),
		tunnel.WithKeepaliveInterval(cfg.Tunnel.KeepaliveInterval),
		tunnel.WithWriteTimeout(cfg.Tunnel.WriteTimeout),
	)
	rl := relay.New(tun, relay.WithLogger(logger), relay.WithExecutor(lp.Post))
	engine := intercept.NewEngine(control.NewStore(cfg.Control), rl, intercept.WithLogger(logger))
	rl.Bind(engine)
	engine.Install(&native.Dialer{
		Post:             lp.Post,
		Logger:           logger,
		HandshakeTimeout: cfg.Native.HandshakeTimeout,
		CloseTimeout:     cfg.Native.CloseTimeout,
	})

	for _, u := range urls {
		lp.Post(func() { openPage(engine, u, log) })
	}

	// The loop outlives the tunnel so open pages can be closed on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	var g errgroup.Group
	g.Go(func() error { return lp.Run(loopCtx) })
	g.Go(func() error {
		defer stopLoop()
		err := tun.Run(ctx)
		closePages(lp, engine, log)
		return err
	})
	return g.Wait()
}

func closePages(lp *loop.Loop, engine *intercept.Engine, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := lp.Call(ctx, func() {
		for _, s := range engine.Registry().Sockets() {
			if err := s.Close(wsapi.CloseNormal, "agent shutting down"); err != nil {
				log.Debug("close failed", zap.String("connection", s.ID()), zap.Error(err))
			}
		}
	})
	if err != nil {
		log.Warn("pages not closed", zap.Error(err))
	}
}

// openPage plays the part of page code: it opens url through the engine and
// logs what the page would see.
func openPage(engine *intercept.Engine, url string, log *zap.Logger) {
	s, err := engine.New(url)
	if err != nil {
		log.Error("open failed", zap.String("url", url), zap.Error(err))
		return
	}
	log = log.With(zap.String("connection", s.ID()), zap.String("url", url))

	s.SetOnOpen(func(wsapi.Event) { log.Info("page: open") })
	s.SetOnMessage(func(ev wsapi.Event) {
		if m, ok := ev.(*wsapi.MessageEvent); ok {
			log.Info("page: message", zap.Stringer("data", m.Data), zap.Bool("binary", m.Data.Binary))
		}
	})
	s.SetOnError(func(wsapi.Event) { log.Warn("page: error") })
	s.SetOnClose(func(ev wsapi.Event) {
		if c, ok := ev.(*wsapi.CloseEvent); ok {
			log.Info("page: close", zap.Int("code", c.Code), zap.String("reason", c.Reason), zap.Bool("clean", c.WasClean))
		}
	})
}
