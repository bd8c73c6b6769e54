package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-cluster/pkg/config"
	"github.com/vango-go/vai-cluster/pkg/server"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the cluster UI WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
}

func (a *app) newServer(ctx context.Context) (*server.Server, func(), error) {
	cat, err := loadCatalog(a.cfg)
	if err != nil {
		return nil, nil, err
	}
	if a.deps.newConnector == nil {
		return nil, nil, errors.New("missing newConnector dependency")
	}
	connector, err := a.deps.newConnector(ctx, a.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini: %w", err)
	}
	b, err := a.openBackends(ctx)
	if err != nil {
		return nil, nil, err
	}
	srv, err := server.New(server.Dependencies{
		Catalog:   cat,
		Connector: connector,
		Store:     b.store,
		Searcher:  b.searcher,
		Logger:    a.logger,
		Config:    serverConfig(a.cfg),
		Cluster:   clusterConfig(a.cfg),
		Audio:     audioConfig(a.cfg),
	})
	if err != nil {
		b.close()
		return nil, nil, err
	}
	return srv, b.close, nil
}

func (a *app) serve(ctx context.Context) error {
	if a.deps.signalNotify == nil || a.deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	srv, closeBackends, err := a.newServer(ctx)
	if err != nil {
		return err
	}
	defer closeBackends()

	httpSrv := buildHTTPServer(a.cfg, srv.Handler())
	a.logger.Info().Str("addr", a.cfg.Server.Addr).Str("live_model", a.cfg.Gemini.LiveModel).Msg("starting cluster server")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	a.deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer a.deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		a.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	srv.SetDraining()
	srv.WarnClustersDraining()

	grace := a.cfg.Server.ShutdownGracePeriod
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), grace)
	defer waitCancel()
	if !srv.WaitClusters(waitCtx) {
		n := srv.CancelClusters()
		a.logger.Warn().Int("clusters", n).Msg("grace period elapsed; cancelling clusters")
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	a.logger.Info().Msg("cluster server stopped")
	return nil
}
