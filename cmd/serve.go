package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/control"
	"github.com/foresight-labs/market-pipeline/internal/ratelimit"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(cmd)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close()

		b, err := broker.Connect(cfg.Broker.URL)
		if err != nil {
			return err
		}
		defer b.Close()
		if err := b.DeclareTopology(); err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Control.Port
		}

		server := control.NewServer(st, b, ratelimit.New(st), control.NewRegistry())
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.Router(),
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down control plane")
			return srv.Shutdown(cmd.Context())
		})
		g.Go(func() error {
			zap.L().Info("control plane listening", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "control plane listen")
			}
			return nil
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
