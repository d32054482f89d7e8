package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic sweep scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("scheduler"); err != nil {
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

		zap.L().Info("scheduler starting")
		return scheduler.New(st, b, cfg.Scheduler).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}
