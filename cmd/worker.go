package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/foresight-labs/market-pipeline/internal/broker"
	"github.com/foresight-labs/market-pipeline/internal/config"
	"github.com/foresight-labs/market-pipeline/internal/evidence"
	"github.com/foresight-labs/market-pipeline/internal/feeds"
	"github.com/foresight-labs/market-pipeline/internal/heartbeat"
	"github.com/foresight-labs/market-pipeline/internal/model"
	"github.com/foresight-labs/market-pipeline/internal/ratelimit"
	"github.com/foresight-labs/market-pipeline/internal/stage"
	"github.com/foresight-labs/market-pipeline/internal/store"
	"github.com/foresight-labs/market-pipeline/internal/worker"
	"github.com/foresight-labs/market-pipeline/pkg/chain"
	"github.com/foresight-labs/market-pipeline/pkg/judge"
)

var workerType string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one pipeline stage worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}
		wt := model.WorkerType(workerType)

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

		instanceID := cfg.Worker.InstanceID
		if instanceID == "" {
			host, _ := os.Hostname()
			instanceID = host + "-" + uuid.NewString()[:8]
		}
		reporter := heartbeat.NewReporter(cfg.Control.BaseURL, wt, instanceID,
			cfg.Worker.HeartbeatInterval())

		dynamic := config.NewDynamic()
		if err := dynamic.Reload(ctx, st); err != nil {
			zap.L().Warn("initial settings load failed", zap.Error(err))
		}

		zap.L().Info("worker starting",
			zap.String("worker_type", string(wt)),
			zap.String("instance_id", instanceID),
		)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			reporter.Run(ctx)
			return nil
		})

		if wt == model.WorkerCrawler {
			crawler, err := buildCrawler(st, b, reporter)
			if err != nil {
				return err
			}
			g.Go(func() error { return crawler.Run(ctx) })
			return g.Wait()
		}

		handler, err := buildHandler(wt, st, b, dynamic)
		if err != nil {
			return err
		}
		retry := broker.NewRetryController(b, cfg.Broker.MaxRetries, nil)
		consumer := worker.New(b, handler, reporter, retry, dynamic, st,
			cfg.Worker, cfg.Broker.MaxRetries)
		g.Go(func() error { return consumer.Run(ctx) })
		return g.Wait()
	},
}

// buildCrawler wires the feed poller.
func buildCrawler(st store.Store, b *broker.Broker, reporter *heartbeat.Reporter) (*stage.Crawler, error) {
	sources, err := feeds.LoadSources(cfg.Feeds.SourcesFile)
	if err != nil {
		return nil, err
	}
	fetcher := feeds.NewFetcher(&http.Client{
		Timeout: time.Duration(cfg.Feeds.FetchTimeoutSecs) * time.Second,
	})
	interval := time.Duration(cfg.Feeds.PollIntervalSecs) * time.Second
	return stage.NewCrawler(st, fetcher, b, reporter, ratelimit.New(st), sources, interval), nil
}

// buildHandler wires the queue-consuming stages.
func buildHandler(wt model.WorkerType, st store.Store, b *broker.Broker, dynamic *config.Dynamic) (worker.Handler, error) {
	judgeClient := judge.NewClient(cfg.Anthropic.Key, judge.Config{
		HaikuModel:  cfg.Anthropic.HaikuModel,
		SonnetModel: cfg.Anthropic.SonnetModel,
		MaxTokens:   int64(cfg.Anthropic.MaxOutputToks),
	})

	switch wt {
	case model.WorkerExtractor:
		return stage.NewExtractor(st, judgeClient, b), nil
	case model.WorkerGenerator:
		return stage.NewGenerator(st, judgeClient, b), nil
	case model.WorkerValidator:
		return stage.NewValidator(st, judgeClient, b, ratelimit.New(st), dynamic), nil
	case model.WorkerPublisher:
		return stage.NewPublisher(st, chainClient()), nil
	case model.WorkerResolver:
		return stage.NewResolver(st, judgeClient, chainClient(), evidenceFetcher(), dynamic), nil
	case model.WorkerDispute:
		return stage.NewDisputeAgent(st, judgeClient, chainClient(), evidenceFetcher()), nil
	default:
		return nil, eris.Errorf("unknown worker type %q", wt)
	}
}

func chainClient() chain.Client {
	opts := []chain.Option{}
	if cfg.Chain.TimeoutSecs > 0 {
		opts = append(opts, chain.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Chain.TimeoutSecs) * time.Second,
		}))
	}
	return chain.NewClient(cfg.Chain.Key, cfg.Chain.BaseURL, opts...)
}

func evidenceFetcher() *evidence.Fetcher {
	return evidence.NewFetcher(
		time.Duration(cfg.Evidence.TimeoutSecs)*time.Second,
		cfg.Evidence.MaxAttempts,
	)
}

func init() {
	workerCmd.Flags().StringVar(&workerType, "type", "",
		"stage to run (crawler, extractor, generator, validator, publisher, resolver, dispute)")
	workerCmd.MarkFlagRequired("type")
	rootCmd.AddCommand(workerCmd)
}
