// Command dnsync syncs block headers, compact filters and silent payment
// tweak data from a block-dn server and keeps following its tip.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/blockdn/blockdn"
	"github.com/lightningnetwork/blockdn/build"
	"github.com/lightningnetwork/blockdn/chainsync"
	"github.com/lightningnetwork/blockdn/headerchain"
	"github.com/lightningnetwork/blockdn/monitoring"
	"github.com/lightningnetwork/blockdn/signal"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/prometheus/client_golang/prometheus"
)

// updateQueueSize is the buffer of sync updates waiting to be logged.
const updateQueueSize = 64

func main() {
	if err := run(os.Args[1:]); err != nil {
		var flagErr *flags.Error
		if !errors.As(err, &flagErr) || flagErr.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logWriter := build.NewRotatingLogWriter()
	loggers := setupLoggers(logWriter)

	logFile := filepath.Join(cfg.LogDir, cfg.Network, defaultLogFilename)
	if err := logWriter.InitLogRotator(cfg.LogConfig, logFile); err != nil {
		return err
	}
	defer logWriter.Close()

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, loggers)
	if err != nil {
		return err
	}

	if cfg.configFileError != nil && !os.IsNotExist(cfg.configFileError) {
		log.Warnf("%v", cfg.configFileError)
	}

	interceptor, err := signal.Intercept()
	if err != nil {
		return err
	}
	ctx, cancel := interceptor.Context()
	defer cancel()

	client, err := blockdn.NewClient(cfg.BlockDN.ClientConfig())
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics, err := chainsync.NewMetrics(registry)
	if err != nil {
		return err
	}

	// Updates are logged off the sync path so OnProgress never blocks on
	// the log writer.
	updates := queue.NewConcurrentQueue(updateQueueSize)
	updates.Start()
	defer updates.Stop()

	go func() {
		for item := range updates.ChanOut() {
			logUpdate(item.(chainsync.Update))
		}
	}()
	onProgress := func(u chainsync.Update) {
		updates.ChanIn() <- u
	}

	engine, err := chainsync.New(&chainsync.Config{
		Fetcher:           client,
		ChainParams:       cfg.chainParams,
		StartHeight:       cfg.StartHeight,
		StartFilterHeader: cfg.startFilterHeader,
		DisableFilters:    cfg.NoFilters,
		DisableTweaks:     cfg.NoTweaks,
		PipelineDepth:     cfg.PipelineDepth,
		MaxAttempts:       cfg.MaxAttempts,
		PollInterval:      cfg.PollInterval,
		Keys:              cfg.keys,
		OnProgress:        onProgress,
		Metrics:           metrics,
	})
	if err != nil {
		return err
	}

	if cfg.Prometheus.Listen != "" {
		exporter, err := monitoring.NewExporter(cfg.Prometheus, registry)
		if err != nil {
			return err
		}
		if err := exporter.Start(); err != nil {
			return err
		}
		defer func() {
			if err := exporter.Stop(); err != nil {
				log.Warnf("Unable to stop metrics exporter: %v",
					err)
			}
		}()
	}

	if cfg.HealthCheck.Attempts > 0 {
		monitor := newHealthMonitor(ctx, cfg.HealthCheck, client,
			interceptor)
		if err := monitor.Start(); err != nil {
			return err
		}
		defer func() {
			if err := monitor.Stop(); err != nil {
				log.Warnf("Unable to stop health monitor: %v",
					err)
			}
		}()
	}

	log.Infof("dnsync version %s commit=%s", build.Version(), build.Commit)
	log.Infof("Syncing %v from %s", cfg.chainParams.Name, cfg.BlockDN.URL)

	if cfg.Once {
		progress, err := engine.CatchUp(ctx)
		if err != nil {
			return err
		}

		progress.Tip.WhenSome(func(tip headerchain.BlockStamp) {
			log.Infof("Synced to %v@%d", tip.Hash, tip.Height)
		})

		return nil
	}

	err = engine.Follow(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// newHealthMonitor creates a monitor that shuts dnsync down once the server
// stops answering status requests.
func newHealthMonitor(ctx context.Context, cfg *healthCheckConfig,
	client *blockdn.Client,
	interceptor *signal.Interceptor) *healthcheck.Monitor {

	serverCheck := healthcheck.NewObservation(
		"block-dn",
		func() error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()

			_, err := client.Status(ctx)

			return err
		},
		cfg.Interval, cfg.Timeout, cfg.Backoff, cfg.Attempts,
	)

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{serverCheck},
		Shutdown: func(format string, params ...interface{}) {
			log.Criticalf("Health check failed: "+format,
				params...)
			interceptor.RequestShutdown()
		},
	})
}

// logUpdate logs applied batches, reorgs and found payments.
func logUpdate(u chainsync.Update) {
	u.ForkHeight.WhenSome(func(height uint32) {
		log.Infof("Reorg: active chain forked at height %d", height)
	})

	for _, match := range u.Matches {
		log.Infof("Silent payment of %v to %v at height %d",
			match.Value, match.OutPoint, match.Height)
	}

	log.Debugf("Applied %v batch: headers=%d filters=%d tweaks=%d "+
		"target=%d", u.Stream, u.Cursor.NextHeader,
		u.Cursor.NextFilter, u.Cursor.NextTweak, u.Target)
}
