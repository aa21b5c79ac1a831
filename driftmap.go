package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/driftmap/admin"
	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/dmap"
	"github.com/maxpert/driftmap/publisher"
	"github.com/maxpert/driftmap/store"
	"github.com/maxpert/driftmap/telemetry"
	"github.com/maxpert/driftmap/writebehind"

	_ "github.com/maxpert/driftmap/publisher/sink"
	_ "github.com/maxpert/driftmap/publisher/transformer"
	_ "github.com/maxpert/driftmap/store/mongo"
	_ "github.com/maxpert/driftmap/store/pebblestore"
	_ "github.com/maxpert/driftmap/store/sqlstore"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const statsInterval = 5 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Str("map", cfg.Config.Map.Name).Msg("Starting driftmap")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("driftmap exited with error")
	}
	log.Info().Msg("driftmap stopped")
}

func run(ctx context.Context) error {
	adapter, err := openAdapter()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adapter.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()

	mapConfig := dmap.ConfigFromGlobal(cfg.Config)
	opts := []dmap.Option{dmap.WithAdapter(adapter), dmap.WithNodeID(cfg.Config.NodeID)}

	if mapConfig.WriteMode == cfg.WriteModeWriteBehind {
		queue, journal, err := openQueue()
		if err != nil {
			return err
		}
		if journal != nil {
			defer journal.Close()
		}
		go logDeadLetters(ctx, queue)
		opts = append(opts, dmap.WithQueue(queue))
	}

	m, err := dmap.New(mapConfig, opts...)
	if err != nil {
		return fmt.Errorf("failed to create map: %w", err)
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("failed to start map: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), mapConfig.ShutdownTimeout+time.Second)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close map")
		}
	}()

	registry, err := publisher.NewRegistry(cfg.Config.Sinks)
	if err != nil {
		return err
	}
	if err := registry.Start(m); err != nil {
		return err
	}
	defer registry.Stop()

	collector := telemetry.NewMetricsCollector(m, statsInterval)
	collector.Start()
	defer collector.Stop()

	server := startHTTP(m, registry)
	if server != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("store", m.Backend()).
		Str("write_mode", string(mapConfig.WriteMode)).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("Node is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	return nil
}

func openAdapter() (*store.Adapter, error) {
	backend, err := store.NewBackend(cfg.Config.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return store.NewAdapter(backend, store.AdapterConfig{
		BatchSize:      cfg.Config.Store.BatchSize,
		ConnectTimeout: time.Duration(cfg.Config.Store.ConnectTimeoutMS) * time.Millisecond,
		CallTimeout:    time.Duration(cfg.Config.Store.CallTimeoutMS) * time.Millisecond,
	}), nil
}

func openQueue() (*writebehind.Queue, *writebehind.Journal, error) {
	wb := cfg.Config.WriteBehind

	var journal *writebehind.Journal
	if wb.Journal {
		j, err := writebehind.OpenJournal(cfg.Config.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open write-behind journal: %w", err)
		}
		journal = j
	}

	dead, err := writebehind.NewDeadLetters(journal)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return nil, nil, err
	}

	queue := writebehind.NewQueue(writebehind.QueueOptions{
		RetryLimit:     wb.RetryLimit,
		BatchSize:      wb.BatchSize,
		BackoffInitial: time.Duration(wb.BackoffInitialMS) * time.Millisecond,
		BackoffMax:     time.Duration(wb.BackoffMaxMS) * time.Millisecond,
		Journal:        journal,
		DeadLetters:    dead,
	})
	n, err := queue.Restore()
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return nil, nil, err
	}
	if n > 0 {
		log.Info().Int("records", n).Msg("Restored pending writes from journal")
	}
	return queue, journal, nil
}

func logDeadLetters(ctx context.Context, queue *writebehind.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-queue.Errors():
			var dl *store.DeadLetterError
			if errors.As(err, &dl) {
				log.Error().Err(dl.Err).Str("key", dl.Key).Int("attempts", dl.Attempts).Msg("Write dead-lettered")
			}
		}
	}
}

// startHTTP serves /metrics and /admin on one listener. Returns nil when
// neither is enabled.
func startHTTP(m *dmap.Map, registry *publisher.Registry) *http.Server {
	if !cfg.Config.Prometheus.Enabled && !cfg.Config.Admin.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	if h := telemetry.GetMetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	if cfg.Config.Admin.Enabled {
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(m, registry), cfg.Config.Admin.Secret)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return server
}
