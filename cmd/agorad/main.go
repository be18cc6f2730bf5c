// Command agorad runs the economy kernel as a single-process daemon: the
// action API over HTTP, the auction and escrow maintenance ticker, and
// periodic checkpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agoraos/agora/pkg/checkpoint"
	"github.com/agoraos/agora/pkg/config"
	"github.com/agoraos/agora/pkg/economy"
	"github.com/agoraos/agora/pkg/event"
	"github.com/agoraos/agora/pkg/kernel"
	"github.com/agoraos/agora/pkg/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("agorad", flag.ContinueOnError)
	var (
		configPath      = fs.String("config", "", "path to a YAML config file (defaults apply when empty)")
		listenAddr      = fs.String("listen", ":8470", "HTTP listen address")
		checkpointDB    = fs.String("checkpoint-db", "", "SQLite checkpoint database; empty disables checkpointing")
		checkpointKeep  = fs.Int("checkpoint-keep", 24, "checkpoints retained in the database")
		checkpointEvery = fs.Duration("checkpoint-every", 10*time.Minute, "interval between checkpoints")
		restore         = fs.Bool("restore", false, "restore the latest checkpoint before serving")
		logLevel        = fs.String("log-level", "info", "log level: debug, info, warn, error")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newLogger(*logLevel)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("config load failed", "path", *configPath, "error", err)
			return 1
		}
		cfg = loaded
	}

	metrics, err := telemetry.New()
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		return 1
	}

	k, err := kernel.New(cfg, logger)
	if err != nil {
		logger.Error("kernel init failed", "error", err)
		return 1
	}
	k.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	market := economy.NewMarket(cfg)
	escrow := economy.NewEscrow(cfg)
	if err := economy.Install(ctx, k, market, escrow); err != nil {
		logger.Error("economy install failed", "error", err)
		return 1
	}

	var ckptStore *checkpoint.SQLiteStore
	if *checkpointDB != "" {
		ckptStore, err = checkpoint.OpenSQLite(*checkpointDB)
		if err != nil {
			logger.Error("checkpoint store open failed", "error", err)
			return 1
		}
		defer func() { _ = ckptStore.Close() }()

		if *restore {
			snap, err := ckptStore.LoadLatest(ctx)
			if err != nil {
				logger.Error("checkpoint restore failed", "error", err)
				return 1
			}
			if err := checkpoint.Restore(k, market, escrow, snap); err != nil {
				logger.Error("checkpoint restore failed", "error", err)
				return 1
			}
			logger.Info("restored checkpoint", "taken_at", snap.TakenAt, "artifacts", len(snap.Artifacts))
		}
	}

	go runTicker(ctx, logger, k, cfg.AuctionPeriod)
	go drainEvents(ctx, logger, k.Bus())
	if ckptStore != nil {
		go runCheckpoints(ctx, logger, k, market, escrow, ckptStore, *checkpointEvery, *checkpointKeep)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           newAPI(k, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = metrics.Shutdown(shutdownCtx)
	}()

	logger.Info("agorad listening", "addr", *listenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		return 1
	}
	logger.Info("agorad stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// runTicker drives the periodic market rounds and escrow expiry. Both run as
// ordinary kernel invocations by the kernel principal, through the same
// dispatch and settlement path as any caller.
func runTicker(ctx context.Context, logger *slog.Logger, k *kernel.Kernel, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if res := k.Invoke(ctx, kernel.KernelPrincipal, economy.MarketArtifactID, "resolve", nil); !res.Success {
				logger.Error("auction resolve failed", "kind", res.ErrorKind, "error", res.ErrorMessage)
			}
			if res := k.Invoke(ctx, kernel.KernelPrincipal, economy.EscrowArtifactID, "sweep", nil); !res.Success {
				logger.Error("escrow sweep failed", "kind", res.ErrorKind, "error", res.ErrorMessage)
			}
		}
	}
}

// drainEvents is the external observability consumer: it logs every record
// the bus delivers. The bus never blocks on it; a slow drain costs dropped
// records, visible via the drop counter.
func drainEvents(ctx context.Context, logger *slog.Logger, bus *event.Bus) {
	events := logger.With("component", "events")
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-bus.Records():
			events.Debug("event",
				"seq", rec.Seq,
				"kind", string(rec.Kind),
				"principal", rec.Principal,
				"target", rec.Target,
			)
		}
	}
}

func runCheckpoints(ctx context.Context, logger *slog.Logger, k *kernel.Kernel,
	market *economy.Market, escrow *economy.Escrow,
	store *checkpoint.SQLiteStore, every time.Duration, keep int) {

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := checkpoint.Capture(k, market, escrow)
			if err != nil {
				logger.Error("checkpoint capture failed", "error", err)
				continue
			}
			if err := store.Save(ctx, snap); err != nil {
				logger.Error("checkpoint save failed", "error", err)
				continue
			}
			if err := store.Prune(ctx, keep); err != nil {
				logger.Error("checkpoint prune failed", "error", err)
			}
			logger.Info("checkpoint saved", "integrity", snap.Integrity, "artifacts", len(snap.Artifacts))
		}
	}
}
