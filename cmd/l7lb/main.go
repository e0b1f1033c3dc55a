// Command l7lb runs one L7 proxy listener: it loads its configuration,
// wires a backend registry to the configured selection algorithm, and
// starts accepting client connections until told to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msrvcomm-successor/l7lb/internal/config"
	"github.com/msrvcomm-successor/l7lb/internal/hostio"
	"github.com/msrvcomm-successor/l7lb/internal/observability"
	"github.com/msrvcomm-successor/l7lb/internal/proxy"
	"github.com/msrvcomm-successor/l7lb/internal/registry"
	"github.com/msrvcomm-successor/l7lb/internal/selector"
)

func main() {
	configPath := flag.String("config", "listener.yaml", "path to the listener's YAML configuration")
	metricsAddr := flag.String("metrics-addr", ":9090", "address the Prometheus /metrics endpoint listens on")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "l7lb: building logger:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(*configPath, *metricsAddr, log); err != nil {
		log.Fatal("l7lb: exiting", zap.Error(err))
	}
}

func run(configPath, metricsAddr string, log *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Algorithm == selector.NameMaglev && !cfg.IsMaglevTableSizePrime() {
		log.Warn("maglev.table_size is not prime; the lookup table will be less evenly distributed",
			zap.Int("table_size", cfg.Maglev.TableSize))
	}

	reg := registry.New()
	sel := buildSelector(cfg, log)
	locked := selector.NewLocking(sel)
	reg.Watch(locked)

	backends := make([]struct {
		Address string
		Weight  uint32
	}, len(cfg.Backends))
	for i, b := range cfg.Backends {
		backends[i] = struct {
			Address string
			Weight  uint32
		}{Address: b.Address, Weight: b.Weight}
	}
	reg.SetAll(backends)

	promReg := prometheus.NewRegistry()
	metrics := observability.New(promReg, fmt.Sprintf("port-%d", cfg.ListenPort))

	io := hostio.NewNetHostIO()
	p := proxy.New(io, reg, locked, metrics, cfg.ListenPort, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	}
	group.Go(func() error {
		ln, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			return fmt.Errorf("metrics: listen on %s: %w", metricsAddr, err)
		}
		log.Info("l7lb: serving metrics", zap.String("addr", metricsAddr))
		if err := metricsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		if err := p.Start(); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
		<-ctx.Done()
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		log.Info("l7lb: shutting down")
		if err := p.Stop(); err != nil {
			log.Warn("l7lb: error stopping proxy", zap.Error(err))
		}
		return metricsServer.Shutdown(context.Background())
	})

	return group.Wait()
}

// buildSelector constructs the Selector cfg.Algorithm names. Each
// constructor gets its own per-listener RNG seeded from the clock so two
// listeners never share a selection sequence.
func buildSelector(cfg config.Config, log *zap.Logger) selector.Selector {
	rng := selector.NewRNG(seedFromClock())

	switch cfg.Algorithm {
	case selector.WRR:
		return selector.NewWeightedRoundRobin(log)
	case selector.LR:
		return selector.NewLeastRequest(cfg.LeastRequest.ActiveRequestBias, rng, log)
	case selector.NameRandom:
		return selector.NewRandom(rng)
	case selector.NameRingHash:
		return selector.NewRingHash(cfg.RingHash.MinRingSize, cfg.RingHash.MaxRingSize, rng, log)
	case selector.NameMaglev:
		return selector.NewMaglev(cfg.Maglev.TableSize, rng, log)
	case selector.NamePeakEWMA:
		return selector.NewPeakEWMA(cfg.PeakEWMA.DecayTime, rng, nowFunc, log)
	default:
		// config.Validate already rejected anything else; unreachable.
		panic(fmt.Sprintf("l7lb: unhandled algorithm %q", cfg.Algorithm))
	}
}

func nowFunc() time.Time { return time.Now() }

// seedFromClock gives each listener process its own RNG sequence without
// reaching for the process-global math/rand functions selector.RNG
// implementations are forbidden from using directly.
func seedFromClock() int64 { return time.Now().UnixNano() }
