// Command framesim drives a gpures Manager through a synthetic scene on a
// gogpu/wgpu hal backend and reports allocator behavior.
//
// Usage:
//
//	framesim --frames 600 --instances 1000 --growth 50 --metrics-addr :9090
//
// Every flag can also be set from a config file (--config) or from the
// environment with the GPURES_ prefix, e.g. GPURES_FRAMES_IN_FLIGHT=2.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/gogpu/gpures"
	"github.com/gogpu/gpures/backend"
	"github.com/gogpu/gpures/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "framesim:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	level, _ := cfg.level()
	gpures.SetLogger(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	b, err := backend.Open(cfg.Backend)
	if err != nil {
		return err
	}
	defer b.Close()

	m, err := gpures.NewManager(b.Device(), b.Queue(), gpures.WithConfig(cfg.managerConfig()))
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	rep, simErr := simulate(ctx, cfg, m)
	rep.Stats = m.Stats()
	rep.Backend = b.Name()
	closeErr := m.Close(context.Background())
	rep.print(stdout)
	return errors.Join(simErr, closeErr)
}

func serveMetrics(addr string, m *gpures.Manager) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			gpures.Logger().Warn("framesim: metrics server", slog.Any("err", err))
		}
	}()
	gpures.Logger().Info("framesim: serving metrics", slog.String("addr", addr))
	return srv
}
