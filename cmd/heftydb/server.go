package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/heftydb/pkg/heftydb"
	"github.com/dd0wney/heftydb/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

// metricsServer exposes a database's Prometheus registry and a health check
// over HTTP, and shuts down gracefully.
type metricsServer struct {
	server       *http.Server
	listener     net.Listener
	logger       logging.Logger
	shutdownOnce sync.Once
	done         chan struct{}
}

func newMetricsServer(db *heftydb.DB, logger logging.Logger) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(db.Metrics().GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		s := db.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"id":          db.ID(),
			"snapshot":    s.Snapshot,
			"tables":      s.Tables,
			"quarantined": s.Quarantined,
		})
	})
	return &metricsServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger: logger.With(logging.Component("metrics-server")),
		done:   make(chan struct{}),
	}
}

// Start listens on addr and serves in the background.
func (ms *metricsServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ms.listener = ln
	ms.logger.Info("serving metrics", logging.String("addr", ln.Addr().String()))
	go func() {
		defer close(ms.done)
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ms.logger.Error("metrics server failed", logging.Error(err))
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (ms *metricsServer) Addr() string {
	if ms.listener == nil {
		return ""
	}
	return ms.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (ms *metricsServer) Shutdown(timeout time.Duration) error {
	var err error
	ms.shutdownOnce.Do(func() {
		if ms.listener == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err = ms.server.Shutdown(ctx); err != nil {
			ms.logger.Error("metrics server shutdown failed", logging.Error(err))
		}
		<-ms.done
	})
	return err
}

// serve keeps db open until SIGINT or SIGTERM.
func serve(db *heftydb.DB, addr string, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serveUntil(ctx, db, addr, logger)
}

func serveUntil(ctx context.Context, db *heftydb.DB, addr string, logger logging.Logger) error {
	if addr == "" {
		return usageError("serve needs a -metrics address")
	}
	ms := newMetricsServer(db, logger)
	if err := ms.Start(addr); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return ms.Shutdown(shutdownTimeout)
}
