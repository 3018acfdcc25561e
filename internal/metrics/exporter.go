package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Exporter exposes metrics via HTTP
type Exporter struct {
	addr      string
	collector *Collector
	server    *http.Server
	logger    *zap.Logger
	interval  time.Duration
}

// NewExporter creates a metrics exporter
func NewExporter(addr string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Exporter{
		addr:      addr,
		collector: NewCollector(),
		logger:    logger,
		interval:  15 * time.Second,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves metrics until ctx is cancelled or Stop is called.
func (e *Exporter) Start(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		e.collector.Collect()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.collector.Collect()
			}
		}
	}()

	e.logger.Info("metrics exporter listening", zap.String("addr", e.addr))
	if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the exporter
func (e *Exporter) Stop(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}
