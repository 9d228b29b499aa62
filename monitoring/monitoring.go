// Package monitoring exports Prometheus metrics over HTTP.
package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the options of the Prometheus exporter.
//
//nolint:ll
type Config struct {
	// Listen is the address the exporter serves /metrics on. Empty
	// disables the exporter.
	Listen string `long:"listen" description:"the interface we should listen on for Prometheus"`

	// RuntimeMetrics adds Go runtime and process collectors.
	RuntimeMetrics bool `long:"runtime" description:"export Go runtime and process metrics"`
}

// Exporter serves a registry on /metrics.
type Exporter struct {
	cfg      *Config
	registry *prometheus.Registry

	startOnce sync.Once
	stopOnce  sync.Once

	listener net.Listener
	server   *http.Server
}

// NewExporter creates an exporter for registry.
func NewExporter(cfg *Config, registry *prometheus.Registry) (*Exporter,
	error) {

	if cfg.RuntimeMetrics {
		err := registry.Register(collectors.NewGoCollector())
		if err != nil {
			return nil, err
		}

		err = registry.Register(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
		if err != nil {
			return nil, err
		}
	}

	return &Exporter{
		cfg:      cfg,
		registry: registry,
	}, nil
}

// Start listens on the configured address and serves metrics in the
// background.
func (e *Exporter) Start() error {
	var err error
	e.startOnce.Do(func() {
		e.listener, err = net.Listen("tcp", e.cfg.Listen)
		if err != nil {
			return
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			e.registry, promhttp.HandlerOpts{},
		))
		e.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		log.Infof("Prometheus exporter started on %v/metrics",
			e.listener.Addr())

		go func() {
			err := e.server.Serve(e.listener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return err
}

// Addr returns the address the exporter listens on once started.
func (e *Exporter) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop shuts the exporter down.
func (e *Exporter) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		if e.server == nil {
			return
		}

		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		err = e.server.Shutdown(ctx)
	})

	return err
}
