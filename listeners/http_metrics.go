// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mochi-mqtt/lite/system"
)

// HTTPMetrics is a listener exposing the server $SYS stats as prometheus
// metrics on /metrics.
type HTTPMetrics struct {
	sync.RWMutex
	id       string               // the internal id of the listener
	address  string               // the network address to bind to
	config   Config               // configuration values for the listener
	listen   *http.Server         // the http server
	ln       net.Listener         // the bound network listener
	log      *slog.Logger         // server logger
	sysInfo  *system.Info         // pointers to the server data
	registry *prometheus.Registry // the registry the server metrics are exposed on
	end      uint32               // ensure the close methods are only called once
}

// NewHTTPMetrics initialises and returns a new prometheus metrics listener.
func NewHTTPMetrics(config Config, sysInfo *system.Info) *HTTPMetrics {
	return &HTTPMetrics{
		id:       config.ID,
		address:  config.Address,
		config:   config,
		sysInfo:  sysInfo,
		registry: prometheus.NewRegistry(),
	}
}

// ID returns the id of the listener.
func (l *HTTPMetrics) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *HTTPMetrics) Address() string {
	if l.ln != nil {
		return l.ln.Addr().String()
	}
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *HTTPMetrics) Protocol() string {
	return "http"
}

// Init registers the server metrics and binds the listener.
func (l *HTTPMetrics) Init(log *slog.Logger) error {
	l.log = log

	if err := l.sysInfo.RegisterPrometheusMetrics(l.registry); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{}))
	l.listen = &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Addr:         l.address,
		Handler:      mux,
	}

	var err error
	l.ln, err = net.Listen("tcp", l.address)
	return err
}

// Serve starts listening for new connections and serving responses.
func (l *HTTPMetrics) Serve(establish EstablishFn) {
	_ = l.listen.Serve(l.ln)
}

// Close closes the listener and any client connections.
func (l *HTTPMetrics) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}

	closeClients(l.id)
}
