// Package server hosts the WebSocket endpoint clients speak the chat
// protocol over, plus the admin HTTP surface (metrics and health).
package server

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lgbtaye777/ephemerium-chat/internal/broker"
	"github.com/lgbtaye777/ephemerium-chat/internal/config"
	"github.com/lgbtaye777/ephemerium-chat/internal/protocol"
)

const defaultMaxMessageBytes = 16 * 1024

// BrokerServer wires the broker behind the WebSocket listener and hosts
// the admin endpoints.
type BrokerServer struct {
	cfg       config.Config
	log       *zap.Logger
	httpSrv   *http.Server
	adminHTTP *http.Server
	ready     atomic.Bool
}

// NewBrokerServer constructs a server from configuration.
func NewBrokerServer(cfg config.Config, logger *zap.Logger) *BrokerServer {
	return &BrokerServer{cfg: cfg, log: logger}
}

// Start boots the listener and blocks until shutdown.
func (s *BrokerServer) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := broker.NewMetrics(reg)

	br := broker.New(s.log, broker.Options{
		RequestTTL:         s.cfg.RequestTTL,
		SessionIdleTimeout: s.cfg.SessionIdleTimeout,
		SweepInterval:      s.cfg.SweepInterval,
		Metrics:            metrics,
	})
	br.StartHousekeeping(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", NewWSHandler(ctx, s.log, br, WSOptions{
		MaxMessageBytes: s.cfg.WebSocket.MaxMessageBytes,
		WriteTimeout:    s.cfg.WebSocket.WriteTimeout,
		SendBuffer:      s.cfg.WebSocket.SendBuffer,
		AllowedOrigins:  s.cfg.WebSocket.AllowedOrigins,
	}))

	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	s.startAdminServer(reg)

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.log.Info("broker listening", zap.String("address", s.cfg.ListenAddress))
	s.ready.Store(true)
	err := s.httpSrv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *BrokerServer) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.Admin.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.Admin.Address,
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.Admin.Address))
}

// Shutdown attempts a graceful stop, then forces open WebSocket
// connections closed once the grace period runs out.
func (s *BrokerServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminHTTP != nil {
		if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.httpSrv == nil {
		return
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		// Long-lived WebSocket handlers rarely drain in time; force them.
		s.log.Warn("graceful shutdown timed out; forcing stop", zap.Error(err))
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("broker stopped")
}

// WSOptions tunes the per-connection transport behavior.
type WSOptions struct {
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	SendBuffer      int
	AllowedOrigins  []string
}

// NewWSHandler returns the upgrade handler that pumps frames between one
// WebSocket connection and the broker. Each connection gets a read loop
// (this handler) and a write pump; connection loss feeds the broker's
// disconnect cascade exactly once.
func NewWSHandler(parentCtx context.Context, log *zap.Logger, br *broker.Broker, opts WSOptions) http.Handler {
	upgrader := makeUpgrader(opts.AllowedOrigins)
	maxBytes := opts.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		c := newClient(parentCtx, log, conn, opts.SendBuffer, opts.WriteTimeout)
		go c.writePump()
		defer func() {
			c.cancel()
			br.Disconnect(c)
		}()

		conn.SetReadLimit(maxBytes)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("websocket read failed", zap.Error(err))
				}
				return
			}

			msg, perr := protocol.ParseClient(data)
			if perr != nil {
				c.Send(protocol.ErrorFrame(protocol.NewError(protocol.CodeParseError, "Bad JSON")))
				continue
			}
			br.HandleMessage(c, msg)
		}
	})
}

// makeUpgrader builds the upgrader with an origin allow-list. Empty list
// or "*" allows everything; requests without an Origin header (non-browser
// clients) always pass.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}
