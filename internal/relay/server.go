// Package relay implements the connection/session protocol of the pairing
// relay: the websocket server, connection registry, message router, and
// lifecycle sweeper. The relay forwards opaque encrypted payloads between
// desktop hosts and mobile peers and holds no decryption capability.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/magicianjarden/audiio-relay/internal/config"
	"github.com/magicianjarden/audiio-relay/internal/protocol"
	"github.com/magicianjarden/audiio-relay/internal/session"
)

// Server hosts the websocket listener and wires the router, session store,
// sweeper, and observability together.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	store    *session.Store
	router   *Router
	metrics  *relayMetrics
	upgrader websocket.Upgrader

	httpSrv   *http.Server
	adminSrv  *http.Server
	ready     atomic.Bool
	startedAt time.Time
}

// NewServer constructs a relay server with its dependencies. A nil store
// gets a fresh one bounded by the configuration.
func NewServer(cfg config.Config, logger *zap.Logger, store *session.Store) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = session.NewStore(session.Options{
			MaxPeersPerRoom:     cfg.Session.MaxPeersPerRoom,
			MaxDevicesPerServer: cfg.Session.MaxDevicesPerServer,
			RoomExpiry:          cfg.Session.RoomExpiry,
			CleanupThreshold:    cfg.Session.CleanupThreshold,
		})
	}
	return &Server{
		cfg:   cfg,
		log:   logger,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Hosts and peers connect from app webviews and native code;
			// origin checks are not a meaningful control here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Start boots the listeners and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	s.metrics = newRelayMetrics(promReg)
	s.startAdminServer(promReg)

	s.router = NewRouter(s.log, s.store, RouterOptions{
		Metrics:       s.metrics,
		TrustTimeout:  s.cfg.Session.TrustTimeout,
		SweepInterval: s.cfg.Session.SweepInterval,
	})
	s.router.StartSweeper(ctx)
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
	}()

	s.ready.Store(true)
	scheme := "ws"
	if s.cfg.TLS.Enabled() {
		scheme = "wss"
		s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress), zap.String("scheme", scheme))
		err = s.httpSrv.ServeTLS(lis, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		s.log.Info("relay listening", zap.String("address", s.cfg.ListenAddress), zap.String("scheme", scheme))
		err = s.httpSrv.Serve(lis)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

func (s *Server) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c, err := newClient(req.Context(), conn)
	if err != nil {
		s.log.Warn("client setup failed", zap.Error(err))
		conn.Close()
		return
	}
	s.router.conns.add(c)
	s.metrics.connOpened()
	s.log.Info("client connected", zap.String("client_id", c.id), zap.String("remote", conn.RemoteAddr().String()))

	go c.writeLoop(s.cfg.Transport.WriteTimeout)
	s.readLoop(c)
}

// readLoop services one connection until the transport closes. Handler
// execution for the in-flight message always completes (peers get their
// notifications) before the record is removed.
func (s *Server) readLoop(c *client) {
	defer func() {
		s.router.HandleDisconnect(c)
		s.router.conns.remove(c.conn)
		c.cancel()
		c.conn.Close()
		s.metrics.connClosed()
		s.log.Info("client disconnected",
			zap.String("client_id", c.id),
			zap.Duration("connected_for", time.Since(c.connectedAt)))
	}()

	if s.cfg.Transport.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.Transport.MaxMessageSize)
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			// Abrupt closes are handled identically to clean ones.
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			s.sendError(c, protocol.CodeInvalidMessage, "malformed message")
			continue
		}

		if err := s.router.HandleMessage(c, msg); err != nil {
			var rerr *routeError
			if errors.As(err, &rerr) {
				s.sendError(c, rerr.code, rerr.msg)
				continue
			}
			s.log.Warn("handler failed", zap.String("client_id", c.id), zap.String("type", msg.Type), zap.Error(err))
			return
		}
	}
}

func (s *Server) sendError(c *client, code, message string) {
	s.metrics.recordError(code)
	_ = s.router.push(c, protocol.TypeError, protocol.Error{Code: code, Message: message})
}

// handleHealth reports uptime and live counts for deployment tooling.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	rooms, servers := s.store.Counts()
	body := struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptimeSeconds"`
		Rooms         int    `json:"rooms"`
		Servers       int    `json:"servers"`
		Connections   int    `json:"connections"`
	}{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Rooms:         rooms,
		Servers:       servers,
		Connections:   s.router.conns.count(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.AdminAddress == "" {
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

	s.adminSrv = &http.Server{
		Addr:              s.cfg.AdminAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.AdminAddress))
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	if s.adminSrv != nil {
		if err := s.adminSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server shutdown", zap.Error(err))
		}
	}
	if s.router != nil {
		s.router.Close()
	}
	if s.httpSrv == nil {
		return
	}
	// Shutdown does not close hijacked websocket connections; force the
	// remainder closed once the grace period lapses.
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("graceful shutdown timed out; forcing stop", zap.Error(err))
		_ = s.httpSrv.Close()
		return
	}
	s.log.Info("relay stopped")
}
