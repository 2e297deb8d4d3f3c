package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/n0remac/robot-relay/protocol"
)

// Server is the broker: one WebSocket listener whose connections are
// classified by path into producer (/pi), worker (/wsl), and viewer
// (/browser) sessions.
type Server struct {
	cfg       Config
	log       zerolog.Logger
	registry  *Registry
	pipeline  *Pipeline
	limiter   *Limiter
	broadcast *Broadcaster
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}

	httpServer *http.Server
}

func NewServer(cfg Config, logger zerolog.Logger) *Server {
	reg := NewRegistry()
	return &Server{
		cfg:       cfg,
		log:       logger,
		registry:  reg,
		pipeline:  NewPipeline(cfg.PipelineDepth, cfg.AdmitTimeout, cfg.ResultTTL, cfg.ResultCacheSize),
		limiter:   NewLimiter(cfg.RateWindow, cfg.RateLimit, cfg.ExemptIPs),
		broadcast: NewBroadcaster(reg, logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[*Session]struct{}),
	}
}

// Registry exposes the connection registry, mainly for tests and status.
func (sv *Server) Registry() *Registry { return sv.registry }

// Pipeline exposes the frame pipeline, mainly for tests and status.
func (sv *Server) Pipeline() *Pipeline { return sv.pipeline }

// Router mounts the WebSocket endpoint. Classification is by substring so
// clients may append query strings or extra path segments.
func (sv *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(sv.serveWS)
	return r
}

// ListenAndServe runs the broker until ctx is cancelled, then performs the
// graceful shutdown: close frame 1001 to every peer, a bounded drain, then
// the listener stops. A bind failure is returned to the caller (fatal).
func (sv *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(sv.cfg.Host, fmt.Sprintf("%d", sv.cfg.Port))
	sv.httpServer = &http.Server{Addr: addr, Handler: sv.Router()}

	janitorCtx, cancelJanitors := context.WithCancel(context.Background())
	defer cancelJanitors()
	go sv.pipeline.Run(janitorCtx)
	go sv.limiterGC(janitorCtx)

	errCh := make(chan error, 1)
	go func() {
		sv.log.Info().Str("addr", addr).Msg("broker listening")
		errCh <- sv.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	sv.shutdown()
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (sv *Server) shutdown() {
	sv.log.Info().Msg("shutting down, closing sessions")
	for _, sess := range sv.liveSessions() {
		sess.Close(CloseGoingAway, "Server shutting down")
	}

	drained := make(chan struct{})
	go func() {
		for {
			if len(sv.liveSessions()) == 0 {
				close(drained)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	select {
	case <-drained:
	case <-time.After(sv.cfg.ShutdownGrace):
		sv.log.Warn().Msg("timeout waiting for sessions to close")
	}

	if sv.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), sv.cfg.ShutdownGrace)
		defer cancel()
		_ = sv.httpServer.Shutdown(shutdownCtx)
	}
}

func (sv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	sv.log.Info().Str("ip", ip).Str("path", path).Msg("new connection")

	conn, err := sv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sv.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !sv.limiter.Allow(ip) {
		sv.log.Warn().Str("ip", ip).Msg("connection rate limit applied")
		sv.refuse(conn, "Rate limit exceeded")
		return
	}

	switch {
	case strings.Contains(path, "/browser"):
		sv.serveViewer(conn, ip)
	case strings.Contains(path, "/pi"):
		sv.serveProducer(conn, ip)
	case strings.Contains(path, "/wsl"):
		sv.serveWorker(conn, ip)
	default:
		sv.log.Warn().Str("path", path).Msg("unknown connection path")
		sv.closeRaw(conn, "Unsupported endpoint")
	}
}

func (sv *Server) serveViewer(conn *websocket.Conn, ip string) {
	sess := newSession(conn, RoleViewer, ip, sv.cfg, sv.log)
	clientID := sv.registry.AttachViewer(sess, ip)
	sess.id = clientID
	sv.track(sess)
	sv.log.Info().Str("client_id", clientID).Str("ip", ip).Msg("viewer connected")

	sv.trySend(sess, &protocol.Connected{
		Type:       protocol.TypeConnected,
		Message:    "Connected to server",
		ClientID:   clientID,
		ServerTime: protocol.Now(),
	})

	sess.run(func(kind int, data []byte) { sv.handleViewerMessage(sess, kind, data) })

	sv.registry.Detach(sess)
	sv.untrack(sess)
	sv.log.Info().Str("client_id", clientID).Msg("viewer removed")
}

func (sv *Server) serveProducer(conn *websocket.Conn, ip string) {
	sess := newSession(conn, RoleProducer, ip, sv.cfg, sv.log)
	if err := sv.registry.AttachProducer(sess); err != nil {
		sv.log.Warn().Str("ip", ip).Msg("producer slot taken, rejecting")
		sess.Close(ClosePolicyViolation, err.Error())
		return
	}
	sv.track(sess)
	sv.log.Info().Str("ip", ip).Msg("producer connected")

	sv.trySend(sess, &protocol.Connected{
		Type:       protocol.TypeConnected,
		Message:    "Connected as Pi client",
		ServerTime: protocol.Now(),
	})
	sv.broadcast.ToViewersJSON(&protocol.LinkStatus{
		Type:      protocol.TypeStatus,
		Status:    protocol.StatusPiConnected,
		Timestamp: protocol.Now(),
	}, false)

	sess.run(func(kind int, data []byte) { sv.handleProducerMessage(sess, kind, data) })

	if sv.registry.Detach(sess) == RoleProducer {
		sv.broadcast.ToViewersJSON(&protocol.LinkStatus{
			Type:      protocol.TypeStatus,
			Status:    protocol.StatusPiDisconnected,
			Timestamp: protocol.Now(),
		}, false)
	}
	sv.untrack(sess)
	sv.log.Info().Str("ip", ip).Msg("producer removed")
}

func (sv *Server) serveWorker(conn *websocket.Conn, ip string) {
	sess := newSession(conn, RoleWorker, ip, sv.cfg, sv.log)
	if err := sv.registry.AttachWorker(sess); err != nil {
		sv.log.Warn().Str("ip", ip).Msg("worker slot taken, rejecting")
		sess.Close(ClosePolicyViolation, err.Error())
		return
	}
	sv.track(sess)
	sv.log.Info().Str("ip", ip).Msg("worker connected")

	sv.trySend(sess, &protocol.Connected{
		Type:       protocol.TypeConnected,
		Message:    "Connected as WSL processor",
		ServerTime: protocol.Now(),
	})

	sess.run(func(kind int, data []byte) { sv.handleWorkerMessage(sess, kind, data) })

	sv.registry.Detach(sess)
	sv.untrack(sess)
	sv.log.Info().Str("ip", ip).Msg("worker removed")
}

// refuse sends the error message and the policy-violation close frame on a
// connection that never became a session.
func (sv *Server) refuse(conn *websocket.Conn, reason string) {
	payload, _ := json.Marshal(&protocol.ErrorMessage{
		Type:      protocol.TypeError,
		Error:     reason,
		Timestamp: protocol.Now(),
	})
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	sv.closeRaw(conn, reason)
}

func (sv *Server) closeRaw(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (sv *Server) track(sess *Session) {
	sv.mu.Lock()
	sv.sessions[sess] = struct{}{}
	sv.mu.Unlock()
}

func (sv *Server) untrack(sess *Session) {
	sv.mu.Lock()
	delete(sv.sessions, sess)
	sv.mu.Unlock()
}

func (sv *Server) liveSessions() []*Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	out := make([]*Session, 0, len(sv.sessions))
	for s := range sv.sessions {
		out = append(out, s)
	}
	return out
}

func (sv *Server) limiterGC(ctx context.Context) {
	ticker := time.NewTicker(sv.cfg.RateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.limiter.GC()
		}
	}
}

// remoteIP strips the port from the request's remote address. Tolerates
// missing or malformed values and falls back to the raw string.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
