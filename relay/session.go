package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Close codes used by the broker.
const (
	CloseGoingAway       = websocket.CloseGoingAway       // 1001 server shutting down
	ClosePolicyViolation = websocket.ClosePolicyViolation // 1008 duplicate singleton, bad endpoint, rate limit
	CloseInternalError   = websocket.CloseInternalServerErr
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

type inbound struct {
	kind int
	data []byte
}

// Session is one live connection. A single write pump serializes everything
// that goes out so message order to a peer matches enqueue order; a single
// dispatcher drains the bounded inbox so dispatch order matches read order.
type Session struct {
	conn *websocket.Conn
	role Role
	id   string
	ip   string
	log  zerolog.Logger

	send  chan []byte
	inbox chan inbound
	done  chan struct{}

	pingInterval time.Duration
	pingTimeout  time.Duration

	closeOnce sync.Once
	closed    chan struct{} // write pump exited, connection torn down
}

func newSession(conn *websocket.Conn, role Role, ip string, cfg Config, logger zerolog.Logger) *Session {
	s := &Session{
		conn:         conn,
		role:         role,
		ip:           ip,
		log:          logger.With().Str("role", role.String()).Str("ip", ip).Logger(),
		send:         make(chan []byte, cfg.OutboundQueue),
		inbox:        make(chan inbound, cfg.InboundQueue),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
		pingInterval: cfg.PingInterval,
		pingTimeout:  cfg.PingTimeout,
	}
	conn.SetReadLimit(cfg.MaxMessageSize)
	return s
}

// Role reports what kind of peer this session is.
func (s *Session) Role() Role { return s.role }

// IP is the peer's remote address without the port.
func (s *Session) IP() string { return s.ip }

// Send enqueues a text payload for the write pump. It never blocks: a closed
// session or a full buffer returns an error so a stalled peer cannot hold up
// the caller.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// SendJSON marshals v and enqueues it.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(data)
}

// Close tears the session down once: a close frame with the given code and
// reason, then the underlying connection. Safe to call from any goroutine
// and any number of times.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			s.log.Debug().Err(err).Msg("close frame not delivered")
		}
		close(s.done)
		_ = s.conn.Close()
	})
}

// Done is closed when the session begins teardown.
func (s *Session) Done() <-chan struct{} { return s.done }

// run drives the session: write pump and dispatcher in the background, read
// loop in the calling goroutine. Returns when the connection is gone and the
// write pump has stopped.
func (s *Session) run(handle func(kind int, data []byte)) {
	go s.writePump()
	go s.dispatch(handle)
	s.readPump()
	s.Close(websocket.CloseNormalClosure, "")
	<-s.closed
}

func (s *Session) readPump() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pingTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pingTimeout))
	})
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pingInterval + s.pingTimeout))
		select {
		case s.inbox <- inbound{kind: kind, data: data}:
		default:
			s.log.Warn().Msg("inbound queue overflow, closing session")
			s.Close(ClosePolicyViolation, "Inbound queue overflow")
			return
		}
	}
}

func (s *Session) dispatch(handle func(kind int, data []byte)) {
	for {
		select {
		case m := <-s.inbox:
			handle(m.kind, m.data)
		case <-s.done:
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		close(s.closed)
	}()
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.pingTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Debug().Err(err).Msg("write error")
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.pingTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.Debug().Err(err).Msg("keepalive ping failed")
				s.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.done:
			_ = s.conn.Close()
			return
		}
	}
}
