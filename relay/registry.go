package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n0remac/robot-relay/protocol"
)

// Role classifies a peer by the endpoint it connected on.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleProducer
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleProducer:
		return "producer"
	case RoleWorker:
		return "worker"
	default:
		return "none"
	}
}

// Attach rejections for the singleton slots. The reason strings are part of
// the wire contract (close reason on code 1008).
var (
	ErrProducerPresent = errors.New("Another Pi is already connected")
	ErrWorkerPresent   = errors.New("Another WSL processor is already connected")
)

// ViewerInfo is the per-viewer metadata the broker tracks.
type ViewerInfo struct {
	ID          string
	IP          string
	ConnectedAt time.Time
	LastActive  time.Time
	FramesSent  int64
}

// Registry holds the broker's connection state: the singleton producer and
// worker slots, the viewer set, and the servo pose. All mutation happens
// under one lock; no method blocks while holding it.
type Registry struct {
	mu       sync.Mutex
	producer *Session
	worker   *Session
	viewers  map[*Session]*ViewerInfo
	servo    protocol.ServoState
}

func NewRegistry() *Registry {
	return &Registry{
		viewers: make(map[*Session]*ViewerInfo),
		servo:   protocol.DefaultServoState(),
	}
}

// AttachProducer claims the producer slot. Fails if another producer holds it.
func (r *Registry) AttachProducer(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.producer != nil {
		return ErrProducerPresent
	}
	r.producer = s
	return nil
}

// AttachWorker claims the worker slot. Fails if another worker holds it.
func (r *Registry) AttachWorker(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.worker != nil {
		return ErrWorkerPresent
	}
	r.worker = s
	return nil
}

// AttachViewer adds a viewer and returns its assigned client ID.
func (r *Registry) AttachViewer(s *Session, ip string) string {
	id := "browser_" + uuid.NewString()
	now := time.Now()
	r.mu.Lock()
	r.viewers[s] = &ViewerInfo{ID: id, IP: ip, ConnectedAt: now, LastActive: now}
	r.mu.Unlock()
	return id
}

// Detach removes a session from whichever slot it occupies and reports the
// role that was released. Idempotent: a second call returns RoleNone.
func (r *Registry) Detach(s *Session) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.producer == s:
		r.producer = nil
		return RoleProducer
	case r.worker == s:
		r.worker = nil
		return RoleWorker
	default:
		if _, ok := r.viewers[s]; ok {
			delete(r.viewers, s)
			return RoleViewer
		}
	}
	return RoleNone
}

// Producer returns the current producer session, or nil.
func (r *Registry) Producer() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producer
}

// Worker returns the current worker session, or nil.
func (r *Registry) Worker() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worker
}

// Viewers returns a snapshot of the connected viewer sessions.
func (r *Registry) Viewers() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.viewers))
	for s := range r.viewers {
		out = append(out, s)
	}
	return out
}

// ViewerCount reports the number of connected viewers.
func (r *Registry) ViewerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// Touch refreshes a viewer's last-active timestamp.
func (r *Registry) Touch(s *Session) {
	r.mu.Lock()
	if info, ok := r.viewers[s]; ok {
		info.LastActive = time.Now()
	}
	r.mu.Unlock()
}

// NoteFrameSent bumps a viewer's delivered-frame counter.
func (r *Registry) NoteFrameSent(s *Session) {
	r.mu.Lock()
	if info, ok := r.viewers[s]; ok {
		info.FramesSent++
	}
	r.mu.Unlock()
}

// Servo returns the current camera pose.
func (r *Registry) Servo() protocol.ServoState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servo
}

// ServoCommand merges the non-nil fields of a pose request into the servo
// state and returns the resulting state together with the producer that must
// receive the move command. The merge and the producer lookup happen under
// one lock so the acknowledged state always matches the forwarded command.
// When no producer is connected the state is left untouched.
func (r *Registry) ServoCommand(req *protocol.ServoControl) (protocol.ServoState, *Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.producer == nil {
		return r.servo, nil, false
	}
	if req.Pan != nil {
		r.servo.Pan = *req.Pan
	}
	if req.Tilt != nil {
		r.servo.Tilt = *req.Tilt
	}
	if req.Roll != nil {
		r.servo.Roll = *req.Roll
	}
	return r.servo, r.producer, true
}

// Snapshot reports the link state for welcome and status replies.
func (r *Registry) Snapshot() (piConnected, wslConnected bool, viewerCount int, servo protocol.ServoState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producer != nil, r.worker != nil, len(r.viewers), r.servo
}
