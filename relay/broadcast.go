package relay

import (
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Broadcaster fans one serialized message out to a target set in parallel.
// A failed send to one peer never blocks or fails delivery to the others;
// the failing session is closed and its teardown path detaches it from the
// registry.
type Broadcaster struct {
	reg *Registry
	log zerolog.Logger
}

func NewBroadcaster(reg *Registry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{reg: reg, log: logger}
}

// ToViewers delivers payload to every connected viewer. isFrame bumps the
// per-viewer delivered-frame counter.
func (b *Broadcaster) ToViewers(payload []byte, isFrame bool) {
	b.fanOut(b.reg.Viewers(), payload, isFrame, nil)
}

// ToAll delivers payload to every viewer plus the producer and worker,
// except exclude. Serialization happens once, in the caller.
func (b *Broadcaster) ToAll(payload []byte, exclude *Session) {
	targets := b.reg.Viewers()
	if p := b.reg.Producer(); p != nil {
		targets = append(targets, p)
	}
	if w := b.reg.Worker(); w != nil {
		targets = append(targets, w)
	}
	b.fanOut(targets, payload, false, exclude)
}

// ToViewersJSON marshals v once and fans it out to viewers.
func (b *Broadcaster) ToViewersJSON(v any, isFrame bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Error().Err(err).Msg("broadcast marshal failed")
		return
	}
	b.ToViewers(payload, isFrame)
}

func (b *Broadcaster) fanOut(targets []*Session, payload []byte, isFrame bool, exclude *Session) {
	if len(targets) == 0 {
		return
	}
	var wg conc.WaitGroup
	for _, s := range targets {
		if s == exclude {
			continue
		}
		s := s
		wg.Go(func() {
			if err := s.Send(payload); err != nil {
				b.log.Warn().Err(err).Str("role", s.Role().String()).Msg("dropping peer after failed send")
				s.Close(CloseInternalError, "send queue overflow")
				return
			}
			if isFrame && s.Role() == RoleViewer {
				b.reg.NoteFrameSent(s)
			}
		})
	}
	wg.Wait()
}
