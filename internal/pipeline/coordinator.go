package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSuperseded ends a run whose owner started a newer one.
var ErrSuperseded = errors.New("superseded by a newer search")

// ErrSessionNotFound is returned for unknown or foreign session ids.
var ErrSessionNotFound = errors.New("session not found")

// keptSessions bounds how many finished sessions are retained per owner.
const keptSessions = 5

// idleOwnerTTL is how long an owner with no running search keeps its
// sessions after last use.
const idleOwnerTTL = time.Hour

// Coordinator runs at most one search per owner. Starting a search cancels
// the owner's running one and bumps the owner's generation; events from an
// older generation never reach a sink.
type Coordinator struct {
	pipeline *Pipeline

	mu    sync.Mutex
	slots map[string]*slot
	now   func() time.Time
}

type slot struct {
	generation uint64
	cancel     context.CancelCauseFunc
	sessions   []*Session
	used       time.Time
}

// NewCoordinator creates a coordinator over p.
func NewCoordinator(p *Pipeline) *Coordinator {
	return &Coordinator{pipeline: p, slots: make(map[string]*slot), now: time.Now}
}

// Pipeline returns the underlying pipeline.
func (c *Coordinator) Pipeline() *Pipeline {
	return c.pipeline
}

// Search starts a new run for owner, superseding any run in flight, and
// blocks until it ends.
func (c *Coordinator) Search(ctx context.Context, owner, text string, sink Sink) (*Session, error) {
	if sink == nil {
		sink = Discard
	}
	s := c.pipeline.NewSession(owner, text)
	runCtx := c.claim(ctx, owner, s)
	gen := s.Generation

	guarded := SinkFunc(func(e Event) {
		if c.Current(owner) == gen {
			sink.Emit(e)
		}
	})
	err := c.pipeline.Execute(runCtx, s, guarded)
	c.release(owner, gen)
	return s, err
}

// Current returns the owner's latest generation, 0 if none started.
func (c *Coordinator) Current(owner string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sl, ok := c.slots[owner]; ok {
		return sl.generation
	}
	return 0
}

// Cancel stops the owner's running search, if any.
func (c *Coordinator) Cancel(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sl, ok := c.slots[owner]; ok && sl.cancel != nil {
		sl.cancel(context.Canceled)
		sl.cancel = nil
	}
}

// Session looks up one of owner's retained sessions.
func (c *Coordinator) Session(owner, id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sl, ok := c.slots[owner]; ok {
		for _, s := range sl.sessions {
			if s.ID == id {
				sl.used = c.now()
				return s, nil
			}
		}
	}
	return nil, ErrSessionNotFound
}

// claim makes s the owner's current session and stamps its generation.
func (c *Coordinator) claim(ctx context.Context, owner string, s *Session) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.evictIdle(now)
	sl, ok := c.slots[owner]
	if !ok {
		sl = &slot{}
		c.slots[owner] = sl
	}
	sl.used = now
	if sl.cancel != nil {
		sl.cancel(ErrSuperseded)
	}
	sl.generation++
	s.Generation = sl.generation

	runCtx, cancel := context.WithCancelCause(ctx)
	sl.cancel = cancel
	sl.sessions = append(sl.sessions, s)
	if len(sl.sessions) > keptSessions {
		sl.sessions = sl.sessions[len(sl.sessions)-keptSessions:]
	}
	return runCtx
}

func (c *Coordinator) release(owner string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sl, ok := c.slots[owner]
	if !ok || sl.generation != gen || sl.cancel == nil {
		return
	}
	sl.cancel(nil)
	sl.cancel = nil
	sl.used = c.now()
}

// evictIdle drops owners with no running search that were last used more
// than idleOwnerTTL before now. Callers hold c.mu.
func (c *Coordinator) evictIdle(now time.Time) {
	for owner, sl := range c.slots {
		if sl.cancel == nil && now.Sub(sl.used) > idleOwnerTTL {
			delete(c.slots, owner)
		}
	}
}
