// Package status implements the linear stage machine of a search run.
package status

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Stage is one step of a search run.
type Stage string

const (
	Understanding Stage = "understanding"
	Thinking      Stage = "thinking"
	Processing    Stage = "processing"
	Generating    Stage = "generating"
	Completed     Stage = "completed"
	Failed        Stage = "failed"
)

// Sequence is the order a successful run passes through.
var Sequence = []Stage{Understanding, Thinking, Processing, Generating, Completed}

var ErrInvalidTransition = errors.New("invalid stage transition")

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == Completed || s == Failed
}

// Step returns the 1-based position of s in Sequence, or 0.
func (s Stage) Step() int {
	for i, st := range Sequence {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// Transition is one observed stage change.
type Transition struct {
	From   Stage
	To     Stage
	At     time.Time
	Reason string
}

// Tracker holds the current stage of one run. The zero stage means the run
// has not started; the first transition must be to Understanding.
type Tracker struct {
	mu       sync.Mutex
	current  Stage
	history  []Transition
	observer func(Transition)
}

// NewTracker creates a tracker. observer, if non-nil, is called after every
// transition, outside the tracker's lock.
func NewTracker(observer func(Transition)) *Tracker {
	return &Tracker{observer: observer}
}

// Current returns the current stage.
func (t *Tracker) Current() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Advance moves to the next stage of Sequence. Any other target is rejected.
func (t *Tracker) Advance(to Stage) error {
	t.mu.Lock()
	want := Understanding
	if t.current != "" {
		step := t.current.Step()
		if step == 0 || step == len(Sequence) {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, t.current)
		}
		want = Sequence[step]
	}
	if to != want {
		from := t.current
		t.mu.Unlock()
		return fmt.Errorf("%w: %q -> %q (expected %q)", ErrInvalidTransition, from, to, want)
	}
	tr := t.record(to, "")
	t.mu.Unlock()

	t.notify(tr)
	return nil
}

// Fail moves a non-terminal run to Failed.
func (t *Tracker) Fail(reason string) error {
	t.mu.Lock()
	if t.current.Terminal() {
		from := t.current
		t.mu.Unlock()
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	tr := t.record(Failed, reason)
	t.mu.Unlock()

	t.notify(tr)
	return nil
}

// Stages returns the stages entered so far, in order.
func (t *Tracker) Stages() []Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Stage, len(t.history))
	for i, tr := range t.history {
		out[i] = tr.To
	}
	return out
}

// History returns a copy of every transition.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.history...)
}

func (t *Tracker) record(to Stage, reason string) Transition {
	tr := Transition{From: t.current, To: to, At: time.Now(), Reason: reason}
	t.current = to
	t.history = append(t.history, tr)
	return tr
}

func (t *Tracker) notify(tr Transition) {
	if t.observer != nil {
		t.observer(tr)
	}
}
