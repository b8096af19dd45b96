package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuccessfulRunSequence(t *testing.T) {
	var observed []Stage
	tr := NewTracker(func(x Transition) { observed = append(observed, x.To) })

	for _, s := range Sequence {
		require.NoError(t, tr.Advance(s))
	}

	assert.Equal(t, []Stage{Understanding, Thinking, Processing, Generating, Completed}, tr.Stages())
	assert.Equal(t, tr.Stages(), observed)
	assert.Equal(t, Completed, tr.Current())
	assert.True(t, tr.Current().Terminal())
}

func TestRejectsSkipsAndRepeats(t *testing.T) {
	tr := NewTracker(nil)
	assert.ErrorIs(t, tr.Advance(Thinking), ErrInvalidTransition)

	require.NoError(t, tr.Advance(Understanding))
	assert.ErrorIs(t, tr.Advance(Understanding), ErrInvalidTransition)
	assert.ErrorIs(t, tr.Advance(Processing), ErrInvalidTransition)
	assert.ErrorIs(t, tr.Advance(Failed), ErrInvalidTransition)

	assert.Equal(t, []Stage{Understanding}, tr.Stages())
}

func TestFail(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Advance(Understanding))
	require.NoError(t, tr.Advance(Thinking))
	require.NoError(t, tr.Fail("superseded"))

	assert.Equal(t, Failed, tr.Current())
	hist := tr.History()
	require.Len(t, hist, 3)
	assert.Equal(t, Thinking, hist[2].From)
	assert.Equal(t, "superseded", hist[2].Reason)

	assert.ErrorIs(t, tr.Fail("again"), ErrInvalidTransition)
	assert.ErrorIs(t, tr.Advance(Processing), ErrInvalidTransition)
}

func TestCompletedCannotFail(t *testing.T) {
	tr := NewTracker(nil)
	for _, s := range Sequence {
		require.NoError(t, tr.Advance(s))
	}
	assert.ErrorIs(t, tr.Fail("late"), ErrInvalidTransition)
	assert.ErrorIs(t, tr.Advance(Completed), ErrInvalidTransition)
}

func TestStep(t *testing.T) {
	assert.Equal(t, 1, Understanding.Step())
	assert.Equal(t, 5, Completed.Step())
	assert.Equal(t, 0, Failed.Step())
}
