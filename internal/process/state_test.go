package process

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_Exhaustive(t *testing.T) {
	names := map[string]bool{}
	for _, s := range AllStates() {
		require.NotPanics(t, func() { _ = s.String() })
		require.NotPanics(t, func() { _ = s.IsTerminal() })
		require.NotPanics(t, func() { _ = s.Pausable() })
		names[s.String()] = true

		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	require.Len(t, names, 7)

	require.Panics(t, func() { _ = State(99).String() })
}

func TestState_Terminal(t *testing.T) {
	for _, s := range AllStates() {
		want := s == Finished || s == Excepted || s == Killed
		require.Equal(t, want, s.IsTerminal(), s.String())
		if want {
			require.False(t, s.Pausable(), s.String())
		}
	}
	require.False(t, Paused.Pausable())
}

func TestParseState_Unknown(t *testing.T) {
	_, err := ParseState("SLEEPING")
	require.ErrorIs(t, err, ErrUnknownState)

	var s State
	require.ErrorIs(t, s.UnmarshalText([]byte("running")), ErrUnknownState)
	require.NoError(t, s.UnmarshalText([]byte("KILLED")))
	require.Equal(t, Killed, s)
}
