package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSession_IsOpen(t *testing.T) {
	cases := map[SessionState]bool{
		"":               true,
		SessionOpen:      true,
		SessionEscalated: false,
		SessionClosed:    false,
	}
	for state, want := range cases {
		require.Equal(t, want, Session{State: state}.IsOpen(), "state %q", state)
	}
}

func TestFactSlate_CloneIsIndependent(t *testing.T) {
	orig := FactSlate{"order_id": {Value: "12345", Seq: 1}}
	c := orig.Clone()
	c["order_id"] = Fact{Value: "55555", Seq: 3}
	require.Equal(t, "12345", orig.Value("order_id"))
	require.NotNil(t, FactSlate(nil).Clone())
}
