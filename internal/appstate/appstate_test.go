package appstate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mujina-miner/internal/config"
	"mujina-miner/internal/controlchannel"
	"mujina-miner/internal/emc2101"
	"mujina-miner/internal/tps546"
)

type nullTransport struct{}

func (nullTransport) Write(p []byte) (int, error) { return len(p), nil }
func (nullTransport) Read(p []byte) (int, error)  { select {} }

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	s := New(config.LoadBackplaneConfig())
	ch := controlchannel.New(nullTransport{})
	v := tps546.New(ch)
	f := emc2101.New(ch)

	s.RegisterBoard("AXE-01", v, f)
	require.Equal(t, 1, s.VoltageControllerCount())

	got, ok := s.VoltageController("AXE-01")
	require.True(t, ok)
	require.Same(t, v, got)

	gotFan, ok := s.FanController("AXE-01")
	require.True(t, ok)
	require.Same(t, f, gotFan)

	s.UnregisterBoard("AXE-01")
	require.Zero(t, s.VoltageControllerCount())
	_, ok = s.VoltageController("AXE-01")
	require.False(t, ok)
}

func TestNilHandlesSkipped(t *testing.T) {
	s := New(config.LoadBackplaneConfig())
	s.RegisterBoard("EMBER-01", nil, nil)

	require.Zero(t, s.VoltageControllerCount())
	_, ok := s.FanController("EMBER-01")
	require.False(t, ok)
}
