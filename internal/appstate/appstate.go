// Package appstate holds the process-scoped registry the REST surface
// reads: shared peripheral-controller handles and the backplane
// configuration snapshot. It is a collaborator of the backplane, which
// registers handles on successful board init and unregisters them on
// shutdown — not ambient state anything else mutates.
package appstate

import (
	"sync"

	"mujina-miner/internal/config"
	"mujina-miner/internal/emc2101"
	"mujina-miner/internal/tps546"
)

// State is the registry shared between the backplane and the REST
// surface.
type State struct {
	Config config.BackplaneConfig

	mu       sync.RWMutex
	voltages map[string]*tps546.Controller
	fans     map[string]*emc2101.Controller
}

// New builds an empty registry carrying the startup configuration.
func New(cfg config.BackplaneConfig) *State {
	return &State{
		Config:   cfg,
		voltages: make(map[string]*tps546.Controller),
		fans:     make(map[string]*emc2101.Controller),
	}
}

// RegisterBoard publishes a board's peripheral handles under its serial.
// Nil handles (a variant without that peripheral) are skipped.
func (s *State) RegisterBoard(serial string, v *tps546.Controller, f *emc2101.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v != nil {
		s.voltages[serial] = v
	}
	if f != nil {
		s.fans[serial] = f
	}
}

// UnregisterBoard drops every handle registered under serial.
func (s *State) UnregisterBoard(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.voltages, serial)
	delete(s.fans, serial)
}

// VoltageController returns the shared TPS546 handle for serial.
func (s *State) VoltageController(serial string) (*tps546.Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.voltages[serial]
	return v, ok
}

// FanController returns the shared EMC2101 handle for serial.
func (s *State) FanController(serial string) (*emc2101.Controller, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fans[serial]
	return f, ok
}

// VoltageControllerCount reports how many boards currently have a
// registered regulator handle.
func (s *State) VoltageControllerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.voltages)
}
