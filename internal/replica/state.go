package replica

import (
	"strings"
	"sync/atomic"
)

// Stage bits of one replication attempt. Within an attempt they only ever
// advance; an error resets everything but StageEnabled, and StageEnabled is
// cleared only by Disable (Stop, a failed Start, or the multi-flow detach).
type Stage uint32

const (
	StageEnabled Stage = 1 << iota
	StageTCPConnected
	StageGreeted
	StageSyncing
	StageSyncOK
)

// StageSet holds the attempt's stage bits. Mutations go through named
// transition methods so the legal moves are explicit.
type StageSet struct {
	bits atomic.Uint32
}

// Has reports whether every bit of st is set.
func (s *StageSet) Has(st Stage) bool {
	return Stage(s.bits.Load())&st == st
}

// Enable arms the replica. Called once at start.
func (s *StageSet) Enable() {
	s.set(StageEnabled)
}

// Disable clears every bit; the main loop exits on its next check.
func (s *StageSet) Disable() {
	s.bits.Store(0)
}

// Connected records a live control socket.
func (s *StageSet) Connected() {
	s.set(StageTCPConnected)
}

// Disconnected drops the connected and greeted bits after a handshake
// failure closed the socket.
func (s *StageSet) Disconnected() {
	s.clear(StageTCPConnected | StageGreeted)
}

// Greeted records a completed handshake.
func (s *StageSet) Greeted() {
	s.set(StageGreeted)
}

// BeginSync marks the full-state transfer in progress.
func (s *StageSet) BeginSync() {
	s.set(StageSyncing)
}

// SyncDone marks the transfer complete.
func (s *StageSet) SyncDone() {
	s.clear(StageSyncing)
	s.set(StageSyncOK)
}

// StreamLost drops only the sync bits (syncing and sync-ok) after the change
// stream broke.
func (s *StageSet) StreamLost() {
	s.clear(StageSyncing | StageSyncOK)
}

// ResetAttempt clears every bit except StageEnabled.
func (s *StageSet) ResetAttempt() {
	for {
		old := s.bits.Load()
		if s.bits.CompareAndSwap(old, old&uint32(StageEnabled)) {
			return
		}
	}
}

func (s *StageSet) set(st Stage) {
	for {
		old := s.bits.Load()
		if s.bits.CompareAndSwap(old, old|uint32(st)) {
			return
		}
	}
}

func (s *StageSet) clear(st Stage) {
	for {
		old := s.bits.Load()
		if s.bits.CompareAndSwap(old, old&^uint32(st)) {
			return
		}
	}
}

func (s *StageSet) String() string {
	var parts []string
	for _, e := range []struct {
		st   Stage
		name string
	}{
		{StageEnabled, "enabled"},
		{StageTCPConnected, "connected"},
		{StageGreeted, "greeted"},
		{StageSyncing, "syncing"},
		{StageSyncOK, "sync-ok"},
	} {
		if s.Has(e.st) {
			parts = append(parts, e.name)
		}
	}
	if len(parts) == 0 {
		return "stopped"
	}
	return strings.Join(parts, "|")
}
