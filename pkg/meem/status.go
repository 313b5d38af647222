// SPDX-License-Identifier: MIT

package meem

import "go.uber.org/atomic"

// invalidInstance is the active-instance value meaning "no instance
// selected". startReadOperation asserts (in meemdebug builds) that a
// multi-profile read never starts with it. Block state is created and reset
// with active instance 0, not this value; the wear-leveling recency search
// uses its own invalidIndex sentinel.
const invalidInstance = 0xFF

// BlockStatus is a point-in-time, read-only snapshot of a block's runtime
// state, returned by Engine.GetBlockStatus.
type BlockStatus struct {
	// Recovered is true if Init (or a later re-initialization) had to fall
	// back to default values for this block.
	Recovered bool
	// WriteComplete is true once the most recently requested write (and any
	// repair sub-writes a policy schedules) has finished. Cleared when a
	// new write is requested.
	WriteComplete bool
	// WriteFailed is true if the most recent write for this block failed at
	// the storage layer. It stays set until the next write for the block is
	// dispatched, which clears it; DeInit also clears it.
	WriteFailed bool
	// WritePending is true if a write has been requested but not yet
	// dispatched to the storage driver.
	WritePending bool
	// FetchPending is true if a multi-profile switch has been requested but
	// its fetch has not yet completed.
	FetchPending bool
	// ActiveInstance is the on-device instance index currently considered
	// active (meaningful for MultiProfile and WearLeveling blocks).
	ActiveInstance uint8
}

// blockState is the mutable runtime state backing one configured block. All
// fields are atomic so GetBlockStatus, GetActiveProfile and
// InitiateSwitchToProfile are safe to call from any context while the
// engine's own step functions mutate the same fields from PeriodicTask.
type blockState struct {
	recovered      atomic.Bool
	writeComplete  atomic.Bool
	writeFailed    atomic.Bool
	writePending   atomic.Bool
	fetchPending   atomic.Bool
	activeInstance atomic.Uint32
}

func newBlockState() *blockState {
	return &blockState{}
}

func (s *blockState) snapshot() BlockStatus {
	return BlockStatus{
		Recovered:      s.recovered.Load(),
		WriteComplete:  s.writeComplete.Load(),
		WriteFailed:    s.writeFailed.Load(),
		WritePending:   s.writePending.Load(),
		FetchPending:   s.fetchPending.Load(),
		ActiveInstance: uint8(s.activeInstance.Load()),
	}
}

func (s *blockState) reset() {
	s.recovered.Store(false)
	s.writeComplete.Store(false)
	s.writeFailed.Store(false)
	s.writePending.Store(false)
	s.fetchPending.Store(false)
	s.activeInstance.Store(0)
}
