// SPDX-License-Identifier: MIT

package meem

import "github.com/kaladim/microeeprommanager/pkg/storage"

// fetchStage is the shared init/fetch state machine driving a MultiProfile
// block's startup load and its runtime profile-switch fetch. Both paths
// reuse the exact same step function; only how it's driven differs (Init
// busy-loops it, PeriodicTask steps it once per tick).
type fetchStage int

const (
	fetchInstance fetchStage = iota
	evaluateInstance
	cacheInstance
	recoverInstance
	fetchReady
)

// fetchMultiProfileInstance advances the multi-profile init/fetch protocol
// by one step and reports whether it has finished.
func (e *Engine) fetchMultiProfileInstance(blockID int) bool {
	cfg := &e.cfg.Blocks[blockID]

	switch e.fetchStg {
	case fetchInstance:
		switch e.readOperationTask() {
		case storage.OK:
			e.fetchStg = evaluateInstance
		case storage.NOK:
			e.fetchStg = recoverInstance
		default:
			// still busy
		}

	case evaluateInstance:
		if e.isDataValid(blockID) {
			e.fetchStg = cacheInstance
		} else {
			e.fetchStg = recoverInstance
		}

	case cacheInstance:
		copy(cfg.Cache, e.workBuffer[e.checksumWidth:e.checksumWidth+int(cfg.DataSize)])
		e.fetchStg = fetchReady

	case recoverInstance:
		e.recoverBlockData(blockID, "profile instance invalid")
		e.fetchStg = fetchReady

	default:
		// fetchReady
	}

	return e.fetchStg == fetchReady
}

// initMultiProfileBlock synchronously selects and loads a MultiProfile
// block's initially active instance, chosen by the host via
// Callbacks.SelectInitiallyActiveProfile.
func (e *Engine) initMultiProfileBlock(blockID int) {
	active := e.callbacks.SelectInitiallyActiveProfile(blockID)
	e.blocks[blockID].activeInstance.Store(uint32(active))

	e.startReadOperation(blockID)
	e.fetchStg = fetchInstance
	for !e.fetchMultiProfileInstance(blockID) {
	}
}

// GetActiveProfile returns the on-device instance currently considered
// active for a MultiProfile block. Safe to call from any context.
func (e *Engine) GetActiveProfile(blockID int) (uint8, error) {
	if blockID < 0 || blockID >= len(e.cfg.Blocks) {
		return 0, ErrUnknownBlock
	}
	if e.cfg.Blocks[blockID].Management != MultiProfile {
		return 0, ErrNotMultiProfile
	}
	return uint8(e.blocks[blockID].activeInstance.Load()), nil
}

// InitiateSwitchToProfile requests that a MultiProfile block switch to
// targetProfile. The switch is asynchronous: it completes when
// IsMultiProfileBlockReady reports true. Returns ErrRequestRejected if the
// engine is suspended, a fetch is already pending, or targetProfile is
// already active.
func (e *Engine) InitiateSwitchToProfile(blockID int, targetProfile uint8) error {
	if blockID < 0 || blockID >= len(e.cfg.Blocks) {
		return ErrUnknownBlock
	}
	cfg := &e.cfg.Blocks[blockID]
	if cfg.Management != MultiProfile {
		return ErrNotMultiProfile
	}
	if targetProfile >= cfg.InstanceCount {
		return ErrUnknownBlock
	}

	e.profileSwitchMu.Lock()
	defer e.profileSwitchMu.Unlock()

	state := e.blocks[blockID]
	if !e.acceptNewRequests.Load() || state.fetchPending.Load() || uint32(targetProfile) == state.activeInstance.Load() {
		return ErrRequestRejected
	}

	state.activeInstance.Store(uint32(targetProfile))
	state.recovered.Store(false)
	state.fetchPending.Store(true)
	return nil
}

// IsMultiProfileBlockReady reports whether a MultiProfile block has no
// fetch in progress.
func (e *Engine) IsMultiProfileBlockReady(blockID int) (bool, error) {
	if blockID < 0 || blockID >= len(e.cfg.Blocks) {
		return false, ErrUnknownBlock
	}
	if e.cfg.Blocks[blockID].Management != MultiProfile {
		return false, ErrNotMultiProfile
	}
	return !e.blocks[blockID].fetchPending.Load(), nil
}
