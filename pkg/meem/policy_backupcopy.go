// SPDX-License-Identifier: MIT

package meem

import "github.com/kaladim/microeeprommanager/pkg/storage"

// initBackupCopyBlock synchronously scans both on-device instances,
// populates the cache from the first valid one it finds, and schedules a
// repair write when exactly one instance is valid. Two valid instances are
// not compared with each other, so no repair follows in that case even if
// their payloads differ. The all-invalid case
// still goes through the normal recovery-strategy gate (see
// recoverBlockData); the single-valid-instance repair below is
// unconditional.
func (e *Engine) initBackupCopyBlock(blockID int) {
	cfg := &e.cfg.Blocks[blockID]
	stride := cfg.instanceStride(e.checksumWidth)

	var validityMask uint8
	cacheLoaded := false

	for instance := uint8(0); instance < 2; instance++ {
		e.startReadOperation(blockID)
		e.io.offset = cfg.OffsetInDevice + uint32(instance)*stride

		status := e.blockingRead()
		if status != storage.OK {
			continue
		}
		if !e.isDataValid(blockID) {
			continue
		}

		validityMask |= 1 << instance
		if !cacheLoaded {
			cacheLoaded = true
			copy(cfg.Cache, e.workBuffer[e.checksumWidth:e.checksumWidth+int(cfg.DataSize)])
		}
	}

	switch validityMask {
	case 3:
		// Both valid, nothing to repair.
	case 0:
		e.recoverBlockData(blockID, "both instances invalid")
	default:
		// Exactly one valid: cache already holds good data from the valid
		// instance, so this is not a defaults fallback and recovered stays
		// false. The repair write is unconditional here, regardless of
		// RecoveryStrategy, to bring the mismatched copy back in sync.
		e.blocks[blockID].recovered.Store(false)
		e.blocks[blockID].writePending.Store(true)
		e.logRecovery(blockID, "one instance invalid")
	}
}
