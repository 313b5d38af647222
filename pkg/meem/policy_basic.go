// SPDX-License-Identifier: MIT

package meem

import "github.com/kaladim/microeeprommanager/pkg/storage"

// initBasicBlock synchronously loads a Basic block's single on-device
// instance into its cache, falling back to defaults (and, depending on
// RecoveryStrategy, scheduling a repair write) if the instance can't be
// read or fails its checksum.
func (e *Engine) initBasicBlock(blockID int) {
	cfg := &e.cfg.Blocks[blockID]

	e.startReadOperation(blockID)
	status := e.blockingRead()

	if status != storage.OK || !e.isDataValid(blockID) {
		reason := "unreadable instance"
		if status == storage.OK {
			reason = "checksum mismatch"
		}
		e.recoverBlockData(blockID, reason)
		return
	}

	copy(cfg.Cache, e.workBuffer[e.checksumWidth:e.checksumWidth+int(cfg.DataSize)])
}
