// SPDX-License-Identifier: MIT

package meem

// restoreDefaults repopulates a block's cache from its configured defaults.
// WearLeveling blocks reserve Cache[0] for the rolling sequence counter and
// never overwrite it here.
func restoreDefaults(cfg *BlockConfig) {
	offset := 0
	if cfg.Management == WearLeveling {
		offset = 1
	}
	dataSize := len(cfg.Cache) - offset

	if cfg.DefaultPatternLength == 0 {
		copy(cfg.Cache[offset:], cfg.Defaults[offset:])
		return
	}

	if cfg.DefaultPatternLength == 1 {
		fill := cfg.Defaults[0]
		for i := offset; i < offset+dataSize; i++ {
			cfg.Cache[i] = fill
		}
		return
	}

	pattern := int(cfg.DefaultPatternLength)
	for o := offset; o < offset+dataSize; o += pattern {
		n := copy(cfg.Cache[o:], cfg.Defaults[:pattern])
		if n < pattern {
			break
		}
	}
}

// RestoreDefaults immediately repopulates blockID's cache with its
// configured default pattern. For WearLeveling blocks, cache byte 0 (the
// rolling sequence counter) is left untouched. This does not enqueue a
// write: the restored values only reach the device on a subsequent
// InitiateBlockWrite.
func (e *Engine) RestoreDefaults(blockID int) error {
	if blockID < 0 || blockID >= len(e.cfg.Blocks) {
		return ErrUnknownBlock
	}
	restoreDefaults(&e.cfg.Blocks[blockID])
	return nil
}

// recoverBlockData marks a block as recovered, restores its cache to
// defaults, and — only when the block's RecoveryStrategy calls for it —
// schedules a repair write back to the device. Every policy's defaults
// fallback goes through this gate; BackupCopy's single-valid-instance repair
// write does not (see initBackupCopyBlock).
func (e *Engine) recoverBlockData(blockID int, reason string) {
	cfg := &e.cfg.Blocks[blockID]
	state := e.blocks[blockID]

	state.recovered.Store(true)
	if cfg.RecoveryStrategy == RecoverDefaultsAndRepair {
		state.writePending.Store(true)
	}
	restoreDefaults(cfg)
	e.logRecovery(blockID, reason)
}
