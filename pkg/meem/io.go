// SPDX-License-Identifier: MIT

package meem

import (
	"time"

	"github.com/go-kit/log/level"

	"github.com/kaladim/microeeprommanager/pkg/storage"
)

// ioStage is the step a read or write protocol is currently in.
type ioStage int

const (
	ioInitiate ioStage = iota
	ioWaiting
	ioFinalize
	ioComplete
)

// ioRequest is the shared staging state for whichever read or write is
// currently in flight. Exactly one request is live at a time, enforced by
// the engine only ever having one current operation.
type ioRequest struct {
	dest   []byte
	offset uint32
	size   uint16
	stage  ioStage
	status storage.Status
}

// startReadOperation prepares a read of one instance's checksum+payload into
// the shared work buffer. For Basic blocks the offset is the block's own
// device offset; for MultiProfile blocks it's derived from the currently
// selected active instance (the caller must have already chosen one).
// BackupCopy and WearLeveling scan instances manually and overwrite
// e.io.offset immediately after calling this, before the first
// readOperationTask call.
func (e *Engine) startReadOperation(blockID int) {
	cfg := &e.cfg.Blocks[blockID]
	stride := cfg.instanceStride(e.checksumWidth)

	e.io = ioRequest{
		dest:   e.workBuffer[:stride],
		size:   uint16(stride),
		stage:  ioInitiate,
		status: storage.Busy,
	}

	switch cfg.Management {
	case Basic:
		e.io.offset = cfg.OffsetInDevice
	case MultiProfile:
		active := e.blocks[blockID].activeInstance.Load()
		debugAssert(active != invalidInstance, "read started on multi-profile block before an active instance was selected")
		e.io.offset = cfg.OffsetInDevice + active*stride
	default:
		// BackupCopy and WearLeveling set e.io.offset themselves per-instance.
	}
}

// readOperationTask advances the read protocol by one step and returns the
// terminal status once resolved (storage.Busy while still in progress).
func (e *Engine) readOperationTask() storage.Status {
	switch e.io.stage {
	case ioInitiate:
		if e.driver.BeginRead(e.io.offset, e.io.dest) {
			e.io.stage = ioWaiting
		} else {
			debugAssert(false, "read request issued while driver was not ready to accept one")
			e.io.status = storage.NOK
			e.io.stage = ioComplete
		}

	case ioWaiting:
		e.driver.Task()
		switch e.driver.Status() {
		case storage.OK:
			e.io.status = storage.OK
			e.io.stage = ioComplete
		case storage.NOK:
			e.io.status = storage.NOK
			e.io.stage = ioComplete
		default:
			// still busy
		}

	default:
		// ioComplete: nothing to do
	}

	return e.io.status
}

// blockingRead runs the read protocol to completion, polling the driver
// until it resolves. Used by the per-policy init routines, which are
// synchronous by design: a block's startup state must be known before
// PeriodicTask begins scheduling other work against it.
func (e *Engine) blockingRead() storage.Status {
	for {
		status := e.readOperationTask()
		if status != storage.Busy {
			return status
		}
	}
}

// isDataValid checks the checksum stored ahead of the payload currently
// staged in the work buffer against a freshly computed one.
func (e *Engine) isDataValid(blockID int) bool {
	cfg := &e.cfg.Blocks[blockID]
	want := e.workBuffer[:e.checksumWidth]
	got := e.checksum(e.workBuffer[e.checksumWidth : e.checksumWidth+int(cfg.DataSize)])
	return bytesEqual(want, got)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// startWriteOperationCachedBlock stages a write of a block's current cache
// content to the device, computing the target offset from the management
// policy and active instance.
func (e *Engine) startWriteOperationCachedBlock(blockID int) {
	cfg := &e.cfg.Blocks[blockID]
	state := e.blocks[blockID]
	stride := cfg.instanceStride(e.checksumWidth)

	var offset uint32
	switch cfg.Management {
	case Basic, BackupCopy:
		offset = 0
		state.activeInstance.Store(0)
	default:
		offset = stride * state.activeInstance.Load()
	}
	state.writeFailed.Store(false)

	e.io = ioRequest{
		dest:   e.workBuffer[:stride],
		offset: offset + cfg.OffsetInDevice,
		size:   uint16(stride),
		status: storage.Busy,
	}
	e.writeStage = ioInitiate
	e.currentBlockID = blockID
	e.writeStartedAt = time.Now()

	copy(e.workBuffer[e.checksumWidth:stride], cfg.Cache)
}

// calculateAndSetChecksum computes the checksum over the staged payload and
// writes it into the checksum prefix of the work buffer.
func (e *Engine) calculateAndSetChecksum() {
	sum := e.checksum(e.workBuffer[e.checksumWidth:e.io.size])
	copy(e.workBuffer[:e.checksumWidth], sum)
}

// writeInitiate dispatches the staged image to the driver and reports
// whether the driver accepted it.
func (e *Engine) writeInitiate() bool {
	if !e.driver.BeginWrite(e.io.offset, e.io.dest) {
		debugAssert(false, "write request issued while driver was not ready to accept one")
		return false
	}
	return true
}

// writeWaitToComplete polls the driver for the outcome of a dispatched
// write.
func (e *Engine) writeWaitToComplete() ioStage {
	e.driver.Task()
	switch e.driver.Status() {
	case storage.OK:
		return ioFinalize
	case storage.NOK:
		e.blocks[e.currentBlockID].writeFailed.Store(true)
		return ioFinalize
	default:
		return ioWaiting
	}
}

// writeFinalize runs policy-specific post-write steps: BackupCopy re-enters
// the write protocol for its second instance, WearLeveling advances the
// rolling sequence counter and active instance.
func (e *Engine) writeFinalize() ioStage {
	cfg := &e.cfg.Blocks[e.currentBlockID]
	state := e.blocks[e.currentBlockID]

	state.writeComplete.Store(true)
	next := ioComplete

	switch cfg.Management {
	case BackupCopy:
		instance := state.activeInstance.Load() + 1
		state.activeInstance.Store(instance)
		if instance < 2 {
			state.writeComplete.Store(false)
			e.io.offset += cfg.instanceStride(e.checksumWidth)
			if e.writeInitiate() {
				next = ioWaiting
			} else {
				state.writeFailed.Store(true)
				state.writeComplete.Store(true)
			}
		}

	case WearLeveling:
		cfg.Cache[0] = incrementAndWrapAround(cfg.Cache[0], 255)
		state.activeInstance.Store(uint32(incrementAndWrapAround(uint8(state.activeInstance.Load()), cfg.InstanceCount)))
	}

	return next
}

// writeTask advances the write protocol by one step and reports whether it
// has completed.
func (e *Engine) writeTask() bool {
	switch e.writeStage {
	case ioInitiate:
		e.calculateAndSetChecksum()
		if e.writeInitiate() {
			e.writeStage = ioWaiting
		} else {
			e.blocks[e.currentBlockID].writeFailed.Store(true)
			e.writeStage = ioFinalize
		}

	case ioWaiting:
		e.writeStage = e.writeWaitToComplete()

	case ioFinalize:
		e.writeStage = e.writeFinalize()

	default:
		// ioComplete
	}

	return e.writeStage == ioComplete
}

func incrementAndWrapAround(n, exclusiveUpperLimit uint8) uint8 {
	n++
	if n >= exclusiveUpperLimit {
		n = 0
	}
	return n
}

func (e *Engine) logRecovery(blockID int, reason string) {
	level.Warn(e.logger).Log("msg", "block data recovered", "block", e.cfg.Blocks[blockID].Name, "reason", reason)
	e.metrics.recoveriesTotal.WithLabelValues(e.cfg.Blocks[blockID].Name, reason).Inc()
}
