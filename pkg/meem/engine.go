// SPDX-License-Identifier: MIT

// Package meem implements a cooperative, non-preemptive parameter
// persistence engine for byte-addressable non-volatile storage. An Engine
// owns a fixed set of configured blocks, each backed by one or more
// checksum-protected on-device instances, and drives all I/O through
// explicit state machines advanced by repeated PeriodicTask calls — there
// are no goroutines, allocators, or blocking calls anywhere in the hot
// path except during Init, which is synchronous by design.
package meem

import (
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/kaladim/microeeprommanager/pkg/storage"
)

type operation int

const (
	opNone operation = iota
	opInit
	opWrite
)

// Engine is the single owner of all parameter-persistence state: no package
// level variables hold engine state anywhere in this module, so multiple
// Engines can run concurrently against independent drivers.
type Engine struct {
	cfg           EngineConfig
	driver        storage.Driver
	checksum      ChecksumFunc
	checksumWidth int
	callbacks     Callbacks
	logger        log.Logger
	metrics       *metrics

	blocks     []*blockState
	workBuffer []byte

	acceptNewRequests atomic.Bool
	currentOperation  operation
	currentBlockID    int
	writeStage        ioStage
	writeStartedAt    time.Time
	fetchStg          fetchStage
	io                ioRequest
	sched             *cursor

	profileSwitchMu sync.Mutex
}

// NewEngine validates cfg and constructs an Engine. callbacks, logger and
// registerer may be nil; sensible no-op defaults are substituted.
func NewEngine(cfg EngineConfig, driver storage.Driver, checksum ChecksumFunc, callbacks Callbacks, logger log.Logger, registerer prometheus.Registerer) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, errors.Wrap(ErrConfigInvalid, "driver must not be nil")
	}
	if checksum == nil {
		return nil, errors.Wrap(ErrConfigInvalid, "checksum function must not be nil")
	}
	if callbacks == nil {
		callbacks = NopCallbacks{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	maxStride := 0
	for i := range cfg.Blocks {
		if s := int(cfg.Blocks[i].instanceStride(cfg.ChecksumWidth)); s > maxStride {
			maxStride = s
		}
	}

	blocks := make([]*blockState, len(cfg.Blocks))
	for i := range blocks {
		blocks[i] = newBlockState()
	}

	return &Engine{
		cfg:           cfg,
		driver:        driver,
		checksum:      checksum,
		checksumWidth: cfg.ChecksumWidth,
		callbacks:     callbacks,
		logger:        logger,
		metrics:       newMetrics(registerer),
		blocks:        blocks,
		workBuffer:    make([]byte, maxStride),
		sched:         newCursor(len(cfg.Blocks)),
	}, nil
}

// Init brings up the storage driver and synchronously initializes every
// configured block: each block's on-device instance(s) are read, validated,
// and either cached directly or recovered from defaults. Init must be
// called exactly once before PeriodicTask.
func (e *Engine) Init() error {
	if err := e.driver.Init(); err != nil {
		return errors.Wrap(ErrStorageInitFailed, err.Error())
	}

	for i := range e.cfg.Blocks {
		switch e.cfg.Blocks[i].Management {
		case Basic:
			e.initBasicBlock(i)
		case BackupCopy:
			e.initBackupCopyBlock(i)
		case WearLeveling:
			e.initWearLevelingBlock(i)
		case MultiProfile:
			e.initMultiProfileBlock(i)
		}
		e.callbacks.OnBlockInitComplete(i)
	}

	e.currentOperation = opNone
	e.sched = newCursor(len(e.cfg.Blocks))
	return nil
}

// DeInit tears down the storage driver and clears all cached state. After
// DeInit, Init must be called again before any other operation.
func (e *Engine) DeInit() error {
	if err := e.driver.DeInit(); err != nil {
		return err
	}

	e.currentOperation = opNone
	e.currentBlockID = 0
	e.acceptNewRequests.Store(false)
	for i := range e.workBuffer {
		e.workBuffer[i] = 0
	}
	for i, state := range e.blocks {
		state.reset()
		cache := e.cfg.Blocks[i].Cache
		for j := range cache {
			cache[j] = 0
		}
	}
	return nil
}

// PeriodicTask drives the engine forward by exactly one step: it advances
// whatever operation is currently in flight, or — if nothing is in
// flight — dispatches the next pending write or profile-switch fetch in
// round-robin order, then ticks the storage driver.
func (e *Engine) PeriodicTask() {
	if !e.processCurrentRequest() {
		e.tryProcessNextRequest()
	}
	e.driver.Task()
}

// processCurrentRequest advances the in-flight write or multi-profile fetch
// operation, if any, and reports whether one is still in progress.
func (e *Engine) processCurrentRequest() bool {
	switch e.currentOperation {
	case opWrite:
		if e.writeTask() {
			e.currentOperation = opNone
			blockID := e.currentBlockID
			e.recordWriteOutcome(blockID)
			if e.blocks[blockID].writeFailed.Load() {
				level.Error(e.logger).Log("msg", "block write failed", "block", e.cfg.Blocks[blockID].Name)
			}
			level.Debug(e.logger).Log("msg", "block write complete", "block", e.cfg.Blocks[blockID].Name)
			e.callbacks.OnBlockWriteComplete(blockID)
		}

	case opInit:
		blockID := e.currentBlockID
		if e.fetchMultiProfileInstance(blockID) {
			e.currentOperation = opNone
			e.recordFetchOutcome(blockID)
			level.Debug(e.logger).Log("msg", "multi-profile fetch complete", "block", e.cfg.Blocks[blockID].Name)
			e.callbacks.OnMultiProfileBlockFetchComplete(blockID)
		}
	}

	return e.currentOperation != opNone
}

func (e *Engine) recordWriteOutcome(blockID int) {
	result := "ok"
	if e.blocks[blockID].writeFailed.Load() {
		result = "failed"
	}
	e.metrics.writesTotal.WithLabelValues(e.cfg.Blocks[blockID].Name, result).Inc()
	e.metrics.writeDuration.WithLabelValues(e.cfg.Blocks[blockID].Name).Observe(time.Since(e.writeStartedAt).Seconds())
}

func (e *Engine) recordFetchOutcome(blockID int) {
	result := "ok"
	if e.blocks[blockID].recovered.Load() {
		result = "recovered"
	}
	e.metrics.multiProfileFetches.WithLabelValues(e.cfg.Blocks[blockID].Name, result).Inc()
}

// tryProcessNextRequest dispatches the next pending write or fetch, in
// round-robin order, if the driver is ready to accept one.
func (e *Engine) tryProcessNextRequest() {
	if e.driver.Status() == storage.Busy {
		return
	}

	blockID, ok := e.sched.find(func(i int) bool {
		return e.blocks[i].writePending.Load() || (e.cfg.Blocks[i].Management == MultiProfile && e.blocks[i].fetchPending.Load())
	})
	if !ok {
		return
	}

	switch {
	case e.blocks[blockID].writePending.Load():
		e.blocks[blockID].writePending.Store(false)
		e.currentOperation = opWrite
		e.startWriteOperationCachedBlock(blockID)
		level.Debug(e.logger).Log("msg", "block write started", "block", e.cfg.Blocks[blockID].Name)
		e.callbacks.OnBlockWriteStarted(blockID)

	case e.cfg.Blocks[blockID].Management == MultiProfile && e.blocks[blockID].fetchPending.Load():
		e.blocks[blockID].fetchPending.Store(false)
		e.currentOperation = opInit
		e.currentBlockID = blockID
		e.startReadOperation(blockID)
		e.fetchStg = fetchInstance
		_ = e.fetchMultiProfileInstance(blockID)
		level.Debug(e.logger).Log("msg", "multi-profile fetch started", "block", e.cfg.Blocks[blockID].Name)
		e.callbacks.OnMultiProfileBlockFetchStarted(blockID)
	}
}

// IsBusy reports whether the engine has any operation in flight or any
// block with a pending write or fetch request.
func (e *Engine) IsBusy() bool {
	if e.currentOperation != opNone {
		return true
	}
	for i, state := range e.blocks {
		if state.writePending.Load() {
			return true
		}
		if e.cfg.Blocks[i].Management == MultiProfile && state.fetchPending.Load() {
			return true
		}
	}
	return false
}

// Resume allows new write and profile-switch requests to be accepted.
func (e *Engine) Resume() {
	e.acceptNewRequests.Store(true)
}

// Suspend rejects all new write and profile-switch requests until Resume is
// called again. Operations already in flight or pending continue to run.
func (e *Engine) Suspend() {
	e.acceptNewRequests.Store(false)
}

// InitiateBlockWrite requests that a block's current cache content be
// persisted to the device. Returns ErrRequestRejected if the engine is
// suspended or a write or fetch is already pending for this block.
func (e *Engine) InitiateBlockWrite(blockID int) error {
	if blockID < 0 || blockID >= len(e.cfg.Blocks) {
		return ErrUnknownBlock
	}

	state := e.blocks[blockID]
	if !e.acceptNewRequests.Load() || state.writePending.Load() || state.fetchPending.Load() {
		return ErrRequestRejected
	}

	state.writePending.Store(true)
	state.writeComplete.Store(false)
	return nil
}

// GetBlockStatus returns a point-in-time snapshot of a block's runtime
// state.
func (e *Engine) GetBlockStatus(blockID int) (BlockStatus, error) {
	if blockID < 0 || blockID >= len(e.cfg.Blocks) {
		return BlockStatus{}, ErrUnknownBlock
	}
	return e.blocks[blockID].snapshot(), nil
}
