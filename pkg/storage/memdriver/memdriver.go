// SPDX-License-Identifier: MIT

// Package memdriver implements an in-memory storage.Driver backed by a plain
// byte slice, standing in for a real EEPROM/flash device in tests and
// desktop simulation. It can simulate device latency (a configurable number
// of busy polls before a request resolves) and inject read/write failures or
// single-bit corruption, the same way the original C implementation's test
// harness exercised its block-management state machines against a faulty
// device.
package memdriver

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/kaladim/microeeprommanager/pkg/storage"
)

// ErrAlreadyInFlight names the condition under which BeginRead/BeginWrite
// report false: a request is already pending, and callers must poll Status
// to Idle/OK/NOK before issuing a new one. Those methods return a bool and
// do not return this error themselves.
var ErrAlreadyInFlight = errors.New("memdriver: request already in flight")

type requestKind int

const (
	noRequest requestKind = iota
	readRequest
	writeRequest
)

// Driver is a RAM-backed storage.Driver.
type Driver struct {
	logger log.Logger
	media  []byte

	// BusyTicks is the number of Task calls a request stays Busy for before
	// resolving, simulating device latency. Zero resolves on the first Task.
	BusyTicks int

	kind      requestKind
	offset    uint32
	buf       []byte
	remaining int
	status    storage.Status

	// FailNextRead/FailNextWrite, when true, make the next matching request
	// resolve NOK instead of succeeding, and are cleared after firing once.
	FailNextRead  bool
	FailNextWrite bool

	// CorruptOnWrite, when set, flips the low bit of the first byte written
	// by the next successful write, simulating bit rot. Cleared after firing.
	CorruptOnWrite bool
}

// New creates a Driver with the given media size in bytes.
func New(mediaSize int, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Driver{
		logger: logger,
		media:  make([]byte, mediaSize),
		status: storage.Idle,
	}
}

// Init implements storage.Driver.
func (d *Driver) Init() error {
	level.Debug(d.logger).Log("msg", "memdriver initialized", "size", len(d.media))
	d.status = storage.Idle
	return nil
}

// DeInit implements storage.Driver.
func (d *Driver) DeInit() error {
	d.kind = noRequest
	d.status = storage.Idle
	return nil
}

// Task implements storage.Driver.
func (d *Driver) Task() {
	if d.kind == noRequest || d.status != storage.Busy {
		return
	}

	if d.remaining > 0 {
		d.remaining--
		return
	}

	switch d.kind {
	case readRequest:
		if d.FailNextRead {
			d.FailNextRead = false
			d.status = storage.NOK
			break
		}
		if int(d.offset)+len(d.buf) > len(d.media) {
			d.status = storage.NOK
			break
		}
		copy(d.buf, d.media[d.offset:int(d.offset)+len(d.buf)])
		d.status = storage.OK

	case writeRequest:
		if d.FailNextWrite {
			d.FailNextWrite = false
			d.status = storage.NOK
			break
		}
		if int(d.offset)+len(d.buf) > len(d.media) {
			d.status = storage.NOK
			break
		}
		copy(d.media[d.offset:int(d.offset)+len(d.buf)], d.buf)
		if d.CorruptOnWrite {
			d.CorruptOnWrite = false
			d.media[d.offset] ^= 0x01
		}
		d.status = storage.OK
	}

	d.kind = noRequest
	level.Debug(d.logger).Log("msg", "memdriver request resolved", "status", d.status.String())
}

// BeginRead implements storage.Driver.
func (d *Driver) BeginRead(offset uint32, dest []byte) bool {
	if d.kind != noRequest {
		return false
	}
	d.kind = readRequest
	d.offset = offset
	d.buf = dest
	d.remaining = d.BusyTicks
	d.status = storage.Busy
	return true
}

// BeginWrite implements storage.Driver.
func (d *Driver) BeginWrite(offset uint32, src []byte) bool {
	if d.kind != noRequest {
		return false
	}
	d.kind = writeRequest
	d.offset = offset
	d.buf = src
	d.remaining = d.BusyTicks
	d.status = storage.Busy
	return true
}

// Status implements storage.Driver.
func (d *Driver) Status() storage.Status {
	return d.status
}

// Dump returns a copy of the raw media, for test assertions.
func (d *Driver) Dump() []byte {
	out := make([]byte, len(d.media))
	copy(out, d.media)
	return out
}

// SeedCorruption flips the low bit of the byte at offset, for tests that need
// to pre-corrupt a specific on-device instance before Init runs.
func (d *Driver) SeedCorruption(offset uint32) error {
	if int(offset) >= len(d.media) {
		return fmt.Errorf("memdriver: offset %d out of range (size %d)", offset, len(d.media))
	}
	d.media[offset] ^= 0x01
	return nil
}
