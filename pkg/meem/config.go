// SPDX-License-Identifier: MIT

package meem

import (
	"flag"
	"fmt"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"
)

// ManagementType selects the durability policy applied to a block.
type ManagementType int

const (
	// Basic blocks hold one cache instance and one checksum-protected
	// instance on the device. Cheapest, no redundancy.
	Basic ManagementType = iota
	// BackupCopy blocks hold two identical on-device instances; a write
	// updates both, and init repairs a mismatched pair from whichever
	// instance is valid.
	BackupCopy
	// MultiProfile blocks hold N on-device instances, exactly one of which
	// is active at a time; switching is an explicit, asynchronous
	// operation.
	MultiProfile
	// WearLeveling blocks hold N on-device instances and a one-byte
	// rolling sequence counter; each write targets a different instance in
	// rotation and init performs a recency search to find the most
	// recently written one.
	WearLeveling
)

func (m ManagementType) String() string {
	switch m {
	case Basic:
		return "basic"
	case BackupCopy:
		return "backup-copy"
	case MultiProfile:
		return "multi-profile"
	case WearLeveling:
		return "wear-leveling"
	default:
		return "unknown"
	}
}

// maxMultiProfileInstances is the upper bound on a multi-profile block's
// instance count.
const maxMultiProfileInstances = 14

// RecoveryStrategy controls what happens when a block fails to validate at
// Init: its cache is always repopulated with defaults, but whether that
// repaired state is also written back to the device is configurable.
type RecoveryStrategy int

const (
	// RecoverDefaultsAndRepair restores the cache to its default values and
	// schedules a write to persist the repaired state to the device.
	RecoverDefaultsAndRepair RecoveryStrategy = iota
	// RecoverDefaults restores the cache to its default values but leaves
	// the device untouched until the next explicit InitiateBlockWrite.
	RecoverDefaults
)

// BlockConfig describes one managed parameter block.
type BlockConfig struct {
	// Name identifies the block in logs and metrics.
	Name string

	// Cache is the live RAM copy of the block's data. Its length must equal
	// DataSize. For WearLeveling blocks, Cache[0] is reserved for the
	// rolling sequence counter and is not part of the user payload.
	Cache []byte

	// Defaults supplies the fallback content used when no valid on-device
	// instance can be found. See DefaultPatternLength for how it's applied.
	Defaults []byte

	// OffsetInDevice is the byte offset, within the storage.Driver's
	// address space, of this block's first instance.
	OffsetInDevice uint32

	// DataSize is the payload size in bytes (excluding the checksum
	// prefix). Must equal len(Cache).
	DataSize uint16

	// DefaultPatternLength controls how Defaults is applied when restoring
	// a block to factory state:
	//   0  - Defaults is copied in full (len(Defaults) == DataSize)
	//   1  - Defaults[0] fills every byte
	//   >1 - Defaults is tiled repeatedly across the cache
	DefaultPatternLength uint8

	// InstanceCount is the number of on-device instances. Must be 1 for
	// Basic, 2 for BackupCopy, in [2, 14] for MultiProfile, and >= 2 for
	// WearLeveling.
	InstanceCount uint8

	// Management selects the durability policy.
	Management ManagementType

	// RecoveryStrategy controls repair-write scheduling on init failure.
	RecoveryStrategy RecoveryStrategy
}

// instanceStride is the on-device size of one checksum+payload instance.
func (b *BlockConfig) instanceStride(checksumWidth int) uint32 {
	return uint32(checksumWidth) + uint32(b.DataSize)
}

// Validate checks a single block's configuration for internal consistency.
func (b *BlockConfig) Validate() error {
	if len(b.Cache) != int(b.DataSize) {
		return errors.Wrapf(ErrConfigInvalid, "block %q: cache length %d does not match data size %d", b.Name, len(b.Cache), b.DataSize)
	}
	if b.DataSize == 0 {
		return errors.Wrapf(ErrConfigInvalid, "block %q: data size must be non-zero", b.Name)
	}

	switch b.DefaultPatternLength {
	case 0:
		if len(b.Defaults) != int(b.DataSize) {
			return errors.Wrapf(ErrConfigInvalid, "block %q: full-copy defaults must match data size", b.Name)
		}
	case 1:
		if len(b.Defaults) < 1 {
			return errors.Wrapf(ErrConfigInvalid, "block %q: fill-byte defaults must supply at least one byte", b.Name)
		}
	default:
		if len(b.Defaults) != int(b.DefaultPatternLength) {
			return errors.Wrapf(ErrConfigInvalid, "block %q: tiled defaults must match default pattern length", b.Name)
		}
	}

	switch b.Management {
	case Basic:
		if b.InstanceCount != 1 {
			return errors.Wrapf(ErrConfigInvalid, "block %q: basic blocks require exactly 1 instance, got %d", b.Name, b.InstanceCount)
		}
	case BackupCopy:
		if b.InstanceCount != 2 {
			return errors.Wrapf(ErrConfigInvalid, "block %q: backup-copy blocks require exactly 2 instances, got %d", b.Name, b.InstanceCount)
		}
	case MultiProfile:
		if b.InstanceCount < 2 || b.InstanceCount > maxMultiProfileInstances {
			return errors.Wrapf(ErrConfigInvalid, "block %q: multi-profile blocks require between 2 and %d instances, got %d", b.Name, maxMultiProfileInstances, b.InstanceCount)
		}
	case WearLeveling:
		if b.InstanceCount < 2 {
			return errors.Wrapf(ErrConfigInvalid, "block %q: %s blocks require at least 2 instances, got %d", b.Name, b.Management, b.InstanceCount)
		}
	default:
		return errors.Wrapf(ErrConfigInvalid, "block %q: unknown management type %d", b.Name, b.Management)
	}

	return nil
}

// EngineConfig is the top-level engine configuration: the ordered set of
// managed blocks plus the work buffer sizing.
type EngineConfig struct {
	Blocks []BlockConfig

	// WorkBufferSize bounds the largest single in-flight read/write image
	// (checksum width + a block's DataSize). Exposed as a flag mainly so an
	// operator embedding the engine in a larger process can see, in
	// `-help` output, how much of the configured device size a single
	// operation will touch at once.
	WorkBufferSize units.Base2Bytes

	// ChecksumWidth is the number of bytes the configured ChecksumFunc
	// produces. Every persisted instance is prefixed with exactly this
	// many bytes of digest.
	ChecksumWidth int
}

// RegisterFlags registers c.WorkBufferSize with the given flag set, using
// prefix as a naming prefix (e.g. "meem.").
func (c *EngineConfig) RegisterFlags(prefix string, f *flag.FlagSet) {
	f.TextVar(&c.WorkBufferSize, prefix+"work-buffer-size", c.WorkBufferSize, "Size of the shared I/O staging buffer, e.g. 64B, 1KiB.")
}

// Validate checks the engine configuration and every block within it.
func (c *EngineConfig) Validate() error {
	if len(c.Blocks) == 0 {
		return errors.Wrap(ErrConfigInvalid, "at least one block must be configured")
	}
	if c.ChecksumWidth <= 0 {
		return errors.Wrap(ErrConfigInvalid, "checksum width must be positive")
	}

	maxInstanceImage := 0
	for i := range c.Blocks {
		if err := c.Blocks[i].Validate(); err != nil {
			return err
		}
		if size := int(c.Blocks[i].instanceStride(c.ChecksumWidth)); size > maxInstanceImage {
			maxInstanceImage = size
		}
	}

	if int(c.WorkBufferSize) > 0 && maxInstanceImage > int(c.WorkBufferSize) {
		return errors.Wrapf(ErrConfigInvalid, "work buffer size %s too small for largest block instance (%d bytes including checksum)", c.WorkBufferSize, maxInstanceImage)
	}

	names := make(map[string]struct{}, len(c.Blocks))
	for i := range c.Blocks {
		name := c.Blocks[i].Name
		if name == "" {
			name = fmt.Sprintf("block-%d", i)
			c.Blocks[i].Name = name
		}
		if _, dup := names[name]; dup {
			return errors.Wrapf(ErrConfigInvalid, "duplicate block name %q", name)
		}
		names[name] = struct{}{}
	}

	return c.validateNonOverlapping()
}

// validateNonOverlapping checks that no two blocks' on-device regions share
// any byte, regardless of declaration order.
func (c *EngineConfig) validateNonOverlapping() error {
	type span struct {
		name       string
		start, end uint64
	}
	spans := make([]span, len(c.Blocks))
	for i := range c.Blocks {
		b := &c.Blocks[i]
		stride := uint64(b.instanceStride(c.ChecksumWidth))
		size := stride * uint64(b.InstanceCount)
		spans[i] = span{name: b.Name, start: uint64(b.OffsetInDevice), end: uint64(b.OffsetInDevice) + size}
	}

	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if spans[i].start < spans[j].end && spans[j].start < spans[i].end {
				return errors.Wrapf(ErrConfigInvalid, "block %q region [%d,%d) overlaps block %q region [%d,%d)",
					spans[i].name, spans[i].start, spans[i].end, spans[j].name, spans[j].start, spans[j].end)
			}
		}
	}
	return nil
}
