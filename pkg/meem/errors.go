// SPDX-License-Identifier: MIT

package meem

import "github.com/pkg/errors"

// Sentinel errors returned by the engine's public operations. Use
// errors.Is to test for these, since most are wrapped with additional
// context before being returned.
var (
	// ErrConfigInvalid is returned by NewEngine (and EngineConfig.Validate)
	// when a block or engine configuration fails validation.
	ErrConfigInvalid = errors.New("meem: invalid configuration")

	// ErrUnknownBlock is returned when a block ID outside [0, len(blocks))
	// is passed to a public operation, and by InitiateSwitchToProfile when
	// the target profile is outside [0, InstanceCount).
	ErrUnknownBlock = errors.New("meem: unknown block id")

	// ErrRequestRejected is returned when a write or profile-switch request
	// cannot be accepted in the engine's current state (suspended, or a
	// request is already pending for that block).
	ErrRequestRejected = errors.New("meem: request rejected")

	// ErrStorageInitFailed is returned by Init when the underlying driver
	// fails to initialize.
	ErrStorageInitFailed = errors.New("meem: storage driver initialization failed")

	// ErrNotMultiProfile is returned when a multi-profile-only operation is
	// invoked on a block configured with a different management type.
	ErrNotMultiProfile = errors.New("meem: block is not a multi-profile block")
)
