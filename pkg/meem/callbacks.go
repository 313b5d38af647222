// SPDX-License-Identifier: MIT

package meem

// Callbacks notifies the host application of block lifecycle events. All
// methods are invoked synchronously from Init or PeriodicTask and must not
// block.
type Callbacks interface {
	// SelectInitiallyActiveProfile is called once during Init for each
	// multi-profile block, before any instance has been fetched, to decide
	// which on-device instance to load first.
	SelectInitiallyActiveProfile(blockID int) uint8

	// OnBlockInitComplete is called once per block after Init has finished
	// initializing it (successfully or via recovery).
	OnBlockInitComplete(blockID int)

	// OnBlockWriteStarted is called when a pending write is dispatched to
	// the storage driver.
	OnBlockWriteStarted(blockID int)

	// OnBlockWriteComplete is called when a write (including every repair
	// sub-write a policy schedules) finishes, successfully or not.
	OnBlockWriteComplete(blockID int)

	// OnMultiProfileBlockFetchStarted is called when a profile-switch fetch
	// is dispatched to the storage driver.
	OnMultiProfileBlockFetchStarted(blockID int)

	// OnMultiProfileBlockFetchComplete is called when a profile-switch fetch
	// finishes, successfully or not.
	OnMultiProfileBlockFetchComplete(blockID int)
}

// NopCallbacks implements Callbacks with no-ops, returning profile 0 from
// SelectInitiallyActiveProfile. Useful for tests and for blocks that don't
// need host notification.
type NopCallbacks struct{}

var _ Callbacks = NopCallbacks{}

func (NopCallbacks) SelectInitiallyActiveProfile(blockID int) uint8    { return 0 }
func (NopCallbacks) OnBlockInitComplete(blockID int)                   {}
func (NopCallbacks) OnBlockWriteStarted(blockID int)                   {}
func (NopCallbacks) OnBlockWriteComplete(blockID int)                  {}
func (NopCallbacks) OnMultiProfileBlockFetchStarted(blockID int)       {}
func (NopCallbacks) OnMultiProfileBlockFetchComplete(blockID int)      {}
