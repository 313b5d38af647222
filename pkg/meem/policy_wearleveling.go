// SPDX-License-Identifier: MIT

package meem

import "github.com/kaladim/microeeprommanager/pkg/storage"

const invalidSequenceCounter = 0xFF

// initWearLevelingBlock synchronously scans every on-device instance,
// recovers each instance's rolling sequence counter, and runs
// findIndexOfMostRecentInstance to determine which instance to load into
// the cache and which instance to overwrite on the next write.
func (e *Engine) initWearLevelingBlock(blockID int) {
	cfg := &e.cfg.Blocks[blockID]
	stride := cfg.instanceStride(e.checksumWidth)
	counters := make([]uint8, cfg.InstanceCount)

	for instance := uint8(0); instance < cfg.InstanceCount; instance++ {
		e.startReadOperation(blockID)
		e.io.offset = cfg.OffsetInDevice + uint32(instance)*stride

		status := e.blockingRead()
		if status == storage.OK && e.isDataValid(blockID) {
			counters[instance] = e.workBuffer[e.checksumWidth]
		} else {
			counters[instance] = invalidSequenceCounter
		}
	}

	mostRecent := findIndexOfMostRecentInstance(counters)
	if mostRecent == invalidIndex {
		cfg.Cache[0] = 0
		e.blocks[blockID].activeInstance.Store(0)
		e.recoverBlockData(blockID, "no valid instance found")
		return
	}

	e.startReadOperation(blockID)
	// Read straight into the cache, skipping the checksum and the sequence
	// counter byte which was already captured above.
	e.io.offset = cfg.OffsetInDevice + uint32(e.checksumWidth) + uint32(mostRecent)*stride + 1
	e.io.dest = cfg.Cache[1:]
	e.io.size = uint16(len(cfg.Cache) - 1)

	status := e.blockingRead()
	if status != storage.OK {
		cfg.Cache[0] = 0
		e.blocks[blockID].activeInstance.Store(0)
		e.recoverBlockData(blockID, "most recent instance unreadable")
		return
	}

	cfg.Cache[0] = incrementAndWrapAround(counters[mostRecent], 255)
	e.blocks[blockID].activeInstance.Store(uint32(incrementAndWrapAround(mostRecent, cfg.InstanceCount)))
}

const invalidIndex = 0xFF

// findIndexOfMostRecentInstance runs a single pass over a circular array of
// sequence counters (domain 0..254, invalidSequenceCounter marking a slot
// that failed to read or validate) and returns the index of the most
// recently written valid instance, or invalidIndex if none is valid.
//
// The pass must run instance_count+1 times, one more than the number of
// instances, so that the wraparound point (if any) is observed twice and
// its start/end boundary can be located; this is ported directly from the
// reference recency-search routine and is not an off-by-one.
func findIndexOfMostRecentInstance(counters []uint8) uint8 {
	instanceCount := uint8(len(counters))

	lastValid := uint8(invalidSequenceCounter)
	min := uint8(0xFF)
	max := uint8(0)
	minIndex := uint8(invalidIndex)
	maxIndex := uint8(invalidIndex)
	rolloverStart := uint8(invalidIndex)
	rolloverEnd := uint8(invalidIndex)
	i := uint8(0)

	for c := uint8(0); c <= instanceCount; c++ {
		current := counters[i]
		if current != invalidSequenceCounter {
			if current < min {
				min = current
				minIndex = i
			}
			if current >= max {
				max = current
				maxIndex = i
			}

			// Ported as-is from the reference implementation: lastValid
			// starts at the invalid sentinel (0xFF), so this comparison can
			// fire spuriously on the very first valid element scanned. That
			// is harmless because rolloverStart/rolloverEnd are only ever
			// consulted below when a genuine wraparound is detected via
			// max-min >= instanceCount.
			if rolloverStart == invalidIndex && current < lastValid && (lastValid-current) >= instanceCount {
				rolloverStart = i
			} else if rolloverEnd == invalidIndex && current > lastValid && (current-lastValid) >= instanceCount {
				rolloverEnd = i
			}

			lastValid = current
		}

		i = incrementAndWrapAround(i, instanceCount)
	}

	if minIndex == invalidIndex || maxIndex == invalidIndex {
		return invalidIndex
	}

	if (max - min) >= instanceCount {
		// Sequence counter wrapped around somewhere in the circle.
		var length uint8
		if rolloverEnd > rolloverStart {
			length = rolloverEnd - rolloverStart
		} else {
			length = instanceCount - (rolloverStart - rolloverEnd)
		}
		return findIndexOfMaxElement(counters, rolloverStart, length)
	}

	return maxIndex
}

// findIndexOfMaxElement performs a bounded circular scan of loopCount
// elements starting at startIndex and returns the index of the largest
// valid element seen.
func findIndexOfMaxElement(counters []uint8, startIndex, loopCount uint8) uint8 {
	instanceCount := uint8(len(counters))
	max := uint8(0)
	maxIndex := uint8(invalidIndex)
	i := startIndex

	for c := uint8(0); c < loopCount; c++ {
		element := counters[i]
		if element != invalidSequenceCounter && element >= max {
			max = element
			maxIndex = i
		}
		i = incrementAndWrapAround(i, instanceCount)
	}

	return maxIndex
}
