// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package extmap is an in-memory extent map implementing the iomap.Mapper and
// iomap.WritebackOps interfaces over one file. Extents live in a B-Tree keyed
// by file offset. Device space comes from a trivial bump allocator; write
// lookups allocate over holes, writeback lookups allocate under delalloc
// reservations, and ioend submission converts unwritten extents to mapped
// over exactly the submitted range.
//
// The map is a fixture: it gives the buffered I/O layer a real file system
// shape to run against (and lets tests inject mapping and submission
// failures) without any allocation policy worth the name.
package extmap

import (
	"github.com/google/btree"

	"github.com/NVIDIA/iomap"
	"github.com/NVIDIA/iomap/blunder"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/pagecache"
	"github.com/NVIDIA/iomap/trackedlock"
)

// extentItem is one extent in the tree. fileOffset is the B-Tree key; every
// other field may be mutated in place.
type extentItem struct {
	fileOffset uint64
	length     uint64
	extentType iomap.ExtentType
	flags      iomap.ExtentFlag
	deviceAddr uint64
}

func (item *extentItem) Less(than btree.Item) bool {
	return item.fileOffset < than.(*extentItem).fileOffset
}

func (item *extentItem) end() (end uint64) {
	return item.fileOffset + item.length
}

// ExtentMapStruct is the extent map of one file.
//
// The embedded Mutex guards the tree, the allocator, and the failure
// injection state; it is never held across a call out of the package.
type ExtentMapStruct struct {
	trackedlock.Mutex

	fileInodeNumber uint64
	blockSize       uint64
	device          iomap.DeviceHandle
	deviceCapacity  uint64

	extentTree  *btree.BTree
	allocCursor uint64

	discardedPages uint64
	submitCount    uint64

	submitErrOnce   error
	failMapAt       map[uint64]error
	failWritebackAt map[uint64]error
}

// New returns an empty extent map for the file. blockSize must be a power of
// two no larger than the page size; device space is handed out in blockSize
// units from [0, deviceCapacity).
func New(fileInodeNumber uint64, device iomap.DeviceHandle, deviceCapacity uint64, blockSize uint64) (extentMap *ExtentMapStruct, err error) {
	if (0 == blockSize) || (pagecache.PageSize() < blockSize) || (0 != blockSize&(blockSize-1)) {
		err = blunder.NewError(blunder.InvalidArgError,
			"extmap.New(): blockSize 0x%X must be a power of two in (0, 0x%X]", blockSize, pagecache.PageSize())
		return
	}
	if 0 != deviceCapacity%blockSize {
		err = blunder.NewError(blunder.InvalidArgError,
			"extmap.New(): deviceCapacity 0x%X must be a multiple of blockSize 0x%X", deviceCapacity, blockSize)
		return
	}

	extentMap = &ExtentMapStruct{
		fileInodeNumber: fileInodeNumber,
		blockSize:       blockSize,
		device:          device,
		deviceCapacity:  deviceCapacity,
		extentTree:      btree.New(2),
		failMapAt:       make(map[uint64]error),
		failWritebackAt: make(map[uint64]error),
	}

	err = nil
	return
}

// alignDown/alignUp round offset to the containing block boundary.
func (extentMap *ExtentMapStruct) alignDown(offset uint64) (aligned uint64) {
	return offset &^ (extentMap.blockSize - 1)
}

func (extentMap *ExtentMapStruct) alignUp(offset uint64) (aligned uint64) {
	return (offset + extentMap.blockSize - 1) &^ (extentMap.blockSize - 1)
}

// allocBlocks hands out size device bytes from the bump cursor. The caller
// holds the map lock.
func (extentMap *ExtentMapStruct) allocBlocks(size uint64) (deviceAddr uint64, err error) {
	if extentMap.allocCursor+size > extentMap.deviceCapacity {
		err = blunder.NewError(blunder.DeviceFullError,
			"extent map for inode 0x%016X: out of device space (cursor 0x%016X size 0x%X capacity 0x%016X)",
			extentMap.fileInodeNumber, extentMap.allocCursor, size, extentMap.deviceCapacity)
		return
	}
	deviceAddr = extentMap.allocCursor
	extentMap.allocCursor += size

	err = nil
	return
}

// findContaining returns the extent containing offset, or nil plus the file
// offset of the next extent beyond it (hasNext false when there is none).
// The caller holds the map lock.
func (extentMap *ExtentMapStruct) findContaining(offset uint64) (item *extentItem, nextStart uint64, hasNext bool) {
	extentMap.extentTree.DescendLessOrEqual(&extentItem{fileOffset: offset}, func(treeItem btree.Item) bool {
		item = treeItem.(*extentItem)
		return false
	})
	if (nil != item) && (item.end() <= offset) {
		item = nil
	}
	if nil != item {
		return
	}

	extentMap.extentTree.AscendGreaterOrEqual(&extentItem{fileOffset: offset + 1}, func(treeItem btree.Item) bool {
		nextStart = treeItem.(*extentItem).fileOffset
		hasNext = true
		return false
	})
	return
}

// punchRange eliminates every extent or portion of one overlapping
// [offset, offset+length), splitting the boundary extents as needed. The
// caller holds the map lock; offset and length are block aligned.
func (extentMap *ExtentMapStruct) punchRange(offset uint64, length uint64) {
	var (
		item     *extentItem
		itemEnd  uint64
		overlaps []*extentItem
		rangeEnd uint64
		trimSize uint64
	)

	rangeEnd = offset + length

	// the predecessor may reach into the range; split it first
	extentMap.extentTree.DescendLessOrEqual(&extentItem{fileOffset: offset}, func(treeItem btree.Item) bool {
		item = treeItem.(*extentItem)
		return false
	})
	if (nil != item) && (item.fileOffset < offset) && (item.end() > offset) {
		itemEnd = item.end()
		item.length = offset - item.fileOffset
		if itemEnd > rangeEnd {
			// the range sits wholly inside item; keep its tail too
			extentMap.extentTree.ReplaceOrInsert(&extentItem{
				fileOffset: rangeEnd,
				length:     itemEnd - rangeEnd,
				extentType: item.extentType,
				flags:      item.flags,
				deviceAddr: item.deviceAddr + (rangeEnd - item.fileOffset),
			})
			return
		}
	}

	// collect, then delete or front-trim the extents starting inside the range
	extentMap.extentTree.AscendGreaterOrEqual(&extentItem{fileOffset: offset}, func(treeItem btree.Item) bool {
		item = treeItem.(*extentItem)
		if item.fileOffset >= rangeEnd {
			return false
		}
		overlaps = append(overlaps, item)
		return true
	})

	for _, item = range overlaps {
		extentMap.extentTree.Delete(item)
		if item.end() > rangeEnd {
			trimSize = rangeEnd - item.fileOffset
			extentMap.extentTree.ReplaceOrInsert(&extentItem{
				fileOffset: rangeEnd,
				length:     item.length - trimSize,
				extentType: item.extentType,
				flags:      item.flags,
				deviceAddr: item.deviceAddr + trimSize,
			})
		}
	}
}

// insertExtent punches newItem's range clear and hooks newItem in, lengthening
// the preceding extent instead when newItem simply continues it in both file
// and device space. The caller holds the map lock.
func (extentMap *ExtentMapStruct) insertExtent(newItem *extentItem) {
	var (
		prevItem *extentItem
	)

	extentMap.punchRange(newItem.fileOffset, newItem.length)

	extentMap.extentTree.DescendLessOrEqual(&extentItem{fileOffset: newItem.fileOffset}, func(treeItem btree.Item) bool {
		if treeItem.(*extentItem).fileOffset < newItem.fileOffset {
			prevItem = treeItem.(*extentItem)
		}
		return false
	})

	if (nil != prevItem) &&
		(prevItem.extentType == newItem.extentType) &&
		(prevItem.flags == newItem.flags) &&
		(prevItem.end() == newItem.fileOffset) &&
		(prevItem.deviceAddr+prevItem.length == newItem.deviceAddr) {
		prevItem.length += newItem.length
		return
	}

	extentMap.extentTree.ReplaceOrInsert(newItem)
}

// asExtent returns the iomap view of item.
func (extentMap *ExtentMapStruct) asExtent(item *extentItem) (extent iomap.Extent) {
	extent = iomap.Extent{
		Offset: item.fileOffset,
		Length: item.length,
		Type:   item.extentType,
		Flags:  item.flags,
		Device: extentMap.device,
		Addr:   item.deviceAddr,
	}
	return
}

// MapBlocks resolves the extent containing offset. A write lookup over a hole
// allocates mapped blocks covering the write, clipped at the next existing
// extent; a read lookup reports the hole as far as that same boundary.
func (extentMap *ExtentMapStruct) MapBlocks(fileInodeNumber uint64, offset uint64, length uint64, mapFlags iomap.MapFlag) (extent iomap.Extent, err error) {
	var (
		alignedEnd   uint64
		alignedStart uint64
		deviceAddr   uint64
		failErr      error
		hasNext      bool
		item         *extentItem
		nextStart    uint64
		ok           bool
	)

	if fileInodeNumber != extentMap.fileInodeNumber {
		err = blunder.NewError(blunder.NotFoundError,
			"extent map holds inode 0x%016X, not 0x%016X", extentMap.fileInodeNumber, fileInodeNumber)
		return
	}

	extentMap.Lock()
	defer extentMap.Unlock()

	failErr, ok = extentMap.failMapAt[offset/extentMap.blockSize]
	if ok {
		err = failErr
		return
	}

	item, nextStart, hasNext = extentMap.findContaining(offset)
	if nil != item {
		extent = extentMap.asExtent(item)
		err = nil
		return
	}

	alignedStart = extentMap.alignDown(offset)
	alignedEnd = extentMap.alignUp(offset + length)
	if hasNext && (nextStart < alignedEnd) {
		alignedEnd = nextStart
	}

	if 0 == mapFlags&iomap.MapFlagWrite {
		extent = iomap.Extent{
			Offset: alignedStart,
			Length: alignedEnd - alignedStart,
			Type:   iomap.ExtentTypeHole,
			Device: extentMap.device,
		}
		err = nil
		return
	}

	deviceAddr, err = extentMap.allocBlocks(alignedEnd - alignedStart)
	if nil != err {
		return
	}

	item = &extentItem{
		fileOffset: alignedStart,
		length:     alignedEnd - alignedStart,
		extentType: iomap.ExtentTypeMapped,
		flags:      iomap.ExtentFlagNew,
		deviceAddr: deviceAddr,
	}
	extentMap.insertExtent(item)

	extent = extentMap.asExtent(item)
	err = nil
	return
}

// MapWritebackBlocks resolves the extent containing offset for the writeback
// scan, answering from wbContext's cached extent when it still covers offset.
// Delalloc reservations get their device blocks here, at writeback time.
func (extentMap *ExtentMapStruct) MapWritebackBlocks(wbContext *iomap.WritebackContext, fileInodeNumber uint64, offset uint64) (extent iomap.Extent, err error) {
	var (
		deviceAddr uint64
		failErr    error
		item       *extentItem
		ok         bool
	)

	if fileInodeNumber != extentMap.fileInodeNumber {
		err = blunder.NewError(blunder.NotFoundError,
			"extent map holds inode 0x%016X, not 0x%016X", extentMap.fileInodeNumber, fileInodeNumber)
		return
	}

	if (0 != wbContext.Extent.Length) && (iomap.ExtentTypeHole != wbContext.Extent.Type) &&
		(wbContext.Extent.Offset <= offset) && (offset < wbContext.Extent.Offset+wbContext.Extent.Length) {
		extent = wbContext.Extent
		err = nil
		return
	}

	extentMap.Lock()
	defer extentMap.Unlock()

	failErr, ok = extentMap.failWritebackAt[offset/extentMap.blockSize]
	if ok {
		err = failErr
		return
	}

	item, _, _ = extentMap.findContaining(offset)
	if nil == item {
		extent = iomap.Extent{
			Offset: extentMap.alignDown(offset),
			Length: extentMap.blockSize,
			Type:   iomap.ExtentTypeHole,
			Device: extentMap.device,
		}
		err = nil
		return
	}

	if iomap.ExtentTypeDelalloc == item.extentType {
		deviceAddr, err = extentMap.allocBlocks(item.length)
		if nil != err {
			return
		}
		item.extentType = iomap.ExtentTypeMapped
		item.flags |= iomap.ExtentFlagNew
		item.deviceAddr = deviceAddr
	}

	extent = extentMap.asExtent(item)
	err = nil
	return
}

// SubmitIoend is the submission hook of the writeback engine. On a clean
// submission it converts unwritten blocks to mapped over exactly the ioend's
// range and retires the new-allocation flag there; a previously recorded or
// injected error passes through and poisons the ioend instead.
func (extentMap *ExtentMapStruct) SubmitIoend(ioend *iomap.Ioend, priorErr error) (err error) {
	extentMap.Lock()
	defer extentMap.Unlock()

	extentMap.submitCount++

	err = priorErr
	if (nil == err) && (nil != extentMap.submitErrOnce) {
		err = extentMap.submitErrOnce
		extentMap.submitErrOnce = nil
	}
	if nil != err {
		return
	}

	extentMap.convertRange(ioend.Offset, ioend.Size)
	return
}

// convertRange rewrites [offset, offset+size): unwritten becomes mapped and
// the new-allocation flag drops, splitting the boundary extents so nothing
// outside the range changes. The caller holds the map lock.
func (extentMap *ExtentMapStruct) convertRange(offset uint64, size uint64) {
	var (
		item       *extentItem
		overlapped []*extentItem
		pieceEnd   uint64
		pieceStart uint64
		rangeEnd   uint64
	)

	rangeEnd = offset + size

	extentMap.extentTree.DescendLessOrEqual(&extentItem{fileOffset: offset}, func(treeItem btree.Item) bool {
		item = treeItem.(*extentItem)
		if item.end() > offset {
			overlapped = append(overlapped, item)
		}
		return false
	})
	extentMap.extentTree.AscendGreaterOrEqual(&extentItem{fileOffset: offset + 1}, func(treeItem btree.Item) bool {
		item = treeItem.(*extentItem)
		if item.fileOffset >= rangeEnd {
			return false
		}
		overlapped = append(overlapped, item)
		return true
	})

	for _, item = range overlapped {
		if (iomap.ExtentTypeUnwritten != item.extentType) && (0 == item.flags&iomap.ExtentFlagNew) {
			continue
		}

		pieceStart = item.fileOffset
		if pieceStart < offset {
			pieceStart = offset
		}
		pieceEnd = item.end()
		if pieceEnd > rangeEnd {
			pieceEnd = rangeEnd
		}

		if (pieceStart == item.fileOffset) && (pieceEnd == item.end()) {
			if iomap.ExtentTypeUnwritten == item.extentType {
				item.extentType = iomap.ExtentTypeMapped
			}
			item.flags &^= iomap.ExtentFlagNew
			continue
		}

		// the conversion covers only part of item; carve the piece out
		extentMap.extentTree.Delete(item)
		if pieceStart > item.fileOffset {
			extentMap.extentTree.ReplaceOrInsert(&extentItem{
				fileOffset: item.fileOffset,
				length:     pieceStart - item.fileOffset,
				extentType: item.extentType,
				flags:      item.flags,
				deviceAddr: item.deviceAddr,
			})
		}
		if pieceEnd < item.end() {
			extentMap.extentTree.ReplaceOrInsert(&extentItem{
				fileOffset: pieceEnd,
				length:     item.end() - pieceEnd,
				extentType: item.extentType,
				flags:      item.flags,
				deviceAddr: item.deviceAddr + (pieceEnd - item.fileOffset),
			})
		}
		convertedType := item.extentType
		if iomap.ExtentTypeUnwritten == convertedType {
			convertedType = iomap.ExtentTypeMapped
		}
		extentMap.extentTree.ReplaceOrInsert(&extentItem{
			fileOffset: pieceStart,
			length:     pieceEnd - pieceStart,
			extentType: convertedType,
			flags:      item.flags &^ iomap.ExtentFlagNew,
			deviceAddr: item.deviceAddr + (pieceStart - item.fileOffset),
		})
	}
}

// DiscardPage is the writeback engine's discard hook: the page's scan failed
// before anything was queued, so whatever delalloc reservation backs the page
// is thrown away.
func (extentMap *ExtentMapStruct) DiscardPage(page *pagecache.PageStruct) {
	var (
		item       *extentItem
		pageStart  uint64
		punchEnd   uint64
		punchStart uint64
		rangeEnd   uint64
		toPunch    []*extentItem
	)

	pageStart = page.Index * pagecache.PageSize()
	rangeEnd = pageStart + pagecache.PageSize()

	extentMap.Lock()
	defer extentMap.Unlock()

	extentMap.discardedPages++

	extentMap.extentTree.DescendLessOrEqual(&extentItem{fileOffset: pageStart}, func(treeItem btree.Item) bool {
		item = treeItem.(*extentItem)
		if (item.end() > pageStart) && (iomap.ExtentTypeDelalloc == item.extentType) {
			toPunch = append(toPunch, item)
		}
		return false
	})
	extentMap.extentTree.AscendGreaterOrEqual(&extentItem{fileOffset: pageStart + 1}, func(treeItem btree.Item) bool {
		item = treeItem.(*extentItem)
		if item.fileOffset >= rangeEnd {
			return false
		}
		if iomap.ExtentTypeDelalloc == item.extentType {
			toPunch = append(toPunch, item)
		}
		return true
	})

	for _, item = range toPunch {
		punchStart = item.fileOffset
		if punchStart < pageStart {
			punchStart = pageStart
		}
		punchEnd = item.end()
		if punchEnd > rangeEnd {
			punchEnd = rangeEnd
		}
		extentMap.punchRange(punchStart, punchEnd-punchStart)
	}
}

// SetExtent preloads [offset, offset+length) as extentType (test rigging).
// Mapped and Unwritten ranges get device blocks; a Hole punches the range
// clear; Delalloc reserves without device blocks. offset and length must be
// block aligned.
func (extentMap *ExtentMapStruct) SetExtent(offset uint64, length uint64, extentType iomap.ExtentType, shared bool) (err error) {
	var (
		deviceAddr uint64
		flags      iomap.ExtentFlag
	)

	if (offset != extentMap.alignDown(offset)) || (length != extentMap.alignDown(length)) || (0 == length) {
		err = blunder.NewError(blunder.InvalidArgError,
			"SetExtent(0x%X, 0x%X) must be non-empty and block aligned", offset, length)
		return
	}

	extentMap.Lock()
	defer extentMap.Unlock()

	if iomap.ExtentTypeHole == extentType {
		extentMap.punchRange(offset, length)
		err = nil
		return
	}

	if (iomap.ExtentTypeMapped == extentType) || (iomap.ExtentTypeUnwritten == extentType) {
		deviceAddr, err = extentMap.allocBlocks(length)
		if nil != err {
			return
		}
	}
	if shared {
		flags = iomap.ExtentFlagShared
	}

	extentMap.insertExtent(&extentItem{
		fileOffset: offset,
		length:     length,
		extentType: extentType,
		flags:      flags,
		deviceAddr: deviceAddr,
	})

	err = nil
	return
}

// MarkShared sets the shared flag on every extent overlapping [offset,
// offset+length) without moving any blocks (test rigging for reflink).
func (extentMap *ExtentMapStruct) MarkShared(offset uint64, length uint64) {
	var (
		item     *extentItem
		rangeEnd uint64
	)

	rangeEnd = offset + length

	extentMap.Lock()
	extentMap.extentTree.DescendLessOrEqual(&extentItem{fileOffset: offset}, func(treeItem btree.Item) bool {
		item = treeItem.(*extentItem)
		if item.end() > offset {
			item.flags |= iomap.ExtentFlagShared
		}
		return false
	})
	extentMap.extentTree.AscendGreaterOrEqual(&extentItem{fileOffset: offset + 1}, func(treeItem btree.Item) bool {
		item = treeItem.(*extentItem)
		if item.fileOffset >= rangeEnd {
			return false
		}
		item.flags |= iomap.ExtentFlagShared
		return true
	})
	extentMap.Unlock()
}

// ExtentAt reports the extent containing offset, ok == false for a hole.
func (extentMap *ExtentMapStruct) ExtentAt(offset uint64) (extent iomap.Extent, ok bool) {
	var (
		item *extentItem
	)

	extentMap.Lock()
	item, _, _ = extentMap.findContaining(offset)
	if nil != item {
		extent = extentMap.asExtent(item)
		ok = true
	}
	extentMap.Unlock()
	return
}

// NumExtents returns the number of extents in the map.
func (extentMap *ExtentMapStruct) NumExtents() (numExtents int) {
	extentMap.Lock()
	numExtents = extentMap.extentTree.Len()
	extentMap.Unlock()
	return
}

// SubmitCount returns how many ioends were pushed through SubmitIoend().
func (extentMap *ExtentMapStruct) SubmitCount() (submitCount uint64) {
	extentMap.Lock()
	submitCount = extentMap.submitCount
	extentMap.Unlock()
	return
}

// DiscardedPages returns how many pages writeback asked to discard.
func (extentMap *ExtentMapStruct) DiscardedPages() (discardedPages uint64) {
	extentMap.Lock()
	discardedPages = extentMap.discardedPages
	extentMap.Unlock()
	return
}

// SetSubmitErrorOnce arms the submission hook to fail the next clean ioend.
func (extentMap *ExtentMapStruct) SetSubmitErrorOnce(err error) {
	extentMap.Lock()
	extentMap.submitErrOnce = err
	extentMap.Unlock()
}

// FailMapAt arms MapBlocks() to fail for the block containing offset; a nil
// err disarms it.
func (extentMap *ExtentMapStruct) FailMapAt(offset uint64, err error) {
	extentMap.Lock()
	if nil == err {
		delete(extentMap.failMapAt, offset/extentMap.blockSize)
	} else {
		extentMap.failMapAt[offset/extentMap.blockSize] = err
	}
	extentMap.Unlock()
}

// FailWritebackAt arms MapWritebackBlocks() to fail for the block containing
// offset; a nil err disarms it.
func (extentMap *ExtentMapStruct) FailWritebackAt(offset uint64, err error) {
	extentMap.Lock()
	if nil == err {
		delete(extentMap.failWritebackAt, offset/extentMap.blockSize)
	} else {
		extentMap.failWritebackAt[offset/extentMap.blockSize] = err
	}
	extentMap.Unlock()
}

// logDump writes the extent map to the log, one extent per line. Debug aid.
func (extentMap *ExtentMapStruct) logDump() {
	extentMap.Lock()
	extentMap.extentTree.Ascend(func(treeItem btree.Item) bool {
		item := treeItem.(*extentItem)
		logger.Infof("inode 0x%016X: [0x%016X, 0x%016X) %v flags 0x%02X @ 0x%016X",
			extentMap.fileInodeNumber, item.fileOffset, item.end(), item.extentType, item.flags, item.deviceAddr)
		return true
	})
	extentMap.Unlock()
}
