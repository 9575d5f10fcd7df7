// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomap

import (
	"context"
	"fmt"

	"github.com/NVIDIA/iomap/blunder"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/pagecache"
	"github.com/NVIDIA/iomap/stats"
)

// readPageSync reads [offsetInPage, offsetInPage+length) of the page from
// the device and waits for it. Uptodate bookkeeping stays with the caller.
func readPageSync(page *pagecache.PageStruct, pos uint64, offsetInPage uint64, length uint64, extent *Extent) (err error) {
	var (
		bio *Bio
	)

	bio = allocBio(extent.Device, extent.Addr+(pos-extent.Offset), BioOpRead, nil)
	bio.appendVec(page, offsetInPage, length)
	err = submitBioWait(bio)
	return
}

// writeBeginFill is the read-modify-write guard: every not-yet-valid block
// that [pos, pos+length) only partially covers must hold real data before
// the copy lands, either zeroed in place (when the mapper says the range
// reads as zeros) or read from the device. Blocks the write fully covers are
// left alone; writeEnd() marks them uptodate wholesale. An unshare fill has
// no incoming bytes at all, so it reads every stale block it spans, and a
// block that reads as zeros under unshare means the mapper handed back
// something other than the real shared data.
func writeBeginFill(file *pagecache.FileStruct, page *pagecache.PageStruct, pos uint64, length uint64, extent *Extent, unshare bool) (err error) {
	var (
		blockEnd       uint64
		blockSize      uint64
		blockStart     uint64
		from           uint64
		lengthAdjusted uint64
		offsetInPage   uint64
		pageState      *pageStateStruct
		posAdjusted    uint64
		to             uint64
		zeroFrom       uint64
		zeroTo         uint64
	)

	pageState = pageStateCreate(file, page)
	if page.IsUptodate() {
		err = nil
		return
	}

	blockSize = file.BlockSize
	blockStart = pos &^ (blockSize - 1)
	blockEnd = (pos + length + blockSize - 1) &^ (blockSize - 1)
	from = pos & (globals.pageSize - 1)
	to = from + length

	for blockStart < blockEnd {
		posAdjusted, lengthAdjusted = adjustReadRange(file, pageState, blockStart, blockEnd-blockStart)
		if 0 == lengthAdjusted {
			break
		}
		offsetInPage = posAdjusted & (globals.pageSize - 1)

		if unshare ||
			((from > offsetInPage) && (from < offsetInPage+lengthAdjusted)) ||
			((to > offsetInPage) && (to < offsetInPage+lengthAdjusted)) {
			if blockNeedsZeroing(file, extent, posAdjusted) {
				if unshare {
					logger.Errorf("iomap.writeBeginFill(): unshare of inode 0x%016X found nothing to copy at offset 0x%016X",
						file.InodeNumber, posAdjusted)
					err = blunder.NewError(blunder.IOError,
						"unshare of inode 0x%016X maps no data at offset 0x%016X", file.InodeNumber, posAdjusted)
					return
				}
				zeroTo = from
				if zeroTo > offsetInPage+lengthAdjusted {
					zeroTo = offsetInPage + lengthAdjusted
				}
				if zeroTo > offsetInPage {
					zeroBuf(page.Buf[offsetInPage:zeroTo])
				}
				zeroFrom = to
				if zeroFrom < offsetInPage {
					zeroFrom = offsetInPage
				}
				if zeroFrom < offsetInPage+lengthAdjusted {
					zeroBuf(page.Buf[zeroFrom : offsetInPage+lengthAdjusted])
				}
				setRangeUptodate(page, offsetInPage, lengthAdjusted)
			} else {
				err = readPageSync(page, posAdjusted, offsetInPage, lengthAdjusted, extent)
				if nil != err {
					return
				}
			}
		}

		blockStart = posAdjusted + lengthAdjusted
	}

	err = nil
	return
}

// writeBegin pins the page covering pos and prepares it for an in-place
// write of length bytes under extent, returning it locked. On error the
// page is unlocked and anything the failed write exposed beyond end of file
// is cleaned up.
func writeBegin(ctx context.Context, file *pagecache.FileStruct, pos uint64, length uint64, extent *Extent, unshare bool) (page *pagecache.PageStruct, err error) {
	if nil != ctx.Err() {
		err = blunder.NewError(blunder.InterruptedError,
			"write to inode 0x%016X interrupted at offset 0x%016X", file.InodeNumber, pos)
		return
	}

	page = file.FindOrCreatePage(pos / globals.pageSize)

	if ExtentTypeInline == extent.Type {
		err = readInlineData(file, page, extent)
	} else {
		err = writeBeginFill(file, page, pos, length, extent, unshare)
	}
	if nil != err {
		page.Unlock()
		writeFailed(file, pos, length)
		page = nil
		return
	}

	err = nil
	return
}

// writeEndSimple refuses a short copy into a stale page (committing it would
// commit the garbage around the copied bytes; the caller shortens and
// retries instead) and otherwise marks the written blocks uptodate and the
// page dirty.
func writeEndSimple(page *pagecache.PageStruct, pos uint64, length uint64, copied uint64) (committed uint64) {
	if (copied < length) && !page.IsUptodate() {
		committed = 0
		return
	}
	setRangeUptodate(page, pos&(globals.pageSize-1), length)
	page.MarkDirty()
	committed = copied
	return
}

// writeEndInline commits the copied bytes straight back into the extent's
// inline payload. The page stays clean: the payload is the durable copy, so
// there is nothing for writeback to do.
func writeEndInline(file *pagecache.FileStruct, page *pagecache.PageStruct, pos uint64, copied uint64, extent *Extent) (committed uint64) {
	var (
		panicErr error
	)

	if !page.IsUptodate() {
		logger.Errorf("iomap.writeEndInline(): inline page of inode 0x%016X not uptodate at write end",
			file.InodeNumber)
	}
	if pos+copied > uint64(cap(extent.InlineData)) {
		panicErr = fmt.Errorf("inline write to inode 0x%016X ends at 0x%X past inline capacity 0x%X",
			file.InodeNumber, pos+copied, cap(extent.InlineData))
		logger.PanicfWithError(panicErr, "iomap.writeEndInline(): write beyond inline data")
	}

	if pos+copied > uint64(len(extent.InlineData)) {
		extent.InlineData = extent.InlineData[:pos+copied]
	}
	copy(extent.InlineData[pos:pos+copied], page.Buf[pos:pos+copied])

	committed = copied
	return
}

// writeEnd commits copied of the length bytes staged at pos in the locked
// page, grows the file size if the write extended it, and unlocks the page.
// Committing less than length cleans up the range the write prepared but
// never filled.
func writeEnd(file *pagecache.FileStruct, pos uint64, length uint64, copied uint64, page *pagecache.PageStruct, extent *Extent) (committed uint64) {
	var (
		oldSize uint64
	)

	oldSize = file.Size()

	if ExtentTypeInline == extent.Type {
		committed = writeEndInline(file, page, pos, copied, extent)
	} else {
		committed = writeEndSimple(page, pos, length, copied)
	}

	if (0 < committed) && (pos+committed > oldSize) {
		file.SetSize(pos + committed)
		extent.Flags |= ExtentFlagSizeChanged
	}

	page.Unlock()

	if committed < length {
		writeFailed(file, pos, length)
	}
	return
}

// writeFailed scrubs whatever a failed write may have left in the page cache
// beyond end of file, so a later extension cannot resurrect it: partial
// pages at the edges are zeroed in place and whole pages in between are
// dropped.
func writeFailed(file *pagecache.FileStruct, pos uint64, length uint64) {
	var (
		end           uint64
		firstFullPage uint64
		fragEnd       uint64
		fragStart     uint64
		lastFullPage  uint64
		ok            bool
		page          *pagecache.PageStruct
		start         uint64
	)

	end = pos + length
	start = file.Size()
	if pos > start {
		start = pos
	}
	if start >= end {
		return
	}

	firstFullPage = start / globals.pageSize
	lastFullPage = (end - 1) / globals.pageSize

	if 0 != (start & (globals.pageSize - 1)) {
		page, ok = file.FindPage(start / globals.pageSize)
		if ok {
			fragStart = start & (globals.pageSize - 1)
			fragEnd = globals.pageSize
			if (end-1)/globals.pageSize == start/globals.pageSize {
				fragEnd = ((end - 1) & (globals.pageSize - 1)) + 1
			}
			zeroBuf(page.Buf[fragStart:fragEnd])
			page.Unlock()
		}
		if (end-1)/globals.pageSize == start/globals.pageSize {
			return
		}
		firstFullPage++
	}

	if 0 != (end & (globals.pageSize - 1)) {
		page, ok = file.FindPage((end - 1) / globals.pageSize)
		if ok {
			zeroBuf(page.Buf[:end&(globals.pageSize-1)])
			page.Unlock()
		}
		if 0 == lastFullPage {
			return
		}
		lastFullPage--
	}

	if firstFullPage <= lastFullPage {
		file.DiscardPageRange(firstFullPage, lastFullPage-firstFullPage+1)
	}
}

// writeActor copies bytes from source into pages across [pos, pos+length),
// one page per iteration. A short copy commits nothing on a stale page; the
// iteration then retries clamped to the source's current segment, so forward
// progress needs no more than one readable segment at a time.
func writeActor(ctx context.Context, file *pagecache.FileStruct, pos uint64, length uint64, extent *Extent, source WriteSource) (processed uint64, err error) {
	var (
		bytesThisCopy uint64
		committed     uint64
		copied        uint64
		offsetInPage  uint64
		page          *pagecache.PageStruct
		retried       bool
	)

	for {
		offsetInPage = pos & (globals.pageSize - 1)
		bytesThisCopy = globals.pageSize - offsetInPage
		if bytesThisCopy > length {
			bytesThisCopy = length
		}
		if bytesThisCopy > source.Count() {
			bytesThisCopy = source.Count()
		}

		retried = false
		for {
			if 0 == bytesThisCopy {
				err = blunder.NewError(blunder.ShortCopyError,
					"write source delivered no bytes at offset 0x%016X of inode 0x%016X", pos, file.InodeNumber)
				return
			}

			page, err = writeBegin(ctx, file, pos, bytesThisCopy, extent, false)
			if nil != err {
				return
			}

			copied = source.CopyIn(page.Buf[offsetInPage : offsetInPage+bytesThisCopy])
			committed = writeEnd(file, pos, bytesThisCopy, copied, page, extent)
			source.Advance(committed)

			if 0 < committed {
				break
			}
			if retried {
				err = blunder.NewError(blunder.ShortCopyError,
					"write source stalled at offset 0x%016X of inode 0x%016X", pos, file.InodeNumber)
				return
			}
			retried = true
			bytesThisCopy = globals.pageSize - offsetInPage
			if bytesThisCopy > length {
				bytesThisCopy = length
			}
			if bytesThisCopy > source.SingleSegmentCount() {
				bytesThisCopy = source.SingleSegmentCount()
			}
		}

		pos += committed
		processed += committed
		length -= committed

		pagecache.BalanceDirtyPagesRatelimited(file)

		if (0 == length) || (0 == source.Count()) {
			break
		}
	}

	err = nil
	return
}

// WriteFrom copies source into file at pos through the page cache, dirtying
// pages for a later writeback pass. It returns the bytes written, which on
// error is how far the write got before failing.
func WriteFrom(ctx context.Context, file *pagecache.FileStruct, pos uint64, source WriteSource, mapper Mapper) (written uint64, err error) {
	var (
		appended    uint64
		oldSize     uint64
		overwritten uint64
	)

	oldSize = file.Size()

	written, err = applyRange(file, pos, source.Count(), MapFlagWrite, mapper,
		func(actorFile *pagecache.FileStruct, actorPos uint64, actorLength uint64, extent *Extent) (processed uint64, actorErr error) {
			processed, actorErr = writeActor(ctx, actorFile, actorPos, actorLength, extent, source)
			return
		})

	if 0 < written {
		if pos+written > oldSize {
			if pos >= oldSize {
				appended = written
			} else {
				appended = (pos + written) - oldSize
			}
		}
		overwritten = written - appended
		stats.IncrementOperationsBucketedBytesAndAppendedOverwritten(stats.FileWrite, written, appended, overwritten)
	}
	return
}

// Write copies buf into file at pos through the page cache.
func Write(ctx context.Context, file *pagecache.FileStruct, pos uint64, buf []byte, mapper Mapper) (written uint64, err error) {
	written, err = WriteFrom(ctx, file, pos, NewSliceWriteSource(buf), mapper)
	return
}

// dirtyRangeActor rewrites one extent's worth of shared blocks in place.
// Ranges that do not need unsharing pass through untouched.
func dirtyRangeActor(ctx context.Context, file *pagecache.FileStruct, pos uint64, length uint64, extent *Extent) (processed uint64, err error) {
	var (
		bytesThisPage uint64
		committed     uint64
		page          *pagecache.PageStruct
	)

	if (ExtentTypeHole == extent.Type) || (ExtentTypeUnwritten == extent.Type) || (0 == extent.Flags&ExtentFlagShared) {
		processed = length
		err = nil
		return
	}

	for 0 < length {
		bytesThisPage = globals.pageSize - (pos & (globals.pageSize - 1))
		if bytesThisPage > length {
			bytesThisPage = length
		}

		page, err = writeBegin(ctx, file, pos, bytesThisPage, extent, true)
		if nil != err {
			return
		}
		committed = writeEnd(file, pos, bytesThisPage, bytesThisPage, page, extent)
		if 0 == committed {
			logger.Errorf("iomap.dirtyRangeActor(): commit of 0x%X bytes at offset 0x%016X of inode 0x%016X came back empty",
				bytesThisPage, pos, file.InodeNumber)
			err = blunder.NewError(blunder.IOError,
				"unshare of inode 0x%016X stalled at offset 0x%016X", file.InodeNumber, pos)
			return
		}

		pos += committed
		processed += committed
		length -= committed

		pagecache.BalanceDirtyPagesRatelimited(file)
	}

	err = nil
	return
}

// DirtyRange re-dirties every shared block of [pos, pos+length) so the next
// writeback moves it to its own blocks, breaking reflink sharing. Holes,
// unwritten extents, and blocks not shared need no help and are skipped.
func DirtyRange(ctx context.Context, file *pagecache.FileStruct, pos uint64, length uint64, mapper Mapper) (err error) {
	_, err = applyRange(file, pos, length, MapFlagWrite, mapper,
		func(actorFile *pagecache.FileStruct, actorPos uint64, actorLength uint64, extent *Extent) (processed uint64, actorErr error) {
			processed, actorErr = dirtyRangeActor(ctx, actorFile, actorPos, actorLength, extent)
			return
		})
	return
}

// PageMkwrite prepares a page for writable mapped access after a write
// fault: the page's blocks get mapped (allocating where the mapper must) and
// the page goes dirty, so writeback knows to push it even though no write()
// will ever pass this way. The page comes back locked on success, letting
// the fault handler finish before writeback could race with it.
func PageMkwrite(file *pagecache.FileStruct, page *pagecache.PageStruct, mapper Mapper) (err error) {
	var (
		length    uint64
		pageStart uint64
	)

	page.Lock()

	stats.IncrementOperations(&stats.PageMkwriteOps)

	pageStart = page.Index * globals.pageSize
	if pageStart >= file.Size() {
		page.Unlock()
		err = blunder.NewError(blunder.ShortCopyError,
			"write fault beyond end of inode 0x%016X at page index 0x%016X", file.InodeNumber, page.Index)
		return
	}
	length = file.Size() - pageStart
	if length > globals.pageSize {
		length = globals.pageSize
	}

	_, err = applyRange(file, pageStart, length, MapFlagWrite, mapper,
		func(actorFile *pagecache.FileStruct, actorPos uint64, actorLength uint64, extent *Extent) (processed uint64, actorErr error) {
			if !page.IsUptodate() {
				logger.Errorf("iomap.PageMkwrite(): page index 0x%016X of inode 0x%016X faulted writable while not uptodate",
					page.Index, actorFile.InodeNumber)
			}
			pageStateCreate(actorFile, page)
			page.MarkDirty()
			processed = actorLength
			actorErr = nil
			return
		})
	if nil != err {
		page.Unlock()
		return
	}

	err = nil
	return
}
