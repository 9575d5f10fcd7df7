// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomap

import (
	"sync/atomic"

	"github.com/NVIDIA/iomap/blunder"
	"github.com/NVIDIA/iomap/halter"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/pagecache"
	"github.com/NVIDIA/iomap/stats"
)

// readContext carries the bio under construction and the page being filled
// across the actor calls of one read pass.
type readContext struct {
	bio          *Bio
	curPage      *pagecache.PageStruct
	curPageInBio bool
	pages        []*pagecache.PageStruct
}

// zeroBuf zeroes buf in place.
func zeroBuf(buf []byte) {
	var (
		i int
	)

	for i = range buf {
		buf[i] = 0
	}
}

// blockNeedsZeroing answers whether a read of pos resolves to zeros without
// touching the device: holes, delalloc and unwritten blocks, freshly
// allocated blocks, and anything at or past end of file.
func blockNeedsZeroing(file *pagecache.FileStruct, extent *Extent, pos uint64) (needsZeroing bool) {
	return (ExtentTypeMapped != extent.Type) ||
		(0 != extent.Flags&ExtentFlagNew) ||
		(pos >= file.Size())
}

// readInlineData fills the page from the extent's inline payload. Inline
// data lives only in a file's first page.
func readInlineData(file *pagecache.FileStruct, page *pagecache.PageStruct, extent *Extent) (err error) {
	var (
		copied int
	)

	if 0 != page.Index {
		logger.Errorf("iomap.readInlineData(): inode 0x%016X maps inline at page index 0x%016X",
			file.InodeNumber, page.Index)
		err = blunder.NewError(blunder.BadExtentError,
			"inline extent beyond the first page of inode 0x%016X", file.InodeNumber)
		return
	}
	if uint64(len(extent.InlineData)) > globals.pageSize {
		logger.Errorf("iomap.readInlineData(): inode 0x%016X carries 0x%X inline bytes, more than a page",
			file.InodeNumber, len(extent.InlineData))
		err = blunder.NewError(blunder.BadExtentError,
			"inline data of inode 0x%016X exceeds the page size", file.InodeNumber)
		return
	}
	if page.IsUptodate() {
		err = nil
		return
	}

	copied = copy(page.Buf, extent.InlineData)
	zeroBuf(page.Buf[copied:])
	setRangeUptodate(page, 0, globals.pageSize)

	err = nil
	return
}

// submitReadBio hands a read bio to its device, bracketed by halter trigger
// points for fault injection.
func submitReadBio(bio *Bio) {
	halter.Trigger(halter.IOMapSubmitReadBioEntry)
	bio.Device.SubmitBio(bio)
	halter.Trigger(halter.IOMapSubmitReadBioExit)
}

// readBioComplete is the endio of asynchronous read bios. Each vec's blocks
// go uptodate, or the page is marked failed, and the last completion against
// a page unlocks it.
func readBioComplete(bio *Bio, bioErr error) {
	var (
		i         int
		page      *pagecache.PageStruct
		pageState *pageStateStruct
		vec       *bioVec
	)

	for i = range bio.vecs {
		vec = &bio.vecs[i]
		page = vec.page
		if nil != bioErr {
			page.ClearUptodate()
			page.SetError()
		} else {
			setRangeUptodate(page, vec.pageOffset, vec.length)
		}
		pageState = pageStateOf(page)
		if (nil == pageState) || (0 == atomic.AddUint64(&pageState.readCount, ^uint64(0))) {
			page.Unlock()
		}
	}

	releaseBio(bio)
}

// readPageActor fills ctx.curPage from extent over [pos, pos+length), either
// by zeroing in place or by queueing device blocks on the pass's bio.
func (ctx *readContext) readPageActor(file *pagecache.FileStruct, pos uint64, length uint64, extent *Extent) (processed uint64, err error) {
	var (
		lengthAdjusted uint64
		offsetInPage   uint64
		page           *pagecache.PageStruct
		pageState      *pageStateStruct
		posAdjusted    uint64
		sector         uint64
	)

	page = ctx.curPage

	if ExtentTypeInline == extent.Type {
		err = readInlineData(file, page, extent)
		if nil != err {
			return
		}
		processed = length
		return
	}

	pageState = pageStateCreate(file, page)
	posAdjusted, lengthAdjusted = adjustReadRange(file, pageState, pos, length)
	if 0 == lengthAdjusted {
		processed = length
		err = nil
		return
	}
	offsetInPage = posAdjusted & (globals.pageSize - 1)

	if blockNeedsZeroing(file, extent, posAdjusted) {
		zeroBuf(page.Buf[offsetInPage : offsetInPage+lengthAdjusted])
		setRangeUptodate(page, offsetInPage, lengthAdjusted)
		processed = (posAdjusted - pos) + lengthAdjusted
		err = nil
		return
	}

	ctx.curPageInBio = true
	sector = extent.Addr + (posAdjusted - extent.Offset)

	if (nil != ctx.bio) && (ctx.bio.deviceEnd() == sector) && (ctx.bio.Device == extent.Device) {
		if ctx.bio.tryExtendVec(page, offsetInPage, lengthAdjusted) {
			processed = (posAdjusted - pos) + lengthAdjusted
			err = nil
			return
		}
	}

	// the count must be up before any bio carrying this page can possibly
	// complete, or the completion would unlock the page under us
	if nil != pageState {
		atomic.AddUint64(&pageState.readCount, 1)
	}

	if (nil == ctx.bio) || (ctx.bio.deviceEnd() != sector) || (ctx.bio.Device != extent.Device) || ctx.bio.isFull(lengthAdjusted) {
		if nil != ctx.bio {
			submitReadBio(ctx.bio)
		}
		ctx.bio = allocBio(extent.Device, sector, BioOpRead, readBioComplete)
	}
	ctx.bio.appendVec(page, offsetInPage, lengthAdjusted)

	processed = (posAdjusted - pos) + lengthAdjusted
	err = nil
	return
}

// ReadPage fills one locked page of file with valid data, resolving extents
// through mapper. Blocks already uptodate are never re-read. The page is
// unlocked when the fill completes: synchronously when no device I/O was
// needed, from the device's completion otherwise. A failed fill marks the
// page failed before unlocking it.
func ReadPage(file *pagecache.FileStruct, page *pagecache.PageStruct, mapper Mapper) (err error) {
	var (
		ctx readContext
		pos uint64
	)

	ctx.curPage = page
	pos = page.Index * globals.pageSize

	_, err = applyRange(file, pos, globals.pageSize, 0, mapper, ctx.readPageActor)
	if nil != err {
		page.SetError()
	}

	if nil != ctx.bio {
		submitReadBio(ctx.bio)
	} else if !ctx.curPageInBio {
		page.Unlock()
	}

	stats.IncrementOperationsAndBucketedBytes(stats.PageRead, globals.pageSize)
	return
}

// nextPage pops the next batch page that still needs filling and lies below
// windowEnd, counting pages skipped as already uptodate against *done.
func (ctx *readContext) nextPage(windowEnd uint64, done *uint64) (page *pagecache.PageStruct) {
	var (
		candidate *pagecache.PageStruct
	)

	for 0 < len(ctx.pages) {
		candidate = ctx.pages[0]
		if candidate.Index*globals.pageSize >= windowEnd {
			break
		}
		ctx.pages = ctx.pages[1:]
		if candidate.IsUptodate() {
			candidate.Unlock()
			*done += globals.pageSize
			continue
		}
		page = candidate
		return
	}

	page = nil
	return
}

// readPagesActor walks the batch across one extent window, filling each page
// through readPageActor and retiring pages at page boundaries.
func (ctx *readContext) readPagesActor(file *pagecache.FileStruct, pos uint64, length uint64, extent *Extent) (processed uint64, err error) {
	var (
		ret uint64
	)

	for processed < length {
		if (nil != ctx.curPage) && (0 == ((pos+processed)&(globals.pageSize-1))) {
			if !ctx.curPageInBio {
				ctx.curPage.Unlock()
			}
			ctx.curPage = nil
		}
		if nil == ctx.curPage {
			ctx.curPage = ctx.nextPage(pos+length, &processed)
			if nil == ctx.curPage {
				break
			}
			ctx.curPageInBio = false
		}
		ret, err = ctx.readPageActor(file, pos+processed, length-processed, extent)
		processed += ret
		if nil != err {
			return
		}
	}

	err = nil
	return
}

// ReadPages fills a batch of ascending, index-contiguous locked pages of
// file, the readahead path. Pages already fully uptodate are skipped. Each
// page is unlocked as its fill completes; pages an error kept the pass from
// reaching are unlocked unfilled. Readahead is best effort: a failed batch
// marks no pages failed, since a later targeted ReadPage() will report the
// error to whoever actually wants the data.
func ReadPages(file *pagecache.FileStruct, pages []*pagecache.PageStruct, mapper Mapper) (err error) {
	var (
		ctx    readContext
		length uint64
		page   *pagecache.PageStruct
		pos    uint64
	)

	if 0 == len(pages) {
		err = nil
		return
	}

	ctx.pages = pages
	pos = pages[0].Index * globals.pageSize
	length = uint64(len(pages)) * globals.pageSize

	_, err = applyRange(file, pos, length, 0, mapper, ctx.readPagesActor)

	if nil != ctx.bio {
		submitReadBio(ctx.bio)
	}
	if (nil != ctx.curPage) && !ctx.curPageInBio {
		ctx.curPage.Unlock()
	}
	for _, page = range ctx.pages {
		page.Unlock()
	}
	ctx.pages = nil

	stats.IncrementOperationsEntriesAndBytes(stats.PagesRead, uint64(len(pages)), uint64(len(pages))*globals.pageSize)
	return
}

// submitBioWait submits bio and blocks until it completes, returning the
// completion status. This is the synchronous fill under write begin; page
// lock handoff and uptodate bookkeeping stay with the caller.
func submitBioWait(bio *Bio) (err error) {
	var (
		waitChan chan error
	)

	waitChan = make(chan error, 1)
	bio.endio = func(doneBio *Bio, doneErr error) {
		waitChan <- doneErr
	}

	submitReadBio(bio)
	err = <-waitChan

	releaseBio(bio)
	return
}
