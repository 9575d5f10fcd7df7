// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/pagecache"
)

// pageStateStruct is the sub-page state hung off pagecache.PageStruct.Private
// when the file's block size is smaller than the page size. uptodateBits
// holds one bit per block of the page. readCount and writeCount count the
// bio vecs in flight against the page so that exactly the last completion
// unlocks the page or ends its writeback, however the vecs were scattered
// across bios.
type pageStateStruct struct {
	bitLock      sync.Mutex // protects uptodateBits
	uptodateBits []uint64
	readCount    uint64 // atomic
	writeCount   uint64 // atomic
}

// pageStateCreate returns the page's sub-page state, attaching a fresh one if
// none exists yet. Files whose block size equals the page size carry no
// sub-page state and get nil. The caller must hold the page lock.
func pageStateCreate(file *pagecache.FileStruct, page *pagecache.PageStruct) (pageState *pageStateStruct) {
	var (
		blocksPerPage uint64
		i             int
	)

	if file.BlockSize == globals.pageSize {
		return nil
	}
	if nil != page.Private {
		pageState = page.Private.(*pageStateStruct)
		return
	}

	blocksPerPage = globals.pageSize / file.BlockSize
	pageState = &pageStateStruct{
		uptodateBits: make([]uint64, (blocksPerPage+63)/64),
	}
	if page.IsUptodate() {
		for i = range pageState.uptodateBits {
			pageState.uptodateBits[i] = ^uint64(0)
		}
	}
	page.Private = pageState
	return
}

// pageStateOf returns the page's sub-page state or nil.
func pageStateOf(page *pagecache.PageStruct) (pageState *pageStateStruct) {
	if nil == page.Private {
		return nil
	}
	pageState = page.Private.(*pageStateStruct)
	return
}

// pageStateRelease detaches and discards the page's sub-page state. It also
// serves as the page cache's private releaser for discarded pages. I/O still
// in flight against the page is a caller bug.
func pageStateRelease(page *pagecache.PageStruct) {
	var (
		pageState *pageStateStruct
		panicErr  error
	)

	pageState = pageStateOf(page)
	if nil == pageState {
		return
	}
	if (0 != atomic.LoadUint64(&pageState.readCount)) || (0 != atomic.LoadUint64(&pageState.writeCount)) {
		panicErr = fmt.Errorf("page index 0x%016X released with %d reads and %d writes in flight",
			page.Index, atomic.LoadUint64(&pageState.readCount), atomic.LoadUint64(&pageState.writeCount))
		logger.PanicfWithError(panicErr, "iomap.pageStateRelease(): page busy")
	}
	page.Private = nil
}

// blockUptodate answers whether block bit of the page holds valid data.
func (pageState *pageStateStruct) blockUptodate(bit uint64) (uptodate bool) {
	pageState.bitLock.Lock()
	uptodate = 0 != pageState.uptodateBits[bit/64]&(uint64(1)<<(bit%64))
	pageState.bitLock.Unlock()
	return
}

// setRangeUptodate marks the blocks covered by [offsetInPage,
// offsetInPage+length) of the page uptodate and promotes the whole page once
// every block is, unless an I/O error was recorded on the page.
func setRangeUptodate(page *pagecache.PageStruct, offsetInPage uint64, length uint64) {
	var (
		allUptodate   bool
		bit           uint64
		blockSize     uint64
		blocksPerPage uint64
		first         uint64
		last          uint64
		pageState     *pageStateStruct
	)

	if 0 == length {
		return
	}

	pageState = pageStateOf(page)
	if nil == pageState {
		page.SetUptodate()
		return
	}

	blockSize = page.File().BlockSize
	blocksPerPage = globals.pageSize / blockSize
	first = offsetInPage / blockSize
	last = (offsetInPage + length - 1) / blockSize

	allUptodate = true
	pageState.bitLock.Lock()
	for bit = 0; bit < blocksPerPage; bit++ {
		if (bit >= first) && (bit <= last) {
			pageState.uptodateBits[bit/64] |= uint64(1) << (bit % 64)
		} else if 0 == pageState.uptodateBits[bit/64]&(uint64(1)<<(bit%64)) {
			allUptodate = false
		}
	}
	pageState.bitLock.Unlock()

	if allUptodate && !page.IsError() {
		page.SetUptodate()
	}
}

// adjustReadRange narrows a candidate read of [pos, pos+length) within one
// page to the leading run of blocks that actually need device data: blocks
// already uptodate at the front are skipped, the run is cut at the first
// interior uptodate block, and a run crossing end of file is cut at the
// block holding the last valid byte. A lengthAdjusted of zero means the
// whole candidate range is already valid. Later stale runs of the same page
// surface on the caller's next iteration, so no block is ever read twice.
func adjustReadRange(file *pagecache.FileStruct, pageState *pageStateStruct, pos uint64, length uint64) (posAdjusted uint64, lengthAdjusted uint64) {
	var (
		bit          uint64
		blockSize    uint64
		end          uint64
		first        uint64
		isize        uint64
		last         uint64
		offsetInPage uint64
		origPos      uint64
		plen         uint64
	)

	blockSize = file.BlockSize
	origPos = pos
	offsetInPage = pos & (globals.pageSize - 1)
	plen = globals.pageSize - offsetInPage
	if length < plen {
		plen = length
	}
	first = offsetInPage / blockSize
	last = (offsetInPage + plen - 1) / blockSize

	if nil != pageState {
		pageState.bitLock.Lock()
		for bit = first; bit <= last; bit++ {
			if 0 == pageState.uptodateBits[bit/64]&(uint64(1)<<(bit%64)) {
				break
			}
			pos += blockSize
			plen -= blockSize
			first++
		}
		for ; bit <= last; bit++ {
			if 0 != pageState.uptodateBits[bit/64]&(uint64(1)<<(bit%64)) {
				plen -= (last - bit + 1) * blockSize
				last = bit - 1
				break
			}
		}
		pageState.bitLock.Unlock()
	}

	// a range crossing end of file stops at the block holding the last
	// valid byte; the blocks past it read as zeros instead
	isize = file.Size()
	if (origPos <= isize) && (origPos+length > isize) {
		end = ((isize - 1) & (globals.pageSize - 1)) / blockSize
		if (first <= end) && (last > end) {
			plen -= (last - end) * blockSize
		}
	}

	posAdjusted = pos
	lengthAdjusted = plen
	return
}

// IsPartiallyUptodate answers whether every block of the page overlapping
// [offsetInPage, offsetInPage+count) holds valid data, for a page that is
// not uptodate as a whole. A page without sub-page state answers false.
func IsPartiallyUptodate(file *pagecache.FileStruct, page *pagecache.PageStruct, offsetInPage uint64, count uint64) (uptodate bool) {
	var (
		bit       uint64
		first     uint64
		last      uint64
		pageState *pageStateStruct
	)

	pageState = pageStateOf(page)
	if nil == pageState {
		return false
	}
	if count > globals.pageSize-offsetInPage {
		count = globals.pageSize - offsetInPage
	}
	if 0 == count {
		return false
	}

	first = offsetInPage / file.BlockSize
	last = (offsetInPage + count - 1) / file.BlockSize

	uptodate = true
	pageState.bitLock.Lock()
	for bit = first; bit <= last; bit++ {
		if 0 == pageState.uptodateBits[bit/64]&(uint64(1)<<(bit%64)) {
			uptodate = false
			break
		}
	}
	pageState.bitLock.Unlock()
	return
}

// ReleasePage tries to strip the page's sub-page state so the page cache can
// evict it. Dirty pages and pages under writeback refuse.
func ReleasePage(file *pagecache.FileStruct, page *pagecache.PageStruct) (released bool) {
	if page.IsDirty() || page.IsWriteback() {
		released = false
		return
	}
	pageStateRelease(page)
	released = true
	return
}

// InvalidatePage throws away the page's cached contents ahead of a truncate
// of [offsetInPage, offsetInPage+length). Only a whole-page invalidation
// strips the page's state and dirtiness; a partial one leaves the page
// alone, since its remaining blocks still hold live data.
func InvalidatePage(file *pagecache.FileStruct, page *pagecache.PageStruct, offsetInPage uint64, length uint64) {
	if (0 != offsetInPage) || (globals.pageSize != length) {
		return
	}
	if page.IsWriteback() {
		logger.Errorf("iomap.InvalidatePage(): page index 0x%016X of inode 0x%016X invalidated under writeback",
			page.Index, file.InodeNumber)
	}
	page.CancelDirty()
	pageStateRelease(page)
	page.ClearUptodate()
}
