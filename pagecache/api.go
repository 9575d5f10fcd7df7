// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package pagecache provides the in-memory page cache consumed by the buffered
// I/O paths. Each cached file owns a tree of fixed-size pages keyed by page
// index. Pages carry the usual flags (uptodate, dirty, writeback, error) plus
// a Private slot for per-page state owned by the I/O layer above.
//
// The page lock is not a sync.Mutex: completion handlers running on device
// goroutines unlock pages that were locked by the submitting goroutine, so
// the lock is a TryLockMutex (a channel of capacity one). Page flags are
// updated with atomic operations because completion handlers may not block.
package pagecache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/iomap/blunder"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/refcntpool"
	"github.com/NVIDIA/iomap/stats"
	"github.com/NVIDIA/iomap/trackedlock"
	"github.com/NVIDIA/iomap/utils"
)

// Page flag bits (held in PageStruct.flags and updated atomically).
const (
	pageFlagUptodate uint32 = 1 << iota
	pageFlagDirty
	pageFlagWriteback
	pageFlagError
	pageFlagDiscarded
)

// FileStruct is the cache's view of one file: its pages, its in-memory size
// (the EOF every I/O path honors), and the bookkeeping needed to drain and
// report writeback. BlockSize is fixed at NewFile() time and never exceeds
// the page size.
//
// The embedded Mutex guards pageTree, size, and writebackErr. Page flags and
// the dirty page counts are updated atomically so that they may be touched
// without it.
type FileStruct struct {
	trackedlock.Mutex
	InodeNumber    uint64
	BlockSize      uint64
	size           uint64
	pageTree       sortedmap.LLRBTree // page index (uint64) -> *PageStruct
	dirtyPages     uint64
	writebackDrain *utils.MultiWaiterWaitGroup
	writebackErr   error
}

// PageStruct is one cached page. Index is the page's index within the file
// (byte offset / PageSize()). Buf is the page's PageSize() bytes of content;
// its validity is governed by the uptodate flag (and, for files whose
// BlockSize is smaller than the page, by whatever state the owner hangs off
// Private). Private belongs entirely to the layer above; the registered
// private releaser is called when a page carrying one is discarded.
type PageStruct struct {
	Index     uint64
	Buf       []byte
	Private   interface{}
	file      *FileStruct
	lock      *utils.TryLockMutex
	refCntBuf *refcntpool.RefCntBuf
	flags     uint32 // atomic; see the pageFlag constants
}

// PageSize() returns the page size every FileStruct is carved into.
func PageSize() (pageSize uint64) {
	return globals.pageSize
}

// NewFile() creates the cache state for a file. blockSize is the file
// system's block size, which must be a power of two in (0, PageSize()].
func NewFile(inodeNumber uint64, blockSize uint64) (file *FileStruct, err error) {
	if (0 == blockSize) || (globals.pageSize < blockSize) || (0 != blockSize&(blockSize-1)) {
		err = blunder.NewError(blunder.InvalidArgError,
			"NewFile(): blockSize 0x%X must be a power of two in (0, 0x%X]", blockSize, globals.pageSize)
		return
	}

	file = &FileStruct{
		InodeNumber:    inodeNumber,
		BlockSize:      blockSize,
		size:           0,
		writebackDrain: utils.FetchMultiWaiterWaitGroup(),
		writebackErr:   nil,
	}
	file.pageTree = sortedmap.NewLLRBTree(sortedmap.CompareUint64, file)

	err = nil
	return
}

// DirtyPageCount() returns the number of dirty pages across all files.
func DirtyPageCount() (dirtyPageCount uint64) {
	return atomic.LoadUint64(&globals.dirtyPageCount)
}

// SetFlusherNudge() registers the callback used to wake the writeback daemon
// when dirty pages accumulate. Registration must happen before traffic.
func SetFlusherNudge(nudge func(file *FileStruct)) {
	globals.Lock()
	globals.flusherNudge = nudge
	globals.Unlock()
}

// SetPrivateReleaser() registers the callback invoked on a page being
// discarded while still carrying a Private. Registration must happen before
// traffic.
func SetPrivateReleaser(releaser func(page *PageStruct)) {
	globals.Lock()
	globals.privateReleaser = releaser
	globals.Unlock()
}

// BalanceDirtyPagesRatelimited() is called by writers after dirtying pages.
// Every [PageCache]RatelimitPages calls it checks the global dirty page count
// against [PageCache]DirtyPageLimit and, when over, nudges the flusher with
// the file doing the dirtying. It never blocks the writer.
func BalanceDirtyPagesRatelimited(file *FileStruct) {
	var (
		calls uint64
		nudge func(file *FileStruct)
	)

	calls = atomic.AddUint64(&globals.ratelimitCalls, 1)
	if 0 != (calls % globals.ratelimitPages) {
		return
	}
	if atomic.LoadUint64(&globals.dirtyPageCount) <= globals.dirtyPageLimit {
		return
	}

	globals.Lock()
	nudge = globals.flusherNudge
	globals.Unlock()

	if nil != nudge {
		nudge(file)
	}
}

// FindPage() returns the page at pageIndex locked, or ok == false if the file
// has no page there.
func (file *FileStruct) FindPage(pageIndex uint64) (page *PageStruct, ok bool) {
	var (
		err          error
		pageAsValue  sortedmap.Value
		treeHasMatch bool
	)

	for {
		file.Lock()
		pageAsValue, treeHasMatch, err = file.pageTree.GetByKey(pageIndex)
		if nil != err {
			logger.PanicfWithError(err, "pageTree.GetByKey(0x%016X) failed for inode 0x%016X",
				pageIndex, file.InodeNumber)
		}
		file.Unlock()

		if !treeHasMatch {
			page = nil
			ok = false
			return
		}

		page = pageAsValue.(*PageStruct)
		page.Lock()
		if !page.testFlag(pageFlagDiscarded) {
			ok = true
			return
		}

		// the page was discarded while we waited for its lock; look again
		page.Unlock()
	}
}

// FindOrCreatePage() returns the page at pageIndex locked, creating it if the
// file has no page there. The content of a newly created page is undefined
// until someone marks (parts of) it uptodate.
func (file *FileStruct) FindOrCreatePage(pageIndex uint64) (page *PageStruct) {
	var (
		err          error
		pageAsValue  sortedmap.Value
		treeHasMatch bool
		treeOk       bool
	)

	for {
		file.Lock()
		pageAsValue, treeHasMatch, err = file.pageTree.GetByKey(pageIndex)
		if nil != err {
			logger.PanicfWithError(err, "pageTree.GetByKey(0x%016X) failed for inode 0x%016X",
				pageIndex, file.InodeNumber)
		}

		if !treeHasMatch {
			page = &PageStruct{
				Index:     pageIndex,
				Private:   nil,
				file:      file,
				lock:      utils.NewTryLockMutex(),
				refCntBuf: globals.pageBufPool.Get().(*refcntpool.RefCntBuf),
				flags:     0,
			}
			page.refCntBuf.Buf = page.refCntBuf.Buf[0:globals.pageSize]
			page.Buf = page.refCntBuf.Buf

			// lock the page before anyone else can see it (cannot block)
			page.Lock()

			treeOk, err = file.pageTree.Put(pageIndex, page)
			if nil != err {
				logger.PanicfWithError(err, "pageTree.Put(0x%016X) failed for inode 0x%016X",
					pageIndex, file.InodeNumber)
			}
			if !treeOk {
				err = fmt.Errorf("inode 0x%016X already has a page at 0x%016X", file.InodeNumber, pageIndex)
				logger.PanicfWithError(err, "pageTree.Put() of a page just missing from the tree failed")
			}
			file.Unlock()
			return
		}
		file.Unlock()

		page = pageAsValue.(*PageStruct)
		page.Lock()
		if !page.testFlag(pageFlagDiscarded) {
			return
		}

		page.Unlock()
	}
}

// FindNextDirtyPage() returns the lowest-indexed dirty page with
// Index >= pageIndex, locked, or ok == false if there is none. Writeback
// iterates dirty pages with it.
func (file *FileStruct) FindNextDirtyPage(pageIndex uint64) (page *PageStruct, ok bool) {
	var (
		err          error
		pageAsValue  sortedmap.Value
		searchIndex  uint64
		treeHasMatch bool
		treeIndex    int
	)

	searchIndex = pageIndex
	for {
		file.Lock()
		treeIndex, _, err = file.pageTree.BisectRight(searchIndex)
		if nil != err {
			logger.PanicfWithError(err, "pageTree.BisectRight(0x%016X) failed for inode 0x%016X",
				searchIndex, file.InodeNumber)
		}

		// skip forward over clean pages without locking them
		for {
			_, pageAsValue, treeHasMatch, err = file.pageTree.GetByIndex(treeIndex)
			if nil != err {
				logger.PanicfWithError(err, "pageTree.GetByIndex(%d) failed for inode 0x%016X",
					treeIndex, file.InodeNumber)
			}
			if !treeHasMatch {
				file.Unlock()
				page = nil
				ok = false
				return
			}

			page = pageAsValue.(*PageStruct)
			if page.testFlag(pageFlagDirty) {
				break
			}
			treeIndex++
		}
		file.Unlock()

		page.Lock()
		if !page.testFlag(pageFlagDiscarded) && page.testFlag(pageFlagDirty) {
			ok = true
			return
		}

		// cleaned or discarded before we got its lock; resume after it
		searchIndex = page.Index + 1
		page.Unlock()
	}
}

// NumPages() returns the number of pages the file currently caches.
func (file *FileStruct) NumPages() (numPages uint64) {
	var (
		err     error
		treeLen int
	)

	file.Lock()
	treeLen, err = file.pageTree.Len()
	if nil != err {
		logger.PanicfWithError(err, "pageTree.Len() failed for inode 0x%016X", file.InodeNumber)
	}
	file.Unlock()

	numPages = uint64(treeLen)
	return
}

// DirtyPageCount() returns the number of the file's pages that are dirty.
func (file *FileStruct) DirtyPageCount() (dirtyPageCount uint64) {
	return atomic.LoadUint64(&file.dirtyPages)
}

// Size() returns the file's in-memory size.
func (file *FileStruct) Size() (size uint64) {
	file.Lock()
	size = file.size
	file.Unlock()
	return
}

// SetSize() sets the file's in-memory size unconditionally.
func (file *FileStruct) SetSize(size uint64) {
	file.Lock()
	file.size = size
	file.Unlock()
}

// ExtendSize() grows the file's in-memory size to size if size is beyond the
// current EOF and returns whether it did.
func (file *FileStruct) ExtendSize(size uint64) (extended bool) {
	file.Lock()
	if size > file.size {
		file.size = size
		extended = true
	} else {
		extended = false
	}
	file.Unlock()
	return
}

// DiscardPageRange() drops pageCount pages starting at firstPageIndex from
// the cache: each page present in the range is locked, unhooked from the
// file, stripped of its buffer and Private (via the registered releaser), and
// marked discarded for any goroutine still waiting on its lock. A dirty page
// in the range has its dirtiness canceled; a page under writeback in the
// range is a caller bug (drain writeback first).
//
// The number of pages actually discarded is returned.
func (file *FileStruct) DiscardPageRange(firstPageIndex uint64, pageCount uint64) (discardedPages uint64) {
	var (
		endPageIndex uint64
		err          error
		page         *PageStruct
		pageAsValue  sortedmap.Value
		treeHasMatch bool
		treeIndex    int
	)

	endPageIndex = firstPageIndex + pageCount
	if endPageIndex < firstPageIndex {
		endPageIndex = ^uint64(0)
	}

	discardedPages = 0

	for {
		file.Lock()
		treeIndex, _, err = file.pageTree.BisectRight(firstPageIndex)
		if nil != err {
			logger.PanicfWithError(err, "pageTree.BisectRight(0x%016X) failed for inode 0x%016X",
				firstPageIndex, file.InodeNumber)
		}
		_, pageAsValue, treeHasMatch, err = file.pageTree.GetByIndex(treeIndex)
		if nil != err {
			logger.PanicfWithError(err, "pageTree.GetByIndex(%d) failed for inode 0x%016X",
				treeIndex, file.InodeNumber)
		}
		file.Unlock()

		if !treeHasMatch {
			break
		}
		page = pageAsValue.(*PageStruct)
		if page.Index >= endPageIndex {
			break
		}

		page.Lock()
		if page.testFlag(pageFlagDiscarded) {
			// somebody else discarded it while we waited; move on
			page.Unlock()
			continue
		}

		file.discardLockedPage(page)
		page.Unlock()

		discardedPages++
	}

	if 0 < discardedPages {
		stats.IncrementOperationsBy(&stats.PageDiscardOps, discardedPages)
	}
	return
}

// Purge() discards every page the file caches. Writeback must have drained.
func (file *FileStruct) Purge() (discardedPages uint64) {
	discardedPages = file.DiscardPageRange(0, ^uint64(0))
	return
}

// WaitForWriteback() blocks until none of the file's pages are under
// writeback. With no writeback in flight it returns immediately.
func (file *FileStruct) WaitForWriteback() {
	file.writebackDrain.Wait()
}

// RecordWritebackError() records err against the file if no writeback error
// is already recorded. The error surfaces on the next TakeWritebackError().
func (file *FileStruct) RecordWritebackError(err error) {
	if nil == err {
		return
	}
	file.Lock()
	if nil == file.writebackErr {
		file.writebackErr = err
	}
	file.Unlock()
}

// TakeWritebackError() returns and clears the file's recorded writeback
// error, if any.
func (file *FileStruct) TakeWritebackError() (err error) {
	file.Lock()
	err = file.writebackErr
	file.writebackErr = nil
	file.Unlock()
	return
}

// Lock() acquires the page lock, blocking until it is available.
func (page *PageStruct) Lock() {
	page.lock.Lock()
}

// TryLock() attempts to acquire the page lock, giving up after timeout.
func (page *PageStruct) TryLock(timeout time.Duration) (gotIt bool) {
	gotIt = page.lock.TryLock(timeout)
	return
}

// Unlock() releases the page lock. The caller need not be the goroutine that
// acquired it.
func (page *PageStruct) Unlock() {
	page.lock.Unlock()
}

// IsLocked() returns whether the page lock is held (by anybody). Useful only
// for assertions.
func (page *PageStruct) IsLocked() (isLocked bool) {
	return page.lock.IsLocked()
}

// File() returns the file the page belongs to.
func (page *PageStruct) File() (file *FileStruct) {
	return page.file
}

// HoldBuf() takes an additional hold on the page's backing buffer and returns
// it. Device I/O queued against the page holds the buffer so that its storage
// cannot be recycled out from underneath the transfer; the I/O's completion
// must Release() it.
func (page *PageStruct) HoldBuf() (refCntBuf *refcntpool.RefCntBuf) {
	refCntBuf = page.refCntBuf
	refCntBuf.Hold()
	return
}

// SetUptodate() marks the page's entire content valid.
func (page *PageStruct) SetUptodate() {
	_ = page.setFlag(pageFlagUptodate)
}

// ClearUptodate() marks the page's content invalid (an I/O error landed on
// it, or it is being invalidated).
func (page *PageStruct) ClearUptodate() {
	_ = page.clearFlag(pageFlagUptodate)
}

func (page *PageStruct) IsUptodate() (isUptodate bool) {
	return page.testFlag(pageFlagUptodate)
}

// MarkDirty() marks the page dirty, returning whether this call was the one
// that dirtied it. Newly dirtied pages are added to the file's and the
// global dirty page accounting.
func (page *PageStruct) MarkDirty() (newlyDirty bool) {
	newlyDirty = !page.setFlag(pageFlagDirty)
	if newlyDirty {
		atomic.AddUint64(&page.file.dirtyPages, 1)
		atomic.AddUint64(&globals.dirtyPageCount, 1)
		stats.IncrementOperations(&stats.PageDirtyOps)
	}
	return
}

// ClearDirtyForIO() clears the page's dirty flag because its content is about
// to be queued for writeback, returning whether the page was dirty. The
// not-dirty return handles the race where someone else wrote the page back
// between the caller finding it dirty and locking it.
func (page *PageStruct) ClearDirtyForIO() (wasDirty bool) {
	wasDirty = page.clearFlag(pageFlagDirty)
	if wasDirty {
		atomic.AddUint64(&page.file.dirtyPages, ^uint64(0))
		atomic.AddUint64(&globals.dirtyPageCount, ^uint64(0))
	}
	return
}

// CancelDirty() clears the page's dirty flag without writing anything back
// (invalidation is forgetting the dirty data on purpose).
func (page *PageStruct) CancelDirty() {
	if page.clearFlag(pageFlagDirty) {
		atomic.AddUint64(&page.file.dirtyPages, ^uint64(0))
		atomic.AddUint64(&globals.dirtyPageCount, ^uint64(0))
	}
}

func (page *PageStruct) IsDirty() (isDirty bool) {
	return page.testFlag(pageFlagDirty)
}

// SetWriteback() marks the page under writeback and holds the file's
// writeback drain until EndWriteback(). A page must not be marked twice.
func (page *PageStruct) SetWriteback() {
	if page.setFlag(pageFlagWriteback) {
		err := fmt.Errorf("page 0x%016X of inode 0x%016X is already under writeback",
			page.Index, page.file.InodeNumber)
		logger.PanicfWithError(err, "SetWriteback() called twice without EndWriteback()")
	}
	page.file.writebackDrain.Add(1)
}

// EndWriteback() ends the page's writeback, releasing the file's writeback
// drain. Completion handlers call it; it never blocks.
func (page *PageStruct) EndWriteback() {
	if !page.clearFlag(pageFlagWriteback) {
		err := fmt.Errorf("page 0x%016X of inode 0x%016X is not under writeback",
			page.Index, page.file.InodeNumber)
		logger.PanicfWithError(err, "EndWriteback() called without SetWriteback()")
	}
	page.file.writebackDrain.Done()
}

func (page *PageStruct) IsWriteback() (isWriteback bool) {
	return page.testFlag(pageFlagWriteback)
}

// SetError() records that an I/O error landed on the page.
func (page *PageStruct) SetError() {
	_ = page.setFlag(pageFlagError)
}

func (page *PageStruct) ClearError() {
	_ = page.clearFlag(pageFlagError)
}

func (page *PageStruct) IsError() (isError bool) {
	return page.testFlag(pageFlagError)
}
