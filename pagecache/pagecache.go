// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"fmt"
	"sync/atomic"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/iomap/logger"
)

// setFlag() sets flag in page.flags and returns whether it was already set.
func (page *PageStruct) setFlag(flag uint32) (alreadySet bool) {
	var oldFlags uint32

	for {
		oldFlags = atomic.LoadUint32(&page.flags)
		if 0 != (oldFlags & flag) {
			alreadySet = true
			return
		}
		if atomic.CompareAndSwapUint32(&page.flags, oldFlags, oldFlags|flag) {
			alreadySet = false
			return
		}
	}
}

// clearFlag() clears flag in page.flags and returns whether it was set.
func (page *PageStruct) clearFlag(flag uint32) (wasSet bool) {
	var oldFlags uint32

	for {
		oldFlags = atomic.LoadUint32(&page.flags)
		if 0 == (oldFlags & flag) {
			wasSet = false
			return
		}
		if atomic.CompareAndSwapUint32(&page.flags, oldFlags, oldFlags&^flag) {
			wasSet = true
			return
		}
	}
}

func (page *PageStruct) testFlag(flag uint32) (isSet bool) {
	return 0 != (atomic.LoadUint32(&page.flags) & flag)
}

// discardLockedPage() unhooks page from file and strips it down. The caller
// holds the page lock and drops it afterward; the discarded flag tells any
// goroutine that was waiting on the lock that the page is dead.
func (file *FileStruct) discardLockedPage(page *PageStruct) {
	var (
		err      error
		releaser func(page *PageStruct)
		treeOk   bool
	)

	if page.testFlag(pageFlagWriteback) {
		err = fmt.Errorf("page 0x%016X of inode 0x%016X is under writeback", page.Index, file.InodeNumber)
		logger.PanicfWithError(err, "attempt to discard a page with writeback in flight")
	}

	page.CancelDirty()

	file.Lock()
	treeOk, err = file.pageTree.DeleteByKey(page.Index)
	if nil != err {
		logger.PanicfWithError(err, "pageTree.DeleteByKey(0x%016X) failed for inode 0x%016X",
			page.Index, file.InodeNumber)
	}
	if !treeOk {
		err = fmt.Errorf("page 0x%016X of inode 0x%016X is not in the page tree", page.Index, file.InodeNumber)
		logger.PanicfWithError(err, "attempt to discard an unhooked page")
	}
	file.Unlock()

	if nil != page.Private {
		globals.Lock()
		releaser = globals.privateReleaser
		globals.Unlock()
		if nil != releaser {
			releaser(page)
		}
		page.Private = nil
	}

	page.Buf = nil
	page.refCntBuf.Release()
	page.refCntBuf = nil

	_ = page.setFlag(pageFlagDiscarded)
	_ = page.clearFlag(pageFlagUptodate)
}

// DumpKey formats the Key (a page index) for FileStruct.pageTree
func (file *FileStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	var (
		keyAsU64 uint64
		ok       bool
	)

	keyAsU64, ok = key.(uint64)
	if ok {
		keyAsString = fmt.Sprintf("0x%016X", keyAsU64)
	} else {
		err = fmt.Errorf("Failure of *FileStruct.DumpKey(%v)", key)
	}

	return
}

// DumpValue formats the Value (a *PageStruct) for FileStruct.pageTree
func (file *FileStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	var (
		ok           bool
		valueAsPagep *PageStruct
	)

	valueAsPagep, ok = value.(*PageStruct)
	if ok {
		valueAsString = fmt.Sprintf("{pageIndex:0x%016X,flags:0x%02X}",
			valueAsPagep.Index, atomic.LoadUint32(&valueAsPagep.flags))
	} else {
		err = fmt.Errorf("Failure of *FileStruct.DumpValue(%v)", value)
	}

	return
}
