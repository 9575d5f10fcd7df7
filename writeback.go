// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomap

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/NVIDIA/iomap/blunder"
	"github.com/NVIDIA/iomap/halter"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/pagecache"
	"github.com/NVIDIA/iomap/stats"
)

// canAddToIoend answers whether the block at file offset / device sector can
// extend the open ioend: same extent type and shared status, same device,
// and contiguous with the ioend's tail in both file and device space.
func (wpc *WritebackContext) canAddToIoend(offset uint64, sector uint64) (canAdd bool) {
	var (
		bio *Bio
	)

	if (wpc.Extent.Flags & ExtentFlagShared) != (wpc.ioend.Flags & ExtentFlagShared) {
		return false
	}
	if wpc.Extent.Type != wpc.ioend.Type {
		return false
	}
	if offset != wpc.ioend.Offset+wpc.ioend.Size {
		return false
	}
	bio = wpc.ioend.bios[len(wpc.ioend.bios)-1]
	if sector != bio.deviceEnd() {
		return false
	}
	if wpc.Extent.Device != wpc.ioend.device {
		return false
	}

	canAdd = true
	return
}

// chainNewBio closes the ioend's current bio, submits it to the device right
// away, and opens a new bio continuing at sector. Submitting the full bio
// early keeps a long ioend from holding its entire payload open until the
// last block is mapped.
func (wpc *WritebackContext) chainNewBio(sector uint64) (bio *Bio) {
	var (
		prev *Bio
	)

	prev = wpc.ioend.bios[len(wpc.ioend.bios)-1]

	bio = allocBio(wpc.ioend.device, sector, BioOpWrite, writebackBioComplete)
	bio.ioend = wpc.ioend
	atomic.AddUint32(&wpc.ioend.pendingBios, 1)
	wpc.ioend.bios = append(wpc.ioend.bios, bio)
	wpc.ioend.submittedBios++

	prev.Device.SubmitBio(prev)
	return
}

// addToIoend queues one block of the page at file offset on the current
// ioend, parking the open ioend on the submit list and starting a new one
// when the block cannot extend it.
func (wpc *WritebackContext) addToIoend(file *pagecache.FileStruct, page *pagecache.PageStruct, offset uint64, pageState *pageStateStruct) {
	var (
		bio          *Bio
		blockSize    uint64
		offsetInPage uint64
		sector       uint64
	)

	blockSize = file.BlockSize
	offsetInPage = offset & (globals.pageSize - 1)
	sector = wpc.Extent.Addr + (offset - wpc.Extent.Offset)

	if (nil == wpc.ioend) || !wpc.canAddToIoend(offset, sector) {
		if nil != wpc.ioend {
			wpc.submitList = append(wpc.submitList, wpc.ioend)
		}
		wpc.ioend = allocIoend(file, wpc.ops, &wpc.Extent, offset)
		bio = allocBio(wpc.Extent.Device, sector, BioOpWrite, writebackBioComplete)
		bio.ioend = wpc.ioend
		atomic.AddUint32(&wpc.ioend.pendingBios, 1)
		wpc.ioend.bios = append(wpc.ioend.bios, bio)
	}

	bio = wpc.ioend.bios[len(wpc.ioend.bios)-1]
	if !bio.tryExtendVec(page, offsetInPage, blockSize) {
		if bio.isFull(blockSize) {
			bio = wpc.chainNewBio(sector)
		}
		if nil != pageState {
			atomic.AddUint64(&pageState.writeCount, 1)
		}
		bio.appendVec(page, offsetInPage, blockSize)
	}

	wpc.ioend.Size += blockSize
}

// writebackPageMap queues every dirty-and-valid block of the locked page
// below endOffset on the pass's ioend chain, then moves the page into
// writeback state. A page whose scan failed before anything was queued is
// handed to the discard hook and dropped clean; one that failed with blocks
// already queued goes to writeback anyway but stays dirty, so a later pass
// retries the blocks this one never reached.
func (wpc *WritebackContext) writebackPageMap(file *pagecache.FileStruct, page *pagecache.PageStruct, endOffset uint64) (err error) {
	var (
		bit           uint64
		blocksPerPage uint64
		count         uint64
		discarder     PageDiscarder
		fileOffset    uint64
		ok            bool
		pageState     *pageStateStruct
	)

	pageState = pageStateOf(page)
	if (nil != pageState) && (0 != atomic.LoadUint64(&pageState.writeCount)) {
		logger.Errorf("iomap.writebackPageMap(): page index 0x%016X of inode 0x%016X entered writeback with %d writes already in flight",
			page.Index, file.InodeNumber, atomic.LoadUint64(&pageState.writeCount))
	}

	blocksPerPage = globals.pageSize / file.BlockSize

	for bit = 0; bit < blocksPerPage; bit++ {
		fileOffset = page.Index*globals.pageSize + bit*file.BlockSize
		if fileOffset >= endOffset {
			break
		}
		if (nil != pageState) && !pageState.blockUptodate(bit) {
			continue
		}

		wpc.Extent, err = wpc.ops.MapWritebackBlocks(wpc, file.InodeNumber, fileOffset)
		if nil != err {
			break
		}
		if ExtentTypeInline == wpc.Extent.Type {
			logger.Errorf("iomap.writebackPageMap(): inode 0x%016X maps inline at offset 0x%016X during writeback",
				file.InodeNumber, fileOffset)
			err = blunder.NewError(blunder.BadExtentError,
				"inline extent during writeback of inode 0x%016X", file.InodeNumber)
			break
		}
		if ExtentTypeHole == wpc.Extent.Type {
			continue
		}

		wpc.addToIoend(file, page, fileOffset, pageState)
		count++
	}

	if nil != err {
		if 0 == count {
			discarder, ok = wpc.ops.(PageDiscarder)
			if ok {
				discarder.DiscardPage(page)
			}
			stats.IncrementOperations(&stats.PageDiscardOps)
			page.CancelDirty()
			page.ClearUptodate()
			page.Unlock()
		} else {
			page.SetWriteback()
			page.Unlock()
		}
		file.RecordWritebackError(err)
		return
	}

	page.ClearDirtyForIO()
	page.SetWriteback()
	page.Unlock()

	if 0 == count {
		// every block was a hole or raced clean; nothing is in flight
		page.EndWriteback()
	}

	err = nil
	return
}

// writebackDoPage decides how much of the locked page writeback may touch.
// A page wholly beyond end of file stays dirty and untouched (a truncate or
// extension will settle it); the page straddling end of file gets its tail
// past the last valid byte zeroed so stale bytes never reach the device.
func (wpc *WritebackContext) writebackDoPage(file *pagecache.FileStruct, page *pagecache.PageStruct) (err error) {
	var (
		endIndex       uint64
		endOffset      uint64
		offsetIntoPage uint64
		size           uint64
	)

	size = file.Size()
	endIndex = size / globals.pageSize

	if page.Index < endIndex {
		endOffset = (page.Index + 1) * globals.pageSize
	} else {
		offsetIntoPage = size & (globals.pageSize - 1)
		if (page.Index > endIndex) || (0 == offsetIntoPage) {
			page.Unlock()
			err = nil
			return
		}
		zeroBuf(page.Buf[offsetIntoPage:])
		endOffset = size
	}

	err = wpc.writebackPageMap(file, page, endOffset)
	return
}

// writebackBioComplete is the endio of writeback bios. The ioend finishes
// once its last bio and the submitter's seal are both gone.
func writebackBioComplete(bio *Bio, err error) {
	var (
		ioend *Ioend
	)

	bio.err = err
	ioend = bio.ioend
	if 0 == atomic.AddUint32(&ioend.pendingBios, ^uint32(0)) {
		finishIoend(ioend)
	}
}

// finishIoend retires a fully completed ioend: every page sub-range it
// carried leaves writeback, with the first failed bio's error standing for
// the whole ioend and recorded on the file.
func finishIoend(ioend *Ioend) {
	var (
		chainErr  error
		file      *pagecache.FileStruct
		i         int
		j         int
		page      *pagecache.PageStruct
		pageState *pageStateStruct
		vec       *bioVec
	)

	halter.Trigger(halter.IOMapFinishIoendEntry)

	file = ioend.file

	for i = range ioend.bios {
		if nil != ioend.bios[i].err {
			chainErr = ioend.bios[i].err
			break
		}
	}
	if nil != chainErr {
		file.RecordWritebackError(chainErr)
	}

	for i = range ioend.bios {
		for j = range ioend.bios[i].vecs {
			vec = &ioend.bios[i].vecs[j]
			page = vec.page
			if nil != chainErr {
				page.SetError()
			}
			pageState = pageStateOf(page)
			if (nil == pageState) || (0 == atomic.AddUint64(&pageState.writeCount, ^uint64(0))) {
				page.EndWriteback()
			}
		}
	}

	for i = range ioend.bios {
		releaseBio(ioend.bios[i])
	}
	releaseIoend(ioend)

	halter.Trigger(halter.IOMapFinishIoendExit)
}

// submitIoend sends the ioend's not-yet-submitted bios to the device, after
// giving the writeback mapper's submission hook its say. A submission error
// (the hook's, or carried in as priorErr) poisons those bios: they complete
// on the spot with the error instead of reaching the device. The submitter's
// seal count drops here, so a raced-out ioend can finish.
func submitIoend(ioend *Ioend, priorErr error) (err error) {
	var (
		bio       *Bio
		i         int
		ok        bool
		submitter IoendSubmitter
	)

	halter.Trigger(halter.IOMapSubmitIoendEntry)

	err = priorErr
	submitter, ok = ioend.ops.(IoendSubmitter)
	if ok {
		err = submitter.SubmitIoend(ioend, priorErr)
	}

	stats.IncrementOperationsAndBucketedBytes(stats.IoendSubmit, ioend.Size)

	for i = ioend.submittedBios; i < len(ioend.bios); i++ {
		bio = ioend.bios[i]
		if nil != err {
			bio.Complete(err)
		} else {
			ioend.device.SubmitBio(bio)
		}
	}
	ioend.submittedBios = len(ioend.bios)

	if 0 == atomic.AddUint32(&ioend.pendingBios, ^uint32(0)) {
		finishIoend(ioend)
	}

	halter.Trigger(halter.IOMapSubmitIoendExit)
	return
}

// ioendCanMerge answers whether b can fold into a: contiguous in file space,
// same shared status and unwritten-ness, same device, and neither with bios
// already in flight, since a merged pair must succeed or fail as one.
func ioendCanMerge(a *Ioend, b *Ioend) (canMerge bool) {
	if (0 != a.submittedBios) || (0 != b.submittedBios) {
		return false
	}
	if (a.Flags & ExtentFlagShared) != (b.Flags & ExtentFlagShared) {
		return false
	}
	if (ExtentTypeUnwritten == a.Type) != (ExtentTypeUnwritten == b.Type) {
		return false
	}
	if a.Offset+a.Size != b.Offset {
		return false
	}
	if a.device != b.device {
		return false
	}

	canMerge = true
	return
}

// ioendAbsorb folds b's bios into a; b goes back to the pool empty.
func ioendAbsorb(a *Ioend, b *Ioend) {
	var (
		i int
	)

	for i = range b.bios {
		b.bios[i].ioend = a
	}
	a.bios = append(a.bios, b.bios...)
	a.Size += b.Size
	atomic.AddUint32(&a.pendingBios, uint32(len(b.bios)))

	b.bios = b.bios[:0]
	releaseIoend(b)
}

// mergeIoends sorts the pass's ioends by file offset and folds contiguous
// compatible neighbors together, so the submission hook and the completion
// bookkeeping run once per merged run instead of once per fragment.
func mergeIoends(submitList []*Ioend) (merged []*Ioend) {
	var (
		i     int
		ioend *Ioend
		next  *Ioend
	)

	sort.Slice(submitList, func(x int, y int) bool {
		return submitList[x].Offset < submitList[y].Offset
	})

	merged = submitList[:0]
	for i = 0; i < len(submitList); i++ {
		next = submitList[i]
		if (nil != ioend) && ioendCanMerge(ioend, next) {
			ioendAbsorb(ioend, next)
		} else {
			merged = append(merged, next)
			ioend = next
		}
	}
	return
}

// submitAll merges and submits every ioend the pass accumulated. The first
// submission failure poisons the submissions after it; by then the pass is
// torn, and letting later fragments proceed alone could surface a partial
// run as durable.
func (wpc *WritebackContext) submitAll() (err error) {
	var (
		err2       error
		ioend      *Ioend
		numIoends  uint64
		totalBytes uint64
	)

	if nil != wpc.ioend {
		wpc.submitList = append(wpc.submitList, wpc.ioend)
		wpc.ioend = nil
	}
	if 0 == len(wpc.submitList) {
		err = nil
		return
	}

	wpc.submitList = mergeIoends(wpc.submitList)

	for _, ioend = range wpc.submitList {
		numIoends++
		totalBytes += ioend.Size
		err2 = submitIoend(ioend, err)
		if (nil != err2) && (nil == err) {
			err = err2
		}
	}
	wpc.submitList = nil

	stats.IncrementOperationsBucketedEntriesAndBucketedBytes(stats.FileWriteback, numIoends, totalBytes)
	return
}

// WritebackFile scans file's dirty pages from the beginning, queues their
// blocks, and submits the resulting ioends in file offset order. Queued I/O
// is never retracted: a page whose scan failed stays behind, but blocks
// already queued (from it or any other page) still go to the device. The
// returned error is the first scan error, or failing that the first
// submission error; both kinds are also recorded on the file.
func WritebackFile(file *pagecache.FileStruct, ops WritebackOps) (err error) {
	var (
		ok          bool
		page        *pagecache.PageStruct
		scanErr     error
		searchIndex uint64
		submitErr   error
		wpc         WritebackContext
	)

	wpc.ops = ops

	searchIndex = 0
	for {
		page, ok = file.FindNextDirtyPage(searchIndex)
		if !ok {
			break
		}
		searchIndex = page.Index + 1
		if page.IsWriteback() {
			// still dirty from a failed pass but its prior I/O has
			// not drained; leave it for a later pass
			page.Unlock()
			continue
		}
		err = wpc.writebackDoPage(file, page)
		if (nil != err) && (nil == scanErr) {
			scanErr = err
		}
	}

	submitErr = wpc.submitAll()

	if nil != scanErr {
		err = scanErr
	} else {
		err = submitErr
	}
	return
}

// WritebackPage runs the writeback scan for a single locked dirty page and
// submits whatever it queued. The caller keeps no claim on the page: it is
// unlocked on every path.
func WritebackPage(file *pagecache.FileStruct, page *pagecache.PageStruct, ops WritebackOps) (err error) {
	var (
		scanErr   error
		submitErr error
		wpc       WritebackContext
	)

	if page.IsWriteback() {
		page.Unlock()
		err = nil
		return
	}

	wpc.ops = ops
	scanErr = wpc.writebackDoPage(file, page)
	submitErr = wpc.submitAll()

	if nil != scanErr {
		err = scanErr
	} else {
		err = submitErr
	}
	return
}

// FlushFile pushes every dirty page of file to its device and waits for all
// of it to settle, returning the first error recorded against the file since
// the last flush. The file must have writeback ops attached.
func FlushFile(ctx context.Context, file *pagecache.FileStruct) (err error) {
	var (
		ok  bool
		ops WritebackOps
	)

	stats.IncrementOperations(&stats.FlushFileOps)

	if nil != ctx.Err() {
		err = blunder.NewError(blunder.InterruptedError,
			"flush of inode 0x%016X interrupted", file.InodeNumber)
		return
	}

	ops, ok = lookupWritebackOps(file)
	if !ok {
		err = blunder.NewError(blunder.NotMappedError,
			"inode 0x%016X has no writeback ops attached", file.InodeNumber)
		return
	}

	_ = WritebackFile(file, ops)

	file.WaitForWriteback()

	err = file.TakeWritebackError()
	return
}
