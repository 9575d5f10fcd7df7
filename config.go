// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomap

import (
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/iomap/conf"
	"github.com/NVIDIA/iomap/pagecache"
	"github.com/NVIDIA/iomap/refcntpool"
	"github.com/NVIDIA/iomap/trackedlock"
)

type globalsStruct struct {
	trackedlock.Mutex // protects attachedFiles

	pageSize       uint64
	maxBytesPerBio uint64

	attachedFiles map[*pagecache.FileStruct]WritebackOps

	flushChan chan *pagecache.FileStruct
	flushWG   sync.WaitGroup

	bioPool     *refcntpool.RefCntItemPool
	ioendPool   *refcntpool.RefCntItemPool
	bufListPool *refcntpool.RefCntBufListPool
}

var globals globalsStruct

// Up initializes the package and starts the background flusher daemon.
// pagecache.Up() must have been called first.
func Up(confMap conf.ConfMap) (err error) {
	var (
		flushChanBufferDepth uint64
	)

	globals.pageSize = pagecache.PageSize()

	globals.maxBytesPerBio, err = confMap.FetchOptionValueUint64("IOMap", "MaxBytesPerBio")
	if nil != err {
		globals.maxBytesPerBio = 1024 * 1024 // default if not specified
	}
	if globals.maxBytesPerBio < globals.pageSize {
		globals.maxBytesPerBio = globals.pageSize
	}

	flushChanBufferDepth, err = confMap.FetchOptionValueUint64("IOMap", "FlushChanBufferDepth")
	if nil != err {
		flushChanBufferDepth = 16 // default if not specified
	}

	globals.attachedFiles = make(map[*pagecache.FileStruct]WritebackOps)

	globals.bioPool = &refcntpool.RefCntItemPool{
		New: func() interface{} {
			return &Bio{}
		},
	}
	globals.ioendPool = &refcntpool.RefCntItemPool{
		New: func() interface{} {
			return &Ioend{}
		},
	}
	globals.bufListPool = refcntpool.RefCntBufListPoolMake()

	globals.flushChan = make(chan *pagecache.FileStruct, flushChanBufferDepth)
	globals.flushWG.Add(1)
	go flusherDaemon()

	pagecache.SetFlusherNudge(flusherNudge)
	pagecache.SetPrivateReleaser(pageStateRelease)

	err = nil
	return
}

// Down stops the flusher daemon and releases package resources. Callers must
// have quiesced: no operation of this package may be in flight or started
// once Down() is entered.
func Down() (err error) {
	close(globals.flushChan)
	globals.flushWG.Wait()

	pagecache.SetFlusherNudge(nil)
	pagecache.SetPrivateReleaser(nil)

	globals.attachedFiles = nil
	globals.flushChan = nil
	globals.bioPool = nil
	globals.ioendPool = nil
	globals.bufListPool = nil

	err = nil
	return
}

// AttachWritebackOps registers ops as the writeback mapper for file, making
// the file eligible for background flushing and for FlushFile().
func AttachWritebackOps(file *pagecache.FileStruct, ops WritebackOps) {
	globals.Lock()
	globals.attachedFiles[file] = ops
	globals.Unlock()
}

// DetachWritebackOps drops file's writeback registration. The caller should
// have flushed or purged the file first.
func DetachWritebackOps(file *pagecache.FileStruct) {
	globals.Lock()
	delete(globals.attachedFiles, file)
	globals.Unlock()
}

func lookupWritebackOps(file *pagecache.FileStruct) (ops WritebackOps, ok bool) {
	globals.Lock()
	ops, ok = globals.attachedFiles[file]
	globals.Unlock()
	return
}

// flusherNudge posts file to the flusher daemon without blocking the
// dirtier. A full channel drops the nudge; the next dirtied page repeats it.
func flusherNudge(file *pagecache.FileStruct) {
	select {
	case globals.flushChan <- file:
	default:
	}
}

// flusherDaemon services background flush nudges posted by the page cache
// when dirty pages pile up. One writeback pass per nudge; any error stays
// recorded on the file for the next FlushFile() caller to collect.
func flusherDaemon() {
	var (
		file *pagecache.FileStruct
		ok   bool
		ops  WritebackOps
	)

	defer globals.flushWG.Done()

	for file = range globals.flushChan {
		ops, ok = lookupWritebackOps(file)
		if !ok {
			continue
		}
		_ = WritebackFile(file, ops)
	}
}

// allocBio returns a pooled bio reset for a fresh transfer, holding an empty
// BufList and a reference count of one.
func allocBio(device DeviceHandle, deviceOffset uint64, op BioOp, endio func(bio *Bio, err error)) (bio *Bio) {
	bio = globals.bioPool.Get().(*Bio)
	bio.Device = device
	bio.DeviceOffset = deviceOffset
	bio.Op = op
	bio.BufList = globals.bufListPool.GetRefCntBufList()
	bio.vecs = bio.vecs[:0]
	bio.length = 0
	bio.ioend = nil
	bio.err = nil
	bio.endio = endio
	return
}

// releaseBio drops the bio's buffer holds and returns it to the pool.
func releaseBio(bio *Bio) {
	var (
		i int
	)

	if nil != bio.BufList {
		bio.BufList.Release()
		bio.BufList = nil
	}
	for i = range bio.vecs {
		bio.vecs[i] = bioVec{}
	}
	bio.vecs = bio.vecs[:0]
	bio.ioend = nil
	bio.err = nil
	bio.endio = nil
	bio.Release()
}

// allocIoend returns a pooled ioend opened at file offset with the type and
// flags of extent. pendingBios starts at one; that extra count belongs to the
// submitter and is dropped by submitIoend(), so the ioend cannot finish while
// it is still growing.
func allocIoend(file *pagecache.FileStruct, ops WritebackOps, extent *Extent, offset uint64) (ioend *Ioend) {
	ioend = globals.ioendPool.Get().(*Ioend)
	ioend.Type = extent.Type
	ioend.Flags = extent.Flags
	ioend.Offset = offset
	ioend.Size = 0
	ioend.file = file
	ioend.ops = ops
	ioend.device = extent.Device
	ioend.bios = ioend.bios[:0]
	ioend.submittedBios = 0
	atomic.StoreUint32(&ioend.pendingBios, 1)
	return
}

// releaseIoend returns the ioend to the pool. Its bios must already have
// been released.
func releaseIoend(ioend *Ioend) {
	var (
		i int
	)

	for i = range ioend.bios {
		ioend.bios[i] = nil
	}
	ioend.bios = ioend.bios[:0]
	ioend.file = nil
	ioend.ops = nil
	ioend.device = nil
	ioend.Release()
}
