// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package pagecache

import (
	"fmt"
	"sync/atomic"

	"github.com/NVIDIA/iomap/conf"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/refcntpool"
	"github.com/NVIDIA/iomap/trackedlock"
)

type globalsStruct struct {
	trackedlock.Mutex // guards flusherNudge and privateReleaser
	pageSize          uint64
	dirtyPageLimit    uint64
	ratelimitPages    uint64
	pageBufPool       *refcntpool.RefCntBufPool
	dirtyPageCount    uint64 // updated atomically
	ratelimitCalls    uint64 // updated atomically
	flusherNudge      func(file *FileStruct)
	privateReleaser   func(page *PageStruct)
}

var globals globalsStruct

// Up initializes the package. It fetches the [PageCache] section, defaulting
// any missing option.
func Up(confMap conf.ConfMap) (err error) {
	var (
		dirtyPageLimit uint64
		pageSize       uint64
		ratelimitPages uint64
	)

	pageSize, err = confMap.FetchOptionValueUint64("PageCache", "PageSize")
	if nil != err {
		pageSize = 4096
		err = nil
	}
	if (0 == pageSize) || (0 != pageSize&(pageSize-1)) {
		err = fmt.Errorf("[PageCache]PageSize (0x%X) must be a non-zero power of two", pageSize)
		return
	}

	dirtyPageLimit, err = confMap.FetchOptionValueUint64("PageCache", "DirtyPageLimit")
	if nil != err {
		dirtyPageLimit = 256
		err = nil
	}

	ratelimitPages, err = confMap.FetchOptionValueUint64("PageCache", "RatelimitPages")
	if nil != err {
		ratelimitPages = 32
		err = nil
	}
	if 0 == ratelimitPages {
		err = fmt.Errorf("[PageCache]RatelimitPages must be non-zero")
		return
	}

	globals.pageSize = pageSize
	globals.dirtyPageLimit = dirtyPageLimit
	globals.ratelimitPages = ratelimitPages
	globals.pageBufPool = refcntpool.RefCntBufPoolMake(int(pageSize))
	globals.dirtyPageCount = 0
	globals.ratelimitCalls = 0
	globals.flusherNudge = nil
	globals.privateReleaser = nil

	err = nil
	return
}

func Down() (err error) {
	var dirtyPageCount uint64

	dirtyPageCount = atomic.LoadUint64(&globals.dirtyPageCount)
	if 0 != dirtyPageCount {
		logger.Warnf("pagecache.Down() called with %d dirty pages outstanding", dirtyPageCount)
		atomic.StoreUint64(&globals.dirtyPageCount, 0)
	}

	globals.pageBufPool = nil
	globals.flusherNudge = nil
	globals.privateReleaser = nil

	err = nil
	return
}
