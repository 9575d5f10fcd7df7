// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramdisk

import (
	"fmt"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/iomap/conf"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/refcntpool"
	"github.com/NVIDIA/iomap/trackedlock"
)

type globalsStruct struct {
	trackedlock.Mutex // guards diskMap

	sectorSize                uint64
	numCompletionWorkers      uint64
	completionChanBufferDepth uint64
	checksumsEnabled          bool
	readFailureRate           uint64
	writeFailureRate          uint64

	sectorHeaderSize uint64
	packedSectorPool *refcntpool.RefCntBufPool

	diskMap map[string]*RamDiskStruct
}

var globals globalsStruct

// Up initializes the package from the [RamDisk] and [RamDiskChaos] sections,
// defaulting any missing option. It must run before the first New().
func Up(confMap conf.ConfMap) (err error) {
	var (
		checksumsEnabled          bool
		completionChanBufferDepth uint64
		numCompletionWorkers      uint64
		readFailureRate           uint64
		sectorSize                uint64
		writeFailureRate          uint64
	)

	sectorSize, err = confMap.FetchOptionValueUint64("RamDisk", "SectorSize")
	if nil != err {
		sectorSize = 512
		err = nil
	}
	if (0 == sectorSize) || (0 != sectorSize&(sectorSize-1)) {
		err = fmt.Errorf("[RamDisk]SectorSize (0x%X) must be a non-zero power of two", sectorSize)
		return
	}

	numCompletionWorkers, err = confMap.FetchOptionValueUint64("RamDisk", "NumCompletionWorkers")
	if nil != err {
		numCompletionWorkers = 4
		err = nil
	}
	if 0 == numCompletionWorkers {
		err = fmt.Errorf("[RamDisk]NumCompletionWorkers must be non-zero")
		return
	}

	completionChanBufferDepth, err = confMap.FetchOptionValueUint64("RamDisk", "CompletionChanBufferDepth")
	if nil != err {
		completionChanBufferDepth = 64
		err = nil
	}

	checksumsEnabled, err = confMap.FetchOptionValueBool("RamDisk", "ChecksumsEnabled")
	if nil != err {
		checksumsEnabled = true
		err = nil
	}

	readFailureRate, err = confMap.FetchOptionValueUint64("RamDiskChaos", "ReadFailureRate")
	if nil != err {
		readFailureRate = 0
		err = nil
	}

	writeFailureRate, err = confMap.FetchOptionValueUint64("RamDiskChaos", "WriteFailureRate")
	if nil != err {
		writeFailureRate = 0
		err = nil
	}

	globals.sectorSize = sectorSize
	globals.numCompletionWorkers = numCompletionWorkers
	globals.completionChanBufferDepth = completionChanBufferDepth
	globals.checksumsEnabled = checksumsEnabled
	globals.readFailureRate = readFailureRate
	globals.writeFailureRate = writeFailureRate

	globals.sectorHeaderSize, _, err = cstruct.Examine(sectorHeaderStruct{})
	if nil != err {
		err = fmt.Errorf("cstruct.Examine(sectorHeaderStruct{}) failed: %v", err)
		return
	}

	globals.packedSectorPool = refcntpool.RefCntBufPoolMake(int(globals.sectorHeaderSize + sectorSize))

	globals.diskMap = make(map[string]*RamDiskStruct)

	err = nil
	return
}

// Down closes any RAM disk still open (with a warning naming it) and releases
// package resources.
func Down() (err error) {
	var (
		diskList []*RamDiskStruct
		ramDisk  *RamDiskStruct
	)

	globals.Lock()
	for _, ramDisk = range globals.diskMap {
		diskList = append(diskList, ramDisk)
	}
	globals.Unlock()

	for _, ramDisk = range diskList {
		logger.Warnf("ramdisk.Down() closing still-open RAM disk \"%v\"", ramDisk.name)
		_ = ramDisk.Close()
	}

	globals.packedSectorPool = nil
	globals.diskMap = nil

	err = nil
	return
}
