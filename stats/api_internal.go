// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

import (
	"sync"
)

func (ms MultipleStat) findStatStrings(numBytes uint64, numEntries uint64) (ops *string, bytes *string, entries *string, bbytes *string, appended *string, overwritten *string) {
	switch ms {
	case FileWrite:
		// file write uses operations, op bucketed bytes, bytes, appended and overwritten stats
		ops = &FileWriteOps
		bytes = &FileWriteBytes
		if numBytes <= 4096 {
			bbytes = &FileWriteOps4K
		} else if numBytes <= 8192 {
			bbytes = &FileWriteOps8K
		} else if numBytes <= 16384 {
			bbytes = &FileWriteOps16K
		} else if numBytes <= 32768 {
			bbytes = &FileWriteOps32K
		} else if numBytes <= 65536 {
			bbytes = &FileWriteOps64K
		} else {
			bbytes = &FileWriteOpsOver64K
		}
		appended = &FileWriteAppended
		overwritten = &FileWriteOverwritten
	case FileWriteback:
		// file writeback uses operations, op bucketed bytes, bytes, and bucketed ioends stats
		ops = &FileWritebackOps
		bytes = &FileWritebackBytes
		if numBytes <= 4096 {
			bbytes = &FileWritebackOps4K
		} else if numBytes <= 8192 {
			bbytes = &FileWritebackOps8K
		} else if numBytes <= 16384 {
			bbytes = &FileWritebackOps16K
		} else if numBytes <= 32768 {
			bbytes = &FileWritebackOps32K
		} else if numBytes <= 65536 {
			bbytes = &FileWritebackOps64K
		} else {
			bbytes = &FileWritebackOpsOver64K
		}
		if numEntries == 1 {
			entries = &FileWritebackIoends1
		} else if numEntries <= 4 {
			entries = &FileWritebackIoendsTo4
		} else if numEntries <= 16 {
			entries = &FileWritebackIoendsTo16
		} else if numEntries <= 64 {
			entries = &FileWritebackIoendsTo64
		} else {
			entries = &FileWritebackIoendsOver64
		}
	case IoendSubmit:
		// ioend submission uses operations, op bucketed bytes, and bytes stats
		ops = &IoendSubmitOps
		bytes = &IoendSubmitBytes
		if numBytes <= 4096 {
			bbytes = &IoendSubmitOps4K
		} else if numBytes <= 8192 {
			bbytes = &IoendSubmitOps8K
		} else if numBytes <= 16384 {
			bbytes = &IoendSubmitOps16K
		} else if numBytes <= 32768 {
			bbytes = &IoendSubmitOps32K
		} else if numBytes <= 65536 {
			bbytes = &IoendSubmitOps64K
		} else {
			bbytes = &IoendSubmitOpsOver64K
		}
	case PageRead:
		// page read uses operations, op bucketed bytes, and bytes stats
		ops = &PageReadOps
		bytes = &PageReadBytes
		if numBytes <= 4096 {
			bbytes = &PageReadOps4K
		} else if numBytes <= 8192 {
			bbytes = &PageReadOps8K
		} else if numBytes <= 16384 {
			bbytes = &PageReadOps16K
		} else if numBytes <= 32768 {
			bbytes = &PageReadOps32K
		} else if numBytes <= 65536 {
			bbytes = &PageReadOps64K
		} else {
			bbytes = &PageReadOpsOver64K
		}
	case PagesRead:
		// multi-page read uses operations, pages and bytes stats
		ops = &PagesReadOps
		bytes = &PagesReadBytes
		entries = &PagesReadEntries
	case RamDiskRead:
		// ramdisk read uses operations, op bucketed bytes, and bytes stats
		ops = &RamDiskReadOps
		bytes = &RamDiskReadBytes
		if numBytes <= 4096 {
			bbytes = &RamDiskReadOps4K
		} else if numBytes <= 8192 {
			bbytes = &RamDiskReadOps8K
		} else if numBytes <= 16384 {
			bbytes = &RamDiskReadOps16K
		} else if numBytes <= 32768 {
			bbytes = &RamDiskReadOps32K
		} else if numBytes <= 65536 {
			bbytes = &RamDiskReadOps64K
		} else {
			bbytes = &RamDiskReadOpsOver64K
		}
	case RamDiskWrite:
		// ramdisk write uses operations, op bucketed bytes, and bytes stats
		ops = &RamDiskWriteOps
		bytes = &RamDiskWriteBytes
		if numBytes <= 4096 {
			bbytes = &RamDiskWriteOps4K
		} else if numBytes <= 8192 {
			bbytes = &RamDiskWriteOps8K
		} else if numBytes <= 16384 {
			bbytes = &RamDiskWriteOps16K
		} else if numBytes <= 32768 {
			bbytes = &RamDiskWriteOps32K
		} else if numBytes <= 65536 {
			bbytes = &RamDiskWriteOps64K
		} else {
			bbytes = &RamDiskWriteOpsOver64K
		}
	case ZeroRange:
		// zero range uses operations and bytes stats
		ops = &ZeroRangeOps
		bytes = &ZeroRangeBytes
	}
	return
}

func dump() (statMap map[string]uint64) {
	globals.Lock()
	numStats := len(globals.statFullMap)
	statMap = make(map[string]uint64, numStats)
	for statKey, statValue := range globals.statFullMap {
		statMap[statKey] = statValue
	}
	globals.Unlock()
	return
}

var statStructPool sync.Pool = sync.Pool{
	New: func() interface{} {
		return &statStruct{}
	},
}

func incrementSomething(statName *string, incBy uint64) {
	if nil == statName || 0 == incBy {
		// Either the stat does not apply to this MultipleStat or there is no point incrementing by zero
		return
	}

	// if stats are not enabled yet, just ignore (reduce a window while
	// stats are shutting down by saving the channel to a local variable)
	statChan := globals.statChan
	if nil == statChan {
		return
	}

	stat := statStructPool.Get().(*statStruct)
	stat.name = statName
	stat.increment = incBy
	statChan <- stat
}

func incrementOperations(statName *string) {
	incrementSomething(statName, 1)
}

func incrementOperationsBy(statName *string, incBy uint64) {
	incrementSomething(statName, incBy)
}

func incrementOperationsAndBytes(stat MultipleStat, bytes uint64) {
	opsStat, bytesStat, _, _, _, _ := stat.findStatStrings(bytes, 1)
	incrementSomething(opsStat, 1)
	incrementSomething(bytesStat, bytes)
}

func incrementOperationsEntriesAndBytes(stat MultipleStat, entries uint64, bytes uint64) {
	opsStat, bytesStat, entriesStat, _, _, _ := stat.findStatStrings(bytes, 1)
	incrementSomething(opsStat, 1)
	incrementSomething(entriesStat, entries)
	incrementSomething(bytesStat, bytes)
}

func incrementOperationsAndBucketedBytes(stat MultipleStat, bytes uint64) {
	opsStat, bytesStat, _, bbytesStat, _, _ := stat.findStatStrings(bytes, 1)
	incrementSomething(opsStat, 1)
	incrementSomething(bytesStat, bytes)
	incrementSomething(bbytesStat, 1)
}

func incrementOperationsBucketedEntriesAndBucketedBytes(stat MultipleStat, entries uint64, bytes uint64) {
	opsStat, bytesStat, bentriesStat, bbytesStat, _, _ := stat.findStatStrings(bytes, entries)
	incrementSomething(opsStat, 1)
	incrementSomething(bentriesStat, 1)
	incrementSomething(bytesStat, bytes)
	incrementSomething(bbytesStat, 1)
}

func incrementOperationsBucketedBytesAndAppendedOverwritten(stat MultipleStat, bytes uint64, appended uint64, overwritten uint64) {
	opsStat, bytesStat, _, bbytesStat, appendedStat, overwrittenStat := stat.findStatStrings(bytes, 1)
	incrementSomething(opsStat, 1)
	incrementSomething(bytesStat, bytes)
	incrementSomething(bbytesStat, 1)
	incrementSomething(appendedStat, appended)
	incrementSomething(overwrittenStat, overwritten)
}
