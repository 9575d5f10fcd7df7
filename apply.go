// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomap

import (
	"fmt"

	"github.com/NVIDIA/iomap/blunder"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/pagecache"
)

// rangeActorFunc processes up to length bytes of file starting at pos, all
// covered by extent, and returns how many bytes it disposed of. Returning
// (0, nil) is a broken invariant; an actor may return more than length when
// it retired bytes beyond the offered window (skipping pages already valid,
// for example).
type rangeActorFunc func(file *pagecache.FileStruct, pos uint64, length uint64, extent *Extent) (processed uint64, err error)

// applyRange drives actor over [pos, pos+length), resolving one extent per
// iteration through mapper and clamping each actor call to the bytes that
// extent covers. The actor may process fewer bytes than offered; the next
// iteration re-resolves from wherever it stopped.
func applyRange(file *pagecache.FileStruct, pos uint64, length uint64, mapFlags MapFlag, mapper Mapper, actor rangeActorFunc) (processed uint64, err error) {
	var (
		actorRet   uint64
		extent     Extent
		panicErr   error
		stepLength uint64
	)

	for 0 < length {
		extent, err = mapper.MapBlocks(file.InodeNumber, pos, length, mapFlags)
		if nil != err {
			return
		}
		if (extent.Offset > pos) || (0 == extent.Length) {
			logger.Errorf("iomap.applyRange(): mapper returned unusable extent [0x%016X, +0x%X) %v for offset 0x%016X of inode 0x%016X",
				extent.Offset, extent.Length, extent.Type, pos, file.InodeNumber)
			err = blunder.NewError(blunder.BadExtentError,
				"mapper returned unusable extent for offset 0x%016X of inode 0x%016X", pos, file.InodeNumber)
			return
		}

		stepLength = extent.Offset + extent.Length - pos
		if stepLength > length {
			stepLength = length
		}

		actorRet, err = actor(file, pos, stepLength, &extent)
		processed += actorRet
		if nil != err {
			return
		}
		if 0 == actorRet {
			panicErr = fmt.Errorf("actor processed no bytes at offset 0x%016X of inode 0x%016X", pos, file.InodeNumber)
			logger.PanicfWithError(panicErr, "iomap.applyRange(): no forward progress")
		}

		if actorRet >= length {
			length = 0
		} else {
			length -= actorRet
		}
		pos += actorRet
	}

	err = nil
	return
}
