// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomap

import (
	"context"

	"github.com/NVIDIA/iomap/pagecache"
	"github.com/NVIDIA/iomap/stats"
)

// zeroRangeActor zeroes one extent's worth of bytes through the page cache.
// Holes and unwritten extents already read as zeros and are skipped.
func zeroRangeActor(ctx context.Context, file *pagecache.FileStruct, pos uint64, length uint64, extent *Extent, didZero *bool) (processed uint64, err error) {
	var (
		bytesThisPage uint64
		committed     uint64
		offsetInPage  uint64
		page          *pagecache.PageStruct
	)

	if (ExtentTypeHole == extent.Type) || (ExtentTypeUnwritten == extent.Type) {
		processed = length
		err = nil
		return
	}

	for 0 < length {
		offsetInPage = pos & (globals.pageSize - 1)
		bytesThisPage = globals.pageSize - offsetInPage
		if bytesThisPage > length {
			bytesThisPage = length
		}

		page, err = writeBegin(ctx, file, pos, bytesThisPage, extent, false)
		if nil != err {
			return
		}
		zeroBuf(page.Buf[offsetInPage : offsetInPage+bytesThisPage])
		committed = writeEnd(file, pos, bytesThisPage, bytesThisPage, page, extent)

		*didZero = true
		pos += committed
		processed += committed
		length -= committed
	}

	err = nil
	return
}

// ZeroRange writes zeros over every already-materialized block of [pos,
// pos+length) through the page cache, dirtying the touched pages. Holes and
// unwritten extents are left alone; they read as zeros without help. didZero
// reports whether any page was actually touched.
func ZeroRange(ctx context.Context, file *pagecache.FileStruct, pos uint64, length uint64, mapper Mapper) (didZero bool, err error) {
	var (
		processed uint64
	)

	processed, err = applyRange(file, pos, length, MapFlagZero, mapper,
		func(actorFile *pagecache.FileStruct, actorPos uint64, actorLength uint64, extent *Extent) (actorProcessed uint64, actorErr error) {
			actorProcessed, actorErr = zeroRangeActor(ctx, actorFile, actorPos, actorLength, extent, &didZero)
			return
		})
	if nil != err {
		return
	}

	stats.IncrementOperationsAndBytes(stats.ZeroRange, processed)
	err = nil
	return
}

// TruncatePageTail zeroes from pos to the end of pos's block, the
// partial-block scrub a truncate needs so the dropped tail cannot leak back
// when the file later grows over it again. A block-aligned pos needs
// nothing.
func TruncatePageTail(ctx context.Context, file *pagecache.FileStruct, pos uint64, mapper Mapper) (didZero bool, err error) {
	var (
		offsetInBlock uint64
	)

	offsetInBlock = pos & (file.BlockSize - 1)
	if 0 == offsetInBlock {
		didZero = false
		err = nil
		return
	}

	didZero, err = ZeroRange(ctx, file, pos, file.BlockSize-offsetInBlock, mapper)
	return
}
