// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package iomap orchestrates buffered I/O between the page cache and a file
// system's block-extent mapping. It translates page operations (read,
// readahead, write, mmap write fault, zero fill, writeback) into device I/O
// at sub-page block granularity: a per-page bitmap tracks which blocks of a
// page hold valid data, asynchronous completions reconcile out-of-order bios
// covering disjoint ranges of one page, and writeback aggregates contiguous
// same-type blocks into mergeable I/O units (ioends) to minimize device
// requests.
//
// The file system below is reached through three narrow interfaces: a Mapper
// resolving file offsets to Extents, a WritebackOps doing the same for dirty
// block scans (with optional submission and discard hooks), and a
// DeviceHandle accepting Bios. The pagecache package supplies the page
// substrate.
package iomap

import (
	"fmt"

	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/pagecache"
	"github.com/NVIDIA/iomap/refcntpool"
)

// ExtentType describes what backs a byte range of a file.
type ExtentType uint16

const (
	// ExtentTypeHole is a range with no backing at all; it reads as zeros.
	ExtentTypeHole ExtentType = iota

	// ExtentTypeDelalloc is a range with space reserved in memory but no
	// device location yet; it reads as zeros until written back.
	ExtentTypeDelalloc

	// ExtentTypeMapped is a range backed by written device blocks.
	ExtentTypeMapped

	// ExtentTypeUnwritten is a range backed by allocated but never written
	// device blocks; it reads as zeros until written.
	ExtentTypeUnwritten

	// ExtentTypeInline is a range stored directly in file system metadata
	// rather than in device blocks. Only the first page of a file may be
	// inline.
	ExtentTypeInline
)

func (extentType ExtentType) String() string {
	switch extentType {
	case ExtentTypeHole:
		return "Hole"
	case ExtentTypeDelalloc:
		return "Delalloc"
	case ExtentTypeMapped:
		return "Mapped"
	case ExtentTypeUnwritten:
		return "Unwritten"
	case ExtentTypeInline:
		return "Inline"
	default:
		return fmt.Sprintf("ExtentType(0x%04X)", uint16(extentType))
	}
}

// ExtentFlag bits qualify an Extent.
type ExtentFlag uint16

const (
	// ExtentFlagNew marks blocks the mapper allocated for this very
	// operation. They have never been written, so they read as zeros no
	// matter what the extent type says.
	ExtentFlagNew ExtentFlag = 1 << iota

	// ExtentFlagShared marks blocks shared with another file (reflink).
	// A write must break the sharing before dirtying them.
	ExtentFlagShared

	// ExtentFlagSizeChanged is set on the extent by writeEnd() when the
	// operation grew the file, so the mapper learns the size changed
	// under the mapping it handed out.
	ExtentFlagSizeChanged
)

// MapFlag bits carry the caller's intent to the mapper, so that it can, for
// example, allocate on a write lookup but not on a read lookup.
type MapFlag uint16

const (
	MapFlagWrite MapFlag = 1 << iota
	MapFlagZero
)

// Extent is one contiguous mapping of file bytes, as resolved by a Mapper.
// It must contain the offset it was queried for and must cover at least one
// byte. Addr is the device byte address of Offset and is meaningful for
// Mapped and Unwritten extents; InlineData is the payload of an Inline
// extent.
type Extent struct {
	Offset     uint64
	Length     uint64
	Type       ExtentType
	Flags      ExtentFlag
	Device     DeviceHandle
	Addr       uint64
	InlineData []byte
}

// Mapper resolves file offsets to extents for the read, write, and zeroing
// paths.
type Mapper interface {
	// MapBlocks() returns an extent containing offset. The extent's
	// Length must be at least one byte, though it need not cover all of
	// length. mapFlags tells the mapper why the caller is asking.
	MapBlocks(fileInodeNumber uint64, offset uint64, length uint64, mapFlags MapFlag) (extent Extent, err error)
}

// WritebackOps resolves extents for the writeback scan. Implementations may
// also provide the optional IoendSubmitter and PageDiscarder interfaces,
// which are discovered by type assertion.
type WritebackOps interface {
	// MapWritebackBlocks() returns the extent containing offset for
	// writing back. wbContext.Extent holds the extent most recently
	// returned, which the implementation may reuse when it still covers
	// offset.
	MapWritebackBlocks(wbContext *WritebackContext, fileInodeNumber uint64, offset uint64) (extent Extent, err error)
}

// IoendSubmitter is an optional WritebackOps extension consulted just before
// an ioend's bios go to the device. The file system uses it for side effects
// that must happen at submission, unwritten-to-mapped conversion chief among
// them. The returned error overrides priorErr; a non-nil result poisons the
// ioend, whose bios then complete immediately with that error instead of
// being submitted.
type IoendSubmitter interface {
	SubmitIoend(ioend *Ioend, priorErr error) (err error)
}

// PageDiscarder is an optional WritebackOps extension called when a page's
// writeback scan failed before any of its blocks were queued, letting the
// file system throw away whatever resources back the page (delalloc
// reservations, typically).
type PageDiscarder interface {
	DiscardPage(page *pagecache.PageStruct)
}

// DeviceHandle accepts bios for asynchronous processing. The device must
// call bio.Complete() exactly once per submitted bio, from whatever
// goroutine suits it.
type DeviceHandle interface {
	SubmitBio(bio *Bio)
}

// BioOp is the transfer direction of a bio.
type BioOp uint8

const (
	BioOpRead BioOp = iota
	BioOpWrite
)

// bioVec is one page sub-range carried by a bio. A vec covers a whole number
// of blocks of its page.
type bioVec struct {
	page       *pagecache.PageStruct
	pageOffset uint64
	length     uint64
}

// Bio is one device request: a contiguous device byte range at DeviceOffset
// transferred to or from a sequence of page sub-ranges. BufList exposes the
// payload to the device as held buffer windows, in vec order, so the device
// neither copies through an intermediate buffer nor keeps pages alive by
// itself.
type Bio struct {
	refcntpool.RefCntItem
	Device       DeviceHandle
	DeviceOffset uint64
	Op           BioOp
	BufList      *refcntpool.RefCntBufList
	vecs         []bioVec
	length       uint64
	ioend        *Ioend
	err          error
	endio        func(bio *Bio, err error)
}

// Length() returns the number of payload bytes the bio carries.
func (bio *Bio) Length() (length uint64) {
	return bio.length
}

// Complete() delivers the bio's completion status. The device (or the
// submitter, for a bio never sent to the device) calls it exactly once.
func (bio *Bio) Complete(err error) {
	if nil == bio.endio {
		panicErr := fmt.Errorf("bio at %p (device offset 0x%016X) completed with no endio", bio, bio.DeviceOffset)
		logger.PanicfWithError(panicErr, "Bio.Complete() called on an unsubmittable bio")
	}
	bio.endio(bio, err)
}

// NewBio returns a bio ready for submission to device, for device
// implementations and their tests; the I/O paths of this package mint their
// own. endio runs exactly once, on whatever goroutine delivers the
// completion, and the bio goes back to its pool when endio returns.
func NewBio(device DeviceHandle, deviceOffset uint64, op BioOp, endio func(bio *Bio, err error)) (bio *Bio) {
	bio = allocBio(device, deviceOffset, op, func(innerBio *Bio, err error) {
		endio(innerBio, err)
		releaseBio(innerBio)
	})
	return
}

// AppendPageRange attaches the page sub-range [pageOffset, pageOffset+length)
// to the bio as its next vec. Only bios minted by NewBio() should use it.
func (bio *Bio) AppendPageRange(page *pagecache.PageStruct, pageOffset uint64, length uint64) {
	bio.appendVec(page, pageOffset, length)
}

// appendVec attaches the page sub-range [pageOffset, pageOffset+length) as a
// new vec. The page's backing buffer is held by the bio's BufList until the
// bio is released.
func (bio *Bio) appendVec(page *pagecache.PageStruct, pageOffset uint64, length uint64) {
	var (
		refCntBuf *refcntpool.RefCntBuf
	)

	refCntBuf = page.HoldBuf()
	bio.BufList.AppendRefCntBuf(refCntBuf)
	refCntBuf.Release()
	bio.BufList.Bufs[len(bio.BufList.Bufs)-1] = page.Buf[pageOffset : pageOffset+length]

	bio.vecs = append(bio.vecs, bioVec{page: page, pageOffset: pageOffset, length: length})
	bio.length += length
}

// tryExtendVec grows the bio's last vec by length bytes if that vec ends
// exactly where the new range starts on the same page and the bio has room.
// An extended vec stays a single completion accounting unit.
func (bio *Bio) tryExtendVec(page *pagecache.PageStruct, pageOffset uint64, length uint64) (extended bool) {
	var (
		vec *bioVec
	)

	if 0 == len(bio.vecs) {
		return false
	}
	vec = &bio.vecs[len(bio.vecs)-1]
	if (vec.page != page) || (vec.pageOffset+vec.length != pageOffset) {
		return false
	}
	if bio.length+length > globals.maxBytesPerBio {
		return false
	}

	vec.length += length
	bio.BufList.Bufs[len(bio.BufList.Bufs)-1] = page.Buf[vec.pageOffset : vec.pageOffset+vec.length]
	bio.length += length
	extended = true
	return
}

// isFull() answers whether adding length more bytes would push the bio past
// the configured per-bio byte limit.
func (bio *Bio) isFull(length uint64) (isFull bool) {
	return bio.length+length > globals.maxBytesPerBio
}

// deviceEnd() returns the device byte address one past the bio's last byte.
func (bio *Bio) deviceEnd() (deviceOffset uint64) {
	return bio.DeviceOffset + bio.length
}

// Ioend is a contiguous run of same-type, same-shared-flag file blocks
// queued for writeback. It owns an ordered sequence of bios; the final bio
// is still open for growth until submission, while earlier bios were
// submitted the moment they filled. Offset and Size are file byte
// coordinates. Completion of the whole bio sequence ends writeback for every
// page sub-range it carried, with the first error in bio order standing for
// the whole ioend.
type Ioend struct {
	refcntpool.RefCntItem
	Type   ExtentType
	Flags  ExtentFlag
	Offset uint64
	Size   uint64

	file          *pagecache.FileStruct
	ops           WritebackOps
	device        DeviceHandle
	bios          []*Bio
	submittedBios int
	pendingBios   uint32 // atomic; holds one extra count until submission
}

// File() returns the file the ioend's blocks belong to.
func (ioend *Ioend) File() (file *pagecache.FileStruct) {
	return ioend.file
}

// WritebackContext is the scratch state of one writeback pass.
type WritebackContext struct {
	// Extent is the extent most recently returned by MapWritebackBlocks().
	// The writeback mapper may answer a lookup from it when it still
	// covers the queried offset.
	Extent Extent

	ops        WritebackOps
	ioend      *Ioend
	submitList []*Ioend
}

// WriteSource is an iterator over the byte segments a write copies in, in
// the style of a user buffer vector. CopyIn() may copy fewer bytes than both
// dst and Count() allow (it stops at segment boundaries, or at bytes that
// turn out to be unreadable); the write loop then retries with a copy
// clamped to SingleSegmentCount() before giving up.
type WriteSource interface {
	// Count() returns the bytes remaining in the source.
	Count() (count uint64)

	// SingleSegmentCount() returns the bytes remaining in just the
	// source's current segment.
	SingleSegmentCount() (count uint64)

	// CopyIn() copies up to len(dst) bytes from the source's current
	// position into dst without consuming them, returning the number
	// copied.
	CopyIn(dst []byte) (copied uint64)

	// Advance() consumes n bytes of the source.
	Advance(n uint64)
}

// SliceWriteSource is a WriteSource over a single byte slice.
type SliceWriteSource struct {
	buf []byte
}

func NewSliceWriteSource(buf []byte) (source *SliceWriteSource) {
	source = &SliceWriteSource{buf: buf}
	return
}

func (source *SliceWriteSource) Count() (count uint64) {
	return uint64(len(source.buf))
}

func (source *SliceWriteSource) SingleSegmentCount() (count uint64) {
	return uint64(len(source.buf))
}

func (source *SliceWriteSource) CopyIn(dst []byte) (copied uint64) {
	copied = uint64(copy(dst, source.buf))
	return
}

func (source *SliceWriteSource) Advance(n uint64) {
	if n > uint64(len(source.buf)) {
		n = uint64(len(source.buf))
	}
	source.buf = source.buf[n:]
}

// SegmentedWriteSource is a WriteSource over a vector of byte slices. Its
// CopyIn() copies from the current segment only, so a copy spanning a
// segment boundary comes back short and exercises the write loop's
// single-segment retry, the way a partially faulted user buffer would.
type SegmentedWriteSource struct {
	segments [][]byte
	count    uint64
}

// NewSegmentedWriteSource returns a source over segments. Empty segments are
// dropped.
func NewSegmentedWriteSource(segments [][]byte) (source *SegmentedWriteSource) {
	source = &SegmentedWriteSource{
		segments: make([][]byte, 0, len(segments)),
	}
	for _, segment := range segments {
		if 0 < len(segment) {
			source.segments = append(source.segments, segment)
			source.count += uint64(len(segment))
		}
	}
	return
}

func (source *SegmentedWriteSource) Count() (count uint64) {
	return source.count
}

func (source *SegmentedWriteSource) SingleSegmentCount() (count uint64) {
	if 0 == len(source.segments) {
		return 0
	}
	return uint64(len(source.segments[0]))
}

func (source *SegmentedWriteSource) CopyIn(dst []byte) (copied uint64) {
	if 0 == len(source.segments) {
		return 0
	}
	copied = uint64(copy(dst, source.segments[0]))
	return
}

func (source *SegmentedWriteSource) Advance(n uint64) {
	var (
		segment []byte
	)

	for (0 < n) && (0 < len(source.segments)) {
		segment = source.segments[0]
		if n < uint64(len(segment)) {
			source.segments[0] = segment[n:]
			source.count -= n
			return
		}
		n -= uint64(len(segment))
		source.count -= uint64(len(segment))
		source.segments = source.segments[1:]
	}
}
