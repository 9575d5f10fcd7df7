// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package refcntpool

// refcntpool provides interfaces and objects to implement pools of reference
// counted items, where the item is returned to the pool when its reference
// count drops to zero (upon a call to object.Release()).
//
// The pool interface can be extended to perform more complicated actions when
// the reference count drops to zero, e.g. a page cache where releasing the
// item returns it to the free list of the cache.
//
// There are two ways to use reference counted items: 1) the first is to embed a
// RefCntItem object in the object you want reference counted and use the
// generic RefCntItemPool object with a custom New() routine that creates
// objects of the desired type; or 2) embed a RefCntItem object in the object
// you want reference counted and write your own pool that supports the
// RefCntItemPooler interface.  The second approach allows more flexible actions
// to be taken when objects are released and reallocated.
//
// An implementation of reference counted memory buffers is also provided, which
// also serves as an example.  Use RefCntBufPoolMake(bufSz int) to create a
// pool of reference counted memory buffers of size bufSz.

import (
	"fmt"
	"sync"
)

// An object implementing the RefCntItemer interface is acquired from a
// RefCntItemPooler.  Hold() increments the reference count and Release()
// decrements it.  Upon final release (when the reference count drops to zero)
// it is returned to the pool from whence it came.
//
// An object returned by Get() starts with one hold.  When all the holds are
// released the object must not be accessed.
//
// Init() is invoked by the pool before the item is returned via Get().  It
// should only be called by the RefCntItemPooler.  It is called with a pointer
// to the pool and a pointer to the reference counted item it is embedded in.
//
type RefCntItemer interface {
	Init(RefCntItemPooler, interface{}) // invoked by RefCntItemPooler.Get() before the item is returned
	Hold()                              // get an additional hold on the item
	Release()                           // release a hold on the item
}

// The RefCntItemPooler interface defines Get() and put() methods for objects
// that support the RefCntItemer interface.
//
// While Get() is called to get a new object, put() should only be called via
// the object's Release() method and not called directly.
//
type RefCntItemPooler interface {
	// Return an object of the type held by the pool which also supports
	// the RefCntItem methods (Hold() and Release())
	Get() interface{}

	// Put an object of the type held by the pool back in the pool.
	put(interface{})
}

// RefCntItem is an object that implements the RefCntItemer interface.  It can
// be embedded in other objects to allow them to be reference counted.
//
// The reference counted object is typically acquired from a RefCntItemPool
// object, or other object implementing the RefCntItemPooler interface.
//
type RefCntItem struct {
	pool    RefCntItemPooler
	cntItem interface{} // the actual item this is embedded in
	refCnt  int32       // updated atomically
	_       sync.Mutex  // ensure a RefCntItem is not copied
}

// RefCntItemPool is an object that implements a pool of reference counted items.
// The items must support the RefCntItemer interface.  Items are "allocated" by
// calling Get() on the pool.
//
// The items are returned to the pool when the reference count drops to zero
// (upon the final call to Release()).
//
// Like sync.Pool, the user must supply a New() routine to allocate new objects.
//
type RefCntItemPool struct {
	itemPool sync.Pool
	_        sync.Mutex // ensure a RefCntItemPool is not copied

	New func() interface{}
}

// A reference counted memory buffer implementing Hold() and Release().
//
type RefCntBuf struct {
	RefCntItem        // track reference count; provides Hold() and Release()
	origBuf    []byte // original buffer allocation
	Buf        []byte // current buffer
}

// A pool of reference counted memory buffers, where buffers are acquired by
// calling Get() and returned on the final Release().
//
// Call RefCntBufPoolMake() to return a pool for memory buffers of the desired
// size.
//
type RefCntBufPool struct {
	bufPool sync.Pool  // buffer pool
	bufSz   int        // all buffers in this pool are bufSz bytes
	_       sync.Mutex // ensure a RefCntBufPool is not copied
}

// Create and return a pool of reference counted memory buffers with the
// specified bufSz.
//
func RefCntBufPoolMake(bufSz int) (poolp *RefCntBufPool) {
	poolp = &RefCntBufPool{}

	poolp.bufPool.New = func() interface{} {

		// Make a new RefCntBuf
		bufp := &RefCntBuf{
			origBuf: make([]byte, 0, bufSz),
		}
		return bufp
	}

	poolp.bufSz = bufSz
	return
}

// A set of reference counted memory buffer pools of various sizes.
//
// The GetRefCntBuf() method returns the smallest buffer large enough to hold
// the requested allocation size.
//
type RefCntBufPoolSet struct {
	memBufPools     []*RefCntBufPool
	bufferPoolSizes []int
}

// Initialize an array of reference counted memory buffer pools.  The size of
// each pool must be specified (in ascending order).
//
// Init() must be called exactly once and before any allocations are requested.
//
func (slabs *RefCntBufPoolSet) Init(sizes []int) {
	if len(slabs.memBufPools) != 0 {
		panic(fmt.Sprintf("(*memBufPools).Init() called more than once for RefCntBufPoolSet at %p", slabs))
	}
	slabs.memBufPools = make([]*RefCntBufPool, len(sizes))
	for i, sz := range sizes {
		slabs.memBufPools[i] = RefCntBufPoolMake(sz)

		if i > 0 && sizes[i-1] >= sz {
			panic(fmt.Sprintf("(*memBufPools).Init() size not increasing: size[%d] %d  size[%d] %d",
				i-1, sizes[i-1], i, sz))
		}
	}
	slabs.bufferPoolSizes = sizes
	return
}

// Get a reference counted memory buffer that's large enough to hold the
// requested size.
//
// It is a fatal error to request a buffer larger than the largest pool.
//
func (slabs *RefCntBufPoolSet) GetRefCntBuf(bufSz int) (bufp *RefCntBuf) {

	sizeCnt := len(slabs.bufferPoolSizes)

	// binary search for the right buffer pool
	low := 0
	high := sizeCnt
	idx := sizeCnt / 2
	for idx < sizeCnt {
		// if this buffer pool is too small, search forward
		if slabs.bufferPoolSizes[idx] < bufSz {
			low = idx
			idx += (high - idx + 1) / 2
			continue
		}

		// else check if this buffer pool is big enough -- if this is
		// the first pool or the next smaller pool is too small, then
		// we've found the right pool
		if idx == 0 || slabs.bufferPoolSizes[idx-1] < bufSz {
			bufp = slabs.memBufPools[idx].Get().(*RefCntBuf)
			return
		}

		// otherwise check the smaller pools
		high = idx + 1
		idx -= (idx - low + 1) / 2
	}

	// there's no joy in Mudville; panic with an explanation of the problem
	if sizeCnt == 0 {
		panic(fmt.Sprintf("GetRefCntBuf(): no pools have been allocated for RefCntBufPoolSet at %p",
			slabs))
	}
	panic(fmt.Sprintf("GetRefCntBuf(): requested buf size %d is larger than the largest pool size %d",
		bufSz, slabs.bufferPoolSizes[sizeCnt-1]))

	// Unreachable
}

// A reference counted list (array) of reference counted memory buffers.
//
// The RefCntBufList itself is reference counted, with Hold() and Release()
// methods.  Upon final release the associated RefCntBuf are Released.
//
// Bufs is an array of slices, one per RefCntBuf.  Each slice may represent the
// entire Buf slice of the underlying RefCntBuf or may be a subset.  Changes to
// this Bufs slice do not affect the associated RefCntBuf Buf slice and vice
// versa.
//
// RefCntBuf can only be added to the list using the AppendRefCntBuf() and
// AppendRefCntBufList() methods.  Adding or deleting slices in the Bufs array
// directly is not allowed, though an appended slice may be re-sliced in place.
//
// RefCntBufList must come from a RefCntBufListPool type object which supplies
// an empty RefCntBufList.
//
// RefCntBufList is mostly useful for scatter/gather i/o.
//
type RefCntBufList struct {
	RefCntItem
	Bufs       [][]byte
	RefCntBufs []*RefCntBuf
	_          sync.Mutex // ensure a RefCntBufList is not copied
}

// Append the RefCntBuf reference counted buffer to the list.
//
// This calls Hold() on refCntBuf.  Release() is called on the final release of
// this RefCntBufList.
//
func (bufList *RefCntBufList) AppendRefCntBuf(refCntBuf *RefCntBuf) {
	refCntBuf.Hold()
	if len(bufList.RefCntBufs) != len(bufList.Bufs) {
		panic(fmt.Sprintf("(*RefCntBufList).AppendRefCntBuf(): len(list.RefCntBufs) != len(list.Bufs) (%d != %d) at %p",
			len(bufList.RefCntBufs), len(bufList.Bufs), bufList))
	}
	bufList.RefCntBufs = append(bufList.RefCntBufs, refCntBuf)
	bufList.Bufs = append(bufList.Bufs, refCntBuf.Buf)
}

// Append up to size bytes starting at offset in srcList to this list and
// return the number of bytes actually appended (less than size when srcList
// is not long enough).
//
// Each RefCntBuf whose slice overlaps the range is Hold()'d and shares its
// storage with srcList; the appended Bufs slices are trimmed to the range.
// Zero length slices are not appended.
//
func (bufList *RefCntBufList) AppendRefCntBufList(srcList *RefCntBufList, offset int, size int) (byteCnt int) {
	var (
		idx         int
		totalOffset int
	)

	if offset < 0 || size < 0 {
		panic(fmt.Sprintf("(*RefCntBufList).AppendRefCntBufList(): offset %d or size %d is less than 0",
			offset, size))
	}

	// skip to the buffer containing offset
	for idx = 0; idx < len(srcList.Bufs); idx++ {
		if offset < totalOffset+len(srcList.Bufs[idx]) {
			break
		}
		totalOffset += len(srcList.Bufs[idx])
	}

	for ; idx < len(srcList.Bufs) && byteCnt < size; idx++ {
		skip := 0
		if offset > totalOffset {
			skip = offset - totalOffset
		}
		sliceLen := len(srcList.Bufs[idx]) - skip
		if byteCnt+sliceLen > size {
			sliceLen = size - byteCnt
		}
		if sliceLen > 0 {
			srcList.RefCntBufs[idx].Hold()
			bufList.RefCntBufs = append(bufList.RefCntBufs, srcList.RefCntBufs[idx])
			bufList.Bufs = append(bufList.Bufs, srcList.Bufs[idx][skip:skip+sliceLen])
			byteCnt += sliceLen
		}
		totalOffset += len(srcList.Bufs[idx])
	}
	return
}

// Return the sum of the bytes in each buffer slice
//
func (bufList *RefCntBufList) Length() (length int) {
	for i := 0; i < len(bufList.Bufs); i++ {
		length += len(bufList.Bufs[i])
	}
	return
}

// Return a slice of buffer slices covering up to size bytes starting at
// offset in the list, along with the number of bytes covered and the index of
// the first buffer the range falls in.  The returned slices share storage
// with the list's buffers.
//
// Zero length slices are not returned, so byteCnt is the sum of the lengths
// of the returned slices.
//
func (bufList *RefCntBufList) BufListToSlices(offset int, size int) (bufSlices [][]byte, byteCnt int, startBufIdx int) {
	var (
		idx         int
		totalOffset int
	)

	if offset < 0 || size < 0 {
		panic(fmt.Sprintf("(*RefCntBufList).BufListToSlices(): offset %d or size %d is less than 0",
			offset, size))
	}

	// skip to the buffer containing offset
	for idx = 0; idx < len(bufList.Bufs); idx++ {
		if offset < totalOffset+len(bufList.Bufs[idx]) {
			break
		}
		totalOffset += len(bufList.Bufs[idx])
	}
	startBufIdx = idx

	bufSlices = make([][]byte, 0, len(bufList.Bufs)-idx)
	for ; idx < len(bufList.Bufs) && byteCnt < size; idx++ {
		skip := 0
		if offset > totalOffset {
			skip = offset - totalOffset
		}
		sliceLen := len(bufList.Bufs[idx]) - skip
		if byteCnt+sliceLen > size {
			sliceLen = size - byteCnt
		}
		if sliceLen > 0 {
			bufSlices = append(bufSlices, bufList.Bufs[idx][skip:skip+sliceLen])
			byteCnt += sliceLen
		}
		totalOffset += len(bufList.Bufs[idx])
	}
	return
}

// Copy bytes out of the buffer list to the target slice, buf, and return the
// number of bytes copied.
//
// Copying starts at offset and continues up to the minimum of len(buf) and
// the bytes remaining in the list.
//
func (bufList *RefCntBufList) CopyOut(buf []byte, offset int) (count int) {
	bufSlices, _, _ := bufList.BufListToSlices(offset, len(buf))
	for _, slice := range bufSlices {
		copy(buf[count:], slice)
		count += len(slice)
	}
	return
}

// A pool of reference counted lists of reference counted buffers.
//
type RefCntBufListPool struct {
	realPool sync.Pool
	_        sync.Mutex // ensure a RefCntBufListPool is not copied
}

// Get a pointer to an empty RefCntBufList from the pool and return it.
//
// It has a reference count of 1 and should be released with a call to Release().
//
func (listPool *RefCntBufListPool) GetRefCntBufList() *RefCntBufList {
	return listPool.Get().(*RefCntBufList)
}

// Make a pool of lists of reference counted buffers.
//
func RefCntBufListPoolMake() (listPoolp *RefCntBufListPool) {
	listPoolp = &RefCntBufListPool{}

	listPoolp.realPool.New = func() interface{} {
		// Make a new RefCntBufList
		return &RefCntBufList{}
	}

	return
}
