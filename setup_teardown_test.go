// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomap

import (
	"sync"
	"testing"

	"github.com/NVIDIA/iomap/blunder"
	"github.com/NVIDIA/iomap/conf"
	"github.com/NVIDIA/iomap/halter"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/pagecache"
	"github.com/NVIDIA/iomap/stats"
	"github.com/NVIDIA/iomap/trackedlock"
)

func testSetup(t *testing.T, confOverrides []string) {
	var (
		err             error
		testConfMap     conf.ConfMap
		testConfStrings []string
	)

	testConfStrings = []string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
		"Stats.IPAddr=localhost",
		"Stats.UDPPort=52185",
		"Stats.BufferLength=100",
		"Stats.MaxLatency=1s",
		"TrackedLock.LockHoldTimeLimit=0s",
		"TrackedLock.LockCheckPeriod=0s",
		"PageCache.PageSize=4096",
		"PageCache.DirtyPageLimit=256",
		"PageCache.RatelimitPages=32",
		"IOMap.MaxBytesPerBio=1048576",
		"IOMap.FlushChanBufferDepth=16",
	}

	testConfMap, err = conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	if nil != confOverrides {
		err = testConfMap.UpdateFromStrings(confOverrides)
		if nil != err {
			t.Fatalf("testConfMap.UpdateFromStrings(confOverrides) failed: %v", err)
		}
	}

	err = logger.Up(testConfMap)
	if nil != err {
		t.Fatalf("logger.Up() failed: %v", err)
	}

	err = stats.Up(testConfMap)
	if nil != err {
		t.Fatalf("stats.Up() failed: %v", err)
	}

	err = halter.Up(testConfMap)
	if nil != err {
		t.Fatalf("halter.Up() failed: %v", err)
	}

	err = trackedlock.Up(testConfMap)
	if nil != err {
		t.Fatalf("trackedlock.Up() failed: %v", err)
	}

	err = pagecache.Up(testConfMap)
	if nil != err {
		t.Fatalf("pagecache.Up() failed: %v", err)
	}

	err = Up(testConfMap)
	if nil != err {
		t.Fatalf("iomap.Up() failed: %v", err)
	}
}

func testTeardown(t *testing.T) {
	var (
		err error
	)

	err = Down()
	if nil != err {
		t.Fatalf("iomap.Down() failed: %v", err)
	}

	err = pagecache.Down()
	if nil != err {
		t.Fatalf("pagecache.Down() failed: %v", err)
	}

	err = trackedlock.Down()
	if nil != err {
		t.Fatalf("trackedlock.Down() failed: %v", err)
	}

	err = halter.Down()
	if nil != err {
		t.Fatalf("halter.Down() failed: %v", err)
	}

	err = stats.Down()
	if nil != err {
		t.Fatalf("stats.Down() failed: %v", err)
	}

	err = logger.Down()
	if nil != err {
		t.Fatalf("logger.Down() failed: %v", err)
	}
}

// testBioRecord is one submitted bio as the device saw it.
type testBioRecord struct {
	op           BioOp
	deviceOffset uint64
	length       uint64
	numVecs      int
}

// testDeviceStruct is an in-memory DeviceHandle answering bios from its own
// completion goroutines, the way a real disk completes from interrupt
// context. Injected failures are consumed one bio at a time.
type testDeviceStruct struct {
	sync.Mutex // protects slab, bioRecords, and the failure counters
	slab           []byte
	bioRecords     []testBioRecord
	failNextReads  int
	failNextWrites int
	completionWG   sync.WaitGroup
}

func newTestDevice(size uint64) (device *testDeviceStruct) {
	device = &testDeviceStruct{
		slab: make([]byte, size),
	}
	return
}

func (device *testDeviceStruct) SubmitBio(bio *Bio) {
	device.completionWG.Add(1)
	go device.completeBio(bio)
}

func (device *testDeviceStruct) completeBio(bio *Bio) {
	var (
		bioErr error
		buf    []byte
		offset uint64
	)

	defer device.completionWG.Done()

	device.Lock()
	device.bioRecords = append(device.bioRecords, testBioRecord{
		op:           bio.Op,
		deviceOffset: bio.DeviceOffset,
		length:       bio.Length(),
		numVecs:      len(bio.BufList.Bufs),
	})

	switch bio.Op {
	case BioOpRead:
		if 0 < device.failNextReads {
			device.failNextReads--
			bioErr = blunder.NewError(blunder.ReadError,
				"injected read failure at device offset 0x%016X", bio.DeviceOffset)
		} else {
			offset = bio.DeviceOffset
			for _, buf = range bio.BufList.Bufs {
				copy(buf, device.slab[offset:offset+uint64(len(buf))])
				offset += uint64(len(buf))
			}
		}
	case BioOpWrite:
		if 0 < device.failNextWrites {
			device.failNextWrites--
			bioErr = blunder.NewError(blunder.WritebackError,
				"injected write failure at device offset 0x%016X", bio.DeviceOffset)
		} else {
			offset = bio.DeviceOffset
			for _, buf = range bio.BufList.Bufs {
				copy(device.slab[offset:offset+uint64(len(buf))], buf)
				offset += uint64(len(buf))
			}
		}
	}
	device.Unlock()

	bio.Complete(bioErr)
}

// bios returns the records of the submitted bios of one direction, in
// completion order.
func (device *testDeviceStruct) bios(op BioOp) (records []testBioRecord) {
	var (
		record testBioRecord
	)

	device.Lock()
	for _, record = range device.bioRecords {
		if record.op == op {
			records = append(records, record)
		}
	}
	device.Unlock()
	return
}

// drain blocks until every completion goroutine the device spawned so far
// has delivered its completion.
func (device *testDeviceStruct) drain() {
	device.completionWG.Wait()
}

// testIoendRecord is one ioend as the submission hook saw it.
type testIoendRecord struct {
	offset     uint64
	size       uint64
	extentType ExtentType
}

// testMapperStruct is a block-table Mapper and WritebackOps over a test
// device. Every block carries its own type, flags, and device address, and
// lookups coalesce runs of alike, device-contiguous blocks into extents.
// Write lookups allocate over holes; writeback lookups allocate under
// delalloc. The optional hooks are wired: SubmitIoend converts unwritten
// blocks and can inject a submission error, DiscardPage records what
// writeback threw away.
type testMapperStruct struct {
	sync.Mutex
	device    *testDeviceStruct
	blockSize uint64

	blockType   []ExtentType
	blockAddr   []uint64
	blockNew    []bool
	blockShared []bool

	inlineData []byte

	maxExtentBlocks uint64

	failMapAtBlock       map[uint64]error
	failWritebackAtBlock map[uint64]error
	submitErrOnce        error

	mapCalls           uint64
	writebackCalls     uint64
	writebackCacheHits uint64
	submitRecords      []testIoendRecord
	submitPriorErrs    []error
	discardedPages     []uint64
}

func newTestMapper(device *testDeviceStruct, blockSize uint64, numBlocks uint64) (mapper *testMapperStruct) {
	var (
		block uint64
	)

	mapper = &testMapperStruct{
		device:               device,
		blockSize:            blockSize,
		blockType:            make([]ExtentType, numBlocks),
		blockAddr:            make([]uint64, numBlocks),
		blockNew:             make([]bool, numBlocks),
		blockShared:          make([]bool, numBlocks),
		failMapAtBlock:       make(map[uint64]error),
		failWritebackAtBlock: make(map[uint64]error),
	}
	for block = 0; block < numBlocks; block++ {
		mapper.blockAddr[block] = block * blockSize
	}
	return
}

func (mapper *testMapperStruct) setBlocks(firstBlock uint64, numBlocks uint64, extentType ExtentType, isShared bool) {
	var (
		block uint64
	)

	mapper.Lock()
	for block = firstBlock; block < firstBlock+numBlocks; block++ {
		mapper.blockType[block] = extentType
		mapper.blockShared[block] = isShared
		mapper.blockNew[block] = false
	}
	mapper.Unlock()
}

func (mapper *testMapperStruct) setBlockAddr(firstBlock uint64, numBlocks uint64, addr uint64) {
	var (
		block uint64
	)

	mapper.Lock()
	for block = firstBlock; block < firstBlock+numBlocks; block++ {
		mapper.blockAddr[block] = addr + (block-firstBlock)*mapper.blockSize
	}
	mapper.Unlock()
}

// extentAt coalesces the run of alike, device-contiguous blocks starting at
// offset's block, clipped to length and to maxExtentBlocks when set. The
// caller holds the mapper lock.
func (mapper *testMapperStruct) extentAt(offset uint64, length uint64) (extent Extent) {
	var (
		block     uint64
		lastBlock uint64
		next      uint64
		numBlocks uint64
	)

	block = offset / mapper.blockSize
	if block >= uint64(len(mapper.blockType)) {
		extent = Extent{
			Offset: offset,
			Length: length,
			Type:   ExtentTypeHole,
			Device: mapper.device,
		}
		return
	}

	lastBlock = (offset + length - 1) / mapper.blockSize
	if lastBlock >= uint64(len(mapper.blockType)) {
		lastBlock = uint64(len(mapper.blockType)) - 1
	}

	numBlocks = 1
	for block+numBlocks <= lastBlock {
		next = block + numBlocks
		if (mapper.blockType[next] != mapper.blockType[block]) ||
			(mapper.blockNew[next] != mapper.blockNew[block]) ||
			(mapper.blockShared[next] != mapper.blockShared[block]) ||
			(mapper.blockAddr[next] != mapper.blockAddr[block]+numBlocks*mapper.blockSize) {
			break
		}
		numBlocks++
	}
	if (0 != mapper.maxExtentBlocks) && (numBlocks > mapper.maxExtentBlocks) {
		numBlocks = mapper.maxExtentBlocks
	}

	extent = Extent{
		Offset: block * mapper.blockSize,
		Length: numBlocks * mapper.blockSize,
		Type:   mapper.blockType[block],
		Device: mapper.device,
		Addr:   mapper.blockAddr[block],
	}
	if mapper.blockNew[block] {
		extent.Flags |= ExtentFlagNew
	}
	if mapper.blockShared[block] {
		extent.Flags |= ExtentFlagShared
	}
	return
}

func (mapper *testMapperStruct) MapBlocks(fileInodeNumber uint64, offset uint64, length uint64, mapFlags MapFlag) (extent Extent, err error) {
	var (
		block     uint64
		failErr   error
		lastBlock uint64
		ok        bool
	)

	mapper.Lock()
	defer mapper.Unlock()

	mapper.mapCalls++

	block = offset / mapper.blockSize
	failErr, ok = mapper.failMapAtBlock[block]
	if ok {
		err = failErr
		return
	}

	if (nil != mapper.inlineData) && (0 == block) {
		extent = Extent{
			Offset:     0,
			Length:     pagecache.PageSize(),
			Type:       ExtentTypeInline,
			InlineData: mapper.inlineData,
		}
		err = nil
		return
	}

	if (0 != mapFlags&MapFlagWrite) && (block < uint64(len(mapper.blockType))) && (ExtentTypeHole == mapper.blockType[block]) {
		// a write over a hole allocates the hole run it touches
		lastBlock = (offset + length - 1) / mapper.blockSize
		for ; (block <= lastBlock) && (block < uint64(len(mapper.blockType))) && (ExtentTypeHole == mapper.blockType[block]); block++ {
			mapper.blockType[block] = ExtentTypeMapped
			mapper.blockNew[block] = true
		}
	}

	extent = mapper.extentAt(offset, length)
	err = nil
	return
}

func (mapper *testMapperStruct) MapWritebackBlocks(wbContext *WritebackContext, fileInodeNumber uint64, offset uint64) (extent Extent, err error) {
	var (
		block   uint64
		failErr error
		ok      bool
	)

	mapper.Lock()
	defer mapper.Unlock()

	mapper.writebackCalls++

	if (0 != wbContext.Extent.Length) && (ExtentTypeHole != wbContext.Extent.Type) &&
		(wbContext.Extent.Offset <= offset) && (offset < wbContext.Extent.Offset+wbContext.Extent.Length) {
		mapper.writebackCacheHits++
		extent = wbContext.Extent
		err = nil
		return
	}

	block = offset / mapper.blockSize
	failErr, ok = mapper.failWritebackAtBlock[block]
	if ok {
		err = failErr
		return
	}

	// writeback allocates real blocks under delalloc reservations
	if (block < uint64(len(mapper.blockType))) && (ExtentTypeDelalloc == mapper.blockType[block]) {
		for ; (block < uint64(len(mapper.blockType))) && (ExtentTypeDelalloc == mapper.blockType[block]); block++ {
			mapper.blockType[block] = ExtentTypeMapped
		}
	}

	extent = mapper.extentAt(offset, pagecache.PageSize())
	err = nil
	return
}

func (mapper *testMapperStruct) SubmitIoend(ioend *Ioend, priorErr error) (err error) {
	var (
		block     uint64
		lastBlock uint64
	)

	mapper.Lock()
	defer mapper.Unlock()

	mapper.submitPriorErrs = append(mapper.submitPriorErrs, priorErr)
	mapper.submitRecords = append(mapper.submitRecords, testIoendRecord{
		offset:     ioend.Offset,
		size:       ioend.Size,
		extentType: ioend.Type,
	})

	err = priorErr
	if (nil == err) && (nil != mapper.submitErrOnce) {
		err = mapper.submitErrOnce
		mapper.submitErrOnce = nil
	}
	if nil != err {
		return
	}

	block = ioend.Offset / mapper.blockSize
	lastBlock = (ioend.Offset + ioend.Size - 1) / mapper.blockSize
	for ; block <= lastBlock; block++ {
		if ExtentTypeUnwritten == mapper.blockType[block] {
			mapper.blockType[block] = ExtentTypeMapped
		}
		mapper.blockNew[block] = false
	}
	return
}

func (mapper *testMapperStruct) DiscardPage(page *pagecache.PageStruct) {
	mapper.Lock()
	mapper.discardedPages = append(mapper.discardedPages, page.Index)
	mapper.Unlock()
}

// testPattern fills buf with a deterministic sequence derived from seed.
func testPattern(buf []byte, seed byte) {
	var (
		i int
	)

	for i = range buf {
		buf[i] = seed + byte(i%251)
	}
}

// testReadPage fills the page at pageIndex through ReadPage() and waits for
// the fill by taking the page lock. The page comes back unlocked.
func testReadPage(t *testing.T, file *pagecache.FileStruct, mapper *testMapperStruct, pageIndex uint64) (page *pagecache.PageStruct) {
	var (
		err error
	)

	page = file.FindOrCreatePage(pageIndex)
	err = ReadPage(file, page, mapper)
	if nil != err {
		t.Fatalf("ReadPage(%d) failed: %v", pageIndex, err)
	}
	page.Lock()
	page.Unlock()
	return
}
