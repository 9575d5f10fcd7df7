// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package iomap

import (
	"bytes"
	"sort"
	"testing"

	"github.com/NVIDIA/iomap/blunder"
	"github.com/NVIDIA/iomap/halter"
	"github.com/NVIDIA/iomap/pagecache"
)

// sortBioRecords orders records by device offset; completions land in
// whatever order the device goroutines ran.
func sortBioRecords(records []testBioRecord) {
	sort.Slice(records, func(i int, j int) bool {
		return records[i].deviceOffset < records[j].deviceOffset
	})
}

func TestReadPageWholeMapped(t *testing.T) {
	var (
		device      *testDeviceStruct
		err         error
		file        *pagecache.FileStruct
		mapper      *testMapperStruct
		page        *pagecache.PageStruct
		readRecords []testBioRecord
		remaining   map[string]uint32
	)

	testSetup(t, nil)
	defer testTeardown(t)

	device = newTestDevice(16 * 4096)
	mapper = newTestMapper(device, 4096, 16)
	mapper.setBlocks(0, 16, ExtentTypeMapped, false)
	testPattern(device.slab, 0x11)

	file, err = pagecache.NewFile(1, 4096)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	file.SetSize(16 * 4096)

	halter.Arm("iomap.submitReadBio_Entry", 100)

	page = testReadPage(t, file, mapper, 2)

	remaining = halter.Dump()
	if 99 != remaining["iomap.submitReadBio_Entry"] {
		t.Fatalf("expected exactly one read bio submission, armed count went 100 -> %d",
			remaining["iomap.submitReadBio_Entry"])
	}
	halter.Disarm("iomap.submitReadBio_Entry")

	if !page.IsUptodate() {
		t.Fatalf("page should be uptodate after the fill")
	}
	if page.IsDirty() {
		t.Fatalf("a read fill must not dirty the page")
	}

	device.drain()
	if !bytes.Equal(page.Buf, device.slab[2*4096:3*4096]) {
		t.Fatalf("page content does not match the device blocks")
	}

	readRecords = device.bios(BioOpRead)
	if 1 != len(readRecords) {
		t.Fatalf("expected 1 read bio, got %d", len(readRecords))
	}
	if (2*4096 != readRecords[0].deviceOffset) || (4096 != readRecords[0].length) || (1 != readRecords[0].numVecs) {
		t.Fatalf("unexpected read bio shape: %+v", readRecords[0])
	}

	_ = file.Purge()
}

func TestReadPageZeroPaths(t *testing.T) {
	var (
		device    *testDeviceStruct
		err       error
		fileEOF   *pagecache.FileStruct
		fileHole  *pagecache.FileStruct
		fileNew   *pagecache.FileStruct
		mapper    *testMapperStruct
		page      *pagecache.PageStruct
		zeroQuilt []byte
	)

	testSetup(t, nil)
	defer testTeardown(t)

	device = newTestDevice(16 * 4096)
	mapper = newTestMapper(device, 4096, 16)
	testPattern(device.slab, 0x33)

	zeroQuilt = make([]byte, 4096)

	// a hole reads as zeros without device I/O
	fileHole, err = pagecache.NewFile(11, 4096)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	fileHole.SetSize(4 * 4096)

	page = testReadPage(t, fileHole, mapper, 1)
	if !page.IsUptodate() {
		t.Fatalf("hole page should be uptodate")
	}
	if !bytes.Equal(page.Buf, zeroQuilt) {
		t.Fatalf("hole page should read as zeros")
	}

	// a freshly allocated block reads as zeros even though it is mapped
	fileNew, err = pagecache.NewFile(12, 4096)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	fileNew.SetSize(4 * 4096)

	mapper.setBlocks(0, 4, ExtentTypeMapped, false)
	mapper.Lock()
	mapper.blockNew[0] = true
	mapper.blockNew[1] = true
	mapper.blockNew[2] = true
	mapper.blockNew[3] = true
	mapper.Unlock()

	page = testReadPage(t, fileNew, mapper, 0)
	if !page.IsUptodate() || !bytes.Equal(page.Buf, zeroQuilt) {
		t.Fatalf("freshly allocated page should read as zeros")
	}

	// blocks at or past end of file read as zeros regardless of mapping
	fileEOF, err = pagecache.NewFile(13, 4096)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	mapper.setBlocks(0, 4, ExtentTypeMapped, false)

	page = testReadPage(t, fileEOF, mapper, 0)
	if !page.IsUptodate() || !bytes.Equal(page.Buf, zeroQuilt) {
		t.Fatalf("page past end of file should read as zeros")
	}

	if 0 != len(device.bios(BioOpRead)) {
		t.Fatalf("zero fills must not touch the device, saw %d read bios", len(device.bios(BioOpRead)))
	}

	_ = fileHole.Purge()
	_ = fileNew.Purge()
	_ = fileEOF.Purge()
}

func TestReadPageSubPageBitmap(t *testing.T) {
	var (
		device      *testDeviceStruct
		err         error
		file        *pagecache.FileStruct
		mapper      *testMapperStruct
		page        *pagecache.PageStruct
		readRecords []testBioRecord
		want        []byte
	)

	testSetup(t, nil)
	defer testTeardown(t)

	device = newTestDevice(32 * 1024)
	mapper = newTestMapper(device, 1024, 32)
	mapper.setBlocks(0, 32, ExtentTypeMapped, false)
	testPattern(device.slab, 0x44)

	file, err = pagecache.NewFile(21, 1024)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	file.SetSize(4 * 4096)

	// blocks 0 and 1 already hold valid data; only 2 and 3 need the device
	page = file.FindOrCreatePage(0)
	_ = pageStateCreate(file, page)
	testPattern(page.Buf[0:2048], 0x55)
	setRangeUptodate(page, 0, 2048)

	err = ReadPage(file, page, mapper)
	if nil != err {
		t.Fatalf("ReadPage() failed: %v", err)
	}
	page.Lock()
	page.Unlock()

	if !page.IsUptodate() {
		t.Fatalf("page should be fully uptodate after the partial fill")
	}

	device.drain()
	readRecords = device.bios(BioOpRead)
	if 1 != len(readRecords) {
		t.Fatalf("expected 1 read bio, got %d", len(readRecords))
	}
	if (2048 != readRecords[0].deviceOffset) || (2048 != readRecords[0].length) {
		t.Fatalf("read bio should cover only blocks 2 and 3: %+v", readRecords[0])
	}

	want = make([]byte, 4096)
	testPattern(want[0:2048], 0x55)
	copy(want[2048:], device.slab[2048:4096])
	if !bytes.Equal(page.Buf, want) {
		t.Fatalf("valid blocks were clobbered by the fill")
	}

	_ = file.Purge()
}

func TestReadPageInterleavedValid(t *testing.T) {
	var (
		device      *testDeviceStruct
		err         error
		file        *pagecache.FileStruct
		mapper      *testMapperStruct
		page        *pagecache.PageStruct
		readRecords []testBioRecord
		want        []byte
	)

	testSetup(t, nil)
	defer testTeardown(t)

	device = newTestDevice(32 * 1024)
	mapper = newTestMapper(device, 1024, 32)
	mapper.setBlocks(0, 32, ExtentTypeMapped, false)
	testPattern(device.slab, 0x66)

	file, err = pagecache.NewFile(22, 1024)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	file.SetSize(4 * 4096)

	// valid blocks 1 and 3 split the page into two stale runs
	page = file.FindOrCreatePage(0)
	_ = pageStateCreate(file, page)
	testPattern(page.Buf[1024:2048], 0x77)
	setRangeUptodate(page, 1024, 1024)
	testPattern(page.Buf[3072:4096], 0x88)
	setRangeUptodate(page, 3072, 1024)

	err = ReadPage(file, page, mapper)
	if nil != err {
		t.Fatalf("ReadPage() failed: %v", err)
	}
	page.Lock()
	page.Unlock()

	if !page.IsUptodate() {
		t.Fatalf("page should be fully uptodate after the fill")
	}

	device.drain()
	readRecords = device.bios(BioOpRead)
	if 2 != len(readRecords) {
		t.Fatalf("expected 2 read bios for the two stale runs, got %d", len(readRecords))
	}
	sortBioRecords(readRecords)
	if (0 != readRecords[0].deviceOffset) || (1024 != readRecords[0].length) {
		t.Fatalf("first read bio should cover block 0: %+v", readRecords[0])
	}
	if (2048 != readRecords[1].deviceOffset) || (1024 != readRecords[1].length) {
		t.Fatalf("second read bio should cover block 2: %+v", readRecords[1])
	}

	want = make([]byte, 4096)
	copy(want[0:1024], device.slab[0:1024])
	testPattern(want[1024:2048], 0x77)
	copy(want[2048:3072], device.slab[2048:3072])
	testPattern(want[3072:4096], 0x88)
	if !bytes.Equal(page.Buf, want) {
		t.Fatalf("interleaved fill produced the wrong content")
	}

	_ = file.Purge()
}

func TestReadPagesBatch(t *testing.T) {
	var (
		device      *testDeviceStruct
		err         error
		file        *pagecache.FileStruct
		i           uint64
		mapper      *testMapperStruct
		pages       []*pagecache.PageStruct
		readRecords []testBioRecord
	)

	testSetup(t, nil)
	defer testTeardown(t)

	// three stale contiguous pages ride a single bio
	device = newTestDevice(16 * 4096)
	mapper = newTestMapper(device, 4096, 16)
	mapper.setBlocks(0, 16, ExtentTypeMapped, false)
	testPattern(device.slab, 0x11)

	file, err = pagecache.NewFile(31, 4096)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	file.SetSize(16 * 4096)

	pages = nil
	for i = 0; i < 3; i++ {
		pages = append(pages, file.FindOrCreatePage(i))
	}

	err = ReadPages(file, pages, mapper)
	if nil != err {
		t.Fatalf("ReadPages() failed: %v", err)
	}
	for i = 0; i < 3; i++ {
		pages[i].Lock()
		pages[i].Unlock()
		if !pages[i].IsUptodate() {
			t.Fatalf("batch page %d should be uptodate", i)
		}
		if !bytes.Equal(pages[i].Buf, device.slab[i*4096:(i+1)*4096]) {
			t.Fatalf("batch page %d holds the wrong content", i)
		}
	}

	device.drain()
	readRecords = device.bios(BioOpRead)
	if 1 != len(readRecords) {
		t.Fatalf("contiguous batch should ride one bio, got %d", len(readRecords))
	}
	if (0 != readRecords[0].deviceOffset) || (3*4096 != readRecords[0].length) || (3 != readRecords[0].numVecs) {
		t.Fatalf("unexpected batch bio shape: %+v", readRecords[0])
	}

	_ = file.Purge()

	// an uptodate page in the middle splits the batch into two bios
	device = newTestDevice(16 * 4096)
	mapper = newTestMapper(device, 4096, 16)
	mapper.setBlocks(0, 16, ExtentTypeMapped, false)
	testPattern(device.slab, 0x22)

	file, err = pagecache.NewFile(32, 4096)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	file.SetSize(16 * 4096)

	pages = nil
	for i = 0; i < 3; i++ {
		pages = append(pages, file.FindOrCreatePage(i))
	}
	testPattern(pages[1].Buf, 0x99)
	pages[1].SetUptodate()

	err = ReadPages(file, pages, mapper)
	if nil != err {
		t.Fatalf("ReadPages() failed: %v", err)
	}
	for i = 0; i < 3; i++ {
		pages[i].Lock()
		pages[i].Unlock()
		if !pages[i].IsUptodate() {
			t.Fatalf("batch page %d should be uptodate", i)
		}
	}

	device.drain()
	readRecords = device.bios(BioOpRead)
	if 2 != len(readRecords) {
		t.Fatalf("split batch should ride two bios, got %d", len(readRecords))
	}
	sortBioRecords(readRecords)
	if (0 != readRecords[0].deviceOffset) || (4096 != readRecords[0].length) {
		t.Fatalf("first split bio should cover page 0: %+v", readRecords[0])
	}
	if (2*4096 != readRecords[1].deviceOffset) || (4096 != readRecords[1].length) {
		t.Fatalf("second split bio should cover page 2: %+v", readRecords[1])
	}

	if !bytes.Equal(pages[1].Buf[0:16], []byte{0x99, 0x9A, 0x9B, 0x9C, 0x9D, 0x9E, 0x9F, 0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0xA8}) {
		t.Fatalf("uptodate middle page was clobbered by the batch fill")
	}

	_ = file.Purge()
}

func TestReadaheadErrorBestEffort(t *testing.T) {
	var (
		device *testDeviceStruct
		err    error
		file   *pagecache.FileStruct
		i      uint64
		mapper *testMapperStruct
		pages  []*pagecache.PageStruct
	)

	testSetup(t, nil)
	defer testTeardown(t)

	device = newTestDevice(16 * 4096)
	mapper = newTestMapper(device, 4096, 16)
	mapper.setBlocks(0, 16, ExtentTypeMapped, false)
	mapper.maxExtentBlocks = 1
	mapper.failMapAtBlock[1] = blunder.NewError(blunder.IOError, "injected map failure")
	testPattern(device.slab, 0x33)

	file, err = pagecache.NewFile(41, 4096)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	file.SetSize(16 * 4096)

	pages = nil
	for i = 0; i < 3; i++ {
		pages = append(pages, file.FindOrCreatePage(i))
	}

	err = ReadPages(file, pages, mapper)
	if nil == err {
		t.Fatalf("ReadPages() should report the map failure")
	}

	// page 0 was queued before the failure and fills normally
	pages[0].Lock()
	pages[0].Unlock()
	if !pages[0].IsUptodate() {
		t.Fatalf("page 0 should have filled despite the later failure")
	}
	if !bytes.Equal(pages[0].Buf, device.slab[0:4096]) {
		t.Fatalf("page 0 holds the wrong content")
	}

	// the pages behind the failure come back unlocked, unfilled, unmarked
	for i = 1; i < 3; i++ {
		pages[i].Lock()
		pages[i].Unlock()
		if pages[i].IsUptodate() {
			t.Fatalf("page %d should not be uptodate", i)
		}
		if pages[i].IsError() {
			t.Fatalf("readahead must not mark page %d failed", i)
		}
	}

	// a targeted read of the failing page does report and mark
	pages[1].Lock()
	err = ReadPage(file, pages[1], mapper)
	if nil == err {
		t.Fatalf("ReadPage() should report the map failure")
	}
	if !pages[1].IsError() {
		t.Fatalf("a failed targeted read should mark the page")
	}
	pages[1].Lock()
	pages[1].Unlock()

	// with the injection cleared the retry succeeds
	mapper.Lock()
	delete(mapper.failMapAtBlock, 1)
	mapper.Unlock()
	pages[1].ClearError()

	pages[1].Lock()
	err = ReadPage(file, pages[1], mapper)
	if nil != err {
		t.Fatalf("ReadPage() retry failed: %v", err)
	}
	pages[1].Lock()
	pages[1].Unlock()
	if !pages[1].IsUptodate() {
		t.Fatalf("page 1 should be uptodate after the retry")
	}
	device.drain()
	if !bytes.Equal(pages[1].Buf, device.slab[4096:2*4096]) {
		t.Fatalf("page 1 holds the wrong content after the retry")
	}

	_ = file.Purge()
}

func TestReadPageDeviceError(t *testing.T) {
	var (
		device *testDeviceStruct
		err    error
		file   *pagecache.FileStruct
		mapper *testMapperStruct
		page   *pagecache.PageStruct
	)

	testSetup(t, nil)
	defer testTeardown(t)

	device = newTestDevice(16 * 4096)
	mapper = newTestMapper(device, 4096, 16)
	mapper.setBlocks(0, 16, ExtentTypeMapped, false)
	testPattern(device.slab, 0x44)

	file, err = pagecache.NewFile(51, 4096)
	if nil != err {
		t.Fatalf("pagecache.NewFile() failed: %v", err)
	}
	file.SetSize(16 * 4096)

	device.Lock()
	device.failNextReads = 1
	device.Unlock()

	page = file.FindOrCreatePage(0)
	err = ReadPage(file, page, mapper)
	if nil != err {
		t.Fatalf("ReadPage() submission should succeed even when the device will fail: %v", err)
	}
	page.Lock()
	page.Unlock()

	if !page.IsError() {
		t.Fatalf("a failed device read should mark the page")
	}
	if page.IsUptodate() {
		t.Fatalf("a failed device read must not leave the page uptodate")
	}

	// the retry protocol: clear the mark and read again
	page.ClearError()
	page.Lock()
	err = ReadPage(file, page, mapper)
	if nil != err {
		t.Fatalf("ReadPage() retry failed: %v", err)
	}
	page.Lock()
	page.Unlock()

	if !page.IsUptodate() {
		t.Fatalf("page should be uptodate after the retry")
	}
	device.drain()
	if !bytes.Equal(page.Buf, device.slab[0:4096]) {
		t.Fatalf("page holds the wrong content after the retry")
	}

	_ = file.Purge()
}
