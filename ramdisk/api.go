// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ramdisk emulates a block device behind the iomap.DeviceHandle
// interface. Written sectors live in an in-memory sorted tree keyed by sector
// number; each stored sector is a cstruct-packed header (magic, payload
// length, CityHash64 checksum) followed by the payload, so reads detect
// corruption the way a device surfaces media errors. Never-written sectors
// read as zeros.
//
// Submitted bios are serviced by a pool of completion-worker goroutines, so
// completions are delivered asynchronously and out of order with respect to
// submission, like a real disk. The [RamDiskChaos] failure rates make every
// Nth submission in a direction fail, for error-path testing.
package ramdisk

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/cstruct"
	"github.com/NVIDIA/sortedmap"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/iomap"
	"github.com/NVIDIA/iomap/blunder"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/refcntpool"
	"github.com/NVIDIA/iomap/stats"
	"github.com/NVIDIA/iomap/trackedlock"
)

// sectorHeaderMagic spells "RamDiskS" in LittleEndian memory order.
const sectorHeaderMagic = uint64(0x53_6B_73_69_44_6D_61_52)

// sectorHeaderStruct precedes every stored sector payload, packed with
// cstruct.LittleEndian. Checksum is the CityHash64 of the payload; it is
// verified on read when [RamDisk]ChecksumsEnabled says to.
type sectorHeaderStruct struct {
	Magic    uint64
	Length   uint64
	Checksum uint64
}

// RamDiskStruct is one emulated disk. It implements iomap.DeviceHandle.
//
// The embedded Mutex guards the sector tree, the chaos submission counters,
// and the closed flag. It is held across a whole bio's transfer so sectors
// cannot tear under concurrent workers.
type RamDiskStruct struct {
	trackedlock.Mutex

	name     string
	capacity uint64

	sectorTree sortedmap.LLRBTree // sector number (uint64) -> *refcntpool.RefCntBuf (packed header + payload)

	submitChan chan *iomap.Bio
	quitChan   chan struct{}
	submitWG   sync.WaitGroup
	workersWG  sync.WaitGroup

	readSubmissions  uint64
	writeSubmissions uint64

	closed bool
}

// New creates a RAM disk of the given byte capacity (a multiple of the
// configured sector size) and starts its completion workers. The name must be
// unique among open disks.
func New(name string, capacity uint64) (ramDisk *RamDiskStruct, err error) {
	var (
		ok     bool
		worker uint64
	)

	if (0 == capacity) || (0 != capacity%globals.sectorSize) {
		err = blunder.NewError(blunder.InvalidArgError,
			"ramdisk.New(\"%v\"): capacity 0x%X must be a non-zero multiple of the sector size 0x%X",
			name, capacity, globals.sectorSize)
		return
	}

	ramDisk = &RamDiskStruct{
		name:       name,
		capacity:   capacity,
		submitChan: make(chan *iomap.Bio, globals.completionChanBufferDepth),
		quitChan:   make(chan struct{}),
	}
	ramDisk.sectorTree = sortedmap.NewLLRBTree(sortedmap.CompareUint64, ramDisk)

	globals.Lock()
	_, ok = globals.diskMap[name]
	if ok {
		globals.Unlock()
		err = blunder.NewError(blunder.InvalidArgError, "ramdisk.New(\"%v\"): name already open", name)
		ramDisk = nil
		return
	}
	globals.diskMap[name] = ramDisk
	globals.Unlock()

	for worker = 0; worker < globals.numCompletionWorkers; worker++ {
		ramDisk.workersWG.Add(1)
		go ramDisk.completionWorker()
	}

	err = nil
	return
}

// Name() returns the disk's name.
func (ramDisk *RamDiskStruct) Name() (name string) {
	return ramDisk.name
}

// Capacity() returns the disk's byte capacity.
func (ramDisk *RamDiskStruct) Capacity() (capacity uint64) {
	return ramDisk.capacity
}

// Close() stops accepting bios, services whatever was already queued, and
// stops the completion workers. Bios submitted after Close() complete with a
// device-gone error.
func (ramDisk *RamDiskStruct) Close() (err error) {
	ramDisk.Lock()
	if ramDisk.closed {
		ramDisk.Unlock()
		err = blunder.NewError(blunder.InvalidArgError, "ramdisk \"%v\" already closed", ramDisk.name)
		return
	}
	ramDisk.closed = true
	ramDisk.Unlock()

	// in-flight SubmitBio() senders drain before the workers are told to go
	ramDisk.submitWG.Wait()
	close(ramDisk.quitChan)
	ramDisk.workersWG.Wait()

	globals.Lock()
	delete(globals.diskMap, ramDisk.name)
	globals.Unlock()

	err = nil
	return
}

// SubmitBio queues bio for one of the disk's completion workers. It may block
// when the submission channel is full, never on the transfer itself.
func (ramDisk *RamDiskStruct) SubmitBio(bio *iomap.Bio) {
	ramDisk.Lock()
	if ramDisk.closed {
		ramDisk.Unlock()
		bio.Complete(blunder.NewError(blunder.DeviceGoneError,
			"ramdisk \"%v\" is closed", ramDisk.name))
		return
	}
	ramDisk.submitWG.Add(1)
	ramDisk.Unlock()

	ramDisk.submitChan <- bio
	ramDisk.submitWG.Done()
}

// CorruptDeviceOffset flips one payload byte of the stored sector containing
// deviceOffset without updating its checksum, so the next checksummed read of
// it fails. It reports false if no sector was ever written there. Test use.
func (ramDisk *RamDiskStruct) CorruptDeviceOffset(deviceOffset uint64) (corrupted bool) {
	var (
		err          error
		ok           bool
		packedBuf    *refcntpool.RefCntBuf
		packedValue  sortedmap.Value
		payloadIndex uint64
		sectorNumber uint64
	)

	sectorNumber = deviceOffset / globals.sectorSize
	payloadIndex = globals.sectorHeaderSize + (deviceOffset % globals.sectorSize)

	ramDisk.Lock()
	packedValue, ok, err = ramDisk.sectorTree.GetByKey(sectorNumber)
	if nil != err {
		logger.PanicfWithError(err, "sectorTree.GetByKey(0x%016X) failed for ramdisk \"%v\"",
			sectorNumber, ramDisk.name)
	}
	if ok {
		packedBuf = packedValue.(*refcntpool.RefCntBuf)
		packedBuf.Buf[payloadIndex] ^= 0xFF
	}
	ramDisk.Unlock()

	corrupted = ok
	return
}

// completionWorker services bios until Close(). The quit path drains the
// submission channel first so every accepted bio still completes.
func (ramDisk *RamDiskStruct) completionWorker() {
	var (
		bio *iomap.Bio
	)

	defer ramDisk.workersWG.Done()

	for {
		select {
		case bio = <-ramDisk.submitChan:
			ramDisk.serviceBio(bio)
		case <-ramDisk.quitChan:
			for {
				select {
				case bio = <-ramDisk.submitChan:
					ramDisk.serviceBio(bio)
				default:
					return
				}
			}
		}
	}
}

// serviceBio performs the bio's transfer and delivers its completion. The
// disk lock is held across the transfer so concurrent workers cannot tear a
// sector.
func (ramDisk *RamDiskStruct) serviceBio(bio *iomap.Bio) {
	var (
		bioErr       error
		buf          []byte
		deviceOffset uint64
		failed       bool
	)

	ramDisk.Lock()

	switch bio.Op {
	case iomap.BioOpRead:
		ramDisk.readSubmissions++
		failed = (0 != globals.readFailureRate) && (0 == ramDisk.readSubmissions%globals.readFailureRate)
		if failed {
			stats.IncrementOperations(&stats.RamDiskReadFailureOps)
			bioErr = blunder.NewError(blunder.ReadError,
				"ramdisk \"%v\": injected read failure at device offset 0x%016X",
				ramDisk.name, bio.DeviceOffset)
		}
	case iomap.BioOpWrite:
		ramDisk.writeSubmissions++
		failed = (0 != globals.writeFailureRate) && (0 == ramDisk.writeSubmissions%globals.writeFailureRate)
		if failed {
			stats.IncrementOperations(&stats.RamDiskWriteFailureOps)
			bioErr = blunder.NewError(blunder.WritebackError,
				"ramdisk \"%v\": injected write failure at device offset 0x%016X",
				ramDisk.name, bio.DeviceOffset)
		}
	default:
		bioErr = blunder.NewError(blunder.InvalidArgError,
			"ramdisk \"%v\": unknown bio op %v", ramDisk.name, bio.Op)
		failed = true
	}

	if !failed {
		if bio.DeviceOffset+bio.Length() > ramDisk.capacity {
			bioErr = blunder.NewError(blunder.PastLayoutError,
				"ramdisk \"%v\": bio [0x%016X, 0x%016X) exceeds capacity 0x%016X",
				ramDisk.name, bio.DeviceOffset, bio.DeviceOffset+bio.Length(), ramDisk.capacity)
		} else {
			deviceOffset = bio.DeviceOffset
			for _, buf = range bio.BufList.Bufs {
				if iomap.BioOpRead == bio.Op {
					bioErr = ramDisk.readRange(deviceOffset, buf)
				} else {
					bioErr = ramDisk.writeRange(deviceOffset, buf)
				}
				if nil != bioErr {
					break
				}
				deviceOffset += uint64(len(buf))
			}
		}
	}

	ramDisk.Unlock()

	if nil == bioErr {
		if iomap.BioOpRead == bio.Op {
			stats.IncrementOperationsAndBucketedBytes(stats.RamDiskRead, bio.Length())
		} else {
			stats.IncrementOperationsAndBucketedBytes(stats.RamDiskWrite, bio.Length())
		}
	}

	bio.Complete(bioErr)
}

// fetchSectorPayload returns the payload of the stored sector, or nil if the
// sector was never written. The header is verified on every fetch; the
// checksum only when enabled. The caller holds the disk lock.
func (ramDisk *RamDiskStruct) fetchSectorPayload(sectorNumber uint64) (payload []byte, err error) {
	var (
		bytesConsumed uint64
		header        sectorHeaderStruct
		ok            bool
		packedBuf     *refcntpool.RefCntBuf
		packedValue   sortedmap.Value
	)

	packedValue, ok, err = ramDisk.sectorTree.GetByKey(sectorNumber)
	if nil != err {
		logger.PanicfWithError(err, "sectorTree.GetByKey(0x%016X) failed for ramdisk \"%v\"",
			sectorNumber, ramDisk.name)
	}
	if !ok {
		payload = nil
		err = nil
		return
	}

	packedBuf = packedValue.(*refcntpool.RefCntBuf)

	bytesConsumed, err = cstruct.Unpack(packedBuf.Buf, &header, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.UnpackError)
		return
	}
	if (sectorHeaderMagic != header.Magic) || (globals.sectorSize != header.Length) {
		err = blunder.NewError(blunder.CorruptHeaderError,
			"ramdisk \"%v\": sector 0x%016X header is corrupt (magic 0x%016X length 0x%X)",
			ramDisk.name, sectorNumber, header.Magic, header.Length)
		return
	}

	payload = packedBuf.Buf[bytesConsumed : bytesConsumed+globals.sectorSize]

	if globals.checksumsEnabled && (cityhash.Hash64(payload) != header.Checksum) {
		stats.IncrementOperations(&stats.RamDiskChecksumErrorOps)
		payload = nil
		err = blunder.NewError(blunder.ChecksumError,
			"ramdisk \"%v\": sector 0x%016X payload fails its checksum", ramDisk.name, sectorNumber)
		return
	}

	err = nil
	return
}

// storeSectorPayload packs payload behind a fresh header and (re)hooks it
// into the sector tree, releasing any prior content. The caller holds the
// disk lock; payload must be exactly one sector.
func (ramDisk *RamDiskStruct) storeSectorPayload(sectorNumber uint64, payload []byte) {
	var (
		err         error
		header      sectorHeaderStruct
		ok          bool
		oldBuf      *refcntpool.RefCntBuf
		oldValue    sortedmap.Value
		packedBuf   *refcntpool.RefCntBuf
		packedBytes []byte
	)

	header.Magic = sectorHeaderMagic
	header.Length = globals.sectorSize
	header.Checksum = cityhash.Hash64(payload)

	packedBytes, err = cstruct.Pack(header, cstruct.LittleEndian)
	if nil != err {
		logger.PanicfWithError(err, "cstruct.Pack() of a sector header failed for ramdisk \"%v\"", ramDisk.name)
	}

	packedBuf = globals.packedSectorPool.Get().(*refcntpool.RefCntBuf)
	packedBuf.Buf = packedBuf.Buf[0 : globals.sectorHeaderSize+globals.sectorSize]
	copy(packedBuf.Buf, packedBytes)
	copy(packedBuf.Buf[globals.sectorHeaderSize:], payload)

	oldValue, ok, err = ramDisk.sectorTree.GetByKey(sectorNumber)
	if nil != err {
		logger.PanicfWithError(err, "sectorTree.GetByKey(0x%016X) failed for ramdisk \"%v\"",
			sectorNumber, ramDisk.name)
	}
	if ok {
		oldBuf = oldValue.(*refcntpool.RefCntBuf)
		_, err = ramDisk.sectorTree.PatchByKey(sectorNumber, packedBuf)
		if nil != err {
			logger.PanicfWithError(err, "sectorTree.PatchByKey(0x%016X) failed for ramdisk \"%v\"",
				sectorNumber, ramDisk.name)
		}
		oldBuf.Release()
	} else {
		_, err = ramDisk.sectorTree.Put(sectorNumber, packedBuf)
		if nil != err {
			logger.PanicfWithError(err, "sectorTree.Put(0x%016X) failed for ramdisk \"%v\"",
				sectorNumber, ramDisk.name)
		}
	}
}

// readRange fills buf from the device bytes at deviceOffset. Sectors never
// written read as zeros. The caller holds the disk lock.
func (ramDisk *RamDiskStruct) readRange(deviceOffset uint64, buf []byte) (err error) {
	var (
		count        uint64
		intraOffset  uint64
		payload      []byte
		remaining    uint64
		sectorNumber uint64
	)

	remaining = uint64(len(buf))
	for 0 < remaining {
		sectorNumber = deviceOffset / globals.sectorSize
		intraOffset = deviceOffset % globals.sectorSize
		count = globals.sectorSize - intraOffset
		if count > remaining {
			count = remaining
		}

		payload, err = ramDisk.fetchSectorPayload(sectorNumber)
		if nil != err {
			return
		}
		if nil == payload {
			zeroFill(buf[0:count])
		} else {
			copy(buf[0:count], payload[intraOffset:intraOffset+count])
		}

		buf = buf[count:]
		deviceOffset += count
		remaining -= count
	}

	err = nil
	return
}

// writeRange stores buf at deviceOffset. A write covering part of a sector
// reads the sector's current payload first (zeros if never written) so the
// bytes around the window survive. The caller holds the disk lock.
func (ramDisk *RamDiskStruct) writeRange(deviceOffset uint64, buf []byte) (err error) {
	var (
		count        uint64
		intraOffset  uint64
		payload      []byte
		remaining    uint64
		sectorNumber uint64
		staging      []byte
	)

	remaining = uint64(len(buf))
	for 0 < remaining {
		sectorNumber = deviceOffset / globals.sectorSize
		intraOffset = deviceOffset % globals.sectorSize
		count = globals.sectorSize - intraOffset
		if count > remaining {
			count = remaining
		}

		if globals.sectorSize == count {
			ramDisk.storeSectorPayload(sectorNumber, buf[0:count])
		} else {
			payload, err = ramDisk.fetchSectorPayload(sectorNumber)
			if nil != err {
				return
			}
			staging = make([]byte, globals.sectorSize)
			if nil != payload {
				copy(staging, payload)
			}
			copy(staging[intraOffset:], buf[0:count])
			ramDisk.storeSectorPayload(sectorNumber, staging)
		}

		buf = buf[count:]
		deviceOffset += count
		remaining -= count
	}

	err = nil
	return
}

func zeroFill(buf []byte) {
	var (
		i int
	)

	for i = range buf {
		buf[i] = 0
	}
}

// DumpKey formats the Key (a sector number) for RamDiskStruct.sectorTree
func (ramDisk *RamDiskStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	var (
		keyAsU64 uint64
		ok       bool
	)

	keyAsU64, ok = key.(uint64)
	if ok {
		keyAsString = fmt.Sprintf("0x%016X", keyAsU64)
	} else {
		err = fmt.Errorf("Failure of *RamDiskStruct.DumpKey(%v)", key)
	}

	return
}

// DumpValue formats the Value (a packed sector) for RamDiskStruct.sectorTree
func (ramDisk *RamDiskStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	var (
		ok               bool
		valueAsPackedBuf *refcntpool.RefCntBuf
	)

	valueAsPackedBuf, ok = value.(*refcntpool.RefCntBuf)
	if ok {
		valueAsString = fmt.Sprintf("{packedLen:0x%X}", len(valueAsPackedBuf.Buf))
	} else {
		err = fmt.Errorf("Failure of *RamDiskStruct.DumpValue(%v)", value)
	}

	return
}
