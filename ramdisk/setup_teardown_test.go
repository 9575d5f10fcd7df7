// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramdisk

import (
	"testing"

	"github.com/NVIDIA/iomap"
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
		"Stats.UDPPort=52186",
		"Stats.BufferLength=100",
		"Stats.MaxLatency=1s",
		"TrackedLock.LockHoldTimeLimit=0s",
		"TrackedLock.LockCheckPeriod=0s",
		"PageCache.PageSize=4096",
		"PageCache.DirtyPageLimit=256",
		"PageCache.RatelimitPages=32",
		"IOMap.MaxBytesPerBio=1048576",
		"IOMap.FlushChanBufferDepth=16",
		"RamDisk.SectorSize=512",
		"RamDisk.NumCompletionWorkers=4",
		"RamDisk.CompletionChanBufferDepth=64",
		"RamDisk.ChecksumsEnabled=true",
		"RamDiskChaos.ReadFailureRate=0",
		"RamDiskChaos.WriteFailureRate=0",
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

	err = iomap.Up(testConfMap)
	if nil != err {
		t.Fatalf("iomap.Up() failed: %v", err)
	}

	err = Up(testConfMap)
	if nil != err {
		t.Fatalf("ramdisk.Up() failed: %v", err)
	}
}

func testTeardown(t *testing.T) {
	var (
		err error
	)

	err = Down()
	if nil != err {
		t.Fatalf("ramdisk.Down() failed: %v", err)
	}

	err = iomap.Down()
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
