// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package stats

// Stat names reported to statsd and accumulated for Dump(). The increment
// APIs take the address of one of these so the hot paths pass a single
// pointer rather than a string.

var (
	// Read path

	PageReadOps        = "iomap.page.read.operations"
	PageReadBytes      = "iomap.page.read.bytes"
	PageReadOps4K      = "iomap.page.read.operations.size-up-to-4KB"
	PageReadOps8K      = "iomap.page.read.operations.size-up-to-8KB"
	PageReadOps16K     = "iomap.page.read.operations.size-up-to-16KB"
	PageReadOps32K     = "iomap.page.read.operations.size-up-to-32KB"
	PageReadOps64K     = "iomap.page.read.operations.size-up-to-64KB"
	PageReadOpsOver64K = "iomap.page.read.operations.size-over-64KB"

	PagesReadOps     = "iomap.pages.read.operations"
	PagesReadEntries = "iomap.pages.read.pages"
	PagesReadBytes   = "iomap.pages.read.bytes"

	// Write path

	FileWriteOps         = "iomap.file.write.operations"
	FileWriteBytes       = "iomap.file.write.bytes"
	FileWriteAppended    = "iomap.file.write.appended"
	FileWriteOverwritten = "iomap.file.write.overwritten"
	FileWriteOps4K       = "iomap.file.write.operations.size-up-to-4KB"
	FileWriteOps8K       = "iomap.file.write.operations.size-up-to-8KB"
	FileWriteOps16K      = "iomap.file.write.operations.size-up-to-16KB"
	FileWriteOps32K      = "iomap.file.write.operations.size-up-to-32KB"
	FileWriteOps64K      = "iomap.file.write.operations.size-up-to-64KB"
	FileWriteOpsOver64K  = "iomap.file.write.operations.size-over-64KB"

	ZeroRangeOps   = "iomap.zero.range.operations"
	ZeroRangeBytes = "iomap.zero.range.bytes"

	PageMkwriteOps = "iomap.page.mkwrite.operations"
	PageDirtyOps   = "iomap.page.dirty.operations"

	// Writeback path

	FileWritebackOps          = "iomap.file.writeback.operations"
	FileWritebackBytes        = "iomap.file.writeback.bytes"
	FileWritebackOps4K        = "iomap.file.writeback.operations.size-up-to-4KB"
	FileWritebackOps8K        = "iomap.file.writeback.operations.size-up-to-8KB"
	FileWritebackOps16K       = "iomap.file.writeback.operations.size-up-to-16KB"
	FileWritebackOps32K       = "iomap.file.writeback.operations.size-up-to-32KB"
	FileWritebackOps64K       = "iomap.file.writeback.operations.size-up-to-64KB"
	FileWritebackOpsOver64K   = "iomap.file.writeback.operations.size-over-64KB"
	FileWritebackIoends1      = "iomap.file.writeback.ioends-1"
	FileWritebackIoendsTo4    = "iomap.file.writeback.ioends-up-to-4"
	FileWritebackIoendsTo16   = "iomap.file.writeback.ioends-up-to-16"
	FileWritebackIoendsTo64   = "iomap.file.writeback.ioends-up-to-64"
	FileWritebackIoendsOver64 = "iomap.file.writeback.ioends-over-64"

	IoendSubmitOps        = "iomap.ioend.submit.operations"
	IoendSubmitBytes      = "iomap.ioend.submit.bytes"
	IoendSubmitOps4K      = "iomap.ioend.submit.operations.size-up-to-4KB"
	IoendSubmitOps8K      = "iomap.ioend.submit.operations.size-up-to-8KB"
	IoendSubmitOps16K     = "iomap.ioend.submit.operations.size-up-to-16KB"
	IoendSubmitOps32K     = "iomap.ioend.submit.operations.size-up-to-32KB"
	IoendSubmitOps64K     = "iomap.ioend.submit.operations.size-up-to-64KB"
	IoendSubmitOpsOver64K = "iomap.ioend.submit.operations.size-over-64KB"

	FlushFileOps   = "iomap.file.flush.operations"
	PageDiscardOps = "iomap.page.discard.operations"

	// RAM disk device

	RamDiskReadOps         = "iomap.ramdisk.read.operations"
	RamDiskReadBytes       = "iomap.ramdisk.read.bytes"
	RamDiskReadOps4K       = "iomap.ramdisk.read.operations.size-up-to-4KB"
	RamDiskReadOps8K       = "iomap.ramdisk.read.operations.size-up-to-8KB"
	RamDiskReadOps16K      = "iomap.ramdisk.read.operations.size-up-to-16KB"
	RamDiskReadOps32K      = "iomap.ramdisk.read.operations.size-up-to-32KB"
	RamDiskReadOps64K      = "iomap.ramdisk.read.operations.size-up-to-64KB"
	RamDiskReadOpsOver64K  = "iomap.ramdisk.read.operations.size-over-64KB"
	RamDiskWriteOps        = "iomap.ramdisk.write.operations"
	RamDiskWriteBytes      = "iomap.ramdisk.write.bytes"
	RamDiskWriteOps4K      = "iomap.ramdisk.write.operations.size-up-to-4KB"
	RamDiskWriteOps8K      = "iomap.ramdisk.write.operations.size-up-to-8KB"
	RamDiskWriteOps16K     = "iomap.ramdisk.write.operations.size-up-to-16KB"
	RamDiskWriteOps32K     = "iomap.ramdisk.write.operations.size-up-to-32KB"
	RamDiskWriteOps64K     = "iomap.ramdisk.write.operations.size-up-to-64KB"
	RamDiskWriteOpsOver64K = "iomap.ramdisk.write.operations.size-over-64KB"

	RamDiskChecksumErrorOps = "iomap.ramdisk.checksum.errors"
	RamDiskReadFailureOps   = "iomap.ramdisk.read.failures"
	RamDiskWriteFailureOps  = "iomap.ramdisk.write.failures"
)
