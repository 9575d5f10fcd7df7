package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/NVIDIA/iomap"
	"github.com/NVIDIA/iomap/conf"
	"github.com/NVIDIA/iomap/extmap"
	"github.com/NVIDIA/iomap/halter"
	"github.com/NVIDIA/iomap/logger"
	"github.com/NVIDIA/iomap/pagecache"
	"github.com/NVIDIA/iomap/ramdisk"
	"github.com/NVIDIA/iomap/stats"
	"github.com/NVIDIA/iomap/trackedlock"
	"github.com/NVIDIA/iomap/utils"
)

type rwTimesStruct struct {
	writeDuration time.Duration
	readDuration  time.Duration
}

type rwSizeEachStruct struct {
	name          string
	KiB           uint64
	bufferedTimes rwTimesStruct
	deviceTimes   rwTimesStruct
	SharedRamDisk *ramdisk.RamDiskStruct  // Only used if all threads use same file
	SharedExtMap  *extmap.ExtentMapStruct // Only used if all threads use same file
	SharedFile    *pagecache.FileStruct   // Only used if all threads use same file
}

var (
	doNextStepChan  chan bool
	mutex           sync.Mutex
	nextInodeNumber uint64
	rwSizeTotal     uint64
	stepErrChan     chan error
)

func usage(file *os.File) {
	fmt.Fprintf(file, "Usage:\n")
	fmt.Fprintf(file, "    %v [bdru]+ threads rw-size-in-mb conf-file [section.option=value]*\n", os.Args[0])
	fmt.Fprintf(file, "  where:\n")
	fmt.Fprintf(file, "    b                       run tests through the buffered I/O path (page cache + extent map + ram disk)\n")
	fmt.Fprintf(file, "    d                       run tests against the ram disk directly (raw bios, no page cache)\n")
	fmt.Fprintf(file, "    r                       run tests with random I/O instead of sequential\n")
	fmt.Fprintf(file, "    u                       run multiple readers/writers on the same file\n")
	fmt.Fprintf(file, "    threads                 number of threads\n")
	fmt.Fprintf(file, "    rw-size-in-mb           number of MiB per thread per test case\n")
	fmt.Fprintf(file, "    conf-file               input to conf.MakeConfMapFromFile()\n")
	fmt.Fprintf(file, "    [section.option=value]* optional input to conf.UpdateFromStrings()\n")
	fmt.Fprintf(file, "\n")
	fmt.Fprintf(file, "Note: At least one of b or d must be specified\n")
	fmt.Fprintf(file, "\n")
	fmt.Fprintf(file, "The default is a sequential test on a different file per thread.\n")
	fmt.Fprintf(file, "    r specifies that the buffered I/O is random instead of sequential.\n")
	fmt.Fprintf(file, "    u specifies that all threads operate on the same file.\n")
}

func allocInodeNumber() (inodeNumber uint64) {
	mutex.Lock()
	nextInodeNumber++
	inodeNumber = nextInodeNumber
	mutex.Unlock()
	return
}

func main() {
	var (
		confMap conf.ConfMap

		doBufferedWorkout = false
		doDeviceWorkout   = false
		doRandomIO        = false
		doSameFile        = false

		timeBeforeWrites time.Time
		timeAfterWrites  time.Time
		timeBeforeReads  time.Time
		timeAfterReads   time.Time

		bandwidthNumerator float64

		rwSizeEachArray = [...]*rwSizeEachStruct{
			&rwSizeEachStruct{name: " 4 KiB", KiB: 4},
			&rwSizeEachStruct{name: " 8 KiB", KiB: 8},
			&rwSizeEachStruct{name: "16 KiB", KiB: 16},
			&rwSizeEachStruct{name: "32 KiB", KiB: 32},
			&rwSizeEachStruct{name: "64 KiB", KiB: 64},
		}
	)

	// Parse arguments

	if 5 > len(os.Args) {
		usage(os.Stderr)
		os.Exit(1)
	}

	for _, workoutSelector := range os.Args[1] {
		switch workoutSelector {
		case 'b':
			doBufferedWorkout = true
		case 'd':
			doDeviceWorkout = true
		case 'r':
			doRandomIO = true
		case 'u':
			doSameFile = true
		default:
			fmt.Fprintf(os.Stderr, "workoutSelector ('%v') must be one of 'b', 'd', 'r', or 'u'\n", string(workoutSelector))
			os.Exit(1)
		}
	}

	if !(doBufferedWorkout || doDeviceWorkout) {
		fmt.Fprintf(os.Stderr, "workoutSelectors must include at least one of 'b' or 'd'\n")
		os.Exit(1)
	}

	threads, err := strconv.ParseUint(os.Args[2], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) failed: %v\n", os.Args[2], err)
		os.Exit(1)
	}
	if 0 == threads {
		fmt.Fprintf(os.Stderr, "threads must be a positive number\n")
		os.Exit(1)
	}

	rwSizeTotalMiB, err := strconv.ParseUint(os.Args[3], 10, 64)
	if nil != err {
		fmt.Fprintf(os.Stderr, "strconv.ParseUint(\"%v\", 10, 64) failed: %v\n", os.Args[3], err)
		os.Exit(1)
	}
	if 0 == rwSizeTotalMiB {
		fmt.Fprintf(os.Stderr, "rw-size-in-mb must be a positive number\n")
		os.Exit(1)
	}

	rwSizeTotal = rwSizeTotalMiB * 1024 * 1024

	confMap, err = conf.MakeConfMapFromFile(os.Args[4])
	if nil != err {
		fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromFile(\"%v\") failed: %v\n", os.Args[4], err)
		os.Exit(1)
	}

	if 5 < len(os.Args) {
		err = confMap.UpdateFromStrings(os.Args[5:])
		if nil != err {
			fmt.Fprintf(os.Stderr, "confMap.UpdateFromStrings(%#v) failed: %v\n", os.Args[5:], err)
			os.Exit(1)
		}
	}

	// Start up the needed components

	err = logger.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = stats.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "stats.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = halter.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "halter.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = trackedlock.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "trackedlock.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = pagecache.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "pagecache.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = iomap.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "iomap.Up() failed: %v\n", err)
		os.Exit(1)
	}

	err = ramdisk.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "ramdisk.Up() failed: %v\n", err)
		os.Exit(1)
	}

	// Perform tests

	workoutStopwatch := utils.NewStopwatch()

	stepErrChan = make(chan error, threads)
	doNextStepChan = make(chan bool, threads)

	if doBufferedWorkout {
		for _, rwSizeEach := range rwSizeEachArray {
			// If all threads share one file, create it (and its disk) now
			if doSameFile {
				err = createSharedFile(rwSizeEach)
				if nil != err {
					fmt.Fprintf(os.Stderr, "createSharedFile() failed: %v\n", err)
					os.Exit(1)
				}
			}

			// Do initialization step
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				go bufferedWorkout(rwSizeEach, threadIndex, doSameFile, doRandomIO)
			}
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				err = <-stepErrChan
				if nil != err {
					fmt.Fprintf(os.Stderr, "bufferedWorkout() initialization step returned: %v\n", err)
					os.Exit(1)
				}
			}
			// Do writes step
			timeBeforeWrites = time.Now()
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				doNextStepChan <- true
			}
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				err = <-stepErrChan
				if nil != err {
					fmt.Fprintf(os.Stderr, "bufferedWorkout() write step returned: %v\n", err)
					os.Exit(1)
				}
			}
			timeAfterWrites = time.Now()
			// Do reads step
			timeBeforeReads = time.Now()
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				doNextStepChan <- true
			}
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				err = <-stepErrChan
				if nil != err {
					fmt.Fprintf(os.Stderr, "bufferedWorkout() read step returned: %v\n", err)
					os.Exit(1)
				}
			}
			timeAfterReads = time.Now()
			// Do shutdown step
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				doNextStepChan <- true
			}
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				err = <-stepErrChan
				if nil != err {
					fmt.Fprintf(os.Stderr, "bufferedWorkout() shutdown step returned: %v\n", err)
					os.Exit(1)
				}
			}

			if doSameFile {
				err = destroySharedFile(rwSizeEach)
				if nil != err {
					fmt.Fprintf(os.Stderr, "destroySharedFile() failed: %v\n", err)
					os.Exit(1)
				}
			}

			rwSizeEach.bufferedTimes.writeDuration = timeAfterWrites.Sub(timeBeforeWrites)
			rwSizeEach.bufferedTimes.readDuration = timeAfterReads.Sub(timeBeforeReads)
		}
	}

	if doDeviceWorkout {
		for _, rwSizeEach := range rwSizeEachArray {
			// Do initialization step
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				go deviceWorkout(rwSizeEach, threadIndex)
			}
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				err = <-stepErrChan
				if nil != err {
					fmt.Fprintf(os.Stderr, "deviceWorkout() initialization step returned: %v\n", err)
					os.Exit(1)
				}
			}
			// Do writes step
			timeBeforeWrites = time.Now()
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				doNextStepChan <- true
			}
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				err = <-stepErrChan
				if nil != err {
					fmt.Fprintf(os.Stderr, "deviceWorkout() write step returned: %v\n", err)
					os.Exit(1)
				}
			}
			timeAfterWrites = time.Now()
			// Do reads step
			timeBeforeReads = time.Now()
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				doNextStepChan <- true
			}
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				err = <-stepErrChan
				if nil != err {
					fmt.Fprintf(os.Stderr, "deviceWorkout() read step returned: %v\n", err)
					os.Exit(1)
				}
			}
			timeAfterReads = time.Now()
			// Do shutdown step
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				doNextStepChan <- true
			}
			for threadIndex := uint64(0); threadIndex < threads; threadIndex++ {
				err = <-stepErrChan
				if nil != err {
					fmt.Fprintf(os.Stderr, "deviceWorkout() shutdown step returned: %v\n", err)
					os.Exit(1)
				}
			}

			rwSizeEach.deviceTimes.writeDuration = timeAfterWrites.Sub(timeBeforeWrites)
			rwSizeEach.deviceTimes.readDuration = timeAfterReads.Sub(timeBeforeReads)
		}
	}

	workoutElapsed := workoutStopwatch.Stop()

	// Stop the components (in reverse order)

	err = ramdisk.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "ramdisk.Down() failed: %v\n", err)
		os.Exit(1)
	}

	err = iomap.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "iomap.Down() failed: %v\n", err)
		os.Exit(1)
	}

	err = pagecache.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "pagecache.Down() failed: %v\n", err)
		os.Exit(1)
	}

	err = trackedlock.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "trackedlock.Down() failed: %v\n", err)
		os.Exit(1)
	}

	err = halter.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "halter.Down() failed: %v\n", err)
		os.Exit(1)
	}

	err = stats.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "stats.Down() failed: %v\n", err)
		os.Exit(1)
	}

	err = logger.Down()
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Down() failed: %v\n", err)
		os.Exit(1)
	}

	// Report results

	bandwidthNumerator = float64(threads*rwSizeTotal) / float64(1024*1024)

	fmt.Printf("Bandwidth results for %v MiB per thread with %v thread(s)\n", rwSizeTotalMiB, threads)
	fmt.Printf("   (in MiB/sec)   ")
	for _, rwSizeEach := range rwSizeEachArray {
		fmt.Printf("   %s", rwSizeEach.name)
	}
	fmt.Printf("\n")

	if doBufferedWorkout {
		fmt.Printf("buffered     read ")
		for _, rwSizeEach := range rwSizeEachArray {
			fmt.Printf(" %8.2f", bandwidthNumerator/rwSizeEach.bufferedTimes.readDuration.Seconds())
		}
		fmt.Printf("\n")
		fmt.Printf("            write ")
		for _, rwSizeEach := range rwSizeEachArray {
			fmt.Printf(" %8.2f", bandwidthNumerator/rwSizeEach.bufferedTimes.writeDuration.Seconds())
		}
		fmt.Printf("\n")
	}

	if doDeviceWorkout {
		fmt.Printf("device       read ")
		for _, rwSizeEach := range rwSizeEachArray {
			fmt.Printf(" %8.2f", bandwidthNumerator/rwSizeEach.deviceTimes.readDuration.Seconds())
		}
		fmt.Printf("\n")
		fmt.Printf("            write ")
		for _, rwSizeEach := range rwSizeEachArray {
			fmt.Printf(" %8.2f", bandwidthNumerator/rwSizeEach.deviceTimes.writeDuration.Seconds())
		}
		fmt.Printf("\n")
	}

	fmt.Printf("\nTotal workout time: %v\n", workoutElapsed)
}

func createSharedFile(rwSizeEach *rwSizeEachStruct) (err error) {
	var (
		inodeNumber uint64
	)

	inodeNumber = allocInodeNumber()

	rwSizeEach.SharedRamDisk, err = ramdisk.New(fmt.Sprintf("iomapworkout-u-%vKiB", rwSizeEach.KiB), rwSizeTotal)
	if nil != err {
		return
	}

	rwSizeEach.SharedExtMap, err = extmap.New(inodeNumber, rwSizeEach.SharedRamDisk, rwSizeTotal, pagecache.PageSize())
	if nil != err {
		return
	}

	rwSizeEach.SharedFile, err = pagecache.NewFile(inodeNumber, pagecache.PageSize())
	if nil != err {
		return
	}
	rwSizeEach.SharedFile.SetSize(rwSizeTotal)

	iomap.AttachWritebackOps(rwSizeEach.SharedFile, rwSizeEach.SharedExtMap)

	err = nil
	return
}

func destroySharedFile(rwSizeEach *rwSizeEachStruct) (err error) {
	iomap.DetachWritebackOps(rwSizeEach.SharedFile)
	_ = rwSizeEach.SharedFile.Purge()

	err = rwSizeEach.SharedRamDisk.Close()

	rwSizeEach.SharedRamDisk = nil
	rwSizeEach.SharedExtMap = nil
	rwSizeEach.SharedFile = nil
	return
}

func bufferedWorkout(rwSizeEach *rwSizeEachStruct, threadIndex uint64, doSameFile bool, doRandomIO bool) {
	var (
		err         error
		extentMap   *extmap.ExtentMapStruct
		file        *pagecache.FileStruct
		inodeNumber uint64
		ramDisk     *ramdisk.RamDiskStruct
	)

	if doSameFile {
		ramDisk = rwSizeEach.SharedRamDisk
		extentMap = rwSizeEach.SharedExtMap
		file = rwSizeEach.SharedFile
	} else {
		inodeNumber = allocInodeNumber()

		ramDisk, err = ramdisk.New(fmt.Sprintf("iomapworkout-b-%vKiB-%v", rwSizeEach.KiB, threadIndex), rwSizeTotal)
		if nil != err {
			stepErrChan <- fmt.Errorf("ramdisk.New() failed: %v", err)
			return
		}
		extentMap, err = extmap.New(inodeNumber, ramDisk, rwSizeTotal, pagecache.PageSize())
		if nil != err {
			stepErrChan <- fmt.Errorf("extmap.New() failed: %v", err)
			return
		}
		file, err = pagecache.NewFile(inodeNumber, pagecache.PageSize())
		if nil != err {
			stepErrChan <- fmt.Errorf("pagecache.NewFile() failed: %v", err)
			return
		}
		file.SetSize(rwSizeTotal)

		iomap.AttachWritebackOps(file, extentMap)
	}

	rwSizeRequested := rwSizeEach.KiB * 1024

	bufWritten := make([]byte, rwSizeRequested)

	stepErrChan <- nil
	_ = <-doNextStepChan

	if doRandomIO {
		var rwOffset uint64

		// We cannot cover the file by walking it, so count the I/Os instead.
		numberIOsNeeded := rwSizeTotal / rwSizeRequested
		for i := uint64(0); i < numberIOsNeeded; i++ {

			// The first I/O goes to the very end so the file always reaches
			// its full size.
			if 0 == i {
				rwOffset = rwSizeTotal - rwSizeRequested
			} else {
				rwOffset = uint64(rand.Int63n(int64(rwSizeTotal-rwSizeRequested))) &^ (pagecache.PageSize() - 1)
			}
			written, writeErr := iomap.Write(context.Background(), file, rwOffset, bufWritten, extentMap)
			if nil != writeErr {
				stepErrChan <- fmt.Errorf("iomap.Write() failed: %v", writeErr)
				return
			}
			if rwSizeRequested != written {
				stepErrChan <- fmt.Errorf("iomap.Write() only wrote %v of %v bytes", written, rwSizeRequested)
				return
			}
		}
	} else {
		for rwOffset := uint64(0); rwOffset < rwSizeTotal; rwOffset += rwSizeRequested {
			written, writeErr := iomap.Write(context.Background(), file, rwOffset, bufWritten, extentMap)
			if nil != writeErr {
				stepErrChan <- fmt.Errorf("iomap.Write() failed: %v", writeErr)
				return
			}
			if rwSizeRequested != written {
				stepErrChan <- fmt.Errorf("iomap.Write() only wrote %v of %v bytes", written, rwSizeRequested)
				return
			}
		}
	}

	err = iomap.FlushFile(context.Background(), file)
	if nil != err {
		stepErrChan <- fmt.Errorf("iomap.FlushFile() failed: %v", err)
		return
	}

	// drop the cache so the read step actually reaches the disk
	if !doSameFile {
		_ = file.Purge()
	}

	stepErrChan <- nil
	_ = <-doNextStepChan

	if doRandomIO {
		numberIOsNeeded := rwSizeTotal / rwSizeRequested
		for i := uint64(0); i < numberIOsNeeded; i++ {
			rwOffset := uint64(rand.Int63n(int64(rwSizeTotal-rwSizeRequested))) &^ (pagecache.PageSize() - 1)
			err = readChunk(file, extentMap, rwOffset, rwSizeRequested)
			if nil != err {
				stepErrChan <- err
				return
			}
		}
	} else {
		for rwOffset := uint64(0); rwOffset < rwSizeTotal; rwOffset += rwSizeRequested {
			err = readChunk(file, extentMap, rwOffset, rwSizeRequested)
			if nil != err {
				stepErrChan <- err
				return
			}
		}
	}

	stepErrChan <- nil
	_ = <-doNextStepChan

	if !doSameFile {
		iomap.DetachWritebackOps(file)
		_ = file.Purge()
		err = ramDisk.Close()
		if nil != err {
			stepErrChan <- fmt.Errorf("ramDisk.Close() failed: %v", err)
			return
		}
	}

	stepErrChan <- nil
}

// readChunk reads [rwOffset, rwOffset+rwSize) through the page cache and
// waits until every page is uptodate. rwOffset and rwSize are page aligned.
func readChunk(file *pagecache.FileStruct, extentMap *extmap.ExtentMapStruct, rwOffset uint64, rwSize uint64) (err error) {
	var (
		firstPageIndex uint64
		page           *pagecache.PageStruct
		pageCount      uint64
		pages          []*pagecache.PageStruct
	)

	firstPageIndex = rwOffset / pagecache.PageSize()
	pageCount = rwSize / pagecache.PageSize()

	pages = make([]*pagecache.PageStruct, 0, pageCount)
	for i := uint64(0); i < pageCount; i++ {
		pages = append(pages, file.FindOrCreatePage(firstPageIndex+i))
	}

	err = iomap.ReadPages(file, pages, extentMap)
	if nil != err {
		err = fmt.Errorf("iomap.ReadPages() failed: %v", err)
		return
	}

	for _, page = range pages {
		page.Lock()
		page.Unlock()
		if !page.IsUptodate() {
			err = fmt.Errorf("page at index %v failed to become uptodate", page.Index)
			return
		}
	}

	err = nil
	return
}

func deviceWorkout(rwSizeEach *rwSizeEachStruct, threadIndex uint64) {
	var (
		bufFile *pagecache.FileStruct
		err     error
		pages   []*pagecache.PageStruct
		ramDisk *ramdisk.RamDiskStruct
	)

	ramDisk, err = ramdisk.New(fmt.Sprintf("iomapworkout-d-%vKiB-%v", rwSizeEach.KiB, threadIndex), rwSizeTotal)
	if nil != err {
		stepErrChan <- fmt.Errorf("ramdisk.New() failed: %v", err)
		return
	}

	rwSizeRequested := rwSizeEach.KiB * 1024
	pagesPerIO := rwSizeRequested / pagecache.PageSize()

	// the transfer buffer is a run of page cache pages from a scratch file
	bufFile, err = pagecache.NewFile(allocInodeNumber(), pagecache.PageSize())
	if nil != err {
		stepErrChan <- fmt.Errorf("pagecache.NewFile() failed: %v", err)
		return
	}
	bufFile.SetSize(rwSizeRequested)

	pages = make([]*pagecache.PageStruct, 0, pagesPerIO)
	for i := uint64(0); i < pagesPerIO; i++ {
		page := bufFile.FindOrCreatePage(i)
		page.Unlock()
		pages = append(pages, page)
	}

	stepErrChan <- nil
	_ = <-doNextStepChan

	for rwOffset := uint64(0); rwOffset < rwSizeTotal; rwOffset += rwSizeRequested {
		err = submitAndWait(ramDisk, rwOffset, iomap.BioOpWrite, pages)
		if nil != err {
			stepErrChan <- fmt.Errorf("write bio at device offset 0x%016X failed: %v", rwOffset, err)
			return
		}
	}

	stepErrChan <- nil
	_ = <-doNextStepChan

	for rwOffset := uint64(0); rwOffset < rwSizeTotal; rwOffset += rwSizeRequested {
		err = submitAndWait(ramDisk, rwOffset, iomap.BioOpRead, pages)
		if nil != err {
			stepErrChan <- fmt.Errorf("read bio at device offset 0x%016X failed: %v", rwOffset, err)
			return
		}
	}

	stepErrChan <- nil
	_ = <-doNextStepChan

	_ = bufFile.Purge()
	err = ramDisk.Close()
	if nil != err {
		stepErrChan <- fmt.Errorf("ramDisk.Close() failed: %v", err)
		return
	}

	stepErrChan <- nil
}

// submitAndWait sends one bio covering pages to the disk and blocks until it
// completes.
func submitAndWait(ramDisk *ramdisk.RamDiskStruct, deviceOffset uint64, op iomap.BioOp, pages []*pagecache.PageStruct) (err error) {
	var (
		doneChan chan error
	)

	doneChan = make(chan error, 1)

	bio := iomap.NewBio(ramDisk, deviceOffset, op, func(bio *iomap.Bio, bioErr error) {
		doneChan <- bioErr
	})
	for _, page := range pages {
		bio.AppendPageRange(page, 0, pagecache.PageSize())
	}
	ramDisk.SubmitBio(bio)

	err = <-doneChan
	return
}
