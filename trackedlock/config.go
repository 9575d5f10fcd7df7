// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/iomap/conf"
	"github.com/NVIDIA/iomap/logger"
)

func parseConfMap(confMap conf.ConfMap) (err error) {

	lockHoldTimeLimit, err := confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if err != nil {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' defaulting to '0s': %v", err)
		lockHoldTimeLimit = time.Duration(0)
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if lockHoldTimeLimit < time.Second && lockHoldTimeLimit != 0 {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less than 1 sec; defaulting to '40s'")
		lockHoldTimeLimit = 40 * time.Second
	}

	lockCheckPeriod, err := confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if err != nil {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' defaulting to '0s': %v", err)
		lockCheckPeriod = time.Duration(0)
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if lockCheckPeriod < time.Second && lockCheckPeriod != 0 {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less than 1 sec; defaulting to '20s'")
		lockCheckPeriod = 20 * time.Second
	}

	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
	atomic.StoreInt64(&globals.lockCheckPeriod, int64(lockCheckPeriod))

	err = nil
	return
}

// Up initializes the package.  It must be called and successfully return
// before locks will be tracked.  Locks can still be used before it is called
// but tracking will not start until the first Lock() call after the package is
// initialized.
//
func Up(confMap conf.ConfMap) (err error) {

	err = parseConfMap(confMap)
	if err != nil {
		// parseConfMap() has logged an error
		return
	}

	lockHoldTimeLimit := time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
	lockCheckPeriod := time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %d sec  LockCheckPeriod %d sec",
		lockHoldTimeLimit/time.Second, lockCheckPeriod/time.Second)

	globals.mutexMap = make(map[*MutexTrack]interface{}, 128)
	globals.rwMutexMap = make(map[*RWMutexTrack]interface{}, 128)
	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})

	// if the lock checker is disabled or there's no time limit then
	// there's no need to start the watcher
	if lockCheckPeriod == 0 || lockHoldTimeLimit == 0 {
		return
	}

	// watch the locks to see if they are held too long
	globals.lockCheckTicker = time.NewTicker(lockCheckPeriod)
	globals.lockCheckChan = globals.lockCheckTicker.C
	go lockWatcher()

	return
}

// Down shuts down lock tracking.  Locks can still be used after it is called
// but they are no longer tracked or watched.
//
func Down() (err error) {

	logger.Infof("trackedlock.Down() called")
	if globals.lockCheckTicker != nil {
		globals.lockCheckTicker.Stop()
		globals.lockCheckTicker = nil
		globals.stopChan <- struct{}{}
		<-globals.doneChan
	}

	// turn tracking off and drop any locks still being watched
	atomic.StoreInt64(&globals.lockHoldTimeLimit, 0)
	atomic.StoreInt64(&globals.lockCheckPeriod, 0)

	globals.mapMutex.Lock()
	for mt := range globals.mutexMap {
		mt.isWatched = false
		delete(globals.mutexMap, mt)
	}
	for rwmt := range globals.rwMutexMap {
		rwmt.tracker.isWatched = false
		delete(globals.rwMutexMap, rwmt)
	}
	globals.mapMutex.Unlock()

	// err is already nil
	return
}

// Update lock tracking state based on confMap contents
//
func updateStateFromConfMap(confMap conf.ConfMap) (err error) {

	oldTimeLimit := time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
	oldCheckPeriod := time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))

	err = parseConfMap(confMap)
	if err != nil {
		logger.ErrorWithError(err, "cannot parse confMap")
		return
	}

	newTimeLimit := time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
	newCheckPeriod := time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))

	// if no change required, just return
	if newCheckPeriod == oldCheckPeriod && newTimeLimit == oldTimeLimit {
		return
	}

	logger.Infof("trackedlock lock hold time limit/lock check period changing from %d/%d sec to %d/%d sec",
		oldTimeLimit/time.Second, oldCheckPeriod/time.Second,
		newTimeLimit/time.Second, newCheckPeriod/time.Second)

	// shutdown the old watcher, if one was running
	if oldCheckPeriod != 0 && oldTimeLimit != 0 {
		globals.lockCheckTicker.Stop()
		globals.lockCheckTicker = nil
		globals.stopChan <- struct{}{}
		<-globals.doneChan
	}

	// if we're no longer watching, clean out the watch maps so the locks
	// are re-added if watching is enabled again later
	if newCheckPeriod == 0 || newTimeLimit == 0 {
		globals.mapMutex.Lock()
		for mt := range globals.mutexMap {
			mt.isWatched = false
			delete(globals.mutexMap, mt)
		}
		for rwmt := range globals.rwMutexMap {
			rwmt.tracker.isWatched = false
			delete(globals.rwMutexMap, rwmt)
		}
		globals.mapMutex.Unlock()
		return
	}

	globals.lockCheckTicker = time.NewTicker(newCheckPeriod)
	globals.lockCheckChan = globals.lockCheckTicker.C
	go lockWatcher()

	return
}
