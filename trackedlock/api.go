// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync"
)

/*
 * The trackedlock package provides an implementation of the sync.Mutex and
 * sync.RWMutex interfaces that adds tracking of lock hold time.  In addition,
 * the trackedlock.RWMutexTrack routines can be used to track other mutex-like
 * synchronization primitives, such as the per-page locks in the pagecache
 * package.
 *
 * If lock tracking is enabled, the trackedlock package checks the lock hold
 * time.  When a lock is unlocked, if it was held longer than
 * "LockHoldTimeLimit" then a warning is logged along with the stack trace of
 * the Lock() and Unlock() of the lock.  In addition, a daemon, the trackedlock
 * watcher, periodically checks to see if any lock has been locked too long.
 * When a lock is held too long, the daemon logs the goroutine ID and the stack
 * trace of the goroutine that acquired the lock.
 *
 * The config variable "TrackedLock.LockHoldTimeLimit" is the hold time that
 * triggers warning messages being logged.  If it is 0 then locks are not
 * tracked and the overhead of this package is minimal.
 *
 * The config variable "TrackedLock.LockCheckPeriod" is how often the daemon
 * checks tracked locks.  If it is 0 then no daemon is created and lock hold
 * time is checked only when the lock is unlocked (assuming it is unlocked).
 *
 * trackedlock locks can be locked before this package is initialized, but they
 * will not be tracked until the first time they are locked after
 * initialization.
 *
 * The API consists of the config based trackedlock.Up() / Down() (defined in
 * config.go) and then the Mutex, RWMutex, and RWMutexTrack interfaces.
 */

// The Mutex type that we export, which wraps sync.Mutex to add tracking of lock
// hold time and the stack trace of the locker.
//
type Mutex struct {
	wrappedMutex sync.Mutex // the actual Mutex
	tracker      MutexTrack // tracking information for the Mutex
}

// The RWMutex type that we export, which wraps sync.RWMutex to add tracking of
// lock hold time and the stack trace of the locker.
//
type RWMutex struct {
	wrappedRWMutex sync.RWMutex // actual Mutex
	rwTracker      RWMutexTrack // track holds in shared (reader) mode
}

//
// Tracked Mutex API
//
func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m, nil)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

//
// Tracked RWMutex API
//
func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()

	m.rwTracker.lockTrack(m)
}

func (m *RWMutex) Unlock() {
	m.rwTracker.unlockTrack(m)

	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()

	m.rwTracker.rLockTrack(m)
}

func (m *RWMutex) RUnlock() {
	m.rwTracker.rUnlockTrack(m)

	m.wrappedRWMutex.RUnlock()
}

//
// Direct access to the tracking API for locks that wrap some other
// synchronization primitive and cannot simply embed a Mutex or RWMutex,
// like the per-page locks in the pagecache package.  The lock implementation
// embeds an RWMutexTrack and calls the matching *Track routine after it
// acquires the lock and before it releases it.
//
func (rwmt *RWMutexTrack) LockTrack(lck interface{}) {
	rwmt.lockTrack(lck)
}

func (rwmt *RWMutexTrack) UnlockTrack(lck interface{}) {
	rwmt.unlockTrack(lck)
}

func (rwmt *RWMutexTrack) RLockTrack(lck interface{}) {
	rwmt.rLockTrack(lck)
}

func (rwmt *RWMutexTrack) RUnlockTrack(lck interface{}) {
	rwmt.rUnlockTrack(lck)
}
