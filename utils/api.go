// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous utilities shared by the iomap packages.
package utils

import (
	"bytes"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// TryLockMutex is a mutex supporting a timeout on the lock request. Unlike
// sync.Mutex, the goroutine calling Unlock() need not be the one that called
// Lock(); a page locked by one goroutine is unlocked by whichever I/O
// completion finishes it.
type TryLockMutex struct {
	c chan struct{} // a  lock()    request             writes a struct{} to   c
	//                 a  tryLock() request attempts to write  a struct{} to   c but will give up after a time.Duration
	//                 an unlock()  request             reads  a struct{} from c
}

func NewTryLockMutex() (tryLockMutex *TryLockMutex) {
	return &TryLockMutex{c: make(chan struct{}, 1)} // since there is space for one struct{}, lock is initially available
}

func (tryLockMutex *TryLockMutex) Lock() {
	tryLockMutex.c <- struct{}{}
}

func (tryLockMutex *TryLockMutex) TryLock(timeout time.Duration) (gotIt bool) {
	timer := time.NewTimer(timeout)
	select {
	case tryLockMutex.c <- struct{}{}:
		timer.Stop()
		gotIt = true
	case <-timer.C:
		gotIt = false
	}
	return
}

func (tryLockMutex *TryLockMutex) Unlock() {
	<-tryLockMutex.c
}

// IsLocked() returns whether the lock is currently held. The answer is stale
// the moment it is returned, so it is only useful in assertions made by a
// caller who knows the lock cannot change state underneath it.
func (tryLockMutex *TryLockMutex) IsLocked() (isLocked bool) {
	return 0 < len(tryLockMutex.c)
}

// MultiWaiterWaitGroup emulates the behavior of sync.WaitGroup while enabling
// multiple waiters.
//
// Unlike sync.WaitGroup, however, you must allocate a MultiWaiterWaitGroup
// with a call to FetchMultiWaiterWaitGroup().
type MultiWaiterWaitGroup struct {
	sync.Mutex
	cv           *sync.Cond
	numWaiters   uint64
	numSignalers int
}

func FetchMultiWaiterWaitGroup() (mwwg *MultiWaiterWaitGroup) {
	mwwg = &MultiWaiterWaitGroup{numWaiters: 0, numSignalers: 0}
	mwwg.cv = sync.NewCond(mwwg)
	return
}

func (mwwg *MultiWaiterWaitGroup) Add(delta int) {
	mwwg.Lock()
	mwwg.numSignalers += delta
	if 0 > mwwg.numSignalers {
		err := fmt.Errorf("*MultiWaiterWaitGroup.Add(%v) has taken numSignalers < 0", delta)
		panic(err)
	}
	if (0 == mwwg.numSignalers) && (0 < mwwg.numWaiters) {
		mwwg.numWaiters = 0
		mwwg.cv.Broadcast()
	}
	mwwg.Unlock()
}

func (mwwg *MultiWaiterWaitGroup) Done() {
	mwwg.Add(-1)
}

func (mwwg *MultiWaiterWaitGroup) Wait() {
	mwwg.Lock()
	for 0 != mwwg.numSignalers {
		mwwg.numWaiters++
		mwwg.cv.Wait()
	}
	mwwg.Unlock()
}

func ByteSliceToString(byteSlice []byte) (str string) {
	str = string(byteSlice[:])
	return
}

func StringToByteSlice(str string) (byteSlice []byte) {
	byteSlice = []byte(str)
	return
}

// StackTraceToGoId parses the goroutine id out of a stack trace previously
// captured by runtime.Stack(), which starts "goroutine <id> [<state>]:\n".
func StackTraceToGoId(stackTrace []byte) (gid uint64) {
	b := bytes.TrimPrefix(stackTrace, []byte("goroutine "))
	idx := bytes.IndexByte(b, ' ')
	if idx < 0 {
		return 0
	}
	gid, _ = strconv.ParseUint(string(b[:idx]), 10, 64)
	return
}

// GetGID returns the current goroutine's id. Logging the goroutine context
// is useful when untangling interleaved submission and completion paths.
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	return StackTraceToGoId(b)
}

// GetAFnName returns a string containing calling function and package
func GetAFnName(level int) string {
	// Get the PC and file for the level requested, adding one level to skip this function
	pc, _, _, _ := runtime.Caller(level + 1)
	// Retrieve a Function object this functions parent
	functionObject := runtime.FuncForPC(pc)
	// Regex to extract just the package and function name (and not the module path)
	extractFnName := regexp.MustCompile(`[^\/]*$`)
	return extractFnName.FindString(functionObject.Name())
}

// GetFuncPackage returns separate strings containing calling function and
// package, along with the current goroutine id.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	// Get the combined function and package names of our caller
	funcPkg := GetAFnName(level + 1)

	// Regex to extract the package name (beginning of string to first ".")
	extractPkgName := regexp.MustCompile(`^[^.]*`)
	pkg = extractPkgName.FindString(funcPkg)

	// Regex to extract the function name (end of string to last ".")
	extractFnName := regexp.MustCompile(`[^.]*$`)
	fn = extractFnName.FindString(funcPkg)

	gid = GetGID()

	return fn, pkg, gid
}

type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()

	// Stopwatch should have been running when stopped, but
	// to avoid making callers do error checking we just
	// don't do calculations if it wasn't.
	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Restart() {
	// Stopwatch should not be running when restarted, but
	// to avoid making callers do error checking we just
	// don't do anything if it wasn't.
	if !sw.IsRunning {
		sw.ElapsedTime = 0
		sw.StartTime = time.Now()
		sw.StopTime = time.Time{}
		sw.IsRunning = true
	}
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if !sw.IsRunning {
		// Not running, return elapsed time when stopped
		return sw.ElapsedTime
	}

	// Otherwise still running, return time so far
	return time.Since(sw.StartTime)
}

func (sw *Stopwatch) ElapsedSec() int64 {
	return int64(sw.Elapsed() / time.Second)
}

func (sw *Stopwatch) ElapsedMs() int64 {
	return int64(sw.Elapsed() / time.Millisecond)
}

func (sw *Stopwatch) ElapsedMsString() string {
	return strconv.FormatInt(sw.ElapsedMs(), 10) + "ms"
}

func (sw *Stopwatch) ElapsedString() string {
	return sw.Elapsed().String()
}
