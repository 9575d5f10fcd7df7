// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/iomap/conf"
	"github.com/NVIDIA/iomap/logger"
)

var testConfMap conf.ConfMap

func testSetup(t *testing.T) {
	var (
		err             error
		testConfStrings []string
	)

	testConfStrings = []string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
	}

	testConfMap, err = conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = logger.Up(testConfMap)
	if nil != err {
		t.Fatalf("logger.Up() failed: %v", err)
	}
}

func testTeardown(t *testing.T) {
	var (
		err error
	)

	err = logger.Down()
	if nil != err {
		t.Fatalf("logger.Down() failed: %v", err)
	}
}

func TestValues(t *testing.T) {
	if NotPermError.Value() != int(unix.EPERM) {
		t.Fatalf("Error, NotPermError != %d", int(unix.EPERM))
	}
	if InterruptedError.Value() != int(unix.EINTR) {
		t.Fatalf("Error, InterruptedError != %d", int(unix.EINTR))
	}
	if IOError.Value() != int(unix.EIO) {
		t.Fatalf("Error, IOError != %d", int(unix.EIO))
	}
	if BadAddressError.Value() != int(unix.EFAULT) {
		t.Fatalf("Error, BadAddressError != %d", int(unix.EFAULT))
	}
	if SuccessError.Value() != successErrno {
		t.Fatalf("Error, SuccessError != %d", successErrno)
	}

	// aliased constants share the underlying errno
	if ReadError.Value() != IOError.Value() {
		t.Fatalf("Error, ReadError and IOError should share an errno")
	}
	if DeviceFullError.Value() != int(unix.ENOSPC) {
		t.Fatalf("Error, DeviceFullError != %d", int(unix.ENOSPC))
	}
}

func checkValue(t *testing.T, testInfo string, actualVal int, expectedVal int) {
	if actualVal != expectedVal {
		t.Fatalf("Error, %s value was %d, expected %d", testInfo, actualVal, expectedVal)
	}
}

func TestDefaultErrno(t *testing.T) {
	testSetup(t)

	// Nil error test
	var err error

	// Now try to get error val out of err. We should get a default value, since error value hasn't been set.
	errno := Errno(err)

	// Since err is nil, the default value should be successErrno
	checkValue(t, "nil error", errno, successErrno)

	// IsSuccess should return true and IsNotSuccess should return false
	if !IsSuccess(err) {
		t.Fatalf("Error, IsSuccess() returned false for error %v (errno %v)", ErrorString(err), Errno(err))
	}
	if IsNotSuccess(err) {
		t.Fatalf("Error, IsNotSuccess() returned true for error %v", ErrorString(err))
	}

	// Non-nil error test
	err = fmt.Errorf("This is an ordinary error")

	// Since err is non-nil, the default value should be failureErrno (-1)
	errno = Errno(err)
	checkValue(t, "non-nil error", errno, failureErrno)

	// IsSuccess should return false and IsNotSuccess should return true
	if IsSuccess(err) {
		t.Fatalf("Error, IsSuccess() returned true for error %v (errno %v)", ErrorString(err), Errno(err))
	}
	if !IsNotSuccess(err) {
		t.Fatalf("Error, IsNotSuccess() returned false for error %v", ErrorString(err))
	}

	// Specific error test
	err = AddError(err, InvalidArgError)
	errno = Errno(err)
	checkValue(t, "specific error", errno, InvalidArgError.Value())

	testTeardown(t)
}

func TestAddValue(t *testing.T) {
	testSetup(t)

	// Add value to a nil error (not recommended as a strategy, but it needs to work anyway)
	var err error
	err = AddError(err, InterruptedError)
	errno := Errno(err)
	checkValue(t, "specific error", errno, InterruptedError.Value())
	if !hasErrnoValue(err) {
		t.Fatalf("Error, hasErrnoValue returned false for error %v", ErrorString(err))
	}
	// Validate the Is* APIs on what started as a nil error
	if !Is(err, InterruptedError) {
		t.Fatalf("Error, Is() returned false for error %v is InterruptedError", ErrorString(err))
	}
	if Is(err, NotFoundError) {
		t.Fatalf("Error, Is() returned true for error %v is NotFoundError", ErrorString(err))
	}
	if !IsNot(err, InvalidArgError) {
		t.Fatalf("Error, IsNot() returned false for error %v is InvalidArgError", ErrorString(err))
	}
	if IsSuccess(err) {
		t.Fatalf("Error, IsSuccess() returned true for error %v", ErrorString(err))
	}
	if !IsNotSuccess(err) {
		t.Fatalf("Error, IsNotSuccess() returned false for error %v", ErrorString(err))
	}

	// Add value to a non-nil error
	err = fmt.Errorf("This is an ordinary error")
	err = AddError(err, ReadError)
	errno = Errno(err)
	checkValue(t, "specific error", errno, ReadError.Value())
	if !hasErrnoValue(err) {
		t.Fatalf("Error, hasErrnoValue returned false for error %v", ErrorString(err))
	}
	// Validate the Is* APIs on what started as a non-nil error
	if !Is(err, ReadError) {
		t.Fatalf("Error, Is() returned false for error %v is ReadError", ErrorString(err))
	}

	// Is() compares the underlying errno, so FsErrors aliased to the same
	// errno are indistinguishable to it
	if !Is(err, WritebackError) {
		t.Fatalf("Error, Is() returned false for error %v is WritebackError", ErrorString(err))
	}
	if Is(err, BadAddressError) {
		t.Fatalf("Error, Is() returned true for error %v is BadAddressError", ErrorString(err))
	}
	if !IsNot(err, BadAddressError) {
		t.Fatalf("Error, IsNot() returned false for error %v is BadAddressError", ErrorString(err))
	}

	// Add a different value to a non-nil error
	err = AddError(err, DeviceFullError)
	errno = Errno(err)
	checkValue(t, "specific error", errno, DeviceFullError.Value())
	if !Is(err, DeviceFullError) {
		t.Fatalf("Error, Is() returned false for error %v is DeviceFullError", ErrorString(err))
	}

	testTeardown(t)
}

func TestNewError(t *testing.T) {
	testSetup(t)

	err := NewError(ChecksumError, "sector %d checksum mismatch", 42)
	if !Is(err, ChecksumError) {
		t.Fatalf("Error, Is() returned false for error %v is ChecksumError", ErrorString(err))
	}
	if !strings.Contains(err.Error(), "sector 42 checksum mismatch") {
		t.Fatalf("Error, NewError() did not format its message: %v", err.Error())
	}

	// NewError should have captured where it was called from
	file, line := Location(err)
	if ("" == file) || (0 == line) {
		t.Fatalf("Error, Location() returned no location for error %v", ErrorString(err))
	}
	if !strings.Contains(file, "api_test.go") {
		t.Fatalf("Error, Location() returned file %v instead of this test file", file)
	}

	testTeardown(t)
}
