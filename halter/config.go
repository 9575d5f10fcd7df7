// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"sync"

	"github.com/NVIDIA/iomap/conf"
	"github.com/NVIDIA/iomap/logger"
)

type globalsStruct struct {
	sync.Mutex
	armedTriggers         map[uint32]uint32 // key: haltLabel; value: haltAfterCount (remaining)
	triggerNamesToNumbers map[string]uint32
	triggerNumbersToNames map[uint32]string
	testModePanicCB       func(err error)
}

var globals globalsStruct

// Up initializes the package and must successfully return before any API functions are invoked
func Up(confMap conf.ConfMap) (err error) {
	globals.armedTriggers = make(map[uint32]uint32)
	globals.triggerNamesToNumbers = make(map[string]uint32)
	globals.triggerNumbersToNames = make(map[uint32]string)
	for i, s := range HaltLabelStrings {
		globals.triggerNamesToNumbers[s] = uint32(i)
		globals.triggerNumbersToNames[uint32(i)] = s
	}
	globals.testModePanicCB = nil
	err = nil
	return
}

// Down terminates the halter package
func Down() (err error) {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]uint32)
	globals.Unlock()
	err = nil
	return
}

func configureTestModePanicCB(testPanic func(err error)) {
	globals.Lock()
	globals.testModePanicCB = testPanic
	globals.Unlock()
}

func haltWithErr(err error) {
	if nil == globals.testModePanicCB {
		logger.PanicfWithError(err, "halter.Trigger() reached zero")
	} else {
		globals.testModePanicCB(err)
	}
}
