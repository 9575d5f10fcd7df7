// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"fmt"
)

// Note: Following const block and HaltLabelStrings should be kept in sync

const (
	apiTestHaltLabel1 = iota
	apiTestHaltLabel2
	IOMapSubmitIoendEntry
	IOMapSubmitIoendExit
	IOMapSubmitReadBioEntry
	IOMapSubmitReadBioExit
	IOMapFinishIoendEntry
	IOMapFinishIoendExit
)

var (
	HaltLabelStrings = []string{
		"halter.testHaltLabel1",
		"halter.testHaltLabel2",
		"iomap.submitIoend_Entry",
		"iomap.submitIoend_Exit",
		"iomap.submitReadBio_Entry",
		"iomap.submitReadBio_Exit",
		"iomap.finishIoend_Entry",
		"iomap.finishIoend_Exit",
	}
)

// Arm sets up a panic on the haltAfterCount'd call to Trigger()
func Arm(haltLabelString string, haltAfterCount uint32) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		globals.Unlock()
		err := fmt.Errorf("halter.Arm(haltLabelString='%v',) - label unknown", haltLabelString)
		haltWithErr(err)
		return
	}
	if 0 == haltAfterCount {
		globals.Unlock()
		err := fmt.Errorf("halter.Arm(haltLabelString='%v',) called with haltAfterCount==0", haltLabelString)
		haltWithErr(err)
		return
	}
	globals.armedTriggers[haltLabel] = haltAfterCount
	globals.Unlock()
}

// Disarm removes a previously armed trigger via a call to Arm()
func Disarm(haltLabelString string) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		globals.Unlock()
		err := fmt.Errorf("halter.Disarm(haltLabelString='%v') - label unknown", haltLabelString)
		haltWithErr(err)
		return
	}
	delete(globals.armedTriggers, haltLabel)
	globals.Unlock()
}

// Trigger decrements the haltAfterCount if armed and, should it reach 0,
// disarms the trigger and panics
func Trigger(haltLabel uint32) {
	globals.Lock()
	numTriggersRemaining, armed := globals.armedTriggers[haltLabel]
	if !armed {
		globals.Unlock()
		return
	}
	numTriggersRemaining--
	if 0 == numTriggersRemaining {
		delete(globals.armedTriggers, haltLabel)
		globals.Unlock()
		err := fmt.Errorf("halter.Trigger(haltLabelString='%v') triggered panic()", globals.triggerNumbersToNames[haltLabel])
		haltWithErr(err)
		return
	}
	globals.armedTriggers[haltLabel] = numTriggersRemaining
	globals.Unlock()
}

// Dump returns a map of currently armed triggers and their remaining trigger count
func Dump() (armedTriggers map[string]uint32) {
	armedTriggers = make(map[string]uint32)
	globals.Lock()
	for k, v := range globals.armedTriggers {
		armedTriggers[globals.triggerNumbersToNames[k]] = v
	}
	globals.Unlock()
	return
}

// List returns a slice of available triggers
func List() (availableTriggers []string) {
	availableTriggers = make([]string, 0, len(globals.triggerNamesToNumbers))
	for k := range globals.triggerNamesToNumbers {
		availableTriggers = append(availableTriggers, k)
	}
	return
}
