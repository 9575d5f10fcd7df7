// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ConfMap is accessed via confMap[section_name][option_name][option_value_index] or via the methods below

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns a newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromStrings(confStrings)
	return
}

// RegEx components used below:

const assignment = "([ \t]*[=:][ \t]*)"
const dot = "(\\.)"
const separator = "([ \t]+|([ \t]*,[ \t]*))"
const token = "([0-9A-Za-z_\\*\\-/:\\.]+)"

// A string to load looks like:
//
//   <section_name_0>.<option_name_0> =
//     or
//   <section_name_1>.<option_name_1> : <value_1>
//     or
//   <section_name_2>.<option_name_2> = <value_2>, <value_3>

var confStringRE = regexp.MustCompile("\\A" + token + dot + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
var sectionOptionSeparatorRE = regexp.MustCompile(dot)

// A .conf file to load typically looks like:
//
//   [<section_name_1>]
//   <option_name_0> :
//   <option_name_1> = <value_1>
//   <option_name_2> : <value_2> <value_3>
//
//   # A comment on its own line starting with '#'
//   ; A comment on its own line starting with ';'

var sectionHeaderLineRE = regexp.MustCompile("\\A\\[" + token + "\\]\\z")
var optionLineRE = regexp.MustCompile("\\A" + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")

var optionAssignmentRE = regexp.MustCompile(assignment)
var optionValueSeparatorRE = regexp.MustCompile(separator)

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	var (
		confStringTrimmed string
		optionName        string
		optionPayload     string
		optionValues      []string
		sectionName       string
		splitOut          []string
	)

	confStringTrimmed = strings.Trim(confString, " \t")

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	if !confStringRE.MatchString(confStringTrimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	splitOut = sectionOptionSeparatorRE.Split(confStringTrimmed, 2)

	sectionName = splitOut[0]
	optionPayload = splitOut[1]

	splitOut = optionAssignmentRE.Split(optionPayload, 2)

	optionName = splitOut[0]
	optionValues = splitOptionValues(splitOut[1])

	confMap.insertOption(sectionName, optionName, optionValues)

	err = nil
	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on updates
// specified in each element of confStrings
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			err = fmt.Errorf("error building confMap from conf strings: %v", err)
			return
		}
	}
	err = nil
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		confFile           *os.File
		currentLine        string
		currentLineNumber  int
		currentSectionName string
		optionName         string
		optionValues       []string
		scanner            *bufio.Scanner
		splitOut           []string
	)

	confFile, err = os.Open(confFilePath)
	if nil != err {
		return
	}
	defer confFile.Close()

	scanner = bufio.NewScanner(confFile)

	for scanner.Scan() {
		currentLineNumber++

		currentLine = scanner.Text()
		currentLine = strings.SplitN(currentLine, ";", 2)[0] // Trim comment after ';'
		currentLine = strings.SplitN(currentLine, "#", 2)[0] // Trim comment after '#'
		currentLine = strings.Trim(currentLine, " \t")

		if 0 == len(currentLine) {
			continue
		}

		if sectionHeaderLineRE.MatchString(currentLine) {
			currentSectionName = strings.Trim(currentLine, "[]")
			continue
		}

		if "" == currentSectionName {
			// Options only allowed within a Section

			err = fmt.Errorf("file %v did not start with a Section Name", confFilePath)
			return
		}

		if !optionLineRE.MatchString(currentLine) {
			err = fmt.Errorf("file %v malformed line %v: '%v'", confFilePath, currentLineNumber, currentLine)
			return
		}

		splitOut = optionAssignmentRE.Split(currentLine, 2)

		optionName = splitOut[0]
		optionValues = splitOptionValues(splitOut[1])

		confMap.insertOption(currentSectionName, optionName, optionValues)
	}

	err = scanner.Err()
	return
}

func splitOptionValues(optionValues string) (optionValuesSplit []string) {
	optionValuesSplit = optionValueSeparatorRE.Split(optionValues, -1)

	if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
		// Handle special case where optionValuesSplit == []string{""}... changing it to []string{}

		optionValuesSplit = []string{}
	}

	return
}

func (confMap ConfMap) insertOption(sectionName string, optionName string, optionValues []string) {
	var (
		found   bool
		section ConfMapSection
	)

	section, found = confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}

	section[optionName] = optionValues
}

// FetchOptionValueStringSlice returns [sectionName]optionName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	var (
		ok      bool
		option  ConfMapOption
		section ConfMapSection
	)

	optionValue = []string{}

	section, ok = confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok = section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	var (
		optionValueSlice []string
	)

	optionValue = ""

	optionValueSlice, err = confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	err = nil
	return
}

// FetchOptionValueBool returns [sectionName]optionName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	var (
		optionValueString string
	)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes":
		fallthrough
	case "on":
		fallthrough
	case "true":
		optionValue = true
	case "no":
		fallthrough
	case "off":
		fallthrough
	case "false":
		optionValue = false
	default:
		err = fmt.Errorf("couldn't interpret %q as boolean (expected one of 'true'/'false'/'yes'/'no'/'on'/'off')", optionValueString)
		return
	}

	err = nil
	return
}

// FetchOptionValueUint16 returns [sectionName]optionName's single string value converted to a uint16
func (confMap ConfMap) FetchOptionValueUint16(sectionName string, optionName string) (optionValue uint16, err error) {
	var (
		optionValueString string
		optionValueUint64 uint64
		strconvErr        error
	)

	optionValue = 0

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, strconvErr = strconv.ParseUint(optionValueString, 10, 16)
	if nil != strconvErr {
		err = fmt.Errorf("[%v]%v strconv.ParseUint() error: %v", sectionName, optionName, strconvErr)
		return
	}

	optionValue = uint16(optionValueUint64)

	err = nil
	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	var (
		optionValueString string
		optionValueUint64 uint64
		strconvErr        error
	)

	optionValue = 0

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValueUint64, strconvErr = strconv.ParseUint(optionValueString, 10, 32)
	if nil != strconvErr {
		err = fmt.Errorf("[%v]%v strconv.ParseUint() error: %v", sectionName, optionName, strconvErr)
		return
	}

	optionValue = uint32(optionValueUint64)

	err = nil
	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	var (
		optionValueString string
		strconvErr        error
	)

	optionValue = 0

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, strconvErr = strconv.ParseUint(optionValueString, 10, 64)
	if nil != strconvErr {
		err = fmt.Errorf("[%v]%v strconv.ParseUint() error: %v", sectionName, optionName, strconvErr)
		return
	}

	err = nil
	return
}

// FetchOptionValueDuration returns [sectionName]optionName's single string value converted to a time.Duration
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	var (
		optionValueString string
		timeErr           error
	)

	optionValue = time.Duration(0)

	optionValueString, err = confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, timeErr = time.ParseDuration(optionValueString)
	if nil != timeErr {
		err = fmt.Errorf("[%v]%v time.ParseDuration() error: %v", sectionName, optionName, timeErr)
		return
	}

	err = nil
	return
}
