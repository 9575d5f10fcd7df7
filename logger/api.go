// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package and calling function to all logs.
//
// Where possible, fields passed to logs are parameterized, to standardize log
// formatting to make log searches based on these fields easier.
//
// Logging of trace and debug logs are enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/iomap/utils"
)

type Level int

// Our logging levels - These are the different logging levels supported by this package.
//
// We have more detailed logging levels than the logrus log package.
// As a result, when we do our logging we need to map from our levels
// to the logrus ones before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; Logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then calls `os.Exit(1)`.
	// It will exit even if the logging level is set to Panic.
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel; These are general operational entries about what's going on inside the application.
	InfoLevel

	// TraceLevel is used for operational logs that trace success path through the application.
	// Whether these are logged is controlled on a per-package basis by settings in this file.
	// When enabled, these are logged at logrus.InfoLevel.
	TraceLevel

	// DebugLevel is used for very verbose logging, intended to debug internal operations of a
	// particular area. Whether these are logged is controlled on a per-package basis by settings
	// in this file.
	// When enabled, these are logged at logrus.DebugLevel.
	DebugLevel
)

// Stats-related constants
var (
	panicStat = "logging.level.panic"
	fatalStat = "logging.level.fatal"
	errorStat = "logging.level.error"
	warnStat  = "logging.level.warn"
	infoStat  = "logging.level.info"
	traceStat = "logging.level.trace"
	debugStat = "logging.level.debug"
	noStat    = ""
)

// Level to stat string conversion
func (level Level) statString() *string {
	switch level {
	case PanicLevel:
		return &panicStat
	case FatalLevel:
		return &fatalStat
	case ErrorLevel:
		return &errorStat
	case WarnLevel:
		return &warnStat
	case TraceLevel:
		return &traceStat
	case InfoLevel:
		return &infoStat
	case DebugLevel:
		return &debugStat
	}
	return &noStat
}

// Flag to disable all logging, for performance testing.
var disableLoggingForPerfTesting = false

// Enable/disable for trace and debug levels.
// These are defaulted to disabled unless otherwise specified in .conf file
var traceLevelEnabled = false
var debugLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular packages.
// If a package is in this map and is set to "true", then tracing for that package is
// considered to be enabled and trace logs for that package will be emitted. If the
// package is in this list and is set to "false", OR if the package is not in this list,
// trace logs for that package will NOT be emitted.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map with a value of false (or true).
//
var packageTraceSettings = map[string]bool{
	"extmap":    false,
	"iomap":     false,
	"logger":    false,
	"pagecache": false,
	"ramdisk":   false,
}

func setTraceLoggingLevel(confStrSlice []string) {
	if len(confStrSlice) == 0 {
		traceLevelEnabled = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				// Package exists in the map
				packageTraceSettings[pkg] = true

				// If any trace level is enabled, need to enable trace level in general.
				// This flag lets us avoid the performance hit of trace-level API calls
				// if the trace level is disabled.
				traceLevelEnabled = true
			}
		}
	}

	// Log the packages that are enabled, if any
	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				Infof("Package %v trace logging is enabled.", pkg)
			}
		}
	}
}

func traceEnabled(pkg string) bool {
	// Return whether tracing is enabled for the specified package.
	// If not found in the package trace map, traces are considered to be turned off.
	if isEnabled, ok := packageTraceSettings[pkg]; ok {
		return isEnabled
	} else {
		return false
	}
}

// traceEnabledForPackage returns whether tracing is enabled for the package stored in the context.
// If not found in the package trace map, traces are considered to be turned off.
func (ctx *FuncCtx) traceEnabledForPackage() bool {
	pkg := ctx.getPackage()
	return traceEnabled(pkg)
}

// packageDebugSettings controls which debug logs are enabled for particular packages.
//
// If a package is in this map, then debug logging for that package is
// considered to be enabled for debug tags in the package's map entry.
// If a debug log's tag is NOT in this list, OR if the package is not in the map,
// debug logs for that package will NOT be emitted.
//
// Unlike trace settings, debug settings are stored as a list of enabled debug tags.
// Bear in mind that these tags are evaluated on a package + tag basis, so the same tag
// can be used on different packages without conflict.
const DbgPageState string = "debug_page_state"
const DbgInternal string = "debug_internal"
const DbgTesting string = "debug_test"

var packageDebugSettings = map[string][]string{
	"iomap": []string{
		//DbgPageState,
		//DbgInternal,
	},
	"pagecache": []string{
		//DbgPageState,
	},
	"ramdisk": []string{
		//DbgInternal,
		//DbgTesting,
	},
}

func setDebugLoggingLevel(confStrSlice []string) {
	if len(confStrSlice) == 0 {
		debugLevelEnabled = false
	}

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			debugLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageDebugSettings[pkg]; ok {
				// Package exists in the map

				// XXX TODO: Add .conf support for specifying which debug IDs to enable.
				//           For now, enabling internal and testing by default.
				packageDebugSettings[pkg] = []string{DbgInternal, DbgTesting}

				// If any debug level is enabled, need to enable debug level in general.
				// This flag lets us avoid the performance hit of debug-level API calls
				// if the debug level is disabled.
				debugLevelEnabled = true
			}
		}
	}

	// Log the packages that are enabled, if any
	if debugLevelEnabled {
		for pkg, ids := range packageDebugSettings {
			if len(ids) > 0 {
				Infof("Package %v debug logging is enabled.", pkg)
			}
		}
	}
}

// debugEnabledForPackage returns whether debug logs are enabled for the package stored in the context.
func (ctx *FuncCtx) debugEnabledForPackage(debugID string) bool {
	pkg := ctx.getPackage()

	// Return whether debug is enabled for the package and id.
	// If not found in the package debug map, debug logging is considered to be turned off.
	if idList, ok := packageDebugSettings[pkg]; ok {
		for _, id := range idList {
			if id == debugID {
				return true
			}
		}
	}
	return false
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"
const pidKey string = "pid"

// This struct is an optimization so that package and function are only
// extracted once per function.
type FuncCtx struct {
	funcContext *log.Entry // Struct allows us to save fields common between log calls within a function
}

// getPackage extracts the package name from the FuncCtx
func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

// getFunc extracts the function name from the FuncCtx
func (ctx *FuncCtx) getFunc() string {
	fn, ok := ctx.funcContext.Data[functionKey].(string)
	if ok {
		return fn
	}
	return ""
}

var nullCtx = FuncCtx{funcContext: nil}

// newFuncCtx creates a new function logging context, extracting the calling
// function from the call stack.
func newFuncCtx(level int) (ctx *FuncCtx) {

	if disableLoggingForPerfTesting {
		return &nullCtx
	}

	// Extract package and function from the call stack
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	// Get PID as a string (since our PID only changes in fork(2) and
	// clone(2) this could be optimized)
	pid := fmt.Sprint(os.Getpid())

	// Save fields
	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid
	fields[pidKey] = pid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return ctx
}

// newFuncCtxWithField creates a new function logging context including a field,
// extracting the calling function from the call stack.
func newFuncCtxWithField(level int, key string, value interface{}) (ctx *FuncCtx) {

	if disableLoggingForPerfTesting {
		return &nullCtx
	}

	// Extract package and function from the call stack
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	// Save fields
	fields := make(log.Fields)
	fields[key] = value
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return ctx
}

// newFuncCtxWithFields creates a new function logging context including multiple fields,
// extracting the calling function from the call stack.
func newFuncCtxWithFields(level int, fields log.Fields) (ctx *FuncCtx) {

	if disableLoggingForPerfTesting {
		return &nullCtx
	}

	// Extract package and function from the call stack
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	// add the function and package fields to the ones passed in
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return ctx
}

func newLogEntry(level int) *log.Entry {

	if disableLoggingForPerfTesting {
		return nil
	}

	// Extract package and function from the call stack
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	// Save fields
	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	return log.WithFields(fields)
}

var backtraceOneLevel int = 1

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

// Logger intentionally does not provide a Debug()  API; use DebugID()  instead.
// Logger intentionally does not provide a Debugf() API; use DebugfID() instead.
// Logger intentionally does not provide a DebugWithError() API; use DebugfWithError() instead.
// Logger intentionally does not provide a DebugfWithError() API; use DebugfIDWithError() instead.

func logEnabled(level Level) bool {
	if disableLoggingForPerfTesting {
		return false
	}
	if (level == TraceLevel) && !traceLevelEnabled {
		return false
	}
	if (level == DebugLevel) && !debugLevelEnabled {
		return false
	}
	return true
}

func DebugID(id string, args ...interface{}) {
	level := DebugLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprint(args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.logWithID(level, id, logString)
}

func Error(args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprint(args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func Info(args ...interface{}) {
	level := InfoLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprint(args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func DebugfID(id string, format string, args ...interface{}) {
	level := DebugLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.logWithID(level, id, logString)
}

func Errorf(format string, args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func Fatalf(format string, args ...interface{}) {
	level := FatalLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func Infof(format string, args ...interface{}) {
	level := InfoLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func Tracef(format string, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func Warnf(format string, args ...interface{}) {
	level := WarnLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func ErrorWithError(err error, args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprint(args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func FatalWithError(err error, args ...interface{}) {
	level := FatalLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprint(args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func InfoWithError(err error, args ...interface{}) {
	level := InfoLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprint(args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func TraceWithError(err error, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprint(args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func WarnWithError(err error, args ...interface{}) {
	level := WarnLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprint(args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func DebugfIDWithError(id string, err error, format string, args ...interface{}) {
	level := DebugLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.logWithID(level, id, logString)
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	level := ErrorLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func FatalfWithError(err error, format string, args ...interface{}) {
	level := FatalLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func InfofWithError(err error, format string, args ...interface{}) {
	level := InfoLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func PanicfWithError(err error, format string, args ...interface{}) {
	level := PanicLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func TracefWithError(err error, format string, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func WarnfWithError(err error, format string, args ...interface{}) {
	level := WarnLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func TraceEnter(argsPrefix string, args ...interface{}) (ctx FuncCtx) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}

	// We are the first to use the function context, so fill it in.
	ctx.funcContext = newLogEntry(backtraceOneLevel)

	// Do logging
	ctx.traceEnterInternal(argsPrefix, args...)

	return ctx
}

// TraceExit generates a function exit trace with the provided parameters, and using
// the package and function set in FuncCtx (if set).
//
// The implementation of this function assumes that it will be called deferred.
// This assumption only matters in the case where this API is called without having
// called TraceEnter* first, since that is the only case where this function will
// attempt to determine the calling function.
func (ctx *FuncCtx) TraceExit(argsPrefix string, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}

	// This should really be set already, assuming that one would call TraceEnter before TraceExit.
	// But I don't really want to trigger a panic for just a log call, so we'll check just in case.
	if ctx.funcContext == nil {
		// We are the first to use the function context, so fill it in.
		ctx.funcContext = newLogEntry(2)
	}

	// Do logging
	ctx.traceExitInternal(argsPrefix, args...)
}

func (ctx *FuncCtx) TraceExitErr(argsPrefix string, err error, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}

	// This should really be set already, assuming that one would call TraceEnter before TraceExit.
	// But I don't really want to trigger a panic for just a log call, so we'll check just in case.
	if ctx.funcContext == nil {
		// We are the first to use the function context, so fill it in.
		ctx.funcContext = newLogEntry(2)

	}

	// Add error to the fields
	// We throw away the temporary context with the error, in case the
	// context we got called with gets reused.
	newCtx := FuncCtx{funcContext: ctx.funcContext.WithField(errorKey, err)}

	// Do logging
	newCtx.traceExitInternal(argsPrefix, args...)
}

func (ctx *FuncCtx) traceInternal(formatPrefix string, argsPrefix string, args ...interface{}) {

	numParams := len(args)

	// Build format string
	format := formatPrefix

	// prepend argsPrefix to the args that were passed in
	newArgs := append([]interface{}{argsPrefix}, args...)

	switch numParams {
	case 0:
		format += " %s"
	case 1:
		format += " %s %+v"
	case 2:
		format += " %s %+v %+v"
	case 3:
		format += " %s %+v %+v %+v"
	case 4:
		format += " %s %+v %+v %+v %+v"
	case 5:
		format += " %s %+v %+v %+v %+v %+v"
	case 6:
		format += " %s %+v %+v %+v %+v %+v %+v"
	case 7:
		format += " %s %+v %+v %+v %+v %+v %+v %+v"
	default:
		format += " %s %+v %+v %+v %+v %+v %+v %+v %+v"
	}
	ctx.log(TraceLevel, fmt.Sprintf(format, newArgs...))
}

func (ctx *FuncCtx) traceEnterInternal(argsPrefix string, args ...interface{}) {

	ctx.traceInternal(">> called", argsPrefix, args...)
}

func (ctx *FuncCtx) traceExitInternal(argsPrefix string, args ...interface{}) {

	ctx.traceInternal("<< returning", argsPrefix, args...)
}

// log is our equivalent to logrus.entry.go's log function, and is intended to
// be the common low-level logging function used internal to this package.
//
// Following the example of logrus.entry.go's equivalent function, "this function
// is not declared with a pointer value because otherwise race conditions will
// occur when using multiple goroutines"
//
func (ctx FuncCtx) log(level Level, args ...interface{}) {

	// Note that certain levels will always be on, like panic/fatal/error/warn.

	// Return if trace level not enabled for this package
	if (level == TraceLevel) && !ctx.traceEnabledForPackage() {
		return
	}
	// NOTE: Debug level checking is done in logWithID; all debug logging should
	//       come through that API and not directly to this one.

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel:
		ctx.funcContext.Info(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	case DebugLevel:
		ctx.funcContext.Debug(args...)
	}
}

func (ctx FuncCtx) logWithID(level Level, id string, args ...interface{}) {

	if (level == DebugLevel) && !ctx.debugEnabledForPackage(id) {
		return
	}

	// Otherwise just call the log API
	ctx.log(level, args...)
}

// Add another target for log messages to be written to.  writer is an object
// with an io.Writer interface that's called once for each log message.
//
// Logger.Up() must be called before this function is used.
//
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// An example of a log target that captures the most recent n lines of log into
// an array.  Useful for writing test cases.
//
// There should really be a lock or clever RCU mechanism to coordinate
// access/updates to the array, but its not really necessary for test case code
// (and adds overhead).
//
type LogBuffer struct {
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

type LogTarget struct {
	LogBuf *LogBuffer
}

// Initialize a LogTarget to hold upto nEntry log entries.
//
func (log *LogTarget) Init(nEntry int) {
	log.LogBuf = &LogBuffer{TotalEntries: 0}
	log.LogBuf.LogEntries = make([]string, nEntry)
}

// Called by logger for each log entry
//
func (log LogTarget) Write(p []byte) (n int, err error) {
	return log.write(p)
}

// write shifts the saved entries down a slot and records the newest log entry
// in LogBuf.LogEntries[0].
func (log LogTarget) write(p []byte) (n int, err error) {
	log.LogBuf.TotalEntries++
	if 0 == len(log.LogBuf.LogEntries) {
		return len(p), nil
	}
	copy(log.LogBuf.LogEntries[1:], log.LogBuf.LogEntries)
	log.LogBuf.LogEntries[0] = strings.TrimRight(string(p), "\n")
	return len(p), nil
}

// logEntryRE matches the fixed prefix of an entry as formatted by the logrus
// TextFormatter, e.g.
//
// time="2021-03-01T01:30:46Z" level=info msg="some text" function=foo goroutine=6 package=iomap
//
// Note that logrus escapes '"' and newline characters embedded in the message,
// so the msg subexpression must allow backslash escapes.
var logEntryRE = regexp.MustCompile(
	`^time="(?P<time>[^"]*)" level=(?P<level>[a-z]+) msg="(?P<msg>(?:[^"\\]|\\.)*)"(?P<rest>.*)$`)

// logEntryFieldRE matches one key=value field following the message, where the
// value may or may not be quoted.
var logEntryFieldRE = regexp.MustCompile(
	` (?P<key>[a-zA-Z_][a-zA-Z0-9_]*)=(?:"(?P<qvalue>(?:[^"\\]|\\.)*)"|(?P<value>[^ ]*))`)

// ParseLogEntry parses one log entry as formatted by this package into a map
// from field name to value. The message itself is returned in the "msg" field
// with the enclosing quotes removed but embedded escapes left intact.
func ParseLogEntry(entry string) (fields map[string]string, err error) {
	var (
		fieldMatch []string
		idx        int
		key        string
		matches    []string
		name       string
		rest       string
		value      string
	)

	matches = logEntryRE.FindStringSubmatch(entry)
	if nil == matches {
		err = fmt.Errorf("unable to parse log entry: '%s'", entry)
		return
	}

	fields = make(map[string]string)
	for idx, name = range logEntryRE.SubexpNames() {
		switch name {
		case "":
			// skip the unnamed whole-expression match
		case "rest":
			rest = matches[idx]
		default:
			fields[name] = matches[idx]
		}
	}

	for _, fieldMatch = range logEntryFieldRE.FindAllStringSubmatch(rest, -1) {
		key = ""
		value = ""
		for idx, name = range logEntryFieldRE.SubexpNames() {
			switch name {
			case "key":
				key = fieldMatch[idx]
			case "qvalue", "value":
				if "" != fieldMatch[idx] {
					value = fieldMatch[idx]
				}
			}
		}
		fields[key] = value
	}

	err = nil
	return
}

// ParseLogForFunc searches the most recent maxEntries log entries captured by
// logcopy for entries logged by funcName whose message matches entryRE. It
// returns the parsed fields of the newest such entry, merged with the values
// matched by entryRE's named subexpressions, along with a count of how many
// captured entries matched.
func ParseLogForFunc(logcopy LogTarget, funcName string, entryRE *regexp.Regexp, maxEntries int) (fields map[string]string, matchCnt int, err error) {
	var (
		entry       string
		entryFields map[string]string
		i           int
		idx         int
		matches     []string
		name        string
		parseErr    error
	)

	if maxEntries > len(logcopy.LogBuf.LogEntries) {
		maxEntries = len(logcopy.LogBuf.LogEntries)
	}

	// LogEntries[0] holds the most recent entry
	for i = 0; i < maxEntries; i++ {
		entry = logcopy.LogBuf.LogEntries[i]
		if "" == entry {
			continue
		}
		entryFields, parseErr = ParseLogEntry(entry)
		if nil != parseErr {
			continue
		}
		if funcName != entryFields["function"] {
			continue
		}
		matches = entryRE.FindStringSubmatch(entryFields["msg"])
		if nil == matches {
			continue
		}

		matchCnt++
		if nil == fields {
			fields = entryFields
			for idx, name = range entryRE.SubexpNames() {
				if "" != name {
					fields[name] = matches[idx]
				}
			}
		}
	}

	if nil == fields {
		err = fmt.Errorf("no log entry from function %s matching '%s' found in last %d entries",
			funcName, entryRE.String(), maxEntries)
	}
	return
}
