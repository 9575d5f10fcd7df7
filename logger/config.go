// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/iomap/conf"
)

var logFile *os.File = nil

// All log output is funneled through a multiWriter so that targets added
// via AddLogTarget() observe every entry regardless of which destinations
// (log file, console) were selected at Up() time.
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	for _, writer := range mw.writers {
		// Errors from individual writers are not our callers' problem
		_, _ = writer.Write(p)
	}
	mw.Unlock()

	n = len(p)
	err = nil
	return
}

var logTargets *multiWriter = nil

func addLogTarget(writer io.Writer) {
	logTargets.addWriter(writer)
}

func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logTargets = &multiWriter{writers: make([]io.Writer, 0, 2)}

	// Fetch log file info, if provided
	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Errorf("couldn't open log file: %v", err)
			return err
		}
		logTargets.addWriter(logFile)
	}

	// Determine whether we should log to console. Default is false.
	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if err != nil {
		logToConsole = false
	}
	if logToConsole || (logFilePath == "") {
		// With no log file the default destination of stderr still applies
		logTargets.addWriter(os.Stderr)
	}

	log.SetOutput(logTargets)

	// NOTE: We always enable max logging in logrus, and either decide in
	//       this package whether to log OR log everything and parse it out of
	//       the logs after the fact
	log.SetLevel(log.DebugLevel)

	// Fetch trace and debug log settings, if provided
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	return nil
}

func Down() (err error) {
	// We open and close our own logfile
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	return
}
