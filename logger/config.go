// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/h2fs/conf"
)

var logFile *os.File = nil

// Up configures logging from the [Logging] section of confMap.
//
// Recognized options (all optional):
//
//   LogFilePath       - file to append to; empty or missing means none
//   LogToConsole      - also (or, without a file, only) log to stderr
//   TraceLevelLogging - packages whose Tracef() calls are emitted
//
func Up(confMap conf.ConfMap) (err error) {
	var (
		logFilePath       string
		logToConsole      bool
		traceLevelLogging []string
		writers           []io.Writer
	)

	log.SetFormatter(&log.TextFormatter{DisableColors: true})
	log.SetLevel(log.InfoLevel)

	err = confMap.VerifyOptionValueIsEmpty("Logging", "LogFilePath")
	if nil != err {
		logFilePath, _ = confMap.FetchOptionValueString("Logging", "LogFilePath")
	}

	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
		writers = append(writers, logFile)
	}

	logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = ("" == logFilePath)
	}

	if logToConsole {
		writers = append(writers, os.Stderr)
	}

	switch len(writers) {
	case 0:
		log.SetOutput(io.Discard)
	case 1:
		log.SetOutput(writers[0])
	default:
		log.SetOutput(io.MultiWriter(writers...))
	}

	traceLevelLogging, _ = confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceLevelLogging)

	err = nil
	return
}

// EnableTrace turns on trace logging for the listed packages (or "all").
func EnableTrace(pkgs ...string) {
	setTraceLoggingLevel(pkgs)
}

// SetOutput redirects log output, typically for capture in tests.
func SetOutput(writer io.Writer) {
	log.SetOutput(writer)
}

// Down closes the log file opened by Up(), if any.
func Down() (err error) {
	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}
	log.SetOutput(os.Stderr)
	return
}
