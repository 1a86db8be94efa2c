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
// The APIs here add package, calling function, and goroutine to all logs.
//
// Trace logs are enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/h2fs/utils"
)

type Level int

// Our logging levels
//
// TraceLevel entries are emitted at logrus.InfoLevel when tracing is enabled
// for the calling package.
const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	TraceLevel
)

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"

// packageTraceSettings controls whether tracing is enabled for particular packages.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map.
//
var packageTraceSettings = map[string]bool{
	"conf":     false,
	"h2block":  false,
	"h2fs":     false,
	"h2fsdpkg": false,
	"h2image":  false,
	"logger":   false,
}

var (
	traceSettingsLock sync.RWMutex
	traceLevelEnabled = false
)

func setTraceLoggingLevel(confStrSlice []string) {
	traceSettingsLock.Lock()

	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}
	traceLevelEnabled = false

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		case "all":
			for pkg := range packageTraceSettings {
				packageTraceSettings[pkg] = true
			}
			traceLevelEnabled = true
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true
				traceLevelEnabled = true
			}
		}
	}

	traceSettingsLock.Unlock()
}

func anyTraceEnabled() bool {
	traceSettingsLock.RLock()
	defer traceSettingsLock.RUnlock()

	return traceLevelEnabled
}

// TraceEnabledForPackage returns whether trace logs from pkg will be emitted.
func TraceEnabledForPackage(pkg string) bool {
	traceSettingsLock.RLock()
	defer traceSettingsLock.RUnlock()

	return traceLevelEnabled && packageTraceSettings[pkg]
}

var backtraceOneLevel int = 1

func newLogEntry(level int) (entry *log.Entry, pkg string) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	entry = log.WithFields(fields)
	return
}

func logEntry(level Level, err error, format string, args ...interface{}) {
	if (TraceLevel == level) && !anyTraceEnabled() {
		return
	}

	entry, pkg := newLogEntry(backtraceOneLevel + 1)

	if nil != err {
		entry = entry.WithField(errorKey, err)
	}

	msg := fmt.Sprintf(format, args...)

	switch level {
	case PanicLevel:
		entry.Panic(msg)
	case FatalLevel:
		entry.Fatal(msg)
	case ErrorLevel:
		entry.Error(msg)
	case WarnLevel:
		entry.Warn(msg)
	case InfoLevel:
		entry.Info(msg)
	case TraceLevel:
		if TraceEnabledForPackage(pkg) {
			entry.Info(msg)
		}
	}
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Errorf(format string, args ...interface{}) {
	logEntry(ErrorLevel, nil, format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logEntry(FatalLevel, nil, format, args...)
}

func Infof(format string, args ...interface{}) {
	logEntry(InfoLevel, nil, format, args...)
}

func Tracef(format string, args ...interface{}) {
	logEntry(TraceLevel, nil, format, args...)
}

func Warnf(format string, args ...interface{}) {
	logEntry(WarnLevel, nil, format, args...)
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	logEntry(ErrorLevel, err, format, args...)
}

func FatalfWithError(err error, format string, args ...interface{}) {
	logEntry(FatalLevel, err, format, args...)
}

func PanicfWithError(err error, format string, args ...interface{}) {
	logEntry(PanicLevel, err, format, args...)
}

func TracefWithError(err error, format string, args ...interface{}) {
	logEntry(TraceLevel, err, format, args...)
}

func WarnfWithError(err error, format string, args ...interface{}) {
	logEntry(WarnLevel, err, format, args...)
}
