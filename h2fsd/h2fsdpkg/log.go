// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fsdpkg

import (
	"github.com/NVIDIA/h2fs/logger"
)

func logFatal(err error) {
	logger.FatalfWithError(err, "%v", err)
}

func logFatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}

func logErrorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

func logWarnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

func logWarnfWithError(err error, format string, args ...interface{}) {
	logger.WarnfWithError(err, format, args...)
}

func logInfof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func logTracef(format string, args ...interface{}) {
	logger.Tracef(format, args...)
}

func logSIGHUP() {
	var (
		err error
	)

	// Reopening is the only thing a SIGHUP means to us

	err = logger.Down()
	if nil != err {
		logWarnf("logger.Down() failed: %v", err)
	}
	err = logger.Up(globals.confMap)
	if nil != err {
		logWarnf("logger.Up() failed: %v", err)
	}
}
