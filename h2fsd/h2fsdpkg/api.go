// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package h2fsdpkg serves a HAMMER2 volume read-only over FUSE and reports on
// it over HTTP.
//
// The following configuration sections are consumed:
//
//   [H2FS]
//   Device:          /dev/sdE0/hammer2
//   PFSName:         ROOT
//   VerifyHeaderCRC: false
//
//   [FUSE]
//   MountPoint:      /mnt/hammer2    # empty disables FUSE
//   VolumeName:      hammer2
//   AllowOther:      false
//   Workers:         64
//   AttrDuration:    1s
//   EntryDuration:   1s
//   AttrBlockSize:   512
//   ReaddirMaxBytes: 0
//
//   [HTTPServer]
//   IPAddr:          127.0.0.1      # empty disables the HTTP server
//   TCPPort:         15347
//   MaxConnections:  16
//
//   [Logging]
//   LogFilePath:
//   LogToConsole:      true
//   TraceLevelLogging: none
//
package h2fsdpkg

import (
	"github.com/NVIDIA/h2fs/conf"
)

// Start is called to start serving
//
func Start(confMap conf.ConfMap) (err error) {
	err = start(confMap)
	return
}

// Stop is called to stop serving
//
func Stop() (err error) {
	err = stop()
	return
}

// Signal is called to interrupt the server for performing operations such as log rotation
//
func Signal() (err error) {
	err = signal()
	return
}

// LogInfof is a wrapper around the internal logInfof() func called by main()
//
func LogInfof(format string, args ...interface{}) {
	logInfof(format, args...)
}

// LogWarnf is a wrapper around the internal logWarnf() func called by main()
//
func LogWarnf(format string, args ...interface{}) {
	logWarnf(format, args...)
}
