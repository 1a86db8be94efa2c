// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fsdpkg

import (
	"io"
	"os"

	fuselib "bazil.org/fuse"

	"github.com/NVIDIA/h2fs/conf"
	"github.com/NVIDIA/h2fs/h2block"
	"github.com/NVIDIA/h2fs/h2fs"
	"github.com/NVIDIA/h2fs/logger"
)

func start(confMap conf.ConfMap) (err error) {
	err = logger.Up(confMap)
	if nil != err {
		return
	}

	err = initializeGlobals(confMap)
	if nil != err {
		_ = logger.Down()
		return
	}

	err = startVolume()
	if nil != err {
		_ = uninitializeGlobals()
		_ = logger.Down()
		return
	}

	err = startFUSE()
	if nil != err {
		logErrorf("startFUSE() failed: %v", err)
		_ = stopVolume()
		_ = uninitializeGlobals()
		_ = logger.Down()
		return
	}

	err = startHTTPServer()
	if nil != err {
		logErrorf("startHTTPServer() failed: %v", err)
		_ = stopFUSE()
		_ = stopVolume()
		_ = uninitializeGlobals()
		_ = logger.Down()
		return
	}

	return
}

func stop() (err error) {
	err = stopHTTPServer()
	if nil != err {
		return
	}

	err = stopFUSE()
	if nil != err {
		return
	}

	err = stopVolume()
	if nil != err {
		return
	}

	err = uninitializeGlobals()
	if nil != err {
		return
	}

	err = logger.Down()

	return
}

func signal() (err error) {
	logSIGHUP()

	err = nil
	return
}

func startVolume() (err error) {
	var (
		device *os.File
	)

	device, err = os.Open(globals.config.DevicePath)
	if nil != err {
		logErrorf("os.Open(\"%s\") failed: %v", globals.config.DevicePath, err)
		return
	}

	err = mountVolume(device)
	if nil != err {
		_ = device.Close()
		return
	}

	globals.device = device

	return
}

// mountVolume mounts the configured PFS of device and seeds the node map
// with the root.
//
func mountVolume(device io.ReaderAt) (err error) {
	var (
		info   *h2fs.VolumeInfoStruct
		loader *h2block.Loader
		volume *h2fs.Volume
	)

	loader = h2block.NewLoader(device)

	volume, err = h2fs.Mount(device, &h2fs.MountOptionsStruct{
		PFSName:         globals.config.PFSName,
		VerifyHeaderCRC: globals.config.VerifyHeaderCRC,
		Loader:          loader,
	})
	if nil != err {
		logErrorf("h2fs.Mount() of %s failed: %v", globals.config.DevicePath, err)
		return
	}

	loader.RegisterStats(loaderStatsGroup)

	info = volume.Info()

	globals.Lock()
	globals.loader = loader
	globals.volume = volume
	globals.rootInum = info.RootInum
	globals.nodeMap[fuselib.RootID] = volume.Attach()
	globals.Unlock()

	logInfof("mounted PFS \"%s\" (root inum %d, %d inodes) from header copy %d, mirror TID 0x%016X",
		info.PFSName, info.RootInum, info.InodeCount, info.HeaderIndex, info.MirrorTID)

	err = nil
	return
}

func stopVolume() (err error) {
	globals.Lock()

	if nil != globals.loader {
		globals.loader.UnregisterStats(loaderStatsGroup)
	}

	globals.nodeMap = make(map[fuselib.NodeID]*h2fs.Handle)
	globals.handleTable = make(map[fuselib.HandleID]*openHandleStruct)
	globals.loader = nil
	globals.volume = nil

	globals.Unlock()

	if nil != globals.device {
		err = globals.device.Close()
		globals.device = nil
	}

	return
}
