// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program h2fsd provides a command-line wrapper around package h2fsdpkg APIs.
//
// Configuration is loaded from the file named by --conf (a .conf or .yaml
// file) if given. The -f, -r, -m, and -D flags override the corresponding
// [H2FS], [FUSE], and [Logging] options. Any remaining arguments are further
// overrides in the form <section_name>.<option_name>=<value>.
//
package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fs/conf"
	"github.com/NVIDIA/h2fs/h2fsd/h2fsdpkg"
)

func main() {
	var (
		confFilePath   string
		confMap        conf.ConfMap
		debug          bool
		devicePath     string
		err            error
		flagSet        *pflag.FlagSet
		mountPoint     string
		pfsName        string
		signalChan     chan os.Signal
		signalReceived os.Signal
	)

	flagSet = pflag.NewFlagSet("h2fsd", pflag.ContinueOnError)
	flagSet.StringVar(&confFilePath, "conf", "", "path to a .conf or .yaml configuration file")
	flagSet.StringVarP(&devicePath, "device", "f", "/dev/sdE0/hammer2", "image file or block device holding the volume")
	flagSet.StringVarP(&pfsName, "root", "r", "ROOT", "name of the PFS to serve")
	flagSet.StringVarP(&mountPoint, "mountpoint", "m", "", "FUSE mount point (none if empty)")
	flagSet.BoolVarP(&debug, "debug", "D", false, "enable trace logging in every package")

	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: h2fsd [flags] [<section_name>.<option_name>=<value> ...]\n")
		flagSet.PrintDefaults()
	}

	err = flagSet.Parse(os.Args[1:])
	if nil != err {
		if pflag.ErrHelp == err {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if "" == confFilePath {
		confMap = conf.MakeConfMap()
	} else {
		confMap, err = conf.MakeConfMapFromFile(confFilePath)
		if nil != err {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	// Flags given explicitly win over the file; defaults only fill gaps

	err = applyFlag(confMap, flagSet, "device", "H2FS", "Device", devicePath)
	if nil == err {
		err = applyFlag(confMap, flagSet, "root", "H2FS", "PFSName", pfsName)
	}
	if (nil == err) && ("" != mountPoint) {
		err = confMap.UpdateFromString("FUSE.MountPoint=" + mountPoint)
	}
	if (nil == err) && debug {
		err = confMap.UpdateFromString("Logging.TraceLevelLogging=all")
	}
	if nil != err {
		fmt.Fprintf(os.Stderr, "failed to apply flags: %v\n", err)
		os.Exit(1)
	}

	err = confMap.UpdateFromStrings(flagSet.Args())
	if nil != err {
		fmt.Fprintf(os.Stderr, "failed to apply config overrides: %v\n", err)
		os.Exit(1)
	}

	// Start h2fsd

	err = h2fsdpkg.Start(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "h2fsdpkg.Start(confMap) failed: %v\n", err)
		os.Exit(1)
	}

	h2fsdpkg.LogInfof("UP")

	// Arm signal handler used to indicate interruption/termination & wait on it
	//
	// Note: signal'd chan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read

	signalChan = make(chan os.Signal, 1)

	signal.Notify(signalChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	for {
		signalReceived = <-signalChan
		if unix.SIGHUP == signalReceived {
			h2fsdpkg.LogInfof("Received SIGHUP")
			err = h2fsdpkg.Signal()
			if nil != err {
				h2fsdpkg.LogWarnf("h2fsdpkg.Signal() failed: %v", err)
			}
		} else {
			break
		}
	}

	// Stop h2fsd

	h2fsdpkg.LogInfof("DOWN")

	err = h2fsdpkg.Stop()
	if nil != err {
		fmt.Fprintf(os.Stderr, "h2fsdpkg.Stop() failed: %v\n", err)
		os.Exit(1)
	}
}

// applyFlag sets sectionName.optionName from a flag that was given on the
// command line, or from its default if the option is otherwise unset.
//
func applyFlag(confMap conf.ConfMap, flagSet *pflag.FlagSet, flagName string, sectionName string, optionName string, value string) (err error) {
	if !flagSet.Changed(flagName) {
		_, err = confMap.FetchOptionValueString(sectionName, optionName)
		if nil == err {
			return
		}
	}

	err = confMap.UpdateFromString(sectionName + "." + optionName + "=" + value)

	return
}
