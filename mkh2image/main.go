// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program mkh2image builds a HAMMER2 image file from a host directory tree.
//
// Usage:
//
//   mkh2image [flags] <source_dir> <image_file>
//
// Directories, regular files, soft links, FIFOs, sockets, and device nodes
// are copied. Ownership is not recorded.
//
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fs/h2image"
	"github.com/NVIDIA/h2fs/h2layout"
)

var checkMethodByName = map[string]uint8{
	"none":     h2layout.CheckNone,
	"disabled": h2layout.CheckDisabled,
	"iscsi32":  h2layout.CheckISCSI32,
	"xxhash64": h2layout.CheckXXHash64,
	"sha192":   h2layout.CheckSHA192,
}

var compMethodByName = map[string]uint8{
	"none":     h2layout.CompNone,
	"autozero": h2layout.CompAutoZero,
	"lz4":      h2layout.CompLZ4,
	"zlib":     h2layout.CompZLIB,
}

func main() {
	var (
		buildResult  *h2image.BuildResultStruct
		err          error
		flagSet      *pflag.FlagSet
		headerCopies int
		imageFile    *os.File
		imagePath    string
		options      *h2image.OptionsStruct
		pfsName      string
		sourceDir    string
		wantCheck    string
		wantComp     string
	)

	options = &h2image.OptionsStruct{}

	flagSet = pflag.NewFlagSet("mkh2image", pflag.ContinueOnError)
	flagSet.StringVarP(&pfsName, "pfs", "p", h2layout.DefaultPFSName, "name of the PFS holding the tree")
	flagSet.StringVarP(&wantCheck, "check", "c", "iscsi32", "block check method: "+methodNames(checkMethodByName))
	flagSet.StringVarP(&wantComp, "comp", "z", "none", "data block compression: "+methodNames(compMethodByName))
	flagSet.Uint64VarP(&options.LeafSize, "leaf-size", "l", 0, "logical data block size (default 65536)")
	flagSet.IntVar(&options.Fanout, "fanout", 0, "block references per indirect block (default 512)")
	flagSet.IntVar(&headerCopies, "header-copies", 4, "volume header copies to write (1..4)")
	flagSet.Uint64Var(&options.MirrorTID, "mirror-tid", 1, "mirror TID stamped in every header copy")
	flagSet.BoolVar(&options.NoDirectData, "no-direct-data", false, "store small files in data blocks rather than inline")

	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: mkh2image [flags] <source_dir> <image_file>\n")
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

	if 2 != flagSet.NArg() {
		flagSet.Usage()
		os.Exit(1)
	}

	sourceDir = flagSet.Arg(0)
	imagePath = flagSet.Arg(1)

	options.CheckMethod, err = lookupMethod("check", checkMethodByName, wantCheck)
	if nil == err {
		options.CompMethod, err = lookupMethod("comp", compMethodByName, wantComp)
	}
	if nil != err {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	options.HeaderCopies = headerCopies

	imageFile, err = os.Create(imagePath)
	if nil != err {
		fmt.Fprintf(os.Stderr, "os.Create(\"%s\") failed: %v\n", imagePath, err)
		os.Exit(1)
	}

	buildResult, err = buildImage(options, pfsName, sourceDir, imageFile)
	if nil != err {
		_ = imageFile.Close()
		_ = os.Remove(imagePath)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	err = imageFile.Close()
	if nil != err {
		fmt.Fprintf(os.Stderr, "imageFile.Close() failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s: PFS \"%s\", %d inodes, %d bytes allocated, volume size %d\n",
		imagePath, pfsName, buildResult.InodeCount, buildResult.BytesAllocated, buildResult.VolumeHeader.VoluSize)
}

func methodNames(methodByName map[string]uint8) string {
	var (
		name  string
		names []string
	)

	for name = range methodByName {
		names = append(names, name)
	}

	sort.Strings(names)

	return strings.Join(names, "|")
}

func lookupMethod(kind string, methodByName map[string]uint8, name string) (method uint8, err error) {
	var (
		ok bool
	)

	method, ok = methodByName[strings.ToLower(name)]
	if !ok {
		err = fmt.Errorf("unknown %s method \"%s\" (want %s)", kind, name, methodNames(methodByName))
		return
	}

	err = nil
	return
}

// buildImage writes an image holding the tree at sourceDir to dst.
//
func buildImage(options *h2image.OptionsStruct, pfsName string, sourceDir string, dst io.WriterAt) (buildResult *h2image.BuildResultStruct, err error) {
	var (
		builder *h2image.Builder
		root    *h2image.Node
	)

	builder, err = h2image.NewBuilder(options)
	if nil != err {
		return
	}

	root, err = builder.NewPFS(pfsName)
	if nil != err {
		return
	}

	err = copyTree(root, sourceDir)
	if nil != err {
		return
	}

	buildResult, err = builder.Build(dst)

	return
}

// copyTree adds the entries of hostDir beneath dir, recursively.
//
func copyTree(dir *h2image.Node, hostDir string) (err error) {
	var (
		dirEntries []os.DirEntry
		dirEntry   os.DirEntry
	)

	dirEntries, err = os.ReadDir(hostDir)
	if nil != err {
		return
	}

	for _, dirEntry = range dirEntries {
		err = copyEntry(dir, filepath.Join(hostDir, dirEntry.Name()), dirEntry.Name())
		if nil != err {
			return
		}
	}

	err = nil
	return
}

func copyEntry(dir *h2image.Node, hostPath string, name string) (err error) {
	var (
		child  *h2image.Node
		data   []byte
		info   os.FileInfo
		mode   uint32
		ok     bool
		rdev   uint64
		stat   *syscall.Stat_t
		target string
	)

	info, err = os.Lstat(hostPath)
	if nil != err {
		return
	}

	mode = uint32(info.Mode().Perm())

	switch {
	case info.IsDir():
		child, err = dir.Mkdir(name, mode)
		if nil == err {
			err = copyTree(child, hostPath)
		}
	case info.Mode().IsRegular():
		data, err = os.ReadFile(hostPath)
		if nil == err {
			child, err = dir.AddFile(name, mode, data)
		}
	case 0 != (info.Mode() & os.ModeSymlink):
		target, err = os.Readlink(hostPath)
		if nil == err {
			child, err = dir.AddSymlink(name, target)
		}
	case 0 != (info.Mode() & os.ModeNamedPipe):
		child, err = dir.AddSpecial(name, h2layout.ObjTypeFIFO, mode, 0, 0)
	case 0 != (info.Mode() & os.ModeSocket):
		child, err = dir.AddSpecial(name, h2layout.ObjTypeSocket, mode, 0, 0)
	case 0 != (info.Mode() & os.ModeDevice):
		stat, ok = info.Sys().(*syscall.Stat_t)
		if ok {
			rdev = uint64(stat.Rdev)
		}
		if 0 != (info.Mode() & os.ModeCharDevice) {
			child, err = dir.AddSpecial(name, h2layout.ObjTypeCDev, mode, unix.Major(rdev), unix.Minor(rdev))
		} else {
			child, err = dir.AddSpecial(name, h2layout.ObjTypeBDev, mode, unix.Major(rdev), unix.Minor(rdev))
		}
	default:
		fmt.Fprintf(os.Stderr, "skipping %s: unsupported mode %v\n", hostPath, info.Mode())
		err = nil
		return
	}
	if nil != err {
		err = fmt.Errorf("%s: %v", hostPath, err)
		return
	}

	child.SetMTime(info.ModTime())

	err = nil
	return
}
