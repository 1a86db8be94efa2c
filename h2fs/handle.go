// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fs

import (
	"strings"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2layout"
	"github.com/NVIDIA/h2fs/logger"
)

const rootMode = uint32(0555)

// Handle is a position in the PFS tree.
//
// A directory Handle caches the entries of its directory. A file Handle,
// once opened, holds the file's block index and its most recently read data
// block. Walk, Clone, and Open must not race with other calls on the same
// Handle; Read may be called concurrently once the Handle is open.
//
type Handle struct {
	volume     *Volume
	identity   IdentityStruct
	inode      *h2layout.InodeDataStruct
	dirents    []h2layout.BlockRefStruct
	opened     bool
	blockIndex sortedmap.LLRBTree
	cache      *fileCacheStruct
}

func copyDirents(dirents []h2layout.BlockRefStruct) (direntsCopy []h2layout.BlockRefStruct) {
	if nil == dirents {
		return
	}
	direntsCopy = make([]h2layout.BlockRefStruct, len(dirents), cap(dirents))
	copy(direntsCopy, dirents)
	return
}

func (volume *Volume) attach() (handle *Handle) {
	handle = &Handle{
		volume: volume,
		identity: IdentityStruct{
			Inum: volume.rootInum,
			Kind: KindDir,
		},
		inode:   volume.rootInode,
		dirents: copyDirents(volume.rootDirents),
		cache:   &fileCacheStruct{},
	}
	return
}

// loadDirents returns a fresh entry cache for directory inode.
//
func (volume *Volume) loadDirents(inode *h2layout.InodeDataStruct) (dirents []h2layout.BlockRefStruct, err error) {
	var (
		blockSet []h2layout.BlockRefStruct
	)

	if volume.rootInum == inode.Meta.Inum {
		dirents = copyDirents(volume.rootDirents)
		err = nil
		return
	}

	blockSet, err = inode.BlockSet()
	if nil != err {
		return
	}

	dirents, err = volume.walkEntries(blockSet)

	return
}

// handleFor builds an unopened Handle on inum.
//
func (volume *Volume) handleFor(inum uint64) (handle *Handle, err error) {
	var (
		inode *h2layout.InodeDataStruct
		kind  Kind
	)

	inode, err = volume.lookupInode(inum)
	if nil != err {
		return
	}
	kind, err = classify(inode)
	if nil != err {
		return
	}

	handle = &Handle{
		volume: volume,
		identity: IdentityStruct{
			Inum: inum,
			Kind: kind,
		},
		inode: inode,
		cache: &fileCacheStruct{},
	}

	if KindDir == kind {
		handle.dirents, err = volume.loadDirents(inode)
		if nil != err {
			handle = nil
			return
		}
	}

	return
}

func (volume *Volume) handleForInode(inum uint64) (handle *Handle, err error) {
	if volume.rootInum == inum {
		handle = volume.attach()
		err = nil
		return
	}

	handle, err = volume.handleFor(inum)

	return
}

func (handle *Handle) walk(name string) (err error) {
	var (
		inum   uint64
		target *Handle
	)

	switch name {
	case "", ".":
		err = nil
		return
	case "/":
		target = handle.volume.attach()
	case "..":
		if KindDir != handle.identity.Kind {
			err = blunder.NewError(blunder.NotDirError, "walk \"..\" from non-directory inum %d", handle.identity.Inum)
			return
		}
		if handle.volume.rootInum == handle.identity.Inum {
			target = handle.volume.attach()
		} else {
			target, err = handle.volume.handleForInode(handle.inode.Meta.IParent)
			if nil != err {
				return
			}
			if KindDir != target.identity.Kind {
				err = blunder.NewError(blunder.NotDirError, "parent inum %d of inum %d is not a directory", target.identity.Inum, handle.identity.Inum)
				return
			}
		}
	default:
		if KindDir != handle.identity.Kind {
			err = blunder.NewError(blunder.NotDirError, "walk \"%s\" from non-directory inum %d", name, handle.identity.Inum)
			return
		}
		if strings.Contains(name, "/") {
			err = blunder.NewError(blunder.InvalidArgError, "walk name \"%s\" holds a '/'", name)
			return
		}
		if len(name) >= h2layout.InodeFilenameSize {
			err = blunder.NewError(blunder.NameTooLongError, "walk name of %d bytes", len(name))
			return
		}
		inum, err = handle.volume.resolveName(handle.dirents, name)
		if nil != err {
			return
		}
		target, err = handle.volume.handleFor(inum)
		if nil != err {
			return
		}
	}

	logger.Tracef("walk \"%s\" from inum %d to inum %d (%v)", name, handle.identity.Inum, target.identity.Inum, target.identity.Kind)

	*handle = *target

	err = nil
	return
}

func (handle *Handle) clone() (clone *Handle) {
	clone = &Handle{
		volume:     handle.volume,
		identity:   handle.identity,
		inode:      handle.inode,
		dirents:    copyDirents(handle.dirents),
		opened:     handle.opened,
		blockIndex: handle.blockIndex,
		cache:      &fileCacheStruct{},
	}
	return
}

func (handle *Handle) open() (err error) {
	var (
		blockSet []h2layout.BlockRefStruct
	)

	switch handle.identity.Kind {
	case KindDir:
		if handle.volume.rootInum == handle.identity.Inum {
			handle.dirents = copyDirents(handle.volume.rootDirents)
		}
	case KindFile:
		if !handle.inode.IsDirectData() && (nil == handle.blockIndex) {
			blockSet, err = handle.inode.BlockSet()
			if nil != err {
				return
			}
			handle.blockIndex, err = handle.volume.walkBlockIndex(blockSet)
			if nil != err {
				return
			}
		}
	default:
		err = blunder.NewError(blunder.UnhandledObjectKindError, "open of inum %d", handle.identity.Inum)
		return
	}

	handle.opened = true

	err = nil
	return
}

func (handle *Handle) stat() (stat *StatStruct, err error) {
	stat = handle.volume.inodeStat(handle.inode, handle.identity.Kind)

	if handle.volume.rootInum == handle.identity.Inum {
		stat.Mode = rootMode
	}

	err = nil
	return
}

func (handle *Handle) read(offset uint64, count uint64) (buf []byte, err error) {
	if KindFile != handle.identity.Kind {
		err = blunder.NewError(blunder.IsDirError, "read of directory inum %d", handle.identity.Inum)
		return
	}
	if !handle.opened {
		err = blunder.NewError(blunder.BadFileError, "read of unopened inum %d", handle.identity.Inum)
		return
	}

	buf, err = handle.volume.readFile(handle.inode, handle.blockIndex, handle.cache, offset, count)

	return
}

func (handle *Handle) listNth(n int) (record *DirectoryRecordStruct, err error) {
	if KindDir != handle.identity.Kind {
		err = blunder.NewError(blunder.NotDirError, "list of non-directory inum %d", handle.identity.Inum)
		return
	}

	record, err = handle.volume.listNth(handle.dirents, n)

	return
}

func (handle *Handle) readlink() (target string, err error) {
	var (
		buf    []byte
		chunk  []byte
		offset uint64
		reader *Handle
		size   = handle.inode.Meta.Size
	)

	if h2layout.ObjTypeSoftLink != handle.inode.Meta.Type {
		err = blunder.NewError(blunder.NotSymlinkError, "inum %d is not a soft link", handle.identity.Inum)
		return
	}

	reader = handle.clone()

	err = reader.open()
	if nil != err {
		return
	}

	buf = make([]byte, 0, size)

	for offset < size {
		chunk, err = reader.read(offset, size-offset)
		if nil != err {
			return
		}
		if 0 == len(chunk) {
			break
		}
		buf = append(buf, chunk...)
		offset += uint64(len(chunk))
	}

	target = string(buf)

	err = nil
	return
}
