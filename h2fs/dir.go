// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fs

import (
	"time"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2layout"
)

const usecsPerSecond = 1000000

// direntName returns the name of a DIRENT reference. Names longer than
// h2layout.DirentInlineMax live in the block the reference points to.
//
func (volume *Volume) direntName(bref *h2layout.BlockRefStruct) (name string, err error) {
	var (
		buf         []byte
		direntEmbed *h2layout.DirentEmbedStruct
	)

	direntEmbed, err = bref.DirentEmbed()
	if nil != err {
		return
	}

	if int(direntEmbed.NameLen) <= h2layout.DirentInlineMax {
		name, err = bref.InlineName()
		return
	}

	buf, err = volume.loader.Load(bref, h2layout.LeafMax)
	if nil != err {
		return
	}
	if len(buf) < int(direntEmbed.NameLen) {
		err = blunder.NewError(blunder.CorruptBlockError, "name block holds %d bytes of a %d byte name", len(buf), direntEmbed.NameLen)
		return
	}

	name = string(buf[:direntEmbed.NameLen])

	err = nil
	return
}

// classify maps an object type onto the two kinds a client can navigate.
// Soft links are files whose content is the link target.
//
func classify(inode *h2layout.InodeDataStruct) (kind Kind, err error) {
	switch inode.Meta.Type {
	case h2layout.ObjTypeDirectory:
		kind = KindDir
	case h2layout.ObjTypeRegFile, h2layout.ObjTypeSoftLink:
		kind = KindFile
	default:
		err = blunder.NewError(blunder.UnhandledObjectKindError, "inum %d has unhandled object type %d", inode.Meta.Inum, inode.Meta.Type)
		return
	}

	err = nil
	return
}

func usecsToTime(usecs uint64) time.Time {
	return time.Unix(int64(usecs/usecsPerSecond), 0)
}

func (volume *Volume) inodeStat(inode *h2layout.InodeDataStruct, kind Kind) (stat *StatStruct) {
	stat = &StatStruct{
		IdentityStruct: IdentityStruct{
			Inum: inode.Meta.Inum,
			Kind: kind,
		},
		Name:    inode.Name(),
		ObjType: inode.Meta.Type,
		Mode:    inode.Meta.Mode,
		Size:    inode.Meta.Size,
		NLinks:  inode.Meta.NLinks,
		RMajor:  inode.Meta.RMajor,
		RMinor:  inode.Meta.RMinor,
		ATime:   usecsToTime(inode.Meta.ATime),
		MTime:   usecsToTime(inode.Meta.MTime),
		CTime:   usecsToTime(inode.Meta.CTime),
		BTime:   usecsToTime(inode.Meta.BTime),
		UID:     volume.uid,
		GID:     volume.gid,
		User:    volume.userName,
		Group:   volume.groupName,
	}

	return
}

func (volume *Volume) listNth(dirents []h2layout.BlockRefStruct, n int) (record *DirectoryRecordStruct, err error) {
	var (
		bref        *h2layout.BlockRefStruct
		direntEmbed *h2layout.DirentEmbedStruct
		inode       *h2layout.InodeDataStruct
		kind        Kind
		name        string
	)

	if (n < 0) || (n >= len(dirents)) {
		err = blunder.NewError(blunder.OutOfRangeError, "entry %d of %d", n, len(dirents))
		return
	}

	bref = &dirents[n]

	direntEmbed, err = bref.DirentEmbed()
	if nil != err {
		return
	}
	name, err = volume.direntName(bref)
	if nil != err {
		return
	}

	inode, err = volume.lookupInode(direntEmbed.Inum)
	if nil != err {
		return
	}
	kind, err = classify(inode)
	if nil != err {
		return
	}

	record = &DirectoryRecordStruct{StatStruct: *volume.inodeStat(inode, kind)}
	record.Name = name

	return
}

// resolveName returns the inum of the first entry named name.
//
func (volume *Volume) resolveName(dirents []h2layout.BlockRefStruct, name string) (inum uint64, err error) {
	var (
		candidate   string
		direntEmbed *h2layout.DirentEmbedStruct
		direntIndex int
	)

	for direntIndex = range dirents {
		direntEmbed, err = dirents[direntIndex].DirentEmbed()
		if nil != err {
			return
		}
		if int(direntEmbed.NameLen) != len(name) {
			continue
		}
		candidate, err = volume.direntName(&dirents[direntIndex])
		if nil != err {
			return
		}
		if candidate == name {
			inum = direntEmbed.Inum
			err = nil
			return
		}
	}

	err = blunder.NewError(blunder.NotFoundError, "\"%s\" not found", name)
	return
}
