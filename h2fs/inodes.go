// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fs

import (
	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2layout"
	"github.com/NVIDIA/h2fs/logger"
)

const (
	// Inums are handed out in increasing order, but deletions leave gaps,
	// so the table accepts inums well beyond the count the PFS records.
	inodeTableHeadroom   = uint64(1) << 20
	inodeTableMultiplier = uint64(8)

	inodeTableMaxLimit = uint64(1) << 24
)

// inodeTableStruct maps inode numbers to the block reference of each inode.
// It is only written while mounting.
//
type inodeTableStruct struct {
	entries    []*h2layout.BlockRefStruct // nil where no inode is registered
	entryCount uint64
	limit      uint64 // every registered inum is below limit
}

// inodeTableLimit bounds the inums accepted for a PFS recording inodeCount
// inodes.
//
func inodeTableLimit(inodeCount uint64) (limit uint64) {
	if inodeCount >= inodeTableMaxLimit {
		limit = inodeTableMaxLimit
		return
	}

	limit = inodeTableMultiplier*inodeCount + inodeTableHeadroom
	if limit > inodeTableMaxLimit {
		limit = inodeTableMaxLimit
	}

	return
}

func newInodeTable(capacity uint64, limit uint64) (inodeTable *inodeTableStruct) {
	if capacity > limit {
		capacity = limit
	}
	if 0 == capacity {
		capacity = 1
	}

	inodeTable = &inodeTableStruct{
		entries: make([]*h2layout.BlockRefStruct, capacity),
		limit:   limit,
	}

	return
}

// register records bref for inum, doubling the table to hold inum if needed.
// An inum at or above the table's limit is CorruptBlockError.
//
func (inodeTable *inodeTableStruct) register(inum uint64, bref *h2layout.BlockRefStruct) (err error) {
	var (
		grown     []*h2layout.BlockRefStruct
		grownSize uint64
		saved     h2layout.BlockRefStruct
	)

	if inum >= inodeTable.limit {
		err = blunder.NewError(blunder.CorruptBlockError, "inum %d exceeds inode table limit %d", inum, inodeTable.limit)
		return
	}

	if inum >= uint64(len(inodeTable.entries)) {
		grownSize = 2 * inum
		if grownSize > inodeTable.limit {
			grownSize = inodeTable.limit
		}
		logger.Tracef("inode table growing from %d to %d for inum %d", len(inodeTable.entries), grownSize, inum)
		grown = make([]*h2layout.BlockRefStruct, grownSize)
		copy(grown, inodeTable.entries)
		inodeTable.entries = grown
	}

	if nil == inodeTable.entries[inum] {
		inodeTable.entryCount++
	}

	saved = *bref
	inodeTable.entries[inum] = &saved

	err = nil
	return
}

func (inodeTable *inodeTableStruct) lookup(inum uint64) (bref *h2layout.BlockRefStruct, ok bool) {
	if inum >= uint64(len(inodeTable.entries)) {
		return
	}

	bref = inodeTable.entries[inum]
	ok = (nil != bref)

	return
}

func (inodeTable *inodeTableStruct) count() uint64 {
	return inodeTable.entryCount
}

// resolve loads and decodes the inode bref refers to.
//
func (volume *Volume) resolve(bref *h2layout.BlockRefStruct) (inode *h2layout.InodeDataStruct, err error) {
	var (
		buf []byte
	)

	if h2layout.BRefTypeInode != bref.Type {
		err = blunder.NewError(blunder.UnexpectedBlockTypeError, "expected inode block reference, found type %d", bref.Type)
		return
	}

	buf, err = volume.loader.Load(bref, h2layout.InodeSize)
	if nil != err {
		return
	}

	inode, err = h2layout.UnmarshalInodeData(buf)
	if nil != err {
		inode = nil
	}

	return
}

func (volume *Volume) lookupInode(inum uint64) (inode *h2layout.InodeDataStruct, err error) {
	var (
		bref *h2layout.BlockRefStruct
		ok   bool
	)

	bref, ok = volume.inodeTable.lookup(inum)
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "inum %d not found", inum)
		return
	}

	inode, err = volume.resolve(bref)

	return
}
