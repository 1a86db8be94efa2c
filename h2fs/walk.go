// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fs

import (
	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2layout"
	"github.com/NVIDIA/h2fs/logger"
)

const (
	direntCacheInitialCapacity = 16

	// Deeper than any tree whose key ranges narrow as it descends
	maxWalkDepth = 64
)

// walkPolicy is handed every block reference the walker does not handle
// itself. EMPTY references are skipped and INDIRECT references descended.
//
type walkPolicy interface {
	visit(bref *h2layout.BlockRefStruct) (err error)
}

type walkFrameStruct struct {
	parent *h2layout.BlockRefStruct // nil for the inode's own block set
	brefs  []h2layout.BlockRefStruct
	index  int
}

// keyRangeContains reports whether child's key range lies within parent's.
//
func keyRangeContains(parent *h2layout.BlockRefStruct, child *h2layout.BlockRefStruct) bool {
	var (
		parentMask uint64
	)

	if child.KeyBits > parent.KeyBits {
		return false
	}
	if parent.KeyBits >= 64 {
		return true
	}

	parentMask = (uint64(1) << parent.KeyBits) - 1

	return (child.Key &^ parentMask) == (parent.Key &^ parentMask)
}

// walk visits the tree rooted at blockSet depth first, in on-disk order.
//
func (volume *Volume) walk(blockSet []h2layout.BlockRefStruct, policy walkPolicy) (err error) {
	var (
		bref   *h2layout.BlockRefStruct
		buf    []byte
		child  []h2layout.BlockRefStruct
		frame  *walkFrameStruct
		frames []*walkFrameStruct
	)

	frames = append(frames, &walkFrameStruct{brefs: blockSet})

	for 0 < len(frames) {
		frame = frames[len(frames)-1]

		if frame.index >= len(frame.brefs) {
			frames[len(frames)-1] = nil
			frames = frames[:len(frames)-1]
			continue
		}

		bref = &frame.brefs[frame.index]
		frame.index++

		if h2layout.BRefTypeEmpty == bref.Type {
			continue
		}

		if (nil != frame.parent) && !keyRangeContains(frame.parent, bref) {
			err = blunder.NewError(blunder.CorruptBlockError, "block reference key 0x%016X keybits %d outside indirect block key 0x%016X keybits %d",
				bref.Key, bref.KeyBits, frame.parent.Key, frame.parent.KeyBits)
			return
		}

		switch bref.Type {
		case h2layout.BRefTypeIndirect:
			if len(frames) >= maxWalkDepth {
				err = blunder.NewError(blunder.CorruptBlockError, "indirect block key 0x%016X nested more than %d deep", bref.Key, maxWalkDepth)
				return
			}
			if 0 == bref.Radix() {
				err = blunder.NewError(blunder.NoRadixError, "indirect block reference key 0x%016X has no radix", bref.Key)
				return
			}
			buf, err = volume.loader.Load(bref, h2layout.LeafMax)
			if nil != err {
				return
			}
			child, err = h2layout.UnmarshalBlockRefs(buf[:(len(buf)/h2layout.BlockRefSize)*h2layout.BlockRefSize])
			if nil != err {
				return
			}
			logger.Tracef("descending into indirect block key 0x%016X keybits %d (%d refs)", bref.Key, bref.KeyBits, len(child))
			frames = append(frames, &walkFrameStruct{parent: bref, brefs: child})
		default:
			err = policy.visit(bref)
			if nil != err {
				return
			}
		}
	}

	err = nil
	return
}

// appendDirent grows dirents by doubling, starting from
// direntCacheInitialCapacity.
//
func appendDirent(dirents []h2layout.BlockRefStruct, bref *h2layout.BlockRefStruct) []h2layout.BlockRefStruct {
	var (
		grown []h2layout.BlockRefStruct
	)

	if len(dirents) == cap(dirents) {
		if 0 == cap(dirents) {
			grown = make([]h2layout.BlockRefStruct, len(dirents), direntCacheInitialCapacity)
		} else {
			grown = make([]h2layout.BlockRefStruct, len(dirents), 2*cap(dirents))
		}
		copy(grown, dirents)
		dirents = grown
	}

	return append(dirents, *bref)
}

// inodeWalkPolicyStruct registers every INODE reference under its key and
// collects the DIRENT references of the PFS root.
//
type inodeWalkPolicyStruct struct {
	inodeTable *inodeTableStruct
	dirents    []h2layout.BlockRefStruct
}

func (policy *inodeWalkPolicyStruct) visit(bref *h2layout.BlockRefStruct) (err error) {
	switch bref.Type {
	case h2layout.BRefTypeInode:
		err = policy.inodeTable.register(bref.Key, bref)
		if nil != err {
			return
		}
	case h2layout.BRefTypeDirent:
		policy.dirents = appendDirent(policy.dirents, bref)
	default:
		err = blunder.NewError(blunder.UnexpectedBlockTypeError, "unexpected block type %d in PFS root tree", bref.Type)
		return
	}

	err = nil
	return
}

func (volume *Volume) walkInodes(blockSet []h2layout.BlockRefStruct) (dirents []h2layout.BlockRefStruct, err error) {
	var (
		policy = &inodeWalkPolicyStruct{inodeTable: volume.inodeTable}
	)

	err = volume.walk(blockSet, policy)
	if nil != err {
		return
	}

	dirents = policy.dirents

	return
}

// entryWalkPolicyStruct collects the DIRENT references of a directory.
//
// INODE references only appear under the PFS root and were registered
// while mounting, so they are passed over.
//
type entryWalkPolicyStruct struct {
	dirents []h2layout.BlockRefStruct
}

func (policy *entryWalkPolicyStruct) visit(bref *h2layout.BlockRefStruct) (err error) {
	switch bref.Type {
	case h2layout.BRefTypeDirent:
		policy.dirents = appendDirent(policy.dirents, bref)
	case h2layout.BRefTypeInode:
		// Already registered
	default:
		err = blunder.NewError(blunder.UnexpectedBlockTypeError, "unexpected block type %d in directory", bref.Type)
		return
	}

	err = nil
	return
}

func (volume *Volume) walkEntries(blockSet []h2layout.BlockRefStruct) (dirents []h2layout.BlockRefStruct, err error) {
	var (
		policy = &entryWalkPolicyStruct{}
	)

	err = volume.walk(blockSet, policy)
	if nil != err {
		return
	}

	dirents = policy.dirents

	return
}

// blockIndexEntryStruct covers the logical file range [start, end).
//
type blockIndexEntryStruct struct {
	start uint64
	end   uint64
	bref  h2layout.BlockRefStruct
}

// blockIndexWalkPolicyStruct files every DATA reference of a file by the
// first logical offset it covers.
//
type blockIndexWalkPolicyStruct struct {
	blockIndex sortedmap.LLRBTree
}

func (policy *blockIndexWalkPolicyStruct) visit(bref *h2layout.BlockRefStruct) (err error) {
	var (
		entry *blockIndexEntryStruct
		ok    bool
	)

	if h2layout.BRefTypeData != bref.Type {
		err = blunder.NewError(blunder.UnexpectedBlockTypeError, "unexpected block type %d in file", bref.Type)
		return
	}

	if (0 == bref.KeyRangeSize()) || (bref.KeyRangeSize() > h2layout.LeafMax) {
		err = blunder.NewError(blunder.CorruptBlockError, "data block reference key 0x%016X has keybits %d", bref.Key, bref.KeyBits)
		return
	}

	entry = &blockIndexEntryStruct{
		start: bref.Key,
		end:   bref.Key + bref.KeyRangeSize(),
		bref:  *bref,
	}
	if entry.end < entry.start {
		err = blunder.NewError(blunder.CorruptBlockError, "data block reference key 0x%016X keybits %d runs past the key space", bref.Key, bref.KeyBits)
		return
	}

	ok, err = policy.blockIndex.Put(entry.start, entry)
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.CorruptBlockError, "duplicate data block reference key 0x%016X", bref.Key)
		return
	}

	err = nil
	return
}

func (volume *Volume) walkBlockIndex(blockSet []h2layout.BlockRefStruct) (blockIndex sortedmap.LLRBTree, err error) {
	var (
		policy = &blockIndexWalkPolicyStruct{
			blockIndex: sortedmap.NewLLRBTree(sortedmap.CompareUint64, &blockIndexDumpCallbacksStruct{}),
		}
	)

	err = volume.walk(blockSet, policy)
	if nil != err {
		return
	}

	blockIndex = policy.blockIndex

	return
}
