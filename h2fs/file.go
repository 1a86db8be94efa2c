// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fs

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2layout"
	"github.com/NVIDIA/h2fs/logger"
)

type blockIndexDumpCallbacksStruct struct{}

func (dumpCallbacks *blockIndexDumpCallbacksStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsUint64, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("blockIndex key not a uint64")
		return
	}
	keyAsString = fmt.Sprintf("0x%016X", keyAsUint64)
	err = nil
	return
}

func (dumpCallbacks *blockIndexDumpCallbacksStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	entry, ok := value.(*blockIndexEntryStruct)
	if !ok {
		err = fmt.Errorf("blockIndex value not a *blockIndexEntryStruct")
		return
	}
	valueAsString = fmt.Sprintf("[0x%016X,0x%016X) data_off 0x%016X", entry.start, entry.end, entry.bref.DataOff)
	err = nil
	return
}

// fileCacheStruct holds the most recently loaded data block of a file.
//
type fileCacheStruct struct {
	sync.RWMutex
	start uint64
	buf   []byte
}

func (cache *fileCacheStruct) reset() {
	cache.Lock()
	cache.start = 0
	cache.buf = nil
	cache.Unlock()
}

// readLocked copies up to limit bytes at offset if the cached block covers
// offset. The caller holds at least the read lock.
//
func (cache *fileCacheStruct) readLocked(offset uint64, limit uint64) (buf []byte, hit bool) {
	var (
		end = cache.start + uint64(len(cache.buf))
	)

	if (nil == cache.buf) || (offset < cache.start) || (offset >= end) {
		return
	}

	if (end - offset) < limit {
		limit = end - offset
	}

	buf = make([]byte, limit)
	copy(buf, cache.buf[offset-cache.start:])
	hit = true

	return
}

func (cache *fileCacheStruct) read(offset uint64, limit uint64) (buf []byte, hit bool) {
	cache.RLock()
	buf, hit = cache.readLocked(offset, limit)
	cache.RUnlock()
	return
}

// blockIndexLookup returns the entry covering offset, if any, and the start
// of the next entry beyond offset (or ^0 if there is none).
//
func blockIndexLookup(blockIndex sortedmap.LLRBTree, offset uint64) (covering *blockIndexEntryStruct, nextStart uint64, err error) {
	var (
		entry *blockIndexEntryStruct
		index int
		ok    bool
		value sortedmap.Value
	)

	nextStart = ^uint64(0)

	index, _, err = blockIndex.BisectLeft(offset)
	if nil != err {
		return
	}

	if 0 <= index {
		_, value, ok, err = blockIndex.GetByIndex(index)
		if nil != err {
			return
		}
		if ok {
			entry = value.(*blockIndexEntryStruct)
			if offset < entry.end {
				covering = entry
				err = nil
				return
			}
		}
	}

	_, value, ok, err = blockIndex.GetByIndex(index + 1)
	if nil != err {
		return
	}
	if ok {
		nextStart = value.(*blockIndexEntryStruct).start
	}

	err = nil
	return
}

func (volume *Volume) readFile(inode *h2layout.InodeDataStruct, blockIndex sortedmap.LLRBTree, cache *fileCacheStruct, offset uint64, count uint64) (buf []byte, err error) {
	var (
		blockSize uint64
		covering  *blockIndexEntryStruct
		data      []byte
		hit       bool
		limit     uint64
		nextStart uint64
		size      = inode.Meta.Size
	)

	if offset > size {
		err = blunder.NewError(blunder.ReadPastEndError, "offset %d beyond size %d of inum %d", offset, size, inode.Meta.Inum)
		return
	}

	limit = size - offset
	if count < limit {
		limit = count
	}
	if 0 == limit {
		buf = []byte{}
		err = nil
		return
	}

	if inode.IsDirectData() {
		data, err = inode.InlineData()
		if nil != err {
			return
		}
		if uint64(len(data)) < (offset + limit) {
			err = blunder.NewError(blunder.CorruptBlockError, "inline data of inum %d holds %d bytes, size %d", inode.Meta.Inum, len(data), size)
			return
		}
		buf = make([]byte, limit)
		copy(buf, data[offset:])
		err = nil
		return
	}

	buf, hit = cache.read(offset, limit)
	if hit {
		err = nil
		return
	}

	covering, nextStart, err = blockIndexLookup(blockIndex, offset)
	if nil != err {
		return
	}

	if nil == covering {
		if nextStart < (offset + limit) {
			limit = nextStart - offset
		}
		logger.Tracef("inum %d: hole of %d bytes at offset %d", inode.Meta.Inum, limit, offset)
		buf = make([]byte, limit)
		err = nil
		return
	}

	cache.Lock()
	defer cache.Unlock()

	buf, hit = cache.readLocked(offset, limit)
	if hit {
		err = nil
		return
	}

	blockSize = covering.end - covering.start
	if blockSize > h2layout.LeafMax {
		err = blunder.NewError(blunder.CorruptBlockError, "data block key 0x%016X of inum %d spans %d bytes", covering.start, inode.Meta.Inum, blockSize)
		return
	}

	data, err = volume.loader.Load(&covering.bref, int(blockSize))
	if nil != err {
		return
	}

	// A block decoding short of its logical span is zero-extended
	if uint64(len(data)) < blockSize {
		data = append(data, make([]byte, blockSize-uint64(len(data)))...)
	} else {
		data = data[:blockSize]
	}

	cache.start = covering.start
	cache.buf = data

	buf, _ = cache.readLocked(offset, limit)

	err = nil
	return
}
