// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2image

import (
	"io"
	"sync"

	"github.com/NVIDIA/h2fs/blunder"
)

const deviceChunkSize = uint64(0x10000)

// Device is a sparse in-memory block device. Unwritten ranges read as zero.
//
// The device grows to cover the furthest byte written. Reads past that point
// are short and return io.EOF.
//
type Device struct {
	sync.RWMutex
	size   uint64
	chunks map[uint64][]byte // Key is chunk-aligned device offset
}

// NewDevice returns an empty Device of the given initial size.
//
func NewDevice(size uint64) (device *Device) {
	device = &Device{
		size:   size,
		chunks: make(map[uint64][]byte),
	}
	return
}

// Size returns the current device size.
//
func (device *Device) Size() uint64 {
	device.RLock()
	defer device.RUnlock()

	return device.size
}

// ChunkCount returns the number of 64 KiB chunks holding written data.
//
func (device *Device) ChunkCount() int {
	device.RLock()
	defer device.RUnlock()

	return len(device.chunks)
}

// ReadAt implements io.ReaderAt.
//
func (device *Device) ReadAt(p []byte, off int64) (n int, err error) {
	var (
		chunk       []byte
		chunkOffset uint64
		copied      int
		ok          bool
		pos         uint64
		want        = len(p)
	)

	if off < 0 {
		err = blunder.NewError(blunder.InvalidArgError, "negative offset %d", off)
		return
	}

	device.RLock()
	defer device.RUnlock()

	pos = uint64(off)

	if pos >= device.size {
		err = io.EOF
		return
	}
	if (pos + uint64(want)) > device.size {
		want = int(device.size - pos)
	}

	for n < want {
		chunkOffset = pos - (pos % deviceChunkSize)
		chunk, ok = device.chunks[chunkOffset]
		if ok {
			copied = copy(p[n:want], chunk[pos-chunkOffset:])
		} else {
			copied = int(deviceChunkSize - (pos - chunkOffset))
			if copied > (want - n) {
				copied = want - n
			}
			for i := n; i < n+copied; i++ {
				p[i] = 0
			}
		}
		n += copied
		pos += uint64(copied)
	}

	if n < len(p) {
		err = io.EOF
	} else {
		err = nil
	}

	return
}

// WriteAt implements io.WriterAt.
//
func (device *Device) WriteAt(p []byte, off int64) (n int, err error) {
	var (
		chunk       []byte
		chunkOffset uint64
		copied      int
		ok          bool
		pos         uint64
	)

	if off < 0 {
		err = blunder.NewError(blunder.InvalidArgError, "negative offset %d", off)
		return
	}

	device.Lock()
	defer device.Unlock()

	pos = uint64(off)

	for n < len(p) {
		chunkOffset = pos - (pos % deviceChunkSize)
		chunk, ok = device.chunks[chunkOffset]
		if !ok {
			chunk = make([]byte, deviceChunkSize)
			device.chunks[chunkOffset] = chunk
		}
		copied = copy(chunk[pos-chunkOffset:], p[n:])
		n += copied
		pos += uint64(copied)
	}

	if pos > device.size {
		device.size = pos
	}

	err = nil
	return
}
