// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package h2block loads HAMMER2 blocks from a device.
//
// A load reads the physical block named by a block reference, verifies its
// check code, and decompresses it. The inverse operations (ComputeCheck,
// SetCheck, and Compress) are provided for image construction.
//
package h2block

import (
	"io"

	"github.com/NVIDIA/h2fs/bucketstats"
	"github.com/NVIDIA/h2fs/h2layout"
)

// BlockLoader is satisfied by *Loader and by test wrappers around it.
//
type BlockLoader interface {
	Load(bref *h2layout.BlockRefStruct, dstCapacity int) (buf []byte, err error)
}

// LoaderStatsStruct holds the counters reported under /stats.
//
type LoaderStatsStruct struct {
	Loads         bucketstats.Total
	BytesRead     bucketstats.Total
	CheckFailures bucketstats.Total
	CodecFailures bucketstats.Total
	AutoZeroLoads bucketstats.Total
	LZ4Loads      bucketstats.Total
	ZLIBLoads     bucketstats.Total
	DecodedBytes  bucketstats.Average
	LoadUsecs     bucketstats.BucketLog2Round
}

// Loader reads blocks from a device. It is safe for concurrent use.
//
type Loader struct {
	device io.ReaderAt
	stats  *LoaderStatsStruct
}

// NewLoader returns a Loader reading from device.
//
func NewLoader(device io.ReaderAt) (loader *Loader) {
	loader = &Loader{
		device: device,
		stats:  &LoaderStatsStruct{},
	}
	return
}

// Load returns the decoded content of the block bref refers to.
//
// dstCapacity bounds the decoded size; zero means h2layout.LeafMax.
// A checksum mismatch returns blunder.ChecksumMismatchError, an unknown
// codec blunder.UnsupportedCodecError, and a malformed compressed payload
// blunder.DecompressFailureError. A zero radix returns blunder.NoRadixError
// except for AUTOZERO blocks, which decode to zeroes without device I/O.
//
func (loader *Loader) Load(bref *h2layout.BlockRefStruct, dstCapacity int) (buf []byte, err error) {
	buf, err = loader.load(bref, dstCapacity)
	return
}

// Stats returns the loader's counters.
//
func (loader *Loader) Stats() *LoaderStatsStruct {
	return loader.stats
}

// RegisterStats publishes the loader's counters via bucketstats.
//
func (loader *Loader) RegisterStats(statsGroupName string) {
	bucketstats.Register("h2block", statsGroupName, loader.stats)
}

// UnregisterStats reverses RegisterStats.
//
func (loader *Loader) UnregisterStats(statsGroupName string) {
	bucketstats.UnRegister("h2block", statsGroupName)
}

// ComputeCheck returns the check arm value of buf for checkMethod, laid out
// as it is stored in h2layout.BlockRefStruct.Check.
//
func ComputeCheck(checkMethod uint8, buf []byte) (check [64]uint8, err error) {
	check, err = computeCheck(checkMethod, buf)
	return
}

// VerifyCheck reports whether buf matches the check code stored in bref.
//
func VerifyCheck(bref *h2layout.BlockRefStruct, buf []byte) (err error) {
	err = verifyCheck(bref, buf)
	return
}

// SetCheck stores the check code of buf, computed with bref's check method, in bref.
//
func SetCheck(bref *h2layout.BlockRefStruct, buf []byte) (err error) {
	bref.Check, err = computeCheck(bref.CheckMethod(), buf)
	return
}

// Compress encodes buf with compMethod in its on-disk form.
//
// The result is not padded to a physical block size.
//
func Compress(compMethod uint8, buf []byte) (compressed []byte, err error) {
	compressed, err = compress(compMethod, buf)
	return
}

// Decompress decodes a physical block's content encoded with compMethod.
//
func Decompress(compMethod uint8, physical []byte, dstCapacity int) (buf []byte, err error) {
	buf, err = decompress(compMethod, physical, dstCapacity)
	return
}
