// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2block

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2layout"
	"github.com/NVIDIA/h2fs/logger"
)

const lz4SizePrefix = 4

func (loader *Loader) load(bref *h2layout.BlockRefStruct, dstCapacity int) (buf []byte, err error) {
	var (
		bytesRead int
		physical  []byte
		radix     = bref.Radix()
		startTime = time.Now()
	)

	defer func() {
		loader.stats.LoadUsecs.Add(uint64(time.Since(startTime) / time.Microsecond))
	}()

	if (dstCapacity <= 0) || (dstCapacity > h2layout.LeafMax) {
		dstCapacity = h2layout.LeafMax
	}

	if 0 == radix {
		if h2layout.CompAutoZero == bref.CompMethod() {
			buf = make([]byte, autoZeroSize(bref, dstCapacity))
			loader.stats.AutoZeroLoads.Increment()
			loader.stats.DecodedBytes.Add(uint64(len(buf)))
			err = nil
			return
		}

		err = blunder.NewError(blunder.NoRadixError, "block reference key 0x%016X type 0x%02X has no radix", bref.Key, bref.Type)
		return
	}

	if radix > h2layout.RadixMax {
		err = blunder.NewError(blunder.CorruptBlockError, "block reference key 0x%016X radix %d exceeds %d", bref.Key, radix, h2layout.RadixMax)
		return
	}

	physical = make([]byte, bref.PhysicalSize())

	bytesRead, err = loader.device.ReadAt(physical, int64(bref.PhysicalOffset()))
	if bytesRead < len(physical) {
		if (nil == err) || (io.EOF == err) {
			err = blunder.NewError(blunder.IOError, "short read of %d bytes at 0x%016X (wanted %d)", bytesRead, bref.PhysicalOffset(), len(physical))
		} else {
			err = blunder.AddError(err, blunder.IOError)
		}
		return
	}

	loader.stats.Loads.Increment()
	loader.stats.BytesRead.Add(uint64(bytesRead))

	err = verifyCheck(bref, physical)
	if nil != err {
		loader.stats.CheckFailures.Increment()
		logger.WarnfWithError(err, "block at 0x%016X failed verification", bref.PhysicalOffset())
		return
	}

	switch bref.CompMethod() {
	case h2layout.CompLZ4:
		loader.stats.LZ4Loads.Increment()
	case h2layout.CompZLIB:
		loader.stats.ZLIBLoads.Increment()
	}

	buf, err = decompress(bref.CompMethod(), physical, dstCapacity)
	if nil != err {
		loader.stats.CodecFailures.Increment()
		return
	}

	loader.stats.DecodedBytes.Add(uint64(len(buf)))

	logger.Tracef("loaded block type 0x%02X key 0x%016X at 0x%016X: %d physical, %d decoded", bref.Type, bref.Key, bref.PhysicalOffset(), len(physical), len(buf))

	return
}

func autoZeroSize(bref *h2layout.BlockRefStruct, dstCapacity int) (size int) {
	var (
		keyRangeSize = bref.KeyRangeSize()
	)

	if (0 == keyRangeSize) || (keyRangeSize > uint64(dstCapacity)) {
		size = dstCapacity
	} else {
		size = int(keyRangeSize)
	}

	return
}

func computeCheck(checkMethod uint8, buf []byte) (check [64]uint8, err error) {
	switch checkMethod {
	case h2layout.CheckNone, h2layout.CheckDisabled:
		// Nothing stored
	case h2layout.CheckISCSI32:
		binary.LittleEndian.PutUint32(check[0:4], h2layout.ICRC32(buf))
	case h2layout.CheckXXHash64:
		binary.LittleEndian.PutUint64(check[0:8], xxHash64(buf))
	case h2layout.CheckSHA192:
		digest := sha192(buf)
		copy(check[0:24], digest[:])
	default:
		err = blunder.NewError(blunder.UnsupportedCodecError, "check method %d cannot be computed over a block", checkMethod)
		return
	}

	err = nil
	return
}

func verifyCheck(bref *h2layout.BlockRefStruct, buf []byte) (err error) {
	switch bref.CheckMethod() {
	case h2layout.CheckNone, h2layout.CheckDisabled:
		err = nil
	case h2layout.CheckISCSI32:
		var stored uint32
		stored, err = bref.CheckISCSI32()
		if nil != err {
			return
		}
		computed := h2layout.ICRC32(buf)
		if computed != stored {
			err = blunder.NewError(blunder.ChecksumMismatchError, "ISCSI32 0x%08X != stored 0x%08X", computed, stored)
		}
	case h2layout.CheckXXHash64:
		var stored uint64
		stored, err = bref.CheckXXHash64()
		if nil != err {
			return
		}
		computed := xxHash64(buf)
		if computed != stored {
			err = blunder.NewError(blunder.ChecksumMismatchError, "XXHASH64 0x%016X != stored 0x%016X", computed, stored)
		}
	case h2layout.CheckSHA192:
		var stored [24]byte
		stored, err = bref.CheckSHA192()
		if nil != err {
			return
		}
		computed := sha192(buf)
		if computed != stored {
			err = blunder.NewError(blunder.ChecksumMismatchError, "SHA192 %X != stored %X", computed, stored)
		}
	default:
		err = blunder.NewError(blunder.ChecksumMismatchError, "check method %d is not valid for a file tree block", bref.CheckMethod())
	}

	return
}

func xxHash64(buf []byte) uint64 {
	digest := xxhash.NewWithSeed(h2layout.XXHash64Seed)
	_, _ = digest.Write(buf)
	return digest.Sum64()
}

// sha192 folds the fourth 64-bit lane of a SHA-256 digest into the third and
// keeps the first 24 bytes.
//
func sha192(buf []byte) (digest [24]byte) {
	var (
		lane2 uint64
		lane3 uint64
		sum   = sha256.Sum256(buf)
	)

	lane2 = binary.LittleEndian.Uint64(sum[16:24])
	lane3 = binary.LittleEndian.Uint64(sum[24:32])
	binary.LittleEndian.PutUint64(sum[16:24], lane2^lane3)

	copy(digest[:], sum[:24])

	return
}

func compress(compMethod uint8, buf []byte) (compressed []byte, err error) {
	switch compMethod {
	case h2layout.CompNone, h2layout.CompAutoZero:
		compressed = make([]byte, len(buf))
		copy(compressed, buf)
	case h2layout.CompLZ4:
		compressed, err = compressLZ4(buf)
		if nil != err {
			return
		}
	case h2layout.CompZLIB:
		compressed, err = compressZLIB(buf)
		if nil != err {
			return
		}
	default:
		err = blunder.NewError(blunder.UnsupportedCodecError, "compression method %d is not supported", compMethod)
		return
	}

	err = nil
	return
}

func compressLZ4(buf []byte) (compressed []byte, err error) {
	var (
		written int
	)

	compressed = make([]byte, lz4SizePrefix+lz4.CompressBlockBound(len(buf)))

	if 0 < len(buf) {
		written, err = lz4.CompressBlock(buf, compressed[lz4SizePrefix:], nil)
		if nil != err {
			err = blunder.AddError(err, blunder.DecompressFailureError)
			return
		}
		if 0 == written {
			written = lz4LiteralBlock(buf, compressed[lz4SizePrefix:])
		}
	}

	binary.LittleEndian.PutUint32(compressed[0:lz4SizePrefix], uint32(written))
	compressed = compressed[:lz4SizePrefix+written]

	err = nil
	return
}

// lz4LiteralBlock encodes buf as a single literal-only LZ4 sequence. Used when
// lz4.CompressBlock declines incompressible input.
//
func lz4LiteralBlock(buf []byte, dst []byte) (written int) {
	var (
		remaining = len(buf)
	)

	if remaining < 15 {
		dst[0] = uint8(remaining) << 4
		written = 1
	} else {
		dst[0] = 0xF0
		written = 1
		remaining -= 15
		for remaining >= 255 {
			dst[written] = 255
			written++
			remaining -= 255
		}
		dst[written] = uint8(remaining)
		written++
	}

	written += copy(dst[written:], buf)

	return
}

func compressZLIB(buf []byte) (compressed []byte, err error) {
	var (
		compressedBuf bytes.Buffer
		zlibWriter    *zlib.Writer
	)

	zlibWriter = zlib.NewWriter(&compressedBuf)

	_, err = zlibWriter.Write(buf)
	if nil != err {
		return
	}

	err = zlibWriter.Close()
	if nil != err {
		return
	}

	compressed = compressedBuf.Bytes()

	err = nil
	return
}

func decompress(compMethod uint8, physical []byte, dstCapacity int) (buf []byte, err error) {
	if (dstCapacity <= 0) || (dstCapacity > h2layout.LeafMax) {
		dstCapacity = h2layout.LeafMax
	}

	switch compMethod {
	case h2layout.CompNone, h2layout.CompAutoZero:
		buf = physical
	case h2layout.CompLZ4:
		buf, err = decompressLZ4(physical, dstCapacity)
		if nil != err {
			return
		}
	case h2layout.CompZLIB:
		buf, err = decompressZLIB(physical, dstCapacity)
		if nil != err {
			return
		}
	default:
		err = blunder.NewError(blunder.UnsupportedCodecError, "compression method %d is not supported", compMethod)
		return
	}

	err = nil
	return
}

func decompressLZ4(physical []byte, dstCapacity int) (buf []byte, err error) {
	var (
		compressedSize int
		decodedSize    int
	)

	if len(physical) < lz4SizePrefix {
		err = blunder.NewError(blunder.DecompressFailureError, "LZ4 block of %d bytes has no size prefix", len(physical))
		return
	}

	compressedSize = int(binary.LittleEndian.Uint32(physical[0:lz4SizePrefix]))
	if compressedSize > (len(physical) - lz4SizePrefix) {
		err = blunder.NewError(blunder.DecompressFailureError, "LZ4 payload of %d bytes exceeds %d byte block", compressedSize, len(physical))
		return
	}

	buf = make([]byte, dstCapacity)

	decodedSize, err = lz4.UncompressBlock(physical[lz4SizePrefix:lz4SizePrefix+compressedSize], buf)
	if nil != err {
		err = blunder.AddError(err, blunder.DecompressFailureError)
		return
	}

	buf = buf[:decodedSize]

	err = nil
	return
}

func decompressZLIB(physical []byte, dstCapacity int) (buf []byte, err error) {
	var (
		zlibReader io.ReadCloser
	)

	zlibReader, err = zlib.NewReader(bytes.NewReader(physical))
	if nil != err {
		err = blunder.AddError(err, blunder.DecompressFailureError)
		return
	}
	defer zlibReader.Close()

	buf, err = io.ReadAll(io.LimitReader(zlibReader, int64(dstCapacity)))
	if nil != err {
		err = blunder.AddError(err, blunder.DecompressFailureError)
		return
	}

	err = nil
	return
}
