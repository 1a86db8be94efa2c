// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2layout

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/NVIDIA/cstruct"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/utils"
)

var (
	icrcTableOnce sync.Once
	icrcTable     *crc32.Table
)

func icrc32(buf []byte) uint32 {
	icrcTableOnce.Do(func() {
		icrcTable = crc32.MakeTable(crc32.Castagnoli)
	})

	return crc32.Checksum(buf, icrcTable)
}

func (bref *BlockRefStruct) embedKind() EmbedKind {
	switch bref.Type {
	case BRefTypeDirent:
		return EmbedKindDirent
	case BRefTypeInode, BRefTypeIndirect, BRefTypeVolume, BRefTypeFreemap:
		return EmbedKindStats
	default:
		return EmbedKindNone
	}
}

func (bref *BlockRefStruct) checkKind() CheckKind {
	if (BRefTypeDirent == bref.Type) && (0 == bref.DataOff) {
		return CheckKindInlineName
	}

	switch bref.CheckMethod() {
	case CheckISCSI32:
		return CheckKindISCSI32
	case CheckXXHash64:
		return CheckKindXXHash64
	case CheckSHA192:
		return CheckKindSHA192
	default:
		return CheckKindNone
	}
}

func (bref *BlockRefStruct) direntEmbed() (direntEmbed *DirentEmbedStruct, err error) {
	if EmbedKindDirent != bref.embedKind() {
		err = blunder.NewError(blunder.InvalidArgError, "block reference type 0x%02X carries no dirent embed", bref.Type)
		return
	}

	direntEmbed = &DirentEmbedStruct{}

	_, err = cstruct.Unpack(bref.Embed[:], direntEmbed, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptBlockError)
	}

	return
}

func (bref *BlockRefStruct) setDirentEmbed(direntEmbed *DirentEmbedStruct) (err error) {
	var (
		buf []byte
	)

	if BRefTypeDirent != bref.Type {
		err = blunder.NewError(blunder.InvalidArgError, "block reference type 0x%02X carries no dirent embed", bref.Type)
		return
	}

	buf, err = cstruct.Pack(direntEmbed, cstruct.LittleEndian)
	if nil != err {
		return
	}

	copy(bref.Embed[:], buf)

	err = nil
	return
}

func (bref *BlockRefStruct) statsEmbed() (statsEmbed *StatsEmbedStruct, err error) {
	if EmbedKindStats != bref.embedKind() {
		err = blunder.NewError(blunder.InvalidArgError, "block reference type 0x%02X carries no stats embed", bref.Type)
		return
	}

	statsEmbed = &StatsEmbedStruct{}

	_, err = cstruct.Unpack(bref.Embed[:], statsEmbed, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptBlockError)
	}

	return
}

func (bref *BlockRefStruct) setStatsEmbed(statsEmbed *StatsEmbedStruct) (err error) {
	var (
		buf []byte
	)

	if EmbedKindStats != bref.embedKind() {
		err = blunder.NewError(blunder.InvalidArgError, "block reference type 0x%02X carries no stats embed", bref.Type)
		return
	}

	buf, err = cstruct.Pack(statsEmbed, cstruct.LittleEndian)
	if nil != err {
		return
	}

	copy(bref.Embed[:], buf)

	err = nil
	return
}

func (bref *BlockRefStruct) inlineName() (name string, err error) {
	var (
		direntEmbed *DirentEmbedStruct
	)

	direntEmbed, err = bref.direntEmbed()
	if nil != err {
		return
	}

	if int(direntEmbed.NameLen) > DirentInlineMax {
		err = blunder.NewError(blunder.InvalidArgError, "name of length %d is not stored inline", direntEmbed.NameLen)
		return
	}

	name = string(bref.Check[:direntEmbed.NameLen])

	err = nil
	return
}

func (bref *BlockRefStruct) setInlineName(name string) (err error) {
	if BRefTypeDirent != bref.Type {
		err = blunder.NewError(blunder.InvalidArgError, "block reference type 0x%02X carries no name", bref.Type)
		return
	}
	if len(name) > DirentInlineMax {
		err = blunder.NewError(blunder.NameTooLongError, "name of length %d does not fit inline", len(name))
		return
	}

	bref.Check = [64]uint8{}
	copy(bref.Check[:], name)

	err = nil
	return
}

func (bref *BlockRefStruct) checkISCSI32() (value uint32, err error) {
	if CheckKindISCSI32 != bref.checkKind() {
		err = blunder.NewError(blunder.InvalidArgError, "block reference methods 0x%02X is not ISCSI32", bref.Methods)
		return
	}

	value = binary.LittleEndian.Uint32(bref.Check[0:4])

	err = nil
	return
}

func (bref *BlockRefStruct) checkXXHash64() (value uint64, err error) {
	if CheckKindXXHash64 != bref.checkKind() {
		err = blunder.NewError(blunder.InvalidArgError, "block reference methods 0x%02X is not XXHASH64", bref.Methods)
		return
	}

	value = binary.LittleEndian.Uint64(bref.Check[0:8])

	err = nil
	return
}

func (bref *BlockRefStruct) checkSHA192() (value [24]byte, err error) {
	if CheckKindSHA192 != bref.checkKind() {
		err = blunder.NewError(blunder.InvalidArgError, "block reference methods 0x%02X is not SHA192", bref.Methods)
		return
	}

	copy(value[:], bref.Check[0:24])

	err = nil
	return
}

func unmarshalBlockRef(buf []byte) (bref *BlockRefStruct, err error) {
	if len(buf) < BlockRefSize {
		err = blunder.NewError(blunder.CorruptBlockError, "block reference needs %d bytes, got %d", BlockRefSize, len(buf))
		return
	}

	bref = &BlockRefStruct{}

	_, err = cstruct.Unpack(buf[:BlockRefSize], bref, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptBlockError)
	}

	return
}

func unmarshalBlockRefs(buf []byte) (brefs []BlockRefStruct, err error) {
	var (
		bref      *BlockRefStruct
		brefIndex int
		brefCount = len(buf) / BlockRefSize
	)

	brefs = make([]BlockRefStruct, brefCount)

	for brefIndex = 0; brefIndex < brefCount; brefIndex++ {
		bref, err = unmarshalBlockRef(buf[brefIndex*BlockRefSize:])
		if nil != err {
			return
		}
		brefs[brefIndex] = *bref
	}

	err = nil
	return
}

func (bref *BlockRefStruct) marshalBlockRef() (buf []byte, err error) {
	buf, err = cstruct.Pack(bref, cstruct.LittleEndian)
	return
}

func (inode *InodeDataStruct) name() string {
	var (
		nameLen = int(inode.Meta.NameLen)
	)

	if nameLen > InodeFilenameSize {
		nameLen = InodeFilenameSize
	}
	if 0 == nameLen {
		return utils.CStringFromBuf(inode.Filename[:])
	}

	return string(inode.Filename[:nameLen])
}

func (inode *InodeDataStruct) setName(name string) (err error) {
	if len(name) > InodeFilenameSize {
		err = blunder.NewError(blunder.NameTooLongError, "name of length %d does not fit in an inode", len(name))
		return
	}

	inode.Filename = [InodeFilenameSize]uint8{}
	copy(inode.Filename[:], name)
	inode.Meta.NameLen = uint16(len(name))

	err = nil
	return
}

func (inode *InodeDataStruct) blockSet() (blockSet []BlockRefStruct, err error) {
	if inode.IsDirectData() {
		err = blunder.NewError(blunder.InvalidArgError, "inode 0x%016X holds inline data", inode.Meta.Inum)
		return
	}

	blockSet, err = unmarshalBlockRefs(inode.U[:])
	return
}

func (inode *InodeDataStruct) setBlockSet(blockSet []BlockRefStruct) (err error) {
	var (
		brefBuf   []byte
		brefIndex int
	)

	if len(blockSet) > BlockSetCount {
		err = blunder.NewError(blunder.InvalidArgError, "block set holds at most %d references, got %d", BlockSetCount, len(blockSet))
		return
	}

	inode.U = [EmbeddedBytes]uint8{}

	for brefIndex = range blockSet {
		brefBuf, err = blockSet[brefIndex].marshalBlockRef()
		if nil != err {
			return
		}
		copy(inode.U[brefIndex*BlockRefSize:], brefBuf)
	}

	inode.Meta.OpFlags &^= OpFlagDirectData

	err = nil
	return
}

func (inode *InodeDataStruct) inlineData() (data []byte, err error) {
	var (
		size = inode.Meta.Size
	)

	if !inode.IsDirectData() {
		err = blunder.NewError(blunder.InvalidArgError, "inode 0x%016X holds a block set", inode.Meta.Inum)
		return
	}

	if size > EmbeddedBytes {
		size = EmbeddedBytes
	}

	data = make([]byte, size)
	copy(data, inode.U[:size])

	err = nil
	return
}

func (inode *InodeDataStruct) setInlineData(data []byte) (err error) {
	if len(data) > EmbeddedBytes {
		err = blunder.NewError(blunder.InvalidArgError, "inline data holds at most %d bytes, got %d", EmbeddedBytes, len(data))
		return
	}

	inode.U = [EmbeddedBytes]uint8{}
	copy(inode.U[:], data)
	inode.Meta.Size = uint64(len(data))
	inode.Meta.OpFlags |= OpFlagDirectData

	err = nil
	return
}

func unmarshalInodeData(buf []byte) (inode *InodeDataStruct, err error) {
	if len(buf) < InodeSize {
		err = blunder.NewError(blunder.CorruptBlockError, "inode needs %d bytes, got %d", InodeSize, len(buf))
		return
	}

	inode = &InodeDataStruct{}

	_, err = cstruct.Unpack(buf[:InodeSize], inode, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptBlockError)
	}

	return
}

func (inode *InodeDataStruct) marshalInodeData() (buf []byte, err error) {
	buf, err = cstruct.Pack(inode, cstruct.LittleEndian)
	return
}

func unmarshalVolumeHeader(buf []byte) (volumeHeader *VolumeHeaderStruct, err error) {
	if len(buf) < VolumeHeaderSize {
		err = blunder.NewError(blunder.NoVolumeHeaderError, "volume header needs %d bytes, got %d", VolumeHeaderSize, len(buf))
		return
	}

	volumeHeader = &VolumeHeaderStruct{}

	_, err = cstruct.Unpack(buf[:VolumeHeaderSize], volumeHeader, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.NoVolumeHeaderError)
	}

	return
}

func (volumeHeader *VolumeHeaderStruct) marshalVolumeHeader(fixICRC bool) (buf []byte, err error) {
	buf, err = cstruct.Pack(volumeHeader, cstruct.LittleEndian)
	if nil != err {
		return
	}

	if fixICRC {
		binary.LittleEndian.PutUint32(buf[ICRCSect0Size+4*ICRCSect0Index:], icrc32(buf[:ICRCSect0Size]))
		binary.LittleEndian.PutUint32(buf[ICRCSect0Size+4*ICRCSect1Index:], icrc32(buf[ICRCSect1Start:ICRCSect1End]))
		volumeHeader.ICRCSects[ICRCSect0Index] = binary.LittleEndian.Uint32(buf[ICRCSect0Size+4*ICRCSect0Index:])
		volumeHeader.ICRCSects[ICRCSect1Index] = binary.LittleEndian.Uint32(buf[ICRCSect0Size+4*ICRCSect1Index:])
	}

	err = nil
	return
}

func (volumeHeader *VolumeHeaderStruct) validateMagic() (err error) {
	switch volumeHeader.Magic {
	case VolumeMagic:
		err = nil
	case VolumeMagicSwapped:
		err = blunder.NewError(blunder.NoVolumeHeaderError, "volume header written in opposite byte order")
	default:
		err = blunder.NewError(blunder.NoVolumeHeaderError, "bad volume header magic 0x%016X", volumeHeader.Magic)
	}

	return
}

func verifyICRC(buf []byte) (err error) {
	var (
		computed uint32
		stored   uint32
	)

	if len(buf) < VolumeHeaderSize {
		err = blunder.NewError(blunder.NoVolumeHeaderError, "volume header needs %d bytes, got %d", VolumeHeaderSize, len(buf))
		return
	}

	stored = binary.LittleEndian.Uint32(buf[ICRCSect0Size+4*ICRCSect0Index:])
	computed = icrc32(buf[:ICRCSect0Size])
	if stored != computed {
		err = blunder.NewError(blunder.ChecksumMismatchError, "volume header sector 0 CRC 0x%08X != 0x%08X", computed, stored)
		return
	}

	stored = binary.LittleEndian.Uint32(buf[ICRCSect0Size+4*ICRCSect1Index:])
	computed = icrc32(buf[ICRCSect1Start:ICRCSect1End])
	if stored != computed {
		err = blunder.NewError(blunder.ChecksumMismatchError, "volume header sector 1 CRC 0x%08X != 0x%08X", computed, stored)
		return
	}

	err = nil
	return
}
