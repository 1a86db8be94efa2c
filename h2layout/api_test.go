// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2layout

import (
	"encoding/binary"
	"testing"

	"github.com/NVIDIA/cstruct"
	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/h2fs/blunder"
)

func TestStructSizes(t *testing.T) {
	assert := assert.New(t)

	bytesNeeded, _, err := cstruct.Examine(BlockRefStruct{})
	assert.Nil(err)
	assert.Equal(uint64(BlockRefSize), bytesNeeded)

	bytesNeeded, _, err = cstruct.Examine(InodeMetaStruct{})
	assert.Nil(err)
	assert.Equal(uint64(InodeMetaSize), bytesNeeded)

	bytesNeeded, _, err = cstruct.Examine(InodeDataStruct{})
	assert.Nil(err)
	assert.Equal(uint64(InodeSize), bytesNeeded)

	bytesNeeded, _, err = cstruct.Examine(VolumeHeaderStruct{})
	assert.Nil(err)
	assert.Equal(uint64(VolumeHeaderSize), bytesNeeded)

	bytesNeeded, _, err = cstruct.Examine(DirentEmbedStruct{})
	assert.Nil(err)
	assert.Equal(uint64(16), bytesNeeded)
}

func TestBlockRef(t *testing.T) {
	assert := assert.New(t)

	bref := &BlockRefStruct{
		Type:    BRefTypeDirent,
		Methods: MakeMethods(CheckXXHash64, CompLZ4),
		KeyBits: 0,
		Key:     0x8000000012345678,
	}

	assert.Equal(CheckXXHash64, bref.CheckMethod())
	assert.Equal(CompLZ4, bref.CompMethod())
	assert.Equal(EmbedKindDirent, bref.EmbedKind())
	assert.Equal(CheckKindInlineName, bref.CheckKind())

	assert.Nil(bref.SetDirentEmbed(&DirentEmbedStruct{Inum: 42, NameLen: 5, Type: ObjTypeRegFile}))
	assert.Nil(bref.SetInlineName("hello"))

	buf, err := bref.MarshalBlockRef()
	if !assert.Nil(err) {
		return
	}
	assert.Equal(BlockRefSize, len(buf))
	assert.Equal(uint64(0x8000000012345678), binary.LittleEndian.Uint64(buf[0x08:]))
	assert.Equal(uint64(42), binary.LittleEndian.Uint64(buf[0x30:]))
	assert.Equal("hello", string(buf[0x40:0x45]))

	decoded, err := UnmarshalBlockRef(buf)
	if !assert.Nil(err) {
		return
	}

	direntEmbed, err := decoded.DirentEmbed()
	assert.Nil(err)
	assert.Equal(uint64(42), direntEmbed.Inum)
	assert.Equal(uint16(5), direntEmbed.NameLen)
	assert.Equal(ObjTypeRegFile, direntEmbed.Type)

	name, err := decoded.InlineName()
	assert.Nil(err)
	assert.Equal("hello", name)

	_, err = decoded.StatsEmbed()
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	_, err = decoded.CheckXXHash64()
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	assert.True(blunder.Is(decoded.SetInlineName(string(make([]byte, DirentInlineMax+1))), blunder.NameTooLongError))

	_, err = UnmarshalBlockRef(buf[:BlockRefSize-1])
	assert.True(blunder.Is(err, blunder.CorruptBlockError))
}

func TestBlockRefGeometry(t *testing.T) {
	assert := assert.New(t)

	bref := &BlockRefStruct{
		Type:    BRefTypeData,
		Methods: MakeMethods(CheckISCSI32, CompNone),
		KeyBits: 16,
		DataOff: MakeDataOff(0x123450000, 16),
	}

	assert.Equal(uint8(16), bref.Radix())
	assert.Equal(uint64(65536), bref.PhysicalSize())
	assert.Equal(uint64(0x123450000), bref.PhysicalOffset())
	assert.Equal(uint64(65536), bref.KeyRangeSize())
	assert.Equal(CheckKindISCSI32, bref.CheckKind())
	assert.Equal(EmbedKindNone, bref.EmbedKind())

	binary.LittleEndian.PutUint32(bref.Check[:], 0xDEADBEEF)
	value, err := bref.CheckISCSI32()
	assert.Nil(err)
	assert.Equal(uint32(0xDEADBEEF), value)

	bref.DataOff = MakeDataOff(0x10000, 0)
	assert.Equal(uint64(0), bref.PhysicalSize())
}

func TestInodeData(t *testing.T) {
	assert := assert.New(t)

	inode := &InodeDataStruct{}
	inode.Meta.Type = ObjTypeDirectory
	inode.Meta.Inum = 7
	inode.Meta.Mode = 0755
	inode.Meta.MTime = 1600000000000000
	inode.Meta.PFSType = PFSTypeSupRoot

	assert.Nil(inode.SetName("ROOT"))

	child := BlockRefStruct{Type: BRefTypeInode, Key: 9, DataOff: MakeDataOff(0x4000, 10)}
	assert.Nil(child.SetStatsEmbed(&StatsEmbedStruct{DataCount: 1, InodeCount: 3}))
	assert.Nil(inode.SetBlockSet([]BlockRefStruct{child}))

	buf, err := inode.MarshalInodeData()
	if !assert.Nil(err) {
		return
	}
	assert.Equal(InodeSize, len(buf))
	assert.Equal(ObjTypeDirectory, buf[0x50])
	assert.Equal(uint64(7), binary.LittleEndian.Uint64(buf[0x58:]))
	assert.Equal(PFSTypeSupRoot, buf[0x87])
	assert.Equal("ROOT", string(buf[0x100:0x104]))

	decoded, err := UnmarshalInodeData(buf)
	if !assert.Nil(err) {
		return
	}
	assert.Equal("ROOT", decoded.Name())
	assert.False(decoded.IsDirectData())

	blockSet, err := decoded.BlockSet()
	if !assert.Nil(err) {
		return
	}
	assert.Equal(BlockSetCount, len(blockSet))
	assert.Equal(BRefTypeInode, blockSet[0].Type)
	assert.Equal(BRefTypeEmpty, blockSet[1].Type)

	statsEmbed, err := blockSet[0].StatsEmbed()
	assert.Nil(err)
	assert.Equal(uint64(3), statsEmbed.InodeCount)

	_, err = decoded.InlineData()
	assert.NotNil(err)

	assert.Nil(decoded.SetInlineData([]byte("small file")))
	assert.True(decoded.IsDirectData())
	data, err := decoded.InlineData()
	assert.Nil(err)
	assert.Equal([]byte("small file"), data)

	_, err = decoded.BlockSet()
	assert.NotNil(err)

	assert.NotNil(decoded.SetInlineData(make([]byte, EmbeddedBytes+1)))
	assert.NotNil(decoded.SetBlockSet(make([]BlockRefStruct, BlockSetCount+1)))
}

func TestVolumeHeader(t *testing.T) {
	assert := assert.New(t)

	volumeHeader := &VolumeHeaderStruct{
		Magic:     VolumeMagic,
		VoluSize:  1 << 30,
		MirrorTID: 17,
	}
	volumeHeader.SRootBlockSet[0] = BlockRefStruct{Type: BRefTypeInode, DataOff: MakeDataOff(0x400000, 10)}

	buf, err := volumeHeader.MarshalVolumeHeader(true)
	if !assert.Nil(err) {
		return
	}
	assert.Equal(VolumeHeaderSize, len(buf))
	assert.Nil(VerifyICRC(buf))
	assert.Equal(ICRC32(buf[:ICRCSect0Size]), volumeHeader.ICRCSects[ICRCSect0Index])

	decoded, err := UnmarshalVolumeHeader(buf)
	if !assert.Nil(err) {
		return
	}
	assert.Nil(decoded.ValidateMagic())
	assert.Equal(uint64(17), decoded.MirrorTID)
	assert.Equal(BRefTypeInode, decoded.SRootBlockSet[0].Type)

	buf[0x300] ^= 0xFF
	assert.True(blunder.Is(VerifyICRC(buf), blunder.ChecksumMismatchError))

	decoded.Magic = VolumeMagicSwapped
	assert.True(blunder.Is(decoded.ValidateMagic(), blunder.NoVolumeHeaderError))

	_, err = UnmarshalVolumeHeader(buf[:VolumeHeaderSize-1])
	assert.True(blunder.Is(err, blunder.NoVolumeHeaderError))
}

func TestICRC32(t *testing.T) {
	// Standard CRC-32C check value
	assert.Equal(t, uint32(0xE3069283), ICRC32([]byte("123456789")))
}
