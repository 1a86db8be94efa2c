// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2image

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2block"
	"github.com/NVIDIA/h2fs/h2layout"
)

func TestDevice(t *testing.T) {
	assert := assert.New(t)

	device := NewDevice(0)

	n, err := device.WriteAt([]byte("hello"), 0x1FFFE)
	assert.Nil(err)
	assert.Equal(5, n)
	assert.Equal(uint64(0x20003), device.Size())
	assert.Equal(2, device.ChunkCount())

	buf := make([]byte, 7)
	n, err = device.ReadAt(buf, 0x1FFFC)
	assert.Nil(err)
	assert.Equal(7, n)
	assert.Equal([]byte{0, 0, 'h', 'e', 'l', 'l', 'o'}, buf)

	buf = make([]byte, 8)

	n, err = device.ReadAt(buf, 0x20000)
	assert.Equal(io.EOF, err)
	assert.Equal(3, n)
	assert.Equal([]byte("llo"), buf[:3])

	_, err = device.ReadAt(buf, 0x30000)
	assert.Equal(io.EOF, err)

	n, err = device.ReadAt(buf, 0x100)
	assert.Nil(err)
	assert.Equal(make([]byte, 8), buf[:n])

	_, err = device.ReadAt(buf, -1)
	assert.NotNil(err)
}

func TestBuilderOptions(t *testing.T) {
	assert := assert.New(t)

	_, err := NewBuilder(&OptionsStruct{LeafSize: 3000})
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	_, err = NewBuilder(&OptionsStruct{Fanout: 1})
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	_, err = NewBuilder(&OptionsStruct{HeaderCopies: 5})
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	builder, err := NewBuilder(nil)
	if !assert.Nil(err) {
		return
	}

	_, err = builder.Build(NewDevice(0))
	assert.NotNil(err)

	for _, pfsName := range []string{"ROOT", "LOCAL", "BOOT", "DATA"} {
		_, err = builder.NewPFS(pfsName)
		assert.Nil(err)
	}
	_, err = builder.NewPFS("ONE-TOO-MANY")
	assert.True(blunder.Is(err, blunder.OutOfRangeError))
}

func TestNodeNames(t *testing.T) {
	assert := assert.New(t)

	builder, err := NewBuilder(nil)
	if !assert.Nil(err) {
		return
	}
	root, err := builder.NewPFS("ROOT")
	if !assert.Nil(err) {
		return
	}

	file, err := root.AddFile("file", 0644, []byte("x"))
	assert.Nil(err)
	assert.Equal("file", file.Name())
	assert.Equal(uint64(2), file.Inum())

	_, err = root.AddFile("file", 0644, nil)
	assert.NotNil(err)
	_, err = root.Mkdir("..", 0755)
	assert.NotNil(err)
	_, err = root.Mkdir("a/b", 0755)
	assert.NotNil(err)
	_, err = file.Mkdir("sub", 0755)
	assert.True(blunder.Is(err, blunder.NotDirError))
	_, err = root.AddFile(string(bytes.Repeat([]byte("n"), 256)), 0644, nil)
	assert.True(blunder.Is(err, blunder.NameTooLongError))
	_, err = root.AddSparseFile("sparse", 0644, 100, []ExtentStruct{{Offset: 10, Data: []byte("x")}})
	assert.NotNil(err)

	assert.Equal(NameKey("file"), NameKey("file"))
	assert.NotEqual(uint64(0), NameKey("file")&(uint64(1)<<63))
}

func TestBuildLayout(t *testing.T) {
	assert := assert.New(t)

	builder, err := NewBuilder(&OptionsStruct{
		CheckMethod:  h2layout.CheckXXHash64,
		CompMethod:   h2layout.CompLZ4,
		LeafSize:     4096,
		Fanout:       4,
		HeaderCopies: 2,
		MirrorTID:    9,
	})
	if !assert.Nil(err) {
		return
	}

	root, err := builder.NewPFS("ROOT")
	if !assert.Nil(err) {
		return
	}
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		_, err = root.AddFile(name, 0644, bytes.Repeat([]byte(name), 10000))
		assert.Nil(err)
	}

	device := NewDevice(0)

	buildResult, err := builder.Build(device)
	if !assert.Nil(err) {
		return
	}

	assert.Equal(uint64(7), buildResult.InodeCount)
	assert.Equal(h2layout.PFSTypeSupRoot, buildResult.SupRootInode.Meta.PFSType)
	assert.True(device.Size() > h2layout.VolumeHeaderZoneBytes)

	for index := 0; index < 2; index++ {
		buf := make([]byte, h2layout.VolumeHeaderSize)
		_, err = device.ReadAt(buf, int64(uint64(index)*h2layout.VolumeHeaderZoneBytes))
		if !assert.Nil(err) {
			return
		}
		assert.Nil(h2layout.VerifyICRC(buf))

		volumeHeader, err := h2layout.UnmarshalVolumeHeader(buf)
		if !assert.Nil(err) {
			return
		}
		assert.Nil(volumeHeader.ValidateMagic())
		assert.Equal(uint64(9), volumeHeader.MirrorTID)
		assert.Equal(h2layout.BRefTypeInode, volumeHeader.SRootBlockSet[0].Type)
		assert.True(volumeHeader.AllocatorFree < volumeHeader.AllocatorSize)
	}

	loader := h2block.NewLoader(device)

	supRootBuf, err := loader.Load(&buildResult.VolumeHeader.SRootBlockSet[0], h2layout.InodeSize)
	if !assert.Nil(err) {
		return
	}
	supRoot, err := h2layout.UnmarshalInodeData(supRootBuf)
	if !assert.Nil(err) {
		return
	}
	supRootSet, err := supRoot.BlockSet()
	if !assert.Nil(err) {
		return
	}

	pfsRootBuf, err := loader.Load(&supRootSet[0], h2layout.InodeSize)
	if !assert.Nil(err) {
		return
	}
	pfsRoot, err := h2layout.UnmarshalInodeData(pfsRootBuf)
	if !assert.Nil(err) {
		return
	}
	assert.Equal("ROOT", pfsRoot.Name())
	assert.Equal(h2layout.ObjTypeDirectory, pfsRoot.Meta.Type)

	statsEmbed, err := supRootSet[0].StatsEmbed()
	assert.Nil(err)
	assert.Equal(uint64(8), statsEmbed.InodeCount)

	// Six inodes plus six dirents spill into indirect blocks of four
	blockSet, err := pfsRoot.BlockSet()
	if !assert.Nil(err) {
		return
	}
	assert.Equal(h2layout.BRefTypeIndirect, blockSet[0].Type)
	assert.Equal(h2layout.BRefTypeIndirect, blockSet[2].Type)
	assert.Equal(h2layout.BRefTypeEmpty, blockSet[3].Type)
}
