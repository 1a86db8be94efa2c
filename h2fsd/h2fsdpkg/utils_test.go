// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fsdpkg

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/h2fs/conf"
	"github.com/NVIDIA/h2fs/h2image"
	"github.com/NVIDIA/h2fs/h2layout"
)

const testLeafSize = uint64(1024)

func testPattern(length int, seed int) (buf []byte) {
	buf = make([]byte, length)
	for i := range buf {
		buf[i] = byte((i*7 + seed) % 251)
	}
	return
}

// testSetup writes an image holding the tree populate builds to a temporary
// file and starts serving it with FUSE and HTTP disabled.
//
func testSetup(t *testing.T, populate func(root *h2image.Node)) {
	err := Start(testConfMap(t, testBuildImageFile(t, populate)))
	require.Nil(t, err)

	t.Cleanup(func() {
		require.Nil(t, Stop())
	})
}

func testBuildImageFile(t *testing.T, populate func(root *h2image.Node)) (imagePath string) {
	builder, err := h2image.NewBuilder(&h2image.OptionsStruct{
		CheckMethod:  h2layout.CheckXXHash64,
		CompMethod:   h2layout.CompLZ4,
		LeafSize:     testLeafSize,
		HeaderCopies: 1,
	})
	require.Nil(t, err)

	root, err := builder.NewPFS(h2layout.DefaultPFSName)
	require.Nil(t, err)

	populate(root)

	imagePath = filepath.Join(t.TempDir(), "h2fs.img")

	imageFile, err := os.Create(imagePath)
	require.Nil(t, err)

	_, err = builder.Build(imageFile)
	require.Nil(t, err)
	require.Nil(t, imageFile.Close())

	return
}

func testConfMap(t *testing.T, imagePath string, extraConfStrings ...string) (confMap conf.ConfMap) {
	confMap, err := conf.MakeConfMapFromStrings(append([]string{
		"H2FS.Device=" + imagePath,
		"H2FS.PFSName=" + h2layout.DefaultPFSName,
		"H2FS.VerifyHeaderCRC=true",
		"FUSE.AttrDuration=250ms",
		"FUSE.EntryDuration=250ms",
		"Logging.LogToConsole=false",
	}, extraConfStrings...))
	require.Nil(t, err)

	return
}

type testDirentStruct struct {
	inode      uint64
	direntType uint32
	name       string
}

// testParseDirents decodes a buffer built by fuselib.AppendDirent().
//
func testParseDirents(t *testing.T, buf []byte) (dirents []testDirentStruct) {
	for 0 < len(buf) {
		require.True(t, len(buf) >= 24)

		nameLen := int(binary.LittleEndian.Uint32(buf[16:20]))
		recLen := (24 + nameLen + 7) &^ 7

		require.True(t, len(buf) >= recLen)

		dirents = append(dirents, testDirentStruct{
			inode:      binary.LittleEndian.Uint64(buf[0:8]),
			direntType: binary.LittleEndian.Uint32(buf[20:24]),
			name:       string(buf[24 : 24+nameLen]),
		})

		buf = buf[recLen:]
	}

	return
}
