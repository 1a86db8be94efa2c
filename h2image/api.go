// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package h2image builds HAMMER2 images.
//
// A Builder collects one or more PFS trees in memory and lays them out on an
// io.WriterAt: inodes, directory entries, data blocks, indirect blocks where
// a block set overflows, a super-root, and redundant volume headers. Images
// are used by tests and by the mkh2image tool.
//
package h2image

import (
	"io"
	"time"

	"github.com/google/btree"

	"github.com/NVIDIA/h2fs/h2layout"
)

// OptionsStruct controls the layout produced by a Builder.
//
// Zero values select the defaults noted.
//
type OptionsStruct struct {
	CheckMethod       uint8     // Applied to every block; default h2layout.CheckNone
	CompMethod        uint8     // Applied to data blocks; default h2layout.CompNone
	LeafSize          uint64    // Logical data block size; power of two in [1KiB,64KiB]; default 64KiB
	Fanout            int       // Block references per indirect block; default 512 (a 64KiB block)
	HeaderCopies      int       // Volume header copies written, 1..4; default 4
	MirrorTID         uint64    // Stamped in every header copy; default 1
	NoDirectData      bool      // Store small files in data blocks rather than inline
	Time              time.Time // Timestamp of nodes not given one explicitly; default the Unix epoch
	VolumeSizeMinimum uint64    // Reported volume size floor
}

// ExtentStruct places Data at Offset within a sparse file.
//
// Offset must be a multiple of the builder's LeafSize.
//
type ExtentStruct struct {
	Offset uint64
	Data   []byte
}

// Builder accumulates PFS trees until Build() lays them out.
//
type Builder struct {
	options     OptionsStruct
	pfsList     []*Node
	nextInum    uint64
	allocOffset uint64
	allocBeg    uint64
	dst         io.WriterAt
}

// Node is a directory, file, or other object within a PFS tree.
//
type Node struct {
	builder  *Builder
	pfsRoot  *Node
	parent   *Node
	inum     uint64
	objType  uint8
	mode     uint32
	name     string
	nameKey  uint64
	mtime    time.Time
	rdev     [2]uint32
	children *btree.BTree        // Directories: direntItemStruct ordered by name key
	names    map[string]struct{} // Directories: names in use
	inodes   []*Node             // PFS roots: every other node of the PFS
	data     []byte              // Regular files and symlinks
	extents  []ExtentStruct      // Sparse regular files
	size     uint64
	sparse   bool
}

// BuildResultStruct summarizes a completed Build().
//
type BuildResultStruct struct {
	VolumeHeader   *h2layout.VolumeHeaderStruct
	SupRootInode   *h2layout.InodeDataStruct
	InodeCount     uint64
	BytesAllocated uint64
}

// NewBuilder returns an empty Builder.
//
func NewBuilder(options *OptionsStruct) (builder *Builder, err error) {
	builder, err = newBuilder(options)
	return
}

// NewPFS adds a PFS whose root directory is returned. At most
// h2layout.BlockSetCount PFSes fit under the super-root.
//
func (builder *Builder) NewPFS(pfsName string) (root *Node, err error) {
	root, err = builder.newPFS(pfsName)
	return
}

// Build lays out every PFS and the volume headers on dst.
//
func (builder *Builder) Build(dst io.WriterAt) (buildResult *BuildResultStruct, err error) {
	buildResult, err = builder.build(dst)
	return
}

// WriteVolumeHeader writes volumeHeader (with fresh sector CRCs) as copy
// index of dst.
//
func WriteVolumeHeader(dst io.WriterAt, index int, volumeHeader *h2layout.VolumeHeaderStruct) (err error) {
	err = writeVolumeHeader(dst, index, volumeHeader)
	return
}

// NameKey returns the directory hash key under which name is filed.
//
func NameKey(name string) uint64 {
	return nameKey(name)
}

// Inum returns the node's inode number.
//
func (node *Node) Inum() uint64 { return node.inum }

// Name returns the node's name within its parent.
//
func (node *Node) Name() string { return node.name }

// SetMTime overrides the builder's default timestamp for node.
//
func (node *Node) SetMTime(mtime time.Time) { node.mtime = mtime }

// Mkdir adds a subdirectory.
//
func (node *Node) Mkdir(name string, mode uint32) (dir *Node, err error) {
	dir, err = node.addChild(name, h2layout.ObjTypeDirectory, mode)
	return
}

// AddFile adds a regular file holding data.
//
func (node *Node) AddFile(name string, mode uint32, data []byte) (file *Node, err error) {
	file, err = node.addChild(name, h2layout.ObjTypeRegFile, mode)
	if nil != err {
		return
	}

	file.data = data
	file.size = uint64(len(data))

	return
}

// AddSparseFile adds a regular file of the given size whose only data are
// extents. Leaf blocks not touched by an extent are holes.
//
func (node *Node) AddSparseFile(name string, mode uint32, size uint64, extents []ExtentStruct) (file *Node, err error) {
	err = node.builder.validateExtents(size, extents)
	if nil != err {
		return
	}

	file, err = node.addChild(name, h2layout.ObjTypeRegFile, mode)
	if nil != err {
		return
	}

	file.extents = extents
	file.size = size
	file.sparse = true

	return
}

// AddSymlink adds a symbolic link to target.
//
func (node *Node) AddSymlink(name string, target string) (symlink *Node, err error) {
	symlink, err = node.addChild(name, h2layout.ObjTypeSoftLink, 0777)
	if nil != err {
		return
	}

	symlink.data = []byte(target)
	symlink.size = uint64(len(target))

	return
}

// AddSpecial adds a FIFO, device, or socket node of the given object type.
//
func (node *Node) AddSpecial(name string, objType uint8, mode uint32, rMajor uint32, rMinor uint32) (special *Node, err error) {
	special, err = node.addChild(name, objType, mode)
	if nil != err {
		return
	}

	special.rdev = [2]uint32{rMajor, rMinor}

	return
}
