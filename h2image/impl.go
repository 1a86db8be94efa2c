// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2image

import (
	"io"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/creachadair/cityhash"
	"github.com/google/btree"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2block"
	"github.com/NVIDIA/h2fs/h2layout"
	"github.com/NVIDIA/h2fs/logger"
)

const (
	defaultLeafSize  = uint64(h2layout.LeafMax)
	defaultFanout    = h2layout.PBufSize / h2layout.BlockRefSize
	minPhysicalRadix = uint8(10)
	dirHashVisible   = uint64(1) << 63
	btreeDegree      = 8
	supRootInum      = uint64(0)
)

type direntItemStruct struct {
	key   uint64
	child *Node
}

func (item *direntItemStruct) Less(than btree.Item) bool {
	return item.key < than.(*direntItemStruct).key
}

func nameKey(name string) uint64 {
	return cityhash.Hash64([]byte(name)) | dirHashVisible
}

func newBuilder(options *OptionsStruct) (builder *Builder, err error) {
	builder = &Builder{}

	if nil != options {
		builder.options = *options
	}

	if 0 == builder.options.LeafSize {
		builder.options.LeafSize = defaultLeafSize
	}
	if (builder.options.LeafSize < (uint64(1) << minPhysicalRadix)) ||
		(builder.options.LeafSize > defaultLeafSize) ||
		(0 != (builder.options.LeafSize & (builder.options.LeafSize - 1))) {
		err = blunder.NewError(blunder.InvalidArgError, "LeafSize %d must be a power of two in [1KiB,64KiB]", builder.options.LeafSize)
		return
	}

	if 0 == builder.options.Fanout {
		builder.options.Fanout = defaultFanout
	}
	if (builder.options.Fanout < 2) || (builder.options.Fanout > defaultFanout) {
		err = blunder.NewError(blunder.InvalidArgError, "Fanout %d must be in [2,%d]", builder.options.Fanout, defaultFanout)
		return
	}

	if 0 == builder.options.HeaderCopies {
		builder.options.HeaderCopies = h2layout.VolumeHeaderCount
	}
	if (builder.options.HeaderCopies < 1) || (builder.options.HeaderCopies > h2layout.VolumeHeaderCount) {
		err = blunder.NewError(blunder.InvalidArgError, "HeaderCopies %d must be in [1,%d]", builder.options.HeaderCopies, h2layout.VolumeHeaderCount)
		return
	}

	if 0 == builder.options.MirrorTID {
		builder.options.MirrorTID = 1
	}
	if builder.options.Time.IsZero() {
		builder.options.Time = time.Unix(0, 0)
	}

	builder.nextInum = 1

	err = nil
	return
}

func (builder *Builder) newPFS(pfsName string) (root *Node, err error) {
	if len(builder.pfsList) >= h2layout.BlockSetCount {
		err = blunder.NewError(blunder.OutOfRangeError, "at most %d PFSes fit under the super-root", h2layout.BlockSetCount)
		return
	}
	if len(pfsName) > h2layout.InodeFilenameSize {
		err = blunder.NewError(blunder.NameTooLongError, "PFS name of length %d is too long", len(pfsName))
		return
	}
	for _, pfsRoot := range builder.pfsList {
		if pfsRoot.name == pfsName {
			err = blunder.NewError(blunder.InvalidArgError, "PFS %s already exists", pfsName)
			return
		}
	}

	root = builder.newNode(pfsName, h2layout.ObjTypeDirectory, 0755)
	root.pfsRoot = root
	root.parent = root
	root.nameKey = nameKey(pfsName)

	builder.pfsList = append(builder.pfsList, root)

	err = nil
	return
}

func (builder *Builder) newNode(name string, objType uint8, mode uint32) (node *Node) {
	node = &Node{
		builder: builder,
		inum:    builder.nextInum,
		objType: objType,
		mode:    mode,
		name:    name,
		mtime:   builder.options.Time,
	}

	builder.nextInum++

	if h2layout.ObjTypeDirectory == objType {
		node.children = btree.New(btreeDegree)
		node.names = make(map[string]struct{})
	}

	return
}

func (node *Node) addChild(name string, objType uint8, mode uint32) (child *Node, err error) {
	var (
		item *direntItemStruct
		ok   bool
	)

	if h2layout.ObjTypeDirectory != node.objType {
		err = blunder.NewError(blunder.NotDirError, "%s is not a directory", node.name)
		return
	}
	if ("" == name) || ("." == name) || (".." == name) || ("/" == name) || strings.ContainsAny(name, "/\x00") {
		err = blunder.NewError(blunder.InvalidArgError, "invalid name %q", name)
		return
	}
	if len(name) > h2layout.InodeFilenameSize-1 {
		err = blunder.NewError(blunder.NameTooLongError, "name of length %d is too long", len(name))
		return
	}
	_, ok = node.names[name]
	if ok {
		err = blunder.NewError(blunder.InvalidArgError, "%s already exists in %s", name, node.name)
		return
	}

	child = node.builder.newNode(name, objType, mode)
	child.pfsRoot = node.pfsRoot
	child.parent = node

	// Hash collisions probe upward within the visible keyspace
	item = &direntItemStruct{key: nameKey(name), child: child}
	for node.children.Has(item) {
		item.key = (item.key + 1) | dirHashVisible
	}
	child.nameKey = item.key

	node.children.ReplaceOrInsert(item)
	node.names[name] = struct{}{}
	node.pfsRoot.inodes = append(node.pfsRoot.inodes, child)

	err = nil
	return
}

func (builder *Builder) validateExtents(size uint64, extents []ExtentStruct) (err error) {
	for _, extent := range extents {
		if 0 != (extent.Offset % builder.options.LeafSize) {
			err = blunder.NewError(blunder.InvalidArgError, "extent offset 0x%X is not a multiple of 0x%X", extent.Offset, builder.options.LeafSize)
			return
		}
		if (extent.Offset + uint64(len(extent.Data))) > size {
			err = blunder.NewError(blunder.InvalidArgError, "extent at 0x%X of %d bytes exceeds size %d", extent.Offset, len(extent.Data), size)
			return
		}
	}

	err = nil
	return
}

// allocate reserves a naturally aligned physical block of 1<<radix bytes,
// skipping the reserved volume header zones.
//
func (builder *Builder) allocate(radix uint8) (physicalOffset uint64) {
	var (
		size      = uint64(1) << radix
		zoneStart uint64
	)

	for {
		physicalOffset = (builder.allocOffset + size - 1) &^ (size - 1)

		zoneStart = physicalOffset - (physicalOffset % h2layout.VolumeHeaderZoneBytes)
		if physicalOffset < (zoneStart + h2layout.VolumeHeaderCopySize) {
			builder.allocOffset = zoneStart + h2layout.VolumeHeaderCopySize
			continue
		}

		builder.allocOffset = physicalOffset + size
		return
	}
}

func physicalRadix(length int) (radix uint8) {
	radix = minPhysicalRadix
	for (uint64(1) << radix) < uint64(length) {
		radix++
	}
	return
}

// writeBlock stores payload (already encoded) in a new physical block and
// fills in bref's DataOff and Check.
//
func (builder *Builder) writeBlock(bref *h2layout.BlockRefStruct, payload []byte) (err error) {
	var (
		physical       []byte
		physicalOffset uint64
		radix          = physicalRadix(len(payload))
	)

	if radix > h2layout.RadixMax {
		err = blunder.NewError(blunder.CorruptBlockError, "block of %d bytes exceeds the largest physical block", len(payload))
		return
	}

	physical = make([]byte, uint64(1)<<radix)
	copy(physical, payload)

	physicalOffset = builder.allocate(radix)
	bref.DataOff = h2layout.MakeDataOff(physicalOffset, radix)

	err = h2block.SetCheck(bref, physical)
	if nil != err {
		return
	}

	_, err = builder.dst.WriteAt(physical, int64(physicalOffset))
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}

	return
}

func (builder *Builder) build(dst io.WriterAt) (buildResult *BuildResultStruct, err error) {
	var (
		pfsRoot      *Node
		pfsRootBRef  *h2layout.BlockRefStruct
		supRootBRef  h2layout.BlockRefStruct
		supRootInode *h2layout.InodeDataStruct
		supRootSet   []h2layout.BlockRefStruct
		volumeHeader *h2layout.VolumeHeaderStruct
	)

	if 0 == len(builder.pfsList) {
		err = blunder.NewError(blunder.InvalidArgError, "image holds no PFS")
		return
	}

	builder.dst = dst
	builder.allocOffset = h2layout.VolumeHeaderCopySize
	builder.allocBeg = builder.allocOffset

	for _, pfsRoot = range builder.pfsList {
		pfsRootBRef, err = builder.buildPFS(pfsRoot)
		if nil != err {
			return
		}
		supRootSet = append(supRootSet, *pfsRootBRef)
	}

	supRootInode = builder.makeInode(&Node{name: "", objType: h2layout.ObjTypeDirectory, mode: 0755, mtime: builder.options.Time, inum: supRootInum})
	supRootInode.Meta.PFSType = h2layout.PFSTypeSupRoot
	supRootInode.Meta.PFSInum = supRootInum

	err = supRootInode.SetBlockSet(supRootSet)
	if nil != err {
		return
	}

	supRootBRef = h2layout.BlockRefStruct{Type: h2layout.BRefTypeInode, Key: supRootInum}
	err = builder.writeInode(&supRootBRef, supRootInode, uint64(len(builder.pfsList)))
	if nil != err {
		return
	}

	volumeHeader = &h2layout.VolumeHeaderStruct{
		Magic:         h2layout.VolumeMagic,
		Version:       1,
		NVolumes:      1,
		AllocatorBeg:  builder.allocBeg,
		MirrorTID:     builder.options.MirrorTID,
		FreemapTID:    builder.options.MirrorTID,
		BulkfreeTID:   builder.options.MirrorTID,
		SRootBlockSet: [h2layout.BlockSetCount]h2layout.BlockRefStruct{supRootBRef},
	}
	copy(volumeHeader.FSType[:], "HAMMER2")

	volumeHeader.VoluSize = builder.allocOffset
	if uint64(builder.options.HeaderCopies-1)*h2layout.VolumeHeaderZoneBytes+h2layout.VolumeHeaderCopySize > volumeHeader.VoluSize {
		volumeHeader.VoluSize = uint64(builder.options.HeaderCopies-1)*h2layout.VolumeHeaderZoneBytes + h2layout.VolumeHeaderCopySize
	}
	if builder.options.VolumeSizeMinimum > volumeHeader.VoluSize {
		volumeHeader.VoluSize = builder.options.VolumeSizeMinimum
	}
	volumeHeader.AllocatorSize = volumeHeader.VoluSize - builder.allocBeg
	volumeHeader.AllocatorFree = volumeHeader.VoluSize - builder.allocOffset

	for index := 0; index < builder.options.HeaderCopies; index++ {
		err = writeVolumeHeader(dst, index, volumeHeader)
		if nil != err {
			return
		}
	}

	buildResult = &BuildResultStruct{
		VolumeHeader:   volumeHeader,
		SupRootInode:   supRootInode,
		InodeCount:     builder.nextInum - 1,
		BytesAllocated: builder.allocOffset - builder.allocBeg,
	}

	logger.Tracef("built image: %d inodes, %d bytes allocated, %d header copies", buildResult.InodeCount, buildResult.BytesAllocated, builder.options.HeaderCopies)

	err = nil
	return
}

// buildPFS writes every inode of the PFS rooted at pfsRoot and returns the
// reference to the PFS root inode.
//
// The PFS root's block set indexes every other inode of the PFS by inode
// number alongside the root directory's own entries.
//
func (builder *Builder) buildPFS(pfsRoot *Node) (pfsRootBRef *h2layout.BlockRefStruct, err error) {
	var (
		direntBRefs []h2layout.BlockRefStruct
		inodeBRef   *h2layout.BlockRefStruct
		maxInum     = pfsRoot.inum
		node        *Node
		rootBRefs   []h2layout.BlockRefStruct
		rootInode   *h2layout.InodeDataStruct
		rootTopSet  []h2layout.BlockRefStruct
	)

	for _, node = range pfsRoot.inodes {
		inodeBRef, err = builder.buildNode(node)
		if nil != err {
			return
		}
		rootBRefs = append(rootBRefs, *inodeBRef)
		if node.inum > maxInum {
			maxInum = node.inum
		}
	}

	direntBRefs, err = builder.direntBRefs(pfsRoot)
	if nil != err {
		return
	}
	rootBRefs = append(rootBRefs, direntBRefs...)

	sort.Slice(rootBRefs, func(i, j int) bool { return rootBRefs[i].Key < rootBRefs[j].Key })

	rootTopSet, err = builder.spill(rootBRefs)
	if nil != err {
		return
	}

	rootInode = builder.makeInode(pfsRoot)
	rootInode.Meta.PFSType = h2layout.PFSTypeMaster
	rootInode.Meta.PFSInum = pfsRoot.inum
	rootInode.Meta.OpFlags |= h2layout.OpFlagPFSRoot
	rootInode.Meta.NameKey = pfsRoot.nameKey

	err = rootInode.SetBlockSet(rootTopSet)
	if nil != err {
		return
	}

	pfsRootBRef = &h2layout.BlockRefStruct{Type: h2layout.BRefTypeInode, Key: pfsRoot.nameKey}

	err = builder.writeInode(pfsRootBRef, rootInode, maxInum+1)

	return
}

func (builder *Builder) makeInode(node *Node) (inode *h2layout.InodeDataStruct) {
	var (
		usecs = uint64(node.mtime.UnixNano() / int64(time.Microsecond))
	)

	inode = &h2layout.InodeDataStruct{}

	inode.Meta.Version = 1
	inode.Meta.Type = node.objType
	inode.Meta.Mode = node.mode
	inode.Meta.Inum = node.inum
	inode.Meta.Size = node.size
	inode.Meta.NLinks = 1
	inode.Meta.CTime = usecs
	inode.Meta.MTime = usecs
	inode.Meta.ATime = usecs
	inode.Meta.BTime = usecs
	inode.Meta.RMajor = node.rdev[0]
	inode.Meta.RMinor = node.rdev[1]
	inode.Meta.NameKey = node.nameKey
	inode.Meta.CompAlgo = builder.options.CompMethod
	inode.Meta.CheckAlgo = builder.options.CheckMethod

	if nil != node.parent {
		inode.Meta.IParent = node.parent.inum
	}
	if h2layout.ObjTypeDirectory == node.objType {
		inode.Meta.NLinks = 2
	}

	_ = inode.SetName(node.name)

	return
}

func (builder *Builder) writeInode(bref *h2layout.BlockRefStruct, inode *h2layout.InodeDataStruct, inodeCount uint64) (err error) {
	var (
		buf []byte
	)

	buf, err = inode.MarshalInodeData()
	if nil != err {
		return
	}

	bref.Methods = h2layout.MakeMethods(builder.options.CheckMethod, h2layout.CompNone)

	err = bref.SetStatsEmbed(&h2layout.StatsEmbedStruct{DataCount: inode.Meta.Size, InodeCount: inodeCount})
	if nil != err {
		return
	}

	err = builder.writeBlock(bref, buf)

	return
}

func (builder *Builder) buildNode(node *Node) (inodeBRef *h2layout.BlockRefStruct, err error) {
	var (
		blockSet []h2layout.BlockRefStruct
		brefs    []h2layout.BlockRefStruct
		inode    = builder.makeInode(node)
	)

	switch node.objType {
	case h2layout.ObjTypeDirectory:
		brefs, err = builder.direntBRefs(node)
	case h2layout.ObjTypeRegFile, h2layout.ObjTypeSoftLink:
		if !node.sparse && !builder.options.NoDirectData && (len(node.data) <= h2layout.EmbeddedBytes) {
			err = inode.SetInlineData(node.data)
			break
		}
		brefs, err = builder.dataBRefs(node)
	default:
		// Special files carry no content
	}
	if nil != err {
		return
	}

	if !inode.IsDirectData() {
		blockSet, err = builder.spill(brefs)
		if nil != err {
			return
		}
		err = inode.SetBlockSet(blockSet)
		if nil != err {
			return
		}
	}

	inodeBRef = &h2layout.BlockRefStruct{Type: h2layout.BRefTypeInode, Key: node.inum}

	err = builder.writeInode(inodeBRef, inode, 1)

	return
}

func (builder *Builder) direntBRefs(dir *Node) (brefs []h2layout.BlockRefStruct, err error) {
	dir.children.Ascend(func(i btree.Item) bool {
		var (
			item  = i.(*direntItemStruct)
			child = item.child
			bref  = h2layout.BlockRefStruct{Type: h2layout.BRefTypeDirent, Key: item.key}
		)

		err = bref.SetDirentEmbed(&h2layout.DirentEmbedStruct{
			Inum:    child.inum,
			NameLen: uint16(len(child.name)),
			Type:    child.objType,
		})
		if nil != err {
			return false
		}

		if len(child.name) <= h2layout.DirentInlineMax {
			err = bref.SetInlineName(child.name)
		} else {
			bref.Methods = h2layout.MakeMethods(builder.options.CheckMethod, h2layout.CompNone)
			err = builder.writeBlock(&bref, []byte(child.name))
		}
		if nil != err {
			return false
		}

		brefs = append(brefs, bref)
		return true
	})

	return
}

func (builder *Builder) dataBRefs(file *Node) (brefs []h2layout.BlockRefStruct, err error) {
	var (
		bref     *h2layout.BlockRefStruct
		leafSize = builder.options.LeafSize
		offset   uint64
		limit    uint64
	)

	if file.sparse {
		extents := append([]ExtentStruct(nil), file.extents...)
		sort.Slice(extents, func(i, j int) bool { return extents[i].Offset < extents[j].Offset })

		for _, extent := range extents {
			for offset = 0; offset < uint64(len(extent.Data)); offset += leafSize {
				limit = offset + leafSize
				if limit > uint64(len(extent.Data)) {
					limit = uint64(len(extent.Data))
				}
				bref, err = builder.dataBRef(extent.Offset+offset, extent.Data[offset:limit])
				if nil != err {
					return
				}
				brefs = append(brefs, *bref)
			}
		}

		return
	}

	for offset = 0; offset < uint64(len(file.data)); offset += leafSize {
		limit = offset + leafSize
		if limit > uint64(len(file.data)) {
			limit = uint64(len(file.data))
		}
		bref, err = builder.dataBRef(offset, file.data[offset:limit])
		if nil != err {
			return
		}
		brefs = append(brefs, *bref)
	}

	return
}

func isZero(buf []byte) bool {
	for _, b := range buf {
		if 0 != b {
			return false
		}
	}
	return true
}

func (builder *Builder) dataBRef(key uint64, payload []byte) (bref *h2layout.BlockRefStruct, err error) {
	var (
		compMethod = builder.options.CompMethod
		encoded    []byte
	)

	bref = &h2layout.BlockRefStruct{
		Type:    h2layout.BRefTypeData,
		KeyBits: uint8(bits.TrailingZeros64(builder.options.LeafSize)),
		Key:     key,
	}

	if h2layout.CompAutoZero == compMethod {
		if isZero(payload) {
			bref.Methods = h2layout.MakeMethods(builder.options.CheckMethod, h2layout.CompAutoZero)
			err = nil
			return
		}
		compMethod = h2layout.CompNone
	}

	encoded, err = h2block.Compress(compMethod, payload)
	if nil != err {
		return
	}

	if len(encoded) >= len(payload) {
		compMethod = h2layout.CompNone
		encoded = payload
	}

	bref.Methods = h2layout.MakeMethods(builder.options.CheckMethod, compMethod)

	err = builder.writeBlock(bref, encoded)

	return
}

// spill reduces brefs (sorted by key) to at most h2layout.BlockSetCount
// references by grouping them into as many levels of indirect blocks as needed.
//
func (builder *Builder) spill(brefs []h2layout.BlockRefStruct) (blockSet []h2layout.BlockRefStruct, err error) {
	var (
		indirect *h2layout.BlockRefStruct
		limit    int
		next     []h2layout.BlockRefStruct
		start    int
	)

	for len(brefs) > h2layout.BlockSetCount {
		next = make([]h2layout.BlockRefStruct, 0, (len(brefs)+builder.options.Fanout-1)/builder.options.Fanout)

		for start = 0; start < len(brefs); start += builder.options.Fanout {
			limit = start + builder.options.Fanout
			if limit > len(brefs) {
				limit = len(brefs)
			}

			indirect, err = builder.writeIndirect(brefs[start:limit])
			if nil != err {
				return
			}

			next = append(next, *indirect)
		}

		brefs = next
	}

	blockSet = brefs

	err = nil
	return
}

func (builder *Builder) writeIndirect(children []h2layout.BlockRefStruct) (indirect *h2layout.BlockRefStruct, err error) {
	var (
		brefBuf    []byte
		firstKey   = children[0].Key
		inodeCount uint64
		keyBits    uint8
		lastEnd    uint64
		payload    = make([]byte, len(children)*h2layout.BlockRefSize)
	)

	for index := range children {
		brefBuf, err = children[index].MarshalBlockRef()
		if nil != err {
			return
		}
		copy(payload[index*h2layout.BlockRefSize:], brefBuf)

		if h2layout.BRefTypeInode == children[index].Type {
			inodeCount++
		} else if h2layout.BRefTypeIndirect == children[index].Type {
			if statsEmbed, statsErr := children[index].StatsEmbed(); nil == statsErr {
				inodeCount += statsEmbed.InodeCount
			}
		}
	}

	lastEnd = children[len(children)-1].Key + children[len(children)-1].KeyRangeSize()

	// Smallest aligned key range covering every child
	for keyBits = 0; keyBits < 64; keyBits++ {
		base := firstKey &^ ((uint64(1) << keyBits) - 1)
		if (lastEnd != 0) && (lastEnd <= base+(uint64(1)<<keyBits)) && (lastEnd > base) {
			break
		}
	}

	indirect = &h2layout.BlockRefStruct{
		Type:    h2layout.BRefTypeIndirect,
		Methods: h2layout.MakeMethods(builder.options.CheckMethod, h2layout.CompNone),
		KeyBits: keyBits,
	}
	if keyBits < 64 {
		indirect.Key = firstKey &^ ((uint64(1) << keyBits) - 1)
	}

	err = indirect.SetStatsEmbed(&h2layout.StatsEmbedStruct{InodeCount: inodeCount})
	if nil != err {
		return
	}

	err = builder.writeBlock(indirect, payload)

	return
}

func writeVolumeHeader(dst io.WriterAt, index int, volumeHeader *h2layout.VolumeHeaderStruct) (err error) {
	var (
		buf []byte
	)

	if (index < 0) || (index >= h2layout.VolumeHeaderCount) {
		err = blunder.NewError(blunder.OutOfRangeError, "volume header index %d out of range", index)
		return
	}

	buf, err = volumeHeader.MarshalVolumeHeader(true)
	if nil != err {
		return
	}

	_, err = dst.WriteAt(buf, int64(uint64(index)*h2layout.VolumeHeaderZoneBytes))
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
	}

	return
}
