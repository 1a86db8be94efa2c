// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package h2layout describes the on-disk format of a HAMMER2 volume as far as
// a read-only server needs it: block references, inodes, and volume headers.
//
// All multi-byte fields are stored in LittleEndian format. Records are
// decoded with github.com/NVIDIA/cstruct, so every struct below mirrors the
// on-disk byte layout field for field.
//
package h2layout

// Block reference types (BlockRefStruct.Type).
//
const (
	BRefTypeEmpty       uint8 = 0x00
	BRefTypeInode       uint8 = 0x01
	BRefTypeIndirect    uint8 = 0x02
	BRefTypeData        uint8 = 0x03
	BRefTypeDirent      uint8 = 0x04
	BRefTypeFreemapNode uint8 = 0x05
	BRefTypeFreemapLeaf uint8 = 0x06
	BRefTypeFreemap     uint8 = 0xFE
	BRefTypeVolume      uint8 = 0xFF
)

// Check algorithms (high nibble of BlockRefStruct.Methods).
//
const (
	CheckNone     uint8 = 0
	CheckDisabled uint8 = 1
	CheckISCSI32  uint8 = 2
	CheckXXHash64 uint8 = 3
	CheckSHA192   uint8 = 4
	CheckFreemap  uint8 = 5
)

// Compression algorithms (low nibble of BlockRefStruct.Methods).
//
const (
	CompNone     uint8 = 0
	CompAutoZero uint8 = 1
	CompLZ4      uint8 = 2
	CompZLIB     uint8 = 3
)

// Inode object types (InodeMetaStruct.Type).
//
const (
	ObjTypeUnknown   uint8 = 0
	ObjTypeDirectory uint8 = 1
	ObjTypeRegFile   uint8 = 2
	ObjTypeFIFO      uint8 = 4
	ObjTypeCDev      uint8 = 5
	ObjTypeBDev      uint8 = 6
	ObjTypeSoftLink  uint8 = 7
	ObjTypeSocket    uint8 = 9
	ObjTypeWhiteout  uint8 = 10
)

// Inode op_flags (InodeMetaStruct.OpFlags).
//
const (
	OpFlagDirectData uint8 = 0x01
	OpFlagPFSRoot    uint8 = 0x02
)

// PFS types (InodeMetaStruct.PFSType).
//
const (
	PFSTypeNone    uint8 = 0x00
	PFSTypeMaster  uint8 = 0x06
	PFSTypeSupRoot uint8 = 0x08
)

// Sizes and geometry.
//
const (
	BlockRefSize      = 128  // sizeof(BlockRefStruct)
	BlockSetCount     = 4    // Block references in an inode or the volume header
	InodeMetaSize     = 256  // sizeof(InodeMetaStruct)
	InodeSize         = 1024 // sizeof(InodeDataStruct)
	InodeFilenameSize = 256  // Maximum name length stored in an inode
	EmbeddedBytes     = 512  // Inline data capacity of a DIRECTDATA inode
	DirentInlineMax   = 64   // Longest name stored in BlockRefStruct.Check

	VolumeHeaderSize      = 0x400          // Decoded prefix of each volume header copy
	VolumeHeaderCopySize  = 0x10000        // Space reserved for each volume header copy
	VolumeHeaderCount     = 4              // Redundant volume header copies
	VolumeHeaderZoneBytes = uint64(1 << 31) // Stride between volume header copies

	VolumeMagic        uint64 = 0x48414d3205172011 // Host (LittleEndian) byte order
	VolumeMagicSwapped uint64 = 0x11201705324d4148 // Written by an opposite-endian host

	ICRCSect0Index = 7 // VolumeHeaderStruct.ICRCSects[] entry covering [0x000,0x1E0)
	ICRCSect1Index = 6 // VolumeHeaderStruct.ICRCSects[] entry covering [0x200,0x400)
	ICRCSect0Size  = 0x1E0
	ICRCSect1Start = 0x200
	ICRCSect1End   = 0x400

	RadixMask    uint64 = 0x3F  // Low bits of DataOff holding the radix
	RadixMax            = 16    // Largest supported block (64 KiB)
	PBufSize            = 65536 // Largest physical block
	LeafMax             = 65536 // Largest logical leaf block
	XXHash64Seed uint64 = 0x4d617474446c6c6e

	DefaultPFSName = "ROOT"
)

// BlockRefStruct is the 128-byte block reference found in block sets,
// indirect blocks, and the volume header.
//
// Embed and Check are unions whose meaning depends on Type and Methods;
// use the accessor methods rather than interpreting them directly.
//
type BlockRefStruct struct {
	Type      uint8     // 0x00
	Methods   uint8     // 0x01 check << 4 | comp
	CopyID    uint8     // 0x02
	KeyBits   uint8     // 0x03 key range is [Key, Key + 1<<KeyBits)
	VRadix    uint8     // 0x04
	Flags     uint8     // 0x05
	LeafCount uint16    // 0x06
	Key       uint64    // 0x08 file offset, inode number, or directory hash
	MirrorTID uint64    // 0x10
	ModifyTID uint64    // 0x18
	DataOff   uint64    // 0x20 physical offset | radix
	UpdateTID uint64    // 0x28
	Embed     [16]uint8 // 0x30
	Check     [64]uint8 // 0x40
}

// DirentEmbedStruct is the Embed arm carried by BRefTypeDirent references.
//
type DirentEmbedStruct struct {
	Inum       uint64
	NameLen    uint16
	Type       uint8
	Reserved0B uint8
	Reserved0C uint32
}

// StatsEmbedStruct is the Embed arm carried by inode and indirect references.
//
type StatsEmbedStruct struct {
	DataCount  uint64
	InodeCount uint64
}

// EmbedKind identifies which Embed arm a BlockRefStruct carries.
//
type EmbedKind int

const (
	EmbedKindNone EmbedKind = iota
	EmbedKindDirent
	EmbedKindStats
)

// CheckKind identifies which Check arm a BlockRefStruct carries.
//
type CheckKind int

const (
	CheckKindNone CheckKind = iota
	CheckKindISCSI32
	CheckKindXXHash64
	CheckKindSHA192
	CheckKindInlineName
)

// EmbedKind reports which Embed arm is meaningful for bref.
//
func (bref *BlockRefStruct) EmbedKind() EmbedKind {
	return bref.embedKind()
}

// CheckKind reports which Check arm is meaningful for bref.
//
func (bref *BlockRefStruct) CheckKind() CheckKind {
	return bref.checkKind()
}

// DirentEmbed returns the directory-entry arm of bref.Embed.
//
func (bref *BlockRefStruct) DirentEmbed() (direntEmbed *DirentEmbedStruct, err error) {
	direntEmbed, err = bref.direntEmbed()
	return
}

// StatsEmbed returns the statistics arm of bref.Embed.
//
func (bref *BlockRefStruct) StatsEmbed() (statsEmbed *StatsEmbedStruct, err error) {
	statsEmbed, err = bref.statsEmbed()
	return
}

// InlineName returns the short name held in bref.Check of a directory entry
// whose name is at most DirentInlineMax bytes long.
//
func (bref *BlockRefStruct) InlineName() (name string, err error) {
	name, err = bref.inlineName()
	return
}

// CheckISCSI32 returns the stored CRC32C of an ISCSI32-checked block.
//
func (bref *BlockRefStruct) CheckISCSI32() (value uint32, err error) {
	value, err = bref.checkISCSI32()
	return
}

// CheckXXHash64 returns the stored hash of an XXHASH64-checked block.
//
func (bref *BlockRefStruct) CheckXXHash64() (value uint64, err error) {
	value, err = bref.checkXXHash64()
	return
}

// CheckSHA192 returns the stored digest of a SHA192-checked block.
//
func (bref *BlockRefStruct) CheckSHA192() (value [24]byte, err error) {
	value, err = bref.checkSHA192()
	return
}

// CheckMethod returns the check algorithm encoded in bref.Methods.
func (bref *BlockRefStruct) CheckMethod() uint8 { return (bref.Methods >> 4) & 0x0F }

// CompMethod returns the compression algorithm encoded in bref.Methods.
func (bref *BlockRefStruct) CompMethod() uint8 { return bref.Methods & 0x0F }

// Radix returns the power-of-two exponent of the physical block size.
func (bref *BlockRefStruct) Radix() uint8 { return uint8(bref.DataOff & RadixMask) }

// PhysicalOffset returns the device byte offset of the block.
func (bref *BlockRefStruct) PhysicalOffset() uint64 { return bref.DataOff &^ RadixMask }

// PhysicalSize returns the physical block size or zero if no radix is encoded.
func (bref *BlockRefStruct) PhysicalSize() uint64 {
	if 0 == bref.Radix() {
		return 0
	}
	return uint64(1) << bref.Radix()
}

// KeyRangeSize returns 1<<KeyBits (the logical span covered by bref).
func (bref *BlockRefStruct) KeyRangeSize() uint64 {
	if bref.KeyBits >= 64 {
		return 0
	}
	return uint64(1) << bref.KeyBits
}

// MakeMethods packs a check and compression algorithm into a Methods byte.
func MakeMethods(check uint8, comp uint8) uint8 { return (check << 4) | (comp & 0x0F) }

// MakeDataOff packs a physical offset and radix into a DataOff value.
func MakeDataOff(physicalOffset uint64, radix uint8) uint64 {
	return (physicalOffset &^ RadixMask) | (uint64(radix) & RadixMask)
}

// SetDirentEmbed stores direntEmbed in bref.Embed.
//
func (bref *BlockRefStruct) SetDirentEmbed(direntEmbed *DirentEmbedStruct) (err error) {
	err = bref.setDirentEmbed(direntEmbed)
	return
}

// SetStatsEmbed stores statsEmbed in bref.Embed.
//
func (bref *BlockRefStruct) SetStatsEmbed(statsEmbed *StatsEmbedStruct) (err error) {
	err = bref.setStatsEmbed(statsEmbed)
	return
}

// SetInlineName stores name in bref.Check (directory entries with short names only).
//
func (bref *BlockRefStruct) SetInlineName(name string) (err error) {
	err = bref.setInlineName(name)
	return
}

// UnmarshalBlockRef decodes a single block reference from buf.
//
func UnmarshalBlockRef(buf []byte) (bref *BlockRefStruct, err error) {
	bref, err = unmarshalBlockRef(buf)
	return
}

// UnmarshalBlockRefs decodes every block reference in buf (len(buf)/BlockRefSize of them).
//
func UnmarshalBlockRefs(buf []byte) (brefs []BlockRefStruct, err error) {
	brefs, err = unmarshalBlockRefs(buf)
	return
}

// MarshalBlockRef encodes bref in its 128-byte on-disk form.
//
func (bref *BlockRefStruct) MarshalBlockRef() (buf []byte, err error) {
	buf, err = bref.marshalBlockRef()
	return
}

// InodeMetaStruct is the 256-byte metadata prefix of an inode.
//
// Times are in microseconds since the Unix epoch.
//
type InodeMetaStruct struct {
	Version     uint16    // 0x00
	Reserved02  uint8     // 0x02
	PFSSubType  uint8     // 0x03
	UFlags      uint32    // 0x04
	RMajor      uint32    // 0x08
	RMinor      uint32    // 0x0C
	CTime       uint64    // 0x10
	MTime       uint64    // 0x18
	ATime       uint64    // 0x20
	BTime       uint64    // 0x28
	UID         [16]uint8 // 0x30
	GID         [16]uint8 // 0x40
	Type        uint8     // 0x50
	OpFlags     uint8     // 0x51
	CapFlags    uint16    // 0x52
	Mode        uint32    // 0x54
	Inum        uint64    // 0x58
	Size        uint64    // 0x60
	NLinks      uint64    // 0x68
	IParent     uint64    // 0x70
	NameKey     uint64    // 0x78
	NameLen     uint16    // 0x80
	NCopies     uint8     // 0x82
	CompAlgo    uint8     // 0x83
	Reserved84  uint8     // 0x84
	CheckAlgo   uint8     // 0x85
	PFSNMasters uint8     // 0x86
	PFSType     uint8     // 0x87
	PFSInum     uint64    // 0x88
	PFSClID     [16]uint8 // 0x90
	PFSFSID     [16]uint8 // 0xA0
	ReservedB0  [80]uint8 // 0xB0 quotas and reserved space through 0xFF
}

// InodeDataStruct is the 1024-byte inode record.
//
// U holds either a block set of BlockSetCount references or, when
// Meta.OpFlags has OpFlagDirectData set, up to EmbeddedBytes of file content.
//
type InodeDataStruct struct {
	Meta     InodeMetaStruct          // 0x000
	Filename [InodeFilenameSize]uint8 // 0x100
	U        [EmbeddedBytes]uint8     // 0x200
}

// Name returns the inode's own filename.
//
func (inode *InodeDataStruct) Name() string {
	return inode.name()
}

// IsDirectData reports whether file content is stored inline in U.
//
func (inode *InodeDataStruct) IsDirectData() bool {
	return 0 != (inode.Meta.OpFlags & OpFlagDirectData)
}

// BlockSet returns the block references held in U.
//
func (inode *InodeDataStruct) BlockSet() (blockSet []BlockRefStruct, err error) {
	blockSet, err = inode.blockSet()
	return
}

// InlineData returns the content held in U, truncated to Meta.Size.
//
func (inode *InodeDataStruct) InlineData() (data []byte, err error) {
	data, err = inode.inlineData()
	return
}

// SetBlockSet stores blockSet in U and clears OpFlagDirectData.
//
func (inode *InodeDataStruct) SetBlockSet(blockSet []BlockRefStruct) (err error) {
	err = inode.setBlockSet(blockSet)
	return
}

// SetInlineData stores data in U, sets Meta.Size, and sets OpFlagDirectData.
//
func (inode *InodeDataStruct) SetInlineData(data []byte) (err error) {
	err = inode.setInlineData(data)
	return
}

// SetName stores name in Filename and Meta.NameLen.
//
func (inode *InodeDataStruct) SetName(name string) (err error) {
	err = inode.setName(name)
	return
}

// UnmarshalInodeData decodes an inode record from buf.
//
func UnmarshalInodeData(buf []byte) (inode *InodeDataStruct, err error) {
	inode, err = unmarshalInodeData(buf)
	return
}

// MarshalInodeData encodes inode in its 1024-byte on-disk form.
//
func (inode *InodeDataStruct) MarshalInodeData() (buf []byte, err error) {
	buf, err = inode.marshalInodeData()
	return
}

// VolumeHeaderStruct is the decoded prefix of a volume header copy.
//
// Only sector 0 and the super-root block set (sector 1) are described.
// The freemap and the remainder of the 64 KiB header are not needed by
// a read-only server.
//
type VolumeHeaderStruct struct {
	Magic          uint64                        // 0x000
	BootBeg        uint64                        // 0x008
	BootEnd        uint64                        // 0x010
	AuxBeg         uint64                        // 0x018
	AuxEnd         uint64                        // 0x020
	VoluSize       uint64                        // 0x028
	Version        uint32                        // 0x030
	Flags          uint32                        // 0x034
	CopyID         uint8                         // 0x038
	FreemapVersion uint8                         // 0x039
	PeerType       uint8                         // 0x03A
	VoluID         uint8                         // 0x03B
	NVolumes       uint8                         // 0x03C
	Reserved03D    [3]uint8                      // 0x03D
	FSID           [16]uint8                     // 0x040
	FSType         [16]uint8                     // 0x050
	AllocatorSize  uint64                        // 0x060
	AllocatorFree  uint64                        // 0x068
	AllocatorBeg   uint64                        // 0x070
	MirrorTID      uint64                        // 0x078
	Reserved080    uint64                        // 0x080
	Reserved088    uint64                        // 0x088
	FreemapTID     uint64                        // 0x090
	BulkfreeTID    uint64                        // 0x098
	Reserved0A0    [320]uint8                    // 0x0A0
	ICRCSects      [8]uint32                     // 0x1E0
	SRootBlockSet  [BlockSetCount]BlockRefStruct // 0x200
}

// UnmarshalVolumeHeader decodes a volume header copy from buf.
//
// No validation beyond length is performed; see ValidateMagic and
// VerifyICRC.
//
func UnmarshalVolumeHeader(buf []byte) (volumeHeader *VolumeHeaderStruct, err error) {
	volumeHeader, err = unmarshalVolumeHeader(buf)
	return
}

// MarshalVolumeHeader encodes volumeHeader in its VolumeHeaderSize-byte on-disk form.
//
// If fixICRC is true, ICRCSects[ICRCSect0Index] and ICRCSects[ICRCSect1Index]
// are computed over the encoded bytes first.
//
func (volumeHeader *VolumeHeaderStruct) MarshalVolumeHeader(fixICRC bool) (buf []byte, err error) {
	buf, err = volumeHeader.marshalVolumeHeader(fixICRC)
	return
}

// ValidateMagic returns an error unless volumeHeader.Magic is VolumeMagic.
//
func (volumeHeader *VolumeHeaderStruct) ValidateMagic() (err error) {
	err = volumeHeader.validateMagic()
	return
}

// VerifyICRC checks the sector CRCs of buf, the raw bytes volumeHeader was decoded from.
//
func VerifyICRC(buf []byte) (err error) {
	err = verifyICRC(buf)
	return
}

// ICRC32 computes the CRC32C (Castagnoli) HAMMER2 uses for header sectors and
// ISCSI32-checked blocks.
//
func ICRC32(buf []byte) uint32 {
	return icrc32(buf)
}
