// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package h2fs serves a HAMMER2 volume read-only.
//
// Mount locates the newest volume header, finds the named PFS beneath the
// super-root, and indexes every inode of that PFS by inode number. Clients
// then navigate with Handles: Attach returns a Handle on the PFS root, Walk
// moves a Handle one path component at a time, and Open prepares a Handle for
// Read. Each Handle owns its own directory entry cache or file block cache,
// so distinct Handles may be used concurrently. A single opened file Handle
// may also be read concurrently.
//
// Nothing in this package logs above Warn or terminates the process; every
// structural problem found on disk is returned as a blunder error.
//
package h2fs

import (
	"io"
	"time"

	"github.com/NVIDIA/h2fs/h2block"
	"github.com/NVIDIA/h2fs/h2layout"
)

// Kind classifies what a Handle refers to.
//
type Kind int

const (
	KindUnknown Kind = iota
	KindDir
	KindFile
)

func (kind Kind) String() string {
	switch kind {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// MountOptionsStruct tunes Mount. A nil *MountOptionsStruct selects defaults.
//
type MountOptionsStruct struct {
	PFSName         string              // Defaults to h2layout.DefaultPFSName
	VerifyHeaderCRC bool                // Skip volume header copies whose sector CRCs mismatch
	Loader          h2block.BlockLoader // Defaults to h2block.NewLoader(device)
}

// IdentityStruct names the object a Handle refers to.
//
type IdentityStruct struct {
	Inum uint64
	Kind Kind
}

// StatStruct describes an object.
//
// Times are truncated to seconds. UID and GID are those of the serving
// process since HAMMER2 stores opaque UUIDs.
//
type StatStruct struct {
	IdentityStruct
	Name    string
	ObjType uint8
	Mode    uint32
	Size    uint64
	NLinks  uint64
	RMajor  uint32
	RMinor  uint32
	ATime   time.Time
	MTime   time.Time
	CTime   time.Time
	BTime   time.Time
	UID     uint32
	GID     uint32
	User    string
	Group   string
}

// DirectoryRecordStruct is one directory listing entry.
//
type DirectoryRecordStruct struct {
	StatStruct
}

// StatfsStruct reports volume capacity in units of BlockSize.
//
type StatfsStruct struct {
	BlockSize   uint32
	Blocks      uint64
	BlocksFree  uint64
	BlocksAvail uint64
	Files       uint64
	FilesFree   uint64
	NameLen     uint32
}

// DFStruct is the free space report derived from the volume header.
//
type DFStruct struct {
	Size            uint64
	Used            uint64
	Avail           uint64
	CapacityPercent uint64
}

// String renders df in a table with human friendly units.
//
func (df *DFStruct) String() string {
	return df.string()
}

// VolumeInfoStruct summarizes the mounted volume header.
//
type VolumeInfoStruct struct {
	HeaderIndex   int
	MirrorTID     uint64
	FreemapTID    uint64
	VoluSize      uint64
	AllocatorSize uint64
	AllocatorFree uint64
	AllocatorBeg  uint64
	Version       uint32
	PFSName       string
	RootInum      uint64
	InodeCount    uint64
}

// Locate scans the volume header copies on device and returns the valid copy
// with the highest mirror TID along with its index.
//
// Copies that read short or carry a bad magic number are skipped, as are
// copies with mismatched sector CRCs if verifyHeaderCRC is set. If no copy
// qualifies, blunder.NoVolumeHeaderError is returned.
//
func Locate(device io.ReaderAt, verifyHeaderCRC bool) (volumeHeader *h2layout.VolumeHeaderStruct, headerIndex int, err error) {
	volumeHeader, headerIndex, err = locate(device, verifyHeaderCRC)
	return
}

// Mount prepares device for serving.
//
// If the named PFS cannot be found beneath the super-root,
// blunder.RootNotFoundError is returned.
//
func Mount(device io.ReaderAt, options *MountOptionsStruct) (volume *Volume, err error) {
	volume, err = mount(device, options)
	return
}

// Info summarizes the mounted volume.
//
func (volume *Volume) Info() (info *VolumeInfoStruct) {
	info = volume.info()
	return
}

// Statfs reports capacity for a statfs(2) style request.
//
func (volume *Volume) Statfs() (statfs *StatfsStruct) {
	statfs = volume.statfs()
	return
}

// DF reports volume size, used, and available bytes.
//
func (volume *Volume) DF() (df *DFStruct) {
	df = volume.df()
	return
}

// LookupInode returns the inode recorded for inum.
//
func (volume *Volume) LookupInode(inum uint64) (inode *h2layout.InodeDataStruct, err error) {
	inode, err = volume.lookupInode(inum)
	return
}

// Attach returns a Handle on the PFS root directory.
//
func (volume *Volume) Attach() (handle *Handle) {
	handle = volume.attach()
	return
}

// HandleForInode returns a Handle on the directory or file inum.
//
func (volume *Volume) HandleForInode(inum uint64) (handle *Handle, err error) {
	handle, err = volume.handleForInode(inum)
	return
}

// Walk moves handle to name within its current directory.
//
// "/" returns to the PFS root, "." leaves handle unchanged, and ".." moves to
// the parent directory. On failure handle is unchanged.
//
func (handle *Handle) Walk(name string) (err error) {
	err = handle.walk(name)
	return
}

// Clone returns an independent copy of handle.
//
// A directory Handle's entry cache is copied. A file Handle's block cache is
// not; the clone starts with an empty cache.
//
func (handle *Handle) Clone() (clone *Handle) {
	clone = handle.clone()
	return
}

// Open prepares handle for Read.
//
func (handle *Handle) Open() (err error) {
	err = handle.open()
	return
}

// Identity reports the object handle refers to.
//
func (handle *Handle) Identity() (identity IdentityStruct) {
	identity = handle.identity
	return
}

// Stat describes the object handle refers to.
//
func (handle *Handle) Stat() (stat *StatStruct, err error) {
	stat, err = handle.stat()
	return
}

// Read returns up to count bytes of a file starting at offset.
//
// The result never spans more than one data block or hole, so a short result
// is not an indication of EOF. Reading at EOF returns no bytes; reading past
// it returns blunder.ReadPastEndError.
//
func (handle *Handle) Read(offset uint64, count uint64) (buf []byte, err error) {
	buf, err = handle.read(offset, count)
	return
}

// ListNth returns the n'th entry of a directory Handle.
//
// blunder.OutOfRangeError is returned when n is past the last entry.
//
func (handle *Handle) ListNth(n int) (record *DirectoryRecordStruct, err error) {
	record, err = handle.listNth(n)
	return
}

// EntryCount returns the number of entries in a directory Handle.
//
func (handle *Handle) EntryCount() int {
	return len(handle.dirents)
}

// Readlink returns the target of a symbolic link.
//
func (handle *Handle) Readlink() (target string, err error) {
	target, err = handle.readlink()
	return
}
