// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fs

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2block"
	"github.com/NVIDIA/h2fs/h2layout"
	"github.com/NVIDIA/h2fs/logger"
)

// Volume is a mounted PFS. Everything it holds is immutable after Mount.
//
type Volume struct {
	device       io.ReaderAt
	loader       h2block.BlockLoader
	volumeHeader *h2layout.VolumeHeaderStruct
	headerIndex  int
	pfsName      string
	rootInum     uint64
	rootInode    *h2layout.InodeDataStruct
	rootDirents  []h2layout.BlockRefStruct
	inodeTable   *inodeTableStruct
	uid          uint32
	gid          uint32
	userName     string
	groupName    string
}

func locate(device io.ReaderAt, verifyHeaderCRC bool) (volumeHeader *h2layout.VolumeHeaderStruct, headerIndex int, err error) {
	var (
		buf       []byte
		candidate *h2layout.VolumeHeaderStruct
		index     int
		n         int
	)

	headerIndex = -1

	for index = 0; index < h2layout.VolumeHeaderCount; index++ {
		buf = make([]byte, h2layout.VolumeHeaderSize)

		n, err = device.ReadAt(buf, int64(uint64(index)*h2layout.VolumeHeaderZoneBytes))
		if n < len(buf) {
			logger.Tracef("volume header copy %d: short read (%d bytes)", index, n)
			continue
		}

		candidate, err = h2layout.UnmarshalVolumeHeader(buf)
		if nil != err {
			logger.TracefWithError(err, "volume header copy %d: undecodable", index)
			continue
		}
		err = candidate.ValidateMagic()
		if nil != err {
			logger.Tracef("volume header copy %d: bad magic 0x%016X", index, candidate.Magic)
			continue
		}
		if verifyHeaderCRC {
			err = h2layout.VerifyICRC(buf)
			if nil != err {
				logger.WarnfWithError(err, "volume header copy %d: sector CRC mismatch", index)
				continue
			}
		}

		if (nil == volumeHeader) || (candidate.MirrorTID > volumeHeader.MirrorTID) {
			volumeHeader = candidate
			headerIndex = index
		}
	}

	if nil == volumeHeader {
		err = blunder.NewError(blunder.NoVolumeHeaderError, "no valid volume header among %d copies", h2layout.VolumeHeaderCount)
		return
	}

	logger.Tracef("using volume header copy %d (mirror_tid 0x%016X)", headerIndex, volumeHeader.MirrorTID)

	err = nil
	return
}

func mount(device io.ReaderAt, options *MountOptionsStruct) (volume *Volume, err error) {
	var (
		found   bool
		pfsBRef h2layout.BlockRefStruct
	)

	if nil == options {
		options = &MountOptionsStruct{}
	}

	volume = &Volume{
		device:  device,
		loader:  options.Loader,
		pfsName: options.PFSName,
	}

	if nil == volume.loader {
		volume.loader = h2block.NewLoader(device)
	}
	if "" == volume.pfsName {
		volume.pfsName = h2layout.DefaultPFSName
	}

	volume.volumeHeader, volume.headerIndex, err = locate(device, options.VerifyHeaderCRC)
	if nil != err {
		volume = nil
		return
	}

	pfsBRef, found, err = volume.findPFS()
	if nil != err {
		volume = nil
		return
	}
	if !found {
		err = blunder.NewError(blunder.RootNotFoundError, "PFS \"%s\" not found beneath the super-root", volume.pfsName)
		volume = nil
		return
	}

	err = volume.loadRoot(&pfsBRef)
	if nil != err {
		volume = nil
		return
	}

	volume.setIdentity()

	logger.Infof("mounted PFS \"%s\" (root inum %d, %d inodes)", volume.pfsName, volume.rootInum, volume.inodeTable.count())

	return
}

// findPFS scans each super-root in the volume header's block set for an
// inode named after the requested PFS.
//
func (volume *Volume) findPFS() (pfsBRef h2layout.BlockRefStruct, found bool, err error) {
	var (
		candidate    *h2layout.InodeDataStruct
		supRoot      *h2layout.InodeDataStruct
		supRootBRef  h2layout.BlockRefStruct
		supRootIndex int
		supRootSet   []h2layout.BlockRefStruct
	)

	for supRootIndex = range volume.volumeHeader.SRootBlockSet {
		supRootBRef = volume.volumeHeader.SRootBlockSet[supRootIndex]
		if h2layout.BRefTypeInode != supRootBRef.Type {
			continue
		}

		supRoot, err = volume.resolve(&supRootBRef)
		if nil != err {
			return
		}
		if h2layout.PFSTypeSupRoot != supRoot.Meta.PFSType {
			logger.Tracef("super-root block set entry %d has pfs_type %d", supRootIndex, supRoot.Meta.PFSType)
			continue
		}

		supRootSet, err = supRoot.BlockSet()
		if nil != err {
			return
		}

		for _, pfsBRef = range supRootSet {
			if h2layout.BRefTypeInode != pfsBRef.Type {
				continue
			}
			candidate, err = volume.resolve(&pfsBRef)
			if nil != err {
				return
			}
			if volume.pfsName == candidate.Name() {
				found = true
				err = nil
				return
			}
		}
	}

	err = nil
	return
}

// loadRoot registers the PFS root and walks its tree, registering every
// inode and collecting the root directory's entries.
//
func (volume *Volume) loadRoot(pfsBRef *h2layout.BlockRefStruct) (err error) {
	var (
		blockSet   []h2layout.BlockRefStruct
		capacity   uint64
		statsEmbed *h2layout.StatsEmbedStruct
	)

	volume.rootInode, err = volume.resolve(pfsBRef)
	if nil != err {
		return
	}

	statsEmbed, err = pfsBRef.StatsEmbed()
	if nil != err {
		return
	}
	capacity = statsEmbed.InodeCount
	if capacity <= volume.rootInode.Meta.Inum {
		capacity = volume.rootInode.Meta.Inum + 1
	}

	volume.rootInum = volume.rootInode.Meta.Inum
	volume.inodeTable = newInodeTable(capacity, inodeTableLimit(statsEmbed.InodeCount))

	err = volume.inodeTable.register(volume.rootInum, pfsBRef)
	if nil != err {
		return
	}

	blockSet, err = volume.rootInode.BlockSet()
	if nil != err {
		return
	}

	volume.rootDirents, err = volume.walkInodes(blockSet)

	return
}

// setIdentity records the serving process's credentials, reported as the
// owner of every object.
//
func (volume *Volume) setIdentity() {
	var (
		err          error
		currentGroup *user.Group
		currentUser  *user.User
		gidAsString  string
		uidAsString  string
	)

	volume.uid = uint32(os.Getuid())
	volume.gid = uint32(os.Getgid())

	uidAsString = strconv.FormatUint(uint64(volume.uid), 10)
	gidAsString = strconv.FormatUint(uint64(volume.gid), 10)

	volume.userName = uidAsString
	volume.groupName = gidAsString

	currentUser, err = user.LookupId(uidAsString)
	if nil == err {
		volume.userName = currentUser.Username
	}
	currentGroup, err = user.LookupGroupId(gidAsString)
	if nil == err {
		volume.groupName = currentGroup.Name
	}
}

func (volume *Volume) info() (info *VolumeInfoStruct) {
	info = &VolumeInfoStruct{
		HeaderIndex:   volume.headerIndex,
		MirrorTID:     volume.volumeHeader.MirrorTID,
		FreemapTID:    volume.volumeHeader.FreemapTID,
		VoluSize:      volume.volumeHeader.VoluSize,
		AllocatorSize: volume.volumeHeader.AllocatorSize,
		AllocatorFree: volume.volumeHeader.AllocatorFree,
		AllocatorBeg:  volume.volumeHeader.AllocatorBeg,
		Version:       volume.volumeHeader.Version,
		PFSName:       volume.pfsName,
		RootInum:      volume.rootInum,
		InodeCount:    volume.inodeTable.count(),
	}
	return
}

func (volume *Volume) statfs() (statfs *StatfsStruct) {
	var (
		blockSize = uint64(h2layout.PBufSize)
	)

	statfs = &StatfsStruct{
		BlockSize:   uint32(blockSize),
		Blocks:      volume.volumeHeader.VoluSize / blockSize,
		BlocksFree:  volume.volumeHeader.AllocatorFree / blockSize,
		BlocksAvail: volume.volumeHeader.AllocatorFree / blockSize,
		Files:       volume.inodeTable.count(),
		FilesFree:   0,
		NameLen:     h2layout.InodeFilenameSize - 1,
	}
	return
}

func (volume *Volume) df() (df *DFStruct) {
	df = &DFStruct{
		Size:  volume.volumeHeader.VoluSize,
		Avail: volume.volumeHeader.AllocatorFree,
	}

	if volume.volumeHeader.AllocatorSize > volume.volumeHeader.AllocatorFree {
		df.Used = volume.volumeHeader.AllocatorSize - volume.volumeHeader.AllocatorFree
	}
	if (0 != volume.volumeHeader.AllocatorSize) && (df.Avail <= volume.volumeHeader.AllocatorSize) {
		df.CapacityPercent = 100 - ((df.Avail * 100) / volume.volumeHeader.AllocatorSize)
	}

	return
}

func (df *DFStruct) string() string {
	var (
		sb strings.Builder
	)

	sb.WriteString("Size\tUsed\tAvail\tCapacity\n")
	fmt.Fprintf(&sb, "%s\t%s\t%s\t%d%%\n", friendlySize(df.Size), friendlySize(df.Used), friendlySize(df.Avail), df.CapacityPercent)

	return sb.String()
}

// friendlySize picks the largest unit leaving at least five significant digits.
//
func friendlySize(size uint64) string {
	const (
		kib = uint64(1024)
		mib = kib * 1024
		gib = mib * 1024
		tib = gib * 1024
	)

	switch {
	case size >= 10000*gib:
		return fmt.Sprintf("%dTB", size/tib)
	case size >= 10000*mib:
		return fmt.Sprintf("%dGB", size/gib)
	case size >= 10000*kib:
		return fmt.Sprintf("%dMB", size/mib)
	case size >= 10000:
		return fmt.Sprintf("%dKB", size/kib)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}
