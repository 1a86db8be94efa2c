// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fs

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/NVIDIA/sortedmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2block"
	"github.com/NVIDIA/h2fs/h2image"
	"github.com/NVIDIA/h2fs/h2layout"
)

type countingLoaderStruct struct {
	sync.Mutex
	loader *h2block.Loader
	loads  int
}

func (countingLoader *countingLoaderStruct) Load(bref *h2layout.BlockRefStruct, dstCapacity int) (buf []byte, err error) {
	countingLoader.Lock()
	countingLoader.loads++
	countingLoader.Unlock()

	buf, err = countingLoader.loader.Load(bref, dstCapacity)
	return
}

func (countingLoader *countingLoaderStruct) count() (loads int) {
	countingLoader.Lock()
	loads = countingLoader.loads
	countingLoader.Unlock()
	return
}

func testPattern(length int, seed int) (buf []byte) {
	buf = make([]byte, length)
	for i := range buf {
		buf[i] = byte((i*7 + seed) % 251)
	}
	return
}

func testBuildImage(t *testing.T, options *h2image.OptionsStruct, populate func(root *h2image.Node)) (device *h2image.Device) {
	builder, err := h2image.NewBuilder(options)
	require.Nil(t, err)

	root, err := builder.NewPFS(h2layout.DefaultPFSName)
	require.Nil(t, err)

	populate(root)

	device = h2image.NewDevice(0)

	_, err = builder.Build(device)
	require.Nil(t, err)

	return
}

func testReadAll(t *testing.T, handle *Handle) (content []byte) {
	stat, err := handle.Stat()
	require.Nil(t, err)

	content = make([]byte, 0, stat.Size)

	for offset := uint64(0); offset < stat.Size; {
		buf, err := handle.Read(offset, stat.Size-offset)
		require.Nil(t, err)
		require.NotEqual(t, 0, len(buf))
		content = append(content, buf...)
		offset += uint64(len(buf))
	}

	return
}

func TestMountAndNavigate(t *testing.T) {
	assert := assert.New(t)

	longName := strings.Repeat("L", 100)
	longContent := testPattern(9000, 3)

	var docsInum, rootInum uint64

	device := testBuildImage(t, &h2image.OptionsStruct{
		CheckMethod: h2layout.CheckISCSI32,
		CompMethod:  h2layout.CompZLIB,
		LeafSize:    4096,
	}, func(root *h2image.Node) {
		rootInum = root.Inum()
		docs, err := root.Mkdir("docs", 0755)
		require.Nil(t, err)
		docsInum = docs.Inum()
		_, err = docs.AddFile("readme", 0644, []byte("hello\n"))
		require.Nil(t, err)
		_, err = docs.AddFile(longName, 0600, longContent)
		require.Nil(t, err)
		_, err = root.AddSymlink("link", "docs/readme")
		require.Nil(t, err)
		_, err = root.AddSpecial("fifo", h2layout.ObjTypeFIFO, 0644, 0, 0)
		require.Nil(t, err)
	})

	volume, err := Mount(device, nil)
	if !assert.Nil(err) {
		return
	}
	assert.Equal(uint64(6), volume.Info().InodeCount)
	assert.Equal(rootInum, volume.Info().RootInum)
	assert.Equal(h2layout.DefaultPFSName, volume.Info().PFSName)

	handle := volume.Attach()
	assert.Equal(IdentityStruct{Inum: rootInum, Kind: KindDir}, handle.Identity())

	stat, err := handle.Stat()
	assert.Nil(err)
	assert.Equal(uint32(0555), stat.Mode)
	assert.Equal(KindDir, stat.Kind)
	assert.Equal(uint32(os.Getuid()), stat.UID)
	assert.Equal(uint32(os.Getgid()), stat.GID)

	assert.Equal(3, handle.EntryCount())

	names := make(map[string]Kind)
	unhandled := 0
	for n := 0; n < handle.EntryCount(); n++ {
		record, err := handle.ListNth(n)
		if blunder.Is(err, blunder.UnhandledObjectKindError) {
			unhandled++
			continue
		}
		if assert.Nil(err) {
			names[record.Name] = record.Kind
		}
	}
	assert.Equal(1, unhandled)
	assert.Equal(map[string]Kind{"docs": KindDir, "link": KindFile}, names)

	_, err = handle.ListNth(3)
	assert.True(blunder.Is(err, blunder.OutOfRangeError))

	err = handle.Walk("missing")
	assert.True(blunder.Is(err, blunder.NotFoundError))
	assert.Equal(unix.ENOENT, blunder.UnixErrno(err))
	assert.Equal(rootInum, handle.Identity().Inum)

	err = handle.Walk("fifo")
	assert.True(blunder.Is(err, blunder.UnhandledObjectKindError))
	assert.Equal(rootInum, handle.Identity().Inum)

	assert.Nil(handle.Walk("."))
	assert.Equal(rootInum, handle.Identity().Inum)

	assert.Nil(handle.Walk(".."))
	assert.Equal(rootInum, handle.Identity().Inum)

	if !assert.Nil(handle.Walk("docs")) {
		return
	}
	assert.Equal(IdentityStruct{Inum: docsInum, Kind: KindDir}, handle.Identity())
	assert.Equal(2, handle.EntryCount())

	stat, err = handle.Stat()
	assert.Nil(err)
	assert.Equal(uint32(0755), stat.Mode)
	assert.Equal("docs", stat.Name)

	assert.Nil(handle.Walk(".."))
	assert.Equal(rootInum, handle.Identity().Inum)
	assert.Equal(3, handle.EntryCount())

	assert.Nil(handle.Walk("docs"))
	assert.Nil(handle.Walk("/"))
	assert.Equal(rootInum, handle.Identity().Inum)

	assert.Nil(handle.Walk("docs"))
	if !assert.Nil(handle.Walk(longName)) {
		return
	}
	assert.Equal(KindFile, handle.Identity().Kind)

	err = handle.Walk("..")
	assert.True(blunder.Is(err, blunder.NotDirError))

	_, err = handle.Read(0, 10)
	assert.True(blunder.Is(err, blunder.BadFileError))

	assert.Nil(handle.Open())
	assert.Equal(longContent, testReadAll(t, handle))

	stat, err = handle.Stat()
	assert.Nil(err)
	assert.Equal(uint64(len(longContent)), stat.Size)
	assert.Equal(uint32(0600), stat.Mode)

	link := volume.Attach()
	assert.Nil(link.Walk("link"))
	target, err := link.Readlink()
	assert.Nil(err)
	assert.Equal("docs/readme", target)

	_, err = volume.Attach().Readlink()
	assert.True(blunder.Is(err, blunder.NotSymlinkError))

	_, err = volume.Attach().Read(0, 1)
	assert.True(blunder.Is(err, blunder.IsDirError))

	byInum, err := volume.HandleForInode(docsInum)
	if assert.Nil(err) {
		assert.Equal(KindDir, byInum.Identity().Kind)
		assert.Equal(2, byInum.EntryCount())
	}
	_, err = volume.HandleForInode(1000)
	assert.True(blunder.Is(err, blunder.NotFoundError))
}

func TestTwoLevelIndirectWalk(t *testing.T) {
	assert := assert.New(t)

	bigContent := testPattern(9*1024+1, 11)

	device := testBuildImage(t, &h2image.OptionsStruct{
		LeafSize: 1024,
		Fanout:   2,
	}, func(root *h2image.Node) {
		for i := 0; i < 12; i++ {
			_, err := root.AddFile("file"+string(rune('A'+i)), 0644, []byte{byte(i)})
			require.Nil(t, err)
		}
		sub, err := root.Mkdir("sub", 0755)
		require.Nil(t, err)
		for i := 0; i < 9; i++ {
			_, err = sub.AddFile("entry"+string(rune('a'+i)), 0644, nil)
			require.Nil(t, err)
		}
		_, err = root.AddFile("big", 0644, bigContent)
		require.Nil(t, err)
	})

	volume, err := Mount(device, nil)
	if !assert.Nil(err) {
		return
	}

	// Root, 12 files, sub, its 9 entries, and big
	assert.Equal(uint64(24), volume.inodeTable.count())

	blockSet, err := volume.rootInode.BlockSet()
	if !assert.Nil(err) {
		return
	}
	assert.Equal(h2layout.BRefTypeIndirect, blockSet[0].Type)
	buf, err := volume.loader.Load(&blockSet[0], h2layout.LeafMax)
	if !assert.Nil(err) {
		return
	}
	children, err := h2layout.UnmarshalBlockRefs(buf)
	if !assert.Nil(err) {
		return
	}
	assert.Equal(h2layout.BRefTypeIndirect, children[0].Type)

	handle := volume.Attach()
	assert.Equal(14, handle.EntryCount())
	for i := 0; i < 12; i++ {
		file := handle.Clone()
		if !assert.Nil(file.Walk("file" + string(rune('A'+i)))) {
			continue
		}
		assert.Nil(file.Open())
		assert.Equal([]byte{byte(i)}, testReadAll(t, file))
	}

	sub := handle.Clone()
	if assert.Nil(sub.Walk("sub")) {
		assert.Equal(9, sub.EntryCount())
		for n := 0; n < 9; n++ {
			record, err := sub.ListNth(n)
			if assert.Nil(err) {
				assert.True(strings.HasPrefix(record.Name, "entry"))
				assert.Equal(KindFile, record.Kind)
			}
		}
	}

	big := handle.Clone()
	if assert.Nil(big.Walk("big")) {
		assert.Nil(big.Open())
		length, err := big.blockIndex.Len()
		assert.Nil(err)
		assert.Equal(10, length)
		assert.Equal(bigContent, testReadAll(t, big))
	}
}

func newTestBlockIndex() sortedmap.LLRBTree {
	return sortedmap.NewLLRBTree(sortedmap.CompareUint64, &blockIndexDumpCallbacksStruct{})
}

type fakeLoaderStruct struct {
	blocks map[uint64][]byte
	loads  int
}

func (fakeLoader *fakeLoaderStruct) Load(bref *h2layout.BlockRefStruct, dstCapacity int) (buf []byte, err error) {
	fakeLoader.loads++
	buf = append([]byte(nil), fakeLoader.blocks[bref.Key]...)
	return
}

func TestSparseRead(t *testing.T) {
	assert := assert.New(t)

	loader := &fakeLoaderStruct{
		blocks: map[uint64][]byte{
			0:   bytes.Repeat([]byte("a"), 100),
			200: bytes.Repeat([]byte("b"), 100),
		},
	}
	volume := &Volume{loader: loader}

	blockIndex := newTestBlockIndex()
	for _, start := range []uint64{0, 200} {
		ok, err := blockIndex.Put(start, &blockIndexEntryStruct{
			start: start,
			end:   start + 100,
			bref:  h2layout.BlockRefStruct{Type: h2layout.BRefTypeData, Key: start},
		})
		assert.True(ok)
		assert.Nil(err)
	}

	inode := &h2layout.InodeDataStruct{}
	inode.Meta.Size = 500
	cache := &fileCacheStruct{}

	buf, err := volume.readFile(inode, blockIndex, cache, 0, 1000)
	assert.Nil(err)
	assert.Equal(bytes.Repeat([]byte("a"), 100), buf)

	buf, err = volume.readFile(inode, blockIndex, cache, 100, 1000)
	assert.Nil(err)
	assert.Equal(make([]byte, 100), buf)

	buf, err = volume.readFile(inode, blockIndex, cache, 150, 20)
	assert.Nil(err)
	assert.Equal(make([]byte, 20), buf)

	buf, err = volume.readFile(inode, blockIndex, cache, 200, 1000)
	assert.Nil(err)
	assert.Equal(bytes.Repeat([]byte("b"), 100), buf)
	assert.Equal(2, loader.loads)

	buf, err = volume.readFile(inode, blockIndex, cache, 250, 10)
	assert.Nil(err)
	assert.Equal(bytes.Repeat([]byte("b"), 10), buf)
	assert.Equal(2, loader.loads)

	buf, err = volume.readFile(inode, blockIndex, cache, 300, 1000)
	assert.Nil(err)
	assert.Equal(make([]byte, 200), buf)

	buf, err = volume.readFile(inode, blockIndex, cache, 500, 10)
	assert.Nil(err)
	assert.Equal(0, len(buf))

	_, err = volume.readFile(inode, blockIndex, cache, 501, 1)
	assert.True(blunder.Is(err, blunder.ReadPastEndError))
	assert.Equal(unix.EINVAL, blunder.UnixErrno(err))
}

func TestSparseImage(t *testing.T) {
	assert := assert.New(t)

	expected := make([]byte, 5000)
	copy(expected[0:], bytes.Repeat([]byte("x"), 1024))
	copy(expected[2048:], bytes.Repeat([]byte("y"), 500))

	for _, compMethod := range []uint8{h2layout.CompNone, h2layout.CompAutoZero, h2layout.CompLZ4} {
		device := testBuildImage(t, &h2image.OptionsStruct{
			CheckMethod: h2layout.CheckSHA192,
			CompMethod:  compMethod,
			LeafSize:    1024,
		}, func(root *h2image.Node) {
			_, err := root.AddSparseFile("sparse", 0644, 5000, []h2image.ExtentStruct{
				{Offset: 0, Data: bytes.Repeat([]byte("x"), 1024)},
				{Offset: 2048, Data: bytes.Repeat([]byte("y"), 500)},
				{Offset: 4096, Data: make([]byte, 100)},
			})
			require.Nil(t, err)
		})

		volume, err := Mount(device, nil)
		if !assert.Nil(err) {
			return
		}
		handle := volume.Attach()
		if !assert.Nil(handle.Walk("sparse")) {
			return
		}
		assert.Nil(handle.Open())
		assert.Equal(expected, testReadAll(t, handle))

		buf, err := handle.Read(1024, 5000)
		assert.Nil(err)
		assert.Equal(make([]byte, 1024), buf)
	}
}

func TestEOFBoundary(t *testing.T) {
	assert := assert.New(t)

	content := testPattern(50, 5)

	for _, noDirectData := range []bool{false, true} {
		device := testBuildImage(t, &h2image.OptionsStruct{NoDirectData: noDirectData}, func(root *h2image.Node) {
			_, err := root.AddFile("fifty", 0644, content)
			require.Nil(t, err)
		})

		volume, err := Mount(device, nil)
		if !assert.Nil(err) {
			return
		}
		handle := volume.Attach()
		if !assert.Nil(handle.Walk("fifty")) {
			return
		}
		assert.Nil(handle.Open())
		assert.Equal(!noDirectData, handle.inode.IsDirectData())

		buf, err := handle.Read(0, 100)
		assert.Nil(err)
		assert.Equal(content, buf)

		buf, err = handle.Read(40, 100)
		assert.Nil(err)
		assert.Equal(content[40:], buf)

		buf, err = handle.Read(50, 10)
		assert.Nil(err)
		assert.Equal(0, len(buf))

		_, err = handle.Read(51, 1)
		assert.True(blunder.Is(err, blunder.ReadPastEndError))
	}
}

func TestCacheCoherence(t *testing.T) {
	assert := assert.New(t)

	content := testPattern(3*1024, 17)

	device := testBuildImage(t, &h2image.OptionsStruct{
		CheckMethod: h2layout.CheckXXHash64,
		LeafSize:    1024,
	}, func(root *h2image.Node) {
		_, err := root.AddFile("three", 0644, content)
		require.Nil(t, err)
	})

	loader := &countingLoaderStruct{loader: h2block.NewLoader(device)}

	volume, err := Mount(device, &MountOptionsStruct{Loader: loader})
	if !assert.Nil(err) {
		return
	}
	handle := volume.Attach()
	if !assert.Nil(handle.Walk("three")) {
		return
	}
	assert.Nil(handle.Open())

	base := loader.count()

	buf, err := handle.Read(0, 10)
	assert.Nil(err)
	assert.Equal(content[0:10], buf)
	assert.Equal(base+1, loader.count())

	buf, err = handle.Read(10, 10)
	assert.Nil(err)
	assert.Equal(content[10:20], buf)
	assert.Equal(base+1, loader.count())

	buf, err = handle.Read(1000, 100)
	assert.Nil(err)
	assert.Equal(content[1000:1024], buf)
	assert.Equal(base+1, loader.count())

	buf, err = handle.Read(1024, 10)
	assert.Nil(err)
	assert.Equal(content[1024:1034], buf)
	assert.Equal(base+2, loader.count())

	buf, err = handle.Read(5, 10)
	assert.Nil(err)
	assert.Equal(content[5:15], buf)
	assert.Equal(base+3, loader.count())

	var wg sync.WaitGroup
	for reader := 0; reader < 8; reader++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for pass := 0; pass < 20; pass++ {
				offset := uint64((reader*389 + pass*97) % len(content))
				buf, err := handle.Read(offset, 64)
				if !assert.Nil(err) {
					return
				}
				assert.Equal(content[offset:offset+uint64(len(buf))], buf)
			}
		}(reader)
	}
	wg.Wait()
}

func TestCloneIsolation(t *testing.T) {
	assert := assert.New(t)

	content := testPattern(2048, 23)

	device := testBuildImage(t, &h2image.OptionsStruct{LeafSize: 1024}, func(root *h2image.Node) {
		_, err := root.AddFile("one", 0644, content)
		require.Nil(t, err)
		_, err = root.AddFile("two", 0644, []byte("2"))
		require.Nil(t, err)
	})

	volume, err := Mount(device, nil)
	if !assert.Nil(err) {
		return
	}

	dir := volume.Attach()
	clone := dir.Clone()
	before, err := clone.ListNth(0)
	if !assert.Nil(err) {
		return
	}

	dir.dirents[0] = h2layout.BlockRefStruct{}
	_, err = dir.ListNth(0)
	assert.NotNil(err)

	after, err := clone.ListNth(0)
	assert.Nil(err)
	assert.Equal(before, after)

	file := volume.Attach()
	if !assert.Nil(file.Walk("one")) {
		return
	}
	assert.Nil(file.Open())
	_, err = file.Read(0, 10)
	assert.Nil(err)
	assert.NotNil(file.cache.buf)

	fileClone := file.Clone()
	assert.Nil(fileClone.cache.buf)

	buf, err := fileClone.Read(1024, 10)
	assert.Nil(err)
	assert.Equal(content[1024:1034], buf)
	assert.Equal(uint64(0), file.cache.start)
	assert.Equal(uint64(1024), fileClone.cache.start)

	// Walking a clone leaves the original in place
	walker := dir.Clone()
	assert.Nil(walker.Walk("/"))
	assert.Nil(walker.Walk("two"))
	assert.Equal(KindDir, dir.Identity().Kind)
	assert.Equal(KindFile, walker.Identity().Kind)
}

func TestLocate(t *testing.T) {
	assert := assert.New(t)

	device := testBuildImage(t, &h2image.OptionsStruct{MirrorTID: 5}, func(root *h2image.Node) {
		_, err := root.AddFile("f", 0644, []byte("f"))
		require.Nil(t, err)
	})

	volumeHeader, headerIndex, err := Locate(device, true)
	if !assert.Nil(err) {
		return
	}
	assert.Equal(0, headerIndex)
	assert.Equal(uint64(5), volumeHeader.MirrorTID)

	volumeHeader.MirrorTID = 7
	assert.Nil(h2image.WriteVolumeHeader(device, 2, volumeHeader))

	volumeHeader, headerIndex, err = Locate(device, true)
	assert.Nil(err)
	assert.Equal(2, headerIndex)
	assert.Equal(uint64(7), volumeHeader.MirrorTID)

	_, err = device.WriteAt(make([]byte, 8), int64(2*h2layout.VolumeHeaderZoneBytes))
	assert.Nil(err)

	_, headerIndex, err = Locate(device, false)
	assert.Nil(err)
	assert.Equal(0, headerIndex)

	volumeHeader.MirrorTID = 8
	assert.Nil(h2image.WriteVolumeHeader(device, 3, volumeHeader))
	_, err = device.WriteAt([]byte{0xA5}, int64(3*h2layout.VolumeHeaderZoneBytes+0x100))
	assert.Nil(err)

	_, headerIndex, err = Locate(device, false)
	assert.Nil(err)
	assert.Equal(3, headerIndex)

	_, headerIndex, err = Locate(device, true)
	assert.Nil(err)
	assert.Equal(0, headerIndex)

	volume, err := Mount(device, &MountOptionsStruct{VerifyHeaderCRC: true})
	if assert.Nil(err) {
		assert.Equal(0, volume.Info().HeaderIndex)
		assert.Equal(uint64(5), volume.Info().MirrorTID)
	}

	_, _, err = Locate(h2image.NewDevice(0), false)
	assert.True(blunder.Is(err, blunder.NoVolumeHeaderError))

	_, err = Mount(h2image.NewDevice(0), nil)
	assert.True(blunder.Is(err, blunder.NoVolumeHeaderError))

	_, err = Mount(device, &MountOptionsStruct{PFSName: "MISSING"})
	assert.True(blunder.Is(err, blunder.RootNotFoundError))
	assert.Equal(unix.EIO, blunder.UnixErrno(err))
}

func TestDF(t *testing.T) {
	assert := assert.New(t)

	device := testBuildImage(t, &h2image.OptionsStruct{HeaderCopies: 1}, func(root *h2image.Node) {
		_, err := root.AddFile("f", 0644, testPattern(100000, 1))
		require.Nil(t, err)
	})

	volume, err := Mount(device, nil)
	if !assert.Nil(err) {
		return
	}

	volumeHeader := volume.volumeHeader

	df := volume.DF()
	assert.Equal(volumeHeader.VoluSize, df.Size)
	assert.Equal(volumeHeader.AllocatorSize-volumeHeader.AllocatorFree, df.Used)
	assert.Equal(volumeHeader.AllocatorFree, df.Avail)
	assert.Equal(100-(volumeHeader.AllocatorFree*100)/volumeHeader.AllocatorSize, df.CapacityPercent)
	assert.True(strings.HasPrefix(df.String(), "Size\tUsed\tAvail\tCapacity\n"))

	statfs := volume.Statfs()
	assert.Equal(uint32(h2layout.PBufSize), statfs.BlockSize)
	assert.Equal(volumeHeader.VoluSize/h2layout.PBufSize, statfs.Blocks)
	assert.Equal(volumeHeader.AllocatorFree/h2layout.PBufSize, statfs.BlocksAvail)
	assert.Equal(uint64(2), statfs.Files)

	for _, testCase := range []struct {
		size     uint64
		friendly string
	}{
		{9999, "9999 bytes"},
		{10000, "9KB"},
		{20 << 20, "20MB"},
		{5 << 30, "5120MB"},
		{20000 << 20, "19GB"},
		{10000 << 30, "9TB"},
	} {
		assert.Equal(testCase.friendly, friendlySize(testCase.size))
	}

	df = &DFStruct{Size: 20 << 20, Used: 10000, Avail: 9999, CapacityPercent: 42}
	assert.Equal("Size\tUsed\tAvail\tCapacity\n20MB\t9KB\t9999 bytes\t42%\n", df.String())
}

func TestBlockErrorsArePerRequest(t *testing.T) {
	assert := assert.New(t)

	content := testPattern(2048, 29)

	device := testBuildImage(t, &h2image.OptionsStruct{
		CheckMethod: h2layout.CheckXXHash64,
		LeafSize:    1024,
	}, func(root *h2image.Node) {
		_, err := root.AddFile("victim", 0644, content)
		require.Nil(t, err)
	})

	volume, err := Mount(device, nil)
	if !assert.Nil(err) {
		return
	}
	handle := volume.Attach()
	if !assert.Nil(handle.Walk("victim")) {
		return
	}
	assert.Nil(handle.Open())

	covering, _, err := blockIndexLookup(handle.blockIndex, 0)
	if !assert.Nil(err) || !assert.NotNil(covering) {
		return
	}
	_, err = device.WriteAt([]byte("corrupt"), int64(covering.bref.PhysicalOffset()))
	assert.Nil(err)

	_, err = handle.Read(0, 10)
	assert.True(blunder.Is(err, blunder.ChecksumMismatchError))
	assert.Equal(unix.EIO, blunder.UnixErrno(err))

	buf, err := handle.Read(1024, 10)
	assert.Nil(err)
	assert.Equal(content[1024:1034], buf)
}

func TestWalkPolicies(t *testing.T) {
	assert := assert.New(t)

	volume := &Volume{loader: &fakeLoaderStruct{}}

	_, err := volume.walkEntries([]h2layout.BlockRefStruct{{Type: h2layout.BRefTypeData}})
	assert.True(blunder.Is(err, blunder.UnexpectedBlockTypeError))

	_, err = volume.walkEntries([]h2layout.BlockRefStruct{{Type: h2layout.BRefTypeIndirect}})
	assert.True(blunder.Is(err, blunder.NoRadixError))

	_, err = volume.walkBlockIndex([]h2layout.BlockRefStruct{{Type: h2layout.BRefTypeDirent}})
	assert.True(blunder.Is(err, blunder.UnexpectedBlockTypeError))

	_, err = volume.walkBlockIndex([]h2layout.BlockRefStruct{{Type: h2layout.BRefTypeInode}})
	assert.True(blunder.Is(err, blunder.UnexpectedBlockTypeError))

	for _, bref := range []h2layout.BlockRefStruct{
		{Type: h2layout.BRefTypeData, KeyBits: 64},
		{Type: h2layout.BRefTypeData, KeyBits: 17},
		{Type: h2layout.BRefTypeData, Key: ^uint64(0) - 0xFF, KeyBits: 16},
	} {
		_, err = volume.walkBlockIndex([]h2layout.BlockRefStruct{bref})
		assert.True(blunder.Is(err, blunder.CorruptBlockError), "keybits %d", bref.KeyBits)
	}

	blockIndex, err := volume.walkBlockIndex([]h2layout.BlockRefStruct{
		{Type: h2layout.BRefTypeEmpty},
		{Type: h2layout.BRefTypeData, Key: 0x10000, KeyBits: 16},
		{Type: h2layout.BRefTypeData, Key: 0, KeyBits: 16},
	})
	if assert.Nil(err) {
		covering, nextStart, err := blockIndexLookup(blockIndex, 0x1FFFF)
		assert.Nil(err)
		if assert.NotNil(covering) {
			assert.Equal(uint64(0x10000), covering.start)
			assert.Equal(uint64(0x20000), covering.end)
		}
		assert.Equal(^uint64(0), nextStart)
	}

	var dirents []h2layout.BlockRefStruct
	for i := 0; i < 40; i++ {
		dirents = appendDirent(dirents, &h2layout.BlockRefStruct{Type: h2layout.BRefTypeDirent, Key: uint64(i)})
		if 1 == len(dirents) {
			assert.Equal(direntCacheInitialCapacity, cap(dirents))
		}
	}
	assert.Equal(40, len(dirents))
	assert.Equal(64, cap(dirents))
	assert.Equal(uint64(39), dirents[39].Key)
}

func TestInodeTable(t *testing.T) {
	assert := assert.New(t)

	inodeTable := newInodeTable(4, inodeTableLimit(4))
	bref := &h2layout.BlockRefStruct{Type: h2layout.BRefTypeInode, Key: 10}

	assert.Nil(inodeTable.register(2, bref))
	assert.Nil(inodeTable.register(10, bref))
	assert.Equal(20, len(inodeTable.entries))
	assert.Equal(uint64(2), inodeTable.count())

	found, ok := inodeTable.lookup(10)
	assert.True(ok)
	assert.Equal(uint64(10), found.Key)

	_, ok = inodeTable.lookup(3)
	assert.False(ok)
	_, ok = inodeTable.lookup(100)
	assert.False(ok)

	// Growth stops at the limit rather than doubling past it
	limit := inodeTableLimit(4)
	assert.Equal(4*inodeTableMultiplier+inodeTableHeadroom, limit)
	assert.Nil(inodeTable.register(limit-1, bref))
	assert.Equal(limit, uint64(len(inodeTable.entries)))
	assert.Equal(uint64(3), inodeTable.count())

	for _, inum := range []uint64{limit, 1 << 40, 1 << 63, ^uint64(0)} {
		assert.NotPanics(func() {
			err := inodeTable.register(inum, bref)
			assert.True(blunder.Is(err, blunder.CorruptBlockError), "inum %d", inum)
		})
	}
	assert.Equal(uint64(3), inodeTable.count())

	assert.Equal(inodeTableMaxLimit, inodeTableLimit(1<<62))
	assert.Equal(inodeTableMaxLimit, inodeTableLimit(inodeTableMaxLimit/2))

	volume := &Volume{loader: &fakeLoaderStruct{}, inodeTable: newInodeTable(4, inodeTableLimit(4))}
	_, err := volume.walkInodes([]h2layout.BlockRefStruct{{Type: h2layout.BRefTypeInode, Key: 1 << 63}})
	assert.True(blunder.Is(err, blunder.CorruptBlockError))
}

func TestWalkRejectsCorruptIndirect(t *testing.T) {
	assert := assert.New(t)

	marshal := func(brefs ...h2layout.BlockRefStruct) (buf []byte) {
		for index := range brefs {
			brefBuf, err := brefs[index].MarshalBlockRef()
			require.Nil(t, err)
			buf = append(buf, brefBuf...)
		}
		return
	}

	indirect := h2layout.BlockRefStruct{
		Type:    h2layout.BRefTypeIndirect,
		KeyBits: 16,
		DataOff: h2layout.MakeDataOff(0, 10),
	}

	// An indirect block holding a reference to itself
	loader := &fakeLoaderStruct{blocks: map[uint64][]byte{0: marshal(indirect)}}
	volume := &Volume{loader: loader}

	_, err := volume.walkEntries([]h2layout.BlockRefStruct{indirect})
	assert.True(blunder.Is(err, blunder.CorruptBlockError))
	assert.True(loader.loads < maxWalkDepth)

	_, err = volume.walkBlockIndex([]h2layout.BlockRefStruct{indirect})
	assert.True(blunder.Is(err, blunder.CorruptBlockError))

	// A child covering more keys than its parent
	wider := indirect
	wider.KeyBits = 20
	loader = &fakeLoaderStruct{blocks: map[uint64][]byte{0: marshal(wider)}}
	volume = &Volume{loader: loader}

	_, err = volume.walkEntries([]h2layout.BlockRefStruct{indirect})
	assert.True(blunder.Is(err, blunder.CorruptBlockError))
	assert.Equal(1, loader.loads)

	// A child keyed outside its parent's range
	loader = &fakeLoaderStruct{blocks: map[uint64][]byte{0: marshal(
		h2layout.BlockRefStruct{Type: h2layout.BRefTypeDirent, Key: 0x100},
		h2layout.BlockRefStruct{Type: h2layout.BRefTypeDirent, Key: 0x20000},
	)}}
	volume = &Volume{loader: loader}

	_, err = volume.walkEntries([]h2layout.BlockRefStruct{indirect})
	assert.True(blunder.Is(err, blunder.CorruptBlockError))

	// Children inside the range are collected
	loader = &fakeLoaderStruct{blocks: map[uint64][]byte{0: marshal(
		h2layout.BlockRefStruct{Type: h2layout.BRefTypeDirent, Key: 0x100},
		h2layout.BlockRefStruct{Type: h2layout.BRefTypeEmpty, Key: 0x20000},
		h2layout.BlockRefStruct{Type: h2layout.BRefTypeDirent, Key: 0xFFFF},
	)}}
	volume = &Volume{loader: loader}

	dirents, err := volume.walkEntries([]h2layout.BlockRefStruct{indirect})
	assert.Nil(err)
	assert.Equal(2, len(dirents))

	assert.True(keyRangeContains(&h2layout.BlockRefStruct{KeyBits: 64}, &h2layout.BlockRefStruct{Key: ^uint64(0), KeyBits: 63}))
	assert.False(keyRangeContains(&h2layout.BlockRefStruct{Key: 0x10000, KeyBits: 16}, &h2layout.BlockRefStruct{Key: 0xFFFF}))
}
