// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fsdpkg

// The following implements the Low Level FUSE upcalls for presenting a
// HAMMER2 PFS locally. Each *fuselib.Request is handed to a worker of
// globals.workerPool. The handle*Request() funcs translate between the
// request and response structs; the do*() funcs they call hold the logic.

import (
	"io"
	"os"
	"reflect"
	"strconv"
	"time"

	fuselib "bazil.org/fuse"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/h2fs/blunder"
	"github.com/NVIDIA/h2fs/h2fs"
	"github.com/NVIDIA/h2fs/h2layout"
)

func startFUSE() (err error) {
	var (
		mountOptions []fuselib.MountOption
	)

	if "" == globals.config.FUSEMountPoint {
		logInfof("[FUSE]MountPoint empty... not serving FUSE")
		err = nil
		return
	}

	globals.workerPool, err = ants.NewPool(int(globals.config.FUSEWorkers))
	if nil != err {
		return
	}

	err = fuselib.Unmount(globals.config.FUSEMountPoint)
	if nil != err {
		logTracef("pre-fuselib.Unmount() in startFUSE() returned: %v", err)
	}

	mountOptions = []fuselib.MountOption{
		fuselib.FSName(globals.config.FUSEVolumeName),
		fuselib.Subtype("hammer2"),
		fuselib.ReadOnly(),
		fuselib.DefaultPermissions(),
		fuselib.AsyncRead(),
	}
	if globals.config.FUSEAllowOther {
		mountOptions = append(mountOptions, fuselib.AllowOther())
	}

	globals.fuseConn, err = fuselib.Mount(globals.config.FUSEMountPoint, mountOptions...)
	if nil != err {
		globals.workerPool.Release()
		globals.workerPool = nil
		return
	}

	globals.fuseWG.Add(1)

	go serveFUSE()

	logInfof("Now serving %s on %s", globals.config.FUSEVolumeName, globals.config.FUSEMountPoint)

	err = nil
	return
}

func stopFUSE() (err error) {
	if nil == globals.fuseConn {
		err = nil
		return
	}

	err = fuselib.Unmount(globals.config.FUSEMountPoint)
	if nil != err {
		logWarnf("fuselib.Unmount(\"%s\") failed: %v", globals.config.FUSEMountPoint, err)
		return
	}

	globals.fuseWG.Wait()

	err = globals.fuseConn.Close()
	globals.fuseConn = nil

	globals.workerPool.Release()
	globals.workerPool = nil

	logInfof("%s unmounted", globals.config.FUSEMountPoint)

	return
}

func serveFUSE() {
	var (
		err     error
		request fuselib.Request
	)

	defer globals.fuseWG.Done()

	for {
		request, err = globals.fuseConn.ReadRequest()
		if nil != err {
			if io.EOF == err {
				logTracef("exiting serveFUSE() due to io.EOF")
				return
			}
			logErrorf("serveFUSE() exiting due to err: %v", err)
			return
		}

		submitRequest(request)
	}
}

func submitRequest(request fuselib.Request) {
	var (
		err error
	)

	globals.fuseWG.Add(1)

	err = globals.workerPool.Submit(func() {
		defer globals.fuseWG.Done()
		dispatchRequest(request)
	})
	if nil != err {
		globals.fuseWG.Done()
		logWarnf("workerPool.Submit() of %v failed: %v", reflect.ValueOf(request).Type(), err)
		request.RespondError(fuselib.EIO)
	}
}

func dispatchRequest(request fuselib.Request) {
	logTracef("dispatchRequest() got %v", reflect.ValueOf(request).Type())

	switch request.(type) {
	case *fuselib.AccessRequest:
		// fuselib.DefaultPermissions() has the kernel check modes itself
		request.(*fuselib.AccessRequest).Respond()
	case *fuselib.BatchForgetRequest:
		handleBatchForgetRequest(request.(*fuselib.BatchForgetRequest))
	case *fuselib.DestroyRequest:
		request.(*fuselib.DestroyRequest).Respond()
	case *fuselib.FlushRequest:
		request.(*fuselib.FlushRequest).Respond()
	case *fuselib.ForgetRequest:
		handleForgetRequest(request.(*fuselib.ForgetRequest))
	case *fuselib.FsyncRequest:
		request.(*fuselib.FsyncRequest).Respond()
	case *fuselib.GetattrRequest:
		handleGetattrRequest(request.(*fuselib.GetattrRequest))
	case *fuselib.InterruptRequest:
		request.(*fuselib.InterruptRequest).Respond()
	case *fuselib.LookupRequest:
		handleLookupRequest(request.(*fuselib.LookupRequest))
	case *fuselib.OpenRequest:
		handleOpenRequest(request.(*fuselib.OpenRequest))
	case *fuselib.ReadRequest:
		handleReadRequest(request.(*fuselib.ReadRequest))
	case *fuselib.ReadlinkRequest:
		handleReadlinkRequest(request.(*fuselib.ReadlinkRequest))
	case *fuselib.ReleaseRequest:
		handleReleaseRequest(request.(*fuselib.ReleaseRequest))
	case *fuselib.StatfsRequest:
		handleStatfsRequest(request.(*fuselib.StatfsRequest))
	case *fuselib.CreateRequest,
		*fuselib.LinkRequest,
		*fuselib.MkdirRequest,
		*fuselib.MknodRequest,
		*fuselib.RemoveRequest,
		*fuselib.RemovexattrRequest,
		*fuselib.RenameRequest,
		*fuselib.SetattrRequest,
		*fuselib.SetxattrRequest,
		*fuselib.SymlinkRequest,
		*fuselib.WriteRequest:
		globals.stats.ReadOnlyRejects.Increment()
		request.RespondError(fuselib.Errno(unix.EROFS))
	default:
		globals.stats.NotSupportedOps.Increment()
		request.RespondError(fuselib.ENOTSUP)
	}
}

func respondError(request fuselib.Request, err error) {
	logTracef("%v failed: %v", reflect.ValueOf(request).Type(), err)
	request.RespondError(fuselib.Errno(blunder.UnixErrno(err)))
}

func usecsSince(startTime time.Time) uint64 {
	return uint64(time.Since(startTime) / time.Microsecond)
}

// inumForNode and nodeForInum translate between FUSE node IDs and inode
// numbers. Only the root differs: FUSE fixes it at fuselib.RootID.
//
func inumForNode(node fuselib.NodeID) uint64 {
	if fuselib.RootID == node {
		return globals.rootInum
	}
	return uint64(node)
}

func nodeForInum(inum uint64) fuselib.NodeID {
	if globals.rootInum == inum {
		return fuselib.RootID
	}
	return fuselib.NodeID(inum)
}

// nodeHandle returns the unopened h2fs.Handle of node, building it on first
// use. Concurrent misses on one node share a single build.
//
func nodeHandle(node fuselib.NodeID) (handle *h2fs.Handle, err error) {
	var (
		ok    bool
		value interface{}
	)

	globals.Lock()
	handle, ok = globals.nodeMap[node]
	globals.Unlock()

	if ok {
		globals.stats.NodeCacheHits.Increment()
		err = nil
		return
	}

	globals.stats.NodeCacheMisses.Increment()

	value, err, _ = globals.nodeGroup.Do(strconv.FormatUint(uint64(node), 10), func() (value interface{}, err error) {
		var (
			built *h2fs.Handle
		)

		built, err = globals.volume.HandleForInode(inumForNode(node))
		if nil != err {
			return
		}

		value = rememberNode(node, built)

		return
	})
	if nil != err {
		return
	}

	handle = value.(*h2fs.Handle)

	return
}

// rememberNode records handle for node unless one is already present, and
// returns whichever is kept.
//
func rememberNode(node fuselib.NodeID, handle *h2fs.Handle) (kept *h2fs.Handle) {
	var (
		ok bool
	)

	globals.Lock()
	kept, ok = globals.nodeMap[node]
	if !ok {
		globals.nodeMap[node] = handle
		kept = handle
	}
	globals.Unlock()

	return
}

func forgetNode(node fuselib.NodeID) {
	if fuselib.RootID == node {
		return
	}

	globals.Lock()
	delete(globals.nodeMap, node)
	globals.Unlock()
}

func attrFromStat(node fuselib.NodeID, stat *h2fs.StatStruct) (attr fuselib.Attr) {
	var (
		mode = os.FileMode(stat.Mode & 0777)
	)

	switch {
	case h2fs.KindDir == stat.Kind:
		mode |= os.ModeDir
	case h2layout.ObjTypeSoftLink == stat.ObjType:
		mode |= os.ModeSymlink
	}

	attr = fuselib.Attr{
		Valid:     globals.config.AttrDuration,
		Inode:     uint64(node),
		Size:      stat.Size,
		Blocks:    (stat.Size + globals.config.AttrBlockSize - 1) / globals.config.AttrBlockSize,
		Atime:     stat.ATime,
		Mtime:     stat.MTime,
		Ctime:     stat.CTime,
		Mode:      mode,
		Nlink:     uint32(stat.NLinks),
		Uid:       stat.UID,
		Gid:       stat.GID,
		Rdev:      uint32(0),
		BlockSize: uint32(globals.config.AttrBlockSize),
	}

	return
}

func direntType(record *h2fs.DirectoryRecordStruct) fuselib.DirentType {
	switch {
	case h2fs.KindDir == record.Kind:
		return fuselib.DT_Dir
	case h2layout.ObjTypeSoftLink == record.ObjType:
		return fuselib.DT_Link
	case h2fs.KindFile == record.Kind:
		return fuselib.DT_File
	default:
		return fuselib.DT_Unknown
	}
}

func doLookup(parent fuselib.NodeID, name string) (response *fuselib.LookupResponse, err error) {
	var (
		child        *h2fs.Handle
		node         fuselib.NodeID
		parentHandle *h2fs.Handle
		stat         *h2fs.StatStruct
	)

	parentHandle, err = nodeHandle(parent)
	if nil != err {
		return
	}

	child = parentHandle.Clone()

	err = child.Walk(name)
	if nil != err {
		return
	}

	stat, err = child.Stat()
	if nil != err {
		return
	}

	node = nodeForInum(stat.Inum)

	_ = rememberNode(node, child)

	response = &fuselib.LookupResponse{
		Node:       node,
		Generation: 0,
		EntryValid: globals.config.EntryDuration,
		Attr:       attrFromStat(node, stat),
	}

	return
}

func handleLookupRequest(request *fuselib.LookupRequest) {
	var (
		err       error
		response  *fuselib.LookupResponse
		startTime = time.Now()
	)

	defer func() {
		globals.stats.LookupUsecs.Add(usecsSince(startTime))
	}()

	response, err = doLookup(request.Header.Node, request.Name)
	if nil != err {
		respondError(request, err)
		return
	}

	request.Respond(response)
}

func doGetattr(node fuselib.NodeID) (response *fuselib.GetattrResponse, err error) {
	var (
		handle *h2fs.Handle
		stat   *h2fs.StatStruct
	)

	handle, err = nodeHandle(node)
	if nil != err {
		return
	}

	stat, err = handle.Stat()
	if nil != err {
		return
	}

	response = &fuselib.GetattrResponse{
		Attr: attrFromStat(node, stat),
	}

	return
}

func handleGetattrRequest(request *fuselib.GetattrRequest) {
	var (
		err       error
		response  *fuselib.GetattrResponse
		startTime = time.Now()
	)

	defer func() {
		globals.stats.GetattrUsecs.Add(usecsSince(startTime))
	}()

	response, err = doGetattr(request.Header.Node)
	if nil != err {
		respondError(request, err)
		return
	}

	request.Respond(response)
}

func doOpen(node fuselib.NodeID, dir bool, flags fuselib.OpenFlags) (response *fuselib.OpenResponse, err error) {
	var (
		base     *h2fs.Handle
		handle   *h2fs.Handle
		handleID fuselib.HandleID
		kind     h2fs.Kind
	)

	if !flags.IsReadOnly() {
		err = blunder.NewError(blunder.ReadOnlyError, "open of node %d with flags %v", node, flags)
		return
	}

	base, err = nodeHandle(node)
	if nil != err {
		return
	}

	kind = base.Identity().Kind
	if dir && (h2fs.KindDir != kind) {
		err = blunder.NewError(blunder.NotDirError, "opendir of non-directory node %d", node)
		return
	}
	if !dir && (h2fs.KindDir == kind) {
		err = blunder.NewError(blunder.IsDirError, "open of directory node %d", node)
		return
	}

	handle = base.Clone()

	err = handle.Open()
	if nil != err {
		return
	}

	globals.Lock()

	handleID = globals.lastHandleID + 1
	globals.lastHandleID = handleID

	globals.handleTable[handleID] = &openHandleStruct{
		handle:    handle,
		nextEntry: 0,
		node:      node,
	}

	globals.Unlock()

	response = &fuselib.OpenResponse{
		Handle: handleID,
	}
	if !dir {
		// Volume content never changes underneath us
		response.Flags = fuselib.OpenKeepCache
	}

	return
}

func handleOpenRequest(request *fuselib.OpenRequest) {
	var (
		err       error
		response  *fuselib.OpenResponse
		startTime = time.Now()
	)

	defer func() {
		globals.stats.OpenUsecs.Add(usecsSince(startTime))
	}()

	response, err = doOpen(request.Header.Node, request.Dir, request.Flags)
	if nil != err {
		respondError(request, err)
		return
	}

	request.Respond(response)
}

func fetchOpenHandle(handleID fuselib.HandleID) (openHandle *openHandleStruct, err error) {
	var (
		ok bool
	)

	globals.Lock()
	openHandle, ok = globals.handleTable[handleID]
	globals.Unlock()

	if !ok {
		err = blunder.NewError(blunder.StaleHandleError, "unknown handle %d", handleID)
		return
	}

	err = nil
	return
}

func doRead(handleID fuselib.HandleID, dir bool, offset int64, size int) (response *fuselib.ReadResponse, err error) {
	var (
		openHandle *openHandleStruct
	)

	openHandle, err = fetchOpenHandle(handleID)
	if nil != err {
		return
	}

	if dir {
		response, err = doReaddir(openHandle, offset, size)
	} else {
		response, err = doReadFile(openHandle, offset, size)
	}

	return
}

// doReadFile fills the response up to size bytes or the end of the file,
// whichever comes first. A single h2fs.Handle.Read() stops at the end of a
// data block or hole.
//
func doReadFile(openHandle *openHandleStruct, offset int64, size int) (response *fuselib.ReadResponse, err error) {
	var (
		chunk      []byte
		fileOffset = uint64(offset)
	)

	if 0 > offset {
		err = blunder.NewError(blunder.InvalidArgError, "read at negative offset %d", offset)
		return
	}

	response = &fuselib.ReadResponse{
		Data: make([]byte, 0, size),
	}

	for len(response.Data) < size {
		chunk, err = openHandle.handle.Read(fileOffset, uint64(size-len(response.Data)))
		if nil != err {
			if blunder.Is(err, blunder.ReadPastEndError) && (0 == len(response.Data)) {
				break
			}
			response = nil
			return
		}
		if 0 == len(chunk) {
			break
		}
		response.Data = append(response.Data, chunk...)
		fileOffset += uint64(len(chunk))
	}

	globals.stats.ReadBytes.Add(uint64(len(response.Data)))

	err = nil
	return
}

// doReaddir lists entries from the handle's read position. Entries of
// object types h2fs cannot serve are skipped.
//
func doReaddir(openHandle *openHandleStruct, offset int64, size int) (response *fuselib.ReadResponse, err error) {
	var (
		dirent                      fuselib.Dirent
		entryCount                  int
		limit                       = size
		record                      *h2fs.DirectoryRecordStruct
		responseDataLenBeforeAppend int
	)

	if (0 != globals.config.ReaddirMaxBytes) && (int(globals.config.ReaddirMaxBytes) < limit) {
		limit = int(globals.config.ReaddirMaxBytes)
	}

	openHandle.Lock()
	defer openHandle.Unlock()

	if 0 == offset {
		openHandle.nextEntry = 0
	}

	response = &fuselib.ReadResponse{
		Data: make([]byte, 0, limit),
	}

	entryCount = openHandle.handle.EntryCount()

	for openHandle.nextEntry < entryCount {
		record, err = openHandle.handle.ListNth(openHandle.nextEntry)
		if nil != err {
			if blunder.Is(err, blunder.UnhandledObjectKindError) {
				logWarnfWithError(err, "skipping entry %d of node %d", openHandle.nextEntry, openHandle.node)
				globals.stats.UnhandledEntrySkip.Increment()
				openHandle.nextEntry++
				continue
			}
			response = nil
			return
		}

		dirent.Inode = uint64(nodeForInum(record.Inum))
		dirent.Type = direntType(record)
		dirent.Name = record.Name

		responseDataLenBeforeAppend = len(response.Data)

		response.Data = fuselib.AppendDirent(response.Data, dirent)
		if len(response.Data) > limit {
			response.Data = response.Data[:responseDataLenBeforeAppend]
			break
		}

		openHandle.nextEntry++
	}

	err = nil
	return
}

func handleReadRequest(request *fuselib.ReadRequest) {
	var (
		err       error
		response  *fuselib.ReadResponse
		startTime = time.Now()
	)

	defer func() {
		if request.Dir {
			globals.stats.ReaddirUsecs.Add(usecsSince(startTime))
		} else {
			globals.stats.ReadUsecs.Add(usecsSince(startTime))
		}
	}()

	response, err = doRead(request.Handle, request.Dir, request.Offset, request.Size)
	if nil != err {
		respondError(request, err)
		return
	}

	request.Respond(response)
}

func doReadlink(node fuselib.NodeID) (target string, err error) {
	var (
		handle *h2fs.Handle
	)

	handle, err = nodeHandle(node)
	if nil != err {
		return
	}

	target, err = handle.Readlink()

	return
}

func handleReadlinkRequest(request *fuselib.ReadlinkRequest) {
	var (
		err       error
		startTime = time.Now()
		target    string
	)

	defer func() {
		globals.stats.ReadlinkUsecs.Add(usecsSince(startTime))
	}()

	target, err = doReadlink(request.Header.Node)
	if nil != err {
		respondError(request, err)
		return
	}

	request.Respond(target)
}

func doRelease(handleID fuselib.HandleID) {
	globals.Lock()
	delete(globals.handleTable, handleID)
	globals.Unlock()
}

func handleReleaseRequest(request *fuselib.ReleaseRequest) {
	doRelease(request.Handle)
	request.Respond()
}

func handleForgetRequest(request *fuselib.ForgetRequest) {
	forgetNode(request.Header.Node)
	request.Respond()
}

func handleBatchForgetRequest(request *fuselib.BatchForgetRequest) {
	var (
		item fuselib.BatchForgetItem
	)

	for _, item = range request.Forget {
		forgetNode(item.NodeID)
	}

	request.Respond()
}

func doStatfs() (response *fuselib.StatfsResponse) {
	var (
		statfs = globals.volume.Statfs()
	)

	response = &fuselib.StatfsResponse{
		Blocks:  statfs.Blocks,
		Bfree:   statfs.BlocksFree,
		Bavail:  statfs.BlocksAvail,
		Files:   statfs.Files,
		Ffree:   statfs.FilesFree,
		Bsize:   statfs.BlockSize,
		Namelen: statfs.NameLen,
		Frsize:  statfs.BlockSize,
	}

	return
}

func handleStatfsRequest(request *fuselib.StatfsRequest) {
	var (
		startTime = time.Now()
	)

	defer func() {
		globals.stats.StatfsUsecs.Add(usecsSince(startTime))
	}()

	request.Respond(doStatfs())
}
