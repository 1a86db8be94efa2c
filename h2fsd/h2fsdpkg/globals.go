// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fsdpkg

import (
	"net/http"
	"os"
	"sync"
	"time"

	fuselib "bazil.org/fuse"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/singleflight"

	"github.com/NVIDIA/h2fs/bucketstats"
	"github.com/NVIDIA/h2fs/conf"
	"github.com/NVIDIA/h2fs/h2block"
	"github.com/NVIDIA/h2fs/h2fs"
	"github.com/NVIDIA/h2fs/utils"
)

const (
	statsPkgName        = "h2fsd"
	loaderStatsGroup    = "loader"
	defaultDevicePath   = "/dev/sdE0/hammer2"
	defaultFUSEWorkers  = uint32(64)
	defaultHTTPMaxConns = uint32(16)
)

type configStruct struct {
	DevicePath      string // Image file or block device holding the HAMMER2 volume
	PFSName         string // PFS mounted as the root; "" means "ROOT"
	VerifyHeaderCRC bool   // Skip volume header copies whose CRCs do not match

	FUSEMountPoint  string        // == "" means FUSE is not served
	FUSEVolumeName  string        //
	FUSEAllowOther  bool          //
	FUSEWorkers     uint32        // Size of the pool serving FUSE requests
	AttrDuration    time.Duration //
	EntryDuration   time.Duration //
	AttrBlockSize   uint64        //
	ReaddirMaxBytes uint32        // Caps a single directory read response; 0 means the kernel's size

	HTTPServerIPAddr         string // == "" means the HTTP server is not served
	HTTPServerPort           uint16 //
	HTTPServerMaxConnections uint32 //
}

type statsStruct struct {
	LookupUsecs   bucketstats.BucketLog2Round // FUSE Lookup
	GetattrUsecs  bucketstats.BucketLog2Round // FUSE Getattr
	OpenUsecs     bucketstats.BucketLog2Round // FUSE Open
	ReadUsecs     bucketstats.BucketLog2Round // FUSE Read of a file
	ReaddirUsecs  bucketstats.BucketLog2Round // FUSE Read of a directory
	ReadlinkUsecs bucketstats.BucketLog2Round // FUSE Readlink
	StatfsUsecs   bucketstats.BucketLog2Round // FUSE Statfs

	ReadBytes bucketstats.BucketLog2Round

	ReadOnlyRejects    bucketstats.Total
	NotSupportedOps    bucketstats.Total
	UnhandledEntrySkip bucketstats.Total
	NodeCacheHits      bucketstats.Total
	NodeCacheMisses    bucketstats.Total

	GetConfigUsecs bucketstats.BucketLog2Round // GET /config
	GetStatsUsecs  bucketstats.BucketLog2Round // GET /stats
	GetVolumeUsecs bucketstats.BucketLog2Round // GET /volume
	GetDFUsecs     bucketstats.BucketLog2Round // GET /df
}

// openHandleStruct is a FUSE file handle: a cloned and opened h2fs.Handle
// plus the directory read position.
//
type openHandleStruct struct {
	sync.Mutex                // serializes directory reads
	handle     *h2fs.Handle   //
	nextEntry  int            // next ListNth() index of a directory read
	node       fuselib.NodeID //
}

type globalsStruct struct {
	sync.Mutex                                          // protects nodeMap, handleTable, and lastHandleID
	confMap      conf.ConfMap                           // kept to reapply [Logging] on SIGHUP
	config       configStruct                           //
	device       *os.File                               // == nil if the volume was mounted from elsewhere (tests)
	loader       *h2block.Loader                        //
	volume       *h2fs.Volume                           //
	rootInum     uint64                                 //
	nodeMap      map[fuselib.NodeID]*h2fs.Handle        // unopened Handle per node the kernel holds
	nodeGroup    singleflight.Group                     // dedups concurrent loads of one node
	handleTable  map[fuselib.HandleID]*openHandleStruct //
	lastHandleID fuselib.HandleID                       //
	fuseConn     *fuselib.Conn                          //
	fuseWG       sync.WaitGroup                         // tracks serveFUSE() and its outstanding requests
	workerPool   *ants.Pool                             //
	httpServer   *http.Server                           //
	httpServerWG sync.WaitGroup                         //
	stats        *statsStruct                           //
}

var globals globalsStruct

func initializeGlobals(confMap conf.ConfMap) (err error) {
	var (
		configJSONified string
	)

	globals.confMap = confMap

	globals.config.DevicePath, err = confMap.FetchOptionValueString("H2FS", "Device")
	if nil != err {
		globals.config.DevicePath = defaultDevicePath
	}
	globals.config.PFSName, err = confMap.FetchOptionValueString("H2FS", "PFSName")
	if nil != err {
		globals.config.PFSName = ""
	}
	globals.config.VerifyHeaderCRC, err = confMap.FetchOptionValueBool("H2FS", "VerifyHeaderCRC")
	if nil != err {
		globals.config.VerifyHeaderCRC = false
	}

	globals.config.FUSEMountPoint, err = confMap.FetchOptionValueString("FUSE", "MountPoint")
	if nil != err {
		globals.config.FUSEMountPoint = ""
	}
	globals.config.FUSEVolumeName, err = confMap.FetchOptionValueString("FUSE", "VolumeName")
	if nil != err {
		globals.config.FUSEVolumeName = "hammer2"
	}
	globals.config.FUSEAllowOther, err = confMap.FetchOptionValueBool("FUSE", "AllowOther")
	if nil != err {
		globals.config.FUSEAllowOther = false
	}
	globals.config.FUSEWorkers, err = confMap.FetchOptionValueUint32("FUSE", "Workers")
	if (nil != err) || (0 == globals.config.FUSEWorkers) {
		globals.config.FUSEWorkers = defaultFUSEWorkers
	}
	globals.config.AttrDuration, err = confMap.FetchOptionValueDuration("FUSE", "AttrDuration")
	if nil != err {
		globals.config.AttrDuration = time.Second
	}
	globals.config.EntryDuration, err = confMap.FetchOptionValueDuration("FUSE", "EntryDuration")
	if nil != err {
		globals.config.EntryDuration = time.Second
	}
	globals.config.AttrBlockSize, err = confMap.FetchOptionValueUint64("FUSE", "AttrBlockSize")
	if (nil != err) || (0 == globals.config.AttrBlockSize) {
		globals.config.AttrBlockSize = 512
	}
	globals.config.ReaddirMaxBytes, err = confMap.FetchOptionValueUint32("FUSE", "ReaddirMaxBytes")
	if nil != err {
		globals.config.ReaddirMaxBytes = 0
	}

	globals.config.HTTPServerIPAddr, err = confMap.FetchOptionValueString("HTTPServer", "IPAddr")
	if nil != err {
		globals.config.HTTPServerIPAddr = ""
	}
	globals.config.HTTPServerPort, err = confMap.FetchOptionValueUint16("HTTPServer", "TCPPort")
	if nil != err {
		globals.config.HTTPServerPort = 0
	}
	globals.config.HTTPServerMaxConnections, err = confMap.FetchOptionValueUint32("HTTPServer", "MaxConnections")
	if (nil != err) || (0 == globals.config.HTTPServerMaxConnections) {
		globals.config.HTTPServerMaxConnections = defaultHTTPMaxConns
	}

	configJSONified = utils.JSONify(globals.config, true)

	logInfof("globals.config:\n%s", configJSONified)

	globals.nodeMap = make(map[fuselib.NodeID]*h2fs.Handle)
	globals.handleTable = make(map[fuselib.HandleID]*openHandleStruct)
	globals.lastHandleID = 0

	globals.stats = &statsStruct{}

	bucketstats.Register(statsPkgName, "", globals.stats)

	err = nil
	return
}

func uninitializeGlobals() (err error) {
	globals.confMap = nil
	globals.config = configStruct{}

	globals.device = nil
	globals.loader = nil
	globals.volume = nil
	globals.rootInum = 0

	globals.nodeMap = nil
	globals.handleTable = nil
	globals.lastHandleID = 0

	bucketstats.UnRegister(statsPkgName, "")

	globals.stats = nil

	err = nil
	return
}
