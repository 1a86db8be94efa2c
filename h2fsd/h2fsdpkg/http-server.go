// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fsdpkg

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/netutil"

	"github.com/NVIDIA/h2fs/bucketstats"
)

func startHTTPServer() (err error) {
	var (
		ipAddrTCPPort string
		listener      net.Listener
	)

	if "" == globals.config.HTTPServerIPAddr {
		logInfof("[HTTPServer]IPAddr empty... not serving HTTP")
		err = nil
		return
	}

	ipAddrTCPPort = net.JoinHostPort(globals.config.HTTPServerIPAddr, strconv.Itoa(int(globals.config.HTTPServerPort)))

	listener, err = net.Listen("tcp", ipAddrTCPPort)
	if nil != err {
		return
	}

	listener = netutil.LimitListener(listener, int(globals.config.HTTPServerMaxConnections))

	globals.httpServer = &http.Server{
		Addr:    ipAddrTCPPort,
		Handler: &globals,
	}

	globals.httpServerWG.Add(1)

	go func() {
		var (
			err error
		)

		err = globals.httpServer.Serve(listener)
		if http.ErrServerClosed != err {
			logFatalf("httpServer.Serve() exited unexpectedly: %v", err)
		}

		globals.httpServerWG.Done()
	}()

	err = nil
	return
}

func stopHTTPServer() (err error) {
	if nil == globals.httpServer {
		err = nil
		return
	}

	err = globals.httpServer.Shutdown(context.TODO())
	if nil == err {
		globals.httpServerWG.Wait()
		globals.httpServer = nil
	}

	return
}

func (dummy *globalsStruct) ServeHTTP(responseWriter http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodGet:
		serveHTTPGet(responseWriter, request)
	default:
		responseWriter.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func serveHTTPGet(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		path string
	)

	path = strings.TrimRight(request.URL.Path, "/")

	switch path {
	case "/config":
		serveHTTPGetOfConfig(responseWriter, request)
	case "/stats":
		serveHTTPGetOfStats(responseWriter, request)
	case "/volume":
		serveHTTPGetOfVolume(responseWriter, request)
	case "/df":
		serveHTTPGetOfDF(responseWriter, request)
	default:
		responseWriter.WriteHeader(http.StatusNotFound)
	}
}

func writeHTTPResponse(responseWriter http.ResponseWriter, contentType string, body []byte) {
	var (
		err error
	)

	responseWriter.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	responseWriter.Header().Set("Content-Type", contentType)
	responseWriter.WriteHeader(http.StatusOK)

	_, err = responseWriter.Write(body)
	if nil != err {
		logWarnf("responseWriter.Write() failed: %v", err)
	}
}

func serveHTTPGetOfConfig(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		confMapJSON []byte
		err         error
		startTime   = time.Now()
	)

	defer func() {
		globals.stats.GetConfigUsecs.Add(usecsSince(startTime))
	}()

	confMapJSON, err = json.Marshal(globals.config)
	if nil != err {
		logFatalf("json.Marshal(globals.config) failed: %v", err)
	}

	writeHTTPResponse(responseWriter, "application/json", confMapJSON)
}

func serveHTTPGetOfStats(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		startTime     = time.Now()
		statsAsString string
	)

	defer func() {
		globals.stats.GetStatsUsecs.Add(usecsSince(startTime))
	}()

	statsAsString = bucketstats.SprintStats("*", "*")

	writeHTTPResponse(responseWriter, "text/plain", []byte(statsAsString))
}

func serveHTTPGetOfVolume(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		err        error
		startTime  = time.Now()
		volumeJSON []byte
	)

	defer func() {
		globals.stats.GetVolumeUsecs.Add(usecsSince(startTime))
	}()

	if nil == globals.volume {
		responseWriter.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	volumeJSON, err = json.Marshal(globals.volume.Info())
	if nil != err {
		logFatalf("json.Marshal(globals.volume.Info()) failed: %v", err)
	}

	writeHTTPResponse(responseWriter, "application/json", volumeJSON)
}

func serveHTTPGetOfDF(responseWriter http.ResponseWriter, request *http.Request) {
	var (
		startTime = time.Now()
	)

	defer func() {
		globals.stats.GetDFUsecs.Add(usecsSince(startTime))
	}()

	if nil == globals.volume {
		responseWriter.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	writeHTTPResponse(responseWriter, "text/plain", []byte(globals.volume.DF().String()))
}
