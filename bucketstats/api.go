// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats implements statistics collection and reporting for the
// h2fs block loader and daemon. Statistics start at zero and grow as they are
// added to.
//
// One or more statistics are placed in a structure and registered, with a
// package name and group name, via a call to Register() before being used.
// Registered groups are reported by SprintStats().
//
package bucketstats

import (
	"sync/atomic"
)

// A Totaler can be incremented, or added to, and tracks the total value of all
// values added.
//
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
}

// An Averager is a Totaler that also counts the values added.
//
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// BucketInfo describes one bucket of a BucketLog2Round.
//
// Bucket N (N > 0) holds values in [2^(N-1), 2^N); bucket 0 holds zero.
//
type BucketInfo struct {
	Count     uint64
	RangeLow  uint64
	RangeHigh uint64
}

// Register a set of statistics.
//
// statsStruct is a pointer to a structure holding one or more exported fields
// of type Total, Average, or BucketLog2Round. Fields with an empty Name are
// named after the field. The combination of pkgName and statsGroupName must
// be unique.
//
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister a set of statistics.
//
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// SprintStats returns one line per statistic of the selected group(s).
//
// Use "*" to select all package names or all group names.
//
func SprintStats(pkgName string, statsGroupName string) (values string) {
	return sprintStats(pkgName, statsGroupName)
}

// Total is a simple totaler.
//
type Total struct {
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

// Average counts a number of items and their average size.
//
type Average struct {
	count uint64 // Ensure 64-bit alignment
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Average) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) Increment() {
	this.Add(1)
}

func (this *Average) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *Average) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Average) AverageGet() uint64 {
	count := atomic.LoadUint64(&this.count)
	if 0 == count {
		return 0
	}
	return atomic.LoadUint64(&this.total) / count
}

// BucketLog2Round holds a power-of-two distribution of values along with
// their count and total. It is typically used for latencies in microseconds.
//
type BucketLog2Round struct {
	count       uint64 // Ensure 64-bit alignment
	total       uint64 // Ensure 64-bit alignment
	Name        string
	statBuckets [65]uint64
}

func (this *BucketLog2Round) Add(value uint64) {
	atomic.AddUint64(&this.statBuckets[log2Bucket(value)], 1)
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *BucketLog2Round) Increment() {
	this.Add(1)
}

func (this *BucketLog2Round) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *BucketLog2Round) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *BucketLog2Round) AverageGet() uint64 {
	count := atomic.LoadUint64(&this.count)
	if 0 == count {
		return 0
	}
	return atomic.LoadUint64(&this.total) / count
}

// DistGet returns every bucket up to and including the last non-empty one.
//
func (this *BucketLog2Round) DistGet() []BucketInfo {
	return this.distGet()
}
