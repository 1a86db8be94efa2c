// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"math/bits"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	var (
		fieldIndex    int
		names         = make(map[string]struct{})
		ok            bool
		statNameValue reflect.Value
		structAsType  reflect.Type
		structAsValue reflect.Value
	)

	if ("" == pkgName) && ("" == statsGroupName) {
		panic("statistics group must have non-empty pkgName or statsGroupName")
	}

	if (reflect.TypeOf(statsStruct).Kind() != reflect.Ptr) ||
		(reflect.ValueOf(statsStruct).Elem().Kind() != reflect.Struct) {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}

	structAsValue = reflect.ValueOf(statsStruct).Elem()
	structAsType = structAsValue.Type()

	for fieldIndex = 0; fieldIndex < structAsType.NumField(); fieldIndex++ {
		if !isStatType(structAsType.Field(fieldIndex).Type) {
			continue
		}

		if !structAsValue.Field(fieldIndex).CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported",
				statsGroupName, structAsType.Field(fieldIndex).Name))
		}

		statNameValue = structAsValue.Field(fieldIndex).FieldByName("Name")
		if "" == statNameValue.String() {
			statNameValue.SetString(structAsType.Field(fieldIndex).Name)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}

		_, ok = names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("statistics group '%s' Name '%s' is already in use",
				statsGroupName, statNameValue.String()))
		}
		names[statNameValue.String()] = struct{}{}
	}

	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if nil == pkgNameToGroupName {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if nil == pkgNameToGroupName[pkgName] {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	_, ok = pkgNameToGroupName[pkgName][statsGroupName]
	if ok {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}

	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if nil != pkgNameToGroupName[pkgName] {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if 0 == len(pkgNameToGroupName[pkgName]) {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func isStatType(fieldType reflect.Type) bool {
	switch fieldType {
	case reflect.TypeOf(Total{}), reflect.TypeOf(Average{}), reflect.TypeOf(BucketLog2Round{}):
		return true
	default:
		return false
	}
}

func sprintStats(pkgName string, statsGroupName string) (statValues string) {
	var (
		groupNames []string
		pkgNames   []string
	)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	for pkg := range pkgNameToGroupName {
		if ("*" == pkgName) || (scrubName(pkgName) == pkg) {
			pkgNames = append(pkgNames, pkg)
		}
	}
	sort.Strings(pkgNames)

	for _, pkg := range pkgNames {
		groupNames = groupNames[:0]
		for group := range pkgNameToGroupName[pkg] {
			if ("*" == statsGroupName) || (scrubName(statsGroupName) == group) {
				groupNames = append(groupNames, group)
			}
		}
		sort.Strings(groupNames)

		for _, group := range groupNames {
			statValues += sprintStatsStruct(pkg, group, pkgNameToGroupName[pkg][group])
		}
	}

	return
}

func sprintStatsStruct(pkgName string, statsGroupName string, statsStruct interface{}) (statValues string) {
	var (
		fieldIndex    int
		statName      string
		structAsType  reflect.Type
		structAsValue reflect.Value
	)

	structAsValue = reflect.ValueOf(statsStruct).Elem()
	structAsType = structAsValue.Type()

	for fieldIndex = 0; fieldIndex < structAsType.NumField(); fieldIndex++ {
		if !isStatType(structAsType.Field(fieldIndex).Type) {
			continue
		}

		switch stat := structAsValue.Field(fieldIndex).Addr().Interface().(type) {
		case *Total:
			statName = statisticName(pkgName, statsGroupName, stat.Name)
			statValues += fmt.Sprintf("%s total:%d\n", statName, stat.TotalGet())
		case *Average:
			statName = statisticName(pkgName, statsGroupName, stat.Name)
			statValues += fmt.Sprintf("%s total:%d count:%d avg:%d\n",
				statName, stat.TotalGet(), stat.CountGet(), stat.AverageGet())
		case *BucketLog2Round:
			statName = statisticName(pkgName, statsGroupName, stat.Name)
			statValues += bucketSprint(statName, stat)
		}
	}

	return
}

func statisticName(pkgName string, statsGroupName string, fieldName string) string {
	switch {
	case "" == pkgName:
		return statsGroupName + "." + fieldName
	case "" == statsGroupName:
		return pkgName + "." + fieldName
	default:
		return pkgName + "." + statsGroupName + "." + fieldName
	}
}

// log2Bucket maps 0 to bucket 0 and v > 0 to bucket bits.Len64(v).
//
func log2Bucket(value uint64) int {
	return bits.Len64(value)
}

func (this *BucketLog2Round) distGet() (bucketInfo []BucketInfo) {
	var (
		bucketIndex int
		count       uint64
		lastIndex   = -1
	)

	for bucketIndex = range this.statBuckets {
		if 0 != atomic.LoadUint64(&this.statBuckets[bucketIndex]) {
			lastIndex = bucketIndex
		}
	}

	bucketInfo = make([]BucketInfo, lastIndex+1)

	for bucketIndex = 0; bucketIndex <= lastIndex; bucketIndex++ {
		count = atomic.LoadUint64(&this.statBuckets[bucketIndex])
		switch bucketIndex {
		case 0:
			bucketInfo[0] = BucketInfo{Count: count, RangeLow: 0, RangeHigh: 0}
		case 64:
			bucketInfo[64] = BucketInfo{Count: count, RangeLow: uint64(1) << 63, RangeHigh: ^uint64(0)}
		default:
			bucketInfo[bucketIndex] = BucketInfo{
				Count:     count,
				RangeLow:  uint64(1) << (bucketIndex - 1),
				RangeHigh: (uint64(1) << bucketIndex) - 1,
			}
		}
	}

	return
}

func bucketSprint(statName string, stat *BucketLog2Round) string {
	var (
		line strings.Builder
	)

	fmt.Fprintf(&line, "%s total:%d count:%d avg:%d", statName, stat.TotalGet(), stat.CountGet(), stat.AverageGet())

	for _, bucket := range stat.distGet() {
		if 0 == bucket.Count {
			continue
		}
		fmt.Fprintf(&line, " %d:%d", bucket.RangeLow, bucket.Count)
	}

	line.WriteString("\n")

	return line.String()
}

// scrubName replaces characters reserved by the output format with '_'.
//
func scrubName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r), !unicode.IsPrint(r):
			return '_'
		case ('*' == r), (':' == r), ('#' == r):
			return '_'
		}
		return r
	}, name)
}
