// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWriteFile(t *testing.T, dirPath string, fileName string, contents string) (filePath string) {
	filePath = filepath.Join(dirPath, fileName)
	require.NoError(t, ioutil.WriteFile(filePath, []byte(contents), 0644))
	return
}

func TestINIFile(t *testing.T) {
	assert := assert.New(t)

	tempDir := t.TempDir()

	_ = testWriteFile(t, tempDir, "included.conf", ""+
		"[Logging]\n"+
		"LogFilePath =\n"+
		"TraceLevelLogging : h2fs h2block,h2fsdpkg\n")

	mainConfPath := testWriteFile(t, tempDir, "main.conf", ""+
		"# A comment on its own line\n"+
		"[H2FS]   ; A comment after a section header\n"+
		"DevicePath : /dev/sdE0/hammer2 # A comment after an option\n"+
		"PFSName = ROOT\n"+
		"VerifyHeaderCRC = yes\n"+
		"\n"+
		".include included.conf\n"+
		"\n"+
		"[HTTPServer]\n"+
		"TCPPort = 15346\n"+
		"ShutdownTimeout = 2s\n")

	confMap, err := MakeConfMapFromFile(mainConfPath)
	if !assert.Nil(err) {
		return
	}

	devicePath, err := confMap.FetchOptionValueString("H2FS", "DevicePath")
	assert.Nil(err)
	assert.Equal("/dev/sdE0/hammer2", devicePath)

	verifyHeaderCRC, err := confMap.FetchOptionValueBool("H2FS", "VerifyHeaderCRC")
	assert.Nil(err)
	assert.True(verifyHeaderCRC)

	assert.Nil(confMap.VerifyOptionValueIsEmpty("Logging", "LogFilePath"))

	traceLevelLogging, err := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	assert.Nil(err)
	assert.Equal([]string{"h2fs", "h2block", "h2fsdpkg"}, traceLevelLogging)

	tcpPort, err := confMap.FetchOptionValueUint16("HTTPServer", "TCPPort")
	assert.Nil(err)
	assert.Equal(uint16(15346), tcpPort)

	shutdownTimeout, err := confMap.FetchOptionValueDuration("HTTPServer", "ShutdownTimeout")
	assert.Nil(err)
	assert.Equal(2*time.Second, shutdownTimeout)

	_, err = confMap.FetchOptionValueString("Logging", "TraceLevelLogging")
	assert.NotNil(err)

	_, err = confMap.FetchOptionValueString("NoSuchSection", "Option")
	assert.NotNil(err)

	assert.Nil(confMap.VerifyOptionIsMissing("H2FS", "NoSuchOption"))
	assert.NotNil(confMap.VerifyOptionIsMissing("H2FS", "PFSName"))
}

func TestINIFileMalformed(t *testing.T) {
	assert := assert.New(t)

	tempDir := t.TempDir()

	noSectionPath := testWriteFile(t, tempDir, "nosection.conf", "Option = Value\n")
	_, err := MakeConfMapFromFile(noSectionPath)
	assert.NotNil(err)

	malformedPath := testWriteFile(t, tempDir, "malformed.conf", "[Section]\nOption Value\n")
	_, err = MakeConfMapFromFile(malformedPath)
	assert.NotNil(err)

	_, err = MakeConfMapFromFile(filepath.Join(tempDir, "missing.conf"))
	assert.NotNil(err)
}

func TestYAMLFile(t *testing.T) {
	assert := assert.New(t)

	yamlPath := testWriteFile(t, t.TempDir(), "h2fsd.yaml", ""+
		"H2FS:\n"+
		"  DevicePath: /images/test.img\n"+
		"  InodeTableCapacity: 64\n"+
		"Logging:\n"+
		"  LogFilePath:\n"+
		"  TraceLevelLogging: [h2fs, h2block]\n"+
		"Empty:\n")

	confMap, err := MakeConfMapFromFile(yamlPath)
	if !assert.Nil(err) {
		return
	}

	devicePath, err := confMap.FetchOptionValueString("H2FS", "DevicePath")
	assert.Nil(err)
	assert.Equal("/images/test.img", devicePath)

	inodeTableCapacity, err := confMap.FetchOptionValueUint64("H2FS", "InodeTableCapacity")
	assert.Nil(err)
	assert.Equal(uint64(64), inodeTableCapacity)

	assert.Nil(confMap.VerifyOptionValueIsEmpty("Logging", "LogFilePath"))

	traceLevelLogging, err := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	assert.Nil(err)
	assert.Equal([]string{"h2fs", "h2block"}, traceLevelLogging)

	_, ok := confMap["Empty"]
	assert.True(ok)

	err = confMap.UpdateFromYAML([]byte("H2FS:\n  Nested:\n    Deeper: 1\n"))
	assert.NotNil(err)
}

func TestStrings(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"H2FS.PFSName=DATA",
		"FUSE.MountPointPath = /mnt/h2",
		"FUSE.ReadOnly=true",
		"Logging.TraceLevelLogging=",
	})
	if !assert.Nil(err) {
		return
	}

	pfsName, err := confMap.FetchOptionValueString("H2FS", "PFSName")
	assert.Nil(err)
	assert.Equal("DATA", pfsName)

	mountPointPath, err := confMap.FetchOptionValueString("FUSE", "MountPointPath")
	assert.Nil(err)
	assert.Equal("/mnt/h2", mountPointPath)

	assert.Nil(confMap.VerifyOptionValueIsEmpty("Logging", "TraceLevelLogging"))

	err = confMap.UpdateFromString("H2FS.PFSName=ROOT")
	assert.Nil(err)
	pfsName, _ = confMap.FetchOptionValueString("H2FS", "PFSName")
	assert.Equal("ROOT", pfsName)

	assert.NotNil(confMap.UpdateFromString("   "))
	assert.NotNil(confMap.UpdateFromString("NoDotHere=1"))

	_, err = confMap.FetchOptionValueBool("H2FS", "PFSName")
	assert.NotNil(err)

	_, err = confMap.FetchOptionValueUint32("H2FS", "PFSName")
	assert.NotNil(err)
}
