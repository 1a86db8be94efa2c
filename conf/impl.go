// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"bufio"
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// RegEx components used below:

const assignment = "([ \t]*[=:][ \t]*)"
const dot = "(\\.)"
const leftBracket = "(\\[)"
const rightBracket = "(\\])"
const sectionName = "([0-9A-Za-z_\\-/:\\.]+)"
const separator = "([ \t]+|([ \t]*,[ \t]*))"
const token = "(([0-9A-Za-z_\\*\\-/:\\.\\[\\]]+)\\$?)"
const whiteSpace = "([ \t]+)"

var stringRE = regexp.MustCompile("\\A" + token + dot + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
var sectionNameOptionNameSeparatorRE = regexp.MustCompile(dot)

var sectionHeaderLineRE = regexp.MustCompile("\\A" + leftBracket + token + rightBracket + "\\z")
var sectionNameRE = regexp.MustCompile(sectionName)

var optionLineRE = regexp.MustCompile("\\A" + token + assignment + "(" + token + "(" + separator + token + ")*)?\\z")
var optionNameOptionValuesSeparatorRE = regexp.MustCompile(assignment)
var optionValueSeparatorRE = regexp.MustCompile(separator)

var includeLineRE = regexp.MustCompile("\\A\\.include" + whiteSpace + token + "\\z")
var includeFilePathSeparatorRE = regexp.MustCompile(whiteSpace)

func (confMap ConfMap) setOption(sectionName string, optionName string, optionValues []string) {
	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}

	section[optionName] = optionValues
}

func splitOptionValues(optionValues string) (optionValuesSplit []string) {
	optionValuesSplit = optionValueSeparatorRE.Split(optionValues, -1)

	if (1 == len(optionValuesSplit)) && ("" == optionValuesSplit[0]) {
		optionValuesSplit = []string{}
	}

	return
}

func (confMap ConfMap) updateFromString(confString string) (err error) {
	confStringTrimmed := strings.Trim(confString, " \t")

	if 0 == len(confStringTrimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	if !stringRE.MatchString(confStringTrimmed) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	sectionNameOptionPayload := sectionNameOptionNameSeparatorRE.Split(confStringTrimmed, 2)
	optionNameOptionValues := optionNameOptionValuesSeparatorRE.Split(sectionNameOptionPayload[1], 2)

	confMap.setOption(sectionNameOptionPayload[0], optionNameOptionValues[0], splitOptionValues(optionNameOptionValues[1]))

	err = nil
	return
}

func (confMap ConfMap) updateFromINIFile(confFilePath string) (err error) {
	var (
		confFileBytes      []byte
		currentLine        string
		currentLineNumber  int
		currentSectionName string
		nestedConfFilePath string
		scanner            *bufio.Scanner
	)

	if "-" == confFilePath {
		confFileBytes, err = ioutil.ReadAll(os.Stdin)
	} else {
		confFileBytes, err = ioutil.ReadFile(confFilePath)
	}
	if nil != err {
		return
	}

	if !utf8.Valid(confFileBytes) {
		err = fmt.Errorf("file %v contained invalid UTF-8", confFilePath)
		return
	}

	scanner = bufio.NewScanner(bytes.NewReader(confFileBytes))

	for scanner.Scan() {
		currentLineNumber++

		currentLine = scanner.Text()
		currentLine = strings.SplitN(currentLine, ";", 2)[0]
		currentLine = strings.SplitN(currentLine, "#", 2)[0]
		currentLine = strings.Trim(currentLine, " \t\r")

		if 0 == len(currentLine) {
			continue
		}

		switch {
		case includeLineRE.MatchString(currentLine):
			nestedConfFilePath = includeFilePathSeparatorRE.Split(currentLine, 2)[1]

			if !filepath.IsAbs(nestedConfFilePath) {
				nestedConfFilePath = filepath.Join(filepath.Dir(confFilePath), nestedConfFilePath)
			}

			err = confMap.UpdateFromFile(nestedConfFilePath)
			if nil != err {
				return
			}

			currentSectionName = ""
		case sectionHeaderLineRE.MatchString(currentLine):
			currentSectionName = sectionNameRE.FindString(currentLine)
		default:
			if "" == currentSectionName {
				err = fmt.Errorf("file %v line %v: option outside of a Section", confFilePath, currentLineNumber)
				return
			}

			if !optionLineRE.MatchString(currentLine) {
				err = fmt.Errorf("file %v line %v: malformed line '%v'", confFilePath, currentLineNumber, currentLine)
				return
			}

			optionNameOptionValues := optionNameOptionValuesSeparatorRE.Split(currentLine, 2)

			confMap.setOption(currentSectionName, optionNameOptionValues[0], splitOptionValues(optionNameOptionValues[1]))
		}
	}

	err = scanner.Err()
	return
}

func (confMap ConfMap) updateFromYAMLFile(confFilePath string) (err error) {
	yamlBuf, err := ioutil.ReadFile(confFilePath)
	if nil != err {
		return
	}

	err = confMap.updateFromYAML(yamlBuf)
	if nil != err {
		err = fmt.Errorf("file %v: %v", confFilePath, err)
	}
	return
}

func (confMap ConfMap) updateFromYAML(yamlBuf []byte) (err error) {
	var (
		document map[string]map[string]yaml.Node
	)

	err = yaml.Unmarshal(yamlBuf, &document)
	if nil != err {
		return
	}

	for sectionName, section := range document {
		if _, found := confMap[sectionName]; !found {
			confMap[sectionName] = make(ConfMapSection)
		}

		for optionName, optionNode := range section {
			optionValues, nodeErr := yamlNodeToOptionValues(&optionNode)
			if nil != nodeErr {
				err = fmt.Errorf("[%v]%v: %v", sectionName, optionName, nodeErr)
				return
			}

			confMap.setOption(sectionName, optionName, optionValues)
		}
	}

	err = nil
	return
}

func yamlNodeToOptionValues(optionNode *yaml.Node) (optionValues []string, err error) {
	switch optionNode.Kind {
	case yaml.ScalarNode:
		if ("!!null" == optionNode.Tag) || ("" == optionNode.Value) {
			optionValues = []string{}
		} else {
			optionValues = []string{optionNode.Value}
		}
	case yaml.SequenceNode:
		optionValues = make([]string, 0, len(optionNode.Content))
		for _, elementNode := range optionNode.Content {
			if yaml.ScalarNode != elementNode.Kind {
				err = fmt.Errorf("sequence elements must be scalars")
				return
			}
			optionValues = append(optionValues, elementNode.Value)
		}
	default:
		err = fmt.Errorf("value must be a scalar or a sequence of scalars")
		return
	}

	err = nil
	return
}
