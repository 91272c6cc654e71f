/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"bytes"
	"embed"
)

var (
	//go:embed hack/ipfix-information-elements.csv
	ianaRegistryFS embed.FS

	ianaIpfixIEs map[uint16]*InformationElement = loadIANARegistry()
)

func init() {
	initGlobalIANARegistry()
}

func initGlobalIANARegistry() {
	ianaIpfixIEs = loadIANARegistry()
}

// loadIANARegistry reads the embedded IANA IE table and marks every element not listed in
// NonReversibleFields as reversible, per RFC 5103 (all IANA IEs are reversible save for a
// fixed set of process/meta fields).
func loadIANARegistry() map[uint16]*InformationElement {
	raw := MustReadCSV(mustReadFile(ianaRegistryFS.ReadFile("hack/ipfix-information-elements.csv")))

	m := make(map[uint16]*InformationElement, len(raw))
	for id, ie := range raw {
		ie := ie
		ie.Reversible = reversible(id)
		m[id] = &ie
	}
	return m
}

// iana returns the live IANA Information Element table, keyed by element id.
func iana() map[uint16]*InformationElement {
	if len(ianaIpfixIEs) == 0 {
		initGlobalIANARegistry()
	}

	return ianaIpfixIEs
}

// IANA is the exported form of iana, for callers outside the package's own test suite
// that need to seed an InfoModel or a FieldBuilder from the standard registry directly.
func IANA() map[uint16]*InformationElement {
	return iana()
}

func mustReadFile(f []byte, err error) *bytes.Buffer {
	if err != nil {
		panic(err)
	}
	return bytes.NewBuffer(f)
}
