// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
)

// Features is the stream features announcement sent by the server after
// every stream header.
type Features struct {
	XMLName xml.Name  `xml:"http://etherx.jabber.org/streams features"`
	List    []Element `xml:",any"`
}

// Get returns the advertised feature with the given name.
func (f Features) Get(name xml.Name) (Element, bool) {
	for _, feature := range f.List {
		if feature.XMLName == name {
			return feature, true
		}
	}
	return Element{}, false
}

// Has reports whether the feature with the given name was advertised.
func (f Features) Has(name xml.Name) bool {
	_, ok := f.Get(name)
	return ok
}
