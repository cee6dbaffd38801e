// Copyright 2026 Meshpay Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ilp provides the ILPv4 packet types, the closed error-code set,
// and the OER packet codec
package ilp

import (
	"fmt"
	"regexp"
	"strings"
)

// Address is a dot-separated ILP address in the global allocation scheme
type Address string

const maxAddressLength = 1023

var addressRegexp = regexp.MustCompile(`^g(\.[A-Za-z0-9_~-]+)*$`)

// ValidAddress reports whether addr is a well-formed global-scheme ILP address
func ValidAddress(addr string) bool {
	if len(addr) < 1 || len(addr) > maxAddressLength {
		return false
	}
	return addressRegexp.MatchString(addr)
}

// ParseAddress validates addr and returns it as an Address
func ParseAddress(addr string) (Address, error) {
	if !ValidAddress(addr) {
		return "", fmt.Errorf("invalid ILP address: %q", addr)
	}
	return Address(addr), nil
}

// Labels returns the dot-separated segments of the address
func (a Address) Labels() []string {
	return strings.Split(string(a), ".")
}

// HasPrefix reports whether prefix matches a on dot-separated label
// boundaries. "g.a" matches "g.a" and "g.a.x" but not "g.ab".
func (a Address) HasPrefix(prefix Address) bool {
	if a == prefix {
		return true
	}
	return strings.HasPrefix(string(a), string(prefix)+".")
}

func (a Address) String() string {
	return string(a)
}
