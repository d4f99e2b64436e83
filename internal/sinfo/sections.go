/*
Velum Remailer - Mixminion-style anonymous remailer node.
Copyright © 2023-2024 The Velum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package sinfo

import (
	"strings"

	"github.com/velumlabs/velum/framework/log"
)

// Entry is a single 'Key: value' line within a section. A key may occur
// multiple times (Allow/Deny rules do).
type Entry struct {
	Key   string
	Value string
}

// RawSection is an untyped '[Name]' block of entries, in file order.
type RawSection struct {
	Name    string
	Entries []Entry
}

// First returns the first value of key, if any.
func (s *RawSection) First(key string) (string, bool) {
	return s.first(key)
}

// All returns every value of key, in file order.
func (s *RawSection) All(key string) []string {
	return s.all(key)
}

func (s *RawSection) first(key string) (string, bool) {
	for _, e := range s.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

func (s *RawSection) all(key string) []string {
	var vals []string
	for _, e := range s.Entries {
		if e.Key == key {
			vals = append(vals, e.Value)
		}
	}
	return vals
}

// ParseConfigSections parses the relaxed variant of the section grammar
// used by the operator configuration file: '#' comments and blank lines
// are allowed, surrounding whitespace is insignificant.
func ParseConfigSections(text string) ([]RawSection, error) {
	return parseSections(text, false)
}

// parseSections splits canonicalized text into raw sections. In strict
// mode (descriptors, directory headers) blank lines, comments and
// entries outside a section are format errors. Relaxed mode is used for
// the operator configuration file which shares the grammar.
func parseSections(text string, strict bool) ([]RawSection, error) {
	var (
		secs []RawSection
		cur  *RawSection
	)

	for _, line := range strings.Split(text, "\n") {
		if !strict {
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			line = strings.TrimSpace(line)
		}
		if line == "" {
			if strict {
				continue // canonical text only has the final empty split element
			}
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, invalidf(BadFormat, "malformed section header %q", line)
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, invalidf(BadFormat, "empty section name")
			}
			secs = append(secs, RawSection{Name: name})
			cur = &secs[len(secs)-1]
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, invalidf(BadFormat, "line %q is not a Key: value entry", line)
		}
		if cur == nil {
			return nil, invalidf(BadFormat, "entry %q before any section", line)
		}
		key := strings.TrimSpace(line[:colon])
		if key == "" {
			return nil, invalidf(BadFormat, "entry with empty key")
		}
		cur.Entries = append(cur.Entries, Entry{
			Key:   key,
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}

	if len(secs) == 0 {
		return nil, invalidf(BadFormat, "no sections found")
	}
	return secs, nil
}

// expectedVersions maps a section name to the entry that declares its
// format version and the only value this implementation understands.
// Sections carrying any other value are dropped during prevalidation,
// preserving forward compatibility.
var expectedVersions = map[string][2]string{
	"Server":              {"Descriptor-Version", DescriptorVersion},
	"Incoming/MMTP":       {"Version", MMTPSectionVersion},
	"Outgoing/MMTP":       {"Version", MMTPSectionVersion},
	"Delivery/MBOX":       {"Version", DeliverySectionVersion},
	"Delivery/SMTP":       {"Version", DeliverySectionVersion},
	"Delivery/Fragmented": {"Version", DeliverySectionVersion},
}

// prevalidate rejects descriptors with an unknown top-level
// Descriptor-Version and strips sections whose own Version is unknown.
func prevalidate(secs []RawSection, l log.Logger) ([]RawSection, error) {
	for _, sec := range secs {
		if sec.Name != "Server" {
			continue
		}
		if v, ok := sec.first("Descriptor-Version"); ok && v != DescriptorVersion {
			return nil, invalidf(BadVersion, "unrecognized descriptor version: %s", v)
		}
	}

	revised := secs[:0:0]
	for _, sec := range secs {
		exp, known := expectedVersions[sec.Name]
		if !known {
			revised = append(revised, sec)
			continue
		}
		if v, ok := sec.first(exp[0]); ok && v != exp[1] {
			l.Printf("skipping %s section with unrecognized version %s", sec.Name, v)
			continue
		}
		revised = append(revised, sec)
	}
	return revised, nil
}

func findSection(secs []RawSection, name string) *RawSection {
	for i := range secs {
		if secs[i].Name == name {
			return &secs[i]
		}
	}
	return nil
}
