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
	"bytes"
	"crypto/rsa"
	"strings"
	"time"

	"github.com/velumlabs/velum/framework/log"
)

// DirectoryVersion is the only directory format this implementation
// understands.
const DirectoryVersion = "0.2"

// DirectoryHeader is the signed [Directory]+[Signature] preamble of a
// server list.
type DirectoryHeader struct {
	Published  time.Time
	ValidAfter time.Time
	ValidUntil time.Time

	Recommended []string

	Identity  *rsa.PublicKey
	Digest    []byte
	Signature []byte
}

// Directory is a parsed, signature-checked server directory.
type Directory struct {
	Header  DirectoryHeader
	Servers []*ServerInfo
}

// ParseDirectory parses a signed directory. Individual descriptors that
// fail validation are skipped with a warning; a bad header or signature
// rejects the whole directory.
func ParseDirectory(b []byte, l log.Logger) (*Directory, error) {
	clean := CleanForDigest(b)
	digest := digestImpl(clean, "DirectoryDigest", "DirectorySignature")

	headerText, serverBlobs := splitDirectory(clean)
	if headerText == nil {
		return nil, invalidf(BadFormat, "directory has no [Directory] header")
	}

	secs, err := parseSections(string(headerText), true)
	if err != nil {
		return nil, err
	}

	dirSec := findSection(secs, "Directory")
	if dirSec == nil {
		return nil, invalidf(BadFormat, "missing [Directory] section")
	}
	if v, ok := dirSec.first("Version"); !ok || v != DirectoryVersion {
		return nil, invalidf(BadVersion, "unrecognized directory version")
	}

	hdr := DirectoryHeader{}
	if v, ok := dirSec.first("Published"); ok {
		if hdr.Published, err = parseTime(v); err != nil {
			return nil, err
		}
	}
	va, ok := dirSec.first("Valid-After")
	if !ok {
		return nil, invalidf(BadFormat, "directory without Valid-After")
	}
	if hdr.ValidAfter, err = parseDate(va); err != nil {
		return nil, err
	}
	vu, ok := dirSec.first("Valid-Until")
	if !ok {
		return nil, invalidf(BadFormat, "directory without Valid-Until")
	}
	if hdr.ValidUntil, err = parseDate(vu); err != nil {
		return nil, err
	}
	if !hdr.ValidAfter.Before(hdr.ValidUntil) {
		return nil, invalidf(BadFormat, "directory is never valid")
	}
	if v, ok := dirSec.first("Recommended-Servers"); ok {
		hdr.Recommended = parseList(v)
	}

	sigSec := findSection(secs, "Signature")
	if sigSec == nil {
		return nil, invalidf(BadFormat, "missing [Signature] section")
	}
	identity, ok := sigSec.first("DirectoryIdentity")
	if !ok {
		return nil, invalidf(BadFormat, "signature without DirectoryIdentity")
	}
	if hdr.Identity, err = parsePublicKey(identity); err != nil {
		return nil, err
	}
	dd, ok := sigSec.first("DirectoryDigest")
	if !ok {
		return nil, invalidf(BadFormat, "signature without DirectoryDigest")
	}
	if hdr.Digest, err = parseBase64(dd); err != nil {
		return nil, err
	}
	ds, ok := sigSec.first("DirectorySignature")
	if !ok {
		return nil, invalidf(BadFormat, "signature without DirectorySignature")
	}
	if hdr.Signature, err = parseBase64(ds); err != nil {
		return nil, err
	}

	if !bytes.Equal(digest, hdr.Digest) {
		return nil, invalidf(BadDigest, "declared directory digest does not match contents")
	}
	if err := VerifySignedDigest(hdr.Identity, digest, hdr.Signature); err != nil {
		return nil, invalidf(BadSignature, "invalid directory signature")
	}

	dir := &Directory{Header: hdr}
	for i, blob := range serverBlobs {
		info, err := Parse(blob, l)
		if err != nil {
			l.Error("skipping unparseable descriptor in directory", err, "index", i)
			continue
		}
		dir.Servers = append(dir.Servers, info)
	}
	return dir, nil
}

// RecommendedServers returns the descriptors whose nickname appears in
// the directory's Recommended-Servers list.
func (d *Directory) RecommendedServers() []*ServerInfo {
	var out []*ServerInfo
	for _, s := range d.Servers {
		for _, nick := range d.Header.Recommended {
			if strings.EqualFold(nick, s.Server.Nickname) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// ByNickname returns every descriptor with the given nickname, newest
// first.
func (d *Directory) ByNickname(nickname string) []*ServerInfo {
	var out []*ServerInfo
	for _, s := range d.Servers {
		if strings.EqualFold(nickname, s.Server.Nickname) {
			out = append(out, s)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].IsNewerThan(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// splitDirectory separates the directory header from the concatenated
// descriptors. Each descriptor starts at a '[Server]' line.
func splitDirectory(clean []byte) (header []byte, servers [][]byte) {
	lines := strings.Split(string(clean), "\n")
	var (
		cur   []string
		first = true
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		blob := []byte(strings.Join(cur, "\n") + "\n")
		if first {
			header = blob
			first = false
		} else {
			servers = append(servers, blob)
		}
		cur = nil
	}
	for _, line := range lines {
		if line == "[Server]" {
			flush()
			if first {
				// No header before the first descriptor.
				first = false
			}
		}
		if line == "" && len(cur) == 0 {
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return header, servers
}
