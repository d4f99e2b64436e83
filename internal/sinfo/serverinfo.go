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

// Package sinfo implements server descriptors and directories: parsing,
// canonicalization, digesting, signing and validation.
package sinfo

import (
	"bytes"
	"crypto/rsa"
	"net"
	"strings"
	"time"

	"github.com/velumlabs/velum/framework/log"
)

// ServerSection holds the typed [Server] section of a descriptor.
type ServerSection struct {
	Nickname  string
	Identity  *rsa.PublicKey
	Digest    []byte
	Signature []byte

	Published  time.Time
	ValidAfter time.Time
	ValidUntil time.Time

	PacketKey *rsa.PublicKey

	Contact            string
	Comments           string
	ContactFingerprint string
	PacketVersions     []string
	Software           string
	SecureConfiguration bool
}

// IncomingMMTP is the typed [Incoming/MMTP] section. Present only when
// the server accepts packets.
type IncomingMMTP struct {
	IP        net.IP
	Hostname  string
	Port      uint16
	Protocols []string
	Allow     []Rule
	Deny      []Rule
}

// OutgoingMMTP is the typed [Outgoing/MMTP] section.
type OutgoingMMTP struct {
	Protocols []string
	Allow     []Rule
	Deny      []Rule
}

// DeliveryMBOX is the typed [Delivery/MBOX] section.
type DeliveryMBOX struct {
	MaximumSize int
	AllowFrom   bool
}

// DeliverySMTP is the typed [Delivery/SMTP] section.
type DeliverySMTP struct {
	MaximumSize int
	AllowFrom   bool
}

// DeliveryFragmented is the typed [Delivery/Fragmented] section.
type DeliveryFragmented struct {
	MaximumFragments int
}

// ServerInfo is a parsed, validated server descriptor.
type ServerInfo struct {
	// Raw holds the canonicalized descriptor bytes the digest covers.
	Raw []byte

	Server     ServerSection
	Incoming   *IncomingMMTP
	Outgoing   *OutgoingMMTP
	MBOX       *DeliveryMBOX
	SMTP       *DeliverySMTP
	Fragmented *DeliveryFragmented
}

// Parse parses and fully validates a server descriptor.
func Parse(b []byte, l log.Logger) (*ServerInfo, error) {
	return parseAt(b, time.Now(), l)
}

func parseAt(b []byte, now time.Time, l log.Logger) (*ServerInfo, error) {
	clean := CleanForDigest(b)

	secs, err := parseSections(string(clean), true)
	if err != nil {
		return nil, err
	}
	secs, err = prevalidate(secs, l)
	if err != nil {
		return nil, err
	}

	info := &ServerInfo{Raw: clean}
	if err := info.decode(secs); err != nil {
		return nil, err
	}
	if err := info.validate(now); err != nil {
		return nil, err
	}
	return info, nil
}

func (info *ServerInfo) decode(secs []RawSection) error {
	server := findSection(secs, "Server")
	if server == nil {
		return invalidf(BadFormat, "missing [Server] section")
	}

	s := &info.Server
	var err error

	req := func(key string) (string, error) {
		v, ok := server.first(key)
		if !ok {
			return "", invalidf(BadFormat, "missing %s entry", key)
		}
		return v, nil
	}

	nick, err := req("Nickname")
	if err != nil {
		return err
	}
	if s.Nickname, err = parseNickname(nick); err != nil {
		return err
	}

	identity, err := req("Identity")
	if err != nil {
		return err
	}
	if s.Identity, err = parsePublicKey(identity); err != nil {
		return err
	}

	digest, err := req("Digest")
	if err != nil {
		return err
	}
	if s.Digest, err = parseBase64(digest); err != nil {
		return err
	}
	sig, err := req("Signature")
	if err != nil {
		return err
	}
	if s.Signature, err = parseBase64(sig); err != nil {
		return err
	}

	published, err := req("Published")
	if err != nil {
		return err
	}
	if s.Published, err = parseTime(published); err != nil {
		return err
	}
	va, err := req("Valid-After")
	if err != nil {
		return err
	}
	if s.ValidAfter, err = parseDate(va); err != nil {
		return err
	}
	vu, err := req("Valid-Until")
	if err != nil {
		return err
	}
	if s.ValidUntil, err = parseDate(vu); err != nil {
		return err
	}

	pk, err := req("Packet-Key")
	if err != nil {
		return err
	}
	if s.PacketKey, err = parsePublicKey(pk); err != nil {
		return err
	}

	s.Contact, _ = server.first("Contact")
	s.Comments, _ = server.first("Comments")
	s.ContactFingerprint, _ = server.first("Contact-Fingerprint")
	s.Software, _ = server.first("Software")
	if v, ok := server.first("Packet-Versions"); ok {
		s.PacketVersions = parseList(v)
	} else {
		s.PacketVersions = []string{DefaultPacketVersion}
	}
	if v, ok := server.first("Secure-Configuration"); ok {
		if s.SecureConfiguration, err = parseBool(v); err != nil {
			return err
		}
	}

	if sec := findSection(secs, "Incoming/MMTP"); sec != nil {
		in := &IncomingMMTP{}
		if v, ok := sec.first("IP"); ok {
			if in.IP, err = parseIP(v); err != nil {
				return err
			}
		}
		if v, ok := sec.first("Hostname"); ok {
			if in.Hostname, err = parseHost(v); err != nil {
				return err
			}
		}
		port, ok := sec.first("Port")
		if !ok {
			return invalidf(BadFormat, "Incoming/MMTP section without Port")
		}
		if in.Port, err = parsePort(port); err != nil {
			return err
		}
		protos, ok := sec.first("Protocols")
		if !ok {
			return invalidf(BadFormat, "Incoming/MMTP section without Protocols")
		}
		in.Protocols = parseList(protos)
		if in.Allow, err = parseRules(sec.all("Allow"), true); err != nil {
			return err
		}
		if in.Deny, err = parseRules(sec.all("Deny"), false); err != nil {
			return err
		}
		info.Incoming = in
	}

	if sec := findSection(secs, "Outgoing/MMTP"); sec != nil {
		out := &OutgoingMMTP{}
		protos, ok := sec.first("Protocols")
		if !ok {
			return invalidf(BadFormat, "Outgoing/MMTP section without Protocols")
		}
		out.Protocols = parseList(protos)
		if out.Allow, err = parseRules(sec.all("Allow"), true); err != nil {
			return err
		}
		if out.Deny, err = parseRules(sec.all("Deny"), false); err != nil {
			return err
		}
		info.Outgoing = out
	}

	if sec := findSection(secs, "Delivery/MBOX"); sec != nil {
		mbox := &DeliveryMBOX{MaximumSize: 32, AllowFrom: true}
		if err := decodeDeliveryCommon(sec, &mbox.MaximumSize, &mbox.AllowFrom); err != nil {
			return err
		}
		info.MBOX = mbox
	}
	if sec := findSection(secs, "Delivery/SMTP"); sec != nil {
		smtp := &DeliverySMTP{MaximumSize: 32, AllowFrom: true}
		if err := decodeDeliveryCommon(sec, &smtp.MaximumSize, &smtp.AllowFrom); err != nil {
			return err
		}
		info.SMTP = smtp
	}
	if sec := findSection(secs, "Delivery/Fragmented"); sec != nil {
		frag := &DeliveryFragmented{}
		v, ok := sec.first("Maximum-Fragments")
		if !ok {
			return invalidf(BadFormat, "Delivery/Fragmented without Maximum-Fragments")
		}
		if frag.MaximumFragments, err = parseInt(v); err != nil {
			return err
		}
		info.Fragmented = frag
	}

	return nil
}

func decodeDeliveryCommon(sec *RawSection, maxSize *int, allowFrom *bool) error {
	var err error
	if v, ok := sec.first("Maximum-Size"); ok {
		if *maxSize, err = parseInt(v); err != nil {
			return err
		}
	}
	if v, ok := sec.first("Allow-From"); ok {
		if *allowFrom, err = parseBool(v); err != nil {
			return err
		}
	}
	return nil
}

func (info *ServerInfo) validate(now time.Time) error {
	s := &info.Server

	digest := digestImpl(info.Raw, "Digest", "Signature")
	if !bytes.Equal(digest, s.Digest) {
		return invalidf(BadDigest, "declared digest does not match contents")
	}

	identityBytes := s.Identity.Size()
	if identityBytes < MinIdentityBytes || identityBytes > MaxIdentityBytes {
		return invalidf(BadLength, "invalid length on identity key")
	}
	if s.PacketKey.Size() != PacketKeyBytes {
		return invalidf(BadLength, "invalid length on packet key")
	}

	if s.Published.After(now.Add(10 * time.Minute)) {
		return invalidf(BadFormat, "server published in the future")
	}
	if !s.ValidAfter.Before(s.ValidUntil) {
		return invalidf(BadFormat, "server is never valid")
	}
	if len(s.Contact) > MaxContact {
		return invalidf(BadLength, "contact too long")
	}
	if len(s.Comments) > MaxComments {
		return invalidf(BadLength, "comments too long")
	}
	if len(s.ContactFingerprint) > MaxFingerprint {
		return invalidf(BadLength, "contact fingerprint too long")
	}

	if err := VerifySignedDigest(s.Identity, digest, s.Signature); err != nil {
		return invalidf(BadSignature, "invalid signature")
	}

	if info.Incoming != nil {
		if info.Incoming.IP == nil && info.Incoming.Hostname == "" {
			return invalidf(BadFormat, "Incoming/MMTP section has neither IP nor hostname")
		}
	}

	return nil
}

// Digest returns the declared (not recomputed) digest of the
// descriptor.
func (info *ServerInfo) Digest() []byte {
	return info.Server.Digest
}

// KeyDigest returns the SHA-1 digest of this server's identity key.
func (info *ServerInfo) KeyDigest() []byte {
	return KeyDigest(info.Server.Identity)
}

// IsExpiredAt reports whether the descriptor expires before 'when'.
func (info *ServerInfo) IsExpiredAt(when time.Time) bool {
	return info.Server.ValidUntil.Before(when)
}

// IsValidAt reports whether the descriptor is valid at 'when'.
func (info *ServerInfo) IsValidAt(when time.Time) bool {
	return !info.Server.ValidAfter.After(when) && !info.Server.ValidUntil.Before(when)
}

// IsValidFrom reports whether the descriptor is valid during the whole
// of [startAt, endAt].
func (info *ServerInfo) IsValidFrom(startAt, endAt time.Time) bool {
	return !info.Server.ValidAfter.After(startAt) && !info.Server.ValidUntil.Before(endAt)
}

// IsValidAtPartOf reports whether the descriptor is valid at any point
// of [startAt, endAt].
func (info *ServerInfo) IsValidAtPartOf(startAt, endAt time.Time) bool {
	va, vu := info.Server.ValidAfter, info.Server.ValidUntil
	return !va.After(endAt) && !vu.Before(startAt)
}

// IsNewerThan reports whether the descriptor was published after the
// other one.
func (info *ServerInfo) IsNewerThan(other *ServerInfo) bool {
	return info.Server.Published.After(other.Server.Published)
}

// HasSameNicknameAs compares nicknames case-insensitively.
func (info *ServerInfo) HasSameNicknameAs(other *ServerInfo) bool {
	return strings.EqualFold(info.Server.Nickname, other.Server.Nickname)
}

// IsSupersededBy reports whether, for all time this descriptor is
// valid, a more recently published descriptor with the same nickname is
// also valid.
func (info *ServerInfo) IsSupersededBy(others []*ServerInfo) bool {
	valid := intervalSet{{info.Server.ValidAfter, info.Server.ValidUntil}}
	for _, o := range others {
		if o.IsNewerThan(info) && o.HasSameNicknameAs(info) {
			valid = valid.subtract(interval{o.Server.ValidAfter, o.Server.ValidUntil})
		}
	}
	return valid.isEmpty()
}

// Capabilities returns a concise human-readable list of the server's
// abilities ("mbox", "smtp", "relay", "frag").
func (info *ServerInfo) Capabilities() []string {
	var caps []string
	if info.Incoming == nil {
		return caps
	}
	if info.MBOX != nil {
		caps = append(caps, "mbox")
	}
	if info.SMTP != nil {
		caps = append(caps, "smtp")
	}
	if info.Outgoing != nil {
		caps = append(caps, "relay")
	}
	if info.Fragmented != nil {
		caps = append(caps, "frag")
	}
	return caps
}

type interval struct {
	start, end time.Time
}

type intervalSet []interval

func (s intervalSet) subtract(cut interval) intervalSet {
	var out intervalSet
	for _, iv := range s {
		if !cut.start.After(iv.start) && !cut.end.Before(iv.end) {
			continue // fully covered
		}
		if cut.end.Before(iv.start) || cut.start.After(iv.end) {
			out = append(out, iv)
			continue
		}
		if cut.start.After(iv.start) {
			out = append(out, interval{iv.start, cut.start})
		}
		if cut.end.Before(iv.end) {
			out = append(out, interval{cut.end, iv.end})
		}
	}
	return out
}

func (s intervalSet) isEmpty() bool {
	return len(s) == 0
}
