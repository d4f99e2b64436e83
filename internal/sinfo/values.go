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
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	// DescriptorVersion is the only top-level descriptor format this
	// implementation understands.
	DescriptorVersion = "0.2"

	// MMTPSectionVersion is the format version of the Incoming/MMTP and
	// Outgoing/MMTP sections.
	MMTPSectionVersion = "0.1"

	// DeliverySectionVersion is the format version of Delivery/*
	// sections.
	DeliverySectionVersion = "0.1"

	// DefaultPacketVersion is assumed when a descriptor carries no
	// Packet-Versions entry.
	DefaultPacketVersion = "0.3"

	// DigestLen is the length of the SHA-1 digests used throughout the
	// descriptor format and the replay log.
	DigestLen = 20

	// Longest allowed Contact entry.
	MaxContact = 256
	// Longest allowed Comments entry.
	MaxComments = 1024
	// Longest allowed Contact-Fingerprint entry.
	MaxFingerprint = 128
	// Longest allowed nickname.
	MaxNickname = 128

	// Bounds on the identity key modulus, in bytes.
	MinIdentityBytes = 2048 / 8
	MaxIdentityBytes = 4096 / 8
	// Exact packet key modulus length, in bytes.
	PacketKeyBytes = 2048 / 8
	// Exact transport (MMTP) key modulus length, in bytes.
	TransportKeyBytes = 1024 / 8
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02 15:04:05"
)

// FormatDate renders t as an ISO date in UTC.
func FormatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// FormatTime renders t as an ISO date-time in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, invalidf(BadFormat, "bad date %q", s)
	}
	return t, nil
}

func parseTime(s string) (time.Time, error) {
	// Both '2004-01-01 00:00:00' and the T-separated form are accepted.
	s = strings.Replace(s, "T", " ", 1)
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, invalidf(BadFormat, "bad time %q", s)
	}
	return t, nil
}

// FormatBase64 encodes without embedded line breaks, as required for
// descriptor entries.
func FormatBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func parseBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, invalidf(BadFormat, "bad base64 value")
	}
	return b, nil
}

// EncodePublicKey returns the DER (PKCS#1) encoding of an RSA public
// key. Key identities are SHA-1 digests of this encoding.
func EncodePublicKey(k *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(k)
}

// KeyDigest returns the 20-byte identity digest of a public key.
func KeyDigest(k *rsa.PublicKey) []byte {
	sum := sha1.Sum(EncodePublicKey(k))
	return sum[:]
}

func parsePublicKey(s string) (*rsa.PublicKey, error) {
	der, err := parseBase64(s)
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, invalidf(BadFormat, "bad public key encoding")
	}
	return key, nil
}

// ParseNickname validates a server nickname: up to MaxNickname
// characters, alphanumeric first character, then alphanumerics,
// '-', '_' and '@'.
func ParseNickname(s string) (string, error) {
	return parseNickname(s)
}

// ParseBool accepts yes/no, true/false, 1/0 and on/off.
func ParseBool(s string) (bool, error) {
	return parseBool(s)
}

// ParseIP accepts a dotted-quad IPv4 address.
func ParseIP(s string) (net.IP, error) {
	return parseIP(s)
}

// ParseHost accepts a dotted hostname.
func ParseHost(s string) (string, error) {
	return parseHost(s)
}

// ParsePort accepts a TCP port number.
func ParsePort(s string) (uint16, error) {
	return parsePort(s)
}

func parseNickname(s string) (string, error) {
	if len(s) == 0 || len(s) > MaxNickname {
		return "", invalidf(BadFormat, "bad nickname length")
	}
	for i, r := range s {
		alnum := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
		if alnum || (i > 0 && (r == '-' || r == '_' || r == '@')) {
			continue
		}
		return "", invalidf(BadFormat, "bad character %q in nickname", r)
	}
	return s, nil
}

func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalidf(BadFormat, "bad integer %q", s)
	}
	return n, nil
}

func parsePort(s string) (uint16, error) {
	n, err := parseInt(s)
	if err != nil {
		return 0, err
	}
	if n < 1 || n > 65535 {
		return 0, invalidf(BadFormat, "port %d out of range", n)
	}
	return uint16(n), nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y", "true", "1", "on":
		return true, nil
	case "no", "n", "false", "0", "off":
		return false, nil
	}
	return false, invalidf(BadFormat, "bad boolean %q", s)
}

func parseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIP(s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, invalidf(BadFormat, "bad IPv4 address %q", s)
	}
	return ip.To4(), nil
}

func parseHost(s string) (string, error) {
	if len(s) == 0 || len(s) > 255 {
		return "", invalidf(BadFormat, "bad hostname length")
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" {
			return "", invalidf(BadFormat, "bad hostname %q", s)
		}
		for _, r := range label {
			alnum := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
			if !alnum && r != '-' {
				return "", invalidf(BadFormat, "bad hostname %q", s)
			}
		}
	}
	return s, nil
}
