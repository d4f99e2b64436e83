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
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanForDigest(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "[Server]\r\nNickname: A\r\n", "[Server]\nNickname: A\n"},
		{"bare cr", "[Server]\rNickname: A\r", "[Server]\nNickname: A\n"},
		{"trailing space", "[Server]  \nNickname: A\t\n", "[Server]\nNickname: A\n"},
		{"leading space", "  [Server]\n\tNickname: A\n", "[Server]\nNickname: A\n"},
		{"missing final newline", "[Server]\nNickname: A", "[Server]\nNickname: A\n"},
		{"already clean", "[Server]\nNickname: A\n", "[Server]\nNickname: A\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CleanForDigest([]byte(tc.in))
			assert.Equal(t, tc.want, string(got))
			assert.Equal(t, tc.want, string(CleanForDigest(got)), "not idempotent")
		})
	}
}

func TestDigestIgnoresLineEndings(t *testing.T) {
	a := "[Server]\nNickname: A\nDigest:\nSignature:\n"
	b := "[Server]\r\nNickname: A   \r\nDigest:\r\nSignature:\r\n"
	assert.Equal(t, ComputeDigest([]byte(a)), ComputeDigest([]byte(b)))
}

func TestDigestBlanksDeclaredValues(t *testing.T) {
	unsigned := "[Server]\nNickname: A\nDigest:\nSignature:\n"
	signed := "[Server]\nNickname: A\nDigest: AAAA\nSignature: BBBB\n"
	assert.Equal(t, ComputeDigest([]byte(unsigned)), ComputeDigest([]byte(signed)))
}

func TestSignDescriptorRoundtrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	unsigned := "[Server]\nNickname: A\nDigest:\nSignature:\n"
	signed, err := SignDescriptor([]byte(unsigned), key)
	require.NoError(t, err)

	secs, err := parseSections(string(CleanForDigest(signed)), true)
	require.NoError(t, err)
	sec := findSection(secs, "Server")
	require.NotNil(t, sec)

	digestStr, ok := sec.first("Digest")
	require.True(t, ok)
	digest, err := parseBase64(digestStr)
	require.NoError(t, err)
	assert.Equal(t, ComputeDigest(signed), digest)

	sigStr, ok := sec.first("Signature")
	require.True(t, ok)
	sig, err := parseBase64(sigStr)
	require.NoError(t, err)
	assert.NoError(t, VerifySignedDigest(&key.PublicKey, digest, sig))
}

func TestSignDescriptorMissingFields(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = SignDescriptor([]byte("[Server]\nNickname: A\nDigest:\n"), key)
	assert.Error(t, err)
}
