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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumlabs/velum/framework/log"
)

func buildTestDirectory(t *testing.T, recommended []string, servers ...[]byte) []byte {
	t.Helper()
	identity, _ := testKeys(t)

	var b strings.Builder
	fmt.Fprintf(&b, "[Directory]\n")
	fmt.Fprintf(&b, "Version: %s\n", DirectoryVersion)
	fmt.Fprintf(&b, "Published: %s\n", FormatTime(testNow.Add(-time.Hour)))
	fmt.Fprintf(&b, "Valid-After: %s\n", FormatDate(testNow.Add(-24*time.Hour)))
	fmt.Fprintf(&b, "Valid-Until: %s\n", FormatDate(testNow.Add(7*24*time.Hour)))
	if len(recommended) != 0 {
		fmt.Fprintf(&b, "Recommended-Servers: %s\n", strings.Join(recommended, ","))
	}
	fmt.Fprintf(&b, "[Signature]\n")
	fmt.Fprintf(&b, "DirectoryDigest:\n")
	fmt.Fprintf(&b, "DirectorySignature:\n")
	fmt.Fprintf(&b, "DirectoryIdentity: %s\n", FormatBase64(EncodePublicKey(&identity.PublicKey)))
	for _, s := range servers {
		b.Write(CleanForDigest(s))
	}

	signed, err := SignDirectory([]byte(b.String()), identity)
	require.NoError(t, err)
	return signed
}

func TestParseDirectory(t *testing.T) {
	aster := testDescriptor{nickname: "Aster"}.build(t)
	briar := testDescriptor{nickname: "Briar"}.build(t)

	dir, err := ParseDirectory(buildTestDirectory(t, []string{"Briar"}, aster, briar), log.Logger{})
	require.NoError(t, err)

	require.Len(t, dir.Servers, 2)
	assert.Equal(t, "Aster", dir.Servers[0].Server.Nickname)
	assert.Equal(t, "Briar", dir.Servers[1].Server.Nickname)

	rec := dir.RecommendedServers()
	require.Len(t, rec, 1)
	assert.Equal(t, "Briar", rec[0].Server.Nickname)

	byNick := dir.ByNickname("aster")
	require.Len(t, byNick, 1)
	assert.Equal(t, "Aster", byNick[0].Server.Nickname)
}

func TestParseDirectorySignatureKeyNames(t *testing.T) {
	// The [Signature] keys carry no hyphens on the wire, unlike the
	// Valid-After style used everywhere else. A directory using the
	// hyphenated spelling is not conformant and must be rejected.
	aster := testDescriptor{nickname: "Aster"}.build(t)
	signed := buildTestDirectory(t, nil, aster)
	require.Contains(t, string(signed), "DirectoryIdentity: ")

	hyphenated := strings.Replace(string(signed),
		"DirectoryIdentity: ", "Directory-Identity: ", 1)
	_, err := ParseDirectory([]byte(hyphenated), log.Logger{})
	require.Error(t, err)

	var derr *DescriptorInvalidError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, BadFormat, derr.Reason)
}

func TestParseDirectoryTampered(t *testing.T) {
	aster := testDescriptor{nickname: "Aster"}.build(t)
	signed := buildTestDirectory(t, nil, aster)

	tampered := strings.Replace(string(signed), "Nickname: Aster", "Nickname: Mallory", 1)
	_, err := ParseDirectory([]byte(tampered), log.Logger{})
	require.Error(t, err)

	var derr *DescriptorInvalidError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, BadDigest, derr.Reason)
}

func TestParseDirectorySkipsBadDescriptor(t *testing.T) {
	aster := testDescriptor{nickname: "Aster"}.build(t)
	// Expired-window garbage descriptor: parses as sections but fails
	// validation. It must not take the directory down with it.
	bogus := []byte("[Server]\nDescriptor-Version: 0.2\nNickname: Broken\nDigest:\nSignature:\n")

	dir, err := ParseDirectory(buildTestDirectory(t, nil, bogus, aster), log.Logger{})
	require.NoError(t, err)
	require.Len(t, dir.Servers, 1)
	assert.Equal(t, "Aster", dir.Servers[0].Server.Nickname)
}

func TestParseDirectoryNoHeader(t *testing.T) {
	aster := testDescriptor{nickname: "Aster"}.build(t)
	_, err := ParseDirectory(aster, log.Logger{})
	assert.Error(t, err)
}

func TestByNicknameNewestFirst(t *testing.T) {
	older := testDescriptor{
		nickname:  "Aster",
		published: testNow.Add(-48 * time.Hour),
	}.build(t)
	newer := testDescriptor{
		nickname:  "Aster",
		published: testNow.Add(-time.Hour),
	}.build(t)

	dir, err := ParseDirectory(buildTestDirectory(t, nil, older, newer), log.Logger{})
	require.NoError(t, err)

	byNick := dir.ByNickname("Aster")
	require.Len(t, byNick, 2)
	assert.True(t, byNick[0].IsNewerThan(byNick[1]))
}
