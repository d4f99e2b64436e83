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

package sconf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
# Example node configuration.
[Server]
Homedir: /var/lib/velum
Nickname: Aster

[Incoming/MMTP]
Hostname: relay.example.com
`

func TestReadMinimal(t *testing.T) {
	cfg, err := Read(minimalConfig)
	require.NoError(t, err)

	assert.Equal(t, "Aster", cfg.Server.Nickname)
	assert.Equal(t, "/var/lib/velum", cfg.Server.Homedir)

	// Everything else stays at its default.
	assert.Equal(t, 2048, cfg.Server.IdentityKeyBits)
	assert.Equal(t, 30*24*time.Hour, cfg.Server.PublicKeyLifetime)
	assert.Equal(t, 24*time.Hour, cfg.Server.PublicKeyOverlap)
	assert.Equal(t, MixTimed, cfg.Server.MixAlgorithm)
	assert.Equal(t, 30*time.Minute, cfg.Server.MixInterval)
	assert.True(t, cfg.Incoming.Enabled)
	assert.Equal(t, uint16(48099), cfg.Incoming.Port)
	assert.True(t, cfg.Outgoing.Enabled)
	assert.NotEmpty(t, cfg.Outgoing.Retry)
	assert.False(t, cfg.Directory.Publish)
}

func TestReadFull(t *testing.T) {
	cfg, err := Read(`
[Server]
Homedir: /var/lib/velum
Nickname: Briar
Contact-Email: ops@example.com
Identity-Key-Bits: 3072
PublicKeyLifetime: 14 days
PublicKeyOverlap: 12 hours
MixAlgorithm: Cottrell
MixInterval: 10 minutes
MixPoolRate: 60%
MixPoolMinSize: 10
LogLevel: DEBUG
Daemon: yes

[Incoming/MMTP]
Enabled: yes
IP: 192.0.2.10
Port: 48099
Allow: *
Deny: 192.0.2.66

[Outgoing/MMTP]
Enabled: yes
Retry: every 30 minutes for 2 hours
MaxConnections: 4

[DirectoryServers]
DirectoryUploadURL: https://dir.example.com/publish
Publish: yes

[Delivery/SMTP]
Enabled: yes
SMTPServer: mail.example.com
`)
	require.NoError(t, err)

	assert.Equal(t, 3072, cfg.Server.IdentityKeyBits)
	assert.Equal(t, 14*24*time.Hour, cfg.Server.PublicKeyLifetime)
	assert.Equal(t, 12*time.Hour, cfg.Server.PublicKeyOverlap)
	assert.Equal(t, MixCottrell, cfg.Server.MixAlgorithm)
	assert.Equal(t, 10*time.Minute, cfg.Server.MixInterval)
	assert.InDelta(t, 0.6, cfg.Server.MixPoolRate, 0.0001)
	assert.Equal(t, 10, cfg.Server.MixPoolMinSize)
	assert.True(t, cfg.Server.LogDebug)
	assert.True(t, cfg.Server.Daemon)

	assert.Equal(t, "192.0.2.10", cfg.Incoming.IP.String())
	require.Len(t, cfg.Incoming.Allow, 1)
	require.Len(t, cfg.Incoming.Deny, 1)

	assert.Equal(t, []time.Duration{
		30 * time.Minute, 30 * time.Minute, 30 * time.Minute, 30 * time.Minute,
	}, cfg.Outgoing.Retry)
	assert.Equal(t, 4, cfg.Outgoing.MaxConnections)

	assert.True(t, cfg.Directory.Publish)
	assert.Equal(t, "https://dir.example.com/publish", cfg.Directory.UploadURL)

	assert.True(t, cfg.SMTP.Enabled)
	assert.Equal(t, "mail.example.com", cfg.SMTP.Relay)
	assert.Equal(t, uint16(25), cfg.SMTP.RelayPort)
}

func TestReadErrors(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"no nickname", "[Server]\nHomedir: /x\n"},
		{"no homedir", "[Server]\nNickname: A\n"},
		{"bad nickname", "[Server]\nHomedir: /x\nNickname: -bad\n"},
		{"unknown section", minimalConfig + "[Wombat]\nX: 1\n"},
		{"bad algorithm", minimalConfig + "[Server]\nMixAlgorithm: Shuffle\n"},
		{"tiny key", "[Server]\nHomedir: /x\nNickname: A\nIdentity-Key-Bits: 512\n"},
		{"publish without url", minimalConfig + "[DirectoryServers]\nPublish: yes\n"},
		{"smtp without relay", minimalConfig + "[Delivery/SMTP]\nEnabled: yes\n"},
		{"incoming without address", "[Server]\nHomedir: /x\nNickname: A\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(tc.text)
			assert.Error(t, err)
		})
	}
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30 seconds", 30 * time.Second},
		{"30 minutes", 30 * time.Minute},
		{"1 hour", time.Hour},
		{"1.5 hours", 90 * time.Minute},
		{"2 days", 48 * time.Hour},
		{"1 week", 7 * 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := parseInterval(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, in := range []string{"", "soon", "3 fortnights", "-1 hour"} {
		_, err := parseInterval(in)
		assert.Error(t, err, in)
	}
}

func TestParseIntervalList(t *testing.T) {
	got, err := parseIntervalList("every 1 hour for 4 hours, 1 day")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		time.Hour, time.Hour, time.Hour, time.Hour, 24 * time.Hour,
	}, got)

	roundtrip := formatInterval(36 * time.Hour)
	d, err := parseInterval(roundtrip)
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)
}
