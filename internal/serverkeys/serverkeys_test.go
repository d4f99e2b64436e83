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

package serverkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/sconf"
	"github.com/velumlabs/velum/internal/sinfo"
)

var testIdentity struct {
	once sync.Once
	key  *rsa.PrivateKey
}

// newTestKeyring builds a keyring in a temp dir with a 7 day key
// lifetime and a pre-generated identity key, so tests skip the
// expensive identity keygen.
func newTestKeyring(t *testing.T, mutate func(cfg *sconf.Config)) *Keyring {
	t.Helper()

	testIdentity.once.Do(func() {
		var err error
		testIdentity.key, err = rsa.GenerateKey(rand.Reader, sinfo.MinIdentityBytes*8)
		if err != nil {
			panic(err)
		}
	})

	dir := t.TempDir()
	cfg := sconf.Default()
	cfg.Server.Nickname = "Aldonza"
	cfg.Server.Homedir = dir
	cfg.Server.Contact = "aldonza@example.net"
	cfg.Server.PublicKeyLifetime = 7 * 24 * time.Hour
	cfg.Server.PublicKeyOverlap = 24 * time.Hour
	cfg.Incoming.IP = net.IPv4(192, 0, 2, 7)
	if mutate != nil {
		mutate(cfg)
	}

	kr, err := Open(cfg, filepath.Join(dir, "keys"), filepath.Join(dir, "work", "hashlogs"), log.Logger{})
	require.NoError(t, err)
	require.NoError(t, savePrivateKey(filepath.Join(kr.KeyDir, identityKeyFile), testIdentity.key))
	return kr
}

func TestKeyringCreateKeysAsNeeded(t *testing.T) {
	kr := newTestKeyring(t, nil)
	now := time.Now()

	require.NoError(t, kr.CreateKeysAsNeeded(now))
	sets := kr.KeySets()
	require.GreaterOrEqual(t, len(sets), 2)

	// The first set starts at the surrounding midnight (the previous
	// one, except within a minute of the next), and together they
	// cover the prepublication window.
	assert.False(t, sets[0].ValidAfter().After(now.Add(2*time.Minute)))
	// Coverage is computed from the unrounded clock but slots start at
	// midnight, so it can undershoot now+interval by up to a day.
	covered := now.Add(PrepublicationInterval - 24*time.Hour)
	assert.False(t, sets[len(sets)-1].ValidUntil().Before(covered))

	// Contiguous validity, ascending slot names.
	for i := 1; i < len(sets); i++ {
		assert.True(t, sets[i-1].ValidUntil().Equal(sets[i].ValidAfter()),
			"gap between %s and %s", sets[i-1].Name, sets[i].Name)
		assert.Less(t, sets[i-1].Name, sets[i].Name)
	}

	// Immediately re-running is a no-op: the next keygen is scheduled
	// three days before the last expiry.
	require.NoError(t, kr.CreateKeysAsNeeded(now))
	assert.Len(t, kr.KeySets(), len(sets))

	wantKeygen := sets[len(sets)-1].ValidUntil().Add(-PublicationLatency)
	assert.True(t, kr.NextKeygen().Equal(wantKeygen))
}

func TestKeyringReload(t *testing.T) {
	kr := newTestKeyring(t, nil)
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, kr.CreateKeys(2, start))

	kr2, err := Open(kr.cfg, kr.KeyDir, kr.HashDir, log.Logger{})
	require.NoError(t, err)
	require.Len(t, kr2.KeySets(), 2)

	ks := kr2.KeySets()[0]
	assert.Equal(t, "0001", ks.Name)
	assert.True(t, ks.ValidAfter().Equal(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Aldonza", ks.Info.Server.Nickname)
	assert.False(t, ks.Published)

	key, err := ks.PacketKey()
	require.NoError(t, err)
	assert.Equal(t, sinfo.PacketKeyBytes*8, key.N.BitLen())
}

func TestKeyringSlotReuse(t *testing.T) {
	kr := newTestKeyring(t, nil)
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, kr.CreateKeys(2, start))

	// Only the first set is dead once we are past its expiry plus the
	// overlap grace.
	secondStart := kr.KeySets()[1].ValidAfter()
	now := secondStart.Add(kr.cfg.Server.PublicKeyOverlap).Add(time.Hour)
	require.NoError(t, kr.RemoveDeadKeys(now, func(path string) {
		require.NoError(t, os.Remove(path))
	}))
	require.Len(t, kr.KeySets(), 1)
	assert.Equal(t, "0002", kr.KeySets()[0].Name)

	// The freed low slot is reused, continuing after the newest set.
	require.NoError(t, kr.CreateKeys(1, time.Time{}))
	sets := kr.KeySets()
	require.Len(t, sets, 2)
	assert.Equal(t, "0001", sets[1].Name)
	assert.True(t, sets[1].ValidAfter().Equal(sets[0].ValidUntil()))
}

func TestKeyringRemoveDeadKeys(t *testing.T) {
	kr := newTestKeyring(t, nil)
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, kr.CreateKeys(2, start))
	dirs := []string{kr.KeySets()[0].Dir, kr.KeySets()[1].Dir}

	// Within the overlap grace nothing is removed.
	endOfLast := kr.KeySets()[1].ValidUntil()
	require.NoError(t, kr.RemoveDeadKeys(endOfLast.Add(time.Hour), func(path string) {
		t.Errorf("unexpected shred of %s", path)
	}))
	require.Len(t, kr.KeySets(), 2)

	var shredded []string
	now := endOfLast.Add(kr.cfg.Server.PublicKeyOverlap).Add(time.Hour)
	require.NoError(t, kr.RemoveDeadKeys(now, func(path string) {
		shredded = append(shredded, path)
		require.NoError(t, os.Remove(path))
	}))

	assert.Empty(t, kr.KeySets())
	assert.NotEmpty(t, shredded)
	for _, dir := range dirs {
		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err))
	}
}

func TestKeySetCertificateBracketsValidity(t *testing.T) {
	kr := newTestKeyring(t, nil)
	require.NoError(t, kr.CreateKeys(1, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))
	ks := kr.KeySets()[0]

	raw, err := os.ReadFile(filepath.Join(ks.Dir, mmtpCertFile))
	require.NoError(t, err)

	transportBlock, rest := pem.Decode(raw)
	require.NotNil(t, transportBlock)
	identityBlock, _ := pem.Decode(rest)
	require.NotNil(t, identityBlock)

	transport, err := x509.ParseCertificate(transportBlock.Bytes)
	require.NoError(t, err)
	identity, err := x509.ParseCertificate(identityBlock.Bytes)
	require.NoError(t, err)

	assert.False(t, transport.NotBefore.After(ks.ValidAfter().Add(-CertSloppiness)))
	assert.False(t, transport.NotAfter.Before(ks.ValidUntil().Add(CertSloppiness)))

	// The transport certificate chains to the identity.
	roots := x509.NewCertPool()
	roots.AddCert(identity)
	_, err = transport.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: ks.ValidAfter().Add(time.Hour),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	assert.NoError(t, err)

	_, err = ks.TransportCertificate()
	assert.NoError(t, err)
}

type captureInstaller struct {
	keys []packet.KeySet
	cert *KeySet
}

func (c *captureInstaller) SetProcessorKeys(keys []packet.KeySet) error {
	c.keys = keys
	return nil
}

func (c *captureInstaller) SetTransportCredentials(ks *KeySet) error {
	c.cert = ks
	return nil
}

func TestKeyringUpdateKeys(t *testing.T) {
	kr := newTestKeyring(t, nil)
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, kr.CreateKeys(2, start))
	first, second := kr.KeySets()[0], kr.KeySets()[1]

	// Mid-validity of the first set only it is live.
	inst := &captureInstaller{}
	require.NoError(t, kr.UpdateKeys(first.ValidAfter().Add(24*time.Hour), inst))
	require.Len(t, inst.keys, 1)
	assert.Equal(t, first.Name, inst.keys[0].Name)
	assert.Equal(t, first.Name, inst.cert.Name)

	// During the overlap both decrypt, the newest serves the transport.
	// The replay log of the first set stays the same open handle.
	firstLog := inst.keys[0].ReplayLog
	inst = &captureInstaller{}
	require.NoError(t, kr.UpdateKeys(second.ValidAfter().Add(time.Hour), inst))
	require.Len(t, inst.keys, 2)
	assert.Equal(t, second.Name, inst.cert.Name)
	assert.Same(t, firstLog, inst.keys[0].ReplayLog)

	// Nothing live far in the future.
	err := kr.UpdateKeys(second.ValidUntil().Add(48*time.Hour), &captureInstaller{})
	assert.Error(t, err)
	require.NoError(t, kr.Close())
}

func TestKeyringNextKeyRotation(t *testing.T) {
	kr := newTestKeyring(t, nil)
	start := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, kr.CreateKeys(2, start))
	first, second := kr.KeySets()[0], kr.KeySets()[1]

	// Mid-validity of the first set, the next rotation is the second
	// set going live.
	now := first.ValidAfter().Add(time.Hour)
	assert.True(t, kr.NextKeyRotation(now).Equal(second.ValidAfter()))

	// Just after the second goes live, the first falling out of its
	// overlap grace comes first.
	now = second.ValidAfter().Add(time.Hour)
	firstDeath := first.ValidUntil().Add(kr.cfg.Server.PublicKeyOverlap)
	assert.True(t, kr.NextKeyRotation(now).Equal(firstDeath))
}

func TestKeySetPublish(t *testing.T) {
	kr := newTestKeyring(t, nil)
	require.NoError(t, kr.CreateKeys(1, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))
	ks := kr.KeySets()[0]

	var uploads int
	var status string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploads++
		desc := r.FormValue("desc")
		if _, err := sinfo.Parse([]byte(desc), log.Logger{}); err != nil {
			t.Errorf("uploaded descriptor does not parse: %v", err)
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(status))
	}))
	defer srv.Close()

	status = "Status: 0\nMessage: try again later\n"
	assert.Equal(t, PublishRejected, ks.Publish(srv.Client(), srv.URL))
	assert.False(t, ks.Published)
	_, err := os.Stat(filepath.Join(ks.Dir, publishedFile))
	assert.True(t, os.IsNotExist(err))

	status = "Status: 1\nMessage: accepted\n"
	assert.Equal(t, PublishAccepted, ks.Publish(srv.Client(), srv.URL))
	assert.True(t, ks.Published)
	_, err = os.Stat(filepath.Join(ks.Dir, publishedFile))
	assert.NoError(t, err)

	// The publication marker survives a reload and suppresses
	// re-upload.
	kr2, err := Open(kr.cfg, kr.KeyDir, kr.HashDir, log.Logger{})
	require.NoError(t, err)
	require.True(t, kr2.KeySets()[0].Published)
	before := uploads
	assert.True(t, kr2.PublishKeys(srv.Client(), srv.URL, false))
	assert.Equal(t, before, uploads)

	// Garbage replies are upload errors, not rejections.
	status = "internal error"
	require.NoError(t, ks.MarkAsUnpublished())
	assert.Equal(t, PublishError, ks.Publish(srv.Client(), srv.URL))
	assert.False(t, kr.PublishKeys(srv.Client(), srv.URL, false))
}

func TestRegenerateDescriptors(t *testing.T) {
	kr := newTestKeyring(t, nil)
	require.NoError(t, kr.CreateKeys(1, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))
	ks := kr.KeySets()[0]
	require.NoError(t, ks.markAsPublished(time.Now()))
	oldKey := ks.Info.Server.PacketKey
	oldWindow := []time.Time{ks.ValidAfter(), ks.ValidUntil()}

	// The operator changes an advertised setting and regenerates.
	kr.cfg.Server.Contact = "new-ops@example.net"
	require.NoError(t, kr.RegenerateDescriptors())

	ks2 := kr.KeySets()[0]
	assert.Equal(t, "new-ops@example.net", ks2.Info.Server.Contact)
	// Same keys, same validity window, publication marker gone.
	assert.Equal(t, oldKey.N, ks2.Info.Server.PacketKey.N)
	assert.True(t, ks2.ValidAfter().Equal(oldWindow[0]))
	assert.True(t, ks2.ValidUntil().Equal(oldWindow[1]))
	assert.False(t, ks2.Published)
}

func TestKeyringIdentityPersists(t *testing.T) {
	kr := newTestKeyring(t, nil)
	key, err := kr.Identity()
	require.NoError(t, err)

	kr2, err := Open(kr.cfg, kr.KeyDir, kr.HashDir, log.Logger{})
	require.NoError(t, err)
	key2, err := kr2.Identity()
	require.NoError(t, err)
	assert.Equal(t, key.N, key2.N)
}

func TestLoadPrivateKeyRejectsLaxPermissions(t *testing.T) {
	dir := t.TempDir()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	path := filepath.Join(dir, "loose.key")
	require.NoError(t, savePrivateKey(path, key))
	require.NoError(t, os.Chmod(path, 0644))

	_, err = loadPrivateKey(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accessible")
}

func TestCheckDescriptorConsistency(t *testing.T) {
	kr := newTestKeyring(t, nil)
	require.NoError(t, kr.CreateKeys(1, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))
	info := kr.KeySets()[0].Info

	assert.Zero(t, CheckDescriptorConsistency(info, kr.cfg, log.Logger{}))

	changed := *kr.cfg
	changed.Server.Nickname = "Quijana"
	changed.Incoming.Port = 48100
	assert.Equal(t, 2, CheckDescriptorConsistency(info, &changed, log.Logger{}))
}
