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

package server

import (
	"container/heap"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/sconf"
)

func TestEventHeapOrder(t *testing.T) {
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	var h eventHeap
	heap.Init(&h)
	h.schedule(base.Add(30*time.Minute), eventMix)
	h.schedule(base.Add(5*time.Minute), eventTimeout)
	h.schedule(base.Add(10*time.Minute), eventShred)

	assert.Equal(t, eventTimeout, h.next().kind)
	assert.Equal(t, eventTimeout, h.pop().kind)
	assert.Equal(t, eventShred, h.pop().kind)
	assert.Equal(t, eventMix, h.pop().kind)
	assert.Zero(t, h.Len())
}

func TestSecureDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(path, []byte("packet bytes"), 0600))

	SecureDelete(path, log.Logger{})
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// A second pass over the same path must not fail.
	SecureDelete(path, log.Logger{})
}

// fakeEngine unwraps every packet to the same delivery result.
type fakeEngine struct {
	result *packet.Result
}

func (f *fakeEngine) Process(p packet.Packet) (*packet.Result, error) { return f.result, nil }
func (f *fakeEngine) SetKeys(keys []packet.KeySet)                    {}
func (f *fakeEngine) SyncLogs() error                                 { return nil }
func (f *fakeEngine) Close() error                                    { return nil }

func testServerConfig(t *testing.T) *sconf.Config {
	dir := t.TempDir()
	cfg := sconf.Default()
	cfg.Server.Nickname = "Testing"
	cfg.Server.Homedir = dir
	cfg.Server.PublicKeyLifetime = 14 * 24 * time.Hour
	cfg.Server.MixInterval = 100 * time.Millisecond
	cfg.Server.MixAlgorithm = sconf.MixTimed
	cfg.Incoming.Enabled = false
	cfg.MBOX.Enabled = true
	cfg.MBOX.MailboxDir = filepath.Join(dir, "mbox")
	return cfg
}

func TestServerLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("generates RSA keys")
	}

	cfg := testServerConfig(t)
	engine := &fakeEngine{
		result: &packet.Result{
			Delivery: &packet.DeliveryPacket{
				Type:    "mbox",
				Address: "alice",
				Payload: []byte("mixed payload\n"),
			},
		},
	}

	srv, err := New(cfg, engine, log.Logger{})
	require.NoError(t, err)

	// The home is exclusively locked and the pid file written.
	pid, err := os.ReadFile(filepath.Join(cfg.Server.Homedir, pidFile))
	require.NoError(t, err)
	assert.Regexp(t, `^\d+\n$`, string(pid))

	second := flock.New(filepath.Join(cfg.Server.Homedir, lockFile))
	locked, err := second.TryLock()
	require.NoError(t, err)
	assert.False(t, locked, "home lock must be exclusive")

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()

	// Inject a packet as if the transport had received it; it should
	// travel incoming spool -> mix pool -> exit dispatcher -> mbox.
	srv.onReceived(make(packet.Packet, 64))

	mboxPath := filepath.Join(cfg.MBOX.MailboxDir, "alice")
	deadline := time.Now().Add(15 * time.Second)
	for {
		if b, err := os.ReadFile(mboxPath); err == nil {
			assert.Contains(t, string(b), "mixed payload")
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("payload never reached the mbox file")
		}
		time.Sleep(20 * time.Millisecond)
	}

	srv.stopping.Store(true)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	// Shutdown released the pid file and the lock.
	_, err = os.Stat(filepath.Join(cfg.Server.Homedir, pidFile))
	assert.True(t, os.IsNotExist(err))
	locked, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, locked)
	second.Unlock()
}

func TestServerRefusesDoubleStart(t *testing.T) {
	if testing.Short() {
		t.Skip("generates RSA keys")
	}

	cfg := testServerConfig(t)
	engine := &fakeEngine{}

	srv, err := New(cfg, engine, log.Logger{})
	require.NoError(t, err)
	defer srv.Close()

	_, err = New(cfg, engine, log.Logger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked by another running instance")
}
