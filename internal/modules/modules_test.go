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

package modules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumlabs/velum/framework/exterrors"
	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/queue"
)

type fakeModule struct {
	tag       string
	delivered []*packet.DeliveryPacket
	failures  int
	permanent bool
}

func (f *fakeModule) Type() string { return f.tag }

func (f *fakeModule) Deliver(d *packet.DeliveryPacket) error {
	if f.failures > 0 {
		f.failures--
		return exterrors.WithTemporary(fmt.Errorf("down"), !f.permanent)
	}
	f.delivered = append(f.delivered, d)
	return nil
}

func (f *fakeModule) Close() error { return nil }

func newTestManager(t *testing.T, retry []time.Duration, mods ...Module) (*Manager, *queue.Store) {
	t.Helper()
	m := NewManager(filepath.Join(t.TempDir(), "deliver"), retry, log.Logger{})
	for _, mod := range mods {
		require.NoError(t, m.Register(mod))
	}
	src, err := queue.OpenStore("mix", filepath.Join(t.TempDir(), "mix"), log.Logger{})
	require.NoError(t, err)
	return m, src
}

func addExit(t *testing.T, src *queue.Store, typ, addr, payload string) (string, *packet.DeliveryPacket) {
	t.Helper()
	d := &packet.DeliveryPacket{Type: typ, Address: addr, Payload: []byte(payload)}
	b, err := json.Marshal(&queue.Entry{Tag: queue.TagExit, Exit: d})
	require.NoError(t, err)
	handle, err := src.Insert(b)
	require.NoError(t, err)
	return handle, d
}

func TestDispatchByTag(t *testing.T) {
	mbox := &fakeModule{tag: "mbox"}
	m, src := newTestManager(t, nil, mbox)

	handle, d := addExit(t, src, "mbox", "alice", "hi")
	require.NoError(t, m.QueueDecodedMessage(src, handle, d))

	// The entry left the source spool.
	n, err := src.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	m.SendReadyMessages(time.Now())
	require.Len(t, mbox.delivered, 1)
	assert.Equal(t, "alice", mbox.delivered[0].Address)
	assert.Equal(t, "hi", string(mbox.delivered[0].Payload))
}

func TestDispatchUnknownTagDrops(t *testing.T) {
	m, src := newTestManager(t, nil, &fakeModule{tag: "mbox"})

	handle, d := addExit(t, src, "pigeon", "coop", "hi")
	require.NoError(t, m.QueueDecodedMessage(src, handle, d))

	n, err := src.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliveryRetry(t *testing.T) {
	mod := &fakeModule{tag: "mbox", failures: 2}
	retry := []time.Duration{time.Minute, time.Hour}
	m, src := newTestManager(t, retry, mod)

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	handle, d := addExit(t, src, "mbox", "alice", "hi")
	require.NoError(t, m.QueueDecodedMessage(src, handle, d))

	m.SendReadyMessages(now)
	assert.Empty(t, mod.delivered)

	// Before the backoff expires nothing happens.
	m.SendReadyMessages(now.Add(30 * time.Second))
	assert.Empty(t, mod.delivered)

	m.SendReadyMessages(now.Add(time.Minute))
	assert.Empty(t, mod.delivered)

	m.SendReadyMessages(now.Add(time.Minute).Add(time.Hour))
	assert.Len(t, mod.delivered, 1)
}

func TestPermanentFailureDrops(t *testing.T) {
	mod := &fakeModule{tag: "mbox", failures: 100, permanent: true}
	m, src := newTestManager(t, []time.Duration{time.Minute}, mod)

	handle, d := addExit(t, src, "mbox", "alice", "hi")
	require.NoError(t, m.QueueDecodedMessage(src, handle, d))

	m.SendReadyMessages(time.Now())
	m.SendReadyMessages(time.Now())
	assert.Empty(t, mod.delivered)

	// Entry is gone, not retried forever.
	var swept []string
	m.SweepTombstones(func(path string) { swept = append(swept, path) })
	assert.NotEmpty(t, swept)
}

func TestMBOXDeliver(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mboxes")
	mbox, err := NewMBOX(dir, log.Logger{})
	require.NoError(t, err)

	require.NoError(t, mbox.Deliver(&packet.DeliveryPacket{
		Type: "mbox", Address: "alice", Payload: []byte("first"),
	}))
	require.NoError(t, mbox.Deliver(&packet.DeliveryPacket{
		Type: "mbox", Address: "alice", Payload: []byte("second"),
	}))

	b, err := os.ReadFile(filepath.Join(dir, "alice"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "first\n")
	assert.Contains(t, string(b), "second\n")

	// Path escapes are rejected permanently.
	err = mbox.Deliver(&packet.DeliveryPacket{Type: "mbox", Address: "../evil", Payload: []byte("x")})
	require.Error(t, err)
	assert.False(t, exterrors.IsTemporaryOrUnspec(err))
}
