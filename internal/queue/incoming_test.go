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

package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/sconf"
)

// fakeProcessor maps packet contents to canned outcomes.
type fakeProcessor struct {
	results map[string]*packet.Result
	errs    map[string]error
	panics  map[string]bool
}

func (f *fakeProcessor) Process(p packet.Packet) (*packet.Result, error) {
	if f.panics[string(p)] {
		panic("engine bug")
	}
	if err := f.errs[string(p)]; err != nil {
		return nil, err
	}
	return f.results[string(p)], nil
}

func (f *fakeProcessor) SetKeys(keys []packet.KeySet) {}
func (f *fakeProcessor) SyncLogs() error              { return nil }
func (f *fakeProcessor) Close() error                 { return nil }

func newTestIncoming(t *testing.T) (*IncomingQueue, *MixPool) {
	t.Helper()
	q, err := OpenIncoming(filepath.Join(t.TempDir(), "incoming"), log.Logger{})
	require.NoError(t, err)

	cfg := sconf.Default()
	pool, err := NewMixPool(filepath.Join(t.TempDir(), "mix"), &cfg.Server, log.Logger{})
	require.NoError(t, err)
	return q, pool
}

func TestProcessEntryOutcomes(t *testing.T) {
	q, pool := newTestIncoming(t)

	proc := &fakeProcessor{
		results: map[string]*packet.Result{
			"relay-pkt": {Relay: &packet.RelayedPacket{
				Address: packet.RelayAddress{Hostname: "next.example.com", Port: 48099},
				Packet:  []byte("forwarded"),
			}},
			"exit-pkt": {Delivery: &packet.DeliveryPacket{
				Type:    "mbox",
				Address: "alice",
				Payload: []byte("hello"),
			}},
			"padding-pkt": nil,
		},
		errs: map[string]error{
			"garbage-pkt": &packet.CryptoError{Msg: "digest mismatch"},
		},
		panics: map[string]bool{"evil-pkt": true},
	}

	for _, data := range []string{"relay-pkt", "exit-pkt", "padding-pkt", "garbage-pkt", "evil-pkt"} {
		handle, err := q.Enqueue([]byte(data))
		require.NoError(t, err)
		// Per-packet failures must never surface as errors.
		require.NoError(t, q.ProcessEntry(handle, proc, pool))
	}

	// The incoming spool is drained in every case.
	handles, err := q.Handles()
	require.NoError(t, err)
	assert.Empty(t, handles)

	// Only relay and exit results reached the pool.
	n, err := pool.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	poolHandles, err := pool.Store().Handles()
	require.NoError(t, err)
	tags := map[string]int{}
	for _, h := range poolHandles {
		e, err := pool.Load(h)
		require.NoError(t, err)
		tags[e.Tag]++
	}
	assert.Equal(t, map[string]int{TagRelay: 1, TagExit: 1}, tags)
}

func TestStartupRequeue(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "incoming")

	q, err := OpenIncoming(dir, log.Logger{})
	require.NoError(t, err)
	_, err = q.Enqueue([]byte("survives"))
	require.NoError(t, err)

	// Reopen, as a restart would.
	q2, err := OpenIncoming(dir, log.Logger{})
	require.NoError(t, err)
	handles, err := q2.Handles()
	require.NoError(t, err)
	require.Len(t, handles, 1)

	data, err := q2.Store().Load(handles[0])
	require.NoError(t, err)
	assert.Equal(t, "survives", string(data))
}
