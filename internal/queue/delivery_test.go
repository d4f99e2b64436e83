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
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
)

var testSchedule = []time.Duration{60 * time.Second, 300 * time.Second, 3600 * time.Second}

func newTestDelivery(t *testing.T) *DeliveryQueue {
	t.Helper()
	q, err := OpenDelivery(filepath.Join(t.TempDir(), "outgoing"), testSchedule, log.Logger{})
	require.NoError(t, err)
	return q
}

func addOutgoing(t *testing.T, q *DeliveryQueue, host string, payload string) string {
	t.Helper()
	b, err := json.Marshal(&Entry{Tag: TagRelay, Relay: &packet.RelayedPacket{
		Address: packet.RelayAddress{Hostname: host, Port: 48099},
		Packet:  []byte(payload),
	}})
	require.NoError(t, err)
	handle, err := q.Store().Insert(b)
	require.NoError(t, err)
	return handle
}

func collectReady(t *testing.T, q *DeliveryQueue, now time.Time) map[string][]Pending {
	t.Helper()
	got := map[string][]Pending{}
	require.NoError(t, q.SendReady(now, func(addr packet.RelayAddress, batch []Pending) {
		got[addr.String()] = batch
	}))
	return got
}

func TestSendReadyGroupsByAddress(t *testing.T) {
	q := newTestDelivery(t)
	now := time.Now()

	addOutgoing(t, q, "a.example.com", "p1")
	addOutgoing(t, q, "a.example.com", "p2")
	addOutgoing(t, q, "b.example.com", "p3")

	got := collectReady(t, q, now)
	require.Len(t, got, 2)
	assert.Len(t, got["a.example.com:48099"], 2)
	assert.Len(t, got["b.example.com:48099"], 1)
}

func TestRetryLadder(t *testing.T) {
	q := newTestDelivery(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	handle := addOutgoing(t, q, "a.example.com", "p1")

	// First attempt fails: rescheduled at now+60s.
	ready := collectReady(t, q, now)
	require.Len(t, ready, 1)
	require.NoError(t, q.DeliveryFailed(handle, true, "connection refused", now))

	assert.Empty(t, collectReady(t, q, now.Add(59*time.Second)))
	ready = collectReady(t, q, now.Add(60*time.Second))
	require.Len(t, ready, 1)

	// Second attempt fails: rescheduled at +300s from the failure.
	fail2 := now.Add(60 * time.Second)
	require.NoError(t, q.DeliveryFailed(handle, true, "connection refused", fail2))
	assert.Empty(t, collectReady(t, q, fail2.Add(299*time.Second)))
	ready = collectReady(t, q, fail2.Add(300*time.Second))
	require.Len(t, ready, 1)

	// Third attempt succeeds: entry is gone.
	require.NoError(t, q.DeliverySucceeded(handle))
	n, err := q.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScheduleExhaustion(t *testing.T) {
	q := newTestDelivery(t)
	now := time.Now()
	handle := addOutgoing(t, q, "a.example.com", "p1")

	for i := 0; i < len(testSchedule); i++ {
		require.NoError(t, q.DeliveryFailed(handle, true, "timeout", now))
	}
	// One more transient failure than the schedule allows: dropped.
	require.NoError(t, q.DeliveryFailed(handle, true, "timeout", now))

	n, err := q.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPermanentFailureDropsImmediately(t *testing.T) {
	q := newTestDelivery(t)
	handle := addOutgoing(t, q, "a.example.com", "p1")

	require.NoError(t, q.DeliveryFailed(handle, false, "no such server", time.Now()))

	n, err := q.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}
