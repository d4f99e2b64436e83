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
	"errors"
	"fmt"
	"io/fs"
	"runtime/debug"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
)

// IncomingQueue spools received ciphertext packets until the processing
// thread unwraps them.
type IncomingQueue struct {
	store *Store
	Log   log.Logger
}

// OpenIncoming opens the incoming spool at dir.
func OpenIncoming(dir string, l log.Logger) (*IncomingQueue, error) {
	store, err := OpenStore("incoming", dir, l)
	if err != nil {
		return nil, err
	}
	return &IncomingQueue{store: store, Log: l}, nil
}

// Enqueue persists a received packet and returns its handle. The write
// is atomic: a crash leaves either a complete entry or nothing.
func (q *IncomingQueue) Enqueue(data []byte) (string, error) {
	return q.store.Insert(data)
}

// Handles lists spooled packets, for start-up requeueing.
func (q *IncomingQueue) Handles() ([]string, error) {
	return q.store.Handles()
}

// Store exposes the underlying spool for tombstone sweeps.
func (q *IncomingQueue) Store() *Store {
	return q.store
}

// ProcessEntry unwraps one spooled packet and routes the outcome:
//
//   - padding is deleted silently
//   - relay and exit results go to the mix pool, then the spool entry
//     is deleted (the processor has committed the replay digest by the
//     time it returns, so a crash between the two at worst reprocesses
//     the entry into a replay drop)
//   - malformed and undecryptable packets are logged and deleted
//   - a panic in the unwrap engine is logged with a stack trace and the
//     entry deleted
//
// Only spool I/O failures are returned; per-packet failures never
// propagate.
func (q *IncomingQueue) ProcessEntry(handle string, proc packet.Processor, pool *MixPool) error {
	data, err := q.store.Load(handle)
	if err != nil {
		// Handles can be posted more than once (startup requeue racing
		// a job already in flight); a gone entry was already handled.
		if errors.Is(err, fs.ErrNotExist) {
			q.Log.Debugf("entry %v gone before processing, skipped", handle)
			return nil
		}
		return err
	}

	res, err := q.processPacket(proc, packet.Packet(data))
	switch {
	case err == nil && res == nil:
		packetsProcessed.WithLabelValues("padding").Inc()
		return q.store.Remove(handle)

	case err == nil && res.Relay != nil:
		if _, err := pool.Add(&Entry{Tag: TagRelay, Relay: res.Relay}); err != nil {
			return err
		}
		packetsProcessed.WithLabelValues("relay").Inc()
		return q.store.Remove(handle)

	case err == nil && res.Delivery != nil:
		if _, err := pool.Add(&Entry{Tag: TagExit, Exit: res.Delivery}); err != nil {
			return err
		}
		packetsProcessed.WithLabelValues("exit").Inc()
		return q.store.Remove(handle)

	case err == nil:
		// A Result with neither arm set is an engine bug; treat it
		// like any other invalid packet.
		q.Log.Msg("dropping packet with empty unwrap result", "handle", handle)
		packetsProcessed.WithLabelValues("invalid").Inc()
		return q.store.Remove(handle)

	case packet.IsDroppable(err):
		q.Log.Error("dropping packet", err, "handle", handle)
		packetsProcessed.WithLabelValues("invalid").Inc()
		return q.store.Remove(handle)

	default:
		q.Log.Error("unexpected failure processing packet", err, "handle", handle)
		packetsProcessed.WithLabelValues("error").Inc()
		return q.store.Remove(handle)
	}
}

func (q *IncomingQueue) processPacket(proc packet.Processor, p packet.Packet) (res *packet.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: unwrap panic: %v\n%s", r, debug.Stack())
			res = nil
		}
	}()
	return proc.Process(p)
}
