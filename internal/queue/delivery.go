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
	"fmt"
	"os"
	"time"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
)

// deliveryMeta tracks retry state of one outgoing entry. Entries
// without a metadata file (fresh moves from the mix pool) are pending
// with zero attempts.
type deliveryMeta struct {
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt"`
	LastFailure string    `json:"last_failure,omitempty"`
}

// Pending is one entry due for delivery.
type Pending struct {
	Handle  string
	Address packet.RelayAddress
	Packet  packet.Packet
}

// DeliveryQueue spools relayed packets awaiting transmission and
// retries them on a fixed schedule. An entry that exhausts the schedule
// or fails permanently is dropped.
type DeliveryQueue struct {
	store *Store
	retry []time.Duration
	Log   log.Logger
}

// OpenDelivery opens the outgoing spool at dir with the given retry
// schedule.
func OpenDelivery(dir string, retry []time.Duration, l log.Logger) (*DeliveryQueue, error) {
	store, err := OpenStore("outgoing", dir, l)
	if err != nil {
		return nil, err
	}
	return &DeliveryQueue{store: store, retry: retry, Log: l}, nil
}

// Store exposes the underlying spool so the mix pool can rename entries
// directly into it.
func (q *DeliveryQueue) Store() *Store {
	return q.store
}

// Count returns the number of spooled entries.
func (q *DeliveryQueue) Count() (int, error) {
	return q.store.Count()
}

func (q *DeliveryQueue) loadEntry(handle string) (*Entry, error) {
	b, err := q.store.Load(handle)
	if err != nil {
		return nil, err
	}
	e := &Entry{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("queue: outgoing %s: %w", handle, err)
	}
	if e.Relay == nil {
		return nil, fmt.Errorf("queue: outgoing %s: entry is not a relayed packet", handle)
	}
	return e, nil
}

// SendReady collects entries due at now, groups them by next-hop
// address and hands each group to deliver as one batch. deliver
// reports per-entry results through DeliverySucceeded and
// DeliveryFailed, possibly asynchronously.
func (q *DeliveryQueue) SendReady(now time.Time, deliver func(addr packet.RelayAddress, batch []Pending)) error {
	handles, err := q.store.Handles()
	if err != nil {
		return err
	}

	byAddr := map[string][]Pending{}
	for _, handle := range handles {
		meta := deliveryMeta{}
		if err := q.store.Meta(handle, &meta); err != nil && !os.IsNotExist(err) {
			q.Log.Error("unreadable delivery metadata", err, "handle", handle)
			continue
		}
		if meta.NextAttempt.After(now) {
			continue
		}

		e, err := q.loadEntry(handle)
		if err != nil {
			q.Log.Error("dropping unreadable outgoing entry", err, "handle", handle)
			if err := q.store.Remove(handle); err != nil {
				q.Log.Error("tombstoning failed", err, "handle", handle)
			}
			continue
		}
		key := e.Relay.Address.String()
		byAddr[key] = append(byAddr[key], Pending{
			Handle:  handle,
			Address: e.Relay.Address,
			Packet:  e.Relay.Packet,
		})
	}

	for _, batch := range byAddr {
		deliver(batch[0].Address, batch)
	}
	return nil
}

// DeliverySucceeded removes a delivered entry.
func (q *DeliveryQueue) DeliverySucceeded(handle string) error {
	deliveryResults.WithLabelValues("ok").Inc()
	return q.store.Remove(handle)
}

// DeliveryFailed reschedules an entry after a transient failure, or
// drops it on a permanent failure or an exhausted schedule.
func (q *DeliveryQueue) DeliveryFailed(handle string, retriable bool, cause string, now time.Time) error {
	meta := deliveryMeta{}
	if err := q.store.Meta(handle, &meta); err != nil && !os.IsNotExist(err) {
		return err
	}

	if !retriable {
		q.Log.Msg("dropping undeliverable packet", "handle", handle, "cause", cause)
		deliveryResults.WithLabelValues("permanent_fail").Inc()
		return q.store.Remove(handle)
	}
	if meta.Attempts >= len(q.retry) {
		q.Log.Msg("dropping packet, retry schedule exhausted",
			"handle", handle, "attempts", meta.Attempts, "cause", cause)
		deliveryResults.WithLabelValues("exhausted").Inc()
		return q.store.Remove(handle)
	}

	meta.NextAttempt = now.Add(q.retry[meta.Attempts])
	meta.Attempts++
	meta.LastFailure = cause
	deliveryResults.WithLabelValues("retry").Inc()
	return q.store.SetMeta(handle, meta)
}
