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

// Package modules routes exit packets to delivery modules. Each module
// owns a spool under deliver/ and runs a ready-message cycle with the
// same retry semantics as the outgoing queue.
package modules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/velumlabs/velum/framework/exterrors"
	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/queue"
)

// Module delivers exit payloads of one delivery type.
type Module interface {
	// Type is the delivery-type tag this module serves, e.g. "mbox".
	Type() string

	// Deliver hands one payload to its destination. Failures marked
	// temporary via exterrors are retried; unspecified errors are
	// treated as temporary.
	Deliver(d *packet.DeliveryPacket) error

	Close() error
}

type boundModule struct {
	module Module
	store  *queue.Store
}

type deliveryMeta struct {
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt"`
	LastFailure string    `json:"last_failure,omitempty"`
}

// Manager is the exit dispatcher.
type Manager struct {
	root    string
	retry   []time.Duration
	modules map[string]*boundModule
	Log     log.Logger
}

// NewManager creates a dispatcher rooted at dir (typically
// work/queues/deliver).
func NewManager(dir string, retry []time.Duration, l log.Logger) *Manager {
	return &Manager{
		root:    dir,
		retry:   retry,
		modules: map[string]*boundModule{},
		Log:     l,
	}
}

// Register binds a delivery module and opens its spool.
func (m *Manager) Register(mod Module) error {
	tag := mod.Type()
	if _, dup := m.modules[tag]; dup {
		return fmt.Errorf("modules: duplicate delivery type %q", tag)
	}
	store, err := queue.OpenStore("deliver/"+tag, filepath.Join(m.root, tag), m.Log)
	if err != nil {
		return err
	}
	m.modules[tag] = &boundModule{module: mod, store: store}
	return nil
}

// Types lists the registered delivery-type tags.
func (m *Manager) Types() []string {
	var types []string
	for tag := range m.modules {
		types = append(types, tag)
	}
	return types
}

// QueueDecodedMessage moves a mix pool entry into the spool of the
// module named by its delivery-type tag. An unknown tag drops the
// entry with a warning. The rename is the commit point.
func (m *Manager) QueueDecodedMessage(src *queue.Store, handle string, d *packet.DeliveryPacket) error {
	bound, ok := m.modules[d.Type]
	if !ok {
		m.Log.Msg("dropping exit packet with unknown delivery type", "type", d.Type)
		return src.Remove(handle)
	}
	return src.MoveTo(handle, bound.store)
}

// SendReadyMessages runs one delivery cycle over every module spool.
func (m *Manager) SendReadyMessages(now time.Time) {
	for tag, bound := range m.modules {
		if err := m.sendReady(bound, now); err != nil {
			m.Log.Error("delivery cycle failed", err, "module", tag)
		}
	}
}

func (m *Manager) sendReady(bound *boundModule, now time.Time) error {
	handles, err := bound.store.Handles()
	if err != nil {
		return err
	}

	for _, handle := range handles {
		meta := deliveryMeta{}
		if err := bound.store.Meta(handle, &meta); err != nil && !os.IsNotExist(err) {
			m.Log.Error("unreadable delivery metadata", err, "handle", handle)
			continue
		}
		if meta.NextAttempt.After(now) {
			continue
		}

		d, err := m.loadExit(bound.store, handle)
		if err != nil {
			m.Log.Error("dropping unreadable exit entry", err, "handle", handle)
			if err := bound.store.Remove(handle); err != nil {
				m.Log.Error("tombstoning failed", err, "handle", handle)
			}
			continue
		}

		err = bound.module.Deliver(d)
		if err == nil {
			if err := bound.store.Remove(handle); err != nil {
				return err
			}
			continue
		}

		if !exterrors.IsTemporaryOrUnspec(err) {
			m.Log.Error("dropping undeliverable message", err, "handle", handle)
			if err := bound.store.Remove(handle); err != nil {
				return err
			}
			continue
		}
		if meta.Attempts >= len(m.retry) {
			m.Log.Error("dropping message, retry schedule exhausted", err,
				"handle", handle, "attempts", meta.Attempts)
			if err := bound.store.Remove(handle); err != nil {
				return err
			}
			continue
		}
		meta.NextAttempt = now.Add(m.retry[meta.Attempts])
		meta.Attempts++
		meta.LastFailure = err.Error()
		if err := bound.store.SetMeta(handle, meta); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) loadExit(store *queue.Store, handle string) (*packet.DeliveryPacket, error) {
	b, err := store.Load(handle)
	if err != nil {
		return nil, err
	}
	e := &queue.Entry{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, err
	}
	if e.Exit == nil {
		return nil, fmt.Errorf("modules: entry %s is not an exit packet", handle)
	}
	return e.Exit, nil
}

// SweepTombstones passes every module spool's tombstones to shred.
func (m *Manager) SweepTombstones(shred func(path string)) {
	for tag, bound := range m.modules {
		if err := bound.store.SweepTombstones(shred); err != nil {
			m.Log.Error("tombstone sweep failed", err, "module", tag)
		}
	}
}

// Close shuts down every module.
func (m *Manager) Close() error {
	var last error
	for _, bound := range m.modules {
		if err := bound.module.Close(); err != nil {
			last = err
		}
	}
	return last
}
