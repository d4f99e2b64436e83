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
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"sync"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/sconf"
)

// Entry is one unwrapped packet waiting in the mix pool: either a
// relayed packet bound for the next hop or an exit payload bound for a
// delivery module.
type Entry struct {
	Tag   string                 `json:"tag"`
	Relay *packet.RelayedPacket  `json:"relay,omitempty"`
	Exit  *packet.DeliveryPacket `json:"exit,omitempty"`
}

const (
	TagRelay = "relay"
	TagExit  = "exit"
)

// MixPool is the batching core. Inserts and the per-tick batch
// selection are serialized by the pool lock; the lock is held across
// selection and dispatch so an insert can never land in a half-selected
// batch.
type MixPool struct {
	store *Store

	algorithm sconf.MixAlgorithm
	minPool   int
	sendRate  float64

	mu  sync.Mutex
	rng *mathrand.Rand
	Log log.Logger
}

// NewMixPool opens the pool spool at dir, batching per the configured
// algorithm.
func NewMixPool(dir string, cfg *sconf.ServerConfig, l log.Logger) (*MixPool, error) {
	store, err := OpenStore("mix", dir, l)
	if err != nil {
		return nil, err
	}
	var seed [8]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("queue: mix pool seed: %w", err)
	}
	return &MixPool{
		store:     store,
		algorithm: cfg.MixAlgorithm,
		minPool:   cfg.MixPoolMinSize,
		sendRate:  cfg.MixPoolRate,
		rng:       mathrand.New(mathrand.NewSource(int64(binary.LittleEndian.Uint64(seed[:])))),
		Log:       l,
	}, nil
}

// Add inserts an unwrapped packet into the pool.
func (p *MixPool) Add(e *Entry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("queue: mix pool: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.Insert(b)
}

// Load reads an entry back by handle.
func (p *MixPool) Load(handle string) (*Entry, error) {
	b, err := p.store.Load(handle)
	if err != nil {
		return nil, err
	}
	e := &Entry{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("queue: mix pool %s: %w", handle, err)
	}
	return e, nil
}

// Count returns the current pool size.
func (p *MixPool) Count() (int, error) {
	return p.store.Count()
}

// Store exposes the underlying spool for tombstone sweeps and
// cross-queue moves.
func (p *MixPool) Store() *Store {
	return p.store
}

// Mix runs one tick: selects a batch per the pool algorithm and hands
// each selected entry to dispatch, all under the pool lock. dispatch
// owns moving the entry out of the pool spool; if it fails, the entry
// stays for the next tick. Returns the number of dispatched entries.
func (p *MixPool) Mix(dispatch func(handle string, e *Entry) error) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch, err := p.selectBatch()
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, handle := range batch {
		e, err := p.Load(handle)
		if err != nil {
			p.Log.Error("dropping unreadable mix pool entry", err, "handle", handle)
			if err := p.store.Remove(handle); err != nil {
				p.Log.Error("tombstoning failed", err, "handle", handle)
			}
			continue
		}
		if err := dispatch(handle, e); err != nil {
			p.Log.Error("mix dispatch failed, entry stays pooled", err, "handle", handle)
			continue
		}
		sent++
	}
	mixBatchSize.Observe(float64(sent))
	return sent, nil
}

// selectBatch picks the handles to emit this tick. Selection is
// uniformly random in every algorithm so output order never reflects
// insertion order. Callers must hold the pool lock.
func (p *MixPool) selectBatch() ([]string, error) {
	handles, err := p.store.Handles()
	if err != nil {
		return nil, err
	}
	n := len(handles)
	p.rng.Shuffle(n, func(i, j int) {
		handles[i], handles[j] = handles[j], handles[i]
	})

	switch p.algorithm {
	case sconf.MixTimed:
		return handles, nil

	case sconf.MixCottrell:
		send := 0
		if n > p.minPool {
			send = int(float64(n-p.minPool) * p.sendRate)
		}
		if send > n {
			send = n
		}
		return handles[:send], nil

	case sconf.MixBinomialCottrell:
		prob := 0.0
		if n > p.minPool {
			prob = float64(n-p.minPool) / float64(n) * p.sendRate
		}
		var batch []string
		for _, h := range handles {
			if p.rng.Float64() < prob {
				batch = append(batch, h)
			}
		}
		return batch, nil
	}
	return nil, fmt.Errorf("queue: unknown mix algorithm %v", p.algorithm)
}
