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

// Package queue implements the durable packet pipeline: the incoming
// spool, the batching mix pool and the retrying outgoing queue. Every
// queue owns a spool directory of handle-named files; cross-queue
// transfer is a rename, so an entry exists in exactly one queue at any
// point, crashes included.
package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/velumlabs/velum/framework/log"
)

const (
	msgPrefix     = "msg_"
	removedPrefix = "rmv_"
	metaPrefix    = "meta_"
)

// Store is a directory of handle-named entry files. Entries are written
// atomically (temporary name, fsync, rename). Removal renames the entry
// to a tombstone; the actual overwrite-and-unlink happens later, on the
// cleaning thread.
type Store struct {
	// Name labels the queue in logs and metrics.
	Name string
	Dir  string

	mu  sync.Mutex
	Log log.Logger
}

// OpenStore opens (creating if needed) the spool directory at dir.
func OpenStore(name, dir string, l log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	s := &Store{Name: name, Dir: dir, Log: l}
	if n, err := s.Count(); err == nil {
		queueLength.WithLabelValues(name).Set(float64(n))
	}
	return s, nil
}

func (s *Store) entryPath(handle string) string {
	return filepath.Join(s.Dir, msgPrefix+handle)
}

func (s *Store) metaPath(handle string) string {
	return filepath.Join(s.Dir, metaPrefix+handle)
}

// Insert atomically persists data under a fresh handle.
func (s *Store) Insert(data []byte) (string, error) {
	handle := uuid.New().String()
	if err := renameio.WriteFile(s.entryPath(handle), data, 0600); err != nil {
		return "", fmt.Errorf("queue: insert: %w", err)
	}
	queueLength.WithLabelValues(s.Name).Inc()
	return handle, nil
}

// Load reads an entry back.
func (s *Store) Load(handle string) ([]byte, error) {
	b, err := os.ReadFile(s.entryPath(handle))
	if err != nil {
		return nil, fmt.Errorf("queue: load %s: %w", handle, err)
	}
	return b, nil
}

// Remove retires an entry (and its metadata, if any) to tombstones.
func (s *Store) Remove(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Rename(s.entryPath(handle), filepath.Join(s.Dir, removedPrefix+handle))
	if err != nil {
		return fmt.Errorf("queue: remove %s: %w", handle, err)
	}
	metaErr := os.Rename(s.metaPath(handle), filepath.Join(s.Dir, removedPrefix+metaPrefix+handle))
	if metaErr != nil && !os.IsNotExist(metaErr) {
		return fmt.Errorf("queue: remove %s: %w", handle, metaErr)
	}
	queueLength.WithLabelValues(s.Name).Dec()
	return nil
}

// MoveTo transfers an entry into another store, keeping its handle. The
// rename is the commit point: after it, the entry belongs to dst.
// Metadata does not follow the entry.
func (s *Store) MoveTo(handle string, dst *Store) error {
	if err := os.Rename(s.entryPath(handle), dst.entryPath(handle)); err != nil {
		return fmt.Errorf("queue: move %s: %w", handle, err)
	}
	if err := os.Remove(s.metaPath(handle)); err != nil && !os.IsNotExist(err) {
		s.Log.Error("orphaned metadata file", err, "handle", handle)
	}
	queueLength.WithLabelValues(s.Name).Dec()
	queueLength.WithLabelValues(dst.Name).Inc()
	return nil
}

// SetMeta atomically persists JSON metadata next to an entry.
func (s *Store) SetMeta(handle string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: meta %s: %w", handle, err)
	}
	if err := renameio.WriteFile(s.metaPath(handle), b, 0600); err != nil {
		return fmt.Errorf("queue: meta %s: %w", handle, err)
	}
	return nil
}

// Meta loads an entry's metadata. Reports os.IsNotExist-able error when
// the entry has none.
func (s *Store) Meta(handle string, v interface{}) error {
	b, err := os.ReadFile(s.metaPath(handle))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("queue: meta %s: %w", handle, err)
	}
	return nil
}

// Handles lists every live entry, in no particular order.
func (s *Store) Handles() ([]string, error) {
	ents, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	var handles []string
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), msgPrefix) {
			handles = append(handles, strings.TrimPrefix(e.Name(), msgPrefix))
		}
	}
	return handles, nil
}

// Count returns the number of live entries.
func (s *Store) Count() (int, error) {
	handles, err := s.Handles()
	if err != nil {
		return 0, err
	}
	return len(handles), nil
}

// SweepTombstones hands every tombstone and leftover temporary file to
// shred, typically the cleaning thread's channel.
func (s *Store) SweepTombstones(shred func(path string)) error {
	ents, err := os.ReadDir(s.Dir)
	if err != nil {
		return fmt.Errorf("queue: sweep: %w", err)
	}
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, removedPrefix) || strings.HasPrefix(name, ".") {
			shred(filepath.Join(s.Dir, name))
		}
	}
	return nil
}
