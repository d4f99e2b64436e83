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

// Package hashlog tracks digests of packets already processed under a
// given key, so a replayed packet is recognized and dropped.
//
// Writes go to an append-only journal first and are folded into the
// bbolt database on Sync. A crash between Add and Sync loses nothing:
// the journal is replayed on the next Open.
package hashlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DigestLen is the length of the packet digests stored in the log.
const DigestLen = 20

// JournalSuffix is appended to the log path to name the journal file.
const JournalSuffix = "_jrnl"

var hashBucket = []byte("hashes")

// Log is a persistent replay log. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	db      *bolt.DB
	journal *os.File
	pending map[[DigestLen]byte]struct{}
}

// Open opens (creating if needed) the replay log at path and replays
// its journal, if one was left behind by a crash.
func Open(path string) (*Log, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("hashlog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hashBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("hashlog: init %s: %w", path, err)
	}

	journal, err := os.OpenFile(path+JournalSuffix, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("hashlog: open journal: %w", err)
	}

	l := &Log{
		db:      db,
		journal: journal,
		pending: map[[DigestLen]byte]struct{}{},
	}
	if err := l.replayJournal(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) replayJournal() error {
	if _, err := l.journal.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("hashlog: journal seek: %w", err)
	}
	var h [DigestLen]byte
	for {
		_, err := io.ReadFull(l.journal, h[:])
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Torn write at the tail. The packet it belonged to was
			// never acknowledged, so dropping it is safe.
			break
		}
		if err != nil {
			return fmt.Errorf("hashlog: journal read: %w", err)
		}
		l.pending[h] = struct{}{}
	}
	if _, err := l.journal.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("hashlog: journal seek: %w", err)
	}
	return nil
}

// Add records a digest. The journal write is synced before Add returns
// so an acknowledged packet can never be replayed across a crash.
func (l *Log) Add(digest []byte) error {
	var h [DigestLen]byte
	copy(h[:], digest)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[h]; ok {
		return nil
	}
	if _, err := l.journal.Write(h[:]); err != nil {
		return fmt.Errorf("hashlog: journal write: %w", err)
	}
	if err := l.journal.Sync(); err != nil {
		return fmt.Errorf("hashlog: journal sync: %w", err)
	}
	l.pending[h] = struct{}{}
	return nil
}

// Contains reports whether the digest was ever added.
func (l *Log) Contains(digest []byte) bool {
	var h [DigestLen]byte
	copy(h[:], digest)

	l.mu.Lock()
	if _, ok := l.pending[h]; ok {
		l.mu.Unlock()
		return true
	}
	l.mu.Unlock()

	found := false
	l.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(hashBucket).Get(h[:]) != nil
		return nil
	})
	return found
}

// Sync folds journaled digests into the database and truncates the
// journal.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return nil
	}
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(hashBucket)
		for h := range l.pending {
			if err := b.Put(h[:], []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("hashlog: sync: %w", err)
	}

	if err := l.journal.Truncate(0); err != nil {
		return fmt.Errorf("hashlog: journal truncate: %w", err)
	}
	if _, err := l.journal.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("hashlog: journal seek: %w", err)
	}
	l.pending = map[[DigestLen]byte]struct{}{}
	return nil
}

// Count returns the number of digests in the log, journaled ones
// included.
func (l *Log) Count() (int, error) {
	l.mu.Lock()
	pending := len(l.pending)
	l.mu.Unlock()

	n := 0
	err := l.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(hashBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n + pending, nil
}

// Close syncs outstanding entries and releases the files.
func (l *Log) Close() error {
	syncErr := l.Sync()

	l.mu.Lock()
	defer l.mu.Unlock()

	jErr := l.journal.Close()
	dbErr := l.db.Close()

	if syncErr != nil {
		return syncErr
	}
	if jErr != nil {
		return jErr
	}
	return dbErr
}
