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

package serverkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/hashlog"
	"github.com/velumlabs/velum/internal/packet"
	"github.com/velumlabs/velum/internal/sconf"
)

const (
	keyDirPrefix    = "key_"
	identityKeyFile = "identity.key"

	// PublicationLatency is how long a published descriptor is assumed
	// to take before clients see it in a directory.
	PublicationLatency = 3 * 24 * time.Hour

	// PrepublicationInterval is how far into the future the keyring
	// keeps published keys available.
	PrepublicationInterval = 14 * 24 * time.Hour
)

// Keyring owns the key directory tree: the identity key and every
// dated key set, in validity order.
type Keyring struct {
	cfg     *sconf.Config
	KeyDir  string
	HashDir string

	identity *rsa.PrivateKey
	keySets  []*KeySet
	firstKey int
	lastKey  int

	// openLogs caches replay logs by key set name across rotations:
	// bbolt files must not be opened twice.
	openLogs map[string]*hashlog.Log

	Display *DisplayInfo
	Log     log.Logger
}

// Open scans the key directory tree rooted at keyDir.
func Open(cfg *sconf.Config, keyDir, hashDir string, l log.Logger) (*Keyring, error) {
	for _, dir := range []string{keyDir, hashDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("serverkeys: %w", err)
		}
	}
	kr := &Keyring{
		cfg:      cfg,
		KeyDir:   keyDir,
		HashDir:  hashDir,
		Display:  &DisplayInfo{},
		openLogs: map[string]*hashlog.Log{},
		Log:      l,
	}
	if err := kr.checkKeys(); err != nil {
		return nil, err
	}
	return kr, nil
}

// checkKeys rescans the key directory. Key sets with missing or
// corrupt descriptors are skipped with a warning, their files left in
// place for the operator to inspect.
func (kr *Keyring) checkKeys() error {
	ents, err := os.ReadDir(kr.KeyDir)
	if err != nil {
		return fmt.Errorf("serverkeys: %w", err)
	}

	kr.keySets = nil
	kr.firstKey, kr.lastKey = 0, 0

	for _, ent := range ents {
		name := ent.Name()
		if !ent.IsDir() {
			if name != identityKeyFile {
				kr.Log.Msg("unexpected file in key directory", "name", name)
			}
			continue
		}
		num, err := parseSlot(name)
		if err != nil {
			kr.Log.Msg("unexpected directory under key root", "name", name)
			continue
		}
		if kr.firstKey == 0 || num < kr.firstKey {
			kr.firstKey = num
		}
		if num > kr.lastKey {
			kr.lastKey = num
		}

		ks, err := LoadKeySet(filepath.Join(kr.KeyDir, name), kr.HashDir, kr.Log)
		if err != nil {
			kr.Log.Error("skipping unreadable key set", err, "name", name)
			continue
		}
		kr.keySets = append(kr.keySets, ks)
	}

	sort.Slice(kr.keySets, func(i, j int) bool {
		return kr.keySets[i].ValidAfter().Before(kr.keySets[j].ValidAfter())
	})

	for i := 1; i < len(kr.keySets); i++ {
		prev, cur := kr.keySets[i-1], kr.keySets[i]
		if prev.ValidUntil().After(cur.ValidAfter()) {
			kr.Log.Msg("key sets have overlapping validity",
				"first", prev.Name, "second", cur.Name)
		} else if prev.ValidUntil().Before(cur.ValidAfter()) {
			kr.Log.Msg("gap in key set validity",
				"first", prev.Name, "second", cur.Name)
		}
	}
	return nil
}

func parseSlot(dirName string) (int, error) {
	if len(dirName) != len(keyDirPrefix)+4 || dirName[:len(keyDirPrefix)] != keyDirPrefix {
		return 0, fmt.Errorf("serverkeys: not a key slot: %s", dirName)
	}
	n, err := strconv.Atoi(dirName[len(keyDirPrefix):])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("serverkeys: not a key slot: %s", dirName)
	}
	return n, nil
}

// KeySets returns the loaded key sets, oldest first.
func (kr *Keyring) KeySets() []*KeySet {
	return kr.keySets
}

// Identity returns the long-term identity key, generating and storing
// it on first use.
func (kr *Keyring) Identity() (*rsa.PrivateKey, error) {
	if kr.identity != nil {
		return kr.identity, nil
	}

	path := filepath.Join(kr.KeyDir, identityKeyFile)
	key, err := loadPrivateKey(path)
	if err == nil {
		if key.N.BitLen() != kr.cfg.Server.IdentityKeyBits {
			kr.Log.Msg("stored identity key size does not match the configuration",
				"stored", key.N.BitLen(), "configured", kr.cfg.Server.IdentityKeyBits)
		}
		kr.identity = key
		return key, nil
	}
	if !os.IsNotExist(errCause(err)) {
		return nil, err
	}

	kr.Log.Msg("generating identity key", "bits", kr.cfg.Server.IdentityKeyBits)
	key, err = rsa.GenerateKey(rand.Reader, kr.cfg.Server.IdentityKeyBits)
	if err != nil {
		return nil, fmt.Errorf("serverkeys: identity key: %w", err)
	}
	if err := savePrivateKey(path, key); err != nil {
		return nil, err
	}
	kr.identity = key
	return key, nil
}

func errCause(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := u.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// NextKeygen reports when new key sets should next be generated. The
// zero time means "right now".
func (kr *Keyring) NextKeygen() time.Time {
	if len(kr.keySets) == 0 {
		return time.Time{}
	}
	lastExpiry := kr.keySets[len(kr.keySets)-1].ValidUntil()
	return lastExpiry.Add(-PublicationLatency)
}

// CreateKeysAsNeeded generates enough key sets to keep the server
// covered for PrepublicationInterval past the last expiry.
func (kr *Keyring) CreateKeysAsNeeded(now time.Time) error {
	next := kr.NextKeygen()
	if !next.IsZero() && next.After(now.Add(-10*time.Second)) {
		return nil
	}

	lastExpiry := now
	if len(kr.keySets) != 0 {
		lastExpiry = kr.keySets[len(kr.keySets)-1].ValidUntil()
	}
	timeToCover := lastExpiry.Add(PrepublicationInterval).Sub(now)

	lifetime := kr.cfg.Server.PublicKeyLifetime
	nKeys := int((timeToCover + lifetime - 1) / lifetime)
	if nKeys < 1 {
		nKeys = 1
	}

	kr.Log.Debugf("creating %d key sets", nKeys)
	return kr.CreateKeys(nKeys, time.Time{})
}

// CreateKeys generates num key sets. With a zero startAt, the first
// one starts where the last existing one ends (or now, on an empty
// keyring); the start is rounded down to the previous midnight.
func (kr *Keyring) CreateKeys(num int, startAt time.Time) error {
	identity, err := kr.Identity()
	if err != nil {
		return err
	}

	if startAt.IsZero() {
		if len(kr.keySets) != 0 {
			startAt = kr.keySets[len(kr.keySets)-1].ValidUntil().Add(time.Minute)
		} else {
			startAt = time.Now().Add(time.Minute)
		}
	}
	startAt = previousMidnight(startAt)

	for i := 0; i < num; i++ {
		var slot int
		switch {
		case kr.firstKey == 0:
			slot = 1
			kr.firstKey, kr.lastKey = 1, 1
		case kr.firstKey > 1:
			// Reuse freed slots below the oldest surviving one.
			kr.firstKey--
			slot = kr.firstKey
		default:
			kr.lastKey++
			slot = kr.lastKey
		}

		name := fmt.Sprintf("%s%04d", keyDirPrefix, slot)
		nextStart := startAt.Add(kr.cfg.Server.PublicKeyLifetime)
		kr.Log.Msg("generating key set",
			"name", name,
			"valid_from", startAt.Format("2006-01-02"),
			"valid_until", nextStart.Format("2006-01-02"))

		err := generateKeySet(kr.cfg, identity, filepath.Join(kr.KeyDir, name),
			startAt, false, kr.Display)
		if err != nil {
			return err
		}
		startAt = nextStart
	}

	return kr.checkKeys()
}

// RegenerateDescriptors re-signs the descriptor of every key set with
// the current configuration, keeping the private keys. Publication
// markers are dropped so the refreshed descriptors get re-uploaded.
// Run this after changing advertised settings (contact, address,
// delivery sections).
func (kr *Keyring) RegenerateDescriptors() error {
	identity, err := kr.Identity()
	if err != nil {
		return err
	}

	for _, ks := range kr.keySets {
		kr.Log.Msg("regenerating descriptor", "name", ks.Name)
		err := generateKeySet(kr.cfg, identity, ks.Dir, ks.ValidAfter(), true, kr.Display)
		if err != nil {
			return err
		}
		if err := ks.MarkAsUnpublished(); err != nil {
			return fmt.Errorf("serverkeys: %w", err)
		}
	}

	return kr.checkKeys()
}

// RemoveDeadKeys deletes every key set whose overlap grace ended
// before now, along with its replay log. shred must remove the given
// file before returning (secure overwrite included when asked for).
func (kr *Keyring) RemoveDeadKeys(now time.Time, shred func(path string)) error {
	cutoff := now.Add(-kr.cfg.Server.PublicKeyOverlap)

	for _, ks := range kr.keySets {
		if !ks.ValidUntil().Before(cutoff) {
			continue
		}
		kr.Log.Msg("removing expired key set",
			"name", ks.Name,
			"valid_from", ks.ValidAfter().Format("2006-01-02"),
			"valid_until", ks.ValidUntil().Format("2006-01-02"))

		ents, err := os.ReadDir(ks.Dir)
		if err != nil {
			return fmt.Errorf("serverkeys: %w", err)
		}
		for _, ent := range ents {
			shred(filepath.Join(ks.Dir, ent.Name()))
		}
		for _, p := range []string{ks.HashLogPath(), ks.HashLogPath() + hashlog.JournalSuffix} {
			if _, err := os.Stat(p); err == nil {
				shred(p)
			}
		}
		if err := os.Remove(ks.Dir); err != nil {
			return fmt.Errorf("serverkeys: %w", err)
		}
	}

	return kr.checkKeys()
}

// RemoveAllKeys deletes every key set and, optionally, the identity
// key.
func (kr *Keyring) RemoveAllKeys(removeIdentity bool, shred func(path string)) error {
	if err := kr.RemoveDeadKeys(time.Unix(1<<42, 0), shred); err != nil {
		return err
	}
	if removeIdentity {
		path := filepath.Join(kr.KeyDir, identityKeyFile)
		if _, err := os.Stat(path); err == nil {
			shred(path)
		}
		kr.identity = nil
	}
	return nil
}

// LiveKeys returns the key sets usable at now: currently valid ones
// plus those within the overlap grace after expiry.
func (kr *Keyring) LiveKeys(now time.Time) []*KeySet {
	var live []*KeySet
	for _, ks := range kr.keySets {
		if ks.ValidAfter().After(now) {
			continue
		}
		if ks.ValidUntil().Add(kr.cfg.Server.PublicKeyOverlap).Before(now) {
			continue
		}
		live = append(live, ks)
	}
	return live
}

// KeyInstaller receives the product of a key rotation.
type KeyInstaller interface {
	// SetProcessorKeys installs the live packet keys with their replay
	// logs on the unwrap engine.
	SetProcessorKeys(keys []packet.KeySet) error

	// SetTransportCredentials installs the newest live transport
	// certificate.
	SetTransportCredentials(ks *KeySet) error
}

// UpdateKeys opens the live key material and installs it: every live
// packet key decrypts (so packets built against a retiring key still
// land during overlap), while the newest live key set provides the
// transport certificate. Replay logs of key sets that fell out of the
// live window are closed.
func (kr *Keyring) UpdateKeys(now time.Time, installer KeyInstaller) error {
	live := kr.LiveKeys(now)
	if len(live) == 0 {
		return fmt.Errorf("serverkeys: no live key sets at %v", now)
	}

	keys := make([]packet.KeySet, 0, len(live))
	for _, ks := range live {
		packetKey, err := ks.PacketKey()
		if err != nil {
			return err
		}
		replayLog, ok := kr.openLogs[ks.Name]
		if !ok {
			replayLog, err = hashlog.Open(ks.HashLogPath())
			if err != nil {
				return err
			}
			kr.openLogs[ks.Name] = replayLog
		}
		keys = append(keys, packet.KeySet{
			Name:      ks.Name,
			PacketKey: packetKey,
			ReplayLog: replayLog,
		})
	}
	if err := installer.SetProcessorKeys(keys); err != nil {
		return err
	}

	liveNames := map[string]bool{}
	for _, ks := range live {
		liveNames[ks.Name] = true
	}
	for name, replayLog := range kr.openLogs {
		if liveNames[name] {
			continue
		}
		if err := replayLog.Close(); err != nil {
			kr.Log.Error("cannot close retired replay log", err, "keyset", name)
		}
		delete(kr.openLogs, name)
	}

	newest := live[len(live)-1]
	return installer.SetTransportCredentials(newest)
}

// Close closes the replay logs opened by UpdateKeys. The processor must
// no longer be using them.
func (kr *Keyring) Close() error {
	var firstErr error
	for name, replayLog := range kr.openLogs {
		if err := replayLog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(kr.openLogs, name)
	}
	return firstErr
}

// NextKeyRotation reports when UpdateKeys next needs to run: a key set
// going live, one falling out of its overlap grace, or a scheduled
// keygen, whichever is first.
func (kr *Keyring) NextKeyRotation(now time.Time) time.Time {
	var next time.Time
	consider := func(t time.Time) {
		if t.After(now) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	if kg := kr.NextKeygen(); !kg.IsZero() {
		consider(kg)
	}
	for _, ks := range kr.keySets {
		consider(ks.ValidAfter())
		consider(ks.ValidUntil().Add(kr.cfg.Server.PublicKeyOverlap))
	}
	if next.IsZero() {
		return now.Add(6 * time.Hour)
	}
	return next
}

// PublishKeys uploads unpublished descriptors (all of them with
// allKeys) to the configured directory server. Rejections are counted
// and skipped; an upload error aborts the batch. Reports whether the
// batch ran to completion.
func (kr *Keyring) PublishKeys(client *http.Client, uploadURL string, allKeys bool) bool {
	rejected := 0
	for _, ks := range kr.keySets {
		if ks.Published && !allKeys {
			continue
		}
		switch ks.Publish(client, uploadURL) {
		case PublishAccepted:
		case PublishRejected:
			rejected++
		case PublishError:
			return false
		}
	}
	if rejected != 0 {
		kr.Log.Msg("directory rejected descriptors", "count", rejected)
	}
	return true
}
