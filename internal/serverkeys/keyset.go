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
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/renameio"

	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/sinfo"
)

const (
	descriptorFile = "ServerDesc"
	packetKeyFile  = "mix.key"
	mmtpKeyFile    = "mmtp.key"
	mmtpCertFile   = "mmtp.cert"
	publishedFile  = "published"
)

// KeySet is one dated slot of short-term keys: the packet key, the
// transport key and certificate, the signed descriptor, and the replay
// log that goes with them.
type KeySet struct {
	// Name is the zero-padded slot number, e.g. "0001".
	Name    string
	Dir     string
	HashDir string

	Info      *sinfo.ServerInfo
	Published bool

	Log log.Logger
}

// LoadKeySet reads the key set in dir. The descriptor is parsed and
// validated; the private keys stay on disk until asked for.
func LoadKeySet(dir, hashDir string, l log.Logger) (*KeySet, error) {
	ks := &KeySet{
		Name:    strings.TrimPrefix(filepath.Base(dir), keyDirPrefix),
		Dir:     dir,
		HashDir: hashDir,
		Log:     l,
	}

	raw, err := os.ReadFile(filepath.Join(dir, descriptorFile))
	if err != nil {
		return nil, fmt.Errorf("serverkeys: %w", err)
	}
	ks.Info, err = sinfo.Parse(raw, l)
	if err != nil {
		return nil, fmt.Errorf("serverkeys: descriptor in %s: %w", dir, err)
	}

	_, err = os.Stat(filepath.Join(dir, publishedFile))
	ks.Published = err == nil
	return ks, nil
}

// ValidAfter returns the start of this key set's validity.
func (ks *KeySet) ValidAfter() time.Time {
	return ks.Info.Server.ValidAfter
}

// ValidUntil returns the end of this key set's validity.
func (ks *KeySet) ValidUntil() time.Time {
	return ks.Info.Server.ValidUntil
}

// PacketKey loads the private packet key.
func (ks *KeySet) PacketKey() (*rsa.PrivateKey, error) {
	return loadPrivateKey(filepath.Join(ks.Dir, packetKeyFile))
}

// TransportCertificate loads the TLS key pair for the transport.
func (ks *KeySet) TransportCertificate() (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(ks.Dir, mmtpCertFile),
		filepath.Join(ks.Dir, mmtpKeyFile),
	)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("serverkeys: transport cert: %w", err)
	}
	return cert, nil
}

// HashLogPath returns where this key set's replay log lives.
func (ks *KeySet) HashLogPath() string {
	return filepath.Join(ks.HashDir, "hash_"+ks.Name)
}

// DescriptorBytes returns the signed descriptor as stored.
func (ks *KeySet) DescriptorBytes() ([]byte, error) {
	return os.ReadFile(filepath.Join(ks.Dir, descriptorFile))
}

// MarkAsUnpublished removes the publication marker, forcing the next
// publication cycle to re-upload the descriptor.
func (ks *KeySet) MarkAsUnpublished() error {
	err := os.Remove(filepath.Join(ks.Dir, publishedFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	ks.Published = false
	return nil
}

func (ks *KeySet) markAsPublished(at time.Time) error {
	content := sinfo.FormatTime(at) + "\n"
	if err := renameio.WriteFile(filepath.Join(ks.Dir, publishedFile), []byte(content), 0600); err != nil {
		return err
	}
	ks.Published = true
	return nil
}

// PublishOutcome classifies a directory upload attempt.
type PublishOutcome int

const (
	// PublishAccepted: the directory took the descriptor; the marker
	// file was written.
	PublishAccepted PublishOutcome = iota
	// PublishRejected: the directory refused the descriptor. Not an
	// I/O problem; retried on the next publication cycle.
	PublishRejected
	// PublishError: the upload itself failed.
	PublishError
)

var directoryResponseRe = regexp.MustCompile(`(?m)^Status: (0|1)[ \t]*\nMessage: (.*)$`)

// Publish uploads the descriptor to a directory server as an HTTP form
// POST with the single field 'desc'.
func (ks *KeySet) Publish(client *http.Client, uploadURL string) PublishOutcome {
	descriptor, err := ks.DescriptorBytes()
	if err != nil {
		ks.Log.Error("cannot read descriptor for publication", err, "keyset", ks.Name)
		return PublishError
	}

	form := url.Values{"desc": {string(descriptor)}}
	resp, err := client.PostForm(uploadURL, form)
	if err != nil {
		ks.Log.Error("error publishing server descriptor", err, "keyset", ks.Name)
		return PublishError
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		ks.Log.Msg("bad content type from directory", "content_type", ct)
		return PublishError
	}
	reply, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	if err != nil {
		ks.Log.Error("error reading directory reply", err)
		return PublishError
	}

	m := directoryResponseRe.FindSubmatch(reply)
	if m == nil {
		ks.Log.Msg("did not understand reply from directory", "reply", firstLine(reply))
		return PublishError
	}
	if string(m[1]) == "0" {
		ks.Log.Msg("directory rejected descriptor", "message", string(m[2]), "keyset", ks.Name)
		return PublishRejected
	}

	ks.Log.Msg("directory accepted descriptor", "message", string(m[2]), "keyset", ks.Name)
	if err := ks.markAsPublished(time.Now()); err != nil {
		ks.Log.Error("cannot write publication marker", err, "keyset", ks.Name)
	}
	return PublishAccepted
}

func firstLine(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
