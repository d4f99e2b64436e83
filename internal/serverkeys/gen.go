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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/velumlabs/velum/internal/sconf"
	"github.com/velumlabs/velum/internal/sinfo"
)

// CertSloppiness is the slack on each side of a key set's validity
// window allowed on its certificate lifetime, absorbing clock skew
// between servers.
const CertSloppiness = 5 * time.Minute

// Software is the value advertised in generated descriptors.
const Software = "velum 0.1"

// previousMidnight truncates t to the previous UTC midnight.
func previousMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// generateKeySet creates or refreshes the key set in dir. With
// reuseKeys set, the existing private keys are kept and only the
// certificates and the descriptor are rebuilt; otherwise fresh packet
// and transport keys are generated. validAt is rounded down to the
// previous midnight (with 30 seconds of grace for calls right before
// one).
func generateKeySet(cfg *sconf.Config, identity *rsa.PrivateKey, dir string, validAt time.Time, reuseKeys bool, ctx *DisplayInfo) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("serverkeys: %w", err)
	}

	validAt = previousMidnight(validAt.Add(30 * time.Second))
	validUntil := validAt.Add(cfg.Server.PublicKeyLifetime)
	certStarts := validAt.Add(-CertSloppiness)
	certEnds := validUntil.Add(CertSloppiness)

	var packetKey, transportKey *rsa.PrivateKey
	var err error
	if reuseKeys {
		if packetKey, err = loadPrivateKey(filepath.Join(dir, packetKeyFile)); err != nil {
			return err
		}
		if transportKey, err = loadPrivateKey(filepath.Join(dir, mmtpKeyFile)); err != nil {
			return err
		}
	} else {
		if packetKey, err = rsa.GenerateKey(rand.Reader, sinfo.PacketKeyBytes*8); err != nil {
			return fmt.Errorf("serverkeys: packet key: %w", err)
		}
		if transportKey, err = rsa.GenerateKey(rand.Reader, sinfo.TransportKeyBytes*8); err != nil {
			return fmt.Errorf("serverkeys: transport key: %w", err)
		}
		if err := savePrivateKey(filepath.Join(dir, packetKeyFile), packetKey); err != nil {
			return err
		}
		if err := savePrivateKey(filepath.Join(dir, mmtpKeyFile), transportKey); err != nil {
			return err
		}
	}

	// Rebuild the certificates even when reusing keys, in case the
	// validity window moved.
	err = generateCertChain(filepath.Join(dir, mmtpCertFile), transportKey, identity,
		cfg.Server.Nickname, certStarts, certEnds)
	if err != nil {
		return err
	}

	descriptor, err := buildDescriptor(cfg, identity, packetKey, validAt, validUntil, ctx)
	if err != nil {
		return err
	}
	if err := writeDescriptor(filepath.Join(dir, descriptorFile), descriptor); err != nil {
		return err
	}
	return nil
}

// buildDescriptor renders and signs the descriptor advertising this
// key set.
func buildDescriptor(cfg *sconf.Config, identity, packetKey *rsa.PrivateKey, validAt, validUntil time.Time, ctx *DisplayInfo) ([]byte, error) {
	var b strings.Builder

	w := func(format string, args ...interface{}) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	w("[Server]")
	w("Descriptor-Version: %s", sinfo.DescriptorVersion)
	w("Nickname: %s", cfg.Server.Nickname)
	w("Identity: %s", sinfo.FormatBase64(sinfo.EncodePublicKey(&identity.PublicKey)))
	w("Digest:")
	w("Signature:")
	w("Published: %s", sinfo.FormatTime(time.Now()))
	w("Valid-After: %s", sinfo.FormatDate(validAt))
	w("Valid-Until: %s", sinfo.FormatDate(validUntil))
	w("Packet-Key: %s", sinfo.FormatBase64(sinfo.EncodePublicKey(&packetKey.PublicKey)))
	w("Packet-Versions: %s", sinfo.DefaultPacketVersion)
	if cfg.Server.Contact != "" {
		w("Contact: %s", cfg.Server.Contact)
	}
	if cfg.Server.Comments != "" {
		w("Comments: %s", cfg.Server.Comments)
	}
	w("Software: %s", Software)

	if cfg.Incoming.Enabled {
		w("[Incoming/MMTP]")
		w("Version: %s", sinfo.MMTPSectionVersion)
		ip := cfg.Incoming.IP
		if ip == nil {
			ip = ctx.GuessLocalIP()
		}
		if ip != nil {
			w("IP: %s", ip)
		}
		if cfg.Incoming.Hostname != "" {
			w("Hostname: %s", cfg.Incoming.Hostname)
		}
		w("Port: %d", cfg.Incoming.Port)
		w("Protocols: %s", sinfo.DefaultPacketVersion)
		for _, r := range cfg.Incoming.Allow {
			w("Allow: %s", r)
		}
		for _, r := range cfg.Incoming.Deny {
			w("Deny: %s", r)
		}
	}

	if cfg.Outgoing.Enabled {
		w("[Outgoing/MMTP]")
		w("Version: %s", sinfo.MMTPSectionVersion)
		w("Protocols: %s", sinfo.DefaultPacketVersion)
		for _, r := range cfg.Outgoing.Allow {
			w("Allow: %s", r)
		}
		for _, r := range cfg.Outgoing.Deny {
			w("Deny: %s", r)
		}
	}

	if cfg.MBOX.Enabled {
		w("[Delivery/MBOX]")
		w("Version: %s", sinfo.DeliverySectionVersion)
	}
	if cfg.SMTP.Enabled {
		w("[Delivery/SMTP]")
		w("Version: %s", sinfo.DeliverySectionVersion)
	}

	signed, err := sinfo.SignDescriptor([]byte(b.String()), identity)
	if err != nil {
		return nil, fmt.Errorf("serverkeys: sign descriptor: %w", err)
	}
	return signed, nil
}

func writeDescriptor(path string, descriptor []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".desc-*")
	if err != nil {
		return fmt.Errorf("serverkeys: %w", err)
	}
	name := f.Name()
	_, werr := f.Write(descriptor)
	serr := f.Sync()
	cerr := f.Close()
	for _, err := range []error{werr, serr, cerr} {
		if err != nil {
			os.Remove(name)
			return fmt.Errorf("serverkeys: write descriptor: %w", err)
		}
	}
	if err := os.Chmod(name, 0644); err != nil {
		os.Remove(name)
		return fmt.Errorf("serverkeys: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("serverkeys: %w", err)
	}
	return nil
}
