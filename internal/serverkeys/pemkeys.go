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

// Package serverkeys owns the key directory tree: the long-term
// identity key, the dated short-term key sets with their descriptors
// and certificates, rotation scheduling and directory publication.
package serverkeys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/google/renameio"
)

const rsaKeyPEMType = "RSA PRIVATE KEY"

// savePrivateKey writes an RSA private key as PKCS#1 PEM, mode 0600,
// atomically.
func savePrivateKey(path string, key *rsa.PrivateKey) error {
	b := pem.EncodeToMemory(&pem.Block{
		Type:  rsaKeyPEMType,
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := renameio.WriteFile(path, b, 0600); err != nil {
		return fmt.Errorf("serverkeys: write %s: %w", path, err)
	}
	return nil
}

// loadPrivateKey reads a PKCS#1 PEM private key and refuses files with
// lax permissions.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("serverkeys: %w", err)
	}
	if st.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("serverkeys: %s is group or world accessible (mode %04o)",
			path, st.Mode().Perm())
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("serverkeys: %w", err)
	}
	block, _ := pem.Decode(b)
	if block == nil || block.Type != rsaKeyPEMType {
		return nil, fmt.Errorf("serverkeys: %s is not an RSA private key file", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("serverkeys: parse %s: %w", path, err)
	}
	return key, nil
}

// generateCertChain writes the transport certificate chain: a transport
// certificate signed by the identity key, followed by a self-signed
// identity certificate. Both certificates bracket the key set's
// validity with CertSloppiness of slack on each side.
func generateCertChain(path string, transportKey, identityKey *rsa.PrivateKey, nickname string, notBefore, notAfter time.Time) error {
	identityTmpl, err := certTemplate(nickname+" (identity)", notBefore, notAfter)
	if err != nil {
		return err
	}
	identityTmpl.IsCA = true
	identityTmpl.KeyUsage |= x509.KeyUsageCertSign
	identityTmpl.BasicConstraintsValid = true

	identityDER, err := x509.CreateCertificate(rand.Reader, identityTmpl, identityTmpl,
		&identityKey.PublicKey, identityKey)
	if err != nil {
		return fmt.Errorf("serverkeys: identity cert: %w", err)
	}
	identityCert, err := x509.ParseCertificate(identityDER)
	if err != nil {
		return fmt.Errorf("serverkeys: identity cert: %w", err)
	}

	transportTmpl, err := certTemplate(nickname, notBefore, notAfter)
	if err != nil {
		return err
	}
	transportDER, err := x509.CreateCertificate(rand.Reader, transportTmpl, identityCert,
		&transportKey.PublicKey, identityKey)
	if err != nil {
		return fmt.Errorf("serverkeys: transport cert: %w", err)
	}

	chain := append(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: transportDER}),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: identityDER})...,
	)
	if err := renameio.WriteFile(path, chain, 0600); err != nil {
		return fmt.Errorf("serverkeys: write %s: %w", path, err)
	}
	return nil
}

func certTemplate(cn string, notBefore, notAfter time.Time) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("serverkeys: serial: %w", err)
	}
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}, nil
}
