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

package sinfo

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"strings"
)

// CleanForDigest canonicalizes descriptor or directory bytes so digests
// come out the same no matter which line endings and stray whitespace
// the file picked up in transit:
//
//  1. CR, LF and CRLF all become a single LF.
//  2. Trailing spaces and tabs are stripped from each line.
//  3. Leading spaces and tabs are stripped from each line.
//  4. The output ends with exactly one LF.
//
// The transform is idempotent.
func CleanForDigest(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	b = bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))

	lines := bytes.Split(b, []byte("\n"))
	for i, line := range lines {
		lines[i] = bytes.Trim(line, " \t")
	}
	b = bytes.Join(lines, []byte("\n"))

	if !bytes.HasSuffix(b, []byte("\n")) {
		b = append(b, '\n')
	}
	return b
}

// blankSpecialLines replaces the first two lines starting with
// digestField or sigField with just '<field>:', so the digest never
// covers the values those fields will hold.
func blankSpecialLines(clean []byte, digestField, sigField string) []byte {
	lines := strings.Split(string(clean), "\n")
	replaced := 0
	for i, line := range lines {
		if replaced == 2 {
			break
		}
		if strings.HasPrefix(line, digestField+":") {
			lines[i] = digestField + ":"
			replaced++
		} else if strings.HasPrefix(line, sigField+":") {
			lines[i] = sigField + ":"
			replaced++
		}
	}
	return []byte(strings.Join(lines, "\n"))
}

func digestImpl(clean []byte, digestField, sigField string) []byte {
	sum := sha1.Sum(blankSpecialLines(clean, digestField, sigField))
	return sum[:]
}

// ComputeDigest returns the canonical digest of a server descriptor.
// The input does not have to be cleaned already.
func ComputeDigest(b []byte) []byte {
	return digestImpl(CleanForDigest(b), "Digest", "Signature")
}

// ComputeDirectoryDigest returns the canonical digest of a whole signed
// directory.
func ComputeDirectoryDigest(b []byte) []byte {
	return digestImpl(CleanForDigest(b), "DirectoryDigest", "DirectorySignature")
}

func signImpl(b []byte, digestField, sigField string, identity *rsa.PrivateKey) ([]byte, error) {
	clean := CleanForDigest(b)
	digest := digestImpl(clean, digestField, sigField)

	signature, err := rsa.SignPKCS1v15(rand.Reader, identity, crypto.SHA1, digest)
	if err != nil {
		return nil, err
	}

	digestStr := FormatBase64(digest)
	sigStr := FormatBase64(signature)

	lines := strings.Split(string(clean), "\n")
	replaced := 0
	for i, line := range lines {
		if replaced == 2 {
			break
		}
		if strings.HasPrefix(line, digestField+":") {
			lines[i] = digestField + ": " + digestStr
			replaced++
		} else if strings.HasPrefix(line, sigField+":") {
			lines[i] = sigField + ": " + sigStr
			replaced++
		}
	}
	if replaced != 2 {
		return nil, invalidf(BadFormat, "missing %s or %s line", digestField, sigField)
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// SignDescriptor computes the digest of a well-formed descriptor whose
// Digest: and Signature: lines are present but carry no values, signs
// it with the identity key and substitutes both values in.
func SignDescriptor(b []byte, identity *rsa.PrivateKey) ([]byte, error) {
	return signImpl(b, "Digest", "Signature", identity)
}

// SignDirectory is SignDescriptor for directory headers.
func SignDirectory(b []byte, identity *rsa.PrivateKey) ([]byte, error) {
	return signImpl(b, "DirectoryDigest", "DirectorySignature", identity)
}

// VerifySignedDigest checks that signature is a valid PKCS#1 v1.5
// signature of digest under the given identity key.
func VerifySignedDigest(identity *rsa.PublicKey, digest, signature []byte) error {
	return rsa.VerifyPKCS1v15(identity, crypto.SHA1, digest, signature)
}
