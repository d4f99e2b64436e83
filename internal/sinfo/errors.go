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

import "fmt"

// InvalidReason tells why a descriptor or directory was rejected.
type InvalidReason int

const (
	BadFormat InvalidReason = iota
	BadVersion
	BadLength
	BadDigest
	BadSignature
	Expired
)

func (r InvalidReason) String() string {
	switch r {
	case BadFormat:
		return "bad format"
	case BadVersion:
		return "bad version"
	case BadLength:
		return "bad length"
	case BadDigest:
		return "bad digest"
	case BadSignature:
		return "bad signature"
	case Expired:
		return "expired"
	}
	return "invalid"
}

// DescriptorInvalidError is returned when a descriptor or directory
// fails parsing or validation. The whole input is rejected.
type DescriptorInvalidError struct {
	Reason InvalidReason
	Msg    string
}

func (e *DescriptorInvalidError) Error() string {
	return fmt.Sprintf("descriptor invalid (%v): %s", e.Reason, e.Msg)
}

func (e *DescriptorInvalidError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"reason": e.Msg,
		"check":  e.Reason.String(),
	}
}

func invalidf(reason InvalidReason, format string, args ...interface{}) error {
	return &DescriptorInvalidError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}
