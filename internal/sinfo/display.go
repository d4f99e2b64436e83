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
	"encoding/hex"
	"sync"
)

// DisplayContext maps key digests and addresses to nicknames so log
// messages can say 'Aster' instead of a hex blob. It is safe for
// concurrent use.
type DisplayContext struct {
	mu        sync.RWMutex
	byKeyID   map[string]string
	byAddress map[string]string
}

func NewDisplayContext() *DisplayContext {
	return &DisplayContext{
		byKeyID:   map[string]string{},
		byAddress: map[string]string{},
	}
}

// Learn records the nickname, key digest and (optional) address of a
// descriptor.
func (dc *DisplayContext) Learn(info *ServerInfo) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	nick := info.Server.Nickname
	dc.byKeyID[string(info.KeyDigest())] = nick
	if in := info.Incoming; in != nil && in.IP != nil {
		dc.byAddress[in.IP.String()] = nick
	}
}

// KeyIDToNickname resolves a 20-byte key digest to a nickname, falling
// back to its hex form.
func (dc *DisplayContext) KeyIDToNickname(keyID []byte) string {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	if nick, ok := dc.byKeyID[string(keyID)]; ok {
		return nick
	}
	return hex.EncodeToString(keyID)
}

// AddressToNickname resolves an IP address string to a nickname,
// falling back to the address itself.
func (dc *DisplayContext) AddressToNickname(addr string) string {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	if nick, ok := dc.byAddress[addr]; ok {
		return nick
	}
	return addr
}
