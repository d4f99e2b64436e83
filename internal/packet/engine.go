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

package packet

import (
	"errors"
	"sync"
)

// The onion unwrap engine is linked in separately from the node core.
// An implementation registers itself from an init function; the server
// refuses to start without one.

var (
	engineLck     sync.Mutex
	engineFactory func() (Processor, error)
)

// RegisterEngine installs the factory for the unwrap engine. Calling it
// twice panics: exactly one engine may be linked into a binary.
func RegisterEngine(factory func() (Processor, error)) {
	engineLck.Lock()
	defer engineLck.Unlock()
	if engineFactory != nil {
		panic("packet: second unwrap engine registered")
	}
	engineFactory = factory
}

// ErrNoEngine is returned by NewEngine when no unwrap engine was linked
// into the binary.
var ErrNoEngine = errors.New("packet: no unwrap engine linked into this binary")

// NewEngine constructs the registered unwrap engine.
func NewEngine() (Processor, error) {
	engineLck.Lock()
	factory := engineFactory
	engineLck.Unlock()
	if factory == nil {
		return nil, ErrNoEngine
	}
	return factory()
}
