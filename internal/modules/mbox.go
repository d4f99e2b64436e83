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

package modules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/velumlabs/velum/framework/exterrors"
	"github.com/velumlabs/velum/framework/log"
	"github.com/velumlabs/velum/internal/packet"
)

// MBOX appends exit payloads to per-recipient mbox files under a local
// directory. Recipient names are flat: anything that would escape the
// directory is rejected permanently.
type MBOX struct {
	dir string
	Log log.Logger
}

// NewMBOX creates the module, making dir if needed.
func NewMBOX(dir string, l log.Logger) (*MBOX, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("mbox: %w", err)
	}
	return &MBOX{dir: dir, Log: l}, nil
}

func (m *MBOX) Type() string {
	return "mbox"
}

func (m *MBOX) Deliver(d *packet.DeliveryPacket) error {
	name := d.Address
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return exterrors.WithTemporary(fmt.Errorf("mbox: bad recipient %q", name), false)
	}

	f, err := os.OpenFile(filepath.Join(m.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		// Disk and permission problems are worth retrying.
		return exterrors.WithTemporary(fmt.Errorf("mbox: %w", err), true)
	}
	defer f.Close()

	sep := fmt.Sprintf("From velum %s\n", time.Now().UTC().Format(time.ANSIC))
	body := d.Payload
	if len(body) > 0 && body[len(body)-1] != '\n' {
		body = append(body, '\n')
	}
	if _, err := f.Write(append([]byte(sep), body...)); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("mbox: %w", err), true)
	}
	if err := f.Sync(); err != nil {
		return exterrors.WithTemporary(fmt.Errorf("mbox: %w", err), true)
	}
	return nil
}

func (m *MBOX) Close() error {
	return nil
}
