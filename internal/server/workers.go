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

package server

import (
	"fmt"
	"os"

	"github.com/velumlabs/velum/framework/log"
)

// SecureDelete overwrites a file with zeros before unlinking it, so
// spool contents do not linger in unallocated blocks. A missing file is
// not an error: a path can reach the cleaning worker twice.
func SecureDelete(path string, l log.Logger) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			l.Msg("cleaning: file already gone", "path", path)
			return
		}
		l.Error("cleaning: cannot open file", err, "path", path)
		return
	}

	st, err := f.Stat()
	if err == nil {
		zeros := make([]byte, 16*1024)
		left := st.Size()
		for left > 0 {
			n := int64(len(zeros))
			if left < n {
				n = left
			}
			if _, err := f.Write(zeros[:n]); err != nil {
				l.Error("cleaning: overwrite failed", err, "path", path)
				break
			}
			left -= n
		}
		if err := f.Sync(); err != nil {
			l.Error("cleaning: sync failed", err, "path", path)
		}
	}
	f.Close()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		l.Error("cleaning: unlink failed", err, "path", path)
	}
}

// runProcessing is the processing worker: it drains the job channel of
// spool handles and unwraps each one. Per-packet failures are consumed
// inside ProcessEntry; anything that comes back is a spool fault that
// kills the worker, which the scheduler's health check turns into a
// shutdown.
func (s *Server) runProcessing() {
	defer s.wg.Done()
	for handle := range s.jobs {
		if err := s.incoming.ProcessEntry(handle, s.proc, s.pool); err != nil {
			s.log.Error("processing worker died", err)
			s.workerFault("processing", err)
			return
		}
	}
}

// runCleaning is the cleaning worker: it securely deletes every path
// posted to it.
func (s *Server) runCleaning() {
	defer s.wg.Done()
	for path := range s.cleanPaths {
		SecureDelete(path, s.log)
	}
}

// runModules is the module-manager worker: each kick runs one
// ready-message cycle over the delivery modules, keeping exit back-end
// I/O off the scheduler goroutine.
func (s *Server) runModules() {
	defer s.wg.Done()
	for range s.moduleKicks {
		s.modules.SendReadyMessages(s.now())
	}
}

func (s *Server) workerFault(name string, err error) {
	select {
	case s.faults <- fmt.Errorf("%s worker: %w", name, err):
	default:
	}
}

// checkWorkers is the scheduler's per-iteration health check.
func (s *Server) checkWorkers() error {
	select {
	case err := <-s.faults:
		return err
	default:
		return nil
	}
}
