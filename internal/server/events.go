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
	"container/heap"
	"time"
)

type eventKind int

const (
	eventMix eventKind = iota
	eventTimeout
	eventShred
	eventRotateKeys
)

func (k eventKind) String() string {
	switch k {
	case eventMix:
		return "mix"
	case eventTimeout:
		return "timeout"
	case eventShred:
		return "shred"
	case eventRotateKeys:
		return "rotate-keys"
	}
	return "unknown"
}

type event struct {
	at   time.Time
	kind eventKind
}

// eventHeap is the scheduler's timer queue, a min-heap on deadlines.
type eventHeap []event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(event)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}

func (h *eventHeap) schedule(at time.Time, kind eventKind) {
	heap.Push(h, event{at: at, kind: kind})
}

func (h *eventHeap) next() event {
	return (*h)[0]
}

func (h *eventHeap) pop() event {
	return heap.Pop(h).(event)
}
