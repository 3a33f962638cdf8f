// Package sim holds the demo simulation run by the CLI clients: a ledger that
// folds every tick and its commands into a running hash. Participants that
// processed the same ticks with the same commands end with the same hash.
package sim

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/vovakirdan/lockstep/internal/protocol"
)

// Entry is one applied command.
type Entry struct {
	Tick   int64
	Sender string
	Body   string
}

// State is a snapshot of the ledger.
type State struct {
	Ticks    int64
	Commands int
	Hash     string
	BySender map[string]int
	Recent   []Entry // Newest last
}

// Ledger is a client.TickBody. Reads may happen from another goroutine.
type Ledger struct {
	keep int

	mu       sync.Mutex
	hash     uint64
	ticks    int64
	commands int
	bySender map[string]int
	recent   []Entry
}

// NewLedger creates an empty ledger that remembers the last keep commands.
func NewLedger(keep int) *Ledger {
	return &Ledger{keep: keep, bySender: make(map[string]int)}
}

// Tick folds one tick into the hash.
func (l *Ledger) Tick(tick int64, commands []protocol.Command) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := fnv.New64a()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], l.hash)
	binary.BigEndian.PutUint64(buf[8:], uint64(tick))
	h.Write(buf[:]) //nolint:errcheck // hash writes never fail
	for _, c := range commands {
		h.Write([]byte(c.SenderID)) //nolint:errcheck
		h.Write([]byte{0})          //nolint:errcheck
		h.Write(c.Body)             //nolint:errcheck
		h.Write([]byte{0})          //nolint:errcheck

		l.bySender[c.SenderID]++
		l.commands++
		if l.keep > 0 {
			l.recent = append(l.recent, Entry{Tick: tick, Sender: c.SenderID, Body: string(c.Body)})
			if len(l.recent) > l.keep {
				l.recent = l.recent[len(l.recent)-l.keep:]
			}
		}
	}
	l.hash = h.Sum64()
	l.ticks = tick + 1
}

// State returns a copy of the ledger's state.
func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	by := make(map[string]int, len(l.bySender))
	for k, v := range l.bySender {
		by[k] = v
	}
	return State{
		Ticks:    l.ticks,
		Commands: l.commands,
		Hash:     fmt.Sprintf("%016x", l.hash),
		BySender: by,
		Recent:   append([]Entry(nil), l.recent...),
	}
}

// Action is the command body the demo clients send.
type Action struct {
	Kind string `json:"kind"`          // "move" or "fire"
	Dir  string `json:"dir,omitempty"` // For moves
}
