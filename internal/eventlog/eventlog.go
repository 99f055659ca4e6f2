// Package eventlog writes the eleven literal line templates spec.md §6
// mandates to a per-process log file, one per peer, truncated on start.
// This is the external contract the testable-property scenarios parse; it
// is deliberately not built on slog (see internal/logging for the engine's
// structured operator diagnostics) because every byte of its output is
// specified, not merely conventional.
package eventlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger appends "[HH:MM:SS]: <line>\n" entries to a truncated log file.
type Logger struct {
	mu sync.Mutex
	f  *os.File
}

// Open truncates (or creates) path and returns a Logger writing to it.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	return &Logger{f: f}, nil
}

// Close closes the underlying log file.
func (l *Logger) Close() error { return l.f.Close() }

func (l *Logger) write(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := time.Now().Format("15:04:05")
	fmt.Fprintf(l.f, "[%s]: %s\n", ts, line)
}

// TCPConnectionTo logs "Peer <me> makes a connection to Peer <remote>."
func (l *Logger) TCPConnectionTo(me, remote uint32) {
	l.write(fmt.Sprintf("Peer %d makes a connection to Peer %d.", me, remote))
}

// TCPConnectionFrom logs "Peer <me> is connected from Peer <remote>."
func (l *Logger) TCPConnectionFrom(me, remote uint32) {
	l.write(fmt.Sprintf("Peer %d is connected from Peer %d.", me, remote))
}

// PreferredNeighbors logs the current preferred-neighbor set, comma-joined,
// empty string if none.
func (l *Logger) PreferredNeighbors(me uint32, ids string) {
	l.write(fmt.Sprintf("Peer %d has the preferred neighbors %s.", me, ids))
}

// OptimisticallyUnchoked logs the newly chosen optimistic neighbor.
func (l *Logger) OptimisticallyUnchoked(me, remote uint32) {
	l.write(fmt.Sprintf("Peer %d has the optimistically unchoked neighbor %d.", me, remote))
}

// UnchokedBy logs that remote has unchoked us.
func (l *Logger) UnchokedBy(me, remote uint32) {
	l.write(fmt.Sprintf("Peer %d is unchoked by %d.", me, remote))
}

// ChokedBy logs that remote has choked us.
func (l *Logger) ChokedBy(me, remote uint32) {
	l.write(fmt.Sprintf("Peer %d is choked by %d.", me, remote))
}

// ReceivedHave logs receipt of a 'have' message.
func (l *Logger) ReceivedHave(me, remote uint32, index int) {
	l.write(fmt.Sprintf("Peer %d received the 'have' message from %d for the piece %d.", me, remote, index))
}

// ReceivedInterested logs receipt of an 'interested' message.
func (l *Logger) ReceivedInterested(me, remote uint32) {
	l.write(fmt.Sprintf("Peer %d received the 'interested' message from %d.", me, remote))
}

// ReceivedNotInterested logs receipt of a 'not interested' message.
func (l *Logger) ReceivedNotInterested(me, remote uint32) {
	l.write(fmt.Sprintf("Peer %d received the 'not interested' message from %d.", me, remote))
}

// DownloadedPiece logs acquisition of a piece, including the new total
// count of pieces possessed.
func (l *Logger) DownloadedPiece(me, remote uint32, index, count int) {
	l.write(fmt.Sprintf("Peer %d has downloaded the piece %d from %d. Now the number of pieces it has is %d.", me, index, remote, count))
}

// CompleteFile logs that the local peer has finished reconstructing the
// entire file.
func (l *Logger) CompleteFile(me uint32) {
	l.write(fmt.Sprintf("Peer %d has downloaded the complete file.", me))
}
