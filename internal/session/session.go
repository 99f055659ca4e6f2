// Package session implements the per-link connection state machine: one
// socket, one reader, the four choke/interest flags described in spec, and
// the protocol reactor that turns decoded frames into state transitions and
// outgoing sends.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/kroc99/P2P-File-Sharing-Software/internal/bitset"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/eventlog"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/wire"
)

const (
	maskAmChoking      = 1 << 0
	maskPeerChoking    = 1 << 1
	maskPeerInterested = 1 << 2
	maskIAmInterested  = 1 << 3
)

// Owner is the engine-side collaborator a Session calls back into for
// everything that touches shared state: the local piece map, the file
// store, and the set of other live sessions. A Session never touches that
// state directly; it only owns its remote map and its own flags.
type Owner interface {
	// Interesting reports whether remote holds any piece the local map
	// lacks.
	Interesting(remote *bitset.PieceMap) bool

	// PickRequest chooses, uniformly at random, one piece index present in
	// remote but absent from the local map. ok is false if no such index
	// exists.
	PickRequest(remote *bitset.PieceMap) (index int, ok bool)

	// ReadPiece returns the stored bytes of piece index, to serve a
	// request.
	ReadPiece(index int) ([]byte, error)

	// ReceivePiece writes data for index to the file store, sets the local
	// bit, and broadcasts have(index) to every live session (including
	// from, per the spec's unsuppressed-echo choice). It returns the new
	// total count of locally-held pieces and whether the local map is now
	// complete.
	ReceivePiece(from *Session, index int, data []byte) (count int, complete bool, err error)

	// Disconnected removes s from the set of live sessions.
	Disconnected(s *Session)
}

// Session is one link to a remote peer, established after a successful
// handshake in either direction.
type Session struct {
	localID  uint32
	RemoteID uint32

	conn  net.Conn
	owner Owner
	log   *eventlog.Logger
	slog  *slog.Logger

	state uint32 // atomic bitmask of the four boolean flags

	remoteMapMu sync.RWMutex
	remoteMap   *bitset.PieceMap

	downloaded atomic.Uint64

	sendMu    sync.Mutex
	closeOnce sync.Once
}

// New returns a Session for a just-handshaken connection. Both choke flags
// start true; both interest flags start false, per spec. sl may be nil, in
// which case slog.Default() is used.
func New(localID, remoteID uint32, conn net.Conn, numPieces int, owner Owner, log *eventlog.Logger, sl *slog.Logger) *Session {
	if sl == nil {
		sl = slog.Default()
	}
	return &Session{
		localID:   localID,
		RemoteID:  remoteID,
		conn:      conn,
		owner:     owner,
		log:       log,
		slog:      sl,
		remoteMap: bitset.New(numPieces),
		state:     maskAmChoking | maskPeerChoking,
	}
}

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		var n uint32
		if on {
			n = old | mask
		} else {
			n = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, n) {
			return
		}
	}
}

func (s *Session) AmChoking() bool          { return s.getState(maskAmChoking) }
func (s *Session) PeerChokingMe() bool      { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterestedInMe() bool { return s.getState(maskPeerInterested) }
func (s *Session) IAmInterestedInPeer() bool { return s.getState(maskIAmInterested) }

// DownloadedBytesThisInterval returns the rolling counter the preferred-
// neighbor scheduler reads and resets every tick.
func (s *Session) DownloadedBytesThisInterval() uint64 { return s.downloaded.Load() }

// ResetDownloadedBytes zeroes the rolling counter; called by the
// preferred-neighbor scheduler at the end of every tick.
func (s *Session) ResetDownloadedBytes() { s.downloaded.Store(0) }

// RemoteMapComplete reports whether the remote's last-known piece map has
// every bit set, used by the engine's completion detector.
func (s *Session) RemoteMapComplete() bool {
	s.remoteMapMu.RLock()
	defer s.remoteMapMu.RUnlock()
	return s.remoteMap.Complete()
}

func (s *Session) remoteSnapshot() *bitset.PieceMap {
	s.remoteMapMu.RLock()
	defer s.remoteMapMu.RUnlock()
	return s.remoteMap
}

// send serializes one frame's worth of bytes onto the socket, holding the
// send lock for the duration so that no two writers interleave a frame.
func (s *Session) send(msg *wire.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return wire.WriteMessage(s.conn, msg)
}

// SendBitfield sends the local piece map as the first typed message on
// this link.
func (s *Session) SendBitfield(local *bitset.PieceMap) error {
	return s.send(wire.NewBitfield(local.Bytes()))
}

// SendHave announces that the local peer now holds piece index.
func (s *Session) SendHave(index int) error {
	return s.send(wire.NewHave(uint32(index)))
}

// SendChoke sends choke and records amChoking=true. Called by the
// scheduler.
func (s *Session) SendChoke() error {
	if err := s.send(wire.NewChoke()); err != nil {
		return err
	}
	s.setState(maskAmChoking, true)
	return nil
}

// SendUnchoke sends unchoke and records amChoking=false. Called by the
// scheduler.
func (s *Session) SendUnchoke() error {
	if err := s.send(wire.NewUnchoke()); err != nil {
		return err
	}
	s.setState(maskAmChoking, false)
	return nil
}

func (s *Session) sendInterested() error {
	if err := s.send(wire.NewInterested()); err != nil {
		return err
	}
	s.setState(maskIAmInterested, true)
	return nil
}

func (s *Session) sendNotInterested() error {
	if err := s.send(wire.NewNotInterested()); err != nil {
		return err
	}
	s.setState(maskIAmInterested, false)
	return nil
}

// Close closes the underlying socket. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}

// Run reads frames from the socket until EOF or a framing error, feeding
// each to the reactor. It returns nil on a clean remote close, and a
// non-nil error (MalformedFrame, wrapped I/O error) otherwise; either way
// the caller tears the session down and the owner is notified exactly
// once.
func (s *Session) Run() error {
	defer s.owner.Disconnected(s)

	for {
		msg, err := wire.ReadMessage(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handle(msg *wire.Message) error {
	switch msg.Type {
	case wire.Bitfield:
		return s.handleBitfield(msg)
	case wire.Have:
		return s.handleHave(msg)
	case wire.Interested:
		return s.handleInterested()
	case wire.NotInterested:
		return s.handleNotInterested()
	case wire.Choke:
		return s.handleChoke()
	case wire.Unchoke:
		return s.handleUnchoke()
	case wire.Request:
		return s.handleRequest(msg)
	case wire.Piece:
		return s.handlePiece(msg)
	default:
		return fmt.Errorf("%w: session received type %d", wire.ErrUnknownType, msg.Type)
	}
}

// handleBitfield must be the first typed message on a link; the engine's
// bootstrap guarantees this by not constructing a Session until after the
// handshake, and by this being the first frame either side sends.
func (s *Session) handleBitfield(msg *wire.Message) error {
	remote := bitset.New(s.remoteSnapshot().NumPieces())
	if err := remote.FromBytes(msg.Payload); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrMalformedFrame, err)
	}

	s.remoteMapMu.Lock()
	s.remoteMap = remote
	s.remoteMapMu.Unlock()

	if s.owner.Interesting(remote) {
		return s.sendInterested()
	}
	return s.sendNotInterested()
}

func (s *Session) handleHave(msg *wire.Message) error {
	index, ok := msg.ParseIndex()
	if !ok {
		return fmt.Errorf("%w: malformed have payload", wire.ErrMalformedFrame)
	}

	s.remoteMapMu.Lock()
	s.remoteMap.Set(int(index))
	s.remoteMapMu.Unlock()

	s.log.ReceivedHave(s.localID, s.RemoteID, int(index))

	remote := s.remoteSnapshot()
	if !s.IAmInterestedInPeer() && s.owner.Interesting(remote) {
		return s.sendInterested()
	}
	return nil
}

func (s *Session) handleInterested() error {
	s.setState(maskPeerInterested, true)
	s.log.ReceivedInterested(s.localID, s.RemoteID)
	return nil
}

func (s *Session) handleNotInterested() error {
	s.setState(maskPeerInterested, false)
	s.log.ReceivedNotInterested(s.localID, s.RemoteID)
	return nil
}

func (s *Session) handleChoke() error {
	s.setState(maskPeerChoking, true)
	s.log.ChokedBy(s.localID, s.RemoteID)
	return nil
}

func (s *Session) handleUnchoke() error {
	s.setState(maskPeerChoking, false)
	s.log.UnchokedBy(s.localID, s.RemoteID)

	remote := s.remoteSnapshot()
	index, ok := s.owner.PickRequest(remote)
	if !ok {
		return s.sendNotInterested()
	}
	return s.send(wire.NewRequest(uint32(index)))
}

func (s *Session) handleRequest(msg *wire.Message) error {
	index, ok := msg.ParseIndex()
	if !ok {
		return fmt.Errorf("%w: malformed request payload", wire.ErrMalformedFrame)
	}

	if s.AmChoking() {
		return nil
	}

	data, err := s.owner.ReadPiece(int(index))
	if err != nil {
		return nil
	}
	return s.send(wire.NewPiece(index, data))
}

func (s *Session) handlePiece(msg *wire.Message) error {
	index, data, ok := msg.ParsePiece()
	if !ok {
		return fmt.Errorf("%w: malformed piece payload", wire.ErrMalformedFrame)
	}

	s.downloaded.Add(uint64(len(data)))

	count, _, err := s.owner.ReceivePiece(s, int(index), data)
	if err != nil {
		// IoError on file store: piece treated as not acquired. A
		// subsequent duplicate piece message may recover it.
		s.slog.Warn("store piece failed", "peer", s.RemoteID, "index", index, "error", err)
		return nil
	}

	s.log.DownloadedPiece(s.localID, s.RemoteID, int(index), count)

	remote := s.remoteSnapshot()
	if s.owner.Interesting(remote) {
		if !s.PeerChokingMe() {
			next, ok := s.owner.PickRequest(remote)
			if ok {
				return s.send(wire.NewRequest(uint32(next)))
			}
		}
		return nil
	}

	return s.sendNotInterested()
}
