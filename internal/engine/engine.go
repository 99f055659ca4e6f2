// Package engine owns SelfState for one peer process: the local piece
// map, the peer directory, the live set of neighbor sessions, and the
// choking scheduler. It runs the accept loop, the outbound bootstrap loop,
// and detects swarm-wide completion.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kroc99/P2P-File-Sharing-Software/internal/bitset"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/config"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/eventlog"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/scheduler"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/session"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/store"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/wire"
)

// Engine is one running peer process.
type Engine struct {
	localID uint32
	dir     *config.Directory
	common  *config.Common
	store   *store.FileStore
	log     *eventlog.Logger
	slog    *slog.Logger

	listenAddr string

	mu       sync.Mutex
	localMap *bitset.PieceMap
	sessions map[uint32]*session.Session

	sched *scheduler.Scheduler

	completeOnce sync.Once
	cancel       context.CancelFunc
}

// New constructs an Engine for localID. seed indicates whether the file
// store already holds the complete payload (this peer is a seeder).
func New(localID uint32, common *config.Common, dir *config.Directory, st *store.FileStore, seed bool, log *eventlog.Logger, sl *slog.Logger) (*Engine, error) {
	entry, ok := dir.Lookup(localID)
	if !ok {
		return nil, fmt.Errorf("engine: local peer id %d not found in peer directory", localID)
	}

	localMap := bitset.New(common.NumPieces())
	if seed {
		for i := 0; i < localMap.NumPieces(); i++ {
			localMap.Set(i)
		}
	}

	e := &Engine{
		localID:    localID,
		dir:        dir,
		common:     common,
		store:      st,
		log:        log,
		slog:       sl,
		localMap:   localMap,
		sessions:   make(map[uint32]*session.Session),
		listenAddr: fmt.Sprintf(":%d", entry.Port),
	}

	e.sched = scheduler.New(scheduler.Config{
		NumberOfPreferredNeighbors:  common.NumberOfPreferredNeighbors,
		UnchokingInterval:           common.UnchokingInterval,
		OptimisticUnchokingInterval: common.OptimisticUnchokingInterval,
	}, e, log, sl)

	return e, nil
}

// Run binds the listener, starts the accept loop, the outbound bootstrap
// loop, the scheduler, and the completion watcher, and blocks until the
// swarm completes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	ln, err := net.Listen("tcp", e.listenAddr)
	if err != nil {
		return fmt.Errorf("engine: bind %s: %w", e.listenAddr, err)
	}
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.acceptLoop(gctx, ln) })
	g.Go(func() error { e.bootstrapOutbound(gctx); return nil })
	g.Go(func() error { return e.sched.Run(gctx) })
	g.Go(func() error { return e.completionWatcher(gctx) })

	go func() {
		<-gctx.Done()
		ln.Close()
		e.closeAllSessions()
	}()

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("engine: accept: %w", err)
		}
		go e.handleInbound(conn)
	}
}

func (e *Engine) handleInbound(conn net.Conn) {
	remote, err := wire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}
	if err := wire.WriteHandshake(conn, *wire.NewHandshake(e.localID)); err != nil {
		conn.Close()
		return
	}

	e.log.TCPConnectionFrom(e.localID, remote.PeerID)
	e.startSession(remote.PeerID, conn)
}

// bootstrapOutbound dials every peer listed strictly earlier than localID
// in the peer directory, per spec.md §4.6. A failed dial is logged and
// abandoned, not fatal.
func (e *Engine) bootstrapOutbound(ctx context.Context) {
	for _, entry := range e.dir.Earlier(e.localID) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		e.connectOutbound(entry)
	}
}

func (e *Engine) connectOutbound(entry config.Entry) {
	addr := net.JoinHostPort(entry.Host, strconv.Itoa(int(entry.Port)))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		e.slog.Warn("outbound connect failed", "peer", entry.PeerID, "addr", addr, "error", err)
		return
	}

	if err := wire.WriteHandshake(conn, *wire.NewHandshake(e.localID)); err != nil {
		conn.Close()
		return
	}
	remote, err := wire.ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return
	}
	if remote.PeerID != entry.PeerID {
		conn.Close()
		return
	}

	e.log.TCPConnectionTo(e.localID, remote.PeerID)
	e.startSession(remote.PeerID, conn)
}

// startSession constructs a Session for a just-validated connection,
// registers it, sends the local bitfield as the first typed message, and
// starts its reader loop.
func (e *Engine) startSession(remoteID uint32, conn net.Conn) {
	e.mu.Lock()
	if _, exists := e.sessions[remoteID]; exists {
		e.mu.Unlock()
		conn.Close()
		return
	}

	sess := session.New(e.localID, remoteID, conn, e.common.NumPieces(), e, e.log, e.slog)
	e.sessions[remoteID] = sess
	local := e.localMap.Clone()
	e.mu.Unlock()

	if err := sess.SendBitfield(local); err != nil {
		e.slog.Warn("send initial bitfield failed", "peer", remoteID, "error", err)
	}

	go func() {
		if err := sess.Run(); err != nil {
			e.slog.Warn("session ended", "peer", remoteID, "error", err)
		}
	}()
}

func (e *Engine) closeAllSessions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sess := range e.sessions {
		sess.Close()
	}
}

func (e *Engine) snapshotSessionsLocked() []*session.Session {
	out := make([]*session.Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		out = append(out, sess)
	}
	return out
}

// Interesting implements session.Owner.
func (e *Engine) Interesting(remote *bitset.PieceMap) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localMap.Interesting(remote)
}

// PickRequest implements session.Owner: uniform random choice among
// missing-from-local pieces present in remote.
func (e *Engine) PickRequest(remote *bitset.PieceMap) (int, bool) {
	e.mu.Lock()
	missing := e.localMap.Missing(remote)
	e.mu.Unlock()

	if len(missing) == 0 {
		return 0, false
	}
	return missing[rand.Intn(len(missing))], true
}

// ReadPiece implements session.Owner.
func (e *Engine) ReadPiece(index int) ([]byte, error) {
	return e.store.ReadPiece(index)
}

// ReceivePiece implements session.Owner: writes to the file store, sets
// the local bit, and broadcasts have(index) to every live session
// including the sender.
func (e *Engine) ReceivePiece(from *session.Session, index int, data []byte) (int, bool, error) {
	if err := e.store.WritePiece(index, data); err != nil {
		return 0, false, err
	}

	e.mu.Lock()
	e.localMap.Set(index)
	count := e.localMap.Count()
	nowComplete := e.localMap.Complete()
	sessions := e.snapshotSessionsLocked()
	e.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.SendHave(index); err != nil {
			e.slog.Warn("broadcast have failed", "peer", sess.RemoteID, "error", err)
		}
	}

	if nowComplete {
		e.maybeFinish()
	}

	return count, nowComplete, nil
}

// Disconnected implements session.Owner.
func (e *Engine) Disconnected(s *session.Session) {
	e.mu.Lock()
	delete(e.sessions, s.RemoteID)
	e.mu.Unlock()
	e.maybeFinish()
}

// Sessions implements scheduler.Owner.
func (e *Engine) Sessions() []*session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotSessionsLocked()
}

// LocalComplete implements scheduler.Owner.
func (e *Engine) LocalComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localMap.Complete()
}

// LocalPeerID implements scheduler.Owner.
func (e *Engine) LocalPeerID() uint32 { return e.localID }

func (e *Engine) completionWatcher(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.maybeFinish()
		}
	}
}

// maybeFinish logs the completion line exactly once and cancels the
// engine's context once the local map and every live session's remote map
// are complete.
func (e *Engine) maybeFinish() {
	if !e.swarmComplete() {
		return
	}
	e.completeOnce.Do(func() {
		e.log.CompleteFile(e.localID)
		if e.cancel != nil {
			e.cancel()
		}
	})
}

func (e *Engine) swarmComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.localMap.Complete() {
		return false
	}
	for _, sess := range e.sessions {
		if !sess.RemoteMapComplete() {
			return false
		}
	}
	return true
}
