// Package scheduler implements the two independent periodic tasks that
// choose which neighbors get unchoked: preferred-neighbor selection by
// download rate, and one additional optimistic unchoke.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kroc99/P2P-File-Sharing-Software/internal/eventlog"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/session"
)

// Owner gives the scheduler read access to the live session set and the
// local completion state it needs each tick.
type Owner interface {
	Sessions() []*session.Session
	LocalComplete() bool
	LocalPeerID() uint32
}

// Config holds the two tick periods and the preferred-neighbor count, all
// parsed from Common.cfg.
type Config struct {
	NumberOfPreferredNeighbors  int
	UnchokingInterval           time.Duration
	OptimisticUnchokingInterval time.Duration
}

// Scheduler runs the preferred-neighbor and optimistic-unchoke cycles.
type Scheduler struct {
	cfg   Config
	owner Owner
	log   *eventlog.Logger
	slog  *slog.Logger

	mu            sync.Mutex
	preferred     map[uint32]struct{}
	optimistic    uint32
	hasOptimistic bool

	rng *rand.Rand
}

// New returns a Scheduler ready to Run.
func New(cfg Config, owner Owner, log *eventlog.Logger, sl *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		owner:     owner,
		log:       log,
		slog:      sl,
		preferred: make(map[uint32]struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// IsPreferred reports whether id is a member of the current preferred set.
func (s *Scheduler) IsPreferred(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.preferred[id]
	return ok
}

// IsOptimistic reports whether id is the current optimistic neighbor.
func (s *Scheduler) IsOptimistic(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasOptimistic && s.optimistic == id
}

// Run drives both ticker loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	unchokeTicker := time.NewTicker(s.cfg.UnchokingInterval)
	defer unchokeTicker.Stop()

	optimisticTicker := time.NewTicker(s.cfg.OptimisticUnchokingInterval)
	defer optimisticTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-unchokeTicker.C:
			s.runPreferredNeighborCycle()
		case <-optimisticTicker.C:
			s.runOptimisticCycle()
		}
	}
}

// runPreferredNeighborCycle implements spec.md §4.5's preferred-neighbor
// selection: top-k by downloaded bytes for leechers, uniform random for
// seeders, ties broken by a pre-shuffle.
func (s *Scheduler) runPreferredNeighborCycle() {
	sessions := s.owner.Sessions()

	var candidates []*session.Session
	for _, sess := range sessions {
		if sess.PeerInterestedInMe() {
			candidates = append(candidates, sess)
		}
	}

	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if !s.owner.LocalComplete() {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].DownloadedBytesThisInterval() > candidates[j].DownloadedBytesThisInterval()
		})
	}

	k := s.cfg.NumberOfPreferredNeighbors
	chosen := candidates
	if len(chosen) > k {
		chosen = chosen[:k]
	}

	newPreferred := make(map[uint32]struct{}, len(chosen))
	for _, sess := range chosen {
		newPreferred[sess.RemoteID] = struct{}{}
	}

	s.mu.Lock()
	optimisticID, hasOptimistic := s.optimistic, s.hasOptimistic
	s.preferred = newPreferred
	s.mu.Unlock()

	for _, sess := range chosen {
		if hasOptimistic && sess.RemoteID == optimisticID {
			continue
		}
		if sess.AmChoking() {
			if err := sess.SendUnchoke(); err != nil {
				s.slog.Warn("unchoke preferred neighbor failed", "peer", sess.RemoteID, "error", err)
			}
		}
	}

	for _, sess := range sessions {
		if _, ok := newPreferred[sess.RemoteID]; ok {
			continue
		}
		if hasOptimistic && sess.RemoteID == optimisticID {
			continue
		}
		if !sess.AmChoking() {
			if err := sess.SendChoke(); err != nil {
				s.slog.Warn("choke neighbor failed", "peer", sess.RemoteID, "error", err)
			}
		}
	}

	s.log.PreferredNeighbors(s.owner.LocalPeerID(), joinIDs(chosen))

	for _, sess := range sessions {
		sess.ResetDownloadedBytes()
	}
}

// runOptimisticCycle implements spec.md §4.5's optimistic-unchoke
// selection.
func (s *Scheduler) runOptimisticCycle() {
	sessions := s.owner.Sessions()

	s.mu.Lock()
	preferred := s.preferred
	s.mu.Unlock()

	var candidates []*session.Session
	for _, sess := range sessions {
		if !sess.PeerInterestedInMe() || !sess.AmChoking() {
			continue
		}
		if _, ok := preferred[sess.RemoteID]; ok {
			continue
		}
		candidates = append(candidates, sess)
	}

	if len(candidates) == 0 {
		return
	}

	choice := candidates[s.rng.Intn(len(candidates))]

	if err := choice.SendUnchoke(); err != nil {
		s.slog.Warn("optimistic unchoke failed", "peer", choice.RemoteID, "error", err)
		return
	}

	s.mu.Lock()
	s.optimistic = choice.RemoteID
	s.hasOptimistic = true
	s.mu.Unlock()

	s.log.OptimisticallyUnchoked(s.owner.LocalPeerID(), choice.RemoteID)
}

func joinIDs(sessions []*session.Session) string {
	ids := make([]string, len(sessions))
	for i, sess := range sessions {
		ids[i] = strconv.FormatUint(uint64(sess.RemoteID), 10)
	}
	return strings.Join(ids, ",")
}
