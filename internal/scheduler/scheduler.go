// Package scheduler routes mining work to hash threads and aggregates
// the shares they return. Boards receive the same header with a
// per-board ntime offset so chip-level nonce partitioning gives each a
// disjoint search space without further coordination.
package scheduler

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"mujina-miner/internal/hashthread"
)

// Template is one unit of pool work before per-board routing.
type Template struct {
	Version       uint32
	VersionMask   uint32
	PrevBlockHash [32]byte
	MerkleRoot    [32]byte
	NTime         uint32
	NBits         uint32
	Target        [32]byte
	NewBlock      bool // retire all in-flight work before dispatching
}

type boardThreads struct {
	ntimeOffset uint32
	threads     []*hashthread.Thread
}

// Scheduler owns the board-to-thread routing table and the share
// funnel.
type Scheduler struct {
	log    *logrus.Entry
	shares chan hashthread.Share

	mu         sync.Mutex
	boards     map[string]*boardThreads
	boardOrder []string
	nextOffset uint32

	sharesAccepted uint64
}

// New builds an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		log:    logrus.WithField("component", "scheduler"),
		shares: make(chan hashthread.Share, 64),
		boards: make(map[string]*boardThreads),
	}
}

// Shares is the channel hash threads forward accepted candidates into.
func (s *Scheduler) Shares() chan<- hashthread.Share { return s.shares }

// AttachThread registers a board's hash thread for job routing. The
// first thread of a new board claims the next ntime offset.
func (s *Scheduler) AttachThread(serial string, t *hashthread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bt, ok := s.boards[serial]
	if !ok {
		bt = &boardThreads{ntimeOffset: s.nextOffset}
		s.nextOffset++
		s.boards[serial] = bt
		s.boardOrder = append(s.boardOrder, serial)
	}
	bt.threads = append(bt.threads, t)
}

// DetachBoard drops a board's threads from routing. Its ntime offset is
// not reclaimed; offsets only need to stay distinct, not dense.
func (s *Scheduler) DetachBoard(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.boards[serial]; !ok {
		return
	}
	delete(s.boards, serial)
	for i, sn := range s.boardOrder {
		if sn == serial {
			s.boardOrder = append(s.boardOrder[:i], s.boardOrder[i+1:]...)
			break
		}
	}
}

// Dispatch routes tmpl to every attached thread, offsetting ntime per
// board. A new-block template retires all in-flight work first so late
// nonces for the stale chain are silently dropped.
func (s *Scheduler) Dispatch(tmpl Template) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, serial := range s.boardOrder {
		bt := s.boards[serial]
		w := hashthread.Work{
			Version:       tmpl.Version,
			VersionMask:   tmpl.VersionMask,
			PrevBlockHash: tmpl.PrevBlockHash,
			MerkleRoot:    tmpl.MerkleRoot,
			NTime:         tmpl.NTime + bt.ntimeOffset,
			NBits:         tmpl.NBits,
			Target:        tmpl.Target,
		}
		for _, th := range bt.threads {
			if tmpl.NewBlock {
				th.RetireAll()
			}
			if err := th.Submit(w); err != nil {
				s.log.WithField("board", serial).WithError(err).Warn("job submit failed")
			}
		}
	}
}

// Run consumes the share funnel until ctx is done. Accepted shares are
// counted and logged; a pool client would forward them upstream here.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case share := <-s.shares:
			s.mu.Lock()
			s.sharesAccepted++
			s.mu.Unlock()
			s.log.WithFields(logrus.Fields{
				"board":   share.Serial,
				"chain":   share.Chain,
				"job_id":  share.JobID,
				"nonce":   share.Nonce,
				"version": share.Version,
			}).Info("share accepted")
		case <-ctx.Done():
			return
		}
	}
}

// SharesAccepted reports the total shares the funnel has consumed.
func (s *Scheduler) SharesAccepted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sharesAccepted
}
