// Package hashthread implements the per-chain ASIC actor: it owns the
// data port, writes job frames in the order the scheduler hands them
// over, demultiplexes the asynchronous nonce stream coming back, and
// validates candidates against the job they answer before forwarding
// them upward as shares.
package hashthread

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mujina-miner/internal/bm13xx"
	"mujina-miner/internal/merrors"
)

// Work is one unit of mining work as the scheduler dispatches it: the
// header fields the chip needs plus what the validator needs to rebuild
// and check the candidate block.
type Work struct {
	Version       uint32
	VersionMask   uint32
	PrevBlockHash [32]byte
	MerkleRoot    [32]byte
	NTime         uint32
	NBits         uint32
	Target        [32]byte // big-endian share target
}

// Share is an accepted candidate forwarded to the scheduler.
type Share struct {
	Serial  string
	Chain   int
	JobID   byte
	Nonce   uint32
	Version uint32
	NTime   uint32
	Found   time.Time
}

// jobSlots is fixed by the wire format: the job_id field is 4 bits.
const jobSlots = 16

type inflightJob struct {
	work     Work
	issuedAt time.Time
	live     bool
}

// Stats counts the thread's share/discard outcomes. Read under the
// thread's lock via Snapshot.
type Stats struct {
	SharesAccepted uint64
	HardwareErrors uint64
	StaleNonces    uint64
	SpecialFrames  uint64
}

// Thread is the actor for one ASIC chain. Construct with New, feed jobs
// through Submit, stop with Shutdown.
type Thread struct {
	serial string
	chain  int
	port   io.ReadWriteCloser
	shares chan<- Share
	log    *logrus.Entry

	jobs     chan Work
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	inflight [jobSlots]inflightJob
	nextSlot byte
	stats    Stats
}

// New builds a thread over the (already initialized) data port. The
// thread takes ownership of port; it is closed when the thread exits.
func New(serial string, chain int, port io.ReadWriteCloser, shares chan<- Share) *Thread {
	return &Thread{
		serial: serial,
		chain:  chain,
		port:   port,
		shares: shares,
		log: logrus.WithFields(logrus.Fields{
			"board": serial,
			"chain": chain,
		}),
		jobs:     make(chan Work, jobSlots),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Submit queues work for the chain. Jobs are written to the wire in the
// order received.
func (t *Thread) Submit(w Work) error {
	select {
	case t.jobs <- w:
		return nil
	case <-t.shutdown:
		return merrors.Lifecycle("hashthread.Submit", io.ErrClosedPipe)
	}
}

// RetireAll drops every in-flight entry so late nonces for superseded
// work are discarded as stale. Called on a new block template.
func (t *Thread) RetireAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.inflight {
		t.inflight[i].live = false
	}
}

// Snapshot returns the thread's current counters.
func (t *Thread) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Shutdown signals the thread to exit and blocks until it has dropped
// its port handle.
func (t *Thread) Shutdown() {
	t.stopOnce.Do(func() { close(t.shutdown) })
	<-t.done
}

// Run drives both halves of the duplex loop until shutdown. The reader
// runs on its own goroutine since port reads block on the OS; the writer
// half consumes the job queue here.
func (t *Thread) Run() {
	defer close(t.done)
	defer t.port.Close()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		t.readLoop()
	}()

	for {
		select {
		case w := <-t.jobs:
			if err := t.writeJob(w); err != nil {
				t.log.WithError(err).Warn("job write failed")
			}
		case <-t.shutdown:
			// Closing the port unblocks the reader's pending read.
			t.port.Close()
			<-readerDone
			return
		}
	}
}

// writeJob assigns the next job id from the rotating pool (oldest slot
// reused first), records the in-flight snapshot and writes the frame.
func (t *Thread) writeJob(w Work) error {
	t.mu.Lock()
	id := t.nextSlot
	t.nextSlot = (t.nextSlot + 1) % jobSlots
	t.inflight[id] = inflightJob{work: w, issuedAt: time.Now(), live: true}
	t.mu.Unlock()

	frame := bm13xx.EncodeJob(bm13xx.Job{
		JobID:         id,
		NBits:         w.NBits,
		NTime:         w.NTime,
		MerkleRoot:    w.MerkleRoot,
		PrevBlockHash: w.PrevBlockHash,
		Version:       w.Version,
	})
	if _, err := t.port.Write(frame); err != nil {
		return merrors.Transport("hashthread.writeJob", err)
	}
	return nil
}

const responseLen = 11

func (t *Thread) readLoop() {
	buf := make([]byte, 0, 4*responseLen)
	raw := make([]byte, 64)

	for {
		n, err := t.port.Read(raw)
		if err != nil {
			select {
			case <-t.shutdown:
			default:
				t.log.WithError(err).Warn("data port read failed")
			}
			return
		}
		buf = append(buf, raw[:n]...)

		for len(buf) >= responseLen {
			resp, err := bm13xx.DecodeNonceResponse(buf[:responseLen])
			if err != nil {
				// Resync: skip to the next plausible preamble.
				if next := bm13xx.Resync(buf); next != nil {
					buf = buf[len(buf)-len(next):]
				} else {
					buf = buf[:0]
				}
				continue
			}
			buf = buf[responseLen:]
			t.handleNonce(resp)
		}
	}
}

func (t *Thread) handleNonce(resp bm13xx.NonceResponse) {
	if resp.Special {
		t.mu.Lock()
		t.stats.SpecialFrames++
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	slot := t.inflight[resp.JobID&0x0F]
	if !slot.live {
		t.stats.StaleNonces++
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	w := slot.work
	version := resp.ReconstructVersion(w.Version)
	header := assembleHeader(version, w.PrevBlockHash, w.MerkleRoot, w.NTime, w.NBits, resp.Raw)
	digest := sha256d(header)

	if !hashMeetsTarget(digest, w.Target) {
		t.mu.Lock()
		t.stats.HardwareErrors++
		t.mu.Unlock()
		t.log.WithFields(logrus.Fields{
			"job_id": resp.JobID,
			"nonce":  resp.Raw,
		}).Debug("nonce does not meet target")
		return
	}

	t.mu.Lock()
	t.stats.SharesAccepted++
	t.mu.Unlock()

	share := Share{
		Serial:  t.serial,
		Chain:   t.chain,
		JobID:   resp.JobID,
		Nonce:   resp.Raw,
		Version: version,
		NTime:   w.NTime,
		Found:   time.Now(),
	}
	select {
	case t.shares <- share:
	case <-t.shutdown:
	}
}

// assembleHeader serializes the standard 80-byte block header: all
// integer fields little-endian, hashes in the byte order the job
// carried them.
func assembleHeader(version uint32, prev, merkle [32]byte, ntime, nbits, nonce uint32) []byte {
	header := make([]byte, 0, 80)
	var u32 [4]byte

	binary.LittleEndian.PutUint32(u32[:], version)
	header = append(header, u32[:]...)
	header = append(header, prev[:]...)
	header = append(header, merkle[:]...)
	binary.LittleEndian.PutUint32(u32[:], ntime)
	header = append(header, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], nbits)
	header = append(header, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], nonce)
	header = append(header, u32[:]...)

	return header
}

func sha256d(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// hashMeetsTarget compares the double-SHA digest (a little-endian
// 256-bit number) against the big-endian target.
func hashMeetsTarget(digest [32]byte, target [32]byte) bool {
	var rev [32]byte
	for i := range digest {
		rev[i] = digest[31-i]
	}
	return bytes.Compare(rev[:], target[:]) <= 0
}
