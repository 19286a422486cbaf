// Package transfer moves files between peers: a chunked,
// authenticated direct protocol with resume and pause, and a dispatch
// policy that falls back to the relay when no direct path exists.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/driftlab/driftshare/internal/chunk"
	"github.com/driftlab/driftshare/internal/peer"
	"github.com/driftlab/driftshare/internal/share"
)

// Status is the lifecycle state of a transfer.
type Status int

const (
	Pending Status = iota
	InProgress
	Paused
	Completed
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

// ErrBadTransition is returned for a state change the FSM forbids.
var ErrBadTransition = errors.New("invalid transfer state transition")

// ErrCancelled is returned by waits interrupted by cancellation.
var ErrCancelled = errors.New("transfer cancelled")

// State tracks one transfer. Exactly one download loop mutates the
// received set; observers read through the accessor methods.
type State struct {
	TransferID string
	Peer       peer.Identity
	File       share.File
	ChunkSize  int
	Total      int // total chunks
	SaveDir    string

	mu        sync.Mutex
	cond      *sync.Cond
	received  []uint64
	bytesDone int64
	status    Status
	start     time.Time
	pausedAt  time.Time
	pausedFor time.Duration
	reason    string
}

// NewState builds a Pending transfer for file from p.
func NewState(transferID string, p peer.Identity, file share.File, chunkSize int, saveDir string) *State {
	total := chunk.NumChunks(file.Size, chunkSize)
	st := &State{
		TransferID: transferID,
		Peer:       p,
		File:       file,
		ChunkSize:  chunkSize,
		Total:      total,
		SaveDir:    saveDir,
		received:   make([]uint64, (total+63)/64),
		status:     Pending,
	}
	st.cond = sync.NewCond(&st.mu)
	return st
}

// Start moves Pending -> InProgress and stamps the start time.
func (st *State) Start() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != Pending {
		return fmt.Errorf("%w: %s -> in_progress", ErrBadTransition, st.status)
	}
	st.status = InProgress
	st.start = time.Now()
	return nil
}

// Pause is honored only from InProgress. The loop finishes or discards
// its current chunk and then blocks in AwaitActive.
func (st *State) Pause() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != InProgress {
		return fmt.Errorf("%w: %s -> paused", ErrBadTransition, st.status)
	}
	st.status = Paused
	st.pausedAt = time.Now()
	return nil
}

// Resume moves Paused -> InProgress, crediting the paused interval.
func (st *State) Resume() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != Paused {
		return fmt.Errorf("%w: %s -> in_progress", ErrBadTransition, st.status)
	}
	st.pausedFor += time.Since(st.pausedAt)
	st.pausedAt = time.Time{}
	st.status = InProgress
	st.cond.Broadcast()
	return nil
}

// Cancel is honored from any non-terminal state; it wakes any
// pause-wait so the loop can exit at its next safe point.
func (st *State) Cancel() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status.Terminal() {
		return fmt.Errorf("%w: %s -> cancelled", ErrBadTransition, st.status)
	}
	if st.status == Paused {
		st.pausedFor += time.Since(st.pausedAt)
	}
	st.status = Cancelled
	st.cond.Broadcast()
	return nil
}

// Complete moves InProgress -> Completed once every chunk is received.
func (st *State) Complete() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status != InProgress {
		return fmt.Errorf("%w: %s -> completed", ErrBadTransition, st.status)
	}
	if got := st.receivedCountLocked(); got != st.Total {
		return fmt.Errorf("cannot complete with %d/%d chunks", got, st.Total)
	}
	st.status = Completed
	return nil
}

// Fail marks a non-retryable error from any non-terminal state.
func (st *State) Fail(reason string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.status.Terminal() {
		return fmt.Errorf("%w: %s -> failed", ErrBadTransition, st.status)
	}
	st.status = Failed
	st.reason = reason
	st.cond.Broadcast()
	return nil
}

// AwaitActive blocks while the transfer is Paused. It returns nil when
// the transfer is InProgress again and an error when it was cancelled,
// failed, or ctx expired.
func (st *State) AwaitActive(ctx context.Context) error {
	// A context cancellation must wake the cond wait.
	stop := context.AfterFunc(ctx, func() {
		st.mu.Lock()
		st.cond.Broadcast()
		st.mu.Unlock()
	})
	defer stop()

	st.mu.Lock()
	defer st.mu.Unlock()
	for st.status == Paused {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		st.cond.Wait()
	}
	switch st.status {
	case Cancelled:
		return ErrCancelled
	case Failed:
		return fmt.Errorf("transfer failed: %s", st.reason)
	default:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
}

// MarkReceived commits chunk index as fully received. Partial chunks
// are never committed.
func (st *State) MarkReceived(index int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	word, bit := index/64, uint(index%64)
	if st.received[word]&(1<<bit) != 0 {
		return
	}
	st.received[word] |= 1 << bit
	st.bytesDone += int64(chunk.Len(st.File.Size, st.ChunkSize, index))
}

// Received reports whether chunk index has been committed.
func (st *State) Received(index int) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.received[index/64]&(1<<uint(index%64)) != 0
}

// ReceivedCount returns the number of committed chunks.
func (st *State) ReceivedCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.receivedCountLocked()
}

func (st *State) receivedCountLocked() int {
	n := 0
	for _, w := range st.received {
		n += bits.OnesCount64(w)
	}
	return n
}

// MissingChunks returns the indices not yet committed, ascending.
func (st *State) MissingChunks() []int {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []int
	for i := 0; i < st.Total; i++ {
		if st.received[i/64]&(1<<uint(i%64)) == 0 {
			out = append(out, i)
		}
	}
	return out
}

// BytesTransferred returns the committed byte count.
func (st *State) BytesTransferred() int64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.bytesDone
}

// Status returns the current lifecycle state.
func (st *State) Status() Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// FailReason returns the reason recorded by Fail.
func (st *State) FailReason() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reason
}

// ActiveDuration is the wall time spent transferring, excluding
// accumulated pause time.
func (st *State) ActiveDuration() time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.start.IsZero() {
		return 0
	}
	d := time.Since(st.start) - st.pausedFor
	if st.status == Paused {
		d -= time.Since(st.pausedAt)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Speed returns bytes per second over active time.
func (st *State) Speed() float64 {
	active := st.ActiveDuration().Seconds()
	if active <= 0 {
		return 0
	}
	return float64(st.BytesTransferred()) / active
}

// ETA estimates the remaining time at the current speed.
func (st *State) ETA() time.Duration {
	speed := st.Speed()
	if speed <= 0 {
		return 0
	}
	remaining := st.File.Size - st.BytesTransferred()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second))
}

// Bitmap returns a copy of the received bitset, for persistence.
func (st *State) Bitmap() []uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]uint64, len(st.received))
	copy(out, st.received)
	return out
}

// RestoreBitmap overwrites the received set from a persisted bitmap
// and recomputes the byte counter. Used when resuming.
func (st *State) RestoreBitmap(bm []uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	copy(st.received, bm)
	st.bytesDone = 0
	for i := 0; i < st.Total; i++ {
		if st.received[i/64]&(1<<uint(i%64)) != 0 {
			st.bytesDone += int64(chunk.Len(st.File.Size, st.ChunkSize, i))
		}
	}
}
