package broker

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Errors of partition log operations.
var (
	ErrOffsetOutOfRange = errors.New("offset out of range")
	ErrNonContiguous    = errors.New("batch is not contiguous with the log end offset")
)

// UndefinedEpoch is returned by EndOffsetForEpoch for epochs which precede
// the log's first epoch.
const UndefinedEpoch int32 = -1

// signal is a broadcast notification which is re-armed after each Broadcast.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal { return &signal{ch: make(chan struct{})} }

// Wait returns a channel which is closed on the next Broadcast.
func (s *signal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Broadcast wakes all current waiters.
func (s *signal) Broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

type storedBatch struct {
	batchInfo
	raw []byte
}

type epochStart struct {
	epoch int32
	start int64
}

// Log is the in-memory record log of a partition replica. Batches are held
// whole, with offsets and leader epochs assigned by the leader. A Log tracks
// its end offset (LEO), its high watermark (HW) below which records are
// committed, and a cache of the offset at which each leader epoch began.
type Log struct {
	mu      sync.RWMutex
	batches []storedBatch
	leo     int64
	hw      int64
	epochs  []epochStart
	bytes   int64
	changed *signal
}

// NewLog returns an empty Log which broadcasts changes to |changed|.
func NewLog(changed *signal) *Log {
	if changed == nil {
		changed = newSignal()
	}
	return &Log{changed: changed}
}

// EndOffset returns the LEO of the Log.
func (l *Log) EndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leo
}

// HighWatermark returns the HW of the Log.
func (l *Log) HighWatermark() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hw
}

// Size returns the number of stored batch bytes.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bytes
}

// LatestEpoch returns the most recent leader epoch of the Log, or
// UndefinedEpoch if it has none.
func (l *Log) LatestEpoch() int32 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.epochs) == 0 {
		return UndefinedEpoch
	}
	return l.epochs[len(l.epochs)-1].epoch
}

// AssignEpoch begins leader |epoch| at the current LEO. It's a no-op if the
// Log's latest epoch is already at least |epoch|.
func (l *Log) AssignEpoch(epoch int32) {
	l.mu.Lock()
	l.assignEpoch(epoch, l.leo)
	l.mu.Unlock()
}

func (l *Log) assignEpoch(epoch int32, start int64) {
	if n := len(l.epochs); n != 0 && l.epochs[n-1].epoch >= epoch {
		return
	}
	l.epochs = append(l.epochs, epochStart{epoch: epoch, start: start})
}

// AppendLeader validates the record batches of |b|, assigns them offsets
// starting at the LEO and stamps them with |epoch|, and appends them.
// It returns the base offset and record count of the append.
func (l *Log) AppendLeader(b []byte, epoch int32) (base int64, count int64, err error) {
	raws, infos, err := splitBatches(b)
	if err != nil {
		return 0, 0, err
	}

	l.mu.Lock()
	base = l.leo
	for i := range raws {
		var delta = infos[i].last - infos[i].base
		var raw = append([]byte(nil), raws[i]...)
		stampBatch(raw, l.leo, epoch)

		infos[i].base, infos[i].last, infos[i].epoch = l.leo, l.leo+delta, epoch
		l.append(storedBatch{batchInfo: infos[i], raw: raw})
	}
	count = l.leo - base
	l.mu.Unlock()

	l.changed.Broadcast()
	return base, count, nil
}

// AppendFollower validates and appends batches fetched from a leader,
// which must begin at the LEO.
func (l *Log) AppendFollower(b []byte) error {
	raws, infos, err := splitBatches(b)
	if err != nil {
		return err
	}

	l.mu.Lock()
	for i := range raws {
		if infos[i].base != l.leo {
			l.mu.Unlock()
			return errors.WithMessagef(ErrNonContiguous, "base offset %d, LEO %d", infos[i].base, l.leo)
		}
		l.append(storedBatch{batchInfo: infos[i], raw: append([]byte(nil), raws[i]...)})
	}
	l.mu.Unlock()

	l.changed.Broadcast()
	return nil
}

func (l *Log) append(sb storedBatch) {
	l.assignEpoch(sb.epoch, sb.base)
	l.batches = append(l.batches, sb)
	l.leo = sb.last + 1
	l.bytes += int64(len(sb.raw))
}

// SetHighWatermark moves the HW to |hw|, bounded by the LEO. Leaders only
// ever advance their HW, and pass |monotonic|.
func (l *Log) SetHighWatermark(hw int64, monotonic bool) bool {
	l.mu.Lock()
	if hw > l.leo {
		hw = l.leo
	}
	var changed = hw != l.hw && !(monotonic && hw < l.hw)
	if changed {
		l.hw = hw
	}
	l.mu.Unlock()

	if changed {
		l.changed.Broadcast()
	}
	return changed
}

// Truncate removes all batches at or beyond |offset|. A batch spanning
// |offset| is removed in whole. It returns the number of removed batches.
func (l *Log) Truncate(offset int64) int {
	l.mu.Lock()

	var ind = sort.Search(len(l.batches), func(i int) bool { return l.batches[i].last >= offset })
	var removed = len(l.batches) - ind

	for _, sb := range l.batches[ind:] {
		l.bytes -= int64(len(sb.raw))
	}
	l.batches = l.batches[:ind]

	if ind == 0 {
		l.leo = 0
	} else {
		l.leo = l.batches[ind-1].last + 1
	}
	if l.hw > l.leo {
		l.hw = l.leo
	}
	for len(l.epochs) != 0 && l.epochs[len(l.epochs)-1].start >= l.leo {
		l.epochs = l.epochs[:len(l.epochs)-1]
	}
	l.mu.Unlock()

	if removed != 0 {
		l.changed.Broadcast()
	}
	return removed
}

// EndOffsetForEpoch returns the largest epoch of the Log which is at most
// |epoch|, and the offset at which that epoch ended: the start offset of
// its successor, or the LEO if it's the latest epoch. If |epoch| precedes
// every epoch of the Log, UndefinedEpoch is returned with the start offset
// of the first epoch.
func (l *Log) EndOffsetForEpoch(epoch int32) (int32, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ind = sort.Search(len(l.epochs), func(i int) bool { return l.epochs[i].epoch > epoch })

	if ind == 0 && len(l.epochs) != 0 {
		return UndefinedEpoch, l.epochs[0].start
	} else if ind == 0 {
		return UndefinedEpoch, l.leo
	} else if ind == len(l.epochs) {
		return l.epochs[ind-1].epoch, l.leo
	}
	return l.epochs[ind-1].epoch, l.epochs[ind].start
}

// Read returns whole batches beginning with the one holding |offset|, and
// ending before |limit|. At least one batch is returned if one is available,
// even if it exceeds |maxBytes|. An |offset| beyond the LEO is out of range.
func (l *Log) Read(offset, limit int64, maxBytes int32) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if offset < 0 || offset > l.leo {
		return nil, errors.WithMessagef(ErrOffsetOutOfRange, "offset %d, LEO %d", offset, l.leo)
	}
	var out []byte
	var ind = sort.Search(len(l.batches), func(i int) bool { return l.batches[i].last >= offset })

	for ; ind != len(l.batches); ind++ {
		var sb = l.batches[ind]
		if sb.last >= limit {
			break
		} else if len(out) != 0 && len(out)+len(sb.raw) > int(maxBytes) {
			break
		}
		out = append(out, sb.raw...)
	}
	return out, nil
}

// OffsetForTimestamp returns the base offset of the first batch having a
// max timestamp of at least |ts|, or the LEO if there is none.
func (l *Log) OffsetForTimestamp(ts int64) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, sb := range l.batches {
		if sb.maxTimestamp >= ts {
			return sb.base
		}
	}
	return l.leo
}
