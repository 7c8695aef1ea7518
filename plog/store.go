package plog

import (
	"errors"
	"sync"
)

var (
	// ErrLogFull is returned by a Store that cannot take more records. The
	// log reacts by compacting; a compaction that does not fit either is a
	// durability failure.
	ErrLogFull = errors.New("plog: log full")
	// ErrNotDurable wraps every failure to make a record durable. It is
	// fatal for the write path that asked for the record.
	ErrNotDurable = errors.New("plog: record not durable")
	// ErrCorrupt reports an undecodable record during replay.
	ErrCorrupt = errors.New("plog: corrupt record")
	// ErrUnknownRecord is returned by an undo for a contribution the log
	// does not hold.
	ErrUnknownRecord = errors.New("plog: unknown record")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("plog: closed")
)

// Store is the durable medium behind a Log. Append and Compact return only
// once their records are durable; a failed Append must leave no partial
// batch visible to Replay.
type Store interface {
	// Append adds recs after the current contents.
	Append(recs []Record) error
	// Compact atomically replaces the contents with live.
	Compact(live []Record) error
	// Replay calls f on every stored record, oldest first.
	Replay(f func(Record) error) error
	Close() error
}

// MemStore keeps records in memory. Capacity 0 means unbounded.
type MemStore struct {
	mu       *sync.Mutex
	recs     []Record
	capacity int
	failErr  error
	appends  int
	compacts int
}

func NewMemStore(capacity int) *MemStore {
	return &MemStore{mu: new(sync.Mutex), capacity: capacity}
}

func (s *MemStore) Append(recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.capacity > 0 && len(s.recs)+len(recs) > s.capacity {
		return ErrLogFull
	}
	s.recs = append(s.recs, recs...)
	s.appends++
	return nil
}

func (s *MemStore) Compact(live []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.capacity > 0 && len(live) > s.capacity {
		return ErrLogFull
	}
	s.recs = append([]Record(nil), live...)
	s.compacts++
	return nil
}

func (s *MemStore) Replay(f func(Record) error) error {
	s.mu.Lock()
	recs := append([]Record(nil), s.recs...)
	s.mu.Unlock()
	for _, r := range recs {
		if err := f(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Close() error { return nil }

// FailWith makes every later Append and Compact fail with err; nil heals
// the store.
func (s *MemStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Records returns a copy of the stored records.
func (s *MemStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.recs...)
}

// Stats returns the number of successful appends and compactions.
func (s *MemStore) Stats() (appends int, compacts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends, s.compacts
}
