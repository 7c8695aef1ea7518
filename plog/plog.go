// plog is the parity log: a write-ahead log of pending parity changes,
// keyed by reconstruction unit, that closes the write hole between a data
// write and its parity write.
//
// Callers add contributions (update or overwrite records) to a unit and
// withdraw them again on undo. Every change is appended to an in-memory
// tail; a logger goroutine writes the tail to the Store in batches (group
// commit) and wakes the callers whose records became durable. An undo never
// edits history: it appends a cancel record naming the contribution it
// withdraws.
//
//  [ durable records | being logged | in-memory tail ]
//                    ^              ^               ^
//                    diskEnd        logging         memEnd
//
// A failure to make a record durable poisons the log: the caller, every
// waiter, and every later caller get an error wrapping ErrNotDurable.
package plog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/lockmap"
	"github.com/mit-pdos/go-raidframe/util"
)

// Entry is the effective pending state of one reconstruction unit: the
// fold of its live contributions.
type Entry struct {
	RU       common.RUIndex
	Priority common.Priority
	Op       Op
	Region   addr.Region
	// Contributions lists the live update/overwrite records, oldest first.
	Contributions []Record
}

type Log struct {
	store Store
	locks *lockmap.LockMap

	memLock    *sync.Mutex
	condLogger *sync.Cond
	condFlush  *sync.Cond
	condShut   *sync.Cond

	table   map[common.RUIndex][]Record
	memLog  []Record
	nextSeq common.SeqNum
	memEnd  common.SeqNum
	diskEnd common.SeqNum
	err     error

	shutdown bool
	nthread  uint64
	batches  uint64
	compacts uint64
}

func mkLog(store Store) (*Log, error) {
	ml := new(sync.Mutex)
	l := &Log{
		store:      store,
		locks:      lockmap.MkLockMap(),
		memLock:    ml,
		condLogger: sync.NewCond(ml),
		condFlush:  sync.NewCond(ml),
		condShut:   sync.NewCond(ml),
		table:      make(map[common.RUIndex][]Record),
	}
	var last common.SeqNum
	n := 0
	err := store.Replay(func(r Record) error {
		n++
		if r.Seq > last {
			last = r.Seq
		}
		l.apply(r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("plog: replay: %w", err)
	}
	l.nextSeq = last + 1
	l.memEnd = last
	l.diskEnd = last
	util.DPrintf(1, "plog: replayed %d records, %d units pending\n", n, len(l.table))
	return l, nil
}

// Open replays store and starts the logger.
func Open(store Store) (*Log, error) {
	l, err := mkLog(store)
	if err != nil {
		return nil, err
	}
	go func() { l.logger() }()
	return l, nil
}

// apply folds r into the table. Replay may see a contribution twice when a
// batch raced with a compaction; the duplicate is ignored.
//
// Assumes caller holds memLock (or has exclusive access during replay).
func (l *Log) apply(r Record) {
	switch r.Op {
	case OpUpdate, OpOverwrite:
		for _, c := range l.table[r.RU] {
			if c.Seq == r.Seq {
				return
			}
		}
		l.table[r.RU] = append(l.table[r.RU], r)
	case OpCancel:
		l.remove(r.RU, r.Ref)
	case OpRetire:
		delete(l.table, r.RU)
	}
}

func (l *Log) remove(ru common.RUIndex, seq common.SeqNum) (Record, bool) {
	contribs := l.table[ru]
	for i, c := range contribs {
		if c.Seq == seq {
			rest := append(contribs[:i:i], contribs[i+1:]...)
			if len(rest) == 0 {
				delete(l.table, ru)
			} else {
				l.table[ru] = rest
			}
			return c, true
		}
	}
	return Record{}, false
}

// fold computes the effective entry of a unit. Priorities keep the max and
// regions union to their covering extent. Each owner's latest op stands for
// that owner; an overwrite from any owner supersedes updates.
func fold(ru common.RUIndex, contribs []Record) Entry {
	e := Entry{RU: ru, Op: OpUpdate, Contributions: append([]Record(nil), contribs...)}
	last := make(map[uuid.UUID]Op)
	for _, c := range contribs {
		e.Priority = common.Priority(util.Max(uint64(e.Priority), uint64(c.Priority)))
		if e.Region.Len == 0 || e.Region.Dev != c.Region.Dev {
			e.Region = c.Region
		} else {
			e.Region = e.Region.Union(c.Region)
		}
		last[c.Owner] = c.Op
	}
	for _, op := range last {
		if op == OpOverwrite {
			e.Op = OpOverwrite
		}
	}
	return e
}

// memAppend adds r to the in-memory tail and returns its sequence number.
//
// Assumes caller holds memLock.
func (l *Log) memAppend(r Record) common.SeqNum {
	r.Seq = l.nextSeq
	l.nextSeq++
	l.apply(r)
	l.memLog = append(l.memLog, r)
	l.memEnd = r.Seq
	l.condLogger.Broadcast()
	return r.Seq
}

// waitDurable waits for the logger to make seq durable.
//
// Assumes caller holds memLock.
func (l *Log) waitDurable(seq common.SeqNum) error {
	for l.diskEnd < seq && l.err == nil {
		l.condFlush.Wait()
	}
	if l.diskEnd >= seq {
		return nil
	}
	return l.err
}

func (l *Log) check() error {
	if l.err != nil {
		return l.err
	}
	if l.shutdown {
		return ErrClosed
	}
	return nil
}

func (l *Log) contribute(op Op, owner uuid.UUID, ru common.RUIndex,
	prio common.Priority, r addr.Region) (common.SeqNum, error) {
	l.locks.Acquire(ru)
	defer l.locks.Release(ru)

	l.memLock.Lock()
	defer l.memLock.Unlock()
	if err := l.check(); err != nil {
		return common.NULLSEQ, err
	}
	seq := l.memAppend(Record{RU: ru, Priority: prio, Op: op, Region: r, Owner: owner})
	util.DPrintf(5, "plog: %v ru=%d seq=%d %v\n", op, ru, seq, r)
	if err := l.waitDurable(seq); err != nil {
		l.remove(ru, seq)
		return common.NULLSEQ, err
	}
	return seq, nil
}

// Update records a pending incremental parity change of region in unit ru
// on behalf of owner, merging with the unit's existing state. It returns
// once the record is durable; the returned sequence number identifies the
// contribution for UndoUpdate.
func (l *Log) Update(owner uuid.UUID, ru common.RUIndex, prio common.Priority,
	r addr.Region) (common.SeqNum, error) {
	return l.contribute(OpUpdate, owner, ru, prio, r)
}

// Overwrite records that the parity of unit ru is being fully rewritten.
// It supersedes any pending update of the unit.
func (l *Log) Overwrite(owner uuid.UUID, ru common.RUIndex, prio common.Priority,
	r addr.Region) (common.SeqNum, error) {
	return l.contribute(OpOverwrite, owner, ru, prio, r)
}

func (l *Log) undo(op Op, ru common.RUIndex, seq common.SeqNum) error {
	l.locks.Acquire(ru)
	defer l.locks.Release(ru)

	l.memLock.Lock()
	defer l.memLock.Unlock()
	if err := l.check(); err != nil {
		return err
	}
	var found *Record
	for _, c := range l.table[ru] {
		if c.Seq == seq {
			found = &c
			break
		}
	}
	if found == nil {
		return fmt.Errorf("%w: ru %d seq %d", ErrUnknownRecord, ru, seq)
	}
	if found.Op != op {
		return fmt.Errorf("%w: ru %d seq %d is %v, not %v",
			ErrUnknownRecord, ru, seq, found.Op, op)
	}
	cseq := l.memAppend(Record{RU: ru, Op: OpCancel, Ref: seq, Owner: found.Owner})
	util.DPrintf(5, "plog: cancel ru=%d ref=%d seq=%d\n", ru, seq, cseq)
	return l.waitDurable(cseq)
}

// UndoUpdate withdraws the update contribution seq from unit ru.
func (l *Log) UndoUpdate(ru common.RUIndex, seq common.SeqNum) error {
	return l.undo(OpUpdate, ru, seq)
}

// UndoOverwrite withdraws the overwrite contribution seq from unit ru.
func (l *Log) UndoOverwrite(ru common.RUIndex, seq common.SeqNum) error {
	return l.undo(OpOverwrite, ru, seq)
}

// Retire drops unit ru once its parity is consistent again.
func (l *Log) Retire(ru common.RUIndex) error {
	l.locks.Acquire(ru)
	defer l.locks.Release(ru)

	l.memLock.Lock()
	defer l.memLock.Unlock()
	if err := l.check(); err != nil {
		return err
	}
	if _, ok := l.table[ru]; !ok {
		return nil
	}
	seq := l.memAppend(Record{RU: ru, Op: OpRetire})
	return l.waitDurable(seq)
}

// RetireOwned withdraws every contribution owner made to unit ru, retiring
// the unit if nothing else is pending on it.
func (l *Log) RetireOwned(owner uuid.UUID, ru common.RUIndex) error {
	l.locks.Acquire(ru)
	defer l.locks.Release(ru)

	l.memLock.Lock()
	defer l.memLock.Unlock()
	if err := l.check(); err != nil {
		return err
	}
	var mine []common.SeqNum
	for _, c := range l.table[ru] {
		if c.Owner == owner {
			mine = append(mine, c.Seq)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	var seq common.SeqNum
	if len(mine) == len(l.table[ru]) {
		seq = l.memAppend(Record{RU: ru, Op: OpRetire})
	} else {
		for _, s := range mine {
			seq = l.memAppend(Record{RU: ru, Op: OpCancel, Ref: s, Owner: owner})
		}
	}
	return l.waitDurable(seq)
}

// Lookup returns the effective entry of unit ru.
func (l *Log) Lookup(ru common.RUIndex) (Entry, bool) {
	l.memLock.Lock()
	defer l.memLock.Unlock()
	contribs, ok := l.table[ru]
	if !ok {
		return Entry{}, false
	}
	return fold(ru, contribs), true
}

// Pending returns the effective entry of every unit with live
// contributions, highest priority first.
func (l *Log) Pending() []Entry {
	l.memLock.Lock()
	entries := make([]Entry, 0, len(l.table))
	for ru, contribs := range l.table {
		entries = append(entries, fold(ru, contribs))
	}
	l.memLock.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].RU < entries[j].RU
	})
	return entries
}

// Err returns the error that poisoned the log, if any.
func (l *Log) Err() error {
	l.memLock.Lock()
	defer l.memLock.Unlock()
	return l.err
}

// Stats reports the number of batches written and compactions run.
func (l *Log) Stats() (batches uint64, compacts uint64) {
	l.memLock.Lock()
	defer l.memLock.Unlock()
	return l.batches, l.compacts
}

// liveRecords returns every live contribution in sequence order.
//
// Assumes caller holds memLock.
func (l *Log) liveRecords() []Record {
	var live []Record
	for _, contribs := range l.table {
		live = append(live, contribs...)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Seq < live[j].Seq })
	return live
}

// compact replaces the store's contents with the live contributions. The
// table already reflects every record up to memEnd, so on success all of
// them are durable.
//
// Assumes caller holds memLock; holds it across the store write so the
// table cannot move underneath the snapshot.
func (l *Log) compact() error {
	live := l.liveRecords()
	if err := l.store.Compact(live); err != nil {
		return err
	}
	l.compacts++
	l.memLog = nil
	l.diskEnd = l.memEnd
	util.DPrintf(1, "plog: compacted to %d live records\n", len(live))
	return nil
}

// logAppend writes the in-memory tail to the store.
//
// Assumes caller holds memLock.
func (l *Log) logAppend() bool {
	if l.err != nil || len(l.memLog) == 0 {
		return false
	}
	batch := l.memLog
	l.memLog = nil
	end := batch[len(batch)-1].Seq

	l.memLock.Unlock()
	err := l.store.Append(batch)
	l.memLock.Lock()

	if errors.Is(err, ErrLogFull) {
		util.DPrintf(1, "plog: store full at seq %d; compacting\n", end)
		err = l.compact()
	} else if err == nil {
		l.batches++
		if end > l.diskEnd {
			l.diskEnd = end
		}
	}
	if err != nil {
		l.err = fmt.Errorf("%w: %v", ErrNotDurable, err)
		util.DPrintf(0, "plog: %v\n", l.err)
	}
	l.condFlush.Broadcast()
	return true
}

// logger writes the in-memory tail to the store, driven by condLogger.
func (l *Log) logger() {
	l.memLock.Lock()
	l.nthread += 1
	for !l.shutdown {
		progress := l.logAppend()
		if !progress {
			l.condLogger.Wait()
		}
	}
	// flush whatever is left so no waiter is stranded
	for l.logAppend() {
	}
	util.DPrintf(1, "plog logger: shutdown\n")
	l.nthread -= 1
	l.condShut.Signal()
	l.memLock.Unlock()
}

// Shutdown stops the logger and closes the store.
func (l *Log) Shutdown() error {
	util.DPrintf(1, "shutdown plog\n")
	l.memLock.Lock()
	l.shutdown = true
	l.condLogger.Broadcast()
	for l.nthread > 0 {
		l.condShut.Wait()
	}
	if l.err == nil {
		l.err = ErrClosed
	}
	l.condFlush.Broadcast()
	l.memLock.Unlock()
	return l.store.Close()
}
