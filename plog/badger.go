package plog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/mit-pdos/go-raidframe/util"
)

// BadgerStore keeps records in a badger key space. Records of generation g
// live under "plog/<g>/<seq>"; "plog/gen" names the live generation.
// Compaction writes the next generation and switches "plog/gen" in one
// transaction, then drops the old generation.
type BadgerStore struct {
	db  *badger.DB
	gen uint64
}

var genKey = []byte("plog/gen")

func genPrefix(gen uint64) []byte {
	k := []byte("plog/g")
	k = binary.BigEndian.AppendUint64(k, gen)
	return append(k, '/')
}

func recKey(gen uint64, r Record) []byte {
	return binary.BigEndian.AppendUint64(genPrefix(gen), uint64(r.Seq))
}

// OpenBadgerStore opens (or creates) a store at path. An empty path opens
// an in-memory database.
func OpenBadgerStore(path string, syncWrites bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(syncWrites)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger parity log: %w", err)
	}
	s := &BadgerStore{db: db}
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(genKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("%w: generation key of %d bytes", ErrCorrupt, len(val))
			}
			s.gen = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) Append(recs []Record) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, r := range recs {
			if err := txn.Set(recKey(s.gen, r), r.encode()); err != nil {
				if errors.Is(err, badger.ErrTxnTooBig) {
					return ErrLogFull
				}
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Compact(live []Record) error {
	next := s.gen + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, r := range live {
			if err := txn.Set(recKey(next, r), r.encode()); err != nil {
				if errors.Is(err, badger.ErrTxnTooBig) {
					return ErrLogFull
				}
				return err
			}
		}
		return txn.Set(genKey, binary.BigEndian.AppendUint64(nil, next))
	})
	if err != nil {
		return err
	}
	old := s.gen
	s.gen = next
	if err := s.db.DropPrefix(genPrefix(old)); err != nil {
		util.DPrintf(1, "BadgerStore.Compact: drop generation %d: %v\n", old, err)
	}
	return nil
}

func (s *BadgerStore) Replay(f func(Record) error) error {
	prefix := genPrefix(s.gen)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r Record
			err := it.Item().Value(func(val []byte) error {
				var err error
				r, err = decodeRecord(val)
				return err
			})
			if err != nil {
				return fmt.Errorf("key %x: %w", it.Item().Key(), err)
			}
			if err := f(r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
