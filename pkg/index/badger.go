package index

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/KevoDB/s3kv/pkg/block"
)

var (
	badgerEntryPrefix = []byte("e/")
	badgerNextIDKey   = []byte("m/next_block_id")
	badgerVersionKey  = []byte("m/format_version")
)

// BadgerBackend keeps the index in a local Badger database, written
// incrementally with each commit.
type BadgerBackend struct {
	db *badger.DB
}

// BadgerOptions configures a BadgerBackend
type BadgerOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps the database in memory, for tests
	InMemory bool
	// SyncWrites fsyncs every commit
	SyncWrites bool
}

// OpenBadgerBackend opens, or creates, the index database
func OpenBadgerBackend(opts BadgerOptions) (*BadgerBackend, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("badger index directory must be specified")
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts.Logger = nil
	bopts.SyncWrites = opts.SyncWrites

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger index: %w", err)
	}

	b := &BadgerBackend{db: db}
	if err := b.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *BadgerBackend) checkVersion() error {
	return b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerVersionKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(badgerVersionKey, binary.LittleEndian.AppendUint64(nil, SnapshotVersion))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("%w: format version is %d bytes", ErrCorruptIndex, len(val))
			}
			if v := binary.LittleEndian.Uint64(val); v != SnapshotVersion {
				return fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
			}
			return nil
		})
	})
}

func entryKey(key []byte) []byte {
	k := make([]byte, 0, len(badgerEntryPrefix)+len(key))
	k = append(k, badgerEntryPrefix...)
	return append(k, key...)
}

// Load implements Backend
func (b *BadgerBackend) Load(ctx context.Context) (*Snapshot, error) {
	entries := make(map[string]Location)
	var nextID uint64

	err := b.db.View(func(txn *badger.Txn) error {
		if item, err := txn.Get(badgerNextIDKey); err == nil {
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("%w: next block id is %d bytes", ErrCorruptIndex, len(val))
				}
				nextID = binary.LittleEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerEntryPrefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)[len(badgerEntryPrefix):]
			err := item.Value(func(val []byte) error {
				_, loc, err := decodeEntry(val)
				if err != nil {
					return err
				}
				entries[string(key)] = loc
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load badger index: %w", err)
	}

	return newSnapshot(0, block.ID(nextID), entries), nil
}

// Commit implements Backend
func (b *BadgerBackend) Commit(ctx context.Context, snap *Snapshot, changes []Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, c := range changes {
		var err error
		if c.Delete {
			err = wb.Delete(entryKey(c.Key))
		} else {
			err = wb.Set(entryKey(c.Key), appendLocation(nil, c.Loc))
		}
		if err != nil {
			return fmt.Errorf("failed to stage index change: %w", err)
		}
	}
	if err := wb.Set(badgerNextIDKey, binary.LittleEndian.AppendUint64(nil, uint64(snap.NextBlockID()))); err != nil {
		return fmt.Errorf("failed to stage next block id: %w", err)
	}

	return wb.Flush()
}

// Close implements Backend
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
