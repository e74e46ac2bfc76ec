// Package badger implements an embedded on-disk tier on BadgerDB. It is the
// third-tier option for deployments that want cache contents to survive
// process restarts without a shared backend.
//
// Row layout: data rows live under "d!<key>", tag index rows under
// "t!<tag>!<key>" with an empty value and the member's TTL. Tag rows are not
// rewritten on Delete; they expire with the data they point at and
// InvalidateTag tolerates already-gone members.
package badger

import (
	"context"
	"errors"
	"time"

	bd "github.com/dgraph-io/badger/v4"

	"github.com/unkn0wn-root/tiercache/tier"
)

const (
	dataPrefix = "d!"
	tagPrefix  = "t!"
	tagSep     = "!"
)

type Store struct {
	db  *bd.DB
	now func() time.Time
}

var (
	_ tier.Tier    = (*Store)(nil)
	_ tier.Scanner = (*Store)(nil)
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM; handy for tests.
	InMemory bool
}

func New(cfg Config) (*Store, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, errors.New("badger tier: path is required")
	}
	opts := bd.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}
	db, err := bd.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Name() string { return "badger" }

func dataKey(key string) []byte { return []byte(dataPrefix + key) }
func tagRow(tag, key string) []byte {
	return []byte(tagPrefix + tag + tagSep + key)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *bd.Txn) error {
		item, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, bd.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		return s.Delete(context.Background(), key)
	}
	return s.db.Update(func(txn *bd.Txn) error {
		if err := txn.SetEntry(bd.NewEntry(dataKey(key), value).WithTTL(ttl)); err != nil {
			return err
		}
		for _, t := range tags {
			if err := txn.SetEntry(bd.NewEntry(tagRow(t, key), nil).WithTTL(ttl)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Contains(_ context.Context, key string) (bool, error) {
	err := s.db.View(func(txn *bd.Txn) error {
		_, err := txn.Get(dataKey(key))
		return err
	})
	if errors.Is(err, bd.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(txn *bd.Txn) error {
		err := txn.Delete(dataKey(key))
		if errors.Is(err, bd.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *Store) InvalidateTag(_ context.Context, tag string) (int, error) {
	prefix := []byte(tagPrefix + tag + tagSep)
	removed := 0
	err := s.db.Update(func(txn *bd.Txn) error {
		iopts := bd.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)

		var tagRows, members [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			row := it.Item().KeyCopy(nil)
			tagRows = append(tagRows, row)
			member := string(row[len(prefix):])
			members = append(members, dataKey(member))
		}
		it.Close()

		for i, m := range members {
			if err := txn.Delete(m); err == nil {
				removed++
			} else if !errors.Is(err, bd.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(tagRows[i]); err != nil && !errors.Is(err, bd.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) TTL(_ context.Context, key string) (time.Duration, error) {
	var expires uint64
	err := s.db.View(func(txn *bd.Txn) error {
		item, err := txn.Get(dataKey(key))
		if err != nil {
			return err
		}
		expires = item.ExpiresAt()
		return nil
	})
	if errors.Is(err, bd.ErrKeyNotFound) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	if expires == 0 {
		return -1, nil // stored without expiry
	}
	remaining := time.Unix(int64(expires), 0).Sub(s.now())
	if remaining <= 0 {
		return -1, nil
	}
	return remaining, nil
}

// Expire rewrites the entry with a new TTL; Badger has no in-place TTL
// update, so the value is read and stored again.
func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		err := s.Delete(context.Background(), key)
		return err == nil, err
	}
	found := false
	err := s.db.Update(func(txn *bd.Txn) error {
		item, err := txn.Get(dataKey(key))
		if errors.Is(err, bd.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found = true
		return txn.SetEntry(bd.NewEntry(dataKey(key), val).WithTTL(ttl))
	})
	return found, err
}

func (s *Store) Clear(_ context.Context) error {
	return s.db.DropAll()
}

// Scan enumerates data keys with the given prefix.
func (s *Store) Scan(_ context.Context, prefix string, fn func(key string) error) error {
	full := []byte(dataPrefix + prefix)
	var keys []string
	err := s.db.View(func(txn *bd.Txn) error {
		iopts := bd.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = full
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			keys = append(keys, string(k[len(dataPrefix):]))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Stats() tier.Stats {
	lsm, vlog := s.db.Size()
	return tier.Stats{BytesUsed: lsm + vlog}
}

func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}
