package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerPrefix = "session:"

// BadgerStore keeps sessions in an embedded badger database. Entries carry a
// TTL of retention and are refreshed on every Save, so idle sessions expire
// without a sweeper.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
}

// OpenBadger opens (or creates) a badger database in dir. An empty dir opens
// an in-memory database.
func OpenBadger(dir string, retention time.Duration, log *slog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log.With("component", "badger")})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	if retention <= 0 {
		retention = time.Hour
	}
	return &BadgerStore{db: db, retention: retention}, nil
}

func badgerKey(id string) []byte { return []byte(badgerPrefix + id) }

func (b *BadgerStore) Get(_ context.Context, id string) (*Session, error) {
	var s Session
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

func (b *BadgerStore) Save(_ context.Context, s *Session) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return b.put(txn, s)
	})
}

func (b *BadgerStore) Delete(_ context.Context, id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(id))
	})
}

func (b *BadgerStore) Regenerate(_ context.Context, oldID string, s *Session) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if oldID != "" {
			if err := txn.Delete(badgerKey(oldID)); err != nil {
				return err
			}
		}
		return b.put(txn, s)
	})
}

// Close flushes and closes the database.
func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) put(txn *badger.Txn, s *Session) error {
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	e := badger.NewEntry(badgerKey(s.ID), val).WithTTL(b.retention)
	return txn.SetEntry(e)
}

// badgerLogger routes badger's printf style logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, args ...interface{}) {
	l.log.Error(trimLine(f, args))
}

func (l badgerLogger) Warningf(f string, args ...interface{}) {
	l.log.Warn(trimLine(f, args))
}

func (l badgerLogger) Infof(f string, args ...interface{}) {
	l.log.Info(trimLine(f, args))
}

func (l badgerLogger) Debugf(f string, args ...interface{}) {
	l.log.Debug(trimLine(f, args))
}

func trimLine(f string, args []interface{}) string {
	return strings.TrimRight(fmt.Sprintf(f, args...), "\n")
}
