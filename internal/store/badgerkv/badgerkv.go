// Package badgerkv persists string values in an embedded badger database.
// It is the alternative to the sqlite kv table for holding the outbound queue.
package badgerkv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// record is the stored form of a value.
type record struct {
	Value     string
	UpdatedAt int64
}

// Store is a badger-backed key-value store. Keys are namespaced by Prefix.
type Store struct {
	Prefix []byte
	db     *badger.DB
}

// Open opens (or creates) a badger database in dir.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(newLogger(logger))
	return open(opts)
}

// OpenInMemory opens a badger database that never touches disk.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
}

func open(opts badger.Options) (*Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, Prefix: []byte("chatsync:")}, nil
}

func (s *Store) key(k string) []byte {
	return append(append([]byte{}, s.Prefix...), k...)
}

// Get returns the value stored under key. ok is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(s.key(key))
		if err != nil {
			return err
		}
		return i.Value(func(b []byte) error {
			return cbor.Unmarshal(b, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := cbor.Marshal(record{Value: value, UpdatedAt: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(key), b)
	})
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// zapLogger adapts zap to badger.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func newLogger(l *zap.Logger) badger.Logger {
	if l == nil {
		return nil
	}
	// badger is chatty at info level
	return &zapLogger{s: l.Named("badger").WithOptions(zap.IncreaseLevel(zap.WarnLevel)).Sugar()}
}

func (z *zapLogger) Errorf(f string, v ...interface{})   { z.s.Errorf(f, v...) }
func (z *zapLogger) Warningf(f string, v ...interface{}) { z.s.Warnf(f, v...) }
func (z *zapLogger) Infof(f string, v ...interface{})    { z.s.Infof(f, v...) }
func (z *zapLogger) Debugf(f string, v ...interface{})   { z.s.Debugf(f, v...) }
