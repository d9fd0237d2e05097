package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

var mappingsKey = []byte("settings/mappings")

// BadgerBackend keeps the mapping document in an embedded badger database,
// for running without a remote settings store.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the database at dir.
// An empty dir opens an in-memory database.
func OpenBadger(dir string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

// Fetch implements Backend. An empty database is seeded with the default
// mappings.
func (b *BadgerBackend) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(mappingsKey)
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		slog.Info("seeding default mappings", "backend", KindBadger)
		return b.Replace(ctx, defaultDocument())
	}
	if err != nil {
		return nil, fmt.Errorf("read mappings: %w", err)
	}
	return doc, nil
}

// Replace implements Backend.
func (b *BadgerBackend) Replace(ctx context.Context, doc []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored := append([]byte(nil), doc...)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(mappingsKey, stored)
	})
	if err != nil {
		return nil, fmt.Errorf("write mappings: %w", err)
	}
	return stored, nil
}

// Close releases the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
