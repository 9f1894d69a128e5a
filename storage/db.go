// Package storage wraps BadgerDB as the generic embedded ordered-key/value
// engine every logical database in the ledger store (blocks, UTXOs, key
// images, cluster wealth, meta) is built on top of. It owns nothing about
// block/transaction semantics; that belongs to package ledger.
package storage

import (
	"github.com/dgraph-io/badger/v3"
)

// DB wraps a single BadgerDB handle. Writers are serialized by Badger's own
// single-writer transaction model; readers use snapshot-isolated read
// transactions that never block the writer.
type DB struct {
	bdb *badger.DB
}

// Open opens or creates a BadgerDB database at path. Badger's own chatty
// logger is disabled; the ledger layer logs the events that matter.
func Open(path string) (*DB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{bdb: bdb}, nil
}

// OpenInMemory opens a Badger instance backed by memory only, used by tests
// and by ephemeral test-double nodes that never persist across restarts.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &DB{bdb: bdb}, nil
}

// Close releases the underlying Badger handle. Safe to call once.
func (d *DB) Close() error {
	return d.bdb.Close()
}

// Update runs fn inside a single read-write Badger transaction, committed
// atomically on return. All writes for one block application pass through
// exactly one Update call so a crash mid-commit leaves the store on the
// previous height.
func (d *DB) Update(fn func(txn *badger.Txn) error) error {
	return d.bdb.Update(fn)
}

// View runs fn inside a snapshot-isolated read-only transaction. Long-lived
// View handles never block concurrent Update calls.
func (d *DB) View(fn func(txn *badger.Txn) error) error {
	return d.bdb.View(fn)
}

// Badger exposes the underlying handle for callers that need direct access
// to Badger's API; the ledger itself goes through Update and View.
func (d *DB) Badger() *badger.DB { return d.bdb }
