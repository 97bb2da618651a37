// Package kv provides a transactional, ordered, multi-map key/value
// backend on top of BadgerDB, generalizing the buffered-operation pattern
// the teacher storage engine uses for in-memory rollback
// (compare pkg/storage/transaction.go's pendingNodes/deletedNodes) into an
// overlay that also supports nested (child) transactions which can be
// aborted independently of their parent.
//
// Badger itself has no notion of a child transaction, so Txn.Child opens a
// fresh in-memory overlay chained to its parent: reads fall through the
// chain until a value (or tombstone) is found, writes land only in the
// child's own overlay, and only a root Commit ever touches Badger. This
// gives output's "apply pending, render, then discard" pattern (spec
// §4.7) for free: aborting a child is just discarding its overlay.
package kv

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Errors surfaced by the backend.
var (
	ErrKeyNotFound    = errors.New("kv: key not found")
	ErrTxnDone        = errors.New("kv: transaction already committed or aborted")
	ErrWriterBusy     = errors.New("kv: another mutable transaction is active")
	ErrReadOnlyChild  = errors.New("kv: cannot write through a committed transaction")
	ErrNothingToWrite = errors.New("kv: empty key")
)

// Options configures Env.
type Options struct {
	// InMemory runs Badger in memory-only mode. Useful for tests.
	InMemory bool
	// SyncWrites forces fsync on every Badger commit.
	SyncWrites bool
	// LowMemory trims Badger's memtable/cache sizes for constrained hosts.
	LowMemory bool
	// Logger receives Badger's internal log output. Nil uses a quiet logger.
	Logger badger.Logger
}

// Env owns the underlying Badger database and enforces the single-writer
// model of spec §5: only one root mutable transaction may be open at a
// time.
type Env struct {
	db     *badger.DB
	mu     sync.Mutex // serializes root Begin/Commit/Abort
	writer bool
}

// Open opens (creating if absent) a Badger-backed environment at path.
func Open(path string, opts Options) (*Env, error) {
	bo := badger.DefaultOptions(path)
	if opts.InMemory {
		bo = bo.WithInMemory(true)
	}
	if opts.SyncWrites {
		bo = bo.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		bo = bo.WithLogger(opts.Logger)
	} else {
		bo = bo.WithLogger(nil)
	}
	if opts.LowMemory {
		bo = bo.
			WithMemTableSize(16 << 20).
			WithValueLogFileSize(64 << 20).
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("kv: open badger: %w", err)
	}
	return &Env{db: db}, nil
}

// Close releases the underlying Badger database.
func (e *Env) Close() error { return e.db.Close() }

// Sync forces pending writes to disk.
func (e *Env) Sync() error { return e.db.Sync() }

// RunGC runs Badger's value-log garbage collection. Safe to call
// periodically on a long-running process; a no-op error is swallowed by
// the caller if nothing needed collecting.
func (e *Env) RunGC() error { return e.db.RunValueLogGC(0.5) }

// entry is one logical write buffered in a transaction's overlay: either a
// value or a tombstone recording that a lower layer's value is masked.
type entry struct {
	deleted bool
	value   []byte
}

// Txn is a mutable transaction, either the root (backed by a live Badger
// transaction used only for reads and, on commit, for writing the
// accumulated overlay) or a child chained to a parent Txn.
type Txn struct {
	env    *Env
	parent *Txn
	badger *badger.Txn // set only on the root
	root   *Txn        // the ultimate ancestor; used to find the Badger txn

	overlay map[string]entry // storageKey -> entry, this level only
	done    bool
}

// storageKey namespaces a raw table key by database name so every table
// shares one Badger keyspace without collision.
func storageKey(db string, key []byte) []byte {
	buf := make([]byte, 0, len(db)+1+len(key))
	buf = append(buf, db...)
	buf = append(buf, 0)
	buf = append(buf, key...)
	return buf
}

// Begin opens the root mutable transaction. Only one may be open at a
// time per Env, mirroring the single-writer model.
func (e *Env) Begin() (*Txn, error) {
	e.mu.Lock()
	if e.writer {
		e.mu.Unlock()
		return nil, ErrWriterBusy
	}
	e.writer = true
	e.mu.Unlock()

	bt := e.db.NewTransaction(true)
	t := &Txn{env: e, badger: bt, overlay: make(map[string]entry)}
	t.root = t
	return t, nil
}

// Child opens a nested transaction whose writes are invisible to siblings
// and to readers outside this chain until it is committed into its
// parent, and whose abort discards them without touching the parent.
func (t *Txn) Child() *Txn {
	c := &Txn{env: t.env, parent: t, root: t.root, overlay: make(map[string]entry)}
	return c
}

// Commit makes this transaction's writes visible to its parent (for a
// child) or durable in Badger (for the root).
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxnDone
	}
	t.done = true

	if t.parent != nil {
		for k, v := range t.overlay {
			t.parent.overlay[k] = v
		}
		return nil
	}

	// Root: translate the overlay into Badger mutations and commit.
	defer t.releaseWriter()
	for k, v := range t.overlay {
		if v.deleted {
			if err := t.badger.Delete([]byte(k)); err != nil && err != badger.ErrKeyNotFound {
				t.badger.Discard()
				return fmt.Errorf("kv: commit delete: %w", err)
			}
			continue
		}
		if err := t.badger.Set([]byte(k), v.value); err != nil {
			t.badger.Discard()
			return fmt.Errorf("kv: commit set: %w", err)
		}
	}
	if err := t.badger.Commit(); err != nil {
		return fmt.Errorf("kv: badger commit: %w", err)
	}
	return nil
}

// Abort discards this transaction's writes. For a child this leaves the
// parent untouched; for the root nothing was ever written to Badger.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	if t.parent == nil {
		t.badger.Discard()
		t.releaseWriter()
	}
}

func (t *Txn) releaseWriter() {
	t.env.mu.Lock()
	t.env.writer = false
	t.env.mu.Unlock()
}

// get walks the overlay chain for a single storage key, then falls back
// to the root Badger transaction's snapshot.
func (t *Txn) get(skey []byte) ([]byte, bool, error) {
	for cur := t; cur != nil; cur = cur.parent {
		if e, ok := cur.overlay[string(skey)]; ok {
			if e.deleted {
				return nil, false, nil
			}
			return e.value, true, nil
		}
	}
	item, err := t.root.badger.Get(skey)
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (t *Txn) put(skey, val []byte) {
	t.overlay[string(skey)] = entry{value: append([]byte(nil), val...)}
}

func (t *Txn) del(skey []byte) {
	t.overlay[string(skey)] = entry{deleted: true}
}

// visibleKeys returns the sorted set of storage keys >= from that are live
// (not tombstoned) anywhere in the chain rooted at t, by merging this
// transaction's overlay, every ancestor's overlay, and the base Badger
// snapshot.
func (t *Txn) visibleKeys(dbPrefix []byte, from []byte) []string {
	seen := make(map[string]bool)
	live := make(map[string]bool)

	mark := func(k string, deleted bool) {
		if seen[k] {
			return
		}
		seen[k] = true
		live[k] = !deleted
	}

	for cur := t; cur != nil; cur = cur.parent {
		for k, e := range cur.overlay {
			if !bytes.HasPrefix([]byte(k), dbPrefix) {
				continue
			}
			mark(k, e.deleted)
		}
	}

	it := t.root.badger.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(dbPrefix); it.ValidForPrefix(dbPrefix); it.Next() {
		k := string(it.Item().KeyCopy(nil))
		mark(k, false)
	}

	out := make([]string, 0, len(live))
	for k, alive := range live {
		if alive && bytes.Compare([]byte(k), from) >= 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Db is a typed handle onto one named table within an Env. Duplicate
// tables encode each (key, value) pair as its own storage key
// (key || 0x00 || value), the same composite-key-as-membership-marker
// trick the teacher's secondary indexes use
// (pkg/storage/badger.go: outgoingIndexKey/outgoingIndexPrefix); the first
// value for a key is simply the first composite key with that prefix.
type Db struct {
	txn  *Txn
	name string
	dup  bool
}

// DB opens a handle for table name on this transaction. dup selects
// multi-value semantics.
func (t *Txn) DB(name string, dup bool) *Db {
	return &Db{txn: t, name: name, dup: dup}
}

func (d *Db) prefix() []byte { return append([]byte(d.name), 0) }

func (d *Db) dupKey(key, value []byte) []byte {
	buf := make([]byte, 0, len(key)+1+len(value))
	buf = append(buf, key...)
	buf = append(buf, 0)
	buf = append(buf, value...)
	return buf
}

// Put stores key -> value. For a dup table this adds value to the set
// already stored under key; for a non-dup table it overwrites.
func (d *Db) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrNothingToWrite
	}
	if d.dup {
		d.txn.put(storageKey(d.name, d.dupKey(key, value)), []byte{})
		return nil
	}
	d.txn.put(storageKey(d.name, key), value)
	return nil
}

// Get returns the first value stored for key (lexicographically smallest,
// for a dup table), or ErrKeyNotFound.
func (d *Db) Get(key []byte) ([]byte, error) {
	if d.dup {
		vals, err := d.GetAll(key)
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			return nil, ErrKeyNotFound
		}
		return vals[0], nil
	}
	val, ok, err := d.txn.get(storageKey(d.name, key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

// GetAll returns every value stored under key in a dup table, sorted.
func (d *Db) GetAll(key []byte) ([][]byte, error) {
	prefix := append(append([]byte(nil), key...), 0)
	full := storageKey(d.name, prefix)
	keys := d.txn.visibleKeys(full, full)
	out := make([][]byte, 0, len(keys))
	for _, sk := range keys {
		raw := []byte(sk)[len(d.name)+1:]
		out = append(out, append([]byte(nil), raw[len(prefix):]...))
	}
	return out, nil
}

// Del removes key. If value is non-nil in a dup table only that (key,
// value) pair is removed; otherwise every value under key is removed.
func (d *Db) Del(key, value []byte) error {
	if !d.dup {
		d.txn.del(storageKey(d.name, key))
		return nil
	}
	if value != nil {
		d.txn.del(storageKey(d.name, d.dupKey(key, value)))
		return nil
	}
	vals, err := d.GetAll(key)
	if err != nil {
		return err
	}
	for _, v := range vals {
		d.txn.del(storageKey(d.name, d.dupKey(key, v)))
	}
	return nil
}

// Has reports whether key (optionally restricted to value, for a dup
// table) is present.
func (d *Db) Has(key, value []byte) (bool, error) {
	if !d.dup {
		_, ok, err := d.txn.get(storageKey(d.name, key))
		return ok, err
	}
	if value == nil {
		vals, err := d.GetAll(key)
		return len(vals) > 0, err
	}
	_, ok, err := d.txn.get(storageKey(d.name, d.dupKey(key, value)))
	return ok, err
}

// Entry is one (key, value) pair yielded by an ordered scan.
type Entry struct {
	Key   []byte
	Value []byte
}

// Iter returns every entry with key >= startKey (and, for a dup table,
// value >= startValue within the first matching key) in ascending order.
// This is the fundamental primitive the graph and patch engines build
// every range scan on top of.
func (d *Db) Iter(startKey, startValue []byte) ([]Entry, error) {
	prefix := d.prefix()
	var from []byte
	if d.dup && startKey != nil {
		from = append(append([]byte(nil), prefix...), d.dupKey(startKey, startValue)...)
	} else if startKey != nil {
		from = append(append([]byte(nil), prefix...), startKey...)
	} else {
		from = prefix
	}

	skeys := d.txn.visibleKeys(prefix, from)
	out := make([]Entry, 0, len(skeys))
	for _, sk := range skeys {
		raw := []byte(sk)[len(d.name)+1:]
		if d.dup {
			idx := bytes.IndexByte(raw, 0)
			if idx < 0 {
				continue
			}
			out = append(out, Entry{Key: append([]byte(nil), raw[:idx]...), Value: append([]byte(nil), raw[idx+1:]...)})
			continue
		}
		val, ok, err := d.txn.get(sk)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Entry{Key: append([]byte(nil), raw...), Value: val})
	}
	return out, nil
}

// IterPrefix scans every entry whose key has the given prefix.
func (d *Db) IterPrefix(prefix []byte) ([]Entry, error) {
	all, err := d.Iter(prefix, nil)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if bytes.HasPrefix(e.Key, prefix) {
			out = append(out, e)
		}
	}
	return out, nil
}
