// Package classdir implements the classname directory (spec.md §3.6/§4.3):
// a persistent name→class-OID map, backed by a bbolt bucket the way
// pkg/storage/boltdb.go's BoltStore persists its entities (bolt.Open +
// CreateBucketIfNotExists + Put/Get/Delete inside db.Update/db.View), plus a
// transient in-memory overlay that stages pending DDL per transaction.
package classdir

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/novadb/heapstore/internal/errs"
	"github.com/novadb/heapstore/internal/storeid"
)

const logDebugPrefix = "classdir:"

var bucketNames = []byte("names")

// Action is the pending-DDL state a transient entry carries.
type Action int

const (
	Reserved Action = iota + 1
	ReservedRename
	Deleted
	DeletedRename
	Exist
)

// TransientEntry is the in-memory overlay record for one name (spec.md §3.6).
type TransientEntry struct {
	Name      string
	TranIndex int64
	Action    Action
	OID       storeid.ClassOID
}

// LockManager is the minimal exclusive-lock surface the directory needs
// (spec.md §4.3: "take an exclusive lock on the class-OID", "acquire an
// exclusive lock on the stored OID, release it, and retry").
type LockManager interface {
	TryLockExclusive(tran int64, oid storeid.ClassOID) bool
	LockExclusive(tran int64, oid storeid.ClassOID)
	Unlock(tran int64, oid storeid.ClassOID)
}

// Directory is the classname directory singleton.
type Directory struct {
	db *bolt.DB

	mu       sync.Mutex
	transient map[string]*TransientEntry
	existCap  int

	locks LockManager
}

// Open opens (creating if absent) the bbolt-backed persistent half at path
// and wires a transient overlay bounded by existCacheCap EXIST entries
// (spec.md §4.3: "EXIST entries may be decached whenever the cache exceeds
// a cap (≈1024)").
func Open(path string, existCacheCap int, locks LockManager) (*Directory, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open classdir db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNames)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create classdir bucket: %w", err)
	}

	return &Directory{
		db:        db,
		transient: make(map[string]*TransientEntry),
		existCap:  existCacheCap,
		locks:     locks,
	}, nil
}

func (d *Directory) Close() error { return d.db.Close() }

func (d *Directory) persistedGet(name string) (storeid.ClassOID, bool, error) {
	var oid storeid.ClassOID
	var found bool

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &oid)
	})
	return oid, found, err
}

func (d *Directory) persistedPut(name string, oid storeid.ClassOID) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNames)
		data, err := json.Marshal(oid)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), data)
	})
}

func (d *Directory) persistedDelete(name string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNames).Delete([]byte(name))
	})
}

// Reserve implements CREATE's name claim (spec.md §4.3). If a transient
// entry for name exists and is ours, it may be re-stamped from
// {Deleted, Reserved} to Reserved; if owned by another transaction it fails;
// if none exists, the persistent hash is probed and, if absent, a transient
// Reserved entry is created under tran and an exclusive lock taken on oid.
func (d *Directory) Reserve(tran int64, name string, oid storeid.ClassOID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.transient[name]; ok {
		if e.TranIndex != tran {
			return errs.New(errs.Conflict, "reserved elsewhere: "+name)
		}
		if e.Action == Deleted || e.Action == Reserved {
			e.Action = Reserved
			return nil
		}
		return errs.New(errs.Conflict, "name busy: "+name)
	}

	if _, found, err := d.persistedGet(name); err != nil {
		return errs.Wrap(errs.Recovery, "classdir lookup failed", err)
	} else if found {
		return errs.New(errs.Conflict, "name exists: "+name)
	}

	if d.locks != nil && !d.locks.TryLockExclusive(tran, oid) {
		return errs.New(errs.Conflict, "lock acquire failed for "+name)
	}

	d.transient[name] = &TransientEntry{Name: name, TranIndex: tran, Action: Reserved, OID: oid}
	return nil
}

// Delete implements DROP's name claim (spec.md §4.3). The dirty-read
// retry loop described in the spec ("acquire an exclusive lock on the
// stored OID, release it, and retry") is left for the caller: Delete
// returns a Conflict error when another transaction owns the name so the
// caller can wait on its lock manager and call Delete again. A cached Exist
// entry belongs to no transaction; Delete takes it over for tran.
func (d *Directory) Delete(tran int64, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.transient[name]; ok {
		if e.Action != Exist && e.TranIndex != tran {
			return errs.New(errs.Conflict, "owned by another transaction: "+name)
		}
		e.TranIndex = tran
		e.Action = Deleted
		return nil
	}

	oid, found, err := d.persistedGet(name)
	if err != nil {
		return errs.Wrap(errs.Recovery, "classdir lookup failed", err)
	}
	if !found {
		return errs.New(errs.NotFound, "no such class: "+name)
	}

	d.transient[name] = &TransientEntry{Name: name, TranIndex: tran, Action: Deleted, OID: oid}
	return nil
}

// Rename performs reserve(new) ∧ delete(old), then flips both entries'
// actions to ReservedRename/DeletedRename (spec.md §4.3) so commit updates
// both persistent entries atomically.
func (d *Directory) Rename(tran int64, oldName, newName string, oid storeid.ClassOID) error {
	if err := d.Reserve(tran, newName, oid); err != nil {
		return err
	}
	if err := d.Delete(tran, oldName); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.transient[newName]; ok {
		e.Action = ReservedRename
	}
	if e, ok := d.transient[oldName]; ok {
		e.Action = DeletedRename
	}
	return nil
}

// Find resolves the transient overlay first, falling back to the
// persistent hash and populating an Exist cache entry on a miss (spec.md
// §4.3). It returns NotFound if name resolves to nothing.
func (d *Directory) Find(name string) (storeid.ClassOID, error) {
	d.mu.Lock()
	if e, ok := d.transient[name]; ok {
		d.mu.Unlock()
		switch e.Action {
		case Deleted, DeletedRename:
			return storeid.ClassOID{}, errs.New(errs.NotFound, "no such class: "+name)
		default:
			return e.OID, nil
		}
	}
	d.mu.Unlock()

	oid, found, err := d.persistedGet(name)
	if err != nil {
		return storeid.ClassOID{}, errs.Wrap(errs.Recovery, "classdir lookup failed", err)
	}
	if !found {
		return storeid.ClassOID{}, errs.New(errs.NotFound, "no such class: "+name)
	}

	d.cacheExist(name, oid)
	return oid, nil
}

// cacheExist installs an Exist overlay entry, evicting an arbitrary
// existing Exist entry if the cap is exceeded (spec.md §4.3's "may be
// decached whenever the cache exceeds a cap" leaves the victim
// unspecified).
func (d *Directory) cacheExist(name string, oid storeid.ClassOID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.transient[name]; ok {
		return
	}

	if d.existCount() >= d.existCap {
		for n, e := range d.transient {
			if e.Action == Exist {
				delete(d.transient, n)
				break
			}
		}
	}
	d.transient[name] = &TransientEntry{Name: name, Action: Exist, OID: oid}
}

func (d *Directory) existCount() int {
	n := 0
	for _, e := range d.transient {
		if e.Action == Exist {
			n++
		}
	}
	return n
}

// EndTransaction walks the directory at transaction end: on commit,
// reserved entries owned by tran are persisted and converted to Exist, and
// deleted ones are removed from the persistent hash and from the overlay; on
// rollback they are simply dropped (spec.md §3.6, §4.3).
func (d *Directory) EndTransaction(tran int64, commit bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, e := range d.transient {
		if e.Action == Exist || e.TranIndex != tran {
			continue
		}

		if !commit {
			delete(d.transient, name)
			continue
		}

		switch e.Action {
		case Reserved, ReservedRename:
			if err := d.persistedPut(name, e.OID); err != nil {
				return errs.Wrap(errs.Recovery, "classdir commit failed", err)
			}
			e.Action = Exist
		case Deleted, DeletedRename:
			if err := d.persistedDelete(name); err != nil {
				return errs.Wrap(errs.Recovery, "classdir commit failed", err)
			}
			delete(d.transient, name)
		}
	}

	slog.Debug(logDebugPrefix+" end transaction", "tran", tran, "commit", commit)
	return nil
}
