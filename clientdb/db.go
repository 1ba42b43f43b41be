package clientdb

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var sightingsBucket = []byte("sightings")

// DB resolves peer ids and records client sightings in a bolt database. A nil
// DB resolves without recording.
type DB struct {
	db *bbolt.DB
}

// Open creates or opens the sighting store at path.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open client db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sightingsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create sightings bucket")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// RetrieveID fills ci from the peer id and records the sighting when a store
// is open. Reports whether the id was recognizably Azureus-style.
func (d *DB) RetrieveID(ci *Client, id [20]byte) bool {
	c, ok := ParsePeerID(id)
	if !ok {
		return false
	}
	*ci = c
	if d != nil && d.db != nil {
		// Sighting bookkeeping is best effort.
		_ = d.record(c.Key)
	}
	return true
}

func (d *DB) record(key string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sightingsBucket)
		var n uint64
		if v := b.Get([]byte(key)); v != nil {
			n = binary.BigEndian.Uint64(v)
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], n+1)
		return b.Put([]byte(key), v[:])
	})
}

// Sightings returns how many times a client key has been resolved.
func (d *DB) Sightings(key string) (n uint64, err error) {
	if d == nil || d.db == nil {
		return 0, nil
	}
	err = d.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(sightingsBucket).Get([]byte(key)); v != nil {
			n = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return
}
