package channeldb

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"

	"github.com/nayutafoundry/chandler/lnwire"
)

var (
	// openChannelBucket houses one serialized channel snapshot per
	// channel id.
	openChannelBucket = []byte("open-chan-bucket")

	// pendingRelayBucket houses, per channel id, the settlement commands
	// awaiting replay on the upstream channel.
	pendingRelayBucket = []byte("pending-relay-bucket")

	// preimageBucket maps payment hashes to their learned preimages.
	preimageBucket = []byte("preimage-bucket")

	// ErrChannelNotFound is returned when no snapshot exists under the
	// requested channel id.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrNoPreimage is returned when the preimage for a payment hash is
	// unknown.
	ErrNoPreimage = errors.New("no preimage for hash")
)

// DB is the node's channel store. Channel snapshots are stored as opaque
// blobs produced by the channel package's serialization; this package
// guarantees the durability and atomicity contract: a Put that returns nil
// has hit stable storage, writes to the same channel id are serialized by
// the underlying transaction engine, and writes across channel ids may
// proceed concurrently under serializable isolation.
type DB struct {
	backend kvdb.Backend
}

// Open creates or opens the channel store at the given path using the
// default bolt backend.
func Open(dbPath string) (*DB, error) {
	backend, err := kvdb.Create(
		kvdb.BoltBackendName, dbPath, true, time.Second*60, false,
	)
	if err != nil {
		return nil, err
	}

	db := &DB{backend: backend}
	if err := db.init(); err != nil {
		backend.Close()
		return nil, err
	}

	return db, nil
}

// NewWithBackend wraps an existing kvdb backend, such as an in-memory, etcd
// or sql one, in place of the default bolt backend.
func NewWithBackend(backend kvdb.Backend) (*DB, error) {
	db := &DB{backend: backend}
	if err := db.init(); err != nil {
		return nil, err
	}
	return db, nil
}

// init creates the top level buckets.
func (d *DB) init() error {
	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		if _, err := tx.CreateTopLevelBucket(
			openChannelBucket,
		); err != nil {
			return err
		}
		if _, err := tx.CreateTopLevelBucket(
			pendingRelayBucket,
		); err != nil {
			return err
		}
		_, err := tx.CreateTopLevelBucket(preimageBucket)
		return err
	}, func() {})
}

// Close releases the underlying backend.
func (d *DB) Close() error {
	return d.backend.Close()
}

// PutChannel durably stores the serialized snapshot for a channel,
// atomically replacing any previous one. The durability rules of the
// commitment protocol reduce to calling this at the right moments: before a
// commitment_signed leaves the node, and before a revoke_and_ack leaves the
// node (the snapshot embeds the revocation store, making the two writes one).
func (d *DB) PutChannel(id lnwire.ChannelID, snapshot []byte) error {
	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(openChannelBucket)
		return bucket.Put(id[:], snapshot)
	}, func() {})
}

// GetChannel fetches a channel snapshot.
func (d *DB) GetChannel(id lnwire.ChannelID) ([]byte, error) {
	var snapshot []byte
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(openChannelBucket)
		value := bucket.Get(id[:])
		if value == nil {
			return ErrChannelNotFound
		}

		snapshot = make([]byte, len(value))
		copy(snapshot, value)
		return nil
	}, func() {
		snapshot = nil
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// DeleteChannel removes a fully closed channel's snapshot and any pending
// relay entries.
func (d *DB) DeleteChannel(id lnwire.ChannelID) error {
	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(openChannelBucket)
		if err := bucket.Delete(id[:]); err != nil {
			return err
		}

		relays := tx.ReadWriteBucket(pendingRelayBucket)
		if relays.NestedReadWriteBucket(id[:]) != nil {
			return relays.DeleteNestedBucket(id[:])
		}
		return nil
	}, func() {})
}

// ListChannels returns the ids of every stored channel.
func (d *DB) ListChannels() ([]lnwire.ChannelID, error) {
	var ids []lnwire.ChannelID
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(openChannelBucket)
		return bucket.ForEach(func(k, _ []byte) error {
			var id lnwire.ChannelID
			copy(id[:], k)
			ids = append(ids, id)
			return nil
		})
	}, func() {
		ids = nil
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// AddPendingRelay records a settlement command that must be replayed on the
// upstream channel, keyed by the upstream HTLC id. The entry survives until
// the upstream channel acknowledges the settlement.
func (d *DB) AddPendingRelay(id lnwire.ChannelID, htlcID uint64,
	cmd []byte) error {

	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		relays := tx.ReadWriteBucket(pendingRelayBucket)
		bucket, err := relays.CreateBucketIfNotExists(id[:])
		if err != nil {
			return err
		}

		var key [8]byte
		binary.BigEndian.PutUint64(key[:], htlcID)
		return bucket.Put(key[:], cmd)
	}, func() {})
}

// RemovePendingRelay deletes a replayed settlement command.
func (d *DB) RemovePendingRelay(id lnwire.ChannelID, htlcID uint64) error {
	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		relays := tx.ReadWriteBucket(pendingRelayBucket)
		bucket := relays.NestedReadWriteBucket(id[:])
		if bucket == nil {
			return nil
		}

		var key [8]byte
		binary.BigEndian.PutUint64(key[:], htlcID)
		return bucket.Delete(key[:])
	}, func() {})
}

// ListPendingRelay returns all pending settlement commands for a channel,
// keyed by HTLC id.
func (d *DB) ListPendingRelay(id lnwire.ChannelID) (map[uint64][]byte,
	error) {

	cmds := make(map[uint64][]byte)
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		relays := tx.ReadBucket(pendingRelayBucket)
		bucket := relays.NestedReadBucket(id[:])
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			cmds[binary.BigEndian.Uint64(k)] = value
			return nil
		})
	}, func() {
		cmds = make(map[uint64][]byte)
	})
	if err != nil {
		return nil, err
	}

	return cmds, nil
}

// StorePreimage durably records a learned payment preimage. This must
// complete before any upstream fulfill referencing the preimage is
// acknowledged: a crash between the two must never lose the only proof of
// payment.
func (d *DB) StorePreimage(hash, preimage [32]byte) error {
	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(preimageBucket)
		return bucket.Put(hash[:], preimage[:])
	}, func() {})
}

// LookupPreimage fetches a stored preimage by its payment hash.
func (d *DB) LookupPreimage(hash [32]byte) ([32]byte, error) {
	var preimage [32]byte
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(preimageBucket)
		value := bucket.Get(hash[:])
		if value == nil {
			return ErrNoPreimage
		}
		copy(preimage[:], value)
		return nil
	}, func() {
		preimage = [32]byte{}
	})
	if err != nil {
		return [32]byte{}, err
	}

	return preimage, nil
}
