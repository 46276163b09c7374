package channeldb

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nayutafoundry/chandler/lnwire"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "channel.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

// TestChannelSnapshots exercises the put/get/delete cycle of channel
// snapshots.
func TestChannelSnapshots(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	var id lnwire.ChannelID
	id[0] = 0x01

	_, err := db.GetChannel(id)
	require.ErrorIs(t, err, ErrChannelNotFound)

	snapshot := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, db.PutChannel(id, snapshot))

	got, err := db.GetChannel(id)
	require.NoError(t, err)
	require.Equal(t, snapshot, got)

	// A put replaces atomically.
	snapshot2 := []byte{0xca, 0xfe}
	require.NoError(t, db.PutChannel(id, snapshot2))
	got, err = db.GetChannel(id)
	require.NoError(t, err)
	require.Equal(t, snapshot2, got)

	ids, err := db.ListChannels()
	require.NoError(t, err)
	require.Equal(t, []lnwire.ChannelID{id}, ids)

	require.NoError(t, db.DeleteChannel(id))
	_, err = db.GetChannel(id)
	require.ErrorIs(t, err, ErrChannelNotFound)
}

// TestPendingRelay exercises the pending relay queue semantics.
func TestPendingRelay(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	var id lnwire.ChannelID
	id[0] = 0x02

	cmds, err := db.ListPendingRelay(id)
	require.NoError(t, err)
	require.Empty(t, cmds)

	require.NoError(t, db.AddPendingRelay(id, 7, []byte{0x07}))
	require.NoError(t, db.AddPendingRelay(id, 9, []byte{0x09}))

	cmds, err = db.ListPendingRelay(id)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	require.Equal(t, []byte{0x07}, cmds[7])
	require.Equal(t, []byte{0x09}, cmds[9])

	require.NoError(t, db.RemovePendingRelay(id, 7))
	cmds, err = db.ListPendingRelay(id)
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	// Removing a missing entry is a no-op: replays after a crash must
	// not error.
	require.NoError(t, db.RemovePendingRelay(id, 7))

	// Deleting the channel clears its queue too.
	require.NoError(t, db.PutChannel(id, []byte{0x01}))
	require.NoError(t, db.DeleteChannel(id))
	cmds, err = db.ListPendingRelay(id)
	require.NoError(t, err)
	require.Empty(t, cmds)
}

// TestPreimageStore exercises the preimage durability helper.
func TestPreimageStore(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	var hash, preimage [32]byte
	preimage[0] = 0x11
	hash[0] = 0x22

	_, err := db.LookupPreimage(hash)
	require.ErrorIs(t, err, ErrNoPreimage)

	require.NoError(t, db.StorePreimage(hash, preimage))

	got, err := db.LookupPreimage(hash)
	require.NoError(t, err)
	require.Equal(t, preimage, got)
}

// TestOriginCodec round trips both origin variants.
func TestOriginCodec(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, SerializeOrigin(&buf, LocalOrigin{}))

	origin, err := DeserializeOrigin(&buf)
	require.NoError(t, err)
	require.IsType(t, LocalOrigin{}, origin)

	relayed := RelayedOrigin{
		ChanID:   lnwire.ChannelID{0x42},
		HtlcID:   1234,
		AmountIn: 42_000_000,
	}
	buf.Reset()
	require.NoError(t, SerializeOrigin(&buf, relayed))

	origin, err = DeserializeOrigin(&buf)
	require.NoError(t, err)
	require.Equal(t, relayed, origin)
}
