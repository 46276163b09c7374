package shachain

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

// secretFromHex decodes a hex secret without the byte reversal
// chainhash.NewHashFromStr would apply.
func secretFromHex(t *testing.T, s string) *chainhash.Hash {
	t.Helper()

	raw, err := hex.DecodeString(s)
	require.NoError(t, err)

	hash, err := chainhash.NewHash(raw)
	require.NoError(t, err)

	return hash
}

// storageVectors are the storage tests of BOLT-03 appendix D. Each case
// feeds its secrets in production order; the store assigns indexes from its
// own descending cursor. wantLastErr marks the cases whose final insert must
// be rejected as not derivable from the chain built so far.
var storageVectors = []struct {
	name        string
	secrets     []string
	wantLastErr bool
}{
	{
		name: "correct_sequence",
		secrets: []string{
			"7cc854b54e3e0dcdb010d7a3fee464a9687b" +
				"e6e8db3be6854c475621e007a5dc",
			"c7518c8ae4660ed02894df8976fa1a3659c1" +
				"a8b4b5bec0c4b872abeba4cb8964",
			"2273e227a5b7449b6e70f1fb4652864038b1" +
				"cbf9cd7c043a7d6456b7fc275ad8",
			"27cddaa5624534cb6cb9d7da077cf2b22ab2" +
				"1e9b506fd4998a51d54502e99116",
			"c65716add7aa98ba7acb236352d665cab173" +
				"45fe45b55fb879ff80e6bd0c41dd",
			"969660042a28f32d9be17344e09374b37996" +
				"2d03db1574df5a8a5a47e19ce3f2",
			"a5a64476122ca0925fb344bdc1854c1c0a59" +
				"fc614298e50a33e331980a220f32",
			"05cde6323d949933f7f7b78776bcc1ea6d9b" +
				"31447732e3802e1f7ac44b650e17",
		},
	},
	{
		name: "#1_incorrect",
		secrets: []string{
			"02a40c85b6f28da08dfdbe0926c53fab2de6" +
				"d28c10301f8f7c4073d5e42e3148",
			"c7518c8ae4660ed02894df8976fa1a3659c1" +
				"a8b4b5bec0c4b872abeba4cb8964",
		},
		wantLastErr: true,
	},
	{
		name: "#2_incorrect_#1_derived_from_incorrect",
		secrets: []string{
			"02a40c85b6f28da08dfdbe0926c53fab2de6" +
				"d28c10301f8f7c4073d5e42e3148",
			"dddc3a8d14fddf2b68fa8c7fbad274827493" +
				"7479dd0f8930d5ebb4ab6bd866a3",
			"2273e227a5b7449b6e70f1fb4652864038b1" +
				"cbf9cd7c043a7d6456b7fc275ad8",
			"27cddaa5624534cb6cb9d7da077cf2b22ab2" +
				"1e9b506fd4998a51d54502e99116",
		},
		wantLastErr: true,
	},
	{
		name: "#3_incorrect",
		secrets: []string{
			"7cc854b54e3e0dcdb010d7a3fee464a9687b" +
				"e6e8db3be6854c475621e007a5dc",
			"c7518c8ae4660ed02894df8976fa1a3659c1" +
				"a8b4b5bec0c4b872abeba4cb8964",
			"c51a18b13e8527e579ec56365482c62f180b" +
				"7d5760b46e9477dae59e87ed423a",
			"27cddaa5624534cb6cb9d7da077cf2b22ab2" +
				"1e9b506fd4998a51d54502e99116",
		},
		wantLastErr: true,
	},
	{
		name: "#4_incorrect_1_2_3_derived_from_incorrect",
		secrets: []string{
			"02a40c85b6f28da08dfdbe0926c53fab2de6" +
				"d28c10301f8f7c4073d5e42e3148",
			"dddc3a8d14fddf2b68fa8c7fbad274827493" +
				"7479dd0f8930d5ebb4ab6bd866a3",
			"c51a18b13e8527e579ec56365482c62f180b" +
				"7d5760b46e9477dae59e87ed423a",
			"ba65d7b0ef55a3ba300d4e87af29868f394f" +
				"8f138d78a7011669c79b37b936f4",
			"c65716add7aa98ba7acb236352d665cab173" +
				"45fe45b55fb879ff80e6bd0c41dd",
			"969660042a28f32d9be17344e09374b37996" +
				"2d03db1574df5a8a5a47e19ce3f2",
			"a5a64476122ca0925fb344bdc1854c1c0a59" +
				"fc614298e50a33e331980a220f32",
			"05cde6323d949933f7f7b78776bcc1ea6d9b" +
				"31447732e3802e1f7ac44b650e17",
		},
		wantLastErr: true,
	},
	{
		name: "#5_incorrect",
		secrets: []string{
			"7cc854b54e3e0dcdb010d7a3fee464a9687b" +
				"e6e8db3be6854c475621e007a5dc",
			"c7518c8ae4660ed02894df8976fa1a3659c1" +
				"a8b4b5bec0c4b872abeba4cb8964",
			"2273e227a5b7449b6e70f1fb4652864038b1" +
				"cbf9cd7c043a7d6456b7fc275ad8",
			"27cddaa5624534cb6cb9d7da077cf2b22ab2" +
				"1e9b506fd4998a51d54502e99116",
			"631373ad5f9ef654bb3dade742d09504c567" +
				"edd24320d2fcd68e3cc47e2ff6a6",
			"969660042a28f32d9be17344e09374b37996" +
				"2d03db1574df5a8a5a47e19ce3f2",
		},
		wantLastErr: true,
	},
	{
		name: "#6_incorrect_5_derived_from_incorrect",
		secrets: []string{
			"7cc854b54e3e0dcdb010d7a3fee464a9687b" +
				"e6e8db3be6854c475621e007a5dc",
			"c7518c8ae4660ed02894df8976fa1a3659c1" +
				"a8b4b5bec0c4b872abeba4cb8964",
			"2273e227a5b7449b6e70f1fb4652864038b1" +
				"cbf9cd7c043a7d6456b7fc275ad8",
			"27cddaa5624534cb6cb9d7da077cf2b22ab2" +
				"1e9b506fd4998a51d54502e99116",
			"631373ad5f9ef654bb3dade742d09504c567" +
				"edd24320d2fcd68e3cc47e2ff6a6",
			"b7e76a83668bde38b373970155c868a65330" +
				"4308f9896692f904a23731224bb1",
			"a5a64476122ca0925fb344bdc1854c1c0a59" +
				"fc614298e50a33e331980a220f32",
			"05cde6323d949933f7f7b78776bcc1ea6d9b" +
				"31447732e3802e1f7ac44b650e17",
		},
		wantLastErr: true,
	},
	{
		name: "#7_incorrect",
		secrets: []string{
			"7cc854b54e3e0dcdb010d7a3fee464a9687b" +
				"e6e8db3be6854c475621e007a5dc",
			"c7518c8ae4660ed02894df8976fa1a3659c1" +
				"a8b4b5bec0c4b872abeba4cb8964",
			"2273e227a5b7449b6e70f1fb4652864038b1" +
				"cbf9cd7c043a7d6456b7fc275ad8",
			"27cddaa5624534cb6cb9d7da077cf2b22ab2" +
				"1e9b506fd4998a51d54502e99116",
			"c65716add7aa98ba7acb236352d665cab173" +
				"45fe45b55fb879ff80e6bd0c41dd",
			"969660042a28f32d9be17344e09374b37996" +
				"2d03db1574df5a8a5a47e19ce3f2",
			"e7971de736e01da8ed58b94c2fc216cb1dca" +
				"9e326f3a96e7194fe8ea8af6c0a3",
			"05cde6323d949933f7f7b78776bcc1ea6d9b" +
				"31447732e3802e1f7ac44b650e17",
		},
		wantLastErr: true,
	},
	{
		name: "#8_incorrect",
		secrets: []string{
			"7cc854b54e3e0dcdb010d7a3fee464a9687b" +
				"e6e8db3be6854c475621e007a5dc",
			"c7518c8ae4660ed02894df8976fa1a3659c1" +
				"a8b4b5bec0c4b872abeba4cb8964",
			"2273e227a5b7449b6e70f1fb4652864038b1" +
				"cbf9cd7c043a7d6456b7fc275ad8",
			"27cddaa5624534cb6cb9d7da077cf2b22ab2" +
				"1e9b506fd4998a51d54502e99116",
			"c65716add7aa98ba7acb236352d665cab173" +
				"45fe45b55fb879ff80e6bd0c41dd",
			"969660042a28f32d9be17344e09374b37996" +
				"2d03db1574df5a8a5a47e19ce3f2",
			"a5a64476122ca0925fb344bdc1854c1c0a59" +
				"fc614298e50a33e331980a220f32",
			"a7efbc61aac46d34f77778bac22c8a20c6a4" +
				"6ca460addc49009bda875ec88fa4",
		},
		wantLastErr: true,
	},
}

// TestStoreSpecVectors runs the BOLT-03 appendix D storage vectors through
// the compact store.
func TestStoreSpecVectors(t *testing.T) {
	t.Parallel()

	for _, vector := range storageVectors {
		vector := vector
		t.Run(vector.name, func(t *testing.T) {
			t.Parallel()

			store := NewRevocationStore()
			for i, secretHex := range vector.secrets {
				secret := secretFromHex(t, secretHex)
				err := store.AddNextEntry(secret)

				if vector.wantLastErr &&
					i == len(vector.secrets)-1 {

					require.Error(t, err)
					return
				}
				require.NoError(t, err)
			}
		})
	}
}

// TestProducerStoreRoundTrip feeds a long run of produced secrets into the
// store, serializes it, and asserts every inserted index remains derivable
// from the restored copy while the encoding stays logarithmic in size.
func TestProducerStoreRoundTrip(t *testing.T) {
	t.Parallel()

	seed := chainhash.DoubleHashH([]byte("chandler-shachain-test"))

	producer := NewRevocationProducer(seed)
	store := NewRevocationStore()

	const numSecrets = 10_000
	for i := uint64(0); i < numSecrets; i++ {
		secret, err := producer.AtIndex(i)
		require.NoError(t, err)
		require.NoError(t, store.AddNextEntry(secret))
	}

	var encoded bytes.Buffer
	require.NoError(t, store.Encode(&encoded))

	// One byte of bucket count, at most maxTreeHeight buckets of
	// (8-byte index + 32-byte hash), and the 8-byte cursor: the store
	// never grows linearly with the number of inserted secrets.
	require.LessOrEqual(t, encoded.Len(), 1+maxTreeHeight*40+8)

	restored, err := NewRevocationStoreFromBytes(&encoded)
	require.NoError(t, err)

	for i := uint64(0); i < numSecrets; i++ {
		fromStore, err := restored.LookUp(i)
		require.NoError(t, err)

		fromProducer, err := producer.AtIndex(i)
		require.NoError(t, err)
		require.Equal(t, fromProducer, fromStore)
	}

	// Anything never inserted stays underivable.
	_, err = restored.LookUp(numSecrets + 1)
	require.Error(t, err)
}

// TestProducerDeterminism pins that two producers built from the same seed
// agree, and different seeds do not.
func TestProducerDeterminism(t *testing.T) {
	t.Parallel()

	seedA := chainhash.DoubleHashH([]byte{0x01})
	seedB := chainhash.DoubleHashH([]byte{0x02})

	producerA1 := NewRevocationProducer(seedA)
	producerA2 := NewRevocationProducer(seedA)
	producerB := NewRevocationProducer(seedB)

	for i := uint64(0); i < 16; i++ {
		first, err := producerA1.AtIndex(i)
		require.NoError(t, err)
		second, err := producerA2.AtIndex(i)
		require.NoError(t, err)
		require.Equal(t, first, second)

		other, err := producerB.AtIndex(i)
		require.NoError(t, err)
		require.NotEqual(t, first, other)
	}
}

// TestProducerEncodeRestore round trips the producer's seed encoding.
func TestProducerEncodeRestore(t *testing.T) {
	t.Parallel()

	seed := chainhash.DoubleHashH([]byte("producer-encode"))
	producer := NewRevocationProducer(seed)

	var encoded bytes.Buffer
	require.NoError(t, producer.Encode(&encoded))

	restored, err := NewRevocationProducerFromBytes(&encoded)
	require.NoError(t, err)

	want, err := producer.AtIndex(42)
	require.NoError(t, err)
	got, err := restored.AtIndex(42)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
