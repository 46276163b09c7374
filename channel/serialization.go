package channel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/nayutafoundry/chandler/chainfee"
	"github.com/nayutafoundry/chandler/channeldb"
	"github.com/nayutafoundry/chandler/commitment"
	"github.com/nayutafoundry/chandler/lnwire"
	"github.com/nayutafoundry/chandler/shachain"
)

// snapshotVersion tags the serialization format.
const snapshotVersion byte = 1

// Serialize writes a complete snapshot of the machine: its state name, the
// full commitment ledger including both update logs, the revocation state,
// both shutdown messages and the mutual close transaction. The closing fee
// negotiation progress (rounds, last proposed fee and signature) is not
// written; a restored machine starts that dialogue's bookkeeping afresh.
func (m *Machine) Serialize(w io.Writer) error {
	if err := writeAll(w,
		snapshotVersion,
		uint8(m.state),
		uint8(m.stateBeforeInterrupt),
		m.tempChanID[:],
		m.minDepth,
		boolByte(m.fundingConfirmed),
		boolByte(m.fundingLockedSent),
		m.shortChanID.ToUint64(),
		m.fundingBroadcastAt,
		m.currentHeight,
	); err != nil {
		return err
	}

	if err := writeOptionalMsg(w, m.localShutdown); err != nil {
		return err
	}
	if err := writeOptionalMsg(w, m.remoteShutdown); err != nil {
		return err
	}
	if err := writeOptionalTx(w, m.mutualCloseTx); err != nil {
		return err
	}
	if err := writeOptionalTx(w, m.fundingTx); err != nil {
		return err
	}

	if m.commitments == nil {
		return writeAll(w, boolByte(false))
	}
	if err := writeAll(w, boolByte(true)); err != nil {
		return err
	}

	return SerializeCommitments(w, m.commitments)
}

// RestoreMachine reconstructs a machine from a snapshot, rebinding the
// node's signer and secret producer from the config.
func RestoreMachine(cfg Config, r io.Reader) (*Machine, error) {
	m := NewMachine(cfg)

	var version, state, stateBefore, confirmed, lockedSent byte
	var shortChanID uint64
	if err := readAll(r,
		&version,
		&state,
		&stateBefore,
		m.tempChanID[:],
		&m.minDepth,
		&confirmed,
		&lockedSent,
		&shortChanID,
		&m.fundingBroadcastAt,
		&m.currentHeight,
	); err != nil {
		return nil, err
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unknown snapshot version %d", version)
	}

	m.state = State(state)
	m.stateBeforeInterrupt = State(stateBefore)
	m.fundingConfirmed = confirmed == 1
	m.fundingLockedSent = lockedSent == 1
	m.shortChanID = lnwire.NewShortChanIDFromInt(shortChanID)

	shutdownMsg, err := readOptionalMsg(r)
	if err != nil {
		return nil, err
	}
	if shutdownMsg != nil {
		m.localShutdown = shutdownMsg.(*lnwire.Shutdown)
	}
	shutdownMsg, err = readOptionalMsg(r)
	if err != nil {
		return nil, err
	}
	if shutdownMsg != nil {
		m.remoteShutdown = shutdownMsg.(*lnwire.Shutdown)
	}

	if m.mutualCloseTx, err = readOptionalTx(r); err != nil {
		return nil, err
	}
	if m.fundingTx, err = readOptionalTx(r); err != nil {
		return nil, err
	}

	var hasCommitments byte
	if err := readAll(r, &hasCommitments); err != nil {
		return nil, err
	}
	if hasCommitments == 1 {
		commitments, err := DeserializeCommitments(r)
		if err != nil {
			return nil, err
		}
		commitments.BindKeys(cfg.Signer, cfg.Producer)
		m.commitments = commitments
	}

	return m, nil
}

// SerializeCommitments writes the full ledger.
func SerializeCommitments(w io.Writer, c *Commitments) error {
	p := &c.Params
	if err := writeAll(w,
		p.ChanID[:],
		uint64(p.ChanType),
		p.FundingOutpoint.Hash[:],
		p.FundingOutpoint.Index,
		uint64(p.Capacity),
		boolByte(p.LocalIsFunder),
		p.Obfuscator[:],
	); err != nil {
		return err
	}
	if err := writeBytes(w, p.FundingWitnessScript); err != nil {
		return err
	}
	if err := writeChanConfig(w, &p.LocalCfg); err != nil {
		return err
	}
	if err := writeChanConfig(w, &p.RemoteCfg); err != nil {
		return err
	}

	// Local commitment.
	if err := writeAll(w, c.LocalCommit.Index); err != nil {
		return err
	}
	if err := writeSpec(w, c.LocalCommit.Spec); err != nil {
		return err
	}
	if err := writeOptionalTx(w, c.LocalCommit.CommitTx); err != nil {
		return err
	}
	if err := writeAll(w, c.LocalCommit.CommitSig[:]); err != nil {
		return err
	}
	if err := writeSigs(w, c.LocalCommit.HtlcSigs); err != nil {
		return err
	}

	// Remote commitment.
	if err := writeRemoteCommit(w, &c.RemoteCommit); err != nil {
		return err
	}

	// Pending remote commitment.
	if c.PendingRemoteCommit != nil {
		if err := writeAll(w, boolByte(true)); err != nil {
			return err
		}
		err := writeRemoteCommit(
			w, &c.PendingRemoteCommit.NextRemoteCommit,
		)
		if err != nil {
			return err
		}
		if err := writeOptionalMsg(
			w, c.PendingRemoteCommit.Sent,
		); err != nil {
			return err
		}
	} else {
		if err := writeAll(w, boolByte(false)); err != nil {
			return err
		}
	}

	if err := writeOptionalPubKey(w, c.RemoteNextCommitPoint); err != nil {
		return err
	}
	if err := writeOptionalPubKey(w, c.FutureCommitPoint); err != nil {
		return err
	}

	// Update logs.
	for _, batch := range [][]lnwire.Message{
		c.LocalChanges.Proposed, c.LocalChanges.Signed,
		c.LocalChanges.Acked, c.RemoteChanges.Proposed,
		c.RemoteChanges.Signed, c.RemoteChanges.Acked,
	} {
		if err := writeMsgList(w, batch); err != nil {
			return err
		}
	}

	if err := writeAll(w,
		c.LocalNextHtlcID, c.RemoteNextHtlcID,
	); err != nil {
		return err
	}

	// Origins.
	if err := writeAll(w, uint32(len(c.Origins))); err != nil {
		return err
	}
	for id, origin := range c.Origins {
		if err := writeAll(w, id); err != nil {
			return err
		}
		if err := channeldb.SerializeOrigin(w, origin); err != nil {
			return err
		}
	}

	// Revocation log.
	if err := writeAll(w, uint32(len(c.RevocationLog))); err != nil {
		return err
	}
	for index, spec := range c.RevocationLog {
		if err := writeAll(w, index); err != nil {
			return err
		}
		if err := writeSpec(w, spec); err != nil {
			return err
		}
	}

	// Remote secrets.
	var secretsBuf bytes.Buffer
	if c.RemoteSecrets != nil {
		if err := c.RemoteSecrets.Encode(&secretsBuf); err != nil {
			return err
		}
	}
	return writeBytes(w, secretsBuf.Bytes())
}

// DeserializeCommitments reads a ledger written by SerializeCommitments.
// BindKeys must be called on the result before any signing operation.
func DeserializeCommitments(r io.Reader) (*Commitments, error) {
	c := &Commitments{}

	var (
		chanType uint64
		capacity uint64
		isFunder byte
	)
	if err := readAll(r,
		c.Params.ChanID[:],
		&chanType,
		c.Params.FundingOutpoint.Hash[:],
		&c.Params.FundingOutpoint.Index,
		&capacity,
		&isFunder,
		c.Params.Obfuscator[:],
	); err != nil {
		return nil, err
	}
	c.Params.ChanType = channeldb.ChannelType(chanType)
	c.Params.Capacity = btcutil.Amount(capacity)
	c.Params.LocalIsFunder = isFunder == 1

	var err error
	if c.Params.FundingWitnessScript, err = readBytes(r); err != nil {
		return nil, err
	}
	if err := readChanConfig(r, &c.Params.LocalCfg); err != nil {
		return nil, err
	}
	if err := readChanConfig(r, &c.Params.RemoteCfg); err != nil {
		return nil, err
	}

	// Local commitment.
	if err := readAll(r, &c.LocalCommit.Index); err != nil {
		return nil, err
	}
	if c.LocalCommit.Spec, err = readSpec(r); err != nil {
		return nil, err
	}
	if c.LocalCommit.CommitTx, err = readOptionalTx(r); err != nil {
		return nil, err
	}
	if err := readAll(r, c.LocalCommit.CommitSig[:]); err != nil {
		return nil, err
	}
	if c.LocalCommit.HtlcSigs, err = readSigs(r); err != nil {
		return nil, err
	}

	// Remote commitment.
	if err := readRemoteCommit(r, &c.RemoteCommit); err != nil {
		return nil, err
	}

	var hasPending byte
	if err := readAll(r, &hasPending); err != nil {
		return nil, err
	}
	if hasPending == 1 {
		c.PendingRemoteCommit = &WaitingForRevocation{}
		err := readRemoteCommit(
			r, &c.PendingRemoteCommit.NextRemoteCommit,
		)
		if err != nil {
			return nil, err
		}
		sent, err := readOptionalMsg(r)
		if err != nil {
			return nil, err
		}
		if sent != nil {
			c.PendingRemoteCommit.Sent = sent.(*lnwire.CommitSig)
		}
	}

	if c.RemoteNextCommitPoint, err = readOptionalPubKey(r); err != nil {
		return nil, err
	}
	if c.FutureCommitPoint, err = readOptionalPubKey(r); err != nil {
		return nil, err
	}

	// Update logs.
	batches := make([][]lnwire.Message, 6)
	for i := range batches {
		if batches[i], err = readMsgList(r); err != nil {
			return nil, err
		}
	}
	c.LocalChanges.Proposed = batches[0]
	c.LocalChanges.Signed = batches[1]
	c.LocalChanges.Acked = batches[2]
	c.RemoteChanges.Proposed = batches[3]
	c.RemoteChanges.Signed = batches[4]
	c.RemoteChanges.Acked = batches[5]

	if err := readAll(r,
		&c.LocalNextHtlcID, &c.RemoteNextHtlcID,
	); err != nil {
		return nil, err
	}

	// Origins.
	var numOrigins uint32
	if err := readAll(r, &numOrigins); err != nil {
		return nil, err
	}
	c.Origins = make(map[uint64]channeldb.Origin, numOrigins)
	for i := uint32(0); i < numOrigins; i++ {
		var id uint64
		if err := readAll(r, &id); err != nil {
			return nil, err
		}
		origin, err := channeldb.DeserializeOrigin(r)
		if err != nil {
			return nil, err
		}
		c.Origins[id] = origin
	}

	// Revocation log.
	var numRevoked uint32
	if err := readAll(r, &numRevoked); err != nil {
		return nil, err
	}
	c.RevocationLog = make(map[uint64]*commitment.Spec, numRevoked)
	for i := uint32(0); i < numRevoked; i++ {
		var index uint64
		if err := readAll(r, &index); err != nil {
			return nil, err
		}
		spec, err := readSpec(r)
		if err != nil {
			return nil, err
		}
		c.RevocationLog[index] = spec
	}

	// Remote secrets.
	secretsBytes, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if len(secretsBytes) > 0 {
		c.RemoteSecrets, err = shachain.NewRevocationStoreFromBytes(
			bytes.NewReader(secretsBytes),
		)
		if err != nil {
			return nil, err
		}
	} else {
		c.RemoteSecrets = shachain.NewRevocationStore()
	}

	return c, nil
}

// ===== low level helpers =====

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeAll(w io.Writer, elements ...interface{}) error {
	for _, element := range elements {
		if err := binary.Write(w, binary.BigEndian, element); err != nil {
			return err
		}
	}
	return nil
}

func readAll(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		if err := binary.Read(r, binary.BigEndian, element); err != nil {
			return err
		}
	}
	return nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeAll(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var length uint32
	if err := readAll(r, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeChanConfig(w io.Writer, cfg *channeldb.ChannelConfig) error {
	if err := writeAll(w,
		uint64(cfg.DustLimit),
		uint64(cfg.ChanReserve),
		uint64(cfg.MaxPendingAmount),
		uint64(cfg.MinHTLC),
		cfg.MaxAcceptedHtlcs,
		cfg.CsvDelay,
	); err != nil {
		return err
	}

	for _, key := range []*btcec.PublicKey{
		cfg.MultiSigKey, cfg.RevocationBasePoint,
		cfg.PaymentBasePoint, cfg.DelayBasePoint, cfg.HtlcBasePoint,
	} {
		if err := writeOptionalPubKey(w, key); err != nil {
			return err
		}
	}

	return writeBytes(w, cfg.UpfrontShutdownScript)
}

func readChanConfig(r io.Reader, cfg *channeldb.ChannelConfig) error {
	var dust, reserve, maxPending, minHTLC uint64
	if err := readAll(r,
		&dust, &reserve, &maxPending, &minHTLC,
		&cfg.MaxAcceptedHtlcs, &cfg.CsvDelay,
	); err != nil {
		return err
	}
	cfg.DustLimit = btcutil.Amount(dust)
	cfg.ChanReserve = btcutil.Amount(reserve)
	cfg.MaxPendingAmount = lnwire.MilliSatoshi(maxPending)
	cfg.MinHTLC = lnwire.MilliSatoshi(minHTLC)

	for _, key := range []**btcec.PublicKey{
		&cfg.MultiSigKey, &cfg.RevocationBasePoint,
		&cfg.PaymentBasePoint, &cfg.DelayBasePoint, &cfg.HtlcBasePoint,
	} {
		pubKey, err := readOptionalPubKey(r)
		if err != nil {
			return err
		}
		*key = pubKey
	}

	script, err := readBytes(r)
	if err != nil {
		return err
	}
	cfg.UpfrontShutdownScript = script

	return nil
}

func writeSpec(w io.Writer, spec *commitment.Spec) error {
	if err := writeAll(w,
		uint64(spec.FeePerKw),
		uint64(spec.ToLocal),
		uint64(spec.ToRemote),
		uint16(len(spec.Htlcs)),
	); err != nil {
		return err
	}

	for _, htlc := range spec.Htlcs {
		if err := writeAll(w,
			boolByte(htlc.Incoming),
			uint64(htlc.Amount),
			htlc.PaymentHash[:],
			htlc.Expiry,
			htlc.HtlcIndex,
		); err != nil {
			return err
		}
		if err := writeBytes(w, htlc.OnionBlob); err != nil {
			return err
		}
	}

	return nil
}

func readSpec(r io.Reader) (*commitment.Spec, error) {
	var (
		feePerKw, toLocal, toRemote uint64
		numHtlcs                    uint16
	)
	if err := readAll(r,
		&feePerKw, &toLocal, &toRemote, &numHtlcs,
	); err != nil {
		return nil, err
	}

	spec := &commitment.Spec{
		FeePerKw: chainfee.SatPerKWeight(feePerKw),
		ToLocal:  lnwire.MilliSatoshi(toLocal),
		ToRemote: lnwire.MilliSatoshi(toRemote),
	}

	for i := uint16(0); i < numHtlcs; i++ {
		var (
			incoming byte
			amount   uint64
			htlc     commitment.HtlcDesc
		)
		if err := readAll(r,
			&incoming, &amount, htlc.PaymentHash[:],
			&htlc.Expiry, &htlc.HtlcIndex,
		); err != nil {
			return nil, err
		}
		htlc.Incoming = incoming == 1
		htlc.Amount = lnwire.MilliSatoshi(amount)

		onion, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		htlc.OnionBlob = onion

		spec.Htlcs = append(spec.Htlcs, htlc)
	}

	return spec, nil
}

func writeRemoteCommit(w io.Writer, rc *RemoteCommit) error {
	if err := writeAll(w, rc.Index, rc.TxID[:]); err != nil {
		return err
	}
	if err := writeSpec(w, rc.Spec); err != nil {
		return err
	}
	return writeOptionalPubKey(w, rc.RemotePerCommitmentPoint)
}

func readRemoteCommit(r io.Reader, rc *RemoteCommit) error {
	if err := readAll(r, &rc.Index, rc.TxID[:]); err != nil {
		return err
	}

	spec, err := readSpec(r)
	if err != nil {
		return err
	}
	rc.Spec = spec

	rc.RemotePerCommitmentPoint, err = readOptionalPubKey(r)
	return err
}

func writeSigs(w io.Writer, sigs []lnwire.Sig) error {
	if err := writeAll(w, uint16(len(sigs))); err != nil {
		return err
	}
	for _, sig := range sigs {
		if err := writeAll(w, sig[:]); err != nil {
			return err
		}
	}
	return nil
}

func readSigs(r io.Reader) ([]lnwire.Sig, error) {
	var numSigs uint16
	if err := readAll(r, &numSigs); err != nil {
		return nil, err
	}

	sigs := make([]lnwire.Sig, numSigs)
	for i := range sigs {
		if err := readAll(r, sigs[i][:]); err != nil {
			return nil, err
		}
	}
	return sigs, nil
}

func writeOptionalPubKey(w io.Writer, key *btcec.PublicKey) error {
	if key == nil {
		return writeAll(w, boolByte(false))
	}
	if err := writeAll(w, boolByte(true)); err != nil {
		return err
	}
	_, err := w.Write(key.SerializeCompressed())
	return err
}

func readOptionalPubKey(r io.Reader) (*btcec.PublicKey, error) {
	var present byte
	if err := readAll(r, &present); err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}

	var keyBytes [33]byte
	if _, err := io.ReadFull(r, keyBytes[:]); err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(keyBytes[:])
}

func writeOptionalTx(w io.Writer, tx *wire.MsgTx) error {
	if tx == nil {
		return writeBytes(w, nil)
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return err
	}
	return writeBytes(w, buf.Bytes())
}

func readOptionalTx(r io.Reader) (*wire.MsgTx, error) {
	txBytes, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if len(txBytes) == 0 {
		return nil, nil
	}

	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		return nil, err
	}
	return tx, nil
}

func writeOptionalMsg(w io.Writer, msg lnwire.Message) error {
	if msg == nil || isNilMsg(msg) {
		return writeBytes(w, nil)
	}

	var buf bytes.Buffer
	if _, err := lnwire.WriteMessage(&buf, msg, 0); err != nil {
		return err
	}
	return writeBytes(w, buf.Bytes())
}

// isNilMsg guards against typed-nil message pointers slipping through the
// interface.
func isNilMsg(msg lnwire.Message) bool {
	switch m := msg.(type) {
	case *lnwire.Shutdown:
		return m == nil
	case *lnwire.CommitSig:
		return m == nil
	default:
		return false
	}
}

func readOptionalMsg(r io.Reader) (lnwire.Message, error) {
	msgBytes, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	if len(msgBytes) == 0 {
		return nil, nil
	}

	return lnwire.ReadMessage(bytes.NewReader(msgBytes), 0)
}

func writeMsgList(w io.Writer, msgs []lnwire.Message) error {
	if err := writeAll(w, uint16(len(msgs))); err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := writeOptionalMsg(w, msg); err != nil {
			return err
		}
	}
	return nil
}

func readMsgList(r io.Reader) ([]lnwire.Message, error) {
	var numMsgs uint16
	if err := readAll(r, &numMsgs); err != nil {
		return nil, err
	}

	var msgs []lnwire.Message
	for i := uint16(0); i < numMsgs; i++ {
		msg, err := readOptionalMsg(r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
