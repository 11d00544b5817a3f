package submitter

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"github.com/GPTx-global/feedpushd/oracle/gateway"
	"github.com/GPTx-global/feedpushd/oracle/log"
	"github.com/GPTx-global/feedpushd/oracle/types"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	// ProgramID is the on-demand oracle program.
	ProgramID = solana.MustPublicKeyFromBase58("SBondMDrcV3K4kxZR1HNVT7osZxAHVHgYXL5Ze1oMUv")

	secp256k1ProgramID = solana.MustPublicKeyFromBase58("KeccakSecp256k11111111111111111111111111111")
	nativeMint         = solana.WrappedSol

	submitResponseDiscriminator  = instructionDiscriminator("pull_feed_submit_response")
	submitConsensusDiscriminator = instructionDiscriminator("pull_feed_submit_response_consensus")
)

const (
	ethAddressLength = 20
	checksumLength   = 32

	// secp256k1 offsets record: four u16 offsets, one u16 size, three u8
	// instruction indices.
	secpOffsetsLen = 11
	secpEntryLen   = ethAddressLength + types.SignatureLength + 1 + checksumLength
)

func instructionDiscriminator(name string) [8]byte {
	var d [8]byte
	sum := sha256.Sum256([]byte("global:" + name))
	copy(d[:], sum[:8])

	return d
}

// SecpSignature is one oracle's secp256k1 tuple inside the verification
// batch.
type SecpSignature struct {
	EthAddress [ethAddressLength]byte
	Signature  [types.SignatureLength]byte
	Message    [checksumLength]byte
	RecoveryID uint8
}

// Aggregator turns attestation responses into submission instructions. The
// oracle order of the source response is preserved from signature batch to
// value list to account list; misalignment would produce a cryptographically
// invalid submission.
type Aggregator struct {
	queue solana.PublicKey
	payer solana.PublicKey
}

func NewAggregator(queue, payer solana.PublicKey) *Aggregator {
	return &Aggregator{queue: queue, payer: payer}
}

// ConsensusInstructions builds the instruction pair for a pre-aggregated
// consensus response: a secp256k1 verification instruction carrying the full
// signature batch, then the submit instruction carrying the aggregated values
// and the account set anchored on the first oracle of the batch.
func (a *Aggregator) ConsensusInstructions(res *gateway.FetchSignaturesConsensusResponse, feed solana.PublicKey, slot uint64) ([]solana.Instruction, error) {
	if len(res.OracleResponses) == 0 {
		return nil, types.NewError(types.KindParse, "consensus response has no oracle responses")
	}

	values := consensusValues(res)
	log.Debugf("consensus values: %v", values)

	oracleKeys, err := consensusOracleKeys(res)
	if err != nil {
		return nil, err
	}

	signatures, err := consensusSignatures(res)
	if err != nil {
		return nil, err
	}

	secpIx, err := buildSecp256k1Instruction(signatures, 0)
	if err != nil {
		return nil, err
	}

	data, err := encodeConsensusParams(slot, values)
	if err != nil {
		return nil, err
	}

	anchor := oracleKeys[0]
	accounts := a.programAccounts()
	accounts = append(accounts,
		solana.Meta(feed).WRITE(),
		solana.Meta(anchor),
		solana.Meta(OracleStatsKey(anchor)).WRITE(),
	)

	submitIx := solana.NewInstruction(ProgramID, accounts, data)

	return []solana.Instruction{secpIx, submitIx}, nil
}

// SubmissionInstruction builds the per-oracle submit instruction: one
// submission record per attestation, the sentinel standing in for failed
// samples, and one read-only/stats account pair appended per oracle in
// attestation order.
func (a *Aggregator) SubmissionInstruction(attestations []types.OracleAttestation, feed solana.PublicKey, slot uint64) (solana.Instruction, error) {
	if len(attestations) == 0 {
		return nil, types.NewError(types.KindParse, "no attestations to submit")
	}

	records := make([]types.SubmissionRecord, 0, len(attestations))
	for _, att := range attestations {
		records = append(records, types.NewSubmissionRecord(att))
	}

	data, err := encodeSubmitParams(slot, records)
	if err != nil {
		return nil, err
	}

	accounts := solana.AccountMetaSlice{solana.Meta(feed).WRITE()}
	accounts = append(accounts, a.programAccounts()...)
	for _, att := range attestations {
		accounts = append(accounts,
			solana.Meta(att.Oracle),
			solana.Meta(OracleStatsKey(att.Oracle)).WRITE(),
		)
	}

	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// programAccounts is the fixed program-derived account set shared by both
// submission modes.
func (a *Aggregator) programAccounts() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.Meta(a.queue).WRITE(),
		solana.Meta(StateKey()),
		solana.Meta(solana.SysVarSlotHashesPubkey),
		solana.Meta(a.payer).WRITE().SIGNER(),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(a.rewardVault()).WRITE(),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(nativeMint),
	}
}

func (a *Aggregator) rewardVault() solana.PublicKey {
	vault, _, err := solana.FindAssociatedTokenAddress(a.queue, nativeMint)
	if err != nil {
		log.Fatalf("failed to derive reward vault for queue %s: %v", a.queue, err)
	}

	return vault
}

// StateKey is the program state PDA.
func StateKey() solana.PublicKey {
	key, _, err := solana.FindProgramAddress([][]byte{[]byte("STATE")}, ProgramID)
	if err != nil {
		log.Fatalf("failed to derive program state key: %v", err)
	}

	return key
}

// OracleStatsKey is the stats PDA paired with an oracle account.
func OracleStatsKey(oracle solana.PublicKey) solana.PublicKey {
	key, _, err := solana.FindProgramAddress([][]byte{[]byte("OracleStats"), oracle.Bytes()}, ProgramID)
	if err != nil {
		log.Fatalf("failed to derive oracle stats key for %s: %v", oracle, err)
	}

	return key
}

// consensusValues parses the aggregated values in signature-batch order. A
// value that fails to parse degrades to the sentinel rather than zero.
func consensusValues(res *gateway.FetchSignaturesConsensusResponse) []*big.Int {
	values := make([]*big.Int, 0, len(res.MedianResponses))
	for _, median := range res.MedianResponses {
		value, err := types.ParseI128(median.Value)
		if err != nil {
			value = types.SentinelValue()
		}
		values = append(values, value)
	}

	return values
}

func consensusOracleKeys(res *gateway.FetchSignaturesConsensusResponse) ([]solana.PublicKey, error) {
	keys := make([]solana.PublicKey, 0, len(res.OracleResponses))
	for _, oracleRes := range res.OracleResponses {
		if len(oracleRes.FeedResponses) == 0 {
			return nil, types.NewError(types.KindParse, "oracle response carries no feed responses")
		}

		raw, err := hex.DecodeString(oracleRes.FeedResponses[0].OraclePubkey)
		if err != nil {
			return nil, types.WrapError(types.KindParse, err, "invalid oracle pubkey %q", oracleRes.FeedResponses[0].OraclePubkey)
		}
		if len(raw) != solana.PublicKeyLength {
			return nil, types.NewError(types.KindParse, "oracle pubkey has %d bytes", len(raw))
		}

		keys = append(keys, solana.PublicKeyFromBytes(raw))
	}

	return keys, nil
}

func consensusSignatures(res *gateway.FetchSignaturesConsensusResponse) ([]SecpSignature, error) {
	signatures := make([]SecpSignature, 0, len(res.OracleResponses))
	for _, oracleRes := range res.OracleResponses {
		var sig SecpSignature
		sig.RecoveryID = uint8(oracleRes.RecoveryID)

		ethAddress, err := hex.DecodeString(oracleRes.EthAddress)
		if err != nil {
			return nil, types.WrapError(types.KindParse, err, "invalid eth address %q", oracleRes.EthAddress)
		}
		if len(ethAddress) != ethAddressLength {
			return nil, types.NewError(types.KindParse, "eth address has %d bytes", len(ethAddress))
		}
		copy(sig.EthAddress[:], ethAddress)

		rawSig, err := base64.StdEncoding.DecodeString(oracleRes.Signature)
		if err != nil {
			return nil, types.WrapError(types.KindParse, err, "invalid signature")
		}
		if len(rawSig) != types.SignatureLength {
			return nil, types.NewError(types.KindParse, "signature has %d bytes", len(rawSig))
		}
		copy(sig.Signature[:], rawSig)

		checksum, err := base64.StdEncoding.DecodeString(oracleRes.Checksum)
		if err != nil {
			return nil, types.WrapError(types.KindParse, err, "invalid checksum")
		}
		if len(checksum) != checksumLength {
			return nil, types.NewError(types.KindParse, "checksum has %d bytes", len(checksum))
		}
		copy(sig.Message[:], checksum)

		signatures = append(signatures, sig)
	}

	return signatures, nil
}

// buildSecp256k1Instruction packs the signature batch into the native
// secp256k1 verification instruction: a count byte, one offsets record per
// signature, then the flattened address/signature/recovery/message payload.
// All offsets point into this same instruction (instructionIndex).
func buildSecp256k1Instruction(signatures []SecpSignature, instructionIndex uint8) (solana.Instruction, error) {
	if len(signatures) == 0 {
		return nil, types.NewError(types.KindParse, "no signatures to verify")
	}

	headerLen := 1 + secpOffsetsLen*len(signatures)
	buf := new(bytes.Buffer)
	buf.WriteByte(uint8(len(signatures)))

	for i := range signatures {
		entryStart := headerLen + secpEntryLen*i
		ethOffset := uint16(entryStart)
		sigOffset := uint16(entryStart + ethAddressLength)
		msgOffset := uint16(entryStart + ethAddressLength + types.SignatureLength + 1)

		var offsets [secpOffsetsLen]byte
		binary.LittleEndian.PutUint16(offsets[0:2], sigOffset)
		offsets[2] = instructionIndex
		binary.LittleEndian.PutUint16(offsets[3:5], ethOffset)
		offsets[5] = instructionIndex
		binary.LittleEndian.PutUint16(offsets[6:8], msgOffset)
		binary.LittleEndian.PutUint16(offsets[8:10], checksumLength)
		offsets[10] = instructionIndex
		buf.Write(offsets[:])
	}

	for _, sig := range signatures {
		buf.Write(sig.EthAddress[:])
		buf.Write(sig.Signature[:])
		buf.WriteByte(sig.RecoveryID)
		buf.Write(sig.Message[:])
	}

	return solana.NewInstruction(secp256k1ProgramID, solana.AccountMetaSlice{}, buf.Bytes()), nil
}

func encodeConsensusParams(slot uint64, values []*big.Int) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)

	if err := enc.WriteBytes(submitConsensusDiscriminator[:], false); err != nil {
		return nil, types.WrapError(types.KindParse, err, "failed to encode discriminator")
	}

	if err := enc.WriteUint64(slot, binary.LittleEndian); err != nil {
		return nil, types.WrapError(types.KindParse, err, "failed to encode slot")
	}

	if err := enc.WriteUint32(uint32(len(values)), binary.LittleEndian); err != nil {
		return nil, types.WrapError(types.KindParse, err, "failed to encode value count")
	}

	for _, value := range values {
		encoded, err := types.EncodeI128(value)
		if err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(encoded[:], false); err != nil {
			return nil, types.WrapError(types.KindParse, err, "failed to encode value")
		}
	}

	return buf.Bytes(), nil
}

func encodeSubmitParams(slot uint64, records []types.SubmissionRecord) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)

	if err := enc.WriteBytes(submitResponseDiscriminator[:], false); err != nil {
		return nil, types.WrapError(types.KindParse, err, "failed to encode discriminator")
	}

	if err := enc.WriteUint64(slot, binary.LittleEndian); err != nil {
		return nil, types.WrapError(types.KindParse, err, "failed to encode slot")
	}

	if err := enc.WriteUint32(uint32(len(records)), binary.LittleEndian); err != nil {
		return nil, types.WrapError(types.KindParse, err, "failed to encode record count")
	}

	for _, record := range records {
		value, err := types.EncodeI128(record.Value)
		if err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(value[:], false); err != nil {
			return nil, types.WrapError(types.KindParse, err, "failed to encode value")
		}
		if err := enc.WriteBytes(record.Signature[:], false); err != nil {
			return nil, types.WrapError(types.KindParse, err, "failed to encode signature")
		}
		if err := enc.WriteByte(record.RecoveryID); err != nil {
			return nil, types.WrapError(types.KindParse, err, "failed to encode recovery id")
		}
		if err := enc.WriteByte(record.Offset); err != nil {
			return nil, types.WrapError(types.KindParse, err, "failed to encode offset")
		}
	}

	return buf.Bytes(), nil
}
