package submitter

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/GPTx-global/feedpushd/oracle/gateway"
	"github.com/GPTx-global/feedpushd/oracle/log"
	"github.com/GPTx-global/feedpushd/oracle/types"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

// SubmitterTestSuite defines the test suite for instruction assembly
type SubmitterTestSuite struct {
	suite.Suite
	queue      solana.PublicKey
	payer      solana.PublicKey
	feed       solana.PublicKey
	aggregator *Aggregator
}

// SetupSuite runs once before all tests in the suite
func (suite *SubmitterTestSuite) SetupSuite() {
	log.InitLogger()
}

// SetupTest runs before each test
func (suite *SubmitterTestSuite) SetupTest() {
	suite.queue = suite.newKey()
	suite.payer = suite.newKey()
	suite.feed = suite.newKey()
	suite.aggregator = NewAggregator(suite.queue, suite.payer)
}

func (suite *SubmitterTestSuite) newKey() solana.PublicKey {
	keypair, err := solana.NewRandomPrivateKey()
	suite.Require().NoError(err)

	return keypair.PublicKey()
}

// consensusResponse builds a well-formed consensus response over the given
// oracles with one aggregated value per entry in values.
func (suite *SubmitterTestSuite) consensusResponse(oracles []solana.PublicKey, values []string) *gateway.FetchSignaturesConsensusResponse {
	res := &gateway.FetchSignaturesConsensusResponse{}

	for _, value := range values {
		res.MedianResponses = append(res.MedianResponses, gateway.MedianResponse{Value: value})
	}

	for i, oracle := range oracles {
		eth := make([]byte, ethAddressLength)
		eth[0] = byte(i + 1)
		sig := make([]byte, types.SignatureLength)
		sig[0] = byte(i + 1)
		checksum := make([]byte, checksumLength)
		checksum[0] = byte(i + 1)

		res.OracleResponses = append(res.OracleResponses, gateway.ConsensusOracleResponse{
			EthAddress:    hex.EncodeToString(eth),
			Signature:     base64.StdEncoding.EncodeToString(sig),
			Checksum:      base64.StdEncoding.EncodeToString(checksum),
			RecoveryID:    i % 2,
			FeedResponses: []gateway.FeedResponse{{OraclePubkey: hex.EncodeToString(oracle[:])}},
		})
	}

	return res
}

func (suite *SubmitterTestSuite) attestation(oracle solana.PublicKey, value *decimal.Decimal) types.OracleAttestation {
	att := types.OracleAttestation{Oracle: oracle, Value: value, RecoveryID: 1}
	att.Signature[0] = 0xaa

	return att
}

// TestConsensusInstructions tests the verification + submit instruction pair
func (suite *SubmitterTestSuite) TestConsensusInstructions() {
	oracles := []solana.PublicKey{suite.newKey(), suite.newKey()}
	res := suite.consensusResponse(oracles, []string{"2500000000000000000"})

	instructions, err := suite.aggregator.ConsensusInstructions(res, suite.feed, 12345)
	suite.NoError(err)
	suite.Require().Len(instructions, 2)

	suite.Equal(secp256k1ProgramID, instructions[0].ProgramID())
	suite.Equal(ProgramID, instructions[1].ProgramID())

	// Fixed program set, then feed, oracle anchor and its stats account.
	accounts := instructions[1].Accounts()
	suite.Require().Len(accounts, 11)
	suite.Equal(suite.queue, accounts[0].PublicKey)
	suite.True(accounts[0].IsWritable)
	suite.Equal(StateKey(), accounts[1].PublicKey)
	suite.Equal(solana.SysVarSlotHashesPubkey, accounts[2].PublicKey)
	suite.Equal(suite.payer, accounts[3].PublicKey)
	suite.True(accounts[3].IsSigner)
	suite.True(accounts[3].IsWritable)
	suite.Equal(solana.SystemProgramID, accounts[4].PublicKey)
	suite.Equal(solana.TokenProgramID, accounts[6].PublicKey)
	suite.Equal(nativeMint, accounts[7].PublicKey)
	suite.Equal(suite.feed, accounts[8].PublicKey)
	suite.True(accounts[8].IsWritable)
	suite.Equal(oracles[0], accounts[9].PublicKey)
	suite.False(accounts[9].IsWritable)
	suite.Equal(OracleStatsKey(oracles[0]), accounts[10].PublicKey)
	suite.True(accounts[10].IsWritable)

	data, err := instructions[1].Data()
	suite.Require().NoError(err)
	suite.Equal(submitConsensusDiscriminator[:], data[:8])
	suite.Equal(uint64(12345), binary.LittleEndian.Uint64(data[8:16]))
	suite.Equal(uint32(1), binary.LittleEndian.Uint32(data[16:20]))

	var encoded [16]byte
	copy(encoded[:], data[20:36])
	want, err := types.ParseI128("2500000000000000000")
	suite.Require().NoError(err)
	suite.Zero(types.DecodeI128(encoded).Cmp(want))
}

// TestConsensusInstructionsEmptyResponse tests that no oracle responses is a parse error
func (suite *SubmitterTestSuite) TestConsensusInstructionsEmptyResponse() {
	res := &gateway.FetchSignaturesConsensusResponse{
		MedianResponses: []gateway.MedianResponse{{Value: "1"}},
	}

	_, err := suite.aggregator.ConsensusInstructions(res, suite.feed, 1)
	suite.Error(err)
	suite.True(types.IsKind(err, types.KindParse))
}

// TestConsensusInstructionsUnparsableValue tests sentinel substitution for a bad aggregated value
func (suite *SubmitterTestSuite) TestConsensusInstructionsUnparsableValue() {
	oracles := []solana.PublicKey{suite.newKey()}
	res := suite.consensusResponse(oracles, []string{"not-a-number"})

	instructions, err := suite.aggregator.ConsensusInstructions(res, suite.feed, 1)
	suite.NoError(err)

	data, err := instructions[1].Data()
	suite.Require().NoError(err)

	var encoded [16]byte
	copy(encoded[:], data[20:36])
	suite.Zero(types.DecodeI128(encoded).Cmp(types.SentinelValue()))
}

// TestConsensusInstructionsMalformedTuples tests rejection of malformed signature material
func (suite *SubmitterTestSuite) TestConsensusInstructionsMalformedTuples() {
	oracles := []solana.PublicKey{suite.newKey()}

	mutations := []func(*gateway.ConsensusOracleResponse){
		func(r *gateway.ConsensusOracleResponse) { r.EthAddress = "zz" },
		func(r *gateway.ConsensusOracleResponse) { r.EthAddress = hex.EncodeToString(make([]byte, 19)) },
		func(r *gateway.ConsensusOracleResponse) { r.Signature = "!!!" },
		func(r *gateway.ConsensusOracleResponse) {
			r.Signature = base64.StdEncoding.EncodeToString(make([]byte, 63))
		},
		func(r *gateway.ConsensusOracleResponse) { r.Checksum = "!!!" },
		func(r *gateway.ConsensusOracleResponse) {
			r.Checksum = base64.StdEncoding.EncodeToString(make([]byte, 31))
		},
		func(r *gateway.ConsensusOracleResponse) { r.FeedResponses = nil },
		func(r *gateway.ConsensusOracleResponse) {
			r.FeedResponses = []gateway.FeedResponse{{OraclePubkey: "short"}}
		},
	}

	for i, mutate := range mutations {
		res := suite.consensusResponse(oracles, []string{"1"})
		mutate(&res.OracleResponses[0])

		_, err := suite.aggregator.ConsensusInstructions(res, suite.feed, 1)
		suite.Error(err, "mutation %d", i)
		suite.True(types.IsKind(err, types.KindParse), "mutation %d", i)
	}
}

// TestSubmissionInstruction tests the per-oracle submit instruction
func (suite *SubmitterTestSuite) TestSubmissionInstruction() {
	oracles := []solana.PublicKey{suite.newKey(), suite.newKey()}
	value := decimal.RequireFromString("1.25")
	attestations := []types.OracleAttestation{
		suite.attestation(oracles[0], &value),
		suite.attestation(oracles[1], nil), // sampling failure
	}

	ix, err := suite.aggregator.SubmissionInstruction(attestations, suite.feed, 777)
	suite.NoError(err)
	suite.Equal(ProgramID, ix.ProgramID())

	// Feed first, the fixed program set, then one oracle/stats pair per
	// attestation in order.
	accounts := ix.Accounts()
	suite.Require().Len(accounts, 13)
	suite.Equal(suite.feed, accounts[0].PublicKey)
	suite.True(accounts[0].IsWritable)
	suite.Equal(suite.queue, accounts[1].PublicKey)
	suite.Equal(oracles[0], accounts[9].PublicKey)
	suite.False(accounts[9].IsWritable)
	suite.Equal(OracleStatsKey(oracles[0]), accounts[10].PublicKey)
	suite.True(accounts[10].IsWritable)
	suite.Equal(oracles[1], accounts[11].PublicKey)
	suite.Equal(OracleStatsKey(oracles[1]), accounts[12].PublicKey)

	data, err := ix.Data()
	suite.Require().NoError(err)
	suite.Equal(submitResponseDiscriminator[:], data[:8])
	suite.Equal(uint64(777), binary.LittleEndian.Uint64(data[8:16]))
	suite.Equal(uint32(2), binary.LittleEndian.Uint32(data[16:20]))

	// Each record is value (16) + signature (64) + recovery id + offset.
	recordLen := 16 + types.SignatureLength + 2
	suite.Len(data, 20+2*recordLen)

	var first, second [16]byte
	copy(first[:], data[20:36])
	copy(second[:], data[20+recordLen:36+recordLen])

	suite.Equal("1250000000000000000", types.DecodeI128(first).String())
	suite.Zero(types.DecodeI128(second).Cmp(types.SentinelValue()))

	suite.Equal(byte(0xaa), data[36])
	suite.Equal(byte(1), data[20+recordLen-2]) // recovery id
	suite.Equal(byte(0), data[20+recordLen-1]) // offset
}

// TestSubmissionInstructionEmpty tests that no attestations is a parse error
func (suite *SubmitterTestSuite) TestSubmissionInstructionEmpty() {
	_, err := suite.aggregator.SubmissionInstruction(nil, suite.feed, 1)
	suite.Error(err)
	suite.True(types.IsKind(err, types.KindParse))
}

// TestBuildSecp256k1InstructionLayout tests the byte layout of the verification instruction
func (suite *SubmitterTestSuite) TestBuildSecp256k1InstructionLayout() {
	signatures := make([]SecpSignature, 2)
	for i := range signatures {
		signatures[i].EthAddress[0] = byte(i + 1)
		signatures[i].Signature[0] = byte(i + 1)
		signatures[i].Message[0] = byte(i + 1)
		signatures[i].RecoveryID = uint8(i)
	}

	ix, err := buildSecp256k1Instruction(signatures, 0)
	suite.NoError(err)
	suite.Equal(secp256k1ProgramID, ix.ProgramID())
	suite.Empty(ix.Accounts())

	data, err := ix.Data()
	suite.Require().NoError(err)
	suite.Len(data, 1+2*secpOffsetsLen+2*secpEntryLen)
	suite.Equal(byte(2), data[0])

	headerLen := 1 + 2*secpOffsetsLen
	for i := 0; i < 2; i++ {
		offsets := data[1+i*secpOffsetsLen : 1+(i+1)*secpOffsetsLen]
		entryStart := headerLen + i*secpEntryLen

		suite.Equal(uint16(entryStart+ethAddressLength), binary.LittleEndian.Uint16(offsets[0:2]), "sig offset %d", i)
		suite.Equal(byte(0), offsets[2])
		suite.Equal(uint16(entryStart), binary.LittleEndian.Uint16(offsets[3:5]), "eth offset %d", i)
		suite.Equal(byte(0), offsets[5])
		suite.Equal(uint16(entryStart+ethAddressLength+types.SignatureLength+1), binary.LittleEndian.Uint16(offsets[6:8]), "msg offset %d", i)
		suite.Equal(uint16(checksumLength), binary.LittleEndian.Uint16(offsets[8:10]))
		suite.Equal(byte(0), offsets[10])

		entry := data[entryStart : entryStart+secpEntryLen]
		suite.Equal(byte(i+1), entry[0])                                    // eth address
		suite.Equal(byte(i+1), entry[ethAddressLength])                     // signature
		suite.Equal(byte(i), entry[ethAddressLength+types.SignatureLength]) // recovery id
		suite.Equal(byte(i+1), entry[ethAddressLength+types.SignatureLength+1])
	}
}

// TestBuildSecp256k1InstructionEmpty tests that an empty batch is rejected
func (suite *SubmitterTestSuite) TestBuildSecp256k1InstructionEmpty() {
	_, err := buildSecp256k1Instruction(nil, 0)
	suite.Error(err)
	suite.True(types.IsKind(err, types.KindParse))
}

// TestDerivedKeysAreStable tests the program-derived address helpers
func (suite *SubmitterTestSuite) TestDerivedKeysAreStable() {
	suite.Equal(StateKey(), StateKey())

	oracleA := suite.newKey()
	oracleB := suite.newKey()
	suite.Equal(OracleStatsKey(oracleA), OracleStatsKey(oracleA))
	suite.NotEqual(OracleStatsKey(oracleA), OracleStatsKey(oracleB))
}

// TestSubmitterSuite runs the test suite
func TestSubmitterSuite(t *testing.T) {
	suite.Run(t, new(SubmitterTestSuite))
}
