package types

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// SubmissionScale is the fixed decimal scale of submitted values: every value
// goes on chain as a signed 128-bit mantissa of value * 10^18.
const SubmissionScale = 18

// SignatureLength is the byte length of a secp256k1 signature without the
// recovery id.
const SignatureLength = 64

var (
	twoPow128 = new(big.Int).Lsh(big.NewInt(1), 128)
	maxI128   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128   = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// SentinelValue is the "no value available" marker: the maximum signed 128-bit
// integer, so a sampling failure can never be confused with a genuine zero.
func SentinelValue() *big.Int {
	return new(big.Int).Set(maxI128)
}

// OracleAttestation is one oracle's signed response for a feed. A nil Value
// signals a sampling failure on the oracle side; the signature still covers
// the response and is submitted with the sentinel value.
type OracleAttestation struct {
	Oracle     solana.PublicKey
	Value      *decimal.Decimal
	Error      string
	Signature  [SignatureLength]byte
	RecoveryID uint8
}

// SubmissionRecord is the wire form of one oracle's contribution to a
// pull_feed_submit_response instruction.
type SubmissionRecord struct {
	Value      *big.Int
	Signature  [SignatureLength]byte
	RecoveryID uint8
	Offset     uint8
}

// NewSubmissionRecord converts an attestation into its submission form,
// substituting the sentinel when the oracle reported no value.
func NewSubmissionRecord(att OracleAttestation) SubmissionRecord {
	value := SentinelValue()
	if att.Value != nil {
		value = Mantissa(*att.Value)
	}

	return SubmissionRecord{
		Value:      value,
		Signature:  att.Signature,
		RecoveryID: att.RecoveryID,
		Offset:     0,
	}
}

// Mantissa rescales d to SubmissionScale and returns the resulting signed
// 128-bit mantissa, truncating any digits beyond the scale.
func Mantissa(d decimal.Decimal) *big.Int {
	return d.Shift(SubmissionScale).BigInt()
}

// DecimalFromMantissa is the inverse of Mantissa.
func DecimalFromMantissa(m *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(m, -SubmissionScale)
}

// EncodeI128 encodes v as a 16-byte little-endian two's complement integer.
// Fails with a parse error when v does not fit in 128 bits.
func EncodeI128(v *big.Int) ([16]byte, error) {
	var out [16]byte
	if v.Cmp(maxI128) > 0 || v.Cmp(minI128) < 0 {
		return out, NewError(KindParse, "value %s out of i128 range", v)
	}

	u := new(big.Int).Set(v)
	if u.Sign() < 0 {
		u.Add(u, twoPow128)
	}

	be := make([]byte, 16)
	u.FillBytes(be)
	for i := 0; i < 16; i++ {
		out[i] = be[15-i]
	}

	return out, nil
}

// DecodeI128 is the inverse of EncodeI128.
func DecodeI128(b [16]byte) *big.Int {
	be := make([]byte, 16)
	for i := 0; i < 16; i++ {
		be[i] = b[15-i]
	}

	v := new(big.Int).SetBytes(be)
	if v.Cmp(maxI128) > 0 {
		v.Sub(v, twoPow128)
	}

	return v
}

// ParseI128 parses a base-10 signed 128-bit integer string.
func ParseI128(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, NewError(KindParse, "invalid i128 string %q", s)
	}

	if v.Cmp(maxI128) > 0 || v.Cmp(minI128) < 0 {
		return nil, NewError(KindParse, "value %s out of i128 range", s)
	}

	return v, nil
}
