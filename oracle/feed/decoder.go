package feed

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/GPTx-global/feedpushd/oracle/types"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// discriminatorLen is the length of the anchor account discriminator prefix.
const discriminatorLen = 8

// recordSize is the fixed byte size of the feed configuration record
// following the discriminator: feed hash (32) + queue (32) + max variance (8)
// + min responses (4) + min sample size (1).
const recordSize = 77

// Discriminator is sha256("account:<name>")[:8], the anchor convention.
func Discriminator(name string) [discriminatorLen]byte {
	var d [discriminatorLen]byte
	sum := sha256.Sum256([]byte("account:" + name))
	copy(d[:], sum[:discriminatorLen])

	return d
}

var feedDiscriminator = Discriminator("PullFeedAccountData")

// Config is a feed's decoded configuration: the job-definition digest and the
// consensus thresholds the gateways are asked to honor. Immutable once
// decoded; valid for one request cycle.
type Config struct {
	FeedHash      [32]byte
	Queue         solana.PublicKey
	MaxVariance   uint64
	MinResponses  uint32
	MinSampleSize uint8
}

// ParseAccount decodes a raw feed account buffer. The buffer must carry the
// feed discriminator and at least the fixed record size behind it. Decoding
// reads the buffer byte by byte, so no alignment of the source is assumed and
// the buffer is not retained.
func ParseAccount(data []byte) (Config, error) {
	var cfg Config

	if len(data) < discriminatorLen {
		return cfg, types.NewError(types.KindAccountDecode, "account data too short: %d bytes", len(data))
	}

	if !bytes.Equal(data[:discriminatorLen], feedDiscriminator[:]) {
		return cfg, types.NewError(types.KindAccountDecode, "account discriminator mismatch")
	}

	if len(data) < discriminatorLen+recordSize {
		return cfg, types.NewError(types.KindAccountDecode, "feed record truncated: %d bytes", len(data)-discriminatorLen)
	}

	dec := bin.NewBinDecoder(data[discriminatorLen : discriminatorLen+recordSize])

	feedHash, err := dec.ReadNBytes(32)
	if err != nil {
		return cfg, types.WrapError(types.KindAccountDecode, err, "failed to read feed hash")
	}
	copy(cfg.FeedHash[:], feedHash)

	queue, err := dec.ReadNBytes(32)
	if err != nil {
		return cfg, types.WrapError(types.KindAccountDecode, err, "failed to read queue key")
	}
	cfg.Queue = solana.PublicKeyFromBytes(queue)

	if cfg.MaxVariance, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return cfg, types.WrapError(types.KindAccountDecode, err, "failed to read max variance")
	}

	if cfg.MinResponses, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return cfg, types.WrapError(types.KindAccountDecode, err, "failed to read min responses")
	}

	if cfg.MinSampleSize, err = dec.ReadUint8(); err != nil {
		return cfg, types.WrapError(types.KindAccountDecode, err, "failed to read min sample size")
	}

	return cfg, nil
}
