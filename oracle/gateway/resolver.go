package gateway

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/GPTx-global/feedpushd/oracle/feed"
	"github.com/GPTx-global/feedpushd/oracle/log"
	"github.com/GPTx-global/feedpushd/oracle/types"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	headerLen = 8

	// gatewayURILen is the size of the zero-padded gateway address field in
	// an oracle account record.
	gatewayURILen = 64
)

var (
	queueDiscriminator  = feed.Discriminator("QueueAccountData")
	oracleDiscriminator = feed.Discriminator("OracleAccountData")
)

// AccountFetcher is the slice of the RPC client the resolver needs.
type AccountFetcher interface {
	GetAccount(ctx context.Context, key solana.PublicKey) (*rpc.Account, error)
	GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey, limit int) ([]*rpc.Account, error)
}

// Resolver maps a queue to the gateway endpoints of its registered oracles.
type Resolver struct {
	client AccountFetcher
}

func NewResolver(client AccountFetcher) *Resolver {
	return &Resolver{client: client}
}

// Resolve loads the queue's oracle key set and fetches every oracle account
// in one batched call. Oracles whose account is absent or carries no gateway
// address are skipped with a warning; the returned handles keep the relative
// order of the queue's oracle list. An empty result is valid.
func (r *Resolver) Resolve(ctx context.Context, queue solana.PublicKey) ([]Handle, error) {
	oracleKeys, err := r.loadOracleKeys(ctx, queue)
	if err != nil {
		return nil, err
	}

	accounts, err := r.client.GetMultipleAccounts(ctx, oracleKeys, 0)
	if err != nil {
		return nil, err
	}

	handles := make([]Handle, 0, len(oracleKeys))
	for i, account := range accounts {
		oracleKey := oracleKeys[i]

		if account == nil {
			log.Warnf("getMultipleAccounts returned no account for oracle %s", oracleKey)
			continue
		}

		uri, err := parseGatewayURI(account.Data.GetBinary())
		if err != nil {
			log.Warnf("failed to decode oracle account %s: %v", oracleKey, err)
			continue
		}

		if uri == "" {
			log.Debugf("oracle %s carries no gateway address", oracleKey)
			continue
		}

		handles = append(handles, Handle{Oracle: oracleKey, URI: uri})
	}

	log.Infof("resolved %d gateways from %d queue oracles", len(handles), len(oracleKeys))

	return handles, nil
}

// loadOracleKeys fetches and decodes the queue account's oracle registry:
// an 8-byte header, a little-endian u32 count, then count 32-byte keys.
func (r *Resolver) loadOracleKeys(ctx context.Context, queue solana.PublicKey) ([]solana.PublicKey, error) {
	account, err := r.client.GetAccount(ctx, queue)
	if err != nil {
		return nil, err
	}

	data := account.Data.GetBinary()
	if len(data) < headerLen {
		return nil, types.NewError(types.KindAccountDecode, "queue account too short: %d bytes", len(data))
	}

	if !bytes.Equal(data[:headerLen], queueDiscriminator[:]) {
		return nil, types.NewError(types.KindAccountDecode, "queue discriminator mismatch")
	}

	dec := bin.NewBinDecoder(data[headerLen:])

	count, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, types.WrapError(types.KindAccountDecode, err, "failed to read oracle count")
	}

	keys := make([]solana.PublicKey, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return nil, types.WrapError(types.KindAccountDecode, err, "failed to read oracle key %d", i)
		}
		keys = append(keys, solana.PublicKeyFromBytes(raw))
	}

	return keys, nil
}

// parseGatewayURI reads the gateway address field from an oracle account's
// bytes behind the 8-byte header. An all-zero field means the oracle has not
// published a gateway.
func parseGatewayURI(data []byte) (string, error) {
	if len(data) < headerLen {
		return "", types.NewError(types.KindAccountDecode, "oracle account too short: %d bytes", len(data))
	}

	if !bytes.Equal(data[:headerLen], oracleDiscriminator[:]) {
		return "", types.NewError(types.KindAccountDecode, "oracle discriminator mismatch")
	}

	if len(data) < headerLen+gatewayURILen {
		return "", types.NewError(types.KindAccountDecode, "oracle record truncated: %d bytes", len(data)-headerLen)
	}

	field := data[headerLen : headerLen+gatewayURILen]
	end := bytes.IndexByte(field, 0)
	if end == -1 {
		end = gatewayURILen
	}

	return string(field[:end]), nil
}
