package client

import (
	"context"
	"net/http"
	"time"

	"github.com/GPTx-global/feedpushd/oracle/config"
	"github.com/GPTx-global/feedpushd/oracle/log"
	"github.com/GPTx-global/feedpushd/oracle/types"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"golang.org/x/sync/errgroup"
)

const (
	// accountChunkSize is the number of keys per getMultipleAccounts call.
	accountChunkSize = 5
	// defaultFanout bounds concurrent chunk dispatch.
	defaultFanout = 5

	rpcTimeout = 3 * time.Minute
)

// Backend is the subset of the RPC client the daemon uses. *rpc.Client
// satisfies it.
type Backend interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetMultipleAccountsWithOpts(ctx context.Context, accounts []solana.PublicKey, opts *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	SimulateTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error)
}

// Client is a rate-limited RPC client. Every RPC-issuing operation takes one
// permit from the shared budget before going to the wire.
type Client struct {
	keypair solana.PrivateKey
	payer   solana.PublicKey
	backend Backend
	budget  *RateBudget
}

// New connects to the configured endpoint with the configured budget and a
// connection-level timeout bounding overall call duration.
func New(endpoint string, keypair solana.PrivateKey) *Client {
	backend := rpc.NewWithCustomRPCClient(jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
		HTTPClient: &http.Client{Timeout: rpcTimeout},
	}))

	log.Infof("Connected wallet - %s", keypair.PublicKey())

	return NewWithBackend(backend, keypair, NewRateBudget(config.RateCapacity(), config.RateInterval()))
}

// NewWithBackend wires an explicit backend and budget.
func NewWithBackend(backend Backend, keypair solana.PrivateKey, budget *RateBudget) *Client {
	return &Client{
		keypair: keypair,
		payer:   keypair.PublicKey(),
		backend: backend,
		budget:  budget,
	}
}

// Close stops the budget's refill task.
func (c *Client) Close() {
	c.budget.Stop()
}

func (c *Client) Payer() solana.PublicKey {
	return c.payer
}

// GetAccount fetches a single account at confirmed commitment.
func (c *Client) GetAccount(ctx context.Context, key solana.PublicKey) (*rpc.Account, error) {
	if err := c.budget.Acquire(ctx); err != nil {
		return nil, err
	}

	res, err := c.backend.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, types.WrapError(types.KindRPC, err, "failed to get account %s", key)
	}

	if res.Value == nil {
		return nil, types.NewError(types.KindRPC, "account %s not found", key)
	}

	return res.Value, nil
}

// GetMultipleAccounts fetches keys in chunks of five with bounded concurrent
// fan-out. The result always has one entry per input key, in input order; a
// chunk whose RPC call fails degrades to absent entries instead of failing
// the whole fetch.
func (c *Client) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey, limit int) ([]*rpc.Account, error) {
	if len(keys) == 0 {
		return []*rpc.Account{}, nil
	}

	if limit <= 0 {
		limit = defaultFanout
	}

	if err := c.budget.Acquire(ctx); err != nil {
		return nil, err
	}

	chunks := chunkKeys(keys, accountChunkSize)
	results := make([][]*rpc.Account, len(chunks))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		group.Go(func() error {
			res, err := c.backend.GetMultipleAccountsWithOpts(groupCtx, chunk, &rpc.GetMultipleAccountsOpts{
				Encoding:   solana.EncodingBase64,
				Commitment: rpc.CommitmentConfirmed,
			})
			if err != nil {
				log.Warnf("failed to get multiple accounts chunk of %d: %v", len(chunk), err)
				results[i] = make([]*rpc.Account, len(chunk))
				return nil
			}

			accounts := res.Value
			if len(accounts) != len(chunk) {
				log.Warnf("chunk returned %d accounts for %d keys", len(accounts), len(chunk))
				accounts = append(accounts, make([]*rpc.Account, len(chunk)-len(accounts))...)
			}
			results[i] = accounts

			return nil
		})
	}

	// Chunk workers never return errors; failures degrade to absent entries.
	_ = group.Wait()

	accounts := make([]*rpc.Account, 0, len(keys))
	for _, chunk := range results {
		accounts = append(accounts, chunk...)
	}

	return accounts, nil
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if err := c.budget.Acquire(ctx); err != nil {
		return solana.Hash{}, err
	}

	res, err := c.backend.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, types.WrapError(types.KindRPC, err, "failed to get latest blockhash")
	}

	return res.Value.Blockhash, nil
}

func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	if err := c.budget.Acquire(ctx); err != nil {
		return 0, err
	}

	slot, err := c.backend.GetSlot(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, types.WrapError(types.KindRPC, err, "failed to get slot")
	}

	return slot, nil
}

// CallInstructions compiles the instructions into a transaction (legacy
// message without lookup tables, v0 with them), signs it with the supplied
// signers or the client's own keypair, and submits it for simulation. The
// transaction is never broadcast.
func (c *Client) CallInstructions(
	ctx context.Context,
	tables map[solana.PublicKey]solana.PublicKeySlice,
	instructions []solana.Instruction,
	recentBlockhash solana.Hash,
	signers []solana.PrivateKey,
) (*rpc.SimulateTransactionResponse, error) {
	opts := []solana.TransactionOption{solana.TransactionPayer(c.payer)}
	if len(tables) > 0 {
		opts = append(opts, solana.TransactionAddressTables(tables))
	}

	tx, err := solana.NewTransaction(instructions, recentBlockhash, opts...)
	if err != nil {
		return nil, types.WrapError(types.KindCompile, err, "failed to compile transaction message")
	}

	if len(signers) == 0 {
		signers = []solana.PrivateKey{c.keypair}
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		for i := range signers {
			if signers[i].PublicKey().Equals(key) {
				return &signers[i]
			}
		}
		return nil
	})
	if err != nil {
		return nil, types.WrapError(types.KindSigner, err, "failed to sign transaction")
	}

	if err := c.budget.Acquire(ctx); err != nil {
		return nil, err
	}

	sim, err := c.backend.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return nil, types.WrapError(types.KindRPC, err, "failed to simulate transaction")
	}

	return sim, nil
}

func chunkKeys(keys []solana.PublicKey, size int) [][]solana.PublicKey {
	chunks := make([][]solana.PublicKey, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[start:end])
	}

	return chunks
}
