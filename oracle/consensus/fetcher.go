package consensus

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"math"

	"github.com/GPTx-global/feedpushd/oracle/feed"
	"github.com/GPTx-global/feedpushd/oracle/gateway"
	"github.com/GPTx-global/feedpushd/oracle/log"
	"github.com/GPTx-global/feedpushd/oracle/types"
	"github.com/gagliardetto/solana-go"
)

// varianceDivisor converts the on-chain parts-per-billion variance bound to
// the percentage the gateways expect.
const varianceDivisor = 1_000_000_000

// JobSource resolves a feed hash to encoded job definitions.
type JobSource interface {
	FetchJobs(ctx context.Context, feedHash [32]byte) ([]string, error)
}

// Fetcher retrieves attestations from a resolved gateway list with linear
// failover: each gateway is tried at most once, in list order, with no delay
// between attempts.
type Fetcher struct {
	gateways *gateway.Client
	jobs     JobSource
}

func NewFetcher(gateways *gateway.Client, jobs JobSource) *Fetcher {
	return &Fetcher{gateways: gateways, jobs: jobs}
}

// Consensus requests a pre-aggregated consensus attestation for the feed,
// failing over across the gateway list.
func (f *Fetcher) Consensus(ctx context.Context, handles []gateway.Handle, cfg feed.Config, recentBlockhash solana.Hash) (*gateway.FetchSignaturesConsensusResponse, error) {
	encodedJobs, err := f.jobs.FetchJobs(ctx, cfg.FeedHash)
	if err != nil {
		return nil, err
	}

	params := gateway.FetchSignaturesConsensusParams{
		RecentHash:    recentBlockhash.String(),
		NumSignatures: 1,
		FeedConfigs: []gateway.FeedConfig{{
			EncodedJobs:  encodedJobs,
			MaxVariance:  uint32(cfg.MaxVariance / varianceDivisor),
			MinResponses: cfg.MinResponses,
		}},
		UseTimestamp: false,
	}

	var res *gateway.FetchSignaturesConsensusResponse
	err = failover(ctx, handles, func(ctx context.Context, handle gateway.Handle) error {
		r, err := f.gateways.FetchSignaturesConsensus(ctx, handle, params)
		if err != nil {
			return err
		}
		res = r

		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Submissions requests raw per-oracle signatures for the feed, failing over
// across the gateway list, and parses them into typed attestations.
func (f *Fetcher) Submissions(ctx context.Context, handles []gateway.Handle, cfg feed.Config, recentBlockhash solana.Hash) ([]types.OracleAttestation, error) {
	encodedJobs, err := f.jobs.FetchJobs(ctx, cfg.FeedHash)
	if err != nil {
		return nil, err
	}

	params := gateway.FetchSignaturesParams{
		RecentHash:    recentBlockhash.String(),
		EncodedJobs:   encodedJobs,
		NumSignatures: sampleSignatureCount(cfg.MinSampleSize),
		MaxVariance:   uint32(cfg.MaxVariance / varianceDivisor),
		MinResponses:  cfg.MinResponses,
		UseTimestamp:  false,
	}

	var attestations []types.OracleAttestation
	err = failover(ctx, handles, func(ctx context.Context, handle gateway.Handle) error {
		res, err := f.gateways.FetchSignatures(ctx, handle, params)
		if err != nil {
			return err
		}

		parsed, err := parseAttestations(res.Responses)
		if err != nil {
			return err
		}
		attestations = parsed

		return nil
	})
	if err != nil {
		return nil, err
	}

	return attestations, nil
}

// sampleSignatureCount pads the requested signature count a third above the
// feed's minimum sample size so a straggling oracle does not sink the batch.
func sampleSignatureCount(minSampleSize uint8) uint32 {
	return uint32(minSampleSize) + uint32(math.Ceil(float64(minSampleSize)/3.0))
}

// failover tries each gateway once in list order. An empty list fails with
// exhaustion before any attempt; a failed attempt logs a warning and moves to
// the next gateway; after the last failure the exhaustion error reports the
// last underlying cause.
func failover(ctx context.Context, handles []gateway.Handle, attempt func(context.Context, gateway.Handle) error) error {
	if len(handles) == 0 {
		return types.NewError(types.KindExhausted, "no gateways to query")
	}

	var lastErr error
	for i, handle := range handles {
		err := attempt(ctx, handle)
		if err == nil {
			log.Debugf("gateway %s succeeded on attempt %d/%d", handle.URI, i+1, len(handles))
			return nil
		}

		lastErr = err
		log.Warnf("gateway %s failed on attempt %d/%d: %v", handle.URI, i+1, len(handles), err)
	}

	return types.WrapError(types.KindExhausted, lastErr, "all %d gateways failed", len(handles))
}

// parseAttestations converts wire responses into typed attestations. A
// missing or malformed value marks a sampling failure for that oracle; a
// malformed pubkey or signature fails the whole attempt.
func parseAttestations(responses []gateway.SignatureResponse) ([]types.OracleAttestation, error) {
	attestations := make([]types.OracleAttestation, 0, len(responses))

	for _, res := range responses {
		rawKey, err := hex.DecodeString(res.OraclePubkey)
		if err != nil {
			return nil, types.WrapError(types.KindParse, err, "invalid oracle pubkey %q", res.OraclePubkey)
		}
		if len(rawKey) != solana.PublicKeyLength {
			return nil, types.NewError(types.KindParse, "oracle pubkey has %d bytes", len(rawKey))
		}

		rawSig, err := base64.StdEncoding.DecodeString(res.Signature)
		if err != nil {
			return nil, types.WrapError(types.KindParse, err, "invalid signature for oracle %s", res.OraclePubkey)
		}
		if len(rawSig) != types.SignatureLength {
			return nil, types.NewError(types.KindParse, "signature has %d bytes", len(rawSig))
		}

		att := types.OracleAttestation{
			Oracle:     solana.PublicKeyFromBytes(rawKey),
			Error:      res.FailureError,
			RecoveryID: uint8(res.RecoveryID),
		}
		copy(att.Signature[:], rawSig)

		if mantissa, err := types.ParseI128(res.SuccessValue); err == nil {
			value := types.DecimalFromMantissa(mantissa)
			att.Value = &value
		}

		attestations = append(attestations, att)
	}

	return attestations, nil
}
