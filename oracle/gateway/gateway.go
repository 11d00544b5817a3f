package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/GPTx-global/feedpushd/oracle/types"
	"github.com/gagliardetto/solana-go"
)

var (
	once       sync.Once
	httpClient *http.Client
)

func sharedClient() *http.Client {
	once.Do(func() {
		transport := new(http.Transport)
		transport.MaxIdleConns = 100
		transport.MaxIdleConnsPerHost = 10
		transport.IdleConnTimeout = 90 * time.Second
		transport.WriteBufferSize = 32 * 1024
		transport.ReadBufferSize = 32 * 1024

		httpClient = new(http.Client)
		httpClient.Timeout = 30 * time.Second
		httpClient.Transport = transport
	})

	return httpClient
}

// Handle references one oracle's gateway endpoint. Handles are resolved fresh
// per submission attempt and never cached across cycles.
type Handle struct {
	Oracle solana.PublicKey
	URI    string
}

// FetchSignaturesParams is the request body of the per-oracle signature
// endpoint.
type FetchSignaturesParams struct {
	RecentHash    string   `json:"recent_hash"`
	EncodedJobs   []string `json:"encoded_jobs"`
	NumSignatures uint32   `json:"num_signatures"`
	MaxVariance   uint32   `json:"max_variance"`
	MinResponses  uint32   `json:"min_responses"`
	UseTimestamp  bool     `json:"use_timestamp"`
}

// SignatureResponse is one oracle's raw signed response. SuccessValue is the
// scale-18 mantissa as a decimal string, empty when the oracle failed to
// sample.
type SignatureResponse struct {
	OraclePubkey string `json:"oracle_pubkey"`
	Signature    string `json:"signature"`
	RecoveryID   int    `json:"recovery_id"`
	SuccessValue string `json:"success_value"`
	FailureError string `json:"failure_error"`
}

type FetchSignaturesResponse struct {
	Responses []SignatureResponse `json:"responses"`
}

// FeedConfig is one feed's job set and thresholds inside a consensus request.
type FeedConfig struct {
	EncodedJobs  []string `json:"encoded_jobs"`
	MaxVariance  uint32   `json:"max_variance"`
	MinResponses uint32   `json:"min_responses"`
}

type FetchSignaturesConsensusParams struct {
	RecentHash    string       `json:"recent_hash"`
	NumSignatures uint32       `json:"num_signatures"`
	FeedConfigs   []FeedConfig `json:"feed_configs"`
	UseTimestamp  bool         `json:"use_timestamp"`
}

type MedianResponse struct {
	Value string `json:"value"`
}

type FeedResponse struct {
	OraclePubkey string `json:"oracle_pubkey"`
}

// ConsensusOracleResponse carries one oracle's secp256k1 signature tuple over
// the aggregated values: network address digest, signature and signed message
// digest base64-encoded, plus the recovery id.
type ConsensusOracleResponse struct {
	EthAddress    string         `json:"eth_address"`
	Signature     string         `json:"signature"`
	Checksum      string         `json:"checksum"`
	RecoveryID    int            `json:"recovery_id"`
	FeedResponses []FeedResponse `json:"feed_responses"`
}

// FetchSignaturesConsensusResponse is a feed-level pre-aggregated attestation.
// The order of OracleResponses is the signature-batch order and must be
// preserved through instruction assembly.
type FetchSignaturesConsensusResponse struct {
	MedianResponses []MedianResponse          `json:"median_responses"`
	OracleResponses []ConsensusOracleResponse `json:"oracle_responses"`
}

// Client dispatches attestation requests to gateway endpoints.
type Client struct {
	http *http.Client
}

func NewClient() *Client {
	return &Client{http: sharedClient()}
}

// FetchSignatures requests raw per-oracle signatures from one gateway.
func (c *Client) FetchSignatures(ctx context.Context, handle Handle, params FetchSignaturesParams) (*FetchSignaturesResponse, error) {
	var res FetchSignaturesResponse
	if err := c.post(ctx, handle.URI+"/gateway/api/v1/fetch_signatures", params, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

// FetchSignaturesConsensus requests a pre-aggregated consensus attestation
// from one gateway.
func (c *Client) FetchSignaturesConsensus(ctx context.Context, handle Handle, params FetchSignaturesConsensusParams) (*FetchSignaturesConsensusResponse, error) {
	var res FetchSignaturesConsensusResponse
	if err := c.post(ctx, handle.URI+"/gateway/api/v1/fetch_signatures_consensus", params, &res); err != nil {
		return nil, err
	}

	return &res, nil
}

func (c *Client) post(ctx context.Context, url string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return types.WrapError(types.KindParse, err, "failed to marshal gateway request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.WrapError(types.KindRPC, err, "failed to create gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return types.WrapError(types.KindRPC, err, "gateway request to %s failed", url)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return types.WrapError(types.KindRPC, err, "failed to read gateway response")
	}

	if res.StatusCode != http.StatusOK {
		return types.NewError(types.KindRPC, "gateway returned %d: %s", res.StatusCode, truncate(raw, 256))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return types.WrapError(types.KindParse, err, "failed to unmarshal gateway response")
	}

	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}

	return fmt.Sprintf("%s... (%d bytes)", b[:n], len(b))
}
