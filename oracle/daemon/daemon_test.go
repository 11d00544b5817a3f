package daemon

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/GPTx-global/feedpushd/oracle/client"
	"github.com/GPTx-global/feedpushd/oracle/config"
	"github.com/GPTx-global/feedpushd/oracle/consensus"
	"github.com/GPTx-global/feedpushd/oracle/feed"
	"github.com/GPTx-global/feedpushd/oracle/gateway"
	"github.com/GPTx-global/feedpushd/oracle/log"
	"github.com/GPTx-global/feedpushd/oracle/submitter"
	"github.com/GPTx-global/feedpushd/oracle/types"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/suite"
)

// fakeBackend implements client.Backend over in-memory accounts for full-cycle
// tests.
type fakeBackend struct {
	accounts  map[solana.PublicKey][]byte
	blockhash solana.Hash
	slot      uint64
	simulated int
}

func (f *fakeBackend) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	data, ok := f.accounts[account]
	if !ok {
		return &rpc.GetAccountInfoResult{}, nil
	}

	return &rpc.GetAccountInfoResult{Value: rawAccount(data)}, nil
}

func (f *fakeBackend) GetMultipleAccountsWithOpts(_ context.Context, accounts []solana.PublicKey, _ *rpc.GetMultipleAccountsOpts) (*rpc.GetMultipleAccountsResult, error) {
	out := make([]*rpc.Account, 0, len(accounts))
	for _, key := range accounts {
		if data, ok := f.accounts[key]; ok {
			out = append(out, rawAccount(data))
		} else {
			out = append(out, nil)
		}
	}

	return &rpc.GetMultipleAccountsResult{Value: out}, nil
}

func (f *fakeBackend) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: f.blockhash}}, nil
}

func (f *fakeBackend) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	return f.slot, nil
}

func (f *fakeBackend) SimulateTransactionWithOpts(context.Context, *solana.Transaction, *rpc.SimulateTransactionOpts) (*rpc.SimulateTransactionResponse, error) {
	f.simulated++

	return &rpc.SimulateTransactionResponse{
		Value: &rpc.SimulateTransactionResult{Logs: []string{"Program log: ok"}},
	}, nil
}

func rawAccount(data []byte) *rpc.Account {
	raw := fmt.Sprintf(`["%s","base64"]`, base64.StdEncoding.EncodeToString(data))

	var decoded rpc.DataBytesOrJSON
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		panic(err)
	}

	return &rpc.Account{Data: &decoded}
}

type fakeJobs struct{}

func (fakeJobs) FetchJobs(context.Context, [32]byte) ([]string, error) {
	return []string{"am9i"}, nil
}

// DaemonTestSuite defines the test suite for full submission cycles
type DaemonTestSuite struct {
	suite.Suite
	backend *fakeBackend
	server  *httptest.Server
	oracle  solana.PublicKey
	daemon  *Daemon
}

// SetupSuite runs once before all tests in the suite
func (suite *DaemonTestSuite) SetupSuite() {
	log.InitLogger()
}

// SetupTest runs before each test
func (suite *DaemonTestSuite) SetupTest() {
	keypair, err := solana.NewRandomPrivateKey()
	suite.Require().NoError(err)

	oracleKeypair, err := solana.NewRandomPrivateKey()
	suite.Require().NoError(err)
	suite.oracle = oracleKeypair.PublicKey()

	suite.server = httptest.NewServer(http.HandlerFunc(suite.serveGateway))

	config.SetForTesting(
		"http://unused.invalid",
		"/tmp/id.json",
		"6CyMpkE6kb1MkcxhNH5PM7wAPwm2Agu2P4Qa51nQgWfi",
		"A43DyUGA7s8eXPxqEjJY6EBu1KKbNgfxF8h17VAHn13w",
		"https://crossbar.switchboard.xyz",
		config.ModeConsensus,
		100,
		3600,
		0,
	)

	suite.backend = &fakeBackend{
		accounts:  make(map[solana.PublicKey][]byte),
		blockhash: solana.HashFromBytes([]byte("00000000000000000000000000000042")),
		slot:      4242,
	}
	suite.storeFeed()
	suite.storeQueue()
	suite.storeOracle()

	rpcClient := client.NewWithBackend(suite.backend, keypair, client.NewRateBudget(100, time.Hour))
	suite.daemon = &Daemon{
		client:     rpcClient,
		resolver:   gateway.NewResolver(rpcClient),
		fetcher:    consensus.NewFetcher(gateway.NewClient(), fakeJobs{}),
		aggregator: submitter.NewAggregator(config.QueueKey(), rpcClient.Payer()),
		assembler:  submitter.NewAssembler(rpcClient),
		quit:       make(chan struct{}),
	}
}

// TearDownTest runs after each test
func (suite *DaemonTestSuite) TearDownTest() {
	suite.daemon.Stop()
	suite.server.Close()
}

func (suite *DaemonTestSuite) serveGateway(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/gateway/api/v1/fetch_signatures_consensus":
		json.NewEncoder(w).Encode(gateway.FetchSignaturesConsensusResponse{
			MedianResponses: []gateway.MedianResponse{{Value: "1500000000000000000"}},
			OracleResponses: []gateway.ConsensusOracleResponse{{
				EthAddress:    hex.EncodeToString(make([]byte, 20)),
				Signature:     base64.StdEncoding.EncodeToString(make([]byte, types.SignatureLength)),
				Checksum:      base64.StdEncoding.EncodeToString(make([]byte, 32)),
				FeedResponses: []gateway.FeedResponse{{OraclePubkey: hex.EncodeToString(suite.oracle[:])}},
			}},
		})

	case "/gateway/api/v1/fetch_signatures":
		json.NewEncoder(w).Encode(gateway.FetchSignaturesResponse{
			Responses: []gateway.SignatureResponse{{
				OraclePubkey: hex.EncodeToString(suite.oracle[:]),
				Signature:    base64.StdEncoding.EncodeToString(make([]byte, types.SignatureLength)),
				SuccessValue: "1500000000000000000",
			}},
		})

	default:
		http.NotFound(w, r)
	}
}

func (suite *DaemonTestSuite) storeFeed() {
	disc := feed.Discriminator("PullFeedAccountData")
	queueKey := config.QueueKey()

	buf := append([]byte{}, disc[:]...)
	buf = append(buf, make([]byte, 32)...) // feed hash
	buf = append(buf, queueKey[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, 5_000_000_000) // max variance
	buf = binary.LittleEndian.AppendUint32(buf, 1)             // min responses
	buf = append(buf, 1)                                       // min sample size

	suite.backend.accounts[config.FeedKey()] = buf
}

func (suite *DaemonTestSuite) storeQueue() {
	disc := feed.Discriminator("QueueAccountData")

	buf := append([]byte{}, disc[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = append(buf, suite.oracle[:]...)

	suite.backend.accounts[config.QueueKey()] = buf
}

func (suite *DaemonTestSuite) storeOracle() {
	disc := feed.Discriminator("OracleAccountData")

	field := make([]byte, 64)
	copy(field, suite.server.URL)

	suite.backend.accounts[suite.oracle] = append(disc[:], field...)
}

// TestRunCycleConsensus tests a full consensus-mode cycle through to simulation
func (suite *DaemonTestSuite) TestRunCycleConsensus() {
	suite.NoError(suite.daemon.RunCycle(context.Background()))
	suite.Equal(1, suite.backend.simulated)
}

// TestRunCycleSubmissions tests a full per-oracle cycle through to simulation
func (suite *DaemonTestSuite) TestRunCycleSubmissions() {
	globalSetMode(config.ModeSubmissions)

	suite.NoError(suite.daemon.RunCycle(context.Background()))
	suite.Equal(1, suite.backend.simulated)
}

// TestRunCycleMissingFeed tests that a missing feed account aborts the cycle
func (suite *DaemonTestSuite) TestRunCycleMissingFeed() {
	delete(suite.backend.accounts, config.FeedKey())

	err := suite.daemon.RunCycle(context.Background())
	suite.Error(err)
	suite.Zero(suite.backend.simulated)
}

// TestRunCycleNoGateways tests that an oracle-less queue exhausts without simulating
func (suite *DaemonTestSuite) TestRunCycleNoGateways() {
	disc := feed.Discriminator("QueueAccountData")
	buf := append([]byte{}, disc[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	suite.backend.accounts[config.QueueKey()] = buf

	err := suite.daemon.RunCycle(context.Background())
	suite.Error(err)
	suite.True(types.IsKind(err, types.KindExhausted))
	suite.Zero(suite.backend.simulated)
}

// globalSetMode flips only the submission mode, keeping the rest of the fixture.
func globalSetMode(mode string) {
	config.SetForTesting(
		config.Endpoint(),
		config.KeypairPath(),
		config.FeedKey().String(),
		config.QueueKey().String(),
		config.CrossbarURL(),
		mode,
		config.RateCapacity(),
		int64(config.RateInterval()/time.Second),
		int64(config.SubmitInterval()/time.Second),
	)
}

// TestDaemonSuite runs the test suite
func TestDaemonSuite(t *testing.T) {
	suite.Run(t, new(DaemonTestSuite))
}
