package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/GPTx-global/feedpushd/oracle/client"
	"github.com/GPTx-global/feedpushd/oracle/config"
	"github.com/GPTx-global/feedpushd/oracle/consensus"
	"github.com/GPTx-global/feedpushd/oracle/feed"
	"github.com/GPTx-global/feedpushd/oracle/gateway"
	"github.com/GPTx-global/feedpushd/oracle/log"
	"github.com/GPTx-global/feedpushd/oracle/submitter"
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Daemon runs submission cycles: feed config, gateway resolution, attestation
// retrieval, instruction assembly, simulation. One cycle by default, repeated
// on an interval when configured.
type Daemon struct {
	client     *client.Client
	resolver   *gateway.Resolver
	fetcher    *consensus.Fetcher
	aggregator *submitter.Aggregator
	assembler  *submitter.Assembler

	quit chan struct{}
	wg   sync.WaitGroup
}

// New wires all components from configuration. A missing key file is an
// unrecoverable startup failure.
func New() (*Daemon, error) {
	keypair, err := config.Keypair()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load signing identity")
	}

	rpcClient := client.New(config.Endpoint(), keypair)
	crossbar := gateway.NewCrossbarClient(config.CrossbarURL())

	return &Daemon{
		client:     rpcClient,
		resolver:   gateway.NewResolver(rpcClient),
		fetcher:    consensus.NewFetcher(gateway.NewClient(), crossbar),
		aggregator: submitter.NewAggregator(config.QueueKey(), rpcClient.Payer()),
		assembler:  submitter.NewAssembler(rpcClient),
		quit:       make(chan struct{}),
	}, nil
}

// Start runs the first cycle immediately and, when a submit interval is
// configured, keeps re-running it until Stop.
func (d *Daemon) Start(ctx context.Context) {
	if err := d.RunCycle(ctx); err != nil {
		log.Errorf("submission cycle failed: %v", err)
	}

	interval := config.SubmitInterval()
	if interval <= 0 {
		return
	}

	d.wg.Add(1)
	go d.loop(ctx, interval)
}

// Stop shuts down the interval loop and the RPC client's budget task.
func (d *Daemon) Stop() {
	close(d.quit)
	d.wg.Wait()
	d.client.Close()
}

func (d *Daemon) loop(ctx context.Context, interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.RunCycle(ctx); err != nil {
				log.Errorf("submission cycle failed: %v", err)
			}
		case <-d.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle performs one full submission attempt for the configured feed. A
// failure aborts this cycle only; nothing here crashes the process.
func (d *Daemon) RunCycle(ctx context.Context) error {
	feedKey := config.FeedKey()
	queueKey := config.QueueKey()

	account, err := d.client.GetAccount(ctx, feedKey)
	if err != nil {
		return errors.Wrapf(err, "failed to retrieve feed account %s", feedKey)
	}

	feedCfg, err := feed.ParseAccount(account.Data.GetBinary())
	if err != nil {
		return errors.Wrapf(err, "failed to decode feed account %s", feedKey)
	}
	log.Infof("decoded feed %s: hash %x, min sample %d, min responses %d",
		feedKey, feedCfg.FeedHash, feedCfg.MinSampleSize, feedCfg.MinResponses)

	handles, err := d.resolver.Resolve(ctx, queueKey)
	if err != nil {
		return errors.Wrapf(err, "failed to resolve gateways for queue %s", queueKey)
	}

	var (
		recentBlockhash solana.Hash
		recentSlot      uint64
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		recentBlockhash, err = d.client.GetLatestBlockhash(groupCtx)
		return err
	})
	group.Go(func() error {
		var err error
		recentSlot, err = d.client.GetSlot(groupCtx)
		return err
	})
	if err := group.Wait(); err != nil {
		return errors.Wrap(err, "failed to retrieve blockhash and slot")
	}

	var instructions []solana.Instruction

	switch config.Mode() {
	case config.ModeConsensus:
		res, err := d.fetcher.Consensus(ctx, handles, feedCfg, recentBlockhash)
		if err != nil {
			return errors.Wrapf(err, "consensus retrieval failed for feed %s blockhash %s", feedKey, recentBlockhash)
		}

		instructions, err = d.aggregator.ConsensusInstructions(res, feedKey, recentSlot)
		if err != nil {
			return errors.Wrap(err, "failed to build consensus instructions")
		}

	case config.ModeSubmissions:
		attestations, err := d.fetcher.Submissions(ctx, handles, feedCfg, recentBlockhash)
		if err != nil {
			return errors.Wrapf(err, "submission retrieval failed for feed %s blockhash %s", feedKey, recentBlockhash)
		}

		ix, err := d.aggregator.SubmissionInstruction(attestations, feedKey, recentSlot)
		if err != nil {
			return errors.Wrap(err, "failed to build submission instruction")
		}
		instructions = []solana.Instruction{ix}

	default:
		return errors.Errorf("unknown submission mode %q", config.Mode())
	}

	sim, err := d.assembler.Simulate(ctx, nil, instructions, recentBlockhash, nil)
	if err != nil {
		return errors.Wrapf(err, "simulation failed for feed %s", feedKey)
	}

	if sim.Value != nil {
		for _, line := range sim.Value.Logs {
			log.Debugf("sim: %s", line)
		}
	}
	log.Infof("submitted feed %s update for simulation at slot %d", feedKey, recentSlot)

	return nil
}
