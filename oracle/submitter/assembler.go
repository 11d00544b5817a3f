package submitter

import (
	"context"

	"github.com/GPTx-global/feedpushd/oracle/client"
	"github.com/GPTx-global/feedpushd/oracle/log"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Assembler compiles an instruction set into a signed transaction and runs it
// through simulation. Failures here are terminal for the attempt; retries
// belong to the gateway failover upstream.
type Assembler struct {
	client *client.Client
}

func NewAssembler(c *client.Client) *Assembler {
	return &Assembler{client: c}
}

// Simulate signs with the supplied signers (the client's keypair when none
// are given) and reports the simulation outcome.
func (a *Assembler) Simulate(
	ctx context.Context,
	tables map[solana.PublicKey]solana.PublicKeySlice,
	instructions []solana.Instruction,
	recentBlockhash solana.Hash,
	signers []solana.PrivateKey,
) (*rpc.SimulateTransactionResponse, error) {
	sim, err := a.client.CallInstructions(ctx, tables, instructions, recentBlockhash, signers)
	if err != nil {
		return nil, err
	}

	if sim.Value != nil && sim.Value.Err != nil {
		log.Warnf("simulation returned program error: %v", sim.Value.Err)
	} else {
		log.Infof("simulation succeeded with %d instructions", len(instructions))
	}

	return sim, nil
}
