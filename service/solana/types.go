package solana

import (
	"fmt"

	"github.com/brojonat/agentpay/service/cache"
	"github.com/brojonat/agentpay/service/txn"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// BaseFeeLamports is the network fee charged per required signature.
const BaseFeeLamports = 5000

// DefaultComputeUnits is assumed when simulation did not report consumption.
const DefaultComputeUnits = 200_000

// BuiltTransaction is an unsigned transaction plus what later steps need to know about it.
type BuiltTransaction struct {
	Tx                 *solana.Transaction
	Blockhash          cache.Blockhash
	Instructions       []txn.InstructionSummary
	RequiredSignatures int
	WritableAccounts   []string
}

// Serialize returns the wire encoding of the unsigned transaction, with
// zeroed signature slots for every required signer.
func (b *BuiltTransaction) Serialize() ([]byte, error) {
	return b.Tx.MarshalBinary()
}

// SignatureOf returns the fee payer signature of a signed wire transaction.
// It is the network id of the transaction, known before broadcast.
func SignatureOf(signed []byte) (string, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(signed))
	if err != nil {
		return "", fmt.Errorf("failed to decode signed transaction: %w", err)
	}
	if len(tx.Signatures) == 0 {
		return "", fmt.Errorf("signed transaction has no signatures")
	}
	return tx.Signatures[0].String(), nil
}

// SimulationResult is the outcome of a dry run. A failed program execution is
// reported here with Success=false, not as an error.
type SimulationResult struct {
	Success       bool
	Logs          []string
	UnitsConsumed *uint64
	Error         string
}

// ConfirmationResult is the outcome of waiting on a signature.
type ConfirmationResult struct {
	Confirmed bool
	Slot      uint64
	Error     string
}

// FeeEstimate is a priority-fee price and the total fee it implies.
type FeeEstimate struct {
	MicroLamportsPerCU uint64
	FeeLamports        uint64
}
