package solana

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/brojonat/agentpay/service/cache"
	"github.com/brojonat/agentpay/service/txn"
	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// BlockhashProvider supplies a recent block reference, normally a cache.BlockhashCache.
type BlockhashProvider interface {
	Latest(ctx context.Context) (cache.Blockhash, error)
}

// AccountChecker reports whether an account exists on chain.
type AccountChecker interface {
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
}

// InstructionBuilder produces the instructions for one intent variant.
type InstructionBuilder interface {
	Instructions(ctx context.Context, payer solana.PublicKey, intent txn.Intent) ([]solana.Instruction, error)
}

// InstructionBuilderFunc adapts a function to InstructionBuilder.
type InstructionBuilderFunc func(ctx context.Context, payer solana.PublicKey, intent txn.Intent) ([]solana.Instruction, error)

func (f InstructionBuilderFunc) Instructions(ctx context.Context, payer solana.PublicKey, intent txn.Intent) ([]solana.Instruction, error) {
	return f(ctx, payer, intent)
}

// BuildOptions tune a build. A zero ComputeUnitPrice adds no compute budget instruction.
type BuildOptions struct {
	ComputeUnitPrice uint64
}

// Builder turns intents into unsigned, fee-payer-addressed transactions.
type Builder struct {
	blockhashes BlockhashProvider
	builders    map[txn.IntentKind]InstructionBuilder
}

// NewBuilder creates a Builder with the native, token and batch builders registered.
func NewBuilder(blockhashes BlockhashProvider, accounts AccountChecker) *Builder {
	b := &Builder{
		blockhashes: blockhashes,
		builders:    make(map[txn.IntentKind]InstructionBuilder),
	}
	b.Register(txn.IntentNativeTransfer, InstructionBuilderFunc(nativeTransferInstructions))
	b.Register(txn.IntentTokenTransfer, &tokenTransferBuilder{accounts: accounts})
	b.Register(txn.IntentInstructions, InstructionBuilderFunc(batchInstructions))
	return b
}

// Register installs or replaces the builder for an intent kind.
func (b *Builder) Register(kind txn.IntentKind, ib InstructionBuilder) {
	b.builders[kind] = ib
}

// Build assembles the transaction for intent with payer as fee payer and a
// cached recent blockhash.
func (b *Builder) Build(ctx context.Context, payer solana.PublicKey, intent txn.Intent, opts BuildOptions) (*BuiltTransaction, error) {
	ib, ok := b.builders[intent.IntentKind()]
	if !ok {
		return nil, txn.Errorf(txn.KindValidation, "unsupported intent %s", intent.IntentKind())
	}

	instructions, err := ib.Instructions(ctx, payer, intent)
	if err != nil {
		return nil, err
	}
	if opts.ComputeUnitPrice > 0 {
		price := computebudget.NewSetComputeUnitPriceInstruction(opts.ComputeUnitPrice).Build()
		instructions = append([]solana.Instruction{price}, instructions...)
	}

	bh, err := b.blockhashes.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blockhash: %w", err)
	}
	hash, err := solana.HashFromBase58(bh.Hash)
	if err != nil {
		return nil, fmt.Errorf("invalid cached blockhash %q: %w", bh.Hash, err)
	}

	tx, err := solana.NewTransaction(instructions, hash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, txn.Wrap(txn.KindValidation, "failed to assemble transaction", err)
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, required)

	built := &BuiltTransaction{
		Tx:                 tx,
		Blockhash:          bh,
		RequiredSignatures: required,
		WritableAccounts:   writableAccounts(tx.Message),
	}
	for _, ci := range tx.Message.Instructions {
		programID := tx.Message.AccountKeys[ci.ProgramIDIndex]
		built.Instructions = append(built.Instructions, txn.InstructionSummary{
			ProgramID:    programID.String(),
			AccountCount: len(ci.Accounts),
			Data:         base64.StdEncoding.EncodeToString(ci.Data),
		})
	}
	return built, nil
}

// writableAccounts lists the message's write-locked accounts using the header layout:
// signed writable, signed readonly, unsigned writable, unsigned readonly.
func writableAccounts(msg solana.Message) []string {
	h := msg.Header
	n := len(msg.AccountKeys)
	signedWritable := int(h.NumRequiredSignatures) - int(h.NumReadonlySignedAccounts)
	unsignedWritableEnd := n - int(h.NumReadonlyUnsignedAccounts)

	var out []string
	for i, key := range msg.AccountKeys {
		if i < signedWritable || (i >= int(h.NumRequiredSignatures) && i < unsignedWritableEnd) {
			out = append(out, key.String())
		}
	}
	return out
}

func nativeTransferInstructions(_ context.Context, payer solana.PublicKey, intent txn.Intent) ([]solana.Instruction, error) {
	t, ok := intent.(txn.NativeTransfer)
	if !ok {
		return nil, fmt.Errorf("native transfer builder got %T", intent)
	}
	return []solana.Instruction{
		system.NewTransferInstruction(t.Lamports, payer, t.Destination).Build(),
	}, nil
}

type tokenTransferBuilder struct {
	accounts AccountChecker
}

// Instructions transfers between the associated token accounts of payer and
// destination, creating the destination's account first if it does not exist.
func (b *tokenTransferBuilder) Instructions(ctx context.Context, payer solana.PublicKey, intent txn.Intent) ([]solana.Instruction, error) {
	t, ok := intent.(txn.TokenTransfer)
	if !ok {
		return nil, fmt.Errorf("token transfer builder got %T", intent)
	}

	source, _, err := solana.FindAssociatedTokenAddress(payer, t.Mint)
	if err != nil {
		return nil, txn.Wrap(txn.KindValidation, "failed to derive source token account", err)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(t.Destination, t.Mint)
	if err != nil {
		return nil, txn.Wrap(txn.KindValidation, "failed to derive destination token account", err)
	}

	var instructions []solana.Instruction
	exists, err := b.accounts.AccountExists(ctx, dest)
	if err != nil {
		return nil, err
	}
	if !exists {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(payer, t.Destination, t.Mint).Build())
	}
	instructions = append(instructions,
		token.NewTransferInstruction(t.Amount, source, dest, payer, nil).Build())
	return instructions, nil
}

func batchInstructions(_ context.Context, _ solana.PublicKey, intent txn.Intent) ([]solana.Instruction, error) {
	batch, ok := intent.(txn.InstructionBatch)
	if !ok {
		return nil, fmt.Errorf("instruction batch builder got %T", intent)
	}
	out := make([]solana.Instruction, 0, len(batch.Instructions))
	for _, ix := range batch.Instructions {
		out = append(out, solana.NewInstruction(ix.ProgramID, ix.Accounts, ix.Data))
	}
	return out, nil
}
