package txn

import (
	"encoding/base64"

	"github.com/gagliardetto/solana-go"
)

// IntentKind discriminates the variants of Intent.
type IntentKind string

const (
	IntentNativeTransfer IntentKind = "native_transfer"
	IntentTokenTransfer  IntentKind = "token_transfer"
	IntentInstructions   IntentKind = "instructions"
)

// Intent is a validated, typed request. Each variant carries only the fields
// its instruction builder needs.
type Intent interface {
	IntentKind() IntentKind
	TxType() Type
}

// NativeTransfer moves lamports from the funding wallet to Destination.
type NativeTransfer struct {
	Destination solana.PublicKey
	Lamports    uint64
}

func (NativeTransfer) IntentKind() IntentKind { return IntentNativeTransfer }
func (NativeTransfer) TxType() Type           { return TypeTransfer }

// TokenTransfer moves Amount raw units of Mint between the associated token
// accounts of the funding wallet and Destination.
type TokenTransfer struct {
	Destination solana.PublicKey
	Mint        solana.PublicKey
	Amount      uint64
}

func (TokenTransfer) IntentKind() IntentKind { return IntentTokenTransfer }
func (TokenTransfer) TxType() Type           { return TypeTransfer }

// Instruction is a decoded caller-supplied instruction.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  solana.AccountMetaSlice
	Data      []byte
}

// InstructionBatch wraps caller-supplied instructions verbatim. It serves every
// non-transfer type (swap, stake, custom and the rest).
type InstructionBatch struct {
	Type         Type
	Instructions []Instruction
}

func (InstructionBatch) IntentKind() IntentKind { return IntentInstructions }
func (b InstructionBatch) TxType() Type         { return b.Type }

// Parse validates s and returns the matching Intent variant. All
// failures are ValidationErrors and happen before any network call.
func (s IntentSpec) Parse() (Intent, error) {
	if !s.Type.Valid() {
		return nil, Errorf(KindValidation, "invalid transaction type %q", s.Type)
	}
	if !s.Urgency.Valid() {
		return nil, Errorf(KindValidation, "invalid urgency %q", s.Urgency)
	}

	if s.Type == TypeTransfer && len(s.Instructions) == 0 {
		if s.Destination == "" {
			return nil, Errorf(KindValidation, "destination is required for transfer")
		}
		dest, err := solana.PublicKeyFromBase58(s.Destination)
		if err != nil {
			return nil, Errorf(KindValidation, "invalid destination address %q", s.Destination)
		}
		if s.Amount == nil || *s.Amount == 0 {
			return nil, Errorf(KindValidation, "amount must be greater than zero")
		}
		if s.TokenMint == "" {
			return NativeTransfer{Destination: dest, Lamports: uint64(*s.Amount)}, nil
		}
		mint, err := solana.PublicKeyFromBase58(s.TokenMint)
		if err != nil {
			return nil, Errorf(KindValidation, "invalid token mint %q", s.TokenMint)
		}
		return TokenTransfer{Destination: dest, Mint: mint, Amount: uint64(*s.Amount)}, nil
	}

	if len(s.Instructions) == 0 {
		return nil, Errorf(KindValidation, "instructions are required for %s", s.Type)
	}
	// informational fields still have to be well formed, the policy evaluator sees them
	if s.Destination != "" {
		if _, err := solana.PublicKeyFromBase58(s.Destination); err != nil {
			return nil, Errorf(KindValidation, "invalid destination address %q", s.Destination)
		}
	}
	if s.TokenMint != "" {
		if _, err := solana.PublicKeyFromBase58(s.TokenMint); err != nil {
			return nil, Errorf(KindValidation, "invalid token mint %q", s.TokenMint)
		}
	}

	batch := InstructionBatch{Type: s.Type, Instructions: make([]Instruction, 0, len(s.Instructions))}
	for i, raw := range s.Instructions {
		ix, err := raw.decode()
		if err != nil {
			return nil, Errorf(KindValidation, "instruction %d: %s", i, err.Error())
		}
		batch.Instructions = append(batch.Instructions, ix)
	}
	return batch, nil
}

func (r RawInstruction) decode() (Instruction, error) {
	programID, err := solana.PublicKeyFromBase58(r.ProgramID)
	if err != nil {
		return Instruction{}, Errorf(KindValidation, "invalid program id %q", r.ProgramID)
	}
	accounts := make(solana.AccountMetaSlice, 0, len(r.Accounts))
	for _, acct := range r.Accounts {
		pk, err := solana.PublicKeyFromBase58(acct.Pubkey)
		if err != nil {
			return Instruction{}, Errorf(KindValidation, "invalid account %q", acct.Pubkey)
		}
		accounts = append(accounts, solana.NewAccountMeta(pk, acct.IsWritable, acct.IsSigner))
	}
	data, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return Instruction{}, Errorf(KindValidation, "instruction data is not valid base64")
	}
	return Instruction{ProgramID: programID, Accounts: accounts, Data: data}, nil
}

// PolicyFacts are the request facts the policy evaluator receives.
type PolicyFacts struct {
	Destination string
	Amount      *Amount
	TokenMint   string
	ProgramIDs  []string
}

// Facts extracts the policy-relevant facts from s. Program ids come from
// the built instruction summaries when available.
func (s IntentSpec) Facts(instructions []InstructionSummary) PolicyFacts {
	f := PolicyFacts{Destination: s.Destination, Amount: s.Amount, TokenMint: s.TokenMint}
	seen := map[string]bool{}
	for _, ix := range instructions {
		if !seen[ix.ProgramID] {
			seen[ix.ProgramID] = true
			f.ProgramIDs = append(f.ProgramIDs, ix.ProgramID)
		}
	}
	return f
}
