package squads

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// MultisigCreateArgs are the arguments of multisig_create_v2.
type MultisigCreateArgs struct {
	ConfigAuthority *solana.PublicKey
	Threshold       uint16
	Members         []Member
	TimeLock        uint32
	RentCollector   *solana.PublicKey
	Memo            *string
}

// VaultTransactionCreateArgs are the arguments of vault_transaction_create.
type VaultTransactionCreateArgs struct {
	VaultIndex       uint8
	EphemeralSigners uint8
	// TransactionMessage is a TransactionMessage in compact encoding.
	TransactionMessage []byte
	Memo               *string
}

type ProposalCreateArgs struct {
	TransactionIndex uint64
	Draft            bool
}

type ProposalVoteArgs struct {
	Memo *string
}

// MultisigCreateAccounts are the accounts multisig_create_v2 touches.
type MultisigCreateAccounts struct {
	ProgramConfig solana.PublicKey
	Treasury      solana.PublicKey
	Multisig      solana.PublicKey
	CreateKey     solana.PublicKey
	Creator       solana.PublicKey
}

func NewMultisigCreateInstruction(accounts MultisigCreateAccounts, args MultisigCreateArgs) (solana.Instruction, error) {
	data, err := encodeInstruction(multisigCreateV2Discriminator, func(enc *bin.Encoder) error {
		if err := writeOptionalKey(enc, args.ConfigAuthority); err != nil {
			return err
		}
		if err := enc.WriteUint16(args.Threshold, binary.LittleEndian); err != nil {
			return err
		}
		if err := writeMembers(enc, args.Members); err != nil {
			return err
		}
		if err := enc.WriteUint32(args.TimeLock, binary.LittleEndian); err != nil {
			return err
		}
		if err := writeOptionalKey(enc, args.RentCollector); err != nil {
			return err
		}
		return writeOptionalString(enc, args.Memo)
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.ProgramConfig, false, false),
		solana.NewAccountMeta(accounts.Treasury, true, false),
		solana.NewAccountMeta(accounts.Multisig, true, false),
		solana.NewAccountMeta(accounts.CreateKey, false, true),
		solana.NewAccountMeta(accounts.Creator, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

// NewVaultTransactionCreateInstruction stores message under the given index. The program
// only accepts index == multisig.TransactionIndex+1; a stale index fails the seeds check
// of the transaction account.
func NewVaultTransactionCreateInstruction(multisig solana.PublicKey, index uint64, creator solana.PublicKey, args VaultTransactionCreateArgs) (solana.Instruction, error) {
	transaction, _, err := TransactionAddress(multisig, index)
	if err != nil {
		return nil, err
	}
	data, err := encodeInstruction(vaultTransactionCreateDiscriminator, func(enc *bin.Encoder) error {
		if err := enc.WriteUint8(args.VaultIndex); err != nil {
			return err
		}
		if err := enc.WriteUint8(args.EphemeralSigners); err != nil {
			return err
		}
		if err := enc.WriteBytes(args.TransactionMessage, true); err != nil {
			return err
		}
		return writeOptionalString(enc, args.Memo)
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(multisig, true, false),
		solana.NewAccountMeta(transaction, true, false),
		solana.NewAccountMeta(creator, false, true),
		solana.NewAccountMeta(creator, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

func NewProposalCreateInstruction(multisig solana.PublicKey, index uint64, creator solana.PublicKey) (solana.Instruction, error) {
	proposal, _, err := ProposalAddress(multisig, index)
	if err != nil {
		return nil, err
	}
	data, err := encodeInstruction(proposalCreateDiscriminator, func(enc *bin.Encoder) error {
		if err := enc.WriteUint64(index, binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteBool(false)
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(multisig, false, false),
		solana.NewAccountMeta(proposal, true, false),
		solana.NewAccountMeta(creator, false, true),
		solana.NewAccountMeta(creator, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

func NewProposalApproveInstruction(multisig solana.PublicKey, index uint64, member solana.PublicKey, memo *string) (solana.Instruction, error) {
	proposal, _, err := ProposalAddress(multisig, index)
	if err != nil {
		return nil, err
	}
	data, err := encodeInstruction(proposalApproveDiscriminator, func(enc *bin.Encoder) error {
		return writeOptionalString(enc, memo)
	})
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(ProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(multisig, false, false),
		solana.NewAccountMeta(member, true, true),
		solana.NewAccountMeta(proposal, true, false),
	}, data), nil
}

// NewVaultTransactionExecuteInstruction executes the approved vault transaction. The
// remaining accounts come from the stored message, see TransactionMessage.RemainingAccounts.
func NewVaultTransactionExecuteInstruction(multisig solana.PublicKey, index uint64, member solana.PublicKey, remaining solana.AccountMetaSlice) (solana.Instruction, error) {
	proposal, _, err := ProposalAddress(multisig, index)
	if err != nil {
		return nil, err
	}
	transaction, _, err := TransactionAddress(multisig, index)
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(multisig, false, false),
		solana.NewAccountMeta(proposal, true, false),
		solana.NewAccountMeta(transaction, false, false),
		solana.NewAccountMeta(member, false, true),
	}
	accounts = append(accounts, remaining...)
	return solana.NewInstruction(ProgramID, accounts, vaultTransactionExecuteDiscriminator[:]), nil
}

// InstructionKind names a decoded program instruction.
type InstructionKind string

const (
	KindMultisigCreate          InstructionKind = "multisig_create_v2"
	KindVaultTransactionCreate  InstructionKind = "vault_transaction_create"
	KindProposalCreate          InstructionKind = "proposal_create"
	KindProposalApprove         InstructionKind = "proposal_approve"
	KindVaultTransactionExecute InstructionKind = "vault_transaction_execute"
)

// DecodedInstruction is a program instruction with its arguments parsed. Exactly one of
// the argument fields is set, matching Kind; execute carries no arguments.
type DecodedInstruction struct {
	Kind                   InstructionKind
	Accounts               []solana.PublicKey
	MultisigCreate         *MultisigCreateArgs
	VaultTransactionCreate *VaultTransactionCreateArgs
	ProposalCreate         *ProposalCreateArgs
	ProposalVote           *ProposalVoteArgs
}

// DecodeInstruction parses the data of an instruction addressed to ProgramID.
func DecodeInstruction(accounts []solana.PublicKey, data []byte) (*DecodedInstruction, error) {
	if len(data) < len(discriminator{}) {
		return nil, fmt.Errorf("instruction data too short: %d", len(data))
	}
	var d discriminator
	copy(d[:], data)
	dec := bin.NewBorshDecoder(data[len(d):])
	out := &DecodedInstruction{Accounts: accounts}
	var err error
	switch d {
	case multisigCreateV2Discriminator:
		out.Kind = KindMultisigCreate
		out.MultisigCreate, err = decodeMultisigCreateArgs(dec)
	case vaultTransactionCreateDiscriminator:
		out.Kind = KindVaultTransactionCreate
		out.VaultTransactionCreate, err = decodeVaultTransactionCreateArgs(dec)
	case proposalCreateDiscriminator:
		out.Kind = KindProposalCreate
		args := &ProposalCreateArgs{}
		if args.TransactionIndex, err = dec.ReadUint64(binary.LittleEndian); err == nil {
			args.Draft, err = dec.ReadBool()
		}
		out.ProposalCreate = args
	case proposalApproveDiscriminator:
		out.Kind = KindProposalApprove
		args := &ProposalVoteArgs{}
		args.Memo, err = readOptionalString(dec)
		out.ProposalVote = args
	case vaultTransactionExecuteDiscriminator:
		out.Kind = KindVaultTransactionExecute
	default:
		return nil, fmt.Errorf("unknown instruction discriminator %x", d[:])
	}
	if err != nil {
		return nil, fmt.Errorf("fail to decode %s, err: %w", out.Kind, err)
	}
	return out, nil
}

func decodeMultisigCreateArgs(dec *bin.Decoder) (*MultisigCreateArgs, error) {
	args := &MultisigCreateArgs{}
	var err error
	if args.ConfigAuthority, err = readOptionalKey(dec); err != nil {
		return nil, err
	}
	if args.Threshold, err = dec.ReadUint16(binary.LittleEndian); err != nil {
		return nil, err
	}
	if args.Members, err = readMembers(dec); err != nil {
		return nil, err
	}
	if args.TimeLock, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return nil, err
	}
	if args.RentCollector, err = readOptionalKey(dec); err != nil {
		return nil, err
	}
	if args.Memo, err = readOptionalString(dec); err != nil {
		return nil, err
	}
	return args, nil
}

func decodeVaultTransactionCreateArgs(dec *bin.Decoder) (*VaultTransactionCreateArgs, error) {
	args := &VaultTransactionCreateArgs{}
	var err error
	if args.VaultIndex, err = dec.ReadUint8(); err != nil {
		return nil, err
	}
	if args.EphemeralSigners, err = dec.ReadUint8(); err != nil {
		return nil, err
	}
	if args.TransactionMessage, err = readVecBytes(dec); err != nil {
		return nil, err
	}
	if args.Memo, err = readOptionalString(dec); err != nil {
		return nil, err
	}
	return args, nil
}

func encodeInstruction(d discriminator, body func(enc *bin.Encoder) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(d[:])
	if err := body(bin.NewBorshEncoder(buf)); err != nil {
		return nil, fmt.Errorf("fail to encode instruction, err: %w", err)
	}
	return buf.Bytes(), nil
}

func writeOptionalString(enc *bin.Encoder, s *string) error {
	if s == nil {
		return enc.WriteBool(false)
	}
	if err := enc.WriteBool(true); err != nil {
		return err
	}
	return enc.WriteBytes([]byte(*s), true)
}

func readOptionalString(dec *bin.Decoder) (*string, error) {
	present, err := dec.ReadBool()
	if err != nil || !present {
		return nil, err
	}
	b, err := readVecBytes(dec)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
