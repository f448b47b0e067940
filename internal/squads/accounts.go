package squads

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ErrDiscriminatorMismatch = errors.New("account discriminator mismatch")

// Multisig is the on-chain multisig account. TransactionIndex is the index of the last
// vault transaction created under it; only the program advances it.
type Multisig struct {
	CreateKey             solana.PublicKey
	ConfigAuthority       solana.PublicKey
	Threshold             uint16
	TimeLock              uint32
	TransactionIndex      uint64
	StaleTransactionIndex uint64
	RentCollector         *solana.PublicKey
	Bump                  uint8
	Members               []Member
}

func (m *Multisig) IsMember(key solana.PublicKey) bool {
	for _, member := range m.Members {
		if member.Key.Equals(key) {
			return true
		}
	}
	return false
}

func (m Multisig) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(multisigAccountDiscriminator[:], false); err != nil {
		return err
	}
	if err := enc.WriteBytes(m.CreateKey.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteBytes(m.ConfigAuthority.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteUint16(m.Threshold, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteUint32(m.TimeLock, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteUint64(m.TransactionIndex, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteUint64(m.StaleTransactionIndex, binary.LittleEndian); err != nil {
		return err
	}
	if err := writeOptionalKey(enc, m.RentCollector); err != nil {
		return err
	}
	if err := enc.WriteUint8(m.Bump); err != nil {
		return err
	}
	return writeMembers(enc, m.Members)
}

func (m *Multisig) UnmarshalWithDecoder(dec *bin.Decoder) error {
	if err := expectDiscriminator(dec, multisigAccountDiscriminator); err != nil {
		return err
	}
	var err error
	if m.CreateKey, err = readPublicKey(dec); err != nil {
		return err
	}
	if m.ConfigAuthority, err = readPublicKey(dec); err != nil {
		return err
	}
	if m.Threshold, err = dec.ReadUint16(binary.LittleEndian); err != nil {
		return err
	}
	if m.TimeLock, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return err
	}
	if m.TransactionIndex, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if m.StaleTransactionIndex, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if m.RentCollector, err = readOptionalKey(dec); err != nil {
		return err
	}
	if m.Bump, err = dec.ReadUint8(); err != nil {
		return err
	}
	m.Members, err = readMembers(dec)
	return err
}

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus uint8

const (
	ProposalDraft ProposalStatus = iota
	ProposalActive
	ProposalRejected
	ProposalApproved
	ProposalExecuting
	ProposalExecuted
	ProposalCancelled
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalDraft:
		return "draft"
	case ProposalActive:
		return "active"
	case ProposalRejected:
		return "rejected"
	case ProposalApproved:
		return "approved"
	case ProposalExecuting:
		return "executing"
	case ProposalExecuted:
		return "executed"
	case ProposalCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Proposal tracks the votes for the vault transaction with the same index.
type Proposal struct {
	Multisig         solana.PublicKey
	TransactionIndex uint64
	Status           ProposalStatus
	// StatusTimestamp is unset for ProposalExecuting, which carries no payload.
	StatusTimestamp int64
	Bump            uint8
	Approved        []solana.PublicKey
	Rejected        []solana.PublicKey
	Cancelled       []solana.PublicKey
}

func (p *Proposal) HasApproved(key solana.PublicKey) bool {
	for _, approver := range p.Approved {
		if approver.Equals(key) {
			return true
		}
	}
	return false
}

func (p Proposal) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(proposalAccountDiscriminator[:], false); err != nil {
		return err
	}
	if err := enc.WriteBytes(p.Multisig.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteUint64(p.TransactionIndex, binary.LittleEndian); err != nil {
		return err
	}
	if err := enc.WriteUint8(uint8(p.Status)); err != nil {
		return err
	}
	if p.Status != ProposalExecuting {
		if err := enc.WriteInt64(p.StatusTimestamp, binary.LittleEndian); err != nil {
			return err
		}
	}
	if err := enc.WriteUint8(p.Bump); err != nil {
		return err
	}
	for _, keys := range [][]solana.PublicKey{p.Approved, p.Rejected, p.Cancelled} {
		if err := writeKeys(enc, keys); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proposal) UnmarshalWithDecoder(dec *bin.Decoder) error {
	if err := expectDiscriminator(dec, proposalAccountDiscriminator); err != nil {
		return err
	}
	var err error
	if p.Multisig, err = readPublicKey(dec); err != nil {
		return err
	}
	if p.TransactionIndex, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	status, err := dec.ReadUint8()
	if err != nil {
		return err
	}
	p.Status = ProposalStatus(status)
	if p.Status > ProposalCancelled {
		return fmt.Errorf("invalid proposal status: %d", status)
	}
	if p.Status != ProposalExecuting {
		if p.StatusTimestamp, err = dec.ReadInt64(binary.LittleEndian); err != nil {
			return err
		}
	}
	if p.Bump, err = dec.ReadUint8(); err != nil {
		return err
	}
	if p.Approved, err = readKeys(dec); err != nil {
		return err
	}
	if p.Rejected, err = readKeys(dec); err != nil {
		return err
	}
	p.Cancelled, err = readKeys(dec)
	return err
}

// VaultTransaction is the stored transfer awaiting approval and execution.
type VaultTransaction struct {
	Multisig             solana.PublicKey
	Creator              solana.PublicKey
	Index                uint64
	Bump                 uint8
	VaultIndex           uint8
	VaultBump            uint8
	EphemeralSignerBumps []uint8
	Message              TransactionMessage
}

func (t VaultTransaction) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(vaultTransactionAccountDiscriminator[:], false); err != nil {
		return err
	}
	if err := enc.WriteBytes(t.Multisig.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteBytes(t.Creator.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteUint64(t.Index, binary.LittleEndian); err != nil {
		return err
	}
	for _, b := range []uint8{t.Bump, t.VaultIndex, t.VaultBump} {
		if err := enc.WriteUint8(b); err != nil {
			return err
		}
	}
	if err := enc.WriteBytes(t.EphemeralSignerBumps, true); err != nil {
		return err
	}
	return t.Message.MarshalWithEncoder(enc)
}

func (t *VaultTransaction) UnmarshalWithDecoder(dec *bin.Decoder) error {
	if err := expectDiscriminator(dec, vaultTransactionAccountDiscriminator); err != nil {
		return err
	}
	var err error
	if t.Multisig, err = readPublicKey(dec); err != nil {
		return err
	}
	if t.Creator, err = readPublicKey(dec); err != nil {
		return err
	}
	if t.Index, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	if t.Bump, err = dec.ReadUint8(); err != nil {
		return err
	}
	if t.VaultIndex, err = dec.ReadUint8(); err != nil {
		return err
	}
	if t.VaultBump, err = dec.ReadUint8(); err != nil {
		return err
	}
	if t.EphemeralSignerBumps, err = readVecBytes(dec); err != nil {
		return err
	}
	return t.Message.UnmarshalWithDecoder(dec)
}

// ProgramConfig holds the global settings of the program, including where the
// multisig creation fee goes.
type ProgramConfig struct {
	Authority           solana.PublicKey
	MultisigCreationFee uint64
	Treasury            solana.PublicKey
}

func (c ProgramConfig) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(programConfigAccountDiscriminator[:], false); err != nil {
		return err
	}
	if err := enc.WriteBytes(c.Authority.Bytes(), false); err != nil {
		return err
	}
	if err := enc.WriteUint64(c.MultisigCreationFee, binary.LittleEndian); err != nil {
		return err
	}
	return enc.WriteBytes(c.Treasury.Bytes(), false)
}

func (c *ProgramConfig) UnmarshalWithDecoder(dec *bin.Decoder) error {
	if err := expectDiscriminator(dec, programConfigAccountDiscriminator); err != nil {
		return err
	}
	var err error
	if c.Authority, err = readPublicKey(dec); err != nil {
		return err
	}
	if c.MultisigCreationFee, err = dec.ReadUint64(binary.LittleEndian); err != nil {
		return err
	}
	c.Treasury, err = readPublicKey(dec)
	return err
}

// DecodeAccount decodes raw account data into one of the account types of this package.
func DecodeAccount(data []byte, v bin.BinaryUnmarshaler) error {
	if err := v.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return fmt.Errorf("fail to decode account, err: %w", err)
	}
	return nil
}

// EncodeAccount is the inverse of DecodeAccount.
func EncodeAccount(v bin.BinaryMarshaler) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := v.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, fmt.Errorf("fail to encode account, err: %w", err)
	}
	return buf.Bytes(), nil
}

func expectDiscriminator(dec *bin.Decoder, want discriminator) error {
	got, err := dec.ReadNBytes(len(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want[:]) {
		return ErrDiscriminatorMismatch
	}
	return nil
}

func writeOptionalKey(enc *bin.Encoder, key *solana.PublicKey) error {
	if key == nil {
		return enc.WriteBool(false)
	}
	if err := enc.WriteBool(true); err != nil {
		return err
	}
	return enc.WriteBytes(key.Bytes(), false)
}

func readOptionalKey(dec *bin.Decoder) (*solana.PublicKey, error) {
	present, err := dec.ReadBool()
	if err != nil || !present {
		return nil, err
	}
	key, err := readPublicKey(dec)
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func writeKeys(enc *bin.Encoder, keys []solana.PublicKey) error {
	if err := enc.WriteUint32(uint32(len(keys)), binary.LittleEndian); err != nil {
		return err
	}
	for _, key := range keys {
		if err := enc.WriteBytes(key.Bytes(), false); err != nil {
			return err
		}
	}
	return nil
}

func readKeys(dec *bin.Decoder) ([]solana.PublicKey, error) {
	n, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	keys := make([]solana.PublicKey, n)
	for i := range keys {
		if keys[i], err = readPublicKey(dec); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func writeMembers(enc *bin.Encoder, members []Member) error {
	if err := enc.WriteUint32(uint32(len(members)), binary.LittleEndian); err != nil {
		return err
	}
	for _, member := range members {
		if err := enc.WriteBytes(member.Key.Bytes(), false); err != nil {
			return err
		}
		if err := enc.WriteUint8(member.Permissions); err != nil {
			return err
		}
	}
	return nil
}

func readMembers(dec *bin.Decoder) ([]Member, error) {
	n, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	members := make([]Member, n)
	for i := range members {
		if members[i].Key, err = readPublicKey(dec); err != nil {
			return nil, err
		}
		if members[i].Permissions, err = dec.ReadUint8(); err != nil {
			return nil, err
		}
	}
	return members, nil
}
