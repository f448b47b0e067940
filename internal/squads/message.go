package squads

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// CompiledInstruction is an instruction whose program and accounts are indexes into
// the account keys of the enclosing TransactionMessage.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// AddressTableLookup references accounts loaded from an address lookup table.
type AddressTableLookup struct {
	AccountKey      solana.PublicKey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

// TransactionMessage is the message a vault executes. Its layout mirrors a v0 message
// without the recent blockhash, since the vault transaction outlives any checkpoint.
type TransactionMessage struct {
	NumSigners            uint8
	NumWritableSigners    uint8
	NumWritableNonSigners uint8
	AccountKeys           []solana.PublicKey
	Instructions          []CompiledInstruction
	AddressTableLookups   []AddressTableLookup
}

type accountFlags struct {
	key      solana.PublicKey
	signer   bool
	writable bool
}

// CompileTransactionMessage orders the accounts of instructions the way the runtime
// expects them: writable signers, readonly signers, writable non-signers, readonly
// non-signers. The payer always comes first.
func CompileTransactionMessage(payer solana.PublicKey, instructions []solana.Instruction) (*TransactionMessage, error) {
	if len(instructions) == 0 {
		return nil, errors.New("no instructions to compile")
	}
	flags := []*accountFlags{{key: payer, signer: true, writable: true}}
	lookup := map[solana.PublicKey]*accountFlags{payer: flags[0]}
	add := func(key solana.PublicKey, signer, writable bool) {
		if f, ok := lookup[key]; ok {
			f.signer = f.signer || signer
			f.writable = f.writable || writable
			return
		}
		f := &accountFlags{key: key, signer: signer, writable: writable}
		lookup[key] = f
		flags = append(flags, f)
	}
	for _, ix := range instructions {
		for _, meta := range ix.Accounts() {
			add(meta.PublicKey, meta.IsSigner, meta.IsWritable)
		}
		add(ix.ProgramID(), false, false)
	}

	var writableSigners, readonlySigners, writableNonSigners, readonlyNonSigners []solana.PublicKey
	for _, f := range flags {
		switch {
		case f.signer && f.writable:
			writableSigners = append(writableSigners, f.key)
		case f.signer:
			readonlySigners = append(readonlySigners, f.key)
		case f.writable:
			writableNonSigners = append(writableNonSigners, f.key)
		default:
			readonlyNonSigners = append(readonlyNonSigners, f.key)
		}
	}
	keys := make([]solana.PublicKey, 0, len(flags))
	keys = append(keys, writableSigners...)
	keys = append(keys, readonlySigners...)
	keys = append(keys, writableNonSigners...)
	keys = append(keys, readonlyNonSigners...)
	if len(keys) > math.MaxUint8 {
		return nil, fmt.Errorf("too many accounts in message: %d", len(keys))
	}
	position := make(map[solana.PublicKey]uint8, len(keys))
	for i, key := range keys {
		position[key] = uint8(i)
	}

	msg := &TransactionMessage{
		NumSigners:            uint8(len(writableSigners) + len(readonlySigners)),
		NumWritableSigners:    uint8(len(writableSigners)),
		NumWritableNonSigners: uint8(len(writableNonSigners)),
		AccountKeys:           keys,
	}
	for _, ix := range instructions {
		data, err := ix.Data()
		if err != nil {
			return nil, fmt.Errorf("fail to get instruction data, err: %w", err)
		}
		compiled := CompiledInstruction{
			ProgramIDIndex: position[ix.ProgramID()],
			Data:           data,
		}
		for _, meta := range ix.Accounts() {
			compiled.AccountIndexes = append(compiled.AccountIndexes, position[meta.PublicKey])
		}
		msg.Instructions = append(msg.Instructions, compiled)
	}
	return msg, nil
}

func (m *TransactionMessage) IsSigner(index int) bool {
	return index < int(m.NumSigners)
}

func (m *TransactionMessage) IsWritable(index int) bool {
	if index < int(m.NumSigners) {
		return index < int(m.NumWritableSigners)
	}
	return index-int(m.NumSigners) < int(m.NumWritableNonSigners)
}

// RemainingAccounts lists the accounts vault_transaction_execute needs after its fixed
// accounts. The vault signs through the program, so it is never passed as a signer.
func (m *TransactionMessage) RemainingAccounts(vault solana.PublicKey) solana.AccountMetaSlice {
	metas := make(solana.AccountMetaSlice, 0, len(m.AddressTableLookups)+len(m.AccountKeys))
	for _, lookup := range m.AddressTableLookups {
		metas = append(metas, solana.NewAccountMeta(lookup.AccountKey, false, false))
	}
	for i, key := range m.AccountKeys {
		signer := m.IsSigner(i) && !key.Equals(vault)
		metas = append(metas, solana.NewAccountMeta(key, m.IsWritable(i), signer))
	}
	return metas
}

// MarshalCompact encodes the message in the compact form vault_transaction_create takes
// as its argument: u8 lengths for every list except instruction data, which uses u16.
func (m *TransactionMessage) MarshalCompact() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteUint8(m.NumSigners); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(m.NumWritableSigners); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(m.NumWritableNonSigners); err != nil {
		return nil, err
	}
	if err := writeSmallLen(enc, len(m.AccountKeys)); err != nil {
		return nil, err
	}
	for _, key := range m.AccountKeys {
		if err := enc.WriteBytes(key.Bytes(), false); err != nil {
			return nil, err
		}
	}
	if err := writeSmallLen(enc, len(m.Instructions)); err != nil {
		return nil, err
	}
	for _, ix := range m.Instructions {
		if err := enc.WriteUint8(ix.ProgramIDIndex); err != nil {
			return nil, err
		}
		if err := writeSmallBytes(enc, ix.AccountIndexes); err != nil {
			return nil, err
		}
		if len(ix.Data) > math.MaxUint16 {
			return nil, fmt.Errorf("instruction data too large: %d", len(ix.Data))
		}
		if err := enc.WriteUint16(uint16(len(ix.Data)), binary.LittleEndian); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(ix.Data, false); err != nil {
			return nil, err
		}
	}
	if err := writeSmallLen(enc, len(m.AddressTableLookups)); err != nil {
		return nil, err
	}
	for _, lookup := range m.AddressTableLookups {
		if err := enc.WriteBytes(lookup.AccountKey.Bytes(), false); err != nil {
			return nil, err
		}
		if err := writeSmallBytes(enc, lookup.WritableIndexes); err != nil {
			return nil, err
		}
		if err := writeSmallBytes(enc, lookup.ReadonlyIndexes); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalCompact is the inverse of MarshalCompact.
func (m *TransactionMessage) UnmarshalCompact(data []byte) error {
	dec := bin.NewBorshDecoder(data)
	var err error
	if m.NumSigners, err = dec.ReadUint8(); err != nil {
		return err
	}
	if m.NumWritableSigners, err = dec.ReadUint8(); err != nil {
		return err
	}
	if m.NumWritableNonSigners, err = dec.ReadUint8(); err != nil {
		return err
	}
	count, err := dec.ReadUint8()
	if err != nil {
		return err
	}
	m.AccountKeys = make([]solana.PublicKey, count)
	for i := range m.AccountKeys {
		if m.AccountKeys[i], err = readPublicKey(dec); err != nil {
			return err
		}
	}
	if count, err = dec.ReadUint8(); err != nil {
		return err
	}
	m.Instructions = make([]CompiledInstruction, count)
	for i := range m.Instructions {
		ix := &m.Instructions[i]
		if ix.ProgramIDIndex, err = dec.ReadUint8(); err != nil {
			return err
		}
		if ix.AccountIndexes, err = readSmallBytes(dec); err != nil {
			return err
		}
		size, err := dec.ReadUint16(binary.LittleEndian)
		if err != nil {
			return err
		}
		if ix.Data, err = dec.ReadNBytes(int(size)); err != nil {
			return err
		}
	}
	if count, err = dec.ReadUint8(); err != nil {
		return err
	}
	m.AddressTableLookups = make([]AddressTableLookup, count)
	for i := range m.AddressTableLookups {
		lookup := &m.AddressTableLookups[i]
		if lookup.AccountKey, err = readPublicKey(dec); err != nil {
			return err
		}
		if lookup.WritableIndexes, err = readSmallBytes(dec); err != nil {
			return err
		}
		if lookup.ReadonlyIndexes, err = readSmallBytes(dec); err != nil {
			return err
		}
	}
	return nil
}

// MarshalWithEncoder encodes the message the way it is stored inside a VaultTransaction
// account, with regular borsh vectors.
func (m TransactionMessage) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint8(m.NumSigners); err != nil {
		return err
	}
	if err := enc.WriteUint8(m.NumWritableSigners); err != nil {
		return err
	}
	if err := enc.WriteUint8(m.NumWritableNonSigners); err != nil {
		return err
	}
	if err := enc.WriteUint32(uint32(len(m.AccountKeys)), binary.LittleEndian); err != nil {
		return err
	}
	for _, key := range m.AccountKeys {
		if err := enc.WriteBytes(key.Bytes(), false); err != nil {
			return err
		}
	}
	if err := enc.WriteUint32(uint32(len(m.Instructions)), binary.LittleEndian); err != nil {
		return err
	}
	for _, ix := range m.Instructions {
		if err := enc.WriteUint8(ix.ProgramIDIndex); err != nil {
			return err
		}
		if err := enc.WriteBytes(ix.AccountIndexes, true); err != nil {
			return err
		}
		if err := enc.WriteBytes(ix.Data, true); err != nil {
			return err
		}
	}
	if err := enc.WriteUint32(uint32(len(m.AddressTableLookups)), binary.LittleEndian); err != nil {
		return err
	}
	for _, lookup := range m.AddressTableLookups {
		if err := enc.WriteBytes(lookup.AccountKey.Bytes(), false); err != nil {
			return err
		}
		if err := enc.WriteBytes(lookup.WritableIndexes, true); err != nil {
			return err
		}
		if err := enc.WriteBytes(lookup.ReadonlyIndexes, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *TransactionMessage) UnmarshalWithDecoder(dec *bin.Decoder) error {
	var err error
	if m.NumSigners, err = dec.ReadUint8(); err != nil {
		return err
	}
	if m.NumWritableSigners, err = dec.ReadUint8(); err != nil {
		return err
	}
	if m.NumWritableNonSigners, err = dec.ReadUint8(); err != nil {
		return err
	}
	count, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return err
	}
	m.AccountKeys = make([]solana.PublicKey, count)
	for i := range m.AccountKeys {
		if m.AccountKeys[i], err = readPublicKey(dec); err != nil {
			return err
		}
	}
	if count, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return err
	}
	m.Instructions = make([]CompiledInstruction, count)
	for i := range m.Instructions {
		ix := &m.Instructions[i]
		if ix.ProgramIDIndex, err = dec.ReadUint8(); err != nil {
			return err
		}
		if ix.AccountIndexes, err = readVecBytes(dec); err != nil {
			return err
		}
		if ix.Data, err = readVecBytes(dec); err != nil {
			return err
		}
	}
	if count, err = dec.ReadUint32(binary.LittleEndian); err != nil {
		return err
	}
	m.AddressTableLookups = make([]AddressTableLookup, count)
	for i := range m.AddressTableLookups {
		lookup := &m.AddressTableLookups[i]
		if lookup.AccountKey, err = readPublicKey(dec); err != nil {
			return err
		}
		if lookup.WritableIndexes, err = readVecBytes(dec); err != nil {
			return err
		}
		if lookup.ReadonlyIndexes, err = readVecBytes(dec); err != nil {
			return err
		}
	}
	return nil
}

func writeSmallLen(enc *bin.Encoder, n int) error {
	if n > math.MaxUint8 {
		return fmt.Errorf("list too long for compact encoding: %d", n)
	}
	return enc.WriteUint8(uint8(n))
}

func writeSmallBytes(enc *bin.Encoder, b []byte) error {
	if err := writeSmallLen(enc, len(b)); err != nil {
		return err
	}
	return enc.WriteBytes(b, false)
}

func readSmallBytes(dec *bin.Decoder) ([]byte, error) {
	n, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	return dec.ReadNBytes(int(n))
}

func readVecBytes(dec *bin.Decoder) ([]byte, error) {
	n, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil {
		return nil, err
	}
	return dec.ReadNBytes(int(n))
}

func readPublicKey(dec *bin.Decoder) (solana.PublicKey, error) {
	b, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(b), nil
}
