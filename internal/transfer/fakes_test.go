package transfer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/vultisig/phonevault/internal/squads"
)

// fakeLedger runs the Squads instructions it is sent against an in-memory account set.
type fakeLedger struct {
	mu          sync.Mutex
	accounts    map[solana.PublicKey]*AccountState
	invocations int
	submissions map[squads.InstructionKind]int
	applied     map[squads.InstructionKind]int
	blockhashes map[squads.InstructionKind][]solana.Hash
	expired     []solana.Hash

	// faults injected into the next submissions of a kind
	expire      map[squads.InstructionKind]int
	unavail     map[squads.InstructionKind]int
	landUnavail map[squads.InstructionKind]int
	landExpire  map[squads.InstructionKind]int
	reject      map[squads.InstructionKind]error

	holdAddress solana.PublicKey
	holdCount   int
	holdRelease chan struct{}
}

func newFakeLedger() *fakeLedger {
	l := &fakeLedger{
		accounts:    map[solana.PublicKey]*AccountState{},
		submissions: map[squads.InstructionKind]int{},
		applied:     map[squads.InstructionKind]int{},
		blockhashes: map[squads.InstructionKind][]solana.Hash{},
		expire:      map[squads.InstructionKind]int{},
		unavail:     map[squads.InstructionKind]int{},
		landUnavail: map[squads.InstructionKind]int{},
		landExpire:  map[squads.InstructionKind]int{},
		reject:      map[squads.InstructionKind]error{},
	}
	address, _, err := squads.ProgramConfigAddress()
	if err != nil {
		panic(err)
	}
	l.mustStore(address, squads.ProgramID, squads.ProgramConfig{
		Authority: solana.NewWallet().PublicKey(),
		Treasury:  solana.NewWallet().PublicKey(),
	})
	return l
}

func (l *fakeLedger) fund(address solana.PublicKey, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.accounts[address]
	if !ok {
		state = &AccountState{Owner: solana.SystemProgramID}
		l.accounts[address] = state
	}
	state.Lamports += lamports
}

func (l *fakeLedger) balance(address solana.PublicKey) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if state, ok := l.accounts[address]; ok {
		return state.Lamports
	}
	return 0
}

// seedMultisig stores a multisig with the given members without going through the program.
func (l *fakeLedger) seedMultisig(threshold uint16, members ...solana.PublicKey) solana.PublicKey {
	createKey := solana.NewWallet().PublicKey()
	address, _, err := squads.MultisigAddress(createKey)
	if err != nil {
		panic(err)
	}
	account := squads.Multisig{CreateKey: createKey, Threshold: threshold}
	for _, member := range members {
		account.Members = append(account.Members, squads.Member{Key: member, Permissions: squads.PermissionAll})
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mustStore(address, squads.ProgramID, account)
	return address
}

func (l *fakeLedger) multisig(address solana.PublicKey) squads.Multisig {
	l.mu.Lock()
	defer l.mu.Unlock()
	var account squads.Multisig
	if err := l.load(address, &account); err != nil {
		panic(err)
	}
	return account
}

func (l *fakeLedger) proposal(multisig solana.PublicKey, index uint64) squads.Proposal {
	address, _, _ := squads.ProposalAddress(multisig, index)
	l.mu.Lock()
	defer l.mu.Unlock()
	var proposal squads.Proposal
	if err := l.load(address, &proposal); err != nil {
		panic(err)
	}
	return proposal
}

func (l *fakeLedger) vaultTransaction(multisig solana.PublicKey, index uint64) squads.VaultTransaction {
	address, _, _ := squads.TransactionAddress(multisig, index)
	l.mu.Lock()
	defer l.mu.Unlock()
	var transaction squads.VaultTransaction
	if err := l.load(address, &transaction); err != nil {
		panic(err)
	}
	return transaction
}

// holdReads blocks the first count reads of address until all of them arrived.
func (l *fakeLedger) holdReads(address solana.PublicKey, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holdAddress = address
	l.holdCount = count
	l.holdRelease = make(chan struct{})
}

func (l *fakeLedger) GetAccountState(ctx context.Context, address solana.PublicKey) (*AccountState, error) {
	l.mu.Lock()
	l.invocations++
	if l.holdCount > 0 && address.Equals(l.holdAddress) {
		l.holdCount--
		release := l.holdRelease
		if l.holdCount == 0 {
			close(release)
		}
		l.mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		l.mu.Lock()
	}
	defer l.mu.Unlock()
	state, ok := l.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%s: %w", address, ErrAccountNotFound)
	}
	clone := *state
	clone.Data = append([]byte(nil), state.Data...)
	return &clone, nil
}

func (l *fakeLedger) GetCheckpoint(ctx context.Context) (Checkpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invocations++
	var hash solana.Hash
	if _, err := rand.Read(hash[:]); err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{Blockhash: hash, LastValidBlockHeight: 150}, nil
}

func (l *fakeLedger) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invocations++
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, fmt.Errorf("signature verification failed: %w", err)
	}
	if len(tx.Message.Instructions) != 1 {
		return solana.Signature{}, fmt.Errorf("expected one instruction, got %d", len(tx.Message.Instructions))
	}
	compiled := tx.Message.Instructions[0]
	accounts := make([]solana.PublicKey, len(compiled.Accounts))
	for i, index := range compiled.Accounts {
		accounts[i] = tx.Message.AccountKeys[index]
	}
	ix, err := squads.DecodeInstruction(accounts, compiled.Data)
	if err != nil {
		return solana.Signature{}, err
	}
	kind := ix.Kind
	l.submissions[kind]++

	if l.expire[kind] > 0 {
		l.expire[kind]--
		l.expired = append(l.expired, tx.Message.RecentBlockhash)
		return solana.Signature{}, fmt.Errorf("%w: blockhash not found", ErrCheckpointExpired)
	}
	if l.unavail[kind] > 0 {
		l.unavail[kind]--
		return solana.Signature{}, fmt.Errorf("%w: connection reset", ErrLedgerUnavailable)
	}
	if err := l.reject[kind]; err != nil {
		return solana.Signature{}, err
	}
	if err := l.apply(tx, ix); err != nil {
		return solana.Signature{}, err
	}
	l.applied[kind]++
	l.blockhashes[kind] = append(l.blockhashes[kind], tx.Message.RecentBlockhash)
	if l.landUnavail[kind] > 0 {
		l.landUnavail[kind]--
		return solana.Signature{}, fmt.Errorf("%w: timed out waiting for confirmation", ErrLedgerUnavailable)
	}
	if l.landExpire[kind] > 0 {
		l.landExpire[kind]--
		return solana.Signature{}, fmt.Errorf("%w: blockhash expired before confirmation was seen", ErrCheckpointExpired)
	}
	return tx.Signatures[0], nil
}

func (l *fakeLedger) apply(tx *solana.Transaction, ix *squads.DecodedInstruction) error {
	switch ix.Kind {
	case squads.KindMultisigCreate:
		address := ix.Accounts[2]
		if _, ok := l.accounts[address]; ok {
			return errors.New("account already in use")
		}
		args := ix.MultisigCreate
		l.mustStore(address, squads.ProgramID, squads.Multisig{
			CreateKey: ix.Accounts[3],
			Threshold: args.Threshold,
			TimeLock:  args.TimeLock,
			Members:   args.Members,
		})
	case squads.KindVaultTransactionCreate:
		multisig := ix.Accounts[0]
		var account squads.Multisig
		if err := l.load(multisig, &account); err != nil {
			return err
		}
		next := account.TransactionIndex + 1
		expected, _, _ := squads.TransactionAddress(multisig, next)
		if !expected.Equals(ix.Accounts[1]) {
			return fmt.Errorf("%w: custom program error: 0x7d6", ErrIndexConflict)
		}
		var message squads.TransactionMessage
		if err := message.UnmarshalCompact(ix.VaultTransactionCreate.TransactionMessage); err != nil {
			return err
		}
		l.mustStore(expected, squads.ProgramID, squads.VaultTransaction{
			Multisig:   multisig,
			Creator:    ix.Accounts[2],
			Index:      next,
			VaultIndex: ix.VaultTransactionCreate.VaultIndex,
			Message:    message,
		})
		account.TransactionIndex = next
		l.mustStore(multisig, squads.ProgramID, account)
	case squads.KindProposalCreate:
		multisig, address := ix.Accounts[0], ix.Accounts[1]
		index := ix.ProposalCreate.TransactionIndex
		transaction, _, _ := squads.TransactionAddress(multisig, index)
		if _, ok := l.accounts[transaction]; !ok {
			return errors.New("vault transaction does not exist")
		}
		if _, ok := l.accounts[address]; ok {
			return errors.New("account already in use")
		}
		l.mustStore(address, squads.ProgramID, squads.Proposal{
			Multisig:         multisig,
			TransactionIndex: index,
			Status:           squads.ProposalActive,
		})
	case squads.KindProposalApprove:
		multisig, member, address := ix.Accounts[0], ix.Accounts[1], ix.Accounts[2]
		var account squads.Multisig
		if err := l.load(multisig, &account); err != nil {
			return err
		}
		var proposal squads.Proposal
		if err := l.load(address, &proposal); err != nil {
			return err
		}
		if proposal.Status != squads.ProposalActive || proposal.HasApproved(member) {
			return errors.New("invalid proposal status")
		}
		proposal.Approved = append(proposal.Approved, member)
		if len(proposal.Approved) >= int(account.Threshold) {
			proposal.Status = squads.ProposalApproved
		}
		l.mustStore(address, squads.ProgramID, proposal)
	case squads.KindVaultTransactionExecute:
		multisig, address, transactionAddress := ix.Accounts[0], ix.Accounts[1], ix.Accounts[2]
		var proposal squads.Proposal
		if err := l.load(address, &proposal); err != nil {
			return err
		}
		if proposal.Status != squads.ProposalApproved {
			return errors.New("invalid proposal status")
		}
		var transaction squads.VaultTransaction
		if err := l.load(transactionAddress, &transaction); err != nil {
			return err
		}
		vault, _, _ := squads.VaultAddress(multisig, transaction.VaultIndex)
		if tx.Message.IsSigner(vault) {
			return errors.New("vault passed as signer")
		}
		for _, compiled := range transaction.Message.Instructions {
			if !transaction.Message.AccountKeys[compiled.ProgramIDIndex].Equals(solana.SystemProgramID) {
				continue
			}
			from := transaction.Message.AccountKeys[compiled.AccountIndexes[0]]
			to := transaction.Message.AccountKeys[compiled.AccountIndexes[1]]
			lamports := binary.LittleEndian.Uint64(compiled.Data[4:12])
			source, ok := l.accounts[from]
			if !ok || source.Lamports < lamports {
				return fmt.Errorf("%w: insufficient lamports", ErrInsufficientFunds)
			}
			source.Lamports -= lamports
			if _, ok := l.accounts[to]; !ok {
				l.accounts[to] = &AccountState{Owner: solana.SystemProgramID}
			}
			l.accounts[to].Lamports += lamports
		}
		proposal.Status = squads.ProposalExecuted
		l.mustStore(address, squads.ProgramID, proposal)
	}
	return nil
}

func (l *fakeLedger) load(address solana.PublicKey, v bin.BinaryUnmarshaler) error {
	state, ok := l.accounts[address]
	if !ok {
		return fmt.Errorf("%s: %w", address, ErrAccountNotFound)
	}
	return squads.DecodeAccount(state.Data, v)
}

func (l *fakeLedger) mustStore(address, owner solana.PublicKey, v bin.BinaryMarshaler) {
	data, err := squads.EncodeAccount(v)
	if err != nil {
		panic(err)
	}
	state, ok := l.accounts[address]
	if !ok {
		state = &AccountState{Owner: owner, Lamports: 1_000_000}
		l.accounts[address] = state
	}
	state.Data = data
}

// fakeDirectory is an in-memory user table.
type fakeDirectory struct {
	mu      sync.Mutex
	wallets map[string]solana.PublicKey
	vaults  map[string]solana.PublicKey
	calls   int
	writes  int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		wallets: map[string]solana.PublicKey{},
		vaults:  map[string]solana.PublicKey{},
	}
}

func (d *fakeDirectory) LookupWalletAddress(_ context.Context, userID string) (*solana.PublicKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if wallet, ok := d.wallets[userID]; ok {
		return &wallet, nil
	}
	return nil, nil
}

func (d *fakeDirectory) LookupVaultAccount(_ context.Context, userID string) (*solana.PublicKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if vault, ok := d.vaults[userID]; ok {
		return &vault, nil
	}
	return nil, nil
}

func (d *fakeDirectory) RecordVaultAccount(_ context.Context, userID string, multisig solana.PublicKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.writes++
	d.vaults[userID] = multisig
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeLocker) Lock(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return func() {}, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	stages []Stage
	last   Progress
}

func (f *fakeRecorder) RecordProgress(_ context.Context, p Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages = append(f.stages, p.Stage)
	f.last = p
	return nil
}
