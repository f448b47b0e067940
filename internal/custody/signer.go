package custody

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer holds the custodial keypair. It is read-only after construction, so one Signer is
// shared by every transfer running in the process.
type Signer struct {
	key       solana.PrivateKey
	publicKey solana.PublicKey
}

func NewSigner(key solana.PrivateKey) (*Signer, error) {
	if len(key) != 64 {
		return nil, fmt.Errorf("custodial key must be 64 bytes, got %d", len(key))
	}
	return &Signer{key: key, publicKey: key.PublicKey()}, nil
}

// Load reads the keypair from a base58 secret, or from a solana-keygen JSON file when no
// secret is given.
func Load(secret, keyFile string) (*Signer, error) {
	switch {
	case secret != "":
		key, err := solana.PrivateKeyFromBase58(secret)
		if err != nil {
			return nil, fmt.Errorf("fail to decode custodial secret, err: %w", err)
		}
		return NewSigner(key)
	case keyFile != "":
		key, err := solana.PrivateKeyFromSolanaKeygenFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("fail to read custodial key file, err: %w", err)
		}
		return NewSigner(key)
	}
	return nil, errors.New("custodial secret or key file is required")
}

func (s *Signer) PublicKey() solana.PublicKey {
	return s.publicKey
}

// SignTransaction signs tx with the custodial key and any one-time keys in extra. Every
// signer the message requires must be covered. Existing signatures are replaced.
func (s *Signer) SignTransaction(tx *solana.Transaction, extra ...solana.PrivateKey) error {
	tx.Signatures = nil
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.key
		}
		for i := range extra {
			if extra[i].PublicKey().Equals(key) {
				return &extra[i]
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail to sign transaction, err: %w", err)
	}
	return nil
}
