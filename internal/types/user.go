package types

import (
	"time"

	"github.com/vultisig/phonevault/internal/validation"
)

// User is a row of the account directory. MultisigPDA stays nil until the vault exists.
type User struct {
	Phone       string    `json:"phone" db:"phone"`
	Address     string    `json:"address" db:"address"`
	MultisigPDA *string   `json:"multisig_pda,omitempty" db:"multisig_pda"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// MeRequest asks for the caller's wallet address to be sent to their phone.
type MeRequest struct {
	Phone string `json:"phone" validate:"required,phone"`
}

func (r *MeRequest) IsValid() error {
	return validation.Struct(r)
}
