package types

import "github.com/vultisig/phonevault/internal/validation"

// VaultRequest registers the wallet of Phone, if Address is given, and makes sure the
// user's vault exists.
type VaultRequest struct {
	Phone   string `json:"phone" validate:"required,phone"`
	Address string `json:"address,omitempty" validate:"omitempty,solana_address"`
}

func (r *VaultRequest) IsValid() error {
	return validation.Struct(r)
}

// VaultResponse describes the accounts of one user.
type VaultResponse struct {
	Phone    string `json:"phone"`
	Address  string `json:"address"`
	Multisig string `json:"multisig,omitempty"`
	Vault    string `json:"vault,omitempty"`
	Balance  string `json:"balance,omitempty"`
}
