package types

import (
	"fmt"
	"time"

	"github.com/vultisig/phonevault/internal/validation"
)

const DisplaySMS = "SMS"

// TransferRequest moves Amount out of the vault of Phone. Recipient is either a base58
// address or the phone number of another user.
type TransferRequest struct {
	RequestID string `json:"request_id" validate:"required"`
	Phone     string `json:"phone" validate:"required,phone"`
	Recipient string `json:"recipient" validate:"required"`
	Amount    string `json:"amount" validate:"required"`
	// Display set to SMS texts the outcome to the sender.
	Display string `json:"display,omitempty" validate:"omitempty,oneof=SMS"`
}

func (r *TransferRequest) IsValid() error {
	return validation.Struct(r)
}

// ResumeTransferRequest continues a transfer whose vault transaction is stored at Index.
type ResumeTransferRequest struct {
	RequestID string `json:"request_id" validate:"required"`
	Phone     string `json:"phone" validate:"required,phone"`
	Index     uint64 `json:"index" validate:"required"`
	Display   string `json:"display,omitempty" validate:"omitempty,oneof=SMS"`
}

func (r *ResumeTransferRequest) IsValid() error {
	return validation.Struct(r)
}

// TransferRecord is one row of the transfer history.
type TransferRecord struct {
	RequestID string    `json:"request_id" db:"request_id"`
	Phone     string    `json:"phone" db:"phone"`
	Recipient string    `json:"recipient" db:"recipient"`
	Amount    string    `json:"amount" db:"amount"`
	Lamports  *int64    `json:"lamports,omitempty" db:"lamports"`
	Multisig  *string   `json:"multisig,omitempty" db:"multisig"`
	TxIndex   *int64    `json:"tx_index,omitempty" db:"tx_index"`
	Stage     string    `json:"stage" db:"stage"`
	Signature *string   `json:"signature,omitempty" db:"signature"`
	Error     *string   `json:"error,omitempty" db:"error"`
	Display   string    `json:"display,omitempty" db:"display"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TransferReceipt is the task result of an executed transfer, also archived to block storage.
type TransferReceipt struct {
	RequestID    string    `json:"request_id"`
	Phone        string    `json:"phone"`
	Multisig     string    `json:"multisig"`
	Vault        string    `json:"vault"`
	Recipient    string    `json:"recipient"`
	Index        uint64    `json:"index"`
	Lamports     uint64    `json:"lamports"`
	Amount       string    `json:"amount"`
	Signature    string    `json:"signature,omitempty"`
	IndexRetries int       `json:"index_retries"`
	ExecutedAt   time.Time `json:"executed_at"`
}

func (r TransferReceipt) Key() string {
	return fmt.Sprintf("receipts/%s.json.xz", r.RequestID)
}

// SMSRequest is the payload of an outgoing text message.
type SMSRequest struct {
	Phone string `json:"phone" validate:"required,phone"`
	Body  string `json:"body" validate:"required"`
}

func (r *SMSRequest) IsValid() error {
	return validation.Struct(r)
}
