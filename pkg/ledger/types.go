package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	unitsPerOne = decimal.NewFromInt(amountUnitsPerOne)
	maxAmount   = decimal.New(1<<63-1, -amountScale)
	minAmount   = decimal.New(-1<<63, -amountScale)
)

// ClientID identifies an account owner.
type ClientID uint16

// TransactionID identifies a transaction across the whole input stream.
type TransactionID uint32

// Amount is a fixed-point value with four fractional digits, counted in ten-thousandths.
type Amount int64

// NewAmount builds an Amount from a count of ten-thousandths.
func NewAmount(units int64) Amount {
	return Amount(units)
}

// ParseAmount parses a decimal string with at most four fractional digits as written.
// "2.50000" is rejected even though its value fits the scale.
func ParseAmount(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, trimmed)
	}
	if writtenFractionalDigits(trimmed) > amountScale || !value.Equal(value.Truncate(amountScale)) {
		return 0, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, trimmed, amountScale)
	}
	if value.GreaterThan(maxAmount) || value.LessThan(minAmount) {
		return 0, fmt.Errorf("%w: %q is out of range", ErrAmountOverflow, trimmed)
	}
	return Amount(value.Mul(unitsPerOne).IntPart()), nil
}

func writtenFractionalDigits(raw string) int {
	point := strings.IndexByte(raw, '.')
	if point < 0 {
		return 0
	}
	fraction := raw[point+1:]
	if exponent := strings.IndexAny(fraction, "eE"); exponent >= 0 {
		fraction = fraction[:exponent]
	}
	return len(fraction)
}

// Units returns the raw count of ten-thousandths.
func (amount Amount) Units() int64 {
	return int64(amount)
}

// IsNegative reports whether the amount is below zero.
func (amount Amount) IsNegative() bool {
	return amount < 0
}

// Decimal converts the amount to a decimal value.
func (amount Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(amount), -amountScale)
}

// String formats the amount with exactly four fractional digits.
func (amount Amount) String() string {
	return amount.Decimal().StringFixed(amountScale)
}

// Add returns amount+other, failing on int64 overflow.
func (amount Amount) Add(other Amount) (Amount, error) {
	sum := amount + other
	if (other > 0 && sum < amount) || (other < 0 && sum > amount) {
		return 0, fmt.Errorf("%w: %s + %s", ErrAmountOverflow, amount, other)
	}
	return sum, nil
}

// Sub returns amount-other, failing on int64 overflow.
func (amount Amount) Sub(other Amount) (Amount, error) {
	difference := amount - other
	if (other > 0 && difference > amount) || (other < 0 && difference < amount) {
		return 0, fmt.Errorf("%w: %s - %s", ErrAmountOverflow, amount, other)
	}
	return difference, nil
}

// TransactionType enumerates the record kinds the processor understands.
type TransactionType string

const (
	TransactionDeposit    TransactionType = operationDeposit
	TransactionWithdrawal TransactionType = operationWithdrawal
	TransactionDispute    TransactionType = operationDispute
	TransactionResolve    TransactionType = operationResolve
	TransactionChargeback TransactionType = operationChargeback
)

// ParseTransactionType normalizes a raw type token.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.ToLower(strings.TrimSpace(raw)))
	if !transactionType.Valid() {
		return transactionType, fmt.Errorf("%w: %q", ErrUnknownTransactionType, raw)
	}
	return transactionType, nil
}

// Valid reports whether the type is one of the five recognized kinds.
func (transactionType TransactionType) Valid() bool {
	switch transactionType {
	case TransactionDeposit, TransactionWithdrawal, TransactionDispute, TransactionResolve, TransactionChargeback:
		return true
	default:
		return false
	}
}

// String returns the type token.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

func (transactionType TransactionType) carriesAmount() bool {
	return transactionType == TransactionDeposit || transactionType == TransactionWithdrawal
}

// DisputeState defines the dispute lifecycle of a deposit.
type DisputeState string

const (
	DisputeStateClean       DisputeState = "clean"
	DisputeStateDisputed    DisputeState = "disputed"
	DisputeStateResolved    DisputeState = "resolved"
	DisputeStateChargedBack DisputeState = "charged_back"
)

// canAdvanceTo allows only clean->disputed and disputed->{resolved, charged_back}.
func (state DisputeState) canAdvanceTo(next DisputeState) bool {
	switch state {
	case DisputeStateClean:
		return next == DisputeStateDisputed
	case DisputeStateDisputed:
		return next == DisputeStateResolved || next == DisputeStateChargedBack
	default:
		return false
	}
}

// Record is one decoded input row handed to the processor.
type Record struct {
	Type   TransactionType
	Client ClientID
	Tx     TransactionID
	Amount *Amount
	// DecodeErr is set by input adapters when the row could not be decoded.
	DecodeErr error
}

// Account is the balance state of a single client.
type Account struct {
	Client    ClientID
	Available Amount
	Held      Amount
	Locked    bool
}

// Total is always available plus held.
func (account Account) Total() Amount {
	return account.Available + account.Held
}

// Snapshot returns the output view of the account.
func (account Account) Snapshot() AccountSnapshot {
	return AccountSnapshot{
		Client:    account.Client,
		Available: account.Available,
		Held:      account.Held,
		Total:     account.Total(),
		Locked:    account.Locked,
	}
}

// DisputableTransaction is the retained memory of an applied deposit.
type DisputableTransaction struct {
	Tx     TransactionID
	Client ClientID
	Amount Amount
	State  DisputeState
}

func (transaction *DisputableTransaction) advance(next DisputeState) error {
	if !transaction.State.canAdvanceTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidDisputeTransition, transaction.State, next)
	}
	transaction.State = next
	return nil
}

// AccountSnapshot is the final per-account row handed to output adapters.
type AccountSnapshot struct {
	Client    ClientID
	Available Amount
	Held      Amount
	Total     Amount
	Locked    bool
}
