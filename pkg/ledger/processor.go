package ledger

import (
	"fmt"
	"iter"
)

// OutcomeStatus tags the result of processing one record.
type OutcomeStatus string

const (
	OutcomeApplied                 OutcomeStatus = "applied"
	OutcomeIgnoredInvalidReference OutcomeStatus = "ignored_invalid_reference"
	OutcomeIgnoredAccountLocked    OutcomeStatus = "ignored_account_locked"
	OutcomeMalformed               OutcomeStatus = "malformed"
)

// Outcome is returned for every record. The store is mutated only when Status is OutcomeApplied.
type Outcome struct {
	Status OutcomeStatus
	Reason error
	Record Record
}

// Applied reports whether the record changed ledger state.
func (outcome Outcome) Applied() bool {
	return outcome.Status == OutcomeApplied
}

// Summary counts outcomes per status for a stream.
type Summary struct {
	Applied                 int `json:"applied"`
	IgnoredInvalidReference int `json:"ignored_invalid_reference"`
	IgnoredAccountLocked    int `json:"ignored_account_locked"`
	Malformed               int `json:"malformed"`
}

// Add counts one outcome.
func (summary *Summary) Add(outcome Outcome) {
	switch outcome.Status {
	case OutcomeApplied:
		summary.Applied++
	case OutcomeIgnoredInvalidReference:
		summary.IgnoredInvalidReference++
	case OutcomeIgnoredAccountLocked:
		summary.IgnoredAccountLocked++
	case OutcomeMalformed:
		summary.Malformed++
	}
}

// Processed returns the number of records seen.
func (summary Summary) Processed() int {
	return summary.Applied + summary.IgnoredInvalidReference + summary.IgnoredAccountLocked + summary.Malformed
}

// Processor applies the account state machine to records in arrival order.
type Processor struct {
	store     *Store
	observers []OutcomeObserver
}

// NewProcessor wires a Processor that exclusively owns store.
func NewProcessor(store *Store, options ...ProcessorOption) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidProcessorConfig)
	}
	processor := &Processor{store: store}
	for _, option := range options {
		if option != nil {
			option(processor)
		}
	}
	return processor, nil
}

// Store returns the ledger owned by the processor.
func (processor *Processor) Store() *Store {
	return processor.store
}

// ProcessAll consumes records until the sequence ends and returns the per-status counts.
func (processor *Processor) ProcessAll(records iter.Seq[Record]) Summary {
	var summary Summary
	for record := range records {
		summary.Add(processor.Process(record))
	}
	return summary
}

// Process validates and applies a single record.
func (processor *Processor) Process(record Record) Outcome {
	outcome := processor.apply(record)
	outcome.Record = record
	processor.notify(outcome)
	return outcome
}

func (processor *Processor) apply(record Record) Outcome {
	if err := validateRecord(record); err != nil {
		return malformed(err)
	}
	switch record.Type {
	case TransactionDeposit:
		return processor.deposit(record.Client, record.Tx, *record.Amount)
	case TransactionWithdrawal:
		return processor.withdraw(record.Client, *record.Amount)
	case TransactionDispute:
		return processor.dispute(record.Client, record.Tx)
	case TransactionResolve:
		return processor.resolve(record.Client, record.Tx)
	default:
		return processor.chargeback(record.Client, record.Tx)
	}
}

func validateRecord(record Record) error {
	if record.DecodeErr != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, record.DecodeErr)
	}
	if !record.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTransactionType, record.Type)
	}
	if !record.Type.carriesAmount() {
		return nil
	}
	if record.Amount == nil {
		return fmt.Errorf("%w: %s %d has no amount", ErrInvalidAmount, record.Type, record.Tx)
	}
	if record.Amount.IsNegative() {
		return fmt.Errorf("%w: %s %d has negative amount %s", ErrInvalidAmount, record.Type, record.Tx, record.Amount)
	}
	return nil
}

func (processor *Processor) deposit(client ClientID, tx TransactionID, amount Amount) Outcome {
	account := processor.store.GetOrCreateAccount(client)
	if account.Locked {
		return lockedOutcome(client)
	}
	available, err := account.Available.Add(amount)
	if err != nil {
		return malformed(err)
	}
	// A repeated tx id voids the whole deposit; the credit is applied only after it is retained.
	if err := processor.store.RecordDeposit(tx, client, amount); err != nil {
		return malformed(err)
	}
	account.Available = available
	return applied()
}

func (processor *Processor) withdraw(client ClientID, amount Amount) Outcome {
	account := processor.store.GetOrCreateAccount(client)
	if account.Locked {
		return lockedOutcome(client)
	}
	if amount > account.Available {
		return invalidReference(fmt.Errorf("%w: client %d has %s, requested %s", ErrInsufficientFunds, client, account.Available, amount))
	}
	account.Available -= amount
	return applied()
}

func (processor *Processor) dispute(client ClientID, tx TransactionID) Outcome {
	account, transaction, outcome, ok := processor.disputeTarget(client, tx, DisputeStateClean)
	if !ok {
		return outcome
	}
	available, err := account.Available.Sub(transaction.Amount)
	if err != nil {
		return malformed(err)
	}
	held, err := account.Held.Add(transaction.Amount)
	if err != nil {
		return malformed(err)
	}
	if err := transaction.advance(DisputeStateDisputed); err != nil {
		return invalidReference(err)
	}
	account.Available = available
	account.Held = held
	return applied()
}

func (processor *Processor) resolve(client ClientID, tx TransactionID) Outcome {
	account, transaction, outcome, ok := processor.disputeTarget(client, tx, DisputeStateDisputed)
	if !ok {
		return outcome
	}
	available, err := account.Available.Add(transaction.Amount)
	if err != nil {
		return malformed(err)
	}
	if err := transaction.advance(DisputeStateResolved); err != nil {
		return invalidReference(err)
	}
	account.Held -= transaction.Amount
	account.Available = available
	return applied()
}

func (processor *Processor) chargeback(client ClientID, tx TransactionID) Outcome {
	account, transaction, outcome, ok := processor.disputeTarget(client, tx, DisputeStateDisputed)
	if !ok {
		return outcome
	}
	if err := transaction.advance(DisputeStateChargedBack); err != nil {
		return invalidReference(err)
	}
	account.Held -= transaction.Amount
	account.Locked = true
	return applied()
}

// disputeTarget resolves the account and deposit a dispute-family record refers to.
// The lock check comes first; a frozen account accepts no dispute lifecycle changes.
func (processor *Processor) disputeTarget(client ClientID, tx TransactionID, wantState DisputeState) (*Account, *DisputableTransaction, Outcome, bool) {
	account := processor.store.GetOrCreateAccount(client)
	if account.Locked {
		return nil, nil, lockedOutcome(client), false
	}
	transaction, ok := processor.store.LookupTransaction(tx)
	if !ok {
		return nil, nil, invalidReference(fmt.Errorf("%w: %d", ErrUnknownTransaction, tx)), false
	}
	if transaction.Client != client {
		return nil, nil, invalidReference(fmt.Errorf("%w: %d is owned by client %d", ErrClientMismatch, tx, transaction.Client)), false
	}
	if transaction.State != wantState {
		reason := ErrNotDisputed
		if wantState == DisputeStateClean {
			reason = ErrAlreadyDisputed
		}
		return nil, nil, invalidReference(fmt.Errorf("%w: %d is %s", reason, tx, transaction.State)), false
	}
	return account, transaction, Outcome{}, true
}

func (processor *Processor) notify(outcome Outcome) {
	if len(processor.observers) == 0 {
		return
	}
	entry := OutcomeLog{
		Operation: outcome.Record.Type.String(),
		Client:    outcome.Record.Client,
		Tx:        outcome.Record.Tx,
		Amount:    outcome.Record.Amount,
		Status:    outcome.Status,
		Error:     outcome.Reason,
	}
	for _, observer := range processor.observers {
		observer.ObserveOutcome(entry)
	}
}

func applied() Outcome {
	return Outcome{Status: OutcomeApplied}
}

func malformed(reason error) Outcome {
	return Outcome{Status: OutcomeMalformed, Reason: reason}
}

func invalidReference(reason error) Outcome {
	return Outcome{Status: OutcomeIgnoredInvalidReference, Reason: reason}
}

func lockedOutcome(client ClientID) Outcome {
	return Outcome{Status: OutcomeIgnoredAccountLocked, Reason: fmt.Errorf("%w: client %d", ErrAccountLocked, client)}
}
