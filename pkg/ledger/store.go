package ledger

import (
	"fmt"
	"iter"
	"slices"
)

// Store keeps every account and the deposits that may still be disputed.
// It is not safe for concurrent use; a single Processor owns it for a run.
type Store struct {
	accounts     map[ClientID]*Account
	transactions map[TransactionID]*DisputableTransaction
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		accounts:     make(map[ClientID]*Account),
		transactions: make(map[TransactionID]*DisputableTransaction),
	}
}

// GetOrCreateAccount returns the client's account, inserting a zeroed one on first reference.
func (store *Store) GetOrCreateAccount(client ClientID) *Account {
	if account, ok := store.accounts[client]; ok {
		return account
	}
	account := &Account{Client: client}
	store.accounts[client] = account
	return account
}

// Account returns the client's account without creating it.
func (store *Store) Account(client ClientID) (*Account, bool) {
	account, ok := store.accounts[client]
	return account, ok
}

// RecordDeposit retains a deposit in the clean state.
func (store *Store) RecordDeposit(tx TransactionID, client ClientID, amount Amount) error {
	if _, exists := store.transactions[tx]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateTransaction, tx)
	}
	store.transactions[tx] = &DisputableTransaction{
		Tx:     tx,
		Client: client,
		Amount: amount,
		State:  DisputeStateClean,
	}
	return nil
}

// LookupTransaction returns the retained deposit for tx.
func (store *Store) LookupTransaction(tx TransactionID) (*DisputableTransaction, bool) {
	transaction, ok := store.transactions[tx]
	return transaction, ok
}

// Len returns the number of accounts.
func (store *Store) Len() int {
	return len(store.accounts)
}

// Accounts yields copies of every account ordered by client id.
func (store *Store) Accounts() iter.Seq[Account] {
	return func(yield func(Account) bool) {
		for _, client := range store.sortedClients() {
			if !yield(*store.accounts[client]) {
				return
			}
		}
	}
}

// Snapshots yields the output view of every account ordered by client id.
func (store *Store) Snapshots() iter.Seq[AccountSnapshot] {
	return func(yield func(AccountSnapshot) bool) {
		for account := range store.Accounts() {
			if !yield(account.Snapshot()) {
				return
			}
		}
	}
}

func (store *Store) sortedClients() []ClientID {
	clients := make([]ClientID, 0, len(store.accounts))
	for client := range store.accounts {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	return clients
}
