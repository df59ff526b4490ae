package ledger

// ProcessorOption configures a Processor instance.
type ProcessorOption func(*Processor)

// OutcomeObserver receives one callback per processed record.
// Implementations must return promptly; the processor calls them inline.
type OutcomeObserver interface {
	ObserveOutcome(entry OutcomeLog)
}

// OutcomeObserverFunc adapts a plain function to OutcomeObserver.
type OutcomeObserverFunc func(entry OutcomeLog)

// ObserveOutcome calls the wrapped function.
func (observerFunc OutcomeObserverFunc) ObserveOutcome(entry OutcomeLog) {
	observerFunc(entry)
}

// OutcomeLog describes the result of processing one record.
type OutcomeLog struct {
	Operation string
	Client    ClientID
	Tx        TransactionID
	Amount    *Amount
	Status    OutcomeStatus
	Error     error
}

// WithOutcomeObserver wires an observer that receives every outcome. It may be given more than once.
func WithOutcomeObserver(observer OutcomeObserver) ProcessorOption {
	return func(processor *Processor) {
		if observer != nil {
			processor.observers = append(processor.observers, observer)
		}
	}
}
