package ledger

const (
	operationDeposit    = "deposit"
	operationWithdrawal = "withdrawal"
	operationDispute    = "dispute"
	operationResolve    = "resolve"
	operationChargeback = "chargeback"

	amountScale       = 4
	amountUnitsPerOne = 10_000
)
