package wallet

const (
	operationBootstrap  = "bootstrap"
	operationCredit     = "credit"
	operationDebit      = "debit"
	operationRefund     = "refund"
	operationChangePlan = "change_plan"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
