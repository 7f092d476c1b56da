package wallet

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation    string
	UserID       UserID
	Amount       Credits
	Source       Source
	ReferenceID  ReferenceID
	BalanceAfter int64
	Status       string
	Error        error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithSignupBonus seeds newly bootstrapped accounts with the given credits.
func WithSignupBonus(amount Credits) ServiceOption {
	return func(service *Service) {
		service.signupBonus = amount
	}
}
