package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/pixelmint/pkg/wallet"
)

// walletOperationLogger forwards wallet operation callbacks to zap.
type walletOperationLogger struct {
	logger *zap.Logger
}

// NewWalletOperationLogger adapts a zap logger to the wallet callback contract.
func NewWalletOperationLogger(logger *zap.Logger) wallet.OperationLogger {
	return &walletOperationLogger{logger: logger}
}

func (adapter *walletOperationLogger) LogOperation(_ context.Context, entry wallet.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("source", entry.Source.String()),
		zap.String("reference_id", entry.ReferenceID.String()),
		zap.Int64("balance_after", entry.BalanceAfter),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("wallet operation failed", fields...)
		return
	}
	adapter.logger.Info("wallet operation", fields...)
}
