package reconciler

import (
	"context"

	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
)

// LogProvider is the local-mode infra backend: it accepts every worker
// count and only records the request. Cloud providers implement the same
// interface against their replica APIs.
type LogProvider struct {
	logger *logger.Logger
}

// NewLogProvider creates the local provider.
func NewLogProvider(log *logger.Logger) *LogProvider {
	return &LogProvider{logger: log.WithFields(zap.String("component", "infra_provider"))}
}

// SetWorkerCount implements InfraProvider.
func (p *LogProvider) SetWorkerCount(_ context.Context, pool string, workers int) error {
	p.logger.Info("worker count applied",
		zap.String("pool", pool), zap.Int("workers", workers))
	return nil
}
