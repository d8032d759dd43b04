// Package provider holds the outbound message transports.
package provider

import (
	"context"

	"rebook/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogProvider writes messages to the log instead of sending them. Used in development.
type LogProvider struct {
	cost   float64
	logger *zerolog.Logger
}

func NewLogProvider(costPerMessage float64, logger *zerolog.Logger) *LogProvider {
	return &LogProvider{cost: costPerMessage, logger: logger}
}

func (p *LogProvider) Send(ctx context.Context, req domain.SendRequest) (domain.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SendResult{}, err
	}
	id := uuid.NewString()
	p.logger.Info().
		Str("to", req.To).
		Str("from", req.From).
		Str("provider_message_id", id).
		Str("body", req.Body).
		Msg("Outbound message")
	return domain.SendResult{ProviderMessageID: id, Cost: p.cost}, nil
}
