package relayer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"wc_sign/internal/events"
	"wc_sign/internal/metrics"
	"wc_sign/internal/model"
	"wc_sign/internal/utils/log"
)

// Requester issues relay JSON-RPC calls; network.Provider implements it.
type Requester interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

type Publisher struct {
	Published events.Emitter[model.PublishedMessage]

	requester Requester
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewPublisher(r Requester, logger *zap.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		requester: r,
		logger:    log.OrNop(logger).Named("publisher"),
		metrics:   m,
	}
}

func (p *Publisher) Publish(ctx context.Context, topic, message string, opts model.PublishOptions) error {
	params := model.RelayPublishParams{
		Topic:   topic,
		Message: message,
		TTL:     int64(opts.TTL.Seconds()),
		Tag:     opts.Tag,
		Prompt:  opts.Prompt,
	}
	res, err := p.requester.Request(ctx, model.RelayPublish, params)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	var ok bool
	if err := json.Unmarshal(res, &ok); err != nil || !ok {
		return fmt.Errorf("publish to %s: relay refused", topic)
	}

	p.logger.Debug("published", zap.String("topic", topic), zap.Int64("tag", opts.Tag))
	p.metrics.MessagePublished()
	p.Published.Emit(model.PublishedMessage{Topic: topic, Message: message, Options: opts})
	return nil
}
