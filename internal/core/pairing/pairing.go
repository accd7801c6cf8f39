// Package pairing manages the lifecycle of pairings: the encrypted channels
// created out of a wc: URI and used to carry proposals.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wc_sign/internal/core"
	"wc_sign/internal/core/store"
	"wc_sign/internal/model"
	"wc_sign/internal/protocol/keystore"
	"wc_sign/internal/utils/log"
)

const (
	StorageKey = "wc@2:core:0.3//pairing"

	// lifetime of a pairing nobody has used yet
	InactiveTTL = model.FiveMinutes
	ActiveTTL   = model.ThirtyDays
)

type Pairings struct {
	Store *store.Store[string, model.Pairing]

	core   *core.Core
	logger *zap.Logger
	detach []func()
}

func New(c *core.Core, logger *zap.Logger) *Pairings {
	logger = log.OrNop(logger)
	return &Pairings{
		Store: store.New("pairing", StorageKey, c.Storage, c.Expirer,
			func(p model.Pairing) string { return p.Topic }, logger),
		core:   c,
		logger: logger.Named("pairing"),
	}
}

// Init restores pairings, drops those that expired while the client was
// down and registers the wc_pairing* handlers.
func (p *Pairings) Init(ctx context.Context) error {
	if err := p.Store.Init(ctx); err != nil {
		return err
	}
	for _, pr := range p.Store.Values() {
		if exp, ok := pr.ExpiresAt(); ok && p.core.IsExpired(exp) {
			if err := p.Delete(ctx, pr.Topic, model.ErrorFromType(model.Expired, "pairing")); err != nil {
				return err
			}
		}
	}

	m := p.core.Messages
	m.HandleRequest(model.PairingPing.Name, p.onPing)
	m.HandleRequest(model.PairingDelete.Name, p.onDelete)
	p.detach = append(p.detach, p.core.Expirer.Expired.Subscribe(p.onExpired))
	return nil
}

func (p *Pairings) Close() {
	for _, d := range p.detach {
		d()
	}
	p.detach = nil
}

// Create makes a new inactive pairing, subscribes to its topic and returns it
// with its URI.
func (p *Pairings) Create(ctx context.Context, methods []string) (model.Pairing, string, error) {
	symKey := keystore.GenerateRandomBytes32()
	topic, err := p.core.Crypto.SetSymKey(ctx, symKey, "")
	if err != nil {
		return model.Pairing{}, "", err
	}
	expiry := p.core.ExpiryIn(InactiveTTL)
	pairing := model.Pairing{
		Topic:   topic,
		Expiry:  &expiry,
		Relay:   model.ProtocolOptions{Protocol: model.RelayProtocol},
		Methods: methods,
	}
	if err := p.Store.Set(ctx, topic, pairing); err != nil {
		return model.Pairing{}, "", err
	}
	if _, err := p.core.Relayer.SubscribeWithRetry(ctx, topic); err != nil {
		return model.Pairing{}, "", err
	}

	uri := FormatURI(model.PairingURIParams{
		Protocol:        core.Protocol,
		Version:         core.Version,
		Topic:           topic,
		SymKey:          symKey,
		Relay:           pairing.Relay,
		ExpiryTimestamp: &expiry,
		Methods:         methods,
	})
	p.logger.Info("pairing created", zap.String("topic", topic))
	return pairing, uri, nil
}

// Pair joins the pairing of uri. An already active pairing cannot be joined
// again.
func (p *Pairings) Pair(ctx context.Context, uri string, activate bool) (model.Pairing, error) {
	params, err := ParseURI(uri)
	if err != nil {
		return model.Pairing{}, err
	}
	if existing, err := p.Store.Get(params.Topic); err == nil && existing.Active {
		return model.Pairing{}, model.Errorf(model.MissingOrInvalid, "pairing already exists: %s", params.Topic)
	}
	if params.ExpiryTimestamp != nil && p.core.IsExpired(*params.ExpiryTimestamp) {
		return model.Pairing{}, model.ErrorFromType(model.Expired, "pairing uri")
	}

	expiry := p.core.ExpiryIn(InactiveTTL)
	if params.ExpiryTimestamp != nil {
		expiry = *params.ExpiryTimestamp
	}
	pairing := model.Pairing{
		Topic:   params.Topic,
		Expiry:  &expiry,
		Relay:   params.Relay,
		Methods: params.Methods,
	}
	if _, err := p.core.Crypto.SetSymKey(ctx, params.SymKey, params.Topic); err != nil {
		return model.Pairing{}, err
	}
	if err := p.Store.Set(ctx, pairing.Topic, pairing); err != nil {
		return model.Pairing{}, err
	}
	if activate {
		if pairing, err = p.Activate(ctx, pairing.Topic); err != nil {
			return model.Pairing{}, err
		}
	}
	if _, err := p.core.Relayer.SubscribeWithRetry(ctx, pairing.Topic); err != nil {
		return model.Pairing{}, err
	}
	p.logger.Info("paired", zap.String("topic", pairing.Topic))
	return pairing, nil
}

// Activate marks topic as used and extends its lifetime.
func (p *Pairings) Activate(ctx context.Context, topic string) (model.Pairing, error) {
	expiry := p.core.ExpiryIn(ActiveTTL)
	return p.Store.Update(ctx, topic, func(pr *model.Pairing) error {
		pr.Active = true
		pr.Expiry = &expiry
		return nil
	})
}

func (p *Pairings) UpdateExpiry(ctx context.Context, topic string, expiry int64) error {
	_, err := p.Store.Update(ctx, topic, func(pr *model.Pairing) error {
		pr.Expiry = &expiry
		return nil
	})
	return err
}

func (p *Pairings) UpdateMetadata(ctx context.Context, topic string, meta model.Metadata) error {
	_, err := p.Store.Update(ctx, topic, func(pr *model.Pairing) error {
		pr.PeerMetadata = &meta
		return nil
	})
	return err
}

func (p *Pairings) Get(topic string) (model.Pairing, error) { return p.Store.Get(topic) }

func (p *Pairings) List() []model.Pairing { return p.Store.Values() }

// Ping round-trips wc_pairingPing on topic.
func (p *Pairings) Ping(ctx context.Context, topic string) error {
	if !p.Store.Has(topic) {
		return model.Errorf(model.NoMatchingKey, "pairing: %s", topic)
	}
	_, err := core.Request[bool](ctx, p.core.Messages, topic, model.PairingPing, model.PairingPingParams{})
	return err
}

// Disconnect tells the peer and deletes the pairing locally.
func (p *Pairings) Disconnect(ctx context.Context, topic string) error {
	if !p.Store.Has(topic) {
		return model.Errorf(model.NoMatchingKey, "pairing: %s", topic)
	}
	reason := model.ErrorFromType(model.UserDisconnected, "")
	if _, err := p.core.Messages.SendRequest(ctx, topic, model.PairingDelete, reason); err != nil {
		p.logger.Warn("notify pairing delete", zap.String("topic", topic), zap.Error(err))
	}
	return p.Delete(ctx, topic, reason)
}

// Delete forgets the pairing of topic with its key and subscription.
func (p *Pairings) Delete(ctx context.Context, topic string, reason *model.Error) error {
	err := errors.Join(
		p.core.Relayer.Unsubscribe(ctx, topic),
		p.core.Crypto.DeleteSymKey(ctx, topic),
		p.Store.Delete(ctx, topic, reason),
	)
	if err != nil {
		return fmt.Errorf("pairing: delete %s: %w", topic, err)
	}
	return nil
}

func (p *Pairings) onPing(ctx context.Context, topic string, req model.JsonRpcRequest) {
	if !p.Store.Has(topic) {
		p.reply(ctx, topic, req, model.PairingPing, model.Errorf(model.NoMatchingKey, "pairing: %s", topic))
		return
	}
	p.reply(ctx, topic, req, model.PairingPing, nil)
}

func (p *Pairings) onDelete(ctx context.Context, topic string, req model.JsonRpcRequest) {
	if !p.Store.Has(topic) {
		p.reply(ctx, topic, req, model.PairingDelete, model.Errorf(model.NoMatchingKey, "pairing: %s", topic))
		return
	}
	p.reply(ctx, topic, req, model.PairingDelete, nil)
	if err := p.Delete(ctx, topic, model.ErrorFromType(model.UserDisconnected, "peer")); err != nil {
		p.logger.Error("delete pairing", zap.String("topic", topic), zap.Error(err))
	}
}

func (p *Pairings) reply(ctx context.Context, topic string, req model.JsonRpcRequest, method model.Method, e *model.Error) {
	var err error
	if e != nil {
		err = p.core.Messages.SendError(ctx, req.ID, topic, method, e)
	} else {
		err = p.core.Messages.SendResult(ctx, req.ID, topic, method, true)
	}
	if err != nil {
		p.logger.Warn("reply failed", zap.String("method", method.Name), zap.Error(err))
	}
}

func (p *Pairings) onExpired(x model.Expiration) {
	target, err := model.ParseTarget(x.Target)
	if err != nil || target.Topic == "" || !p.Store.Has(target.Topic) {
		return
	}
	ctx, cancel := context.WithTimeout(p.core.Context(), 10*time.Second)
	defer cancel()
	if err := p.Delete(ctx, target.Topic, model.ErrorFromType(model.Expired, "pairing")); err != nil {
		p.logger.Error("delete expired pairing", zap.String("topic", target.Topic), zap.Error(err))
	}
}
