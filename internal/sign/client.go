// Package sign is the client surface of the sign protocol: pairing, session
// proposal and approval, one-click authentication and session traffic over a
// relay.
package sign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wc_sign/internal/core"
	"wc_sign/internal/core/pairing"
	"wc_sign/internal/model"
	"wc_sign/internal/sign/engine"
	"wc_sign/internal/utils/log"
)

type (
	Options struct {
		Core          core.Options
		Metadata      model.Metadata
		SessionExpiry time.Duration
		// Linker opens deep links to the peer wallet; nil disables them.
		Linker Linker
	}

	Client struct {
		*engine.Engine

		Core     *core.Core
		Pairings *pairing.Pairings

		linker Linker
		logger *zap.Logger
	}

	CleanupReport struct {
		HistoryRecords int
		MessageTopics  int
	}
)

func New(opts Options) *Client {
	logger := log.OrNop(opts.Core.Logger)
	c := core.New(opts.Core)
	p := pairing.New(c, logger)
	e := engine.New(c, p, engine.Options{
		Metadata:      opts.Metadata,
		SessionExpiry: opts.SessionExpiry,
		Logger:        logger,
	})
	return &Client{
		Engine:   e,
		Core:     c,
		Pairings: p,
		linker:   opts.Linker,
		logger:   logger.Named("sign"),
	}
}

// Init restores the client state and connects to the relay.
func (c *Client) Init(ctx context.Context) error {
	if err := c.Core.Init(ctx); err != nil {
		return err
	}
	if err := c.Pairings.Init(ctx); err != nil {
		return err
	}
	if err := c.Engine.Init(ctx); err != nil {
		return err
	}
	if err := c.Core.Connect(ctx); err != nil {
		return fmt.Errorf("sign: connect relay: %w", err)
	}
	id, err := c.Core.Crypto.GetClientID(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("client ready", zap.String("client_id", id))
	return nil
}

func (c *Client) Close() error {
	c.Engine.Close()
	c.Pairings.Close()
	return c.Core.Close()
}

// Pair joins the pairing of a wc: URI received from a dapp.
func (c *Client) Pair(ctx context.Context, uri string) (model.Pairing, error) {
	return c.Pairings.Pair(ctx, uri, false)
}

func (c *Client) ClientID(ctx context.Context) (string, error) {
	return c.Core.Crypto.GetClientID(ctx)
}

// OpenPairing hands uri to the wallet app behind appLink.
func (c *Client) OpenPairing(appLink, uri string) error {
	if c.linker == nil {
		return nil
	}
	link, err := PairingLink(appLink, uri)
	if err != nil {
		return err
	}
	return c.linker.Open(link)
}

// Request sends a chain request and, when the wallet declared a native
// redirect, brings its app to the front while waiting for the answer.
func (c *Client) Request(ctx context.Context, p engine.RequestParams) (json.RawMessage, error) {
	s, err := c.Session(p.Topic)
	if err != nil {
		return nil, err
	}
	if c.linker != nil && s.Peer.Metadata.Redirect != nil && s.Peer.Metadata.Redirect.Native != "" {
		stop := c.openRequestLinks(p.Topic)
		defer stop()
	}
	return c.Engine.Request(ctx, p)
}

// openRequestLinks opens the request deep link of every request sent on
// topic until stop is called.
func (c *Client) openRequestLinks(topic string) (stop func()) {
	s, err := c.Session(topic)
	if err != nil || s.Peer.Metadata.Redirect == nil {
		return func() {}
	}
	appLink := s.Peer.Metadata.Redirect.Native
	h, err := c.Core.History.OfType(c.Core.Context(), model.SessionRequest.Name)
	if err != nil {
		return func() {}
	}
	return h.Created.Subscribe(func(rec model.JsonRpcRecord) {
		if rec.Topic != topic {
			return
		}
		link, err := RequestLink(appLink, rec.ID, topic)
		if err == nil {
			err = c.linker.Open(link)
		}
		if err != nil {
			c.logger.Warn("open request link", zap.Error(err))
		}
	})
}

// CleanupStorage drops resolved RPC history and the dedupe state of topics
// no pairing, session or pending authentication uses any more.
func (c *Client) CleanupStorage(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	n, err := c.Core.History.Cleanup(ctx)
	if err != nil {
		return report, err
	}
	report.HistoryRecords = n

	inUse := make(map[string]bool)
	for _, p := range c.Pairings.List() {
		inUse[p.Topic] = true
	}
	for _, s := range c.Sessions.Values() {
		inUse[s.Topic] = true
	}
	for _, a := range c.AuthPairings.Values() {
		inUse[a.ResponseTopic] = true
	}
	n, err = c.Core.Relayer.Tracker.Prune(ctx, func(topic string) bool { return inUse[topic] })
	if err != nil {
		return report, err
	}
	report.MessageTopics = n
	c.logger.Info("storage cleaned", zap.Int("history_records", report.HistoryRecords), zap.Int("message_topics", report.MessageTopics))
	return report, nil
}

// Request sends a chain request and decodes the wallet's answer into R.
func Request[R any](ctx context.Context, c *Client, p engine.RequestParams) (R, error) {
	var out R
	raw, err := c.Request(ctx, p)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("sign: decode %s result: %w", p.Method, err)
	}
	return out, nil
}
