// Package core wires the protocol-agnostic layers of the client: keys,
// storage, expiry, RPC history and the relay.
package core

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"wc_sign/internal/core/expirer"
	"wc_sign/internal/core/heartbeat"
	"wc_sign/internal/core/history"
	"wc_sign/internal/metrics"
	"wc_sign/internal/model"
	"wc_sign/internal/network"
	"wc_sign/internal/protocol/keystore"
	"wc_sign/internal/relayer"
	"wc_sign/internal/storage"
	"wc_sign/internal/utils/log"
)

const (
	Protocol = "wc"
	Version  = 2

	DefaultRelayURL          = "wss://relay.walletconnect.org"
	DefaultHeartbeatInterval = 5 * time.Second

	userAgent = "wc-2/go-wc_sign"
)

type (
	Options struct {
		RelayURL          string
		ProjectID         string
		Storage           storage.Storage
		Logger            *zap.Logger
		Metrics           *metrics.Metrics
		HeartbeatInterval time.Duration
		// Clock replaces time.Now, for tests.
		Clock func() time.Time
		// Connection replaces the websocket transport, for tests.
		Connection func() network.Connection
	}

	Core struct {
		Storage   storage.Storage
		Crypto    *keystore.KeyStore
		Heartbeat *heartbeat.Heartbeat
		Expirer   *expirer.Expirer
		History   *history.Factory
		Relayer   *relayer.Relayer
		Messages  *MessageHandler
		Metrics   *metrics.Metrics

		relayURL  string
		projectID string
		logger    *zap.Logger
		now       func() time.Time

		ctx    context.Context
		cancel context.CancelFunc
		detach []func()
	}
)

func New(opts Options) *Core {
	logger := log.OrNop(opts.Logger)
	if opts.Storage == nil {
		opts.Storage = storage.NewMemoryStorage()
	}
	if opts.RelayURL == "" {
		opts.RelayURL = DefaultRelayURL
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Core{
		Storage:   opts.Storage,
		Metrics:   opts.Metrics,
		relayURL:  opts.RelayURL,
		projectID: opts.ProjectID,
		logger:    logger,
		now:       opts.Clock,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.Crypto = keystore.New(c.Storage, logger)
	c.Heartbeat = heartbeat.New(opts.HeartbeatInterval, logger)
	c.Expirer = expirer.New(c.Storage, logger, expirer.WithClock(opts.Clock), expirer.WithMetrics(opts.Metrics))
	c.History = history.NewFactory(c.Storage, logger)

	providerOpts := []network.ProviderOption{
		network.WithLogger(logger),
		network.WithMetrics(opts.Metrics),
	}
	if opts.Connection != nil {
		providerOpts = append(providerOpts, network.WithConnectionFactory(opts.Connection))
	}
	provider := network.NewProvider(c.buildRelayURL, providerOpts...)
	c.Relayer = relayer.New(provider, c.Storage, relayer.WithLogger(logger), relayer.WithMetrics(opts.Metrics))
	c.Messages = NewMessageHandler(c.Crypto, c.Relayer, c.History, c.Expirer, opts.Clock, logger, opts.Metrics)
	return c
}

// Init restores every layer from storage and starts the heartbeat. It does
// not connect to the relay.
func (c *Core) Init(ctx context.Context) error {
	if err := c.Storage.Init(ctx); err != nil {
		return fmt.Errorf("core: storage: %w", err)
	}
	for _, step := range []func(context.Context) error{
		c.Crypto.Init,
		c.Expirer.Init,
		c.History.Init,
		c.Relayer.Init,
	} {
		if err := step(ctx); err != nil {
			return fmt.Errorf("core: %w", err)
		}
	}

	c.detach = append(c.detach,
		c.Relayer.Message.Subscribe(func(ev model.MessageEvent) { c.Messages.OnMessage(c.ctx, ev) }),
		c.Expirer.Expired.Subscribe(func(x model.Expiration) { c.Messages.OnExpired(c.ctx, x) }),
		c.Expirer.Attach(c.ctx, c.Heartbeat),
	)
	c.Heartbeat.Start(c.ctx)
	c.logger.Info("core initialized", zap.String("relay", c.relayURL))
	return nil
}

func (c *Core) Connect(ctx context.Context) error {
	return c.Relayer.Connect(ctx)
}

func (c *Core) Close() error {
	for _, d := range c.detach {
		d()
	}
	c.detach = nil
	c.Heartbeat.Stop()
	err := c.Relayer.Close()
	c.cancel()
	if cerr := c.Storage.Close(); err == nil {
		err = cerr
	}
	return err
}

// Context lives until Close.
func (c *Core) Context() context.Context { return c.ctx }

func (c *Core) Now() time.Time { return c.now() }

// ExpiryIn returns the unix time d from now.
func (c *Core) ExpiryIn(d time.Duration) int64 { return c.now().Add(d).Unix() }

// IsExpired reports whether a unix expiry is in the past.
func (c *Core) IsExpired(expiry int64) bool { return expiry > 0 && c.now().Unix() >= expiry }

func (c *Core) buildRelayURL(ctx context.Context) (string, error) {
	jwt, err := c.Crypto.SignJWT(ctx, c.relayURL)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("auth", jwt)
	q.Set("ua", userAgent)
	if c.projectID != "" {
		q.Set("projectId", c.projectID)
	}
	return network.StaticURL(c.relayURL, q)(ctx)
}
