// Package config loads the TOML configuration of the sign client.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"wc_sign/internal/model"
	"wc_sign/internal/repository/kv"
	redisSvc "wc_sign/internal/service/redis"
	"wc_sign/internal/storage"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"

	defaultRelayURL          = "wss://relay.walletconnect.org"
	defaultHeartbeatInterval = 5 * time.Second
	defaultSessionExpiry     = model.SevenDays
	defaultMongoDatabase     = "wc"
	defaultRedisPrefix       = "wc:"
)

type (
	// Duration is a time.Duration written as "5s" in the config file.
	Duration struct {
		time.Duration
	}

	Storage struct {
		Backend       string
		Path          string
		RedisAddr     string
		RedisPrefix   string
		MongoURI      string
		MongoDatabase string
	}

	Redirect struct {
		Native    string
		Universal string
	}

	Metadata struct {
		Name        string
		Description string
		URL         string
		Icons       []string
		Redirect    *Redirect
	}

	Log struct {
		Level string
	}

	Config struct {
		RelayURL          string
		ProjectID         string
		HeartbeatInterval Duration
		SessionExpiry     Duration
		Storage           Storage
		Metadata          Metadata
		Log               Log
	}
)

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// Validate applies defaults and checks every section.
func (c *Config) Validate() error {
	if c.RelayURL == "" {
		c.RelayURL = defaultRelayURL
	}
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("config: RelayURL must be a ws:// or wss:// URL, got %q", c.RelayURL)
	}
	if c.HeartbeatInterval.Duration == 0 {
		c.HeartbeatInterval.Duration = defaultHeartbeatInterval
	}
	if c.HeartbeatInterval.Duration < 0 {
		return errors.New("config: HeartbeatInterval is negative")
	}
	if c.SessionExpiry.Duration == 0 {
		c.SessionExpiry.Duration = defaultSessionExpiry
	}
	if c.SessionExpiry.Duration < time.Minute {
		return errors.New("config: SessionExpiry is shorter than a minute")
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return c.Storage.validate()
}

func (s *Storage) validate() error {
	switch s.Backend {
	case "":
		s.Backend = BackendFile
		fallthrough
	case BackendFile, BackendBolt:
		if s.Path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("config: storage path: %w", err)
			}
			name := "store.json"
			if s.Backend == BackendBolt {
				name = "store.db"
			}
			s.Path = filepath.Join(home, ".wc", name)
		}
	case BackendMemory:
	case BackendRedis:
		if s.RedisAddr == "" {
			return errors.New("config: Storage.RedisAddr is required by the redis backend")
		}
		if s.RedisPrefix == "" {
			s.RedisPrefix = defaultRedisPrefix
		}
	case BackendMongo:
		if s.MongoURI == "" {
			return errors.New("config: Storage.MongoURI is required by the mongo backend")
		}
		if s.MongoDatabase == "" {
			s.MongoDatabase = defaultMongoDatabase
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", s.Backend)
	}
	return nil
}

// Open builds the configured storage backend. release closes connections
// the backend does not close itself.
func (s *Storage) Open(ctx context.Context, logger *zap.Logger) (st storage.Storage, release func(), err error) {
	nop := func() {}
	switch s.Backend {
	case BackendMemory:
		return storage.NewMemoryStorage(), nop, nil
	case BackendFile:
		return storage.NewFileStorage(s.Path, logger), nop, nil
	case BackendBolt:
		return storage.NewBoltStorage(s.Path), nop, nil
	case BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		// the storage closes the client
		return redisSvc.NewStorage(redisSvc.NewRedis(rdb), s.RedisPrefix), nop, nil
	case BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(s.MongoURI))
		if err != nil {
			return nil, nil, err
		}
		release := func() { _ = client.Disconnect(context.Background()) }
		return kv.NewKVRepo(client.Database(s.MongoDatabase)), release, nil
	default:
		return nil, nil, fmt.Errorf("config: unknown storage backend %q", s.Backend)
	}
}

func (m Metadata) Model() model.Metadata {
	out := model.Metadata{
		Name:        m.Name,
		Description: m.Description,
		URL:         m.URL,
		Icons:       m.Icons,
	}
	if m.Redirect != nil {
		out.Redirect = &model.Redirect{Native: m.Redirect.Native, Universal: m.Redirect.Universal}
	}
	if out.Icons == nil {
		out.Icons = []string{}
	}
	return out
}

// Load parses and validates b as a config file body. Unknown keys are
// rejected.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
