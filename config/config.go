// Package config builds a docstore.DB from a YAML description.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v3"

	"github.com/andreyvit/docstore"
	"github.com/andreyvit/docstore/boltstore"
	"github.com/andreyvit/docstore/dynamostore"
	"github.com/andreyvit/docstore/localfs"
	"github.com/andreyvit/docstore/lock"
	"github.com/andreyvit/docstore/memstore"
	"github.com/andreyvit/docstore/mongostore"
)

const (
	BackendLocal    = "local"
	BackendBolt     = "bolt"
	BackendMemory   = "memory"
	BackendMongoDB  = "mongodb"
	BackendDynamoDB = "dynamodb"

	LockNone  = "none"
	LockLocal = "local"
	LockFile  = "file"
	LockRedis = "redis"
)

type Config struct {
	Backend Backend `yaml:"backend"`
	Lock    Lock    `yaml:"lock"`
	Retry   Retry   `yaml:"retry"`
	Post    Post    `yaml:"post"`
	Verbose bool    `yaml:"verbose"`
}

type Backend struct {
	Kind string `yaml:"kind"`
	// Path is the root directory (local) or database file (bolt).
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`

	MongoDB  MongoDB  `yaml:"mongodb"`
	DynamoDB DynamoDB `yaml:"dynamodb"`
}

type MongoDB struct {
	URI              string `yaml:"uri"`
	Database         string `yaml:"database"`
	CollectionPrefix string `yaml:"collection_prefix"`
	Transactions     bool   `yaml:"transactions"`
}

type DynamoDB struct {
	TablePrefix          string        `yaml:"table_prefix"`
	EventuallyConsistent bool          `yaml:"eventually_consistent"`
	AutoCreateTables     bool          `yaml:"auto_create_tables"`
	TableWait            time.Duration `yaml:"table_wait"`
}

type Lock struct {
	Kind string        `yaml:"kind"`
	TTL  time.Duration `yaml:"ttl"`
	// Dir holds lock files for the file locker.
	Dir   string `yaml:"dir"`
	Redis Redis  `yaml:"redis"`
}

type Redis struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
}

type Retry struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

type Post struct {
	SortArrays           bool `yaml:"sort_arrays"`
	IntegralFloatsToInts bool `yaml:"integral_floats_to_ints"`
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, expanding ${VAR} references from the environment
// first, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", docstore.ErrValidation, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	b := &cfg.Backend
	switch b.Kind {
	case BackendLocal, BackendBolt:
		if b.Path == "" {
			return invalidf("backend.path is required for %s", b.Kind)
		}
	case BackendMongoDB:
		if b.MongoDB.URI == "" {
			return invalidf("backend.mongodb.uri is required")
		}
	case BackendMemory, BackendDynamoDB:
	case "":
		return invalidf("backend.kind is required")
	default:
		return invalidf("unknown backend.kind %q", b.Kind)
	}

	switch cfg.Lock.Kind {
	case LockNone:
		if b.Kind == BackendLocal {
			return invalidf("the local backend requires a locker, lock.kind cannot be none")
		}
	case "", LockLocal:
	case LockFile:
		if cfg.Lock.Dir == "" {
			return invalidf("lock.dir is required for the file locker")
		}
	case LockRedis:
		if len(cfg.Lock.Redis.Addrs) == 0 {
			return invalidf("lock.redis.addrs is required for the redis locker")
		}
	default:
		return invalidf("unknown lock.kind %q", cfg.Lock.Kind)
	}

	if cfg.Retry.Attempts < 0 {
		return invalidf("retry.attempts must not be negative")
	}
	if cfg.Retry.Delay < 0 || cfg.Lock.TTL < 0 {
		return invalidf("durations must not be negative")
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: config: %s", docstore.ErrValidation, fmt.Sprintf(format, args...))
}

type settings struct {
	logger *slog.Logger
	dynamo dynamostore.API
	hooks  docstore.Hooks
}

type Option func(*settings)

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithDynamoClient supplies the client for the dynamodb backend, usually a
// *dynamodb.Client built from the caller's AWS configuration.
func WithDynamoClient(api dynamostore.API) Option {
	return func(s *settings) { s.dynamo = api }
}

func WithHooks(hooks docstore.Hooks) Option {
	return func(s *settings) { s.hooks = hooks }
}

// Open creates the configured backend and locker and opens a DB on them.
func Open(ctx context.Context, cfg *Config, opts ...Option) (*docstore.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var st settings
	for _, o := range opts {
		o(&st)
	}

	be, err := openBackend(ctx, cfg, &st)
	if err != nil {
		return nil, err
	}
	locker, err := openLocker(cfg)
	if err != nil {
		_ = be.Close()
		return nil, err
	}
	return docstore.Open(be, docstore.Options{
		Logger:        st.logger,
		Verbose:       cfg.Verbose,
		Locker:        locker,
		LockTTL:       cfg.Lock.TTL,
		Hooks:         st.hooks,
		Post:          docstore.PostOptions(cfg.Post),
		RetryAttempts: cfg.Retry.Attempts,
		RetryDelay:    cfg.Retry.Delay,
	})
}

func openBackend(ctx context.Context, cfg *Config, st *settings) (docstore.Backend, error) {
	b := &cfg.Backend
	switch b.Kind {
	case BackendLocal:
		e, err := localfs.Open(b.Path, localfs.Options{Logger: st.logger, NoSync: b.NoSync})
		if err != nil {
			return nil, err
		}
		return e, nil
	case BackendBolt:
		s, err := boltstore.Open(b.Path, boltstore.Options{NoSync: b.NoSync})
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return memstore.New(), nil
	case BackendMongoDB:
		s, err := mongostore.Connect(ctx, b.MongoDB.URI, mongostore.Options{
			Database:         b.MongoDB.Database,
			CollectionPrefix: b.MongoDB.CollectionPrefix,
			Logger:           st.logger,
		})
		if err != nil {
			return nil, err
		}
		if b.MongoDB.Transactions {
			return s.Transactional(), nil
		}
		return s, nil
	case BackendDynamoDB:
		if st.dynamo == nil {
			return nil, invalidf("dynamodb backend requires WithDynamoClient")
		}
		s, err := dynamostore.New(st.dynamo, dynamostore.Options{
			TablePrefix:          b.DynamoDB.TablePrefix,
			EventuallyConsistent: b.DynamoDB.EventuallyConsistent,
			AutoCreateTables:     b.DynamoDB.AutoCreateTables,
			TableWait:            b.DynamoDB.TableWait,
			Logger:               st.logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, invalidf("unknown backend.kind %q", b.Kind)
	}
}

// LockKind returns the configured lock kind. The local backend defaults
// to the in-process locker, everything else to none.
func (cfg *Config) LockKind() string {
	if cfg.Lock.Kind != "" {
		return cfg.Lock.Kind
	}
	if cfg.Backend.Kind == BackendLocal {
		return LockLocal
	}
	return LockNone
}

func openLocker(cfg *Config) (docstore.MutexProvider, error) {
	switch cfg.LockKind() {
	case LockNone:
		return nil, nil
	case LockLocal:
		return lock.NewLocal(), nil
	case LockFile:
		l, err := lock.NewFile(cfg.Lock.Dir)
		if err != nil {
			return nil, err
		}
		return l, nil
	case LockRedis:
		r := cfg.Lock.Redis
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    r.Addrs,
			Password: r.Password,
			DB:       r.DB,
		})
		return lock.NewRedis(client, r.Prefix), nil
	default:
		return nil, invalidf("unknown lock.kind %q", cfg.Lock.Kind)
	}
}
