package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyUserPrefix     = "user:"
	keyUserHash       = "users:all"
	keyUserTimestamps = "users:timestamps"
	keyAdminPassword  = "admin:password_hash"

	defaultAccessCodeKey = "laundry:password"
	defaultOpTimeout     = 3 * time.Second
)

var (
	// ErrNotFound means no identity is registered under the identifier.
	// An expected outcome, not a store failure.
	ErrNotFound = errors.New("identity not found")
	// ErrNoAccessCode means the operator has not configured a code yet.
	ErrNoAccessCode = errors.New("access code not configured")
	// ErrUnavailable wraps transport failures talking to the store.
	ErrUnavailable = errors.New("registry unavailable")
	// ErrAlreadyRegistered is returned for duplicate registrations.
	ErrAlreadyRegistered = errors.New("cpf already registered")
	// ErrInvalidCPF is returned for registrations with a bad check digit.
	ErrInvalidCPF = errors.New("invalid cpf")
)

// redisCmdable is the slice of go-redis the client uses. Narrow on purpose
// so tests can swap in an in-memory fake.
type redisCmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// Client reads and writes the resident registry held in Redis.
type Client struct {
	rdb           redisCmdable
	accessCodeKey string
	opTimeout     time.Duration
	now           func() time.Time
	newID         func() string
}

// Config carries the connection settings for NewClient.
type Config struct {
	Addr          string
	Password      string
	DB            int
	DialTimeout   time.Duration
	OpTimeout     time.Duration
	AccessCodeKey string
}

// Option customizes a Client.
type Option func(*Client)

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides identity ID generation, primarily for tests.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newID = fn
		}
	}
}

func withCmdable(rdb redisCmdable) Option {
	return func(c *Client) {
		c.rdb = rdb
	}
}

// NewClient connects to the registry store.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		accessCodeKey: cfg.AccessCodeKey,
		opTimeout:     cfg.OpTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
	if c.accessCodeKey == "" {
		c.accessCodeKey = defaultAccessCodeKey
	}
	if c.opTimeout <= 0 {
		c.opTimeout = defaultOpTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rdb == nil {
		c.rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.OpTimeout,
		})
	}
	return c
}

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Lookup fetches the identity registered under the normalized CPF.
func (c *Client) Lookup(ctx context.Context, cpf string) (*Identity, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	raw, err := c.rdb.Get(ctx, keyUserPrefix+NormalizeCPF(cpf)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var id Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return nil, fmt.Errorf("%w: corrupt identity record: %v", ErrUnavailable, err)
	}
	return &id, nil
}

// AccessCode returns the current laundry access code.
func (c *Client) AccessCode(ctx context.Context) (string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	code, err := c.rdb.Get(ctx, c.accessCodeKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoAccessCode
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if code == "" {
		return "", ErrNoAccessCode
	}
	return code, nil
}

// SetAccessCode replaces the laundry access code.
func (c *Client) SetAccessCode(ctx context.Context, code string) error {
	if code == "" {
		return errors.New("access code must not be empty")
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, c.accessCodeKey, code, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Register validates and stores a new resident. The record is written three
// ways, matching the store schema the admin tooling reads: the per-CPF key
// the pipeline looks up, the all-users hash, and a timestamp-scored set for
// chronological listing.
func (c *Client) Register(ctx context.Context, in RegisterInput) (*Identity, error) {
	if in.FullName == "" || in.Phone == "" || in.DOB == "" || in.CPF == "" || in.Email == "" {
		return nil, errors.New("all registration fields are required")
	}
	if !ValidCPF(in.CPF) {
		return nil, ErrInvalidCPF
	}
	cpf := NormalizeCPF(in.CPF)

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	exists, err := c.rdb.Exists(ctx, keyUserPrefix+cpf).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exists > 0 {
		return nil, ErrAlreadyRegistered
	}

	id := &Identity{
		ID:           c.newID(),
		FullName:     in.FullName,
		Phone:        in.Phone,
		DOB:          in.DOB,
		CPF:          cpf,
		Email:        in.Email,
		RegisteredAt: c.now(),
	}
	payload, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}

	// All three views in one MULTI/EXEC so a mid-write failure cannot leave
	// a resident the pipeline finds but the admin listing does not.
	score := float64(id.RegisteredAt.UnixMilli())
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyUserPrefix+cpf, string(payload), 0)
		pipe.HSet(ctx, keyUserHash, id.ID, string(payload))
		pipe.ZAdd(ctx, keyUserTimestamps, redis.Z{Score: score, Member: id.ID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return id, nil
}

// ListResidents returns one page of residents, most recent first.
func (c *Client) ListResidents(ctx context.Context, page, limit int) ([]*Identity, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := int64((page - 1) * limit)
	stop := start + int64(limit) - 1

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	ids, err := c.rdb.ZRevRange(ctx, keyUserTimestamps, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := c.rdb.HMGet(ctx, keyUserHash, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]*Identity, 0, len(rows))
	for _, row := range rows {
		raw, ok := row.(string)
		if !ok || raw == "" {
			continue
		}
		var id Identity
		if err := json.Unmarshal([]byte(raw), &id); err != nil {
			continue
		}
		out = append(out, &id)
	}
	return out, nil
}

// ResidentCount returns the total number of registered residents.
func (c *Client) ResidentCount(ctx context.Context) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	n, err := c.rdb.ZCard(ctx, keyUserTimestamps).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// AdminPasswordHash returns the stored admin password hash, or ErrNotFound
// when no admin password has been set yet.
func (c *Client) AdminPasswordHash(ctx context.Context) (string, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	hash, err := c.rdb.Get(ctx, keyAdminPassword).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return hash, nil
}

// SetAdminPasswordHash stores the admin password hash.
func (c *Client) SetAdminPasswordHash(ctx context.Context, hash string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, keyAdminPassword, hash, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
