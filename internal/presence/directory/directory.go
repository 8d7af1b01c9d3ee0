package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/riderpresence/internal/presence/domain"
)

// Static is an in-memory directory for tests and local runs.
type Static struct {
	mu      sync.RWMutex
	entries map[string]domain.RiderIdentity
}

// NewStatic constructs a directory seeded with entries.
func NewStatic(entries map[string]domain.RiderIdentity) *Static {
	s := &Static{entries: make(map[string]domain.RiderIdentity, len(entries))}
	for id, ident := range entries {
		s.entries[id] = ident
	}
	return s
}

// Put adds or replaces an identity.
func (s *Static) Put(riderID string, ident domain.RiderIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[riderID] = ident
}

// Lookup satisfies domain.RiderDirectory.
func (s *Static) Lookup(_ context.Context, riderID string) (domain.RiderIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.entries[riderID]
	if !ok {
		return domain.RiderIdentity{}, domain.ErrNotFound
	}
	return ident, nil
}

const defaultLookupQuery = `SELECT name, phone FROM users WHERE id = $1`

// SQL reads rider identities from the user table owned by the account service.
type SQL struct {
	db    *sql.DB
	query string
}

// NewSQL constructs a SQL directory. An empty query uses the users table.
func NewSQL(db *sql.DB, query string) *SQL {
	if query == "" {
		query = defaultLookupQuery
	}
	return &SQL{db: db, query: query}
}

// Lookup satisfies domain.RiderDirectory.
func (d *SQL) Lookup(ctx context.Context, riderID string) (domain.RiderIdentity, error) {
	var (
		ident domain.RiderIdentity
		phone sql.NullString
	)
	err := d.db.QueryRowContext(ctx, d.query, riderID).Scan(&ident.Name, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RiderIdentity{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.RiderIdentity{}, fmt.Errorf("lookup rider %s: %w", riderID, err)
	}
	ident.Phone = phone.String
	return ident, nil
}

// RedisCache fronts another directory with a Redis hash per rider.
type RedisCache struct {
	next   domain.RiderDirectory
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisCache wraps next. Misses are never cached.
func NewRedisCache(next domain.RiderDirectory, client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCache{next: next, client: client, ttl: ttl, prefix: "rider:identity:"}
}

// Lookup satisfies domain.RiderDirectory.
func (c *RedisCache) Lookup(ctx context.Context, riderID string) (domain.RiderIdentity, error) {
	key := c.prefix + riderID
	cached, err := c.client.HGetAll(ctx, key).Result()
	if err == nil && len(cached) > 0 {
		return domain.RiderIdentity{Name: cached["name"], Phone: cached["phone"]}, nil
	}
	ident, err := c.next.Lookup(ctx, riderID)
	if err != nil {
		return domain.RiderIdentity{}, err
	}
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, "name", ident.Name, "phone", ident.Phone)
	pipe.Expire(ctx, key, c.ttl)
	// A failed cache fill only costs a later lookup.
	_, _ = pipe.Exec(ctx)
	return ident, nil
}
