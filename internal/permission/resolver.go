package permission

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"parkgrid.io/internal/cache"
	"parkgrid.io/internal/obs"
)

// ErrNotFound is returned by a RoleSource when the user or role is unknown.
// The resolver treats it as an empty role set (fail closed), not a failure.
var ErrNotFound = errors.New("permission: not found")

// RoleSource is the authoritative role/claims store behind the cache.
type RoleSource interface {
	// RolesForUser returns the names of the roles assigned to the user.
	RolesForUser(ctx context.Context, userID string) ([]string, error)
	// RoleClaims returns the claim masks carried by the named role.
	RoleClaims(ctx context.Context, name string) ([]Flag, error)
}

const (
	defaultSlidingTTL  = 30 * time.Minute
	defaultAbsoluteTTL = 24 * time.Hour
)

// Resolver answers permission checks from a per-user cache of role claims,
// falling back to the authoritative RoleSource on a miss.
type Resolver struct {
	roles RoleSource
	cache *cache.Store

	// slidingTTL is the redis expiry armed on write and re-armed on every
	// read. absoluteTTL caps entry age on read even while a steady stream
	// of checks keeps the window alive.
	slidingTTL  time.Duration
	absoluteTTL time.Duration
	now         func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSlidingTTL overrides the sliding expiration window.
func WithSlidingTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.slidingTTL = ttl
		}
	}
}

// WithAbsoluteTTL overrides the absolute expiration cap.
func WithAbsoluteTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.absoluteTTL = ttl
		}
	}
}

// WithResolverClock overrides the time source, useful in tests.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver. The cache may be nil, in which case
// every check reads the role source directly.
func NewResolver(roles RoleSource, c *cache.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		roles:       roles,
		cache:       c,
		slidingTTL:  defaultSlidingTTL,
		absoluteTTL: defaultAbsoluteTTL,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// cachedRole is the serialized shape of a resolved role in the cache entry.
type cachedRole struct {
	Name   string `json:"name"`
	Claims []Flag `json:"claims"`
}

// cacheEntry is the per-user cache value. StoredAt enforces the absolute cap
// on top of the sliding redis expiry.
type cacheEntry struct {
	Roles    []cachedRole `json:"roles"`
	StoredAt int64        `json:"stored_at"`
}

func cacheKey(userID string) string {
	return "perm:" + userID
}

// HasPermission reports whether the user holds every bit of required.
// A user with an Administrator claim passes any check. Unknown users and
// users without roles resolve to false with a nil error.
func (r *Resolver) HasPermission(ctx context.Context, userID string, required Flag) (bool, error) {
	if userID == "" {
		return false, nil
	}
	roles, err := r.loadRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		for _, claim := range role.Claims {
			if Satisfies(claim, required) {
				return true, nil
			}
		}
	}
	return false, nil
}

// Evict drops the cached role set for a user. Role and claim mutations call
// this so the next check re-reads the authoritative store.
func (r *Resolver) Evict(ctx context.Context, userID string) error {
	if r.cache == nil || userID == "" {
		return nil
	}
	return r.cache.Delete(ctx, cacheKey(userID))
}

func (r *Resolver) loadRoles(ctx context.Context, userID string) ([]cachedRole, error) {
	if roles, ok := r.fromCache(ctx, userID); ok {
		obs.ObservePermCache("hit")
		return roles, nil
	}
	obs.ObservePermCache("miss")

	names, err := r.roles.RolesForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	roles := make([]cachedRole, 0, len(names))
	for _, name := range names {
		claims, err := r.roles.RoleClaims(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		roles = append(roles, cachedRole{Name: name, Claims: claims})
	}
	r.toCache(ctx, userID, roles)
	return roles, nil
}

func (r *Resolver) fromCache(ctx context.Context, userID string) ([]cachedRole, bool) {
	if r.cache == nil {
		return nil, false
	}
	data, ok, err := r.cache.Get(ctx, cacheKey(userID))
	if err != nil || !ok {
		// Cache trouble degrades to a role-store read, never to a denial.
		return nil, false
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = r.cache.Delete(ctx, cacheKey(userID))
		return nil, false
	}
	if r.now().Sub(time.Unix(entry.StoredAt, 0)) > r.absoluteTTL {
		_ = r.cache.Delete(ctx, cacheKey(userID))
		return nil, false
	}
	// Each read re-arms the sliding window; StoredAt above is what finally
	// ages a continuously-read entry out.
	_ = r.cache.Expire(ctx, cacheKey(userID), r.slidingTTL)
	return entry.Roles, true
}

func (r *Resolver) toCache(ctx context.Context, userID string, roles []cachedRole) {
	if r.cache == nil {
		return
	}
	entry := cacheEntry{Roles: roles, StoredAt: r.now().Unix()}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = r.cache.Set(ctx, cacheKey(userID), data, r.slidingTTL)
}
