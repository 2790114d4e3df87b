package directory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dingclaw/pkg/dingtalk"
	"dingclaw/pkg/logger"
)

// Lookup fetches a user from the provider; *dingtalk.Client implements it.
type Lookup interface {
	GetUser(ctx context.Context, creds dingtalk.Credentials, userID string) (dingtalk.User, error)
}

// Directory resolves user ids to display names through an additive cache.
// The cache is loaded from the store once, on first use.
type Directory struct {
	store  Store
	lookup Lookup
	creds  dingtalk.Credentials
	log    *slog.Logger

	loadOnce sync.Once
	mu       sync.RWMutex
	names    map[string]string
}

func New(store Store, lookup Lookup, creds dingtalk.Credentials, log *slog.Logger) *Directory {
	return &Directory{
		store:  store,
		lookup: lookup,
		creds:  creds,
		log:    logger.Component(log, "directory"),
		names:  make(map[string]string),
	}
}

func (d *Directory) load(ctx context.Context) {
	d.loadOnce.Do(func() {
		if d.store == nil {
			return
		}
		entries, err := d.store.All(context.WithoutCancel(ctx))
		if err != nil {
			d.log.Warn("Failed to load user cache", "error", err)
			return
		}
		d.mu.Lock()
		for _, entry := range entries {
			d.names[entry.UserID] = entry.Name
		}
		d.mu.Unlock()
		d.log.Debug("User cache loaded", "entries", len(entries))
	})
}

// Cached returns the cached name for userID without any network call.
func (d *Directory) Cached(ctx context.Context, userID string) (string, bool) {
	d.load(ctx)
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.names[userID]
	return name, ok
}

// Name resolves userID, consulting the cache first. ok is false when the
// user could not be resolved.
func (d *Directory) Name(ctx context.Context, userID string) (string, bool) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", false
	}
	if name, ok := d.Cached(ctx, userID); ok {
		return name, true
	}
	if d.lookup == nil {
		return "", false
	}

	user, err := d.lookup.GetUser(ctx, d.creds, userID)
	if err != nil {
		d.log.Debug("User lookup failed", "user_id", userID, "error", err)
		return "", false
	}
	if user.Name == "" {
		return "", false
	}

	d.mu.Lock()
	d.names[userID] = user.Name
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.Put(context.WithoutCancel(ctx), Entry{UserID: userID, Name: user.Name, Avatar: user.Avatar}); err != nil {
			d.log.Warn("Failed to persist user", "user_id", userID, "error", err)
		}
	}
	return user.Name, true
}

// BatchNames resolves ids concurrently and returns whatever resolved within
// timeout. Lookups still running at the deadline are canceled.
func (d *Directory) BatchNames(ctx context.Context, ids []string, timeout time.Duration) map[string]string {
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type resolved struct {
		id   string
		name string
		ok   bool
	}
	results := make(chan resolved, len(ids))
	pending := 0
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		pending++
		go func(id string) {
			name, ok := d.Name(ctx, id)
			results <- resolved{id: id, name: name, ok: ok}
		}(id)
	}

	for pending > 0 {
		select {
		case <-ctx.Done():
			d.log.Debug("Batch name lookup timed out", "resolved", len(names), "pending", pending)
			return names
		case r := <-results:
			pending--
			if r.ok {
				names[r.id] = r.name
			}
		}
	}
	return names
}
