package discord

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver resolves Discord IDs to display names for log enrichment.
// Upload metadata always carries raw IDs; names are cosmetic.
type NameResolver interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// resolverCacheTTL controls how long a resolved name stays valid.
var resolverCacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

// ttlCache is a small expiring string cache; zero value not usable, build
// with newTTLCache.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newTTLCache() *ttlCache {
	return &ttlCache{entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiry) {
		delete(c.entries, id)
		return "", false
	}
	return e.val, true
}

func (c *ttlCache) put(id, val string) {
	c.mu.Lock()
	c.entries[id] = cacheEntry{val: val, expiry: time.Now().Add(resolverCacheTTL)}
	c.mu.Unlock()
}

// resolve returns the cached name or fetches and caches it. Empty fetch
// results are not cached so transient REST failures can heal.
func (c *ttlCache) resolve(id string, fetch func(string) string) string {
	if v, ok := c.get(id); ok {
		return v
	}
	v := fetch(id)
	if v != "" {
		c.put(id, v)
	}
	return v
}

// Resolver resolves names through the discordgo session, preferring local
// state over REST calls, with a per-kind TTL cache in front.
type Resolver struct {
	s        *discordgo.Session
	users    *ttlCache
	guilds   *ttlCache
	channels *ttlCache
}

var _ NameResolver = (*Resolver)(nil)

func NewResolver(s *discordgo.Session) *Resolver {
	return &Resolver{
		s:        s,
		users:    newTTLCache(),
		guilds:   newTTLCache(),
		channels: newTTLCache(),
	}
}

func (r *Resolver) UserName(userID string) string {
	if r.s == nil {
		return ""
	}
	return r.users.resolve(userID, func(id string) string {
		if u, err := r.s.User(id); err == nil && u != nil {
			return u.Username
		}
		return ""
	})
}

func (r *Resolver) GuildName(guildID string) string {
	if r.s == nil {
		return ""
	}
	return r.guilds.resolve(guildID, func(id string) string {
		if r.s.State != nil {
			if g, err := r.s.State.Guild(id); err == nil && g != nil {
				return g.Name
			}
		}
		if g, err := r.s.Guild(id); err == nil && g != nil {
			return g.Name
		}
		return ""
	})
}

func (r *Resolver) ChannelName(channelID string) string {
	if r.s == nil {
		return ""
	}
	return r.channels.resolve(channelID, func(id string) string {
		if r.s.State != nil {
			if ch, err := r.s.State.Channel(id); err == nil && ch != nil {
				return ch.Name
			}
		}
		if ch, err := r.s.Channel(id); err == nil && ch != nil {
			return ch.Name
		}
		return ""
	})
}

// NoopResolver returns empty names. Useful in tests and when REST lookups
// are undesirable.
type NoopResolver struct{}

var _ NameResolver = (*NoopResolver)(nil)

func (NoopResolver) UserName(string) string    { return "" }
func (NoopResolver) GuildName(string) string   { return "" }
func (NoopResolver) ChannelName(string) string { return "" }
