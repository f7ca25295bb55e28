package merrygo

import (
	"golang.org/x/time/rate"
	"sync"
)

// guildLimiter throttles slash commands per guild
type guildLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newGuildLimiter(perSecond float64, burst int) *guildLimiter {
	return &guildLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: map[string]*rate.Limiter{},
	}
}

// Allow reports whether the guild may run a command now, consuming a
// token if so
func (g *guildLimiter) Allow(guildID string) bool {
	g.mu.Lock()
	limiter, ok := g.limiters[guildID]
	if !ok {
		limiter = rate.NewLimiter(g.limit, g.burst)
		g.limiters[guildID] = limiter
	}
	g.mu.Unlock()
	return limiter.Allow()
}
