package wsserver

import (
	"sync"

	"golang.org/x/time/rate"
)

// perAddressLimiter bounds pre-handshake connection attempts per source
// address (spec.md §5 "Rate-limiting is applied per source address
// pre-handshake; offenders are rejected with an audit entry"), independent
// of the heartbeat interval/timeout knobs per SPEC_FULL.md's supplement.
type perAddressLimiter struct {
	r     rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newPerAddressLimiter(r rate.Limit, burst int) *perAddressLimiter {
	return &perAddressLimiter{r: r, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether addr may attempt another handshake right now.
func (p *perAddressLimiter) Allow(addr string) bool {
	p.mu.Lock()
	l, ok := p.limiters[addr]
	if !ok {
		l = rate.NewLimiter(p.r, p.burst)
		p.limiters[addr] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
