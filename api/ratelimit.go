package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/koracle-dev/koracle/kdb"
)

const (
	// rlPruneInterval is how often idle limiter entries are swept.
	rlPruneInterval = 5 * time.Minute

	// rlIdleThreshold is the idle time after which an entry is
	// dropped.
	rlIdleThreshold = 10 * time.Minute
)

// A slidingWindow counts events over a rolling interval using the
// current and previous fixed window, weighting the previous one by
// its remaining overlap.
type slidingWindow struct {
	start int64 // unix start of the current fixed window
	cur   int
	prev  int
}

func (sw *slidingWindow) slide(now, size int64) {
	windowStart := now - now%size
	switch {
	case sw.start == windowStart:
	case sw.start == windowStart-size:
		sw.prev = sw.cur
		sw.cur = 0
		sw.start = windowStart
	default:
		sw.prev = 0
		sw.cur = 0
		sw.start = windowStart
	}
}

// count returns the weighted rolling count.
func (sw *slidingWindow) count(now, size int64) int {
	elapsed := now - sw.start
	weighted := float64(sw.prev) * float64(size-elapsed) / float64(size)
	return sw.cur + int(weighted)
}

type limiterEntry struct {
	minute   slidingWindow
	day      slidingWindow
	lastSeen time.Time
}

// rlResult is the outcome of one rate-limit check, carried into the
// response headers.
type rlResult struct {
	allowed    bool
	reason     string
	limit      int
	remaining  int
	reset      int64
	retryAfter int64
	tier       kdb.Tier
}

// ratelimiter enforces the tier ceilings over two rolling windows per
// caller identity.
type ratelimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newRatelimiter(stopChan chan struct{}) *ratelimiter {
	rl := &ratelimiter{
		entries: make(map[string]*limiterEntry),
	}
	go func() {
		for {
			select {
			case <-stopChan:
				return
			case <-time.After(rlPruneInterval):
			}
			rl.mu.Lock()
			for id, entry := range rl.entries {
				if time.Since(entry.lastSeen) > rlIdleThreshold {
					delete(rl.entries, id)
				}
			}
			rl.mu.Unlock()
		}
	}()
	return rl
}

// check counts the request against both windows of the identity and
// reports whether it may proceed. A key provisioned with custom limits
// overrides its tier ceilings.
func (rl *ratelimiter) check(identity string, tier kdb.Tier, key *kdb.APIKey) rlResult {
	perMinute, perDay := tier.Limits()
	if key != nil {
		if key.PerMinute > 0 {
			perMinute = key.PerMinute
		}
		if key.PerDay > 0 {
			perDay = key.PerDay
		}
	}
	now := time.Now().Unix()
	minuteReset := now - now%60 + 60

	if perMinute < 0 {
		return rlResult{allowed: true, limit: -1, remaining: -1, reset: minuteReset, tier: tier}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[identity]
	if !ok {
		entry = &limiterEntry{}
		rl.entries[identity] = entry
	}
	entry.lastSeen = time.Now()
	entry.minute.slide(now, 60)
	entry.day.slide(now, 86400)

	res := rlResult{
		allowed: true,
		limit:   perMinute,
		reset:   minuteReset,
		tier:    tier,
	}
	if entry.day.count(now, 86400) >= perDay {
		res.allowed = false
		res.reason = errDailyLimit
		res.remaining = 0
		res.reset = entry.day.start + 86400
		res.retryAfter = res.reset - now
		return res
	}
	minuteCount := entry.minute.count(now, 60)
	if minuteCount >= perMinute {
		res.allowed = false
		res.reason = errMinuteLimit
		res.remaining = 0
		res.retryAfter = minuteReset - now
		return res
	}

	entry.minute.cur++
	entry.day.cur++
	res.remaining = perMinute - minuteCount - 1
	return res
}

// getRemoteHost returns the address of the remote host, honoring the
// forwarding header for local proxies.
func getRemoteHost(r *http.Request) (host string) {
	host, _, _ = net.SplitHostPort(r.RemoteAddr)
	if host == "127.0.0.1" || host == "localhost" || host == "::1" {
		xff := r.Header.Values("X-Forwarded-For")
		if len(xff) > 0 {
			host = xff[0]
		}
	}
	return
}
