package main

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const maxTrackedClients = 10_000

// ipLimiter allows each client address limit requests per window, refilled
// continuously.
type ipLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	every    rate.Limit
	burst    int
	window   time.Duration
}

func newIPLimiter(limit int, window time.Duration) *ipLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &ipLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, window),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		window:   window,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters.Get(ip)
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters.Add(ip, lim)
	}
	l.mu.Unlock()

	return lim.Allow()
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests, please try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP expects middleware.RealIP to have run first.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
