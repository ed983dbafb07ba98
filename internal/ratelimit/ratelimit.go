// Package ratelimit holds the process-wide registry of per-endpoint-family
// token buckets.
//
// Concurrent product queries share these buckets; this is load-bearing for
// NVD, where exceeding 5 requests per 30 seconds without an API key gets the
// whole process 429-rate-limited.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Known endpoint families.
const (
	FamilyNVD       = "nvd"
	FamilyKEV       = "cisa-kev"
	FamilyEPSS      = "epss"
	FamilyVulnCheck = "vulncheck"
)

// NVD rate limits, requests per 30-second window.
const (
	nvdWindow     = 30 * time.Second
	nvdPublicMax  = 5
	nvdWithKeyMax = 50
)

var registry = struct {
	sync.Mutex
	m map[string]*limiter
}{m: make(map[string]*limiter)}

type limiter struct {
	*rate.Limiter
	max int
}

// Get returns the process-wide limiter for the named endpoint family,
// creating it with the given window allowance on first use. Subsequent calls
// for the same family return the same limiter regardless of arguments.
func Get(family string, max int, window time.Duration) *rate.Limiter {
	registry.Lock()
	defer registry.Unlock()
	l, ok := registry.m[family]
	if !ok {
		l = &limiter{
			Limiter: rate.NewLimiter(rate.Limit(float64(max)/window.Seconds()), max),
			max:     max,
		}
		registry.m[family] = l
	}
	return l.Limiter
}

// Reconfigure raises the allowance for an endpoint family. Downgrades are
// ignored: the upgrade is monotonic so that one caller configuring an API
// key cannot be undone by another caller without one.
func Reconfigure(family string, max int, window time.Duration) {
	registry.Lock()
	defer registry.Unlock()
	l, ok := registry.m[family]
	if !ok {
		registry.m[family] = &limiter{
			Limiter: rate.NewLimiter(rate.Limit(float64(max)/window.Seconds()), max),
			max:     max,
		}
		return
	}
	if max <= l.max {
		return
	}
	l.max = max
	l.SetLimit(rate.Limit(float64(max) / window.Seconds()))
	l.SetBurst(max)
}

// NVD returns the shared NVD limiter, upgrading its allowance when an API
// key is configured.
func NVD(haveKey bool) *rate.Limiter {
	l := Get(FamilyNVD, nvdPublicMax, nvdWindow)
	if haveKey {
		Reconfigure(FamilyNVD, nvdWithKeyMax, nvdWindow)
	}
	return l
}
