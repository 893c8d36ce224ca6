package gateway

import (
	"strconv"
	"time"

	"github.com/ruteri/multicloud-gateway/interfaces"
)

const (
	DefaultMinTTL = time.Minute
	DefaultMaxTTL = 7 * 24 * time.Hour
)

// SigningPolicy bounds the lifetime of signed URLs.
type SigningPolicy struct {
	MinTTL time.Duration
	MaxTTL time.Duration
}

func DefaultSigningPolicy() SigningPolicy {
	return SigningPolicy{MinTTL: DefaultMinTTL, MaxTTL: DefaultMaxTTL}
}

// ForBackend applies the backend options signed_url_min_ttl and
// signed_url_max_ttl, given in seconds, over p. Overrides that would leave
// min above max are ignored.
func (p SigningPolicy) ForBackend(cfg interfaces.BackendConfig) SigningPolicy {
	out := p
	if v, ok := seconds(cfg.Option("signed_url_min_ttl")); ok {
		out.MinTTL = v
	}
	if v, ok := seconds(cfg.Option("signed_url_max_ttl")); ok {
		out.MaxTTL = v
	}
	if out.MinTTL > out.MaxTTL {
		return p
	}
	return out
}

// Clamp validates ttl and bounds it to [MinTTL, MaxTTL].
func (p SigningPolicy) Clamp(ttl time.Duration) (time.Duration, error) {
	if ttl <= 0 {
		return 0, interfaces.Validationf("ttl must be positive, got %s", ttl)
	}
	if p.MinTTL > 0 && ttl < p.MinTTL {
		return p.MinTTL, nil
	}
	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		return p.MaxTTL, nil
	}
	return ttl, nil
}

func seconds(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
