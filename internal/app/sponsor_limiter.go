package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/gas-sponsor-service/internal/domain"
)

// sponsorQuotaScript keeps a sliding log of accepted sponsorship requests per
// user. A request over quota is not logged, so retrying does not extend the
// wait. Replies {1, 0} when accepted, {0, ms until the oldest entry ages out}
// when not.
var sponsorQuotaScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
if redis.call("ZCARD", key) >= limit then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  return {0, tonumber(oldest[2]) + window - now}
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, 0}
`)

const sponsorQuotaWindow = time.Minute

// RedisSponsorLimiter caps sponsorship requests per user across every replica.
type RedisSponsorLimiter struct {
	client    redis.Scripter
	keyPrefix string
	perWindow int
	window    time.Duration
	now       func() time.Time
}

// NewRedisSponsorLimiter allows perMinute sponsorship requests per user. A nil
// client or a non-positive quota allows everything.
func NewRedisSponsorLimiter(client redis.Scripter, prefix string, perMinute int) *RedisSponsorLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "transfa:gas_sponsor"
	}
	return &RedisSponsorLimiter{
		client:    client,
		keyPrefix: prefix + ":sponsor_quota:",
		perWindow: perMinute,
		window:    sponsorQuotaWindow,
		now:       time.Now,
	}
}

// AllowSponsorship records one sponsorship request for userID, or returns a
// *domain.RateLimitedError when the user is over quota. Any other error means
// the quota could not be checked.
func (l *RedisSponsorLimiter) AllowSponsorship(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if l == nil || l.client == nil || l.perWindow <= 0 || userID == "" {
		return nil
	}

	now := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	reply, err := sponsorQuotaScript.Run(ctx, l.client, []string{l.keyPrefix + userID},
		now, l.window.Milliseconds(), l.perWindow, member).Int64Slice()
	if err != nil {
		return fmt.Errorf("sponsor quota check: %w", err)
	}
	return quotaDecision(reply)
}

func quotaDecision(reply []int64) error {
	if len(reply) != 2 {
		return fmt.Errorf("unexpected sponsor quota reply %v", reply)
	}
	if reply[0] == 1 {
		return nil
	}
	retryAfter := int((reply[1] + 999) / 1000)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &domain.RateLimitedError{RetryAfterSeconds: retryAfter}
}
