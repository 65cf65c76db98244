package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/gas-sponsor-service/internal/domain"
)

// scriptReplier answers EVALSHA with a canned reply and records the call.
type scriptReplier struct {
	redis.Scripter
	reply []interface{}
	err   error
	keys  []string
	args  []interface{}
}

func (s *scriptReplier) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	s.keys = keys
	s.args = args
	cmd := redis.NewCmd(ctx)
	if s.err != nil {
		cmd.SetErr(s.err)
		return cmd
	}
	cmd.SetVal(s.reply)
	return cmd
}

func TestRedisSponsorLimiterAllowsWithinQuota(t *testing.T) {
	client := &scriptReplier{reply: []interface{}{int64(1), int64(0)}}
	limiter := NewRedisSponsorLimiter(client, "transfa:gas_sponsor:", 30)
	limiter.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	if err := limiter.AllowSponsorship(context.Background(), " user-1 "); err != nil {
		t.Fatalf("expected request to be allowed, got %v", err)
	}
	if len(client.keys) != 1 || client.keys[0] != "transfa:gas_sponsor:sponsor_quota:user-1" {
		t.Fatalf("unexpected quota key %v", client.keys)
	}
	if client.args[0] != int64(1_700_000_000_000) || client.args[1] != int64(60_000) || client.args[2] != 30 {
		t.Fatalf("unexpected script args %v", client.args)
	}
}

func TestRedisSponsorLimiterOverQuota(t *testing.T) {
	client := &scriptReplier{reply: []interface{}{int64(0), int64(12_400)}}
	limiter := NewRedisSponsorLimiter(client, "", 2)

	err := limiter.AllowSponsorship(context.Background(), "user-1")
	var limited *domain.RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected *RateLimitedError, got %v", err)
	}
	if limited.RetryAfterSeconds != 13 {
		t.Fatalf("expected retry after 13s, got %d", limited.RetryAfterSeconds)
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatal("expected error to match ErrRateLimited")
	}
}

func TestRedisSponsorLimiterRedisErrorIsNotRateLimit(t *testing.T) {
	client := &scriptReplier{err: errors.New("redis: connection refused")}
	err := NewRedisSponsorLimiter(client, "", 2).AllowSponsorship(context.Background(), "user-1")
	if err == nil || errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}

func TestRedisSponsorLimiterDisabled(t *testing.T) {
	if err := NewRedisSponsorLimiter(nil, "", 5).AllowSponsorship(context.Background(), "user-1"); err != nil {
		t.Fatalf("expected nil client to allow, got %v", err)
	}
	client := &scriptReplier{reply: []interface{}{int64(0), int64(1)}}
	if err := NewRedisSponsorLimiter(client, "", 0).AllowSponsorship(context.Background(), "user-1"); err != nil {
		t.Fatalf("expected zero quota to allow, got %v", err)
	}
	if client.keys != nil {
		t.Fatal("expected redis not to be called")
	}
}

func TestQuotaDecision(t *testing.T) {
	tests := []struct {
		name      string
		reply     []int64
		wantRetry int
		wantErr   bool
	}{
		{name: "accepted", reply: []int64{1, 0}},
		{name: "rounds up", reply: []int64{0, 1}, wantRetry: 1},
		{name: "never zero", reply: []int64{0, 0}, wantRetry: 1},
		{name: "whole seconds", reply: []int64{0, 60_000}, wantRetry: 60},
		{name: "bad shape", reply: []int64{1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := quotaDecision(tt.reply)
			var limited *domain.RateLimitedError
			switch {
			case tt.wantErr:
				if err == nil || errors.As(err, &limited) {
					t.Fatalf("expected shape error, got %v", err)
				}
			case tt.wantRetry == 0:
				if err != nil {
					t.Fatalf("expected accepted, got %v", err)
				}
			default:
				if !errors.As(err, &limited) || limited.RetryAfterSeconds != tt.wantRetry {
					t.Fatalf("expected retry after %d, got %v", tt.wantRetry, err)
				}
			}
		})
	}
}
