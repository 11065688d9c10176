package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "auth:revoked:"

// Revocations tracks bearer tokens invalidated before their natural expiry
// (logout, credential rotation). Backed by Redis so every service instance
// sees a revocation immediately; entries carry a TTL matching the token's
// remaining lifetime, after which signature expiry takes over.
type Revocations struct {
	client *redis.Client
}

func NewRevocations(client *redis.Client) *Revocations {
	return &Revocations{client: client}
}

// Revoke marks a token as invalid for ttl. A non-positive ttl is rejected:
// an entry without expiry would pin the token in Redis forever.
func (r *Revocations) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("revoke token: ttl must be positive, got %v", ttl)
	}
	return r.client.Set(ctx, revokedKeyPrefix+token, "1", ttl).Err()
}

// IsRevoked reports whether the token has been revoked. A nil receiver means
// revocation is not configured and every token passes.
func (r *Revocations) IsRevoked(ctx context.Context, token string) (bool, error) {
	if r == nil || r.client == nil {
		return false, nil
	}
	n, err := r.client.Exists(ctx, revokedKeyPrefix+token).Result()
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	return n > 0, nil
}
