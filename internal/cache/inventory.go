package cache

import (
	"context"
	"fmt"
	"time"
)

const (
	UserKeyPrefix             = "user:%d"
	ProjectKeyPrefix          = "project:%d"
	ResourceKeyPrefix         = "resource:%s"
	AllocationPeriodKeyPrefix = "allocation_period:%d"
	RevokedTokenKeyPrefix     = "revoked_token:%s"
)

const (
	UserTTL             = 5 * time.Minute
	ProjectTTL          = 5 * time.Minute
	ResourceTTL         = 30 * time.Minute
	AllocationPeriodTTL = 30 * time.Minute
)

func UserKey(userID uint) string {
	return fmt.Sprintf(UserKeyPrefix, userID)
}

func ProjectKey(projectID uint) string {
	return fmt.Sprintf(ProjectKeyPrefix, projectID)
}

func ResourceKey(name string) string {
	return fmt.Sprintf(ResourceKeyPrefix, name)
}

func AllocationPeriodKey(periodID uint) string {
	return fmt.Sprintf(AllocationPeriodKeyPrefix, periodID)
}

func RevokedTokenKey(jti string) string {
	return fmt.Sprintf(RevokedTokenKeyPrefix, jti)
}

func Invalidate(ctx context.Context, key string) {
	if client != nil {
		client.Del(ctx, key)
	}
}

func InvalidateUser(ctx context.Context, userID uint) {
	Invalidate(ctx, UserKey(userID))
}

func InvalidateProject(ctx context.Context, projectID uint) {
	Invalidate(ctx, ProjectKey(projectID))
}

// RevokeToken marks a token id as revoked until the token would have
// expired anyway.
func RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if client == nil {
		return nil
	}
	return client.Set(ctx, RevokedTokenKey(jti), 1, ttl).Err()
}

// IsTokenRevoked reports whether jti was revoked. Without Redis nothing is
// revoked.
func IsTokenRevoked(ctx context.Context, jti string) bool {
	if client == nil || jti == "" {
		return false
	}
	n, err := client.Exists(ctx, RevokedTokenKey(jti)).Result()
	return err == nil && n > 0
}
