package service

import (
	"context"
	"testing"
	"time"

	"coldfront/internal/cache"
	"coldfront/internal/config"
	"coldfront/internal/middleware"
	"coldfront/internal/models"
	"coldfront/internal/repository"
	"coldfront/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthService(t *testing.T) (*AuthService, *models.User) {
	t.Helper()
	db := testutil.NewDB(t)
	user := testutil.CreateUser(t, db, "alice")
	hashed, err := HashPassword("correct horse")
	require.NoError(t, err)
	user.Password = hashed
	require.NoError(t, db.Save(user).Error)

	svc := NewAuthService(repository.NewUserRepository(db), config.ForTests())
	svc.now = func() time.Time { return julyNoon }
	return svc, user
}

func TestAuthService_Login(t *testing.T) {
	svc, user := newAuthService(t)
	ctx := context.Background()

	tok, err := svc.Login(ctx, " alice ", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, tok.User.ID)
	assert.Equal(t, julyNoon.Add(24*time.Hour), tok.ExpiresAt)

	claims := &middleware.Claims{}
	_, err = jwt.ParseWithClaims(tok.Token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(svc.cfg.JWTSecret), nil
	}, jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, middleware.TokenIssuer, claims.Issuer)
	assert.NotEmpty(t, claims.ID)
	id, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)
}

func TestAuthService_LoginRejected(t *testing.T) {
	svc, user := newAuthService(t)
	ctx := context.Background()

	_, err := svc.Login(ctx, "", "x")
	assertAppError(t, err, models.CodeValidation)

	_, err = svc.Login(ctx, "alice", "wrong")
	assertAppError(t, err, models.CodeUnauthorized)

	_, err = svc.Login(ctx, "mallory", "correct horse")
	assertAppError(t, err, models.CodeUnauthorized)

	user.IsActive = false
	require.NoError(t, svc.users.Update(ctx, user))
	_, err = svc.Login(ctx, "alice", "correct horse")
	assertAppError(t, err, models.CodeUnauthorized)
}

func TestAuthService_Logout(t *testing.T) {
	mr := miniredis.RunT(t)
	cache.SetClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { cache.SetClient(nil) })

	svc, _ := newAuthService(t)
	ctx := context.Background()

	require.NoError(t, svc.Logout(ctx, ""))
	require.NoError(t, svc.Logout(ctx, "token-1"))
	assert.True(t, cache.IsTokenRevoked(ctx, "token-1"))
	assert.False(t, cache.IsTokenRevoked(ctx, "token-2"))

	mr.FastForward(25 * time.Hour)
	assert.False(t, cache.IsTokenRevoked(ctx, "token-1"))
}
