package bootstrap

import (
	"testing"

	"coldfront/internal/config"
	"coldfront/internal/models"
	"coldfront/internal/notifications"
	"coldfront/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func devConfig() *config.Config {
	cfg := config.ForTests()
	cfg.Env = "development"
	cfg.DevBootstrapRoot = true
	cfg.DevRootUsername = "root"
	cfg.DevRootEmail = "Root@Example.edu"
	cfg.DevRootPassword = "correct horse battery"
	return cfg
}

func TestEnsureDevRootUser(t *testing.T) {
	t.Run("creates superuser", func(t *testing.T) {
		db := testutil.NewDB(t)
		require.NoError(t, ensureDevRootUser(devConfig(), db))

		var root models.User
		require.NoError(t, db.Where("username = ?", "root").First(&root).Error)
		assert.True(t, root.IsSuperuser)
		assert.True(t, root.IsStaff)
		assert.Equal(t, "root@example.edu", root.Email)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(root.Password), []byte("correct horse battery")))
	})

	t.Run("promotes existing user without touching credentials", func(t *testing.T) {
		db := testutil.NewDB(t)
		existing := testutil.CreateUser(t, db, "root")
		require.NoError(t, ensureDevRootUser(devConfig(), db))

		var root models.User
		require.NoError(t, db.First(&root, existing.ID).Error)
		assert.True(t, root.IsSuperuser)
		assert.Equal(t, "x", root.Password)
		assert.Equal(t, "root@example.edu", root.Email)
	})

	t.Run("skipped outside development", func(t *testing.T) {
		db := testutil.NewDB(t)
		cfg := devConfig()
		cfg.Env = "production"
		require.NoError(t, ensureDevRootUser(cfg, db))

		var n int64
		db.Model(&models.User{}).Count(&n)
		assert.Zero(t, n)
	})

	t.Run("password required", func(t *testing.T) {
		db := testutil.NewDB(t)
		cfg := devConfig()
		cfg.DevRootPassword = ""
		assert.Error(t, ensureDevRootUser(cfg, db))
	})
}

func TestPublishers(t *testing.T) {
	cfg := config.ForTests()

	pub, closers, err := Publishers(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, notifications.Discard{}, pub)
	assert.Empty(t, closers)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	pub, _, err = Publishers(cfg, rdb)
	require.NoError(t, err)
	fanout, ok := pub.(notifications.Fanout)
	require.True(t, ok)
	assert.Len(t, fanout, 1)

	cfg.KafkaBrokers = "localhost:9092"
	pub, closers, err = Publishers(cfg, rdb)
	require.NoError(t, err)
	assert.Len(t, pub.(notifications.Fanout), 2)
	require.Len(t, closers, 1)
	assert.NoError(t, closers[0].Close())
}
