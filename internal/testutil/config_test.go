package testutil

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTestDBConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		for _, k := range []string{"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME", "TEST_DB_SSL_MODE"} {
			t.Setenv(k, "")
		}
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, "55432", cfg.Port)
		assert.Equal(t, "voicemsg", cfg.User)
		assert.Equal(t, "voicemsg_test", cfg.DBName)
		assert.Equal(t, "disable", cfg.SSLMode)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("TEST_DB_HOST", "postgres")
		t.Setenv("TEST_DB_PORT", "5432")
		cfg := DefaultTestDBConfig()
		assert.Equal(t, "postgres", cfg.Host)
		assert.Equal(t, "5432", cfg.Port)
	})
}

func TestTestDBConfig_DSN(t *testing.T) {
	cfg := TestDBConfig{Host: "localhost", Port: "55432", User: "u", Password: "p w", DBName: "voicemsg_test", SSLMode: "disable"}

	u, err := url.Parse(cfg.DSN("t_abcd1234"))
	require.NoError(t, err)
	assert.Equal(t, "t_abcd1234,public", u.Query().Get("search_path"))
	pw, _ := u.User.Password()
	assert.Equal(t, "p w", pw)

	u, err = url.Parse(cfg.DSN(""))
	require.NoError(t, err)
	assert.False(t, u.Query().Has("search_path"))
}

func TestSchemaName(t *testing.T) {
	a, b := schemaName(), schemaName()
	assert.Regexp(t, `^t_[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_REQUIRE_INFRA", "true")
	assert.True(t, requireDB())
	assert.True(t, requireRedis())

	t.Setenv("TEST_REQUIRE_INFRA", "nope")
	t.Setenv("TEST_REQUIRE_DB", "")
	assert.False(t, requireDB())
}
