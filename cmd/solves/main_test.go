package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/solveshq/solves/v1/auth/password"
	"github.com/solveshq/solves/v1/config"
	"github.com/solveshq/solves/v1/database"
	"github.com/solveshq/solves/v1/users"
)

func init() { password.Cost = bcrypt.MinCost }

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCryptoRoundTrip(t *testing.T) {
	t.Setenv("SOLVES_CRYPTO_SECRET", "cli-secret")

	token, err := execute(t, "", "crypto", "encrypt", "sk-live-123")
	require.NoError(t, err)
	token = strings.TrimSpace(token)
	assert.NotContains(t, token, "sk-live-123")

	plain, err := execute(t, token+"\n", "crypto", "decrypt")
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", strings.TrimSpace(plain))
}

func TestCryptoNeedsSecret(t *testing.T) {
	t.Setenv("SOLVES_CRYPTO_SECRET", "")
	_, err := execute(t, "", "crypto", "encrypt", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crypto.secret")
}

func TestCreateAdmin(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "solves.db")
	t.Setenv("SOLVES_DATABASE_DSN", dsn)

	_, err := execute(t, "", "user", "create-admin", "--email", "root@example.com")
	require.Error(t, err)

	out, err := execute(t, "", "user", "create-admin", "--email", "root@example.com", "--password", "passw0rd")
	require.NoError(t, err)
	assert.Contains(t, out, "created admin root@example.com")

	out, err = execute(t, "", "user", "create-admin", "--email", "root@example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "promoted admin")

	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	u, err := users.NewService(db).GetByEmail(context.Background(), "root@example.com")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())
}

func TestMigrate(t *testing.T) {
	t.Setenv("SOLVES_DATABASE_DSN", filepath.Join(t.TempDir(), "solves.db"))
	_, err := execute(t, "", "migrate")
	require.NoError(t, err)
}

func TestMCPRejectsUnknownTransport(t *testing.T) {
	t.Setenv("SOLVES_DATABASE_DSN", ":memory:")
	_, err := execute(t, "", "mcp", "--transport", "carrier-pigeon")
	require.Error(t, err)
}
