package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Set RECIPECHECK_TEST_POSTGRES_DSN to run against a disposable database.
func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("RECIPECHECK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RECIPECHECK_TEST_POSTGRES_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), PostgresConfig{DSN: dsn, AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	runOrderStoreContract(t, s, fmt.Sprintf("pg-%d", time.Now().UnixNano()))
}

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), PostgresConfig{})
	require.Error(t, err)
}
