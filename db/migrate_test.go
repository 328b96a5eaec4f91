package db

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationsAreOrderedAndEmbedded(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(migrations), 2)
	for i := 1; i < len(migrations); i++ {
		require.Less(t, migrations[i-1].Name, migrations[i].Name)
	}
	require.True(t, strings.Contains(migrations[0].SQL, "CREATE TABLE IF NOT EXISTS payments"))
}

func TestNewPoolRejectsEmptyURL(t *testing.T) {
	_, err := NewPool(context.Background(), Config{})
	require.EqualError(t, err, "db: empty connection string")
}

func TestNewPoolRejectsMalformedURL(t *testing.T) {
	_, err := NewPool(context.Background(), Config{URL: "postgres://%zz"})
	require.Error(t, err)
}
