package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "recipecheck version "+Version+"\n", out.String())
}

func TestReadOrders(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, time.June, 30, 8, 0, 0, 0, time.UTC)

	single := filepath.Join(dir, "one.json")
	require.NoError(t, os.WriteFile(single, []byte(`{"std_triangle_code_1":"ABC","last_update_date":"2024-03-01"}`), 0o644))
	orders, err := readOrders(single, now)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ABC", orders[0].StdTriangleCode1)
	assert.Equal(t, "2024-06-30", orders[0].StandardSavedDate.String())

	many := filepath.Join(dir, "many.json")
	require.NoError(t, os.WriteFile(many, []byte(`[{"std_triangle_code_1":"A","standard_saved_date":"2024-01-02"},{"std_triangle_code_1":"B"}]`), 0o644))
	orders, err = readOrders(many, now)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "2024-01-02", orders[0].StandardSavedDate.String())
	assert.Equal(t, "2024-06-30", orders[1].StandardSavedDate.String())

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o644))
	_, err = readOrders(empty, now)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"last_update_date":"March"}`), 0o644))
	_, err = readOrders(bad, now)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	assert.True(t, newLogger("debug").Enabled(t.Context(), -4))
	assert.False(t, newLogger("warn").Enabled(t.Context(), 0))
	assert.True(t, newLogger("bogus").Enabled(t.Context(), 0))
}
