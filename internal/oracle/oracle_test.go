package oracle_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safe-chain/safe-chain/internal/oracle"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestParseEntries(t *testing.T) {
	input := `# known-malicious packages
malicious-package@1.0.0
evil-lib@2.3.4

not-a-valid-line
`
	entries := oracle.ParseEntries(strings.NewReader(input))
	assert.Equal(t, []string{"malicious-package@1.0.0", "evil-lib@2.3.4"}, entries)
}

func TestMapOracle_LoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "malware.txt")
	require.NoError(t, os.WriteFile(path, []byte("malicious-package@1.0.0\nEvil-Lib@2.3.4\n"), 0o644))

	o, err := oracle.LoadMapOracle(path)
	require.NoError(t, err)

	assert.True(t, o.IsMalware("malicious-package", "1.0.0"))
	assert.True(t, o.IsMalware("evil-lib", "2.3.4")) // case-insensitive name
	assert.False(t, o.IsMalware("malicious-package", "2.0.0"))
	assert.False(t, o.IsMalware("lodash", "4.17.21"))
	assert.Equal(t, 2, o.Size())
}

func TestSQLiteOracle_UpdateAndLookup(t *testing.T) {
	o, err := oracle.OpenSQLiteOracle(":memory:", discardLogger)
	require.NoError(t, err)
	defer func() { _ = o.Close() }()

	fetch := func(url string) ([]string, error) {
		return []string{"malicious-package@1.0.0", "evil-lib@2.3.4"}, nil
	}

	require.NoError(t, o.Update([]string{"https://example.com/malware.txt"}, fetch))

	assert.True(t, o.IsMalware("malicious-package", "1.0.0"))
	assert.False(t, o.IsMalware("malicious-package", "9.9.9"))
	assert.Equal(t, 2, o.Size())
	assert.Equal(t, 1, o.SourceCount())
}

func TestSQLiteOracle_UpdateReplacesPreviousEntries(t *testing.T) {
	o, err := oracle.OpenSQLiteOracle(":memory:", discardLogger)
	require.NoError(t, err)
	defer func() { _ = o.Close() }()

	require.NoError(t, o.Update([]string{"u1"}, func(string) ([]string, error) {
		return []string{"old-package@1.0.0"}, nil
	}))
	assert.True(t, o.IsMalware("old-package", "1.0.0"))

	require.NoError(t, o.Update([]string{"u2"}, func(string) ([]string, error) {
		return []string{"new-package@1.0.0"}, nil
	}))
	assert.False(t, o.IsMalware("old-package", "1.0.0"))
	assert.True(t, o.IsMalware("new-package", "1.0.0"))
}
