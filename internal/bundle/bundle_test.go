package bundle

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// TestPurpose: Validates fetching a bundle over HTTP and unpacking it with executable permissions.
// Scope: Integration Test (httptest source)
// Expected: Files extracted under dest with mode 0755.
// Test Case ID: BDL-01
func TestBundle_FetchAndUnpack(t *testing.T) {
	payload := zipBytes(t, map[string]string{
		"main.py":     "print('hi')\n",
		"pkg/util.py": "X = 1\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "u1")
	f := NewFetcher(5*time.Second, 0)

	root, err := f.FetchAndUnpack(context.Background(), srv.URL+"/bot.zip", dest)
	require.NoError(t, err)
	assert.Equal(t, dest, root)

	data, err := os.ReadFile(filepath.Join(dest, "pkg", "util.py"))
	require.NoError(t, err)
	assert.Equal(t, "X = 1\n", string(data))

	info, err := os.Stat(filepath.Join(dest, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

// TestPurpose: Validates that entries escaping the destination are rejected.
// Scope: Unit Test
// Expected: ErrUnsafePath.
// Test Case ID: BDL-02
func TestBundle_Unpack_ZipSlip(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "evil.zip")
	require.NoError(t, os.WriteFile(zipPath, zipBytes(t, map[string]string{"../escape.txt": "x"}), 0o644))

	err := Unpack(zipPath, filepath.Join(t.TempDir(), "dest"))
	assert.ErrorIs(t, err, ErrUnsafePath)
}

// TestPurpose: Validates download failures and the size limit.
// Scope: Unit Test
// Expected: Non-200 is an error; oversized body yields ErrTooLarge.
// Test Case ID: BDL-03
func TestBundle_Fetch_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer srv.Close()

	f := NewFetcher(5*time.Second, 16)
	_, err := f.FetchAndUnpack(context.Background(), srv.URL+"/missing", t.TempDir())
	assert.Error(t, err)

	_, err = f.FetchAndUnpack(context.Background(), srv.URL+"/big", t.TempDir())
	assert.ErrorIs(t, err, ErrTooLarge)
}

// TestPurpose: Validates that a non-zip payload is reported as an unpack error.
// Scope: Unit Test
// Expected: Error, destination untouched.
// Test Case ID: BDL-04
func TestBundle_Unpack_NotZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0o644))

	assert.Error(t, Unpack(path, filepath.Join(t.TempDir(), "dest")))
}
