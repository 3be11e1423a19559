package filehash_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dropscan/dropscan/filehash"
)

const helloSum = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestSum(t *testing.T) {
	t.Run("known vector", func(t *testing.T) {
		sum, err := filehash.Sum(strings.NewReader("hello"))
		require.NoError(t, err)
		assert.Equal(t, helloSum, sum)
	})

	t.Run("empty stream", func(t *testing.T) {
		sum, err := filehash.Sum(strings.NewReader(""))
		require.NoError(t, err)
		assert.Len(t, sum, 64)
	})
}

func TestSumBytes(t *testing.T) {
	assert.Equal(t, helloSum, filehash.SumBytes([]byte("hello")))

	sum, err := filehash.Sum(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, sum, filehash.SumBytes([]byte("hello")))
}

func TestSumFile(t *testing.T) {
	t.Run("matches stream hash", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data.bin")
		require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

		sum, err := filehash.SumFile(path)
		require.NoError(t, err)
		assert.Equal(t, helloSum, sum)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := filehash.SumFile(filepath.Join(t.TempDir(), "nope.bin"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}
