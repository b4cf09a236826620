package objectstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "data/raw/a.html", strings.NewReader("<html></html>"), PutOptions{ContentType: "text/html"}))

	b, err := GetBytes(ctx, s, "data/raw/a.html")
	require.NoError(t, err)
	require.Equal(t, "<html></html>", string(b))

	_, err = GetBytes(ctx, s, "data/raw/missing.html")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, "data/raw/a.html")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStoreListPrefixOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"data/chunked/chunked_v1/b.chunks.jsonl", "data/chunked/chunked_v1/a.chunks.jsonl", "data/raw/x"} {
		require.NoError(t, s.PutAtomic(ctx, k, []byte("{}"), PutOptions{}))
	}

	res, err := s.List(ctx, ListOptions{Prefix: "data/chunked/"})
	require.NoError(t, err)
	require.Len(t, res.Objects, 2)
	require.Equal(t, "data/chunked/chunked_v1/a.chunks.jsonl", res.Objects[0].Key)
	require.Equal(t, "data/chunked/chunked_v1/b.chunks.jsonl", res.Objects[1].Key)
}

func TestLocalStoreAtomicPut(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	require.NoError(t, s.PutAtomic(ctx, "data/chunked/chunked_v1/doc.chunks.jsonl", []byte("{\"a\":1}\n"), PutOptions{ContentType: "application/json"}))

	b, err := GetBytes(ctx, s, "data/chunked/chunked_v1/doc.chunks.jsonl")
	require.NoError(t, err)
	require.Equal(t, "{\"a\":1}\n", string(b))

	// no temp residue next to the final object
	res, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Objects, 1)

	// overwrite converges to the new content
	require.NoError(t, s.PutAtomic(ctx, "data/chunked/chunked_v1/doc.chunks.jsonl", []byte("{\"a\":2}\n"), PutOptions{}))
	b, err = GetBytes(ctx, s, "data/chunked/chunked_v1/doc.chunks.jsonl")
	require.NoError(t, err)
	require.Equal(t, "{\"a\":2}\n", string(b))
}
