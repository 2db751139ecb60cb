package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matterdock/matterdock-backend/internal/ports"
	"github.com/matterdock/matterdock-backend/internal/testutil"
)

type memKV struct {
	data map[string]string
	err  error
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string)}
}

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", ports.ErrKeyNotFound{Key: key}
	}
	return v, nil
}

func (m *memKV) Set(ctx context.Context, key, value string) error {
	if m.err != nil {
		return m.err
	}
	m.data[key] = value
	return nil
}

func (m *memKV) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return m.Set(ctx, key, value)
}

func (m *memKV) Delete(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *memKV) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return nil, 0, nil
}

type countingEmbedder struct {
	inner testutil.FakeEmbedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, texts)
}

func TestEmbedMemo_RoundTrip(t *testing.T) {
	memo := NewEmbedMemo(newMemKV(), zaptest.NewLogger(t))

	assert.Nil(t, memo.Get(context.Background(), "who signed the deed?"))

	memo.Put(context.Background(), "who signed the deed?", []float32{0.1, 0.2})
	got := memo.Get(context.Background(), "who signed the deed?")
	assert.Equal(t, []float32{0.1, 0.2}, got)

	// Normalization folds case and whitespace into one key.
	assert.Equal(t, got, memo.Get(context.Background(), "  WHO signed   the deed?"))
}

func TestEmbedMemo_CorruptEntryDropped(t *testing.T) {
	kv := newMemKV()
	memo := NewEmbedMemo(kv, zaptest.NewLogger(t))

	memo.Put(context.Background(), "q", []float32{1})
	for k := range kv.data {
		kv.data[k] = "{not json"
	}

	assert.Nil(t, memo.Get(context.Background(), "q"))
	assert.Empty(t, kv.data, "corrupt entry deleted")
}

func TestEngine_EmbedMemoSkipsSecondEmbed(t *testing.T) {
	ret := &stubRetriever{}
	embedder := &countingEmbedder{}
	engine := NewEngine(embedder, ret, ret, zaptest.NewLogger(t)).
		WithEmbedMemo(NewEmbedMemo(newMemKV(), zaptest.NewLogger(t)))

	scope := newTestScope(t)
	_, err := engine.Search(context.Background(), scope, Params{Query: "possession of the suit property"})
	require.NoError(t, err)
	_, err = engine.Search(context.Background(), scope, Params{Query: "possession of the suit property"})
	require.NoError(t, err)

	assert.Equal(t, 1, embedder.calls)
}

func TestEngine_EmbedMemoOutageFallsThrough(t *testing.T) {
	ret := &stubRetriever{}
	embedder := &countingEmbedder{}
	kv := newMemKV()
	kv.err = context.DeadlineExceeded
	engine := NewEngine(embedder, ret, ret, zaptest.NewLogger(t)).
		WithEmbedMemo(NewEmbedMemo(kv, zaptest.NewLogger(t)))

	_, err := engine.Search(context.Background(), newTestScope(t), Params{Query: "possession of the suit property"})
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
}
