package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Twisside/PAD-breaker/store"
	"github.com/Twisside/PAD-breaker/store/storetest"
)

func TestLogContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Log {
		log, err := Open(filepath.Join(t.TempDir(), "storage.jsonl"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = log.Close() })
		return log
	})
}

func TestReopenResumesIDsAndKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "storage.jsonl")
	ctx := context.Background()

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.AppendToTopic(ctx, "orders", []byte(`{"n":1}`)))
	require.NoError(t, first.AppendDeadLetter(ctx, []byte(`{"n":2}`), "max retries reached for orders"))
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.AppendToTopic(ctx, "orders", []byte(`{"n":3}`)))

	msgs, err := second.ListTopicMessages(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, int64(3), msgs[1].ID)

	dls, err := second.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "max retries reached for orders", dls[0].FailureReason)
}

func TestAppendsOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.jsonl")
	ctx := context.Background()
	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.AppendToTopic(ctx, "orders", []byte(`{"n":1}`)))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, log.AppendDeadLetter(ctx, []byte("not json"), "reason"))
	after, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(after), string(before)), "earlier records are never rewritten")
	assert.Equal(t, 2, strings.Count(string(after), "\n"))

	dls, err := log.ListDeadLetters(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"not json"`, string(dls[0].Payload))
}

func TestCorruptLinesAreSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1,"kind":"topic","topic":"a","payload":{},"timestamp":"2024-01-01T00:00:00Z"}
{"id":2,"kind":"topic","topic":"b","payl`), 0o600))

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()

	topics, err := log.ListTopics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, topics)
}

func TestBuildUsesConfiguredPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configured.jsonl")
	log, err := store.DefaultRegistry.Build(context.Background(), fileConfig{path: path})
	require.NoError(t, err)
	defer log.Close()

	assert.Equal(t, path, log.(*Log).Path())
}

type fileConfig struct{ path string }

func (c fileConfig) GetStoreBackend() string { return BackendName }
func (c fileConfig) GetStoreFile() string    { return c.path }
func (c fileConfig) GetSQLiteFile() string   { return "" }
func (c fileConfig) GetPostgresURL() string  { return "" }

func TestAppendAfterTornLineStartsFreshLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1,"kind":"topic","topic":"a","payl`), 0o600))

	log, err := Open(path)
	require.NoError(t, err)
	defer log.Close()
	require.NoError(t, log.AppendToTopic(context.Background(), "b", []byte(`{}`)))

	topics, err := log.ListTopics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, topics)
}
