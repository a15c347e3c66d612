package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Twisside/PAD-breaker/store"
	"github.com/Twisside/PAD-breaker/store/storetest"
)

func TestLogContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Log {
		log, err := Open(context.Background(), Config{FilePath: filepath.Join(t.TempDir(), "log.db")})
		require.NoError(t, err)
		t.Cleanup(func() { _ = log.Close() })
		return log
	})
}

func TestInMemoryDatabase(t *testing.T) {
	log, err := Open(context.Background(), Config{FilePath: ":memory:"})
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.AppendToTopic(context.Background(), "orders", []byte(`{}`)))
	topics, err := log.ListTopics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, topics)
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	ctx := context.Background()

	first, err := Open(ctx, Config{FilePath: path})
	require.NoError(t, err)
	require.NoError(t, first.AppendDeadLetter(ctx, []byte(`{"x":1}`), "no healthy instances for orders"))
	require.NoError(t, first.Close())

	second, err := Open(ctx, Config{FilePath: path})
	require.NoError(t, err)
	defer second.Close()

	dls, err := second.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "no healthy instances for orders", dls[0].FailureReason)
}

func TestConfig_withDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultFilePath, cfg.FilePath)
	assert.Equal(t, 5*time.Second, cfg.BusyTimeout)

	custom := Config{FilePath: "x.db", BusyTimeout: time.Second}.withDefaults()
	assert.Equal(t, "x.db", custom.FilePath)
	assert.Equal(t, time.Second, custom.BusyTimeout)
}

func TestRegistered(t *testing.T) {
	assert.True(t, store.DefaultRegistry.Has(BackendName))
}
