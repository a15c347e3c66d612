// Package storetest holds the behaviour every store.Log backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Twisside/PAD-breaker/store"
)

// Factory opens a fresh, empty log for one sub-test.
type Factory func(t *testing.T) store.Log

// Run exercises the store.Log contract against the backend built by open.
func Run(t *testing.T, open Factory) {
	t.Run("EmptyLog", func(t *testing.T) {
		log := open(t)
		ctx := context.Background()

		topics, err := log.ListTopics(ctx)
		require.NoError(t, err)
		assert.Empty(t, topics)

		dls, err := log.ListDeadLetters(ctx)
		require.NoError(t, err)
		assert.Empty(t, dls)

		msgs, err := log.ListTopicMessages(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("TopicsInFirstAppearanceOrder", func(t *testing.T) {
		log := open(t)
		ctx := context.Background()

		require.NoError(t, log.AppendToTopic(ctx, "orders", []byte(`{"n":1}`)))
		require.NoError(t, log.AppendToTopic(ctx, "billing", []byte(`{"n":2}`)))
		require.NoError(t, log.AppendToTopic(ctx, "orders", []byte(`{"n":3}`)))

		topics, err := log.ListTopics(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"orders", "billing"}, topics)

		msgs, err := log.ListTopicMessages(ctx, "orders")
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.JSONEq(t, `{"n":1}`, string(msgs[0].Payload))
		assert.JSONEq(t, `{"n":3}`, string(msgs[1].Payload))
		assert.Equal(t, "orders", msgs[0].Topic)
		assert.Less(t, msgs[0].ID, msgs[1].ID)
		assert.False(t, msgs[0].StoredAt.IsZero())
	})

	t.Run("DeadLettersKeepReasonAndOrder", func(t *testing.T) {
		log := open(t)
		ctx := context.Background()

		require.NoError(t, log.AppendDeadLetter(ctx, []byte(`{"a":1}`), "no healthy instances for orders"))
		require.NoError(t, log.AppendDeadLetter(ctx, []byte(`"plain"`), "max retries reached for billing"))

		dls, err := log.ListDeadLetters(ctx)
		require.NoError(t, err)
		require.Len(t, dls, 2)
		assert.JSONEq(t, `{"a":1}`, string(dls[0].Payload))
		assert.Equal(t, "no healthy instances for orders", dls[0].FailureReason)
		assert.Equal(t, "max retries reached for billing", dls[1].FailureReason)
		assert.False(t, dls[0].Timestamp.IsZero())
		assert.Less(t, dls[0].ID, dls[1].ID)

		topics, err := log.ListTopics(ctx)
		require.NoError(t, err)
		assert.Empty(t, topics, "dead letters are not topics")
	})

	t.Run("ConcurrentAppendsAreAllKept", func(t *testing.T) {
		log := open(t)
		ctx := context.Background()

		const writers = 8
		const perWriter = 10
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					payload := []byte(fmt.Sprintf(`{"w":%d,"i":%d}`, w, i))
					assert.NoError(t, log.AppendToTopic(ctx, "load", payload))
					assert.NoError(t, log.AppendDeadLetter(ctx, payload, "load"))
				}
			}(w)
		}
		wg.Wait()

		msgs, err := log.ListTopicMessages(ctx, "load")
		require.NoError(t, err)
		assert.Len(t, msgs, writers*perWriter)

		dls, err := log.ListDeadLetters(ctx)
		require.NoError(t, err)
		assert.Len(t, dls, writers*perWriter)
	})

	t.Run("AppendAfterClose", func(t *testing.T) {
		log := open(t)
		require.NoError(t, log.Close())

		err := log.AppendToTopic(context.Background(), "orders", []byte(`{}`))
		assert.Error(t, err)
	})
}
