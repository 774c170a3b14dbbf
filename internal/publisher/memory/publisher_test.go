package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "runs", map[string]int{"run_id": 1})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "runs", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"run_id":1}`, string(msgs[0].Data))
	assert.Equal(t, `"payload"`, string(msgs[1].Data))

	msgs[0].Topic = "modified"
	assert.Equal(t, "runs", pub.Messages()[0].Topic)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "runs", func() {})
	require.Error(t, err)
	assert.Empty(t, pub.Messages())
}
