package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platelens/platelens/pkg/models"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	client, _ := newTestClient(t)
	queue := NewQueue(client)
	ctx := context.Background()

	job := &models.Job{
		TaskID:    "task-1",
		Task:      models.TaskTranslation,
		SessionID: "session-1",
		Items: []models.ItemDescriptor{
			{ID: "item-1", Name: "寿司", Category: "和食", Price: "¥500"},
		},
	}
	require.NoError(t, queue.Enqueue(ctx, job))

	depth, err := queue.Depth(ctx, models.TaskTranslation)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err := queue.Dequeue(ctx, models.TaskTranslation, time.Second)
	require.NoError(t, err)
	assert.Equal(t, job.TaskID, got.TaskID)
	assert.Equal(t, job.Task, got.Task)
	assert.Equal(t, job.SessionID, got.SessionID)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "寿司", got.Items[0].Name)
}

func TestQueueFIFO(t *testing.T) {
	client, _ := newTestClient(t)
	queue := NewQueue(client)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, queue.Enqueue(ctx, &models.Job{
			TaskID: id, Task: models.TaskDescription, SessionID: "s",
		}))
	}

	for _, want := range []string{"first", "second", "third"} {
		got, err := queue.Dequeue(ctx, models.TaskDescription, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got.TaskID)
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	client, _ := newTestClient(t)
	queue := NewQueue(client)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, &models.Job{
		TaskID: "t1", Task: models.TaskAllergen, SessionID: "s",
	}))

	depth, err := queue.Depth(ctx, models.TaskIngredient)
	require.NoError(t, err)
	assert.Zero(t, depth)

	depth, err = queue.Depth(ctx, models.TaskAllergen)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestQueueDequeueTimeout(t *testing.T) {
	client, _ := newTestClient(t)
	queue := NewQueue(client)

	_, err := queue.Dequeue(context.Background(), models.TaskSearchImage, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestQueueRejectsUnknownTask(t *testing.T) {
	client, _ := newTestClient(t)
	queue := NewQueue(client)

	err := queue.Enqueue(context.Background(), &models.Job{TaskID: "t", Task: "mystery"})
	assert.Error(t, err)
}
