package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelia/codelia/pkg/models"
	"github.com/codelia/codelia/test/util"
)

func newPostgresStoreForTest(t *testing.T) *PostgresStore {
	t.Helper()
	return NewPostgresStore(util.SetupTestDatabase(t).DB())
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStoreForTest(t)

	saved := sampleState("s1")
	require.NoError(t, store.Save(ctx, saved))

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, saved.SessionID, loaded.SessionID)
	assert.Equal(t, saved.RunID, loaded.RunID)
	assert.Equal(t, saved.InvokeSeq, loaded.InvokeSeq)
	assert.Equal(t, saved.Messages, loaded.Messages)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestPostgresStoreLoadAbsent(t *testing.T) {
	store := newPostgresStoreForTest(t)
	loaded, err := store.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestPostgresStoreUpsertAndList(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStoreForTest(t)

	require.NoError(t, store.Save(ctx, sampleState("s1")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Save(ctx, sampleState("s2")))
	time.Sleep(5 * time.Millisecond)

	// Re-saving s1 bumps it to the top and replaces its snapshot.
	updated := sampleState("s1")
	updated.Messages = append(updated.Messages, models.Message{
		Role: models.RoleUser, Content: models.TextContent("one more"),
	})
	require.NoError(t, store.Save(ctx, updated))

	summaries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "s1", summaries[0].SessionID)
	assert.Equal(t, 4, summaries[0].MessageCount)
	assert.Equal(t, "one more", summaries[0].LastUserMessage)
	assert.Equal(t, "s2", summaries[1].SessionID)
	assert.Equal(t, 3, summaries[1].MessageCount)

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Len(t, loaded.Messages, 4)
}

func TestPostgresStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStoreForTest(t)

	require.NoError(t, store.Save(ctx, sampleState("s1")))

	ok, err := store.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	ok, err = store.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStoreRejectsForeignSchemaVersion(t *testing.T) {
	ctx := context.Background()
	db := util.SetupTestDatabase(t).DB()
	store := NewPostgresStore(db)

	require.NoError(t, store.Save(ctx, sampleState("s1")))

	_, err := db.ExecContext(ctx, `
		UPDATE session_states
		SET state = jsonb_set(state, '{schema_version}', '2')
		WHERE session_id = 's1'`)
	require.NoError(t, err)

	_, err = store.Load(ctx, "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema_version")
}

func TestPostgresStoreValidatesState(t *testing.T) {
	store := newPostgresStoreForTest(t)
	require.Error(t, store.Save(context.Background(), nil))
	require.Error(t, store.Save(context.Background(), &models.SessionState{}))
}
