package convstate

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcore-dev/engine/internal/engineerr"
)

// memBackupStore is an in-memory BackupStore for tests.
type memBackupStore struct {
	mu      sync.Mutex
	records map[string][]BackupRecord
}

func newMemBackupStore() *memBackupStore {
	return &memBackupStore{records: make(map[string][]BackupRecord)}
}

func (m *memBackupStore) Put(_ context.Context, b BackupRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[b.ConversationID] = append(m.records[b.ConversationID], b)
	return nil
}

func (m *memBackupStore) List(_ context.Context, conversationID string) ([]BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BackupRecord{}, m.records[conversationID]...), nil
}

func (m *memBackupStore) Get(_ context.Context, conversationID, backupID string) (BackupRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records[conversationID] {
		if r.BackupID == backupID {
			return r, true, nil
		}
	}
	return BackupRecord{}, false, nil
}

func newTestStore(t *testing.T) (*Store, *memBackupStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backups := newMemBackupStore()
	return New(client, "test", WithBackupStore(backups)), backups
}

func TestSaveLoad_RoundTripsAndUpdatesAccessMetrics(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	c := &Context{
		ConversationID: "conv-1",
		UserID:         "user-1",
		State:          "active",
		CreatedAt:      time.Now().Add(-time.Hour),
		LastActivity:   time.Now(),
		History:        []Event{{Type: "message", Timestamp: time.Now()}},
	}
	require.NoError(t, store.Save(ctx, c))

	loaded, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", loaded.ConversationID)
	assert.Equal(t, "active", loaded.State)
	assert.NotEmpty(t, loaded.Persistence.Checksum)
	assert.False(t, loaded.Persistence.CorruptionFlag)
	assert.Equal(t, int64(2), loaded.Access.TotalAccesses)
}

func TestLoad_UnknownConversationReturnsError(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Load(context.Background(), "missing")
	assert.Error(t, err)
}

func TestLoad_ChecksumMismatchTriggersRecovery(t *testing.T) {
	store, backups := newTestStore(t)
	ctx := context.Background()

	c := &Context{ConversationID: "conv-2", State: "active", CreatedAt: time.Now(), LastActivity: time.Now()}
	require.NoError(t, store.Save(ctx, c))

	// seed a clean backup so recovery has something to restore from.
	backupID, err := store.Backup(ctx, c)
	require.NoError(t, err)
	assert.NotEmpty(t, backupID)

	// corrupt the stored envelope directly via the backing client.
	corrupted := map[string]interface{}{"algo": "none", "checksum": "deadbeef", "payload": []byte(`{"conversation_id":"conv-2"}`)}
	data, _ := json.Marshal(corrupted)
	require.NoError(t, store.client.Set(ctx, store.key("conv-2"), data, 0).Err())

	recovered, err := store.Load(ctx, "conv-2")
	require.NoError(t, err)
	assert.Equal(t, "conv-2", recovered.ConversationID)
	assert.NotEmpty(t, backups.records["conv-2"])
}

func TestBackupRestore_RoundTrips(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	c := &Context{ConversationID: "conv-3", State: "active", CreatedAt: time.Now(), LastActivity: time.Now()}
	require.NoError(t, store.Save(ctx, c))

	backupID, err := store.Backup(ctx, c)
	require.NoError(t, err)

	c.State = "closed"
	require.NoError(t, store.Save(ctx, c))

	require.NoError(t, store.Restore(ctx, "conv-3", backupID))
	loaded, err := store.Load(ctx, "conv-3")
	require.NoError(t, err)
	assert.Equal(t, "active", loaded.State)
}

func TestIsCorrupt_FlagsLastActivityBeforeCreatedAt(t *testing.T) {
	c := &Context{
		ConversationID: "conv-4",
		CreatedAt:      time.Now(),
		LastActivity:   time.Now().Add(-time.Hour),
	}
	assert.True(t, isCorrupt(c))
}

func TestRecovery_BudgetIsPerConversationNotStoreWide(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	corrupt := func(id string) {
		envelope := map[string]interface{}{"algo": "none", "checksum": "deadbeef", "payload": []byte(`{}`)}
		data, err := json.Marshal(envelope)
		require.NoError(t, err)
		require.NoError(t, store.client.Set(ctx, store.key(id), data, 0).Err())
	}

	// conv-a suffers MaxRecoveryAttempts corruption events in a row; each
	// must still recover since it hasn't yet exceeded its own budget.
	for i := 0; i < MaxRecoveryAttempts; i++ {
		corrupt("conv-a")
		_, err := store.Load(ctx, "conv-a")
		require.NoError(t, err, "attempt %d should still be within conv-a's recovery budget", i+1)
	}

	// One more corruption event exceeds conv-a's budget.
	corrupt("conv-a")
	_, err := store.Load(ctx, "conv-a")
	assert.ErrorIs(t, err, engineerr.ErrUnrecoverable)

	// conv-b has never failed before; conv-a's exhausted budget must not
	// leak into it.
	corrupt("conv-b")
	recovered, err := store.Load(ctx, "conv-b")
	require.NoError(t, err)
	assert.Equal(t, "conv-b", recovered.ConversationID)
}

func TestListBackups_ReturnsAllRecordsForConversation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	c := &Context{ConversationID: "conv-5", State: "active", CreatedAt: time.Now(), LastActivity: time.Now()}
	require.NoError(t, store.Save(ctx, c))

	_, err := store.Backup(ctx, c)
	require.NoError(t, err)
	_, err = store.Backup(ctx, c)
	require.NoError(t, err)

	records, err := store.ListBackups(ctx, "conv-5")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
