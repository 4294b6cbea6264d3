// Package convstate implements the conversation state store (C3): durable,
// checksummed, transactionally-saved conversation context with a
// backup/restore pipeline and a priority-ordered recovery strategy for
// corrupted state.
//
// The store's shape — a namespaced key scheme, JSON envelope, and
// component-scoped logger attached the same way every other store in this
// codebase attaches one — is grounded on the Redis-backed task store; the
// checksum/compression/backup machinery it adds on top has no direct
// teacher analogue (the teacher's task store has no corruption-recovery
// concept at all) and is built fresh from spec.md §4.3/§6's literal
// persistence-metadata schema.
package convstate

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentcore-dev/engine/internal/engineerr"
	"github.com/agentcore-dev/engine/internal/logging"
)

// CompressionAlgorithm is a pluggable compression tag.
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = "none"
	CompressionGzip CompressionAlgorithm = "gzip"
)

// Event is one typed entry in a conversation's history.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// PersistenceMetadata records the outcome of the last Save.
type PersistenceMetadata struct {
	SizeBytes           int                  `json:"size_bytes"`
	CompressedSizeBytes int                  `json:"compressed_size_bytes"`
	CompressionRatio    float64              `json:"compression_ratio"`
	CompressionAlgo     CompressionAlgorithm `json:"compression_algorithm"`
	SchemaVersion       int                  `json:"schema_version"`
	Checksum            string               `json:"checksum"`
	BackupIDs           []string             `json:"backup_ids,omitempty"`
	CorruptionFlag      bool                 `json:"corruption_flag"`
	RecoveryAttempts    int                  `json:"recovery_attempts"`
}

// AccessMetrics tracks how often and how recently a context is touched.
type AccessMetrics struct {
	TotalAccesses    int64     `json:"total_accesses"`
	AccessFrequency  float64   `json:"access_frequency_score"`
	RelevanceScore   float64   `json:"relevance_score"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
}

// Context is the conversation context (spec.md §3).
type Context struct {
	ConversationID string                 `json:"conversation_id"`
	UserID         string                 `json:"user_id"`
	State          string                 `json:"state"`
	ActiveTaskID   *string                `json:"active_task_id,omitempty"`
	History        []Event                `json:"history"`
	ContextData    map[string]interface{} `json:"context_data,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	LastModified   time.Time `json:"last_modified"`
	LastAccessed   time.Time `json:"last_accessed"`

	PendingTasks         map[string]string `json:"pending_tasks,omitempty"`
	UserPreferences      map[string]interface{} `json:"user_preferences,omitempty"`
	SkillGenerationHistory []string        `json:"skill_generation_history,omitempty"`

	ErrorRecoveryAttempts int `json:"error_recovery_attempts"`

	Persistence PersistenceMetadata `json:"persistence_metadata"`
	Access      AccessMetrics       `json:"access_metrics"`

	CompressedState []byte   `json:"compressed_state,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	RelatedConversations []string `json:"related_conversations,omitempty"`

	CachePriority    int  `json:"memory_cache_priority"`
	AutoCleanup      bool `json:"auto_cleanup_eligible"`
}

const schemaVersion = 1

// compressionThresholdBytes is the canonical-serialisation size above which
// Save opportunistically compresses.
const compressionThresholdBytes = 4096

// BackupRecord describes one stored backup.
type BackupRecord struct {
	ConversationID   string    `json:"conversation_id"`
	BackupID         string    `json:"backup_id"`
	Timestamp        time.Time `json:"timestamp"`
	SchemaVersion    int       `json:"schema_version"`
	Context          Context   `json:"context"`
	SizeBytes        int       `json:"size_bytes"`
	Checksum         string    `json:"checksum"`
	CompressionRatio float64   `json:"compression_ratio"`
}

// BackupStore persists BackupRecords, keyed by conversation id.
type BackupStore interface {
	Put(ctx context.Context, b BackupRecord) error
	List(ctx context.Context, conversationID string) ([]BackupRecord, error)
	Get(ctx context.Context, conversationID, backupID string) (BackupRecord, bool, error)
}

// Stats summarizes store-wide health.
type Stats struct {
	TotalConversations int
	TotalBackups       int
	RecoveryAttempts   int64
}

// MaxRecoveryAttempts bounds the recovery pipeline before a context is
// declared permanently unrecoverable.
const MaxRecoveryAttempts = 3

// Store is the conversation state store (C3), backed by Redis for primary
// storage and a pluggable BackupStore for the recovery pipeline.
type Store struct {
	client    *redis.Client
	namespace string
	backups   BackupStore
	logger    logging.Logger

	recoveryMu       sync.Mutex
	recoveryAttempts map[string]int64 // per-conversation, per spec.md §4.3/§6
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger attaches a component-scoped logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		if l == nil {
			return
		}
		if cal, ok := l.(logging.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("engine/convstate")
		} else {
			s.logger = l
		}
	}
}

// WithBackupStore attaches the backup store used by the recovery pipeline.
func WithBackupStore(b BackupStore) Option {
	return func(s *Store) { s.backups = b }
}

// New constructs a Store over an existing Redis client.
func New(client *redis.Client, namespace string, opts ...Option) *Store {
	if namespace == "" {
		namespace = "engine"
	}
	s := &Store{
		client:           client,
		namespace:        namespace,
		logger:           logging.NoOpLogger{},
		recoveryAttempts: make(map[string]int64),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) key(conversationID string) string {
	return fmt.Sprintf("%s:conversation_states:%s", s.namespace, conversationID)
}

// canonicalize produces a deterministic byte encoding of ctx: sorted map
// keys (which encoding/json already guarantees for map[string]interface{}),
// ctx.Tags sorted in place so tag order never changes the checksum, and
// every other slice left in caller-assigned order.
func canonicalize(ctx *Context) ([]byte, error) {
	sort.Strings(ctx.Tags)
	return json.Marshal(ctx)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Save canonically serialises ctx, opportunistically compresses it,
// computes its checksum, and writes it in a single Redis SET — playing the
// role of the single-transaction write the contract requires, since the
// index (the conversation_states key itself) and the data are the same
// write here.
func (s *Store) Save(ctx context.Context, c *Context) error {
	now := time.Now()
	c.LastModified = now
	c.Access.TotalAccesses++
	c.Access.LastAccessedAt = now

	raw, err := canonicalize(c)
	if err != nil {
		return engineerr.New("convstate.Save", engineerr.KindStructural, err).WithID(c.ConversationID)
	}

	algo := CompressionNone
	payload := raw
	ratio := 1.0
	if len(raw) > compressionThresholdBytes {
		compressed, cerr := gzipCompress(raw)
		if cerr == nil && len(compressed) < len(raw) {
			algo = CompressionGzip
			payload = compressed
			ratio = float64(len(compressed)) / float64(len(raw))
		}
	}

	c.Persistence = PersistenceMetadata{
		SizeBytes:           len(raw),
		CompressedSizeBytes: len(payload),
		CompressionRatio:    ratio,
		CompressionAlgo:     algo,
		SchemaVersion:       schemaVersion,
		Checksum:            checksum(raw),
		CorruptionFlag:      false,
		RecoveryAttempts:    c.Persistence.RecoveryAttempts,
	}

	envelope := struct {
		Algo     CompressionAlgorithm `json:"algo"`
		Checksum string                `json:"checksum"`
		Payload  []byte                `json:"payload"`
	}{Algo: algo, Checksum: c.Persistence.Checksum, Payload: payload}

	data, err := json.Marshal(envelope)
	if err != nil {
		return engineerr.New("convstate.Save", engineerr.KindStructural, err).WithID(c.ConversationID)
	}

	if err := s.client.Set(ctx, s.key(c.ConversationID), data, 0).Err(); err != nil {
		return engineerr.New("convstate.Save", engineerr.KindTransient, engineerr.ErrPersistenceBusy).WithID(c.ConversationID)
	}
	return nil
}

func gzipCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load reads and integrity-checks a conversation's state. On a checksum
// mismatch or other anti-corruption predicate, the recovery pipeline
// (§4.3.1) is engaged automatically.
func (s *Store) Load(ctx context.Context, conversationID string) (*Context, error) {
	data, err := s.client.Get(ctx, s.key(conversationID)).Result()
	if err == redis.Nil {
		return nil, engineerr.New("convstate.Load", engineerr.KindInput, engineerr.ErrUnknownConversation).WithID(conversationID)
	}
	if err != nil {
		return nil, engineerr.New("convstate.Load", engineerr.KindTransient, engineerr.ErrPersistenceBusy).WithID(conversationID)
	}

	var envelope struct {
		Algo     CompressionAlgorithm `json:"algo"`
		Checksum string                `json:"checksum"`
		Payload  []byte                `json:"payload"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return s.recover(ctx, conversationID)
	}

	raw := envelope.Payload
	if envelope.Algo == CompressionGzip {
		decompressed, derr := gzipDecompress(raw)
		if derr != nil {
			return s.recover(ctx, conversationID)
		}
		raw = decompressed
	}

	if checksum(raw) != envelope.Checksum {
		s.logger.Warn("checksum mismatch on load", map[string]interface{}{"conversation_id": conversationID})
		return s.recover(ctx, conversationID)
	}

	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return s.recover(ctx, conversationID)
	}

	if corrupt := isCorrupt(&c); corrupt {
		return s.recover(ctx, conversationID)
	}

	c.Access.TotalAccesses++
	c.LastAccessed = time.Now()
	return &c, nil
}

// isCorrupt evaluates the anti-corruption predicates that don't depend on
// the checksum (those are checked separately, before deserialisation).
func isCorrupt(c *Context) bool {
	if c.ConversationID == "" {
		return true
	}
	if c.LastActivity.Before(c.CreatedAt) {
		return true
	}
	if c.CreatedAt.After(time.Now().Add(time.Minute)) {
		return true // created_at in the future, with a small clock-skew allowance
	}
	for _, e := range c.History {
		if e.Type == "" || e.Timestamp.IsZero() {
			return true
		}
	}
	return false
}

// recover runs the two-strategy recovery pipeline: backup restore, then
// fallback-minimal. Exhausting MaxRecoveryAttempts for this conversation
// marks it permanently unrecoverable; other conversations' budgets are
// unaffected.
func (s *Store) recover(ctx context.Context, conversationID string) (*Context, error) {
	s.recoveryMu.Lock()
	s.recoveryAttempts[conversationID]++
	s.recoveryMu.Unlock()

	if s.backups != nil {
		records, err := s.backups.List(ctx, conversationID)
		if err == nil && len(records) > 0 {
			latest := latestBackup(records)
			raw, merr := json.Marshal(&latest.Context)
			if merr == nil && checksum(raw) == latest.Checksum {
				restored := latest.Context
				restored.Persistence.RecoveryAttempts++
				s.logger.Info("recovered conversation from backup", map[string]interface{}{
					"conversation_id": conversationID, "backup_id": latest.BackupID,
				})
				_ = s.Save(ctx, &restored)
				return &restored, nil
			}
		}
	}

	fallback, ferr := s.fallbackMinimal(ctx, conversationID)
	if ferr != nil {
		return nil, ferr
	}
	return fallback, nil
}

func latestBackup(records []BackupRecord) BackupRecord {
	latest := records[0]
	for _, r := range records[1:] {
		if r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	return latest
}

func (s *Store) fallbackMinimal(ctx context.Context, conversationID string) (*Context, error) {
	s.recoveryMu.Lock()
	attempts := s.recoveryAttempts[conversationID]
	s.recoveryMu.Unlock()
	if attempts > MaxRecoveryAttempts {
		return nil, engineerr.New("convstate.Load", engineerr.KindStructural, engineerr.ErrUnrecoverable).WithID(conversationID)
	}

	now := time.Now()
	minimal := &Context{
		ConversationID: conversationID,
		State:          "idle",
		History: []Event{
			{Type: "recovery", Timestamp: now, Data: map[string]interface{}{"reason": "corruption_detected"}},
		},
		CreatedAt:    now,
		LastActivity: now,
		LastModified: now,
		Persistence: PersistenceMetadata{
			CorruptionFlag:   true,
			RecoveryAttempts: 1,
			SchemaVersion:    schemaVersion,
		},
	}
	if err := s.Save(ctx, minimal); err != nil {
		return nil, err
	}
	return minimal, nil
}

// Backup writes a point-in-time snapshot of c and returns its backup id.
func (s *Store) Backup(ctx context.Context, c *Context) (string, error) {
	if s.backups == nil {
		return "", engineerr.New("convstate.Backup", engineerr.KindInput, fmt.Errorf("no backup store configured"))
	}
	now := time.Now()
	backupID := fmt.Sprintf("%s_%s", c.ConversationID, now.Format("20060102_150405"))

	raw, err := json.Marshal(c)
	if err != nil {
		return "", engineerr.New("convstate.Backup", engineerr.KindStructural, err).WithID(c.ConversationID)
	}

	record := BackupRecord{
		ConversationID: c.ConversationID,
		BackupID:       backupID,
		Timestamp:      now,
		SchemaVersion:  schemaVersion,
		Context:        *c,
		SizeBytes:      len(raw),
		Checksum:       checksum(raw),
		CompressionRatio: c.Persistence.CompressionRatio,
	}
	if err := s.backups.Put(ctx, record); err != nil {
		return "", engineerr.New("convstate.Backup", engineerr.KindTransient, err).WithID(c.ConversationID)
	}
	return backupID, nil
}

// Restore loads a specific backup by id and saves it as the conversation's
// current state.
func (s *Store) Restore(ctx context.Context, conversationID, backupID string) error {
	if s.backups == nil {
		return engineerr.New("convstate.Restore", engineerr.KindInput, fmt.Errorf("no backup store configured"))
	}
	record, ok, err := s.backups.Get(ctx, conversationID, backupID)
	if err != nil {
		return engineerr.New("convstate.Restore", engineerr.KindTransient, err).WithID(backupID)
	}
	if !ok {
		return engineerr.New("convstate.Restore", engineerr.KindInput, fmt.Errorf("backup not found")).WithID(backupID)
	}
	restored := record.Context
	return s.Save(ctx, &restored)
}

// ListBackups returns every backup known for conversationID.
func (s *Store) ListBackups(ctx context.Context, conversationID string) ([]BackupRecord, error) {
	if s.backups == nil {
		return nil, nil
	}
	return s.backups.List(ctx, conversationID)
}

// Stats returns store-wide counters. TotalConversations and TotalBackups
// require a backing index scan and are left zero when unavailable; callers
// that need exact counts should maintain their own index alongside Save.
// RecoveryAttempts is the sum of every conversation's individual recovery
// count, not a shared budget.
func (s *Store) Stats() Stats {
	s.recoveryMu.Lock()
	defer s.recoveryMu.Unlock()
	var total int64
	for _, n := range s.recoveryAttempts {
		total += n
	}
	return Stats{RecoveryAttempts: total}
}
