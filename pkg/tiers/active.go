// Package tiers implements the four memory tiers of the cascade: active
// context (L1), working memory (L2), episodic memory (L3), and semantic
// memory (L4). Each tier owns its retention semantics and wraps storage
// adapters behind tier-level operations.
package tiers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/memory"
	"github.com/maksim-tsi/yet-another-agents-memory-sub000/pkg/storage"
)

// ActiveContextConfig tunes the L1 window and retention.
type ActiveContextConfig struct {
	WindowSize       int
	TTL              time.Duration
	PostgresBackup   bool
	RefreshTTLOnRead bool
}

// ActiveContextTier holds the most recent turns per session in a KV list,
// with an optional relational backup serving recovery reads.
type ActiveContextTier struct {
	kv  storage.KVListStore
	rel storage.RelationalStore
	cfg ActiveContextConfig
}

// NewActiveContextTier creates the L1 tier. rel may be nil when the
// relational backup is disabled.
func NewActiveContextTier(kv storage.KVListStore, rel storage.RelationalStore, cfg ActiveContextConfig) *ActiveContextTier {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &ActiveContextTier{kv: kv, rel: rel, cfg: cfg}
}

// SessionKey returns the KV key holding a session's turn list. The braces
// hash-tag colocates all keys of one session on the same cluster shard, so
// the push/trim/expire pipeline stays atomic under clustering.
func SessionKey(sessionID string) string {
	return "{session:" + sessionID + "}:turns"
}

// StoreTurn writes a turn to the hot KV path and, when enabled, to the
// durable relational backup. The KV push, trim, and TTL refresh commit or
// fail together.
func (t *ActiveContextTier) StoreTurn(ctx context.Context, turn *memory.Turn) error {
	if err := turn.Validate(); err != nil {
		return storage.DataErr("active_context", "store_turn", err)
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to serialize turn: %w", err)
	}
	key := SessionKey(turn.SessionID)
	if err := t.kv.PushTrimExpire(ctx, key, data, int64(t.cfg.WindowSize), t.cfg.TTL); err != nil {
		return fmt.Errorf("failed to store turn in active context: %w", err)
	}

	if t.cfg.PostgresBackup && t.rel != nil {
		row := map[string]any{
			"session_id":     turn.SessionID,
			"turn_id":        turn.TurnID,
			"role":           string(turn.Role),
			"content":        turn.Content,
			"timestamp":      turn.Timestamp,
			"tier":           memory.TierL1,
			"metadata":       marshalMetadata(turn.Metadata),
			"ttl_expires_at": turn.Timestamp.Add(t.cfg.TTL),
		}
		if err := t.rel.Insert(ctx, storage.TableActiveContext, row); err != nil {
			return fmt.Errorf("failed to back up turn: %w", err)
		}
	}
	return nil
}

// RetrieveSession returns up to window_size turns, newest first. The KV
// list serves the hot path; on a miss the relational backup serves the read
// and the KV list is rebuilt best-effort.
func (t *ActiveContextTier) RetrieveSession(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	key := SessionKey(sessionID)
	raw, err := t.kv.ListRange(ctx, key, 0, int64(t.cfg.WindowSize-1))
	if err != nil {
		slog.Warn("Active context KV read failed, trying backup",
			"session_id", sessionID, "error", err)
	}
	if len(raw) > 0 {
		turns := decodeTurns(raw, sessionID)
		if t.cfg.RefreshTTLOnRead {
			if rerr := t.kv.Expire(ctx, key, t.cfg.TTL); rerr != nil {
				slog.Warn("Failed to refresh session TTL on read",
					"session_id", sessionID, "error", rerr)
			}
		}
		return turns, nil
	}

	if t.rel == nil || !t.cfg.PostgresBackup {
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve session turns: %w", err)
		}
		return nil, nil
	}
	return t.retrieveFromBackup(ctx, sessionID)
}

func (t *ActiveContextTier) retrieveFromBackup(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	rows, err := t.rel.Query(ctx, storage.TableActiveContext,
		map[string]any{"session_id": sessionID, "tier": memory.TierL1},
		"timestamp DESC", t.cfg.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve turns from backup: %w", err)
	}

	turns := make([]memory.Turn, 0, len(rows))
	for _, row := range rows {
		turns = append(turns, memory.Turn{
			TurnID:    rowInt(row, "turn_id"),
			SessionID: rowString(row, "session_id"),
			Role:      memory.Role(rowString(row, "role")),
			Content:   rowString(row, "content"),
			Timestamp: rowTime(row, "timestamp"),
			Metadata:  unmarshalMetadata(row["metadata"]),
		})
	}
	if len(turns) > 0 {
		t.rebuildCache(ctx, sessionID, turns)
	}
	return turns, nil
}

// rebuildCache repopulates the KV list from backup rows (newest first).
// Items are pushed oldest first so the newest turn ends at the head.
// Failure is logged, never returned: the read already has its data.
func (t *ActiveContextTier) rebuildCache(ctx context.Context, sessionID string, turns []memory.Turn) {
	key := SessionKey(sessionID)
	values := make([][]byte, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		data, err := json.Marshal(&turns[i])
		if err != nil {
			continue
		}
		values = append(values, data)
	}
	if len(values) == 0 {
		return
	}
	if err := t.kv.ListPush(ctx, key, values...); err != nil {
		slog.Warn("Failed to rebuild active context cache",
			"session_id", sessionID, "error", err)
		return
	}
	if err := t.kv.Expire(ctx, key, t.cfg.TTL); err != nil {
		slog.Warn("Failed to set TTL on rebuilt active context cache",
			"session_id", sessionID, "error", err)
	}
}

// CountTurns reports how many turns the session window currently holds.
func (t *ActiveContextTier) CountTurns(ctx context.Context, sessionID string) (int, error) {
	turns, err := t.RetrieveSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return len(turns), nil
}

// CleanupExpired removes backup rows whose TTL has lapsed. The KV side
// needs no sweep; key TTLs expire on their own.
func (t *ActiveContextTier) CleanupExpired(ctx context.Context) (int64, error) {
	if t.rel == nil {
		return 0, nil
	}
	deleted, err := t.rel.Execute(ctx,
		`DELETE FROM active_context WHERE ttl_expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up expired turn backups: %w", err)
	}
	if deleted > 0 {
		slog.Info("Swept expired active context backups", "deleted", deleted)
	}
	return deleted, nil
}

// DeleteSession removes the session's KV list and its backup rows.
func (t *ActiveContextTier) DeleteSession(ctx context.Context, sessionID string) error {
	var firstErr error
	if _, err := t.kv.DeleteKey(ctx, SessionKey(sessionID)); err != nil {
		firstErr = fmt.Errorf("failed to delete active context key: %w", err)
	}
	if t.rel != nil {
		if _, err := t.rel.DeleteByFilters(ctx, storage.TableActiveContext,
			map[string]any{"session_id": sessionID}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete active context backup rows: %w", err)
		}
	}
	return firstErr
}

func decodeTurns(raw [][]byte, sessionID string) []memory.Turn {
	turns := make([]memory.Turn, 0, len(raw))
	for _, item := range raw {
		var turn memory.Turn
		if err := json.Unmarshal(item, &turn); err != nil {
			slog.Warn("Skipping undecodable turn in active context",
				"session_id", sessionID, "error", err)
			continue
		}
		turns = append(turns, turn)
	}
	return turns
}
