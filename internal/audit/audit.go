// Package audit writes the append-only trail described in §3/§4.10's
// AuditEntry: every mutating operation logs both to audit_log and to the
// structured logger.
package audit

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// FieldChange is the {old, new} pair recorded per changed field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Entry is a single audit_log row awaiting persistence.
type Entry struct {
	ActorUserID   string
	ActorRole     string
	Action        string
	ObjectType    string
	ObjectID      string
	ChangedFields map[string]FieldChange
	RequestID     string
	SourceIP      string
}

// Writer persists audit entries against the shared pool.
type Writer struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool}
}

// Write persists e and logs it structurally. Failures are logged as
// warnings and swallowed: a failed audit write never fails the parent
// transaction (§7 "side-effect failures log a warning and do not fail the
// parent transaction").
func (w *Writer) Write(ctx context.Context, e Entry) {
	changed := e.ChangedFields
	if changed == nil {
		changed = map[string]FieldChange{}
	}

	_, err := w.pool.Exec(ctx, `
		INSERT INTO audit_log (actor_user_id, actor_role, action, object_type, object_id, changed_fields, request_id, source_ip)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ActorUserID, e.ActorRole, e.Action, e.ObjectType, e.ObjectID, changed, e.RequestID, e.SourceIP)

	logEvent := log.Info()
	if err != nil {
		logEvent = log.Warn().Err(err)
	}
	logEvent.
		Str("actor_user_id", e.ActorUserID).
		Str("action", e.Action).
		Str("object_type", e.ObjectType).
		Str("object_id", e.ObjectID).
		Str("request_id", e.RequestID).
		Msg("audit entry")
}
