// escalation.go implements the voice-alert state machine of §4.12:
// pending → primary_calling → primary_no_answer → sms_sent →
// backup_calling → resolved/failed. A bounded channel feeds a small
// worker pool (§5); each alert's wait between steps is scheduled with
// time.AfterFunc rather than blocking a worker goroutine, and every
// transition is persisted to voice_alerts before the next step starts, so
// a process restart can resume from the last observed state.
package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type AlertState string

const (
	StatePending          AlertState = "pending"
	StatePrimaryCalling   AlertState = "primary_calling"
	StatePrimaryNoAnswer  AlertState = "primary_no_answer"
	StateSMSSent          AlertState = "sms_sent"
	StateBackupCalling    AlertState = "backup_calling"
	StateResolved         AlertState = "resolved"
	StateFailed           AlertState = "failed"
)

// noAnswerWait is how long the escalator waits for a call-status callback
// before treating the primary/backup contact as unreachable and advancing
// the FSM on its own (§4.12: SMS fallback after 5 min of no answer).
// backupCallDelay is how long it then waits after the SMS fallback before
// calling the backup coordinator, so the backup call lands 10 min after
// the original call, not immediately after the SMS goes out. Both are
// vars rather than consts so tests can shrink them instead of sleeping
// for real minutes.
var (
	noAnswerWait    = 5 * time.Minute
	backupCallDelay = 5 * time.Minute
)

// Alert is a voice_alerts row.
type Alert struct {
	ID                  string
	ClientID            string
	TargetCoordinatorID string
	BackupCoordinatorID string
	Text                string
	Priority            string
	State               AlertState
}

// ContactLookup resolves a coordinator's phone number for dialing;
// callers of the escalator supply it since users.phone is outside this
// package's scope.
type ContactLookup func(ctx context.Context, userID string) (phone string, err error)

// Escalator drives alerts through the FSM via a bounded worker pool.
type Escalator struct {
	pool    *pgxpool.Pool
	twilio  *TwilioClient
	lookup  ContactLookup
	jobs    chan string // alert IDs
	baseURL string      // public base URL for Twilio status callbacks
}

func NewEscalator(pool *pgxpool.Pool, twilio *TwilioClient, lookup ContactLookup, baseURL string, workers, queueDepth int) *Escalator {
	e := &Escalator{
		pool:    pool,
		twilio:  twilio,
		lookup:  lookup,
		jobs:    make(chan string, queueDepth),
		baseURL: baseURL,
	}
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

// Trigger inserts a new alert in StatePending and enqueues it for
// processing. Triggering never blocks the caller's request handling
// beyond the DB insert; the queue is bounded and a full queue drops the
// alert to StateFailed immediately rather than blocking indefinitely.
func (e *Escalator) Trigger(ctx context.Context, a Alert) (string, error) {
	var id string
	var backup *string
	if a.BackupCoordinatorID != "" {
		backup = &a.BackupCoordinatorID
	}
	err := e.pool.QueryRow(ctx, `
		INSERT INTO voice_alerts (client_id, target_coordinator_id, backup_coordinator_id, text, priority, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, a.ClientID, a.TargetCoordinatorID, backup, a.Text, a.Priority, StatePending).Scan(&id)
	if err != nil {
		return "", err
	}

	select {
	case e.jobs <- id:
	default:
		log.Warn().Str("alert_id", id).Msg("escalation queue full, marking alert failed")
		e.setState(context.Background(), id, StatePending, StateFailed)
		return id, nil
	}
	return id, nil
}

func (e *Escalator) worker() {
	for id := range e.jobs {
		e.step(context.Background(), id)
	}
}

// step advances alert id by exactly one transition, re-loading current
// state from the database so a resumed process sees the last persisted
// transition rather than stale in-memory state.
func (e *Escalator) step(ctx context.Context, id string) {
	a, err := e.load(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("alert_id", id).Msg("could not load voice alert for escalation step")
		return
	}

	switch a.State {
	case StatePending:
		e.callPrimary(ctx, a)
	case StatePrimaryNoAnswer:
		e.sendSMS(ctx, a)
	case StateSMSSent:
		e.callBackup(ctx, a)
	default:
		// primary_calling / backup_calling / resolved / failed are
		// terminal from this function's point of view: primary_calling
		// and backup_calling wait on a callback or the no-answer timer,
		// resolved/failed need no further action.
	}
}

func (e *Escalator) callPrimary(ctx context.Context, a Alert) {
	if !e.setState(ctx, a.ID, StatePending, StatePrimaryCalling) {
		return
	}
	e.placeCall(ctx, a, a.TargetCoordinatorID, StatePrimaryCalling, StatePrimaryNoAnswer)
}

func (e *Escalator) callBackup(ctx context.Context, a Alert) {
	if a.BackupCoordinatorID == "" {
		e.setState(ctx, a.ID, StateSMSSent, StateFailed)
		return
	}
	if !e.setState(ctx, a.ID, StateSMSSent, StateBackupCalling) {
		return
	}
	e.placeCall(ctx, a, a.BackupCoordinatorID, StateBackupCalling, StateFailed)
}

func (e *Escalator) placeCall(ctx context.Context, a Alert, userID string, callingState, timeoutNextState AlertState) {
	phone, err := e.lookup(ctx, userID)
	if err != nil || phone == "" {
		log.Warn().Err(err).Str("alert_id", a.ID).Str("user_id", userID).Msg("no phone number for escalation contact")
		e.setState(ctx, a.ID, callingState, timeoutNextState)
		e.enqueue(a.ID)
		return
	}

	callbackURL := e.baseURL + "/v1/webhooks/twilio/voice/status?alertId=" + a.ID
	if _, err := e.twilio.CallVoiceAlert(ctx, phone, a.Text, callbackURL); err != nil {
		log.Warn().Err(err).Str("alert_id", a.ID).Msg("twilio call failed, advancing escalation")
		e.setState(ctx, a.ID, callingState, timeoutNextState)
		e.enqueue(a.ID)
		return
	}

	// If no status callback arrives within noAnswerWait, advance anyway.
	time.AfterFunc(noAnswerWait, func() {
		if e.setState(context.Background(), a.ID, callingState, timeoutNextState) {
			e.enqueue(a.ID)
		}
	})
}

func (e *Escalator) sendSMS(ctx context.Context, a Alert) {
	phone, err := e.lookup(ctx, a.TargetCoordinatorID)
	if err != nil || phone == "" {
		e.setState(ctx, a.ID, StatePrimaryNoAnswer, StateSMSSent)
		e.scheduleBackupCall(a.ID)
		return
	}
	if _, err := e.twilio.SendSMSAlert(ctx, phone, a.Text); err != nil {
		log.Warn().Err(err).Str("alert_id", a.ID).Msg("twilio sms failed")
	}
	e.setState(ctx, a.ID, StatePrimaryNoAnswer, StateSMSSent)
	e.scheduleBackupCall(a.ID)
}

// scheduleBackupCall re-enqueues the alert for its backup-call step after
// backupCallDelay; step() re-loads state when the timer fires, so an
// alert already resolved or failed by then is a no-op.
func (e *Escalator) scheduleBackupCall(id string) {
	time.AfterFunc(backupCallDelay, func() {
		e.enqueue(id)
	})
}

// ResolveFromCallback is invoked by the Twilio voice-status webhook
// handler: "completed" resolves the alert, anything else (no-answer,
// busy, failed) advances it immediately instead of waiting out
// noAnswerWait.
func (e *Escalator) ResolveFromCallback(ctx context.Context, alertID, callStatus string) {
	a, err := e.load(ctx, alertID)
	if err != nil {
		log.Warn().Err(err).Str("alert_id", alertID).Msg("status callback for unknown alert")
		return
	}

	if callStatus == "completed" {
		e.resolve(ctx, a)
		return
	}

	switch a.State {
	case StatePrimaryCalling:
		if e.setState(ctx, a.ID, StatePrimaryCalling, StatePrimaryNoAnswer) {
			e.enqueue(a.ID)
		}
	case StateBackupCalling:
		e.setState(ctx, a.ID, StateBackupCalling, StateFailed)
	}
}

func (e *Escalator) resolve(ctx context.Context, a Alert) {
	_, err := e.pool.Exec(ctx, `
		UPDATE voice_alerts SET state = $1, resolved_at = now(), updated_at = now()
		WHERE id = $2 AND state NOT IN ($3, $4)
	`, StateResolved, a.ID, StateResolved, StateFailed)
	if err != nil {
		log.Warn().Err(err).Str("alert_id", a.ID).Msg("could not resolve voice alert")
	}
}

func (e *Escalator) enqueue(id string) {
	select {
	case e.jobs <- id:
	default:
		log.Warn().Str("alert_id", id).Msg("escalation queue full, dropping re-enqueue")
	}
}

func (e *Escalator) load(ctx context.Context, id string) (Alert, error) {
	var a Alert
	var backup *string
	err := e.pool.QueryRow(ctx, `
		SELECT id, client_id, target_coordinator_id, backup_coordinator_id, text, priority, state
		FROM voice_alerts WHERE id = $1
	`, id).Scan(&a.ID, &a.ClientID, &a.TargetCoordinatorID, &backup, &a.Text, &a.Priority, &a.State)
	if err != nil {
		return Alert{}, err
	}
	if backup != nil {
		a.BackupCoordinatorID = *backup
	}
	return a, nil
}

// setState performs the conditional transition from want to next,
// mirroring the visit lifecycle's "UPDATE ... WHERE status = $n"
// pattern (§5/P6) so a concurrent callback and timeout firing for the
// same alert cannot both apply their transition.
func (e *Escalator) setState(ctx context.Context, id string, want, next AlertState) bool {
	tag, err := e.pool.Exec(ctx, `
		UPDATE voice_alerts SET state = $1, updated_at = now()
		WHERE id = $2 AND state = $3
	`, next, id, want)
	if err != nil {
		log.Warn().Err(err).Str("alert_id", id).Msg("voice alert state transition failed")
		return false
	}
	return tag.RowsAffected() == 1
}
