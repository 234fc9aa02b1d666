package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/berthcare/core/internal/config"
	"github.com/berthcare/core/internal/db"
	"github.com/jackc/pgx/v5/pgxpool"
)

func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	cfg := &config.Config{
		DatabaseURL:      dbURL,
		DBPoolMinConns:   1,
		DBPoolMaxConns:   4,
		DBConnectTimeout: 5 * time.Second,
	}
	pool, err := db.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if _, err := pool.Exec(context.Background(), "DELETE FROM voice_alerts"); err != nil {
		t.Fatalf("failed to clean voice_alerts table: %v", err)
	}
	return pool
}

func TestTriggerInsertsPendingAlert(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	lookup := func(ctx context.Context, userID string) (string, error) { return "", nil }
	twilio := NewTwilioClient("AC_test", "token", "+15550000000", time.Second)
	esc := NewEscalator(pool, twilio, lookup, "https://api.berthcare.example", 0, 10)

	id, err := esc.Trigger(context.Background(), Alert{
		ClientID:            "11111111-1111-1111-1111-111111111111",
		TargetCoordinatorID: "22222222-2222-2222-2222-222222222222",
		Text:                "client missed a scheduled check-in",
		Priority:            "high",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty alert id")
	}

	loaded, err := esc.load(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State != StatePending {
		t.Fatalf("expected newly triggered alert to be pending, got %s", loaded.State)
	}
}

func TestSetStateIsConditional(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	lookup := func(ctx context.Context, userID string) (string, error) { return "", nil }
	twilio := NewTwilioClient("AC_test", "token", "+15550000000", time.Second)
	esc := NewEscalator(pool, twilio, lookup, "https://api.berthcare.example", 0, 10)

	id, err := esc.Trigger(context.Background(), Alert{
		ClientID:            "11111111-1111-1111-1111-111111111111",
		TargetCoordinatorID: "22222222-2222-2222-2222-222222222222",
		Text:                "test",
		Priority:            "normal",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	if !esc.setState(context.Background(), id, StatePending, StatePrimaryCalling) {
		t.Fatal("expected the first transition from the actual current state to succeed")
	}
	if esc.setState(context.Background(), id, StatePending, StateFailed) {
		t.Fatal("expected a transition from a stale 'want' state to be rejected")
	}
}

func TestSMSSentWaitsBeforeCallingBackup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()

	origDelay := backupCallDelay
	backupCallDelay = 20 * time.Millisecond
	t.Cleanup(func() { backupCallDelay = origDelay })

	lookup := func(ctx context.Context, userID string) (string, error) { return "", nil }
	twilio := NewTwilioClient("AC_test", "token", "+15550000000", time.Second)
	esc := NewEscalator(pool, twilio, lookup, "https://api.berthcare.example", 1, 10)

	id, err := esc.Trigger(context.Background(), Alert{
		ClientID:            "11111111-1111-1111-1111-111111111111",
		TargetCoordinatorID: "22222222-2222-2222-2222-222222222222",
		BackupCoordinatorID: "33333333-3333-3333-3333-333333333333",
		Text:                "test",
		Priority:            "normal",
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !esc.setState(context.Background(), id, StatePending, StatePrimaryNoAnswer) {
		t.Fatal("expected seed transition to primary_no_answer to succeed")
	}

	esc.step(context.Background(), id)

	loaded, err := esc.load(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State != StateSMSSent {
		t.Fatalf("expected sendSMS to land on sms_sent immediately, got %s", loaded.State)
	}

	time.Sleep(5 * time.Millisecond)
	stillWaiting, err := esc.load(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stillWaiting.State != StateSMSSent {
		t.Fatalf("expected the backup call to wait out backupCallDelay, but state already advanced to %s", stillWaiting.State)
	}

	time.Sleep(200 * time.Millisecond)
	advanced, err := esc.load(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if advanced.State == StateSMSSent {
		t.Fatal("expected the backup call step to have advanced the alert state after backupCallDelay elapsed")
	}
}
