package visit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/berthcare/core/internal/audit"
	"github.com/berthcare/core/internal/authtoken"
	"github.com/berthcare/core/internal/authz"
	"github.com/berthcare/core/internal/cache"
	"github.com/berthcare/core/internal/config"
	"github.com/berthcare/core/internal/db"
	"github.com/berthcare/core/internal/errs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	cfg := &config.Config{DatabaseURL: dbURL, DBPoolMinConns: 1, DBPoolMaxConns: 4, DBConnectTimeout: 5 * time.Second}
	pool, err := db.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	for _, table := range []string{"visit_photos", "visit_documentation", "visits", "clients", "users", "zones"} {
		if _, err := pool.Exec(context.Background(), "DELETE FROM "+table); err != nil {
			t.Fatalf("failed to clean %s: %v", table, err)
		}
	}
	return pool
}

func newTestService(t *testing.T, pool *pgxpool.Pool) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.New(rdb, time.Second)
	return New(pool, c, nil, audit.New(pool))
}

func seedZone(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO zones (name, center_lat, center_lng) VALUES ('Test Zone', 43.65, -79.38) RETURNING id
	`).Scan(&id)
	if err != nil {
		t.Fatalf("seedZone: %v", err)
	}
	return id
}

func seedCaregiver(t *testing.T, pool *pgxpool.Pool, zoneID string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO users (email, password_hash, first_name, last_name, role, zone_id)
		VALUES ($1, 'x', 'Jo', 'Lee', 'caregiver', $2) RETURNING id
	`, "caregiver-"+time.Now().Format("150405.000000")+"@example.com", zoneID).Scan(&id)
	if err != nil {
		t.Fatalf("seedCaregiver: %v", err)
	}
	return id
}

func seedClient(t *testing.T, pool *pgxpool.Pool, zoneID string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO clients (first_name, last_name, date_of_birth, address, latitude, longitude, zone_id)
		VALUES ($2, 'Lee', '1950-01-01', '100 Queen St W', 43.65, -79.38, $1) RETURNING id
	`, zoneID, "Ann-"+time.Now().Format("150405.000000")).Scan(&id)
	if err != nil {
		t.Fatalf("seedClient: %v", err)
	}
	return id
}

func TestCreateChecksInAndAssignsInProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	svc := newTestService(t, pool)

	zoneID := seedZone(t, pool)
	caregiverID := seedCaregiver(t, pool, zoneID)
	clientID := seedClient(t, pool, zoneID)

	actor := authtoken.Principal{UserID: caregiverID, Role: authz.RoleCaregiver, ZoneID: zoneID}
	v, err := svc.Create(context.Background(), actor, CreateInput{ClientID: clientID, ScheduledStartTime: time.Now()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if v.Status != StatusInProgress {
		t.Fatalf("expected status in_progress, got %s", v.Status)
	}
	if v.CheckInTime == nil {
		t.Fatal("expected check_in_time to be set")
	}
}

func TestSmartCopyRejectsCrossClientCopy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	svc := newTestService(t, pool)

	zoneID := seedZone(t, pool)
	caregiverID := seedCaregiver(t, pool, zoneID)
	clientA := seedClient(t, pool, zoneID)
	clientB := seedClient(t, pool, zoneID)

	actor := authtoken.Principal{UserID: caregiverID, Role: authz.RoleCaregiver, ZoneID: zoneID}
	visitA, err := svc.Create(context.Background(), actor, CreateInput{ClientID: clientA, ScheduledStartTime: time.Now()})
	if err != nil {
		t.Fatalf("Create visitA: %v", err)
	}

	_, err = svc.Create(context.Background(), actor, CreateInput{
		ClientID: clientB, ScheduledStartTime: time.Now(), CopiedFromVisitID: visitA.ID,
	})
	if errs.As(err).Code != errs.CodeForbidden {
		t.Fatalf("expected FORBIDDEN copying from a visit for a different client, got %v", err)
	}
}

func TestSmartCopyCarriesDocumentationForward(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	svc := newTestService(t, pool)

	zoneID := seedZone(t, pool)
	caregiverID := seedCaregiver(t, pool, zoneID)
	clientID := seedClient(t, pool, zoneID)
	actor := authtoken.Principal{UserID: caregiverID, Role: authz.RoleCaregiver, ZoneID: zoneID}

	visitA, err := svc.Create(context.Background(), actor, CreateInput{ClientID: clientID, ScheduledStartTime: time.Now()})
	if err != nil {
		t.Fatalf("Create visitA: %v", err)
	}
	activities := []byte(`[{"activity":"Medication","completed":true}]`)
	if _, err := svc.Update(context.Background(), actor, visitA.ID, PatchInput{Activities: activities}); err != nil {
		t.Fatalf("Update visitA documentation: %v", err)
	}
	if _, err := svc.Update(context.Background(), actor, visitA.ID, PatchInput{
		CheckOutTime: timePtr(time.Now()), Status: StatusCompleted,
	}); err != nil {
		t.Fatalf("complete visitA: %v", err)
	}

	visitB, err := svc.Create(context.Background(), actor, CreateInput{
		ClientID: clientID, ScheduledStartTime: time.Now(), CopiedFromVisitID: visitA.ID,
	})
	if err != nil {
		t.Fatalf("Create visitB with smart copy: %v", err)
	}

	detail, err := svc.Detail(context.Background(), actor, visitB.ID)
	if err != nil {
		t.Fatalf("Detail visitB: %v", err)
	}
	// Postgres returns jsonb in its normalised text form (a space after each
	// ':' and ','), not byte-for-byte as it was written.
	want := `[{"activity": "Medication", "completed": true}]`
	if string(detail.Documentation.Activities) != want {
		t.Fatalf("expected copied activities %s, got %s", want, detail.Documentation.Activities)
	}
}

func TestIllegalStatusTransitionRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	svc := newTestService(t, pool)

	zoneID := seedZone(t, pool)
	caregiverID := seedCaregiver(t, pool, zoneID)
	clientID := seedClient(t, pool, zoneID)
	actor := authtoken.Principal{UserID: caregiverID, Role: authz.RoleCaregiver, ZoneID: zoneID}

	v, err := svc.Create(context.Background(), actor, CreateInput{ClientID: clientID, ScheduledStartTime: time.Now()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Update(context.Background(), actor, v.ID, PatchInput{
		CheckOutTime: timePtr(time.Now()), Status: StatusCompleted,
	}); err != nil {
		t.Fatalf("complete visit: %v", err)
	}

	_, err = svc.Update(context.Background(), actor, v.ID, PatchInput{Status: StatusInProgress})
	if errs.As(err).Code != errs.CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION regressing from completed, got %v", err)
	}
}

func TestCaregiverCannotAccessAnothersVisit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pool := getTestDB(t)
	defer pool.Close()
	svc := newTestService(t, pool)

	zoneID := seedZone(t, pool)
	ownerID := seedCaregiver(t, pool, zoneID)
	otherID := seedCaregiver(t, pool, zoneID)
	clientID := seedClient(t, pool, zoneID)

	owner := authtoken.Principal{UserID: ownerID, Role: authz.RoleCaregiver, ZoneID: zoneID}
	other := authtoken.Principal{UserID: otherID, Role: authz.RoleCaregiver, ZoneID: zoneID}

	v, err := svc.Create(context.Background(), owner, CreateInput{ClientID: clientID, ScheduledStartTime: time.Now()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = svc.Detail(context.Background(), other, v.ID)
	if errs.As(err).Code != errs.CodeNotFound {
		t.Fatalf("expected NOT_FOUND for a caregiver viewing another's visit, got %v", err)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
