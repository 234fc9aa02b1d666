// Package visit implements the visit lifecycle service (§4.9): check-in
// creation with smart copy, documentation/check-out/status-transition
// PATCH, zone/ownership-scoped listing, aggregated detail with
// cache-then-authorize, and the two-phase photo/signature upload flow.
package visit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berthcare/core/internal/audit"
	"github.com/berthcare/core/internal/authtoken"
	"github.com/berthcare/core/internal/authz"
	"github.com/berthcare/core/internal/cache"
	"github.com/berthcare/core/internal/errs"
	"github.com/berthcare/core/internal/objectstore"
)

// Status is one of the closed set of visit lifecycle states (§3).
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// legalTransitions enumerates every allowed status move (§3: "no
// regressions", either non-terminal status may become cancelled).
var legalTransitions = map[Status][]Status{
	StatusScheduled:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func isLegalTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Documentation holds the upsertable fields of visit_documentation.
type Documentation struct {
	VitalSigns   json.RawMessage
	Activities   json.RawMessage
	Observations string
	Concerns     string
}

// Photo is one row of visit_photos, in upload order.
type Photo struct {
	ID         string
	S3Key      string
	S3URL      string
	UploadedAt time.Time
}

// Visit is the service-layer read model for a single visit row.
type Visit struct {
	ID                 string
	ClientID           string
	StaffID            string
	ZoneID             string // denormalized from clients at read time, for authz
	ScheduledStartTime time.Time
	CheckInTime        *time.Time
	CheckInLat         *float64
	CheckInLng         *float64
	CheckOutTime       *time.Time
	CheckOutLat        *float64
	CheckOutLng        *float64
	Status             Status
	DurationMinutes    *int
	CopiedFromVisitID  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Detail aggregates a visit with the surrounding context a single visit
// screen needs (§4.9 "aggregate visit + client + staff summary +
// documentation + ordered photos in one response").
type Detail struct {
	Visit         Visit
	ClientName    string
	StaffName     string
	Documentation Documentation
	Photos        []Photo
}

// CreateInput is the caregiver-supplied check-in payload.
type CreateInput struct {
	ClientID          string
	ScheduledStartTime time.Time
	CheckInLat        *float64
	CheckInLng        *float64
	CopiedFromVisitID string
}

// ListFilter narrows List per §4.9's named filters.
type ListFilter struct {
	ClientID  string
	StaffID   string
	Status    Status
	StartDate string // YYYY-MM-DD, inclusive
	EndDate   string // YYYY-MM-DD, inclusive
	Page      int
	Limit     int
}

// Service wraps persistence, cache invalidation, and the object storage
// gateway for the visit lifecycle.
type Service struct {
	pool    *pgxpool.Pool
	cache   *cache.Cache
	objects *objectstore.Gateway
	audit   *audit.Writer
}

func New(pool *pgxpool.Pool, c *cache.Cache, objects *objectstore.Gateway, a *audit.Writer) *Service {
	return &Service{pool: pool, cache: c, objects: objects, audit: a}
}

// Create checks a caregiver in against a client, optionally smart-copying
// documentation from a prior visit (§4.9).
func (s *Service) Create(ctx context.Context, actor authtoken.Principal, in CreateInput) (Visit, error) {
	var clientZoneID string
	err := s.pool.QueryRow(ctx, `SELECT zone_id FROM clients WHERE id = $1`, in.ClientID).Scan(&clientZoneID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Visit{}, errs.New(errs.CodeNotFound, "client not found")
	}
	if err != nil {
		return Visit{}, errs.Internal(err)
	}
	if !authz.CanAccessZone(actor, clientZoneID) {
		return Visit{}, errs.New(errs.CodeNotFound, "client not found")
	}

	var copyDoc *Documentation
	if in.CopiedFromVisitID != "" {
		src, err := s.load(ctx, in.CopiedFromVisitID)
		if err != nil {
			return Visit{}, err
		}
		if src.ClientID != in.ClientID {
			return Visit{}, errs.New(errs.CodeForbidden, "cannot copy documentation from a visit for a different client")
		}
		if !authz.CanAccessVisit(actor, src.StaffID, src.ZoneID) {
			return Visit{}, errs.New(errs.CodeForbidden, "not authorized to copy this visit's documentation")
		}
		doc, err := s.loadDocumentation(ctx, in.CopiedFromVisitID)
		if err != nil {
			return Visit{}, err
		}
		copyDoc = &doc
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Visit{}, errs.Internal(err)
	}
	defer tx.Rollback(ctx)

	var v Visit
	err = tx.QueryRow(ctx, `
		INSERT INTO visits (client_id, staff_id, scheduled_start_time, check_in_time, check_in_lat, check_in_lng, status, copied_from_visit_id)
		VALUES ($1, $2, $3, now(), $4, $5, $6, $7)
		RETURNING id, client_id, staff_id, scheduled_start_time, check_in_time, check_in_lat, check_in_lng,
			check_out_time, check_out_lat, check_out_lng, status, duration_minutes, coalesce(copied_from_visit_id::text, ''), created_at, updated_at
	`, in.ClientID, actor.UserID, in.ScheduledStartTime, in.CheckInLat, in.CheckInLng, StatusInProgress, nullIfEmpty(in.CopiedFromVisitID),
	).Scan(&v.ID, &v.ClientID, &v.StaffID, &v.ScheduledStartTime, &v.CheckInTime, &v.CheckInLat, &v.CheckInLng,
		&v.CheckOutTime, &v.CheckOutLat, &v.CheckOutLng, &v.Status, &v.DurationMinutes, &v.CopiedFromVisitID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return Visit{}, errs.Internal(err)
	}
	v.ZoneID = clientZoneID

	vitalSigns := []byte("{}")
	activities := []byte("[]")
	var observations, concerns any
	if copyDoc != nil {
		if len(copyDoc.VitalSigns) > 0 {
			vitalSigns = copyDoc.VitalSigns
		}
		if len(copyDoc.Activities) > 0 {
			activities = copyDoc.Activities
		}
		observations = nullIfEmpty(copyDoc.Observations)
		concerns = nullIfEmpty(copyDoc.Concerns)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO visit_documentation (visit_id, vital_signs, activities, observations, concerns)
		VALUES ($1, $2, $3, $4, $5)
	`, v.ID, vitalSigns, activities, observations, concerns); err != nil {
		return Visit{}, errs.Internal(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Visit{}, errs.Internal(err)
	}

	s.audit.Write(ctx, audit.Entry{ActorUserID: actor.UserID, ActorRole: actor.Role, Action: "check_in", ObjectType: "visit", ObjectID: v.ID})
	return v, nil
}

// PatchInput is the sparse set of fields Update may touch; a nil pointer
// (or empty Status) means "omitted."
type PatchInput struct {
	VitalSigns   json.RawMessage
	Activities   json.RawMessage
	Observations *string
	Concerns     *string
	CheckOutTime *time.Time
	CheckOutLat  *float64
	CheckOutLng  *float64
	Status       Status
}

// Update applies the documentation upsert, check-out fields, and/or a
// status transition in one call (§4.9). Status transitions use a
// conditional UPDATE on current status, the same compare-and-swap shape
// internal/notify's escalation FSM uses, so a concurrent PATCH can never
// silently clobber a transition already applied by another request.
func (s *Service) Update(ctx context.Context, actor authtoken.Principal, id string, in PatchInput) (Visit, error) {
	existing, err := s.load(ctx, id)
	if err != nil {
		return Visit{}, err
	}
	if !authz.CanAccessVisit(actor, existing.StaffID, existing.ZoneID) {
		return Visit{}, errs.New(errs.CodeNotFound, "visit not found")
	}

	if in.VitalSigns != nil || in.Activities != nil || in.Observations != nil || in.Concerns != nil {
		if err := s.upsertDocumentation(ctx, id, in); err != nil {
			return Visit{}, err
		}
	}

	checkOutChanged := in.CheckOutTime != nil || in.CheckOutLat != nil || in.CheckOutLng != nil
	if checkOutChanged {
		if _, err := s.pool.Exec(ctx, `
			UPDATE visits SET check_out_time = coalesce($1, check_out_time), check_out_lat = coalesce($2, check_out_lat),
				check_out_lng = coalesce($3, check_out_lng), updated_at = now()
			WHERE id = $4
		`, in.CheckOutTime, in.CheckOutLat, in.CheckOutLng, id); err != nil {
			return Visit{}, errs.Internal(err)
		}
	}

	if in.Status != "" {
		if err := s.transition(ctx, id, existing, in.Status); err != nil {
			return Visit{}, err
		}
	}

	updated, err := s.load(ctx, id)
	if err != nil {
		return Visit{}, err
	}

	s.invalidate(ctx, updated)
	s.audit.Write(ctx, audit.Entry{ActorUserID: actor.UserID, ActorRole: actor.Role, Action: "update", ObjectType: "visit", ObjectID: id})
	return updated, nil
}

func (s *Service) upsertDocumentation(ctx context.Context, visitID string, in PatchInput) error {
	setClauses := []string{}
	args := []any{}
	argN := 1
	if in.VitalSigns != nil {
		setClauses = append(setClauses, fmt.Sprintf("vital_signs = $%d", argN))
		args = append(args, in.VitalSigns)
		argN++
	}
	if in.Activities != nil {
		setClauses = append(setClauses, fmt.Sprintf("activities = $%d", argN))
		args = append(args, in.Activities)
		argN++
	}
	if in.Observations != nil {
		setClauses = append(setClauses, fmt.Sprintf("observations = $%d", argN))
		args = append(args, nullIfEmpty(*in.Observations))
		argN++
	}
	if in.Concerns != nil {
		setClauses = append(setClauses, fmt.Sprintf("concerns = $%d", argN))
		args = append(args, nullIfEmpty(*in.Concerns))
		argN++
	}
	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, visitID)

	query := fmt.Sprintf("UPDATE visit_documentation SET %s WHERE visit_id = $%d", strings.Join(setClauses, ", "), argN)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return errs.Internal(err)
	}
	return nil
}

// transition applies a single legal status move via a conditional UPDATE
// guarded on the status the caller observed, so two concurrent requests
// racing to advance the same visit can't both succeed.
func (s *Service) transition(ctx context.Context, id string, current Visit, to Status) error {
	if !isLegalTransition(current.Status, to) {
		return errs.Newf(errs.CodeInvalidTransition, "cannot move visit from %s to %s", current.Status, to)
	}
	if current.Status == to {
		return nil
	}

	var durationExpr string
	if to == StatusCompleted {
		durationExpr = ", duration_minutes = floor(extract(epoch from (check_out_time - check_in_time)) / 60)"
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE visits SET status = $1, updated_at = now()%s WHERE id = $2 AND status = $3
	`, durationExpr), to, id, current.Status)
	if err != nil {
		return errs.Internal(err)
	}
	if tag.RowsAffected() != 1 {
		return errs.Newf(errs.CodeInvalidTransition, "visit status changed concurrently, cannot move to %s", to)
	}
	return nil
}

// List returns a page of visits matching filter, scoped to the actor per
// §4.9 ("Caregivers see only their visits; coordinators/admins see their
// zone"). List results are intentionally not cached: filter
// cardinality is high and the cache-invalidation surface would be larger
// than the read savings (unlike client lists, which are zone-keyed).
func (s *Service) List(ctx context.Context, actor authtoken.Principal, f ListFilter) ([]Visit, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}

	where := []string{}
	args := []any{}
	argN := 1

	if actor.Role == authz.RoleCaregiver {
		where = append(where, fmt.Sprintf("v.staff_id = $%d", argN))
		args = append(args, actor.UserID)
		argN++
	} else if actor.Role != authz.RoleAdmin {
		where = append(where, fmt.Sprintf("c.zone_id = $%d", argN))
		args = append(args, actor.ZoneID)
		argN++
	}

	if f.ClientID != "" {
		where = append(where, fmt.Sprintf("v.client_id = $%d", argN))
		args = append(args, f.ClientID)
		argN++
	}
	if f.StaffID != "" {
		where = append(where, fmt.Sprintf("v.staff_id = $%d", argN))
		args = append(args, f.StaffID)
		argN++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("v.status = $%d", argN))
		args = append(args, f.Status)
		argN++
	}
	if f.StartDate != "" {
		where = append(where, fmt.Sprintf("v.scheduled_start_time >= $%d", argN))
		args = append(args, f.StartDate)
		argN++
	}
	if f.EndDate != "" {
		where = append(where, fmt.Sprintf("v.scheduled_start_time < ($%d::date + interval '1 day')", argN))
		args = append(args, f.EndDate)
		argN++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	query := fmt.Sprintf(`
		SELECT v.id, v.client_id, v.staff_id, v.scheduled_start_time, v.check_in_time, v.check_in_lat, v.check_in_lng,
			v.check_out_time, v.check_out_lat, v.check_out_lng, v.status, v.duration_minutes,
			coalesce(v.copied_from_visit_id::text, ''), v.created_at, v.updated_at, c.zone_id
		FROM visits v JOIN clients c ON c.id = v.client_id
		%s
		ORDER BY v.scheduled_start_time DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argN, argN+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal(err)
	}
	defer rows.Close()

	var visits []Visit
	for rows.Next() {
		var v Visit
		if err := rows.Scan(&v.ID, &v.ClientID, &v.StaffID, &v.ScheduledStartTime, &v.CheckInTime, &v.CheckInLat, &v.CheckInLng,
			&v.CheckOutTime, &v.CheckOutLat, &v.CheckOutLng, &v.Status, &v.DurationMinutes, &v.CopiedFromVisitID,
			&v.CreatedAt, &v.UpdatedAt, &v.ZoneID); err != nil {
			return nil, errs.Internal(err)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}
	return visits, nil
}

// Detail aggregates a visit with client/staff names, documentation, and
// ordered photos, re-checking authorization on a cache hit (§4.9, P4).
func (s *Service) Detail(ctx context.Context, actor authtoken.Principal, id string) (Detail, error) {
	if cached, ok := s.cache.Get(ctx, cache.VisitDetailKey(id)); ok {
		var d Detail
		if err := json.Unmarshal([]byte(cached), &d); err == nil {
			if !authz.CanAccessVisit(actor, d.Visit.StaffID, d.Visit.ZoneID) {
				return Detail{}, errs.New(errs.CodeNotFound, "visit not found")
			}
			return d, nil
		}
	}

	v, err := s.load(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	if !authz.CanAccessVisit(actor, v.StaffID, v.ZoneID) {
		return Detail{}, errs.New(errs.CodeNotFound, "visit not found")
	}

	var d Detail
	d.Visit = v
	if err := s.pool.QueryRow(ctx, `SELECT first_name || ' ' || last_name FROM clients WHERE id = $1`, v.ClientID).Scan(&d.ClientName); err != nil {
		return Detail{}, errs.Internal(err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT first_name || ' ' || last_name FROM users WHERE id = $1`, v.StaffID).Scan(&d.StaffName); err != nil {
		return Detail{}, errs.Internal(err)
	}

	doc, err := s.loadDocumentation(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	d.Documentation = doc

	photos, err := s.loadPhotos(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	d.Photos = photos

	if b, err := json.Marshal(d); err == nil {
		s.cache.Set(ctx, cache.VisitDetailKey(id), string(b), cache.VisitDetailTTL)
	}
	return d, nil
}

// IssuePhotoUpload mints a pre-signed URL for a visit photo (§4.9/§4.10
// phase one). No metadata row is written until RecordPhoto confirms the
// upload.
func (s *Service) IssuePhotoUpload(ctx context.Context, actor authtoken.Principal, visitID, mimeType string, size int64) (objectstore.UploadGrant, error) {
	v, err := s.load(ctx, visitID)
	if err != nil {
		return objectstore.UploadGrant{}, err
	}
	if !authz.CanAccessVisit(actor, v.StaffID, v.ZoneID) {
		return objectstore.UploadGrant{}, errs.New(errs.CodeNotFound, "visit not found")
	}
	grant, err := s.objects.IssuePhotoUpload(ctx, actor.UserID, mimeType, size)
	if err != nil {
		return objectstore.UploadGrant{}, errs.New(errs.CodeValidation, err.Error())
	}
	return grant, nil
}

// RecordPhoto links a previously-issued photo key to a visit once the
// client confirms the PUT succeeded (§4.10 phase two).
func (s *Service) RecordPhoto(ctx context.Context, actor authtoken.Principal, visitID, s3Key, s3URL string) (Photo, error) {
	v, err := s.load(ctx, visitID)
	if err != nil {
		return Photo{}, err
	}
	if !authz.CanAccessVisit(actor, v.StaffID, v.ZoneID) {
		return Photo{}, errs.New(errs.CodeNotFound, "visit not found")
	}
	if err := objectstore.ValidateKeyScope(objectstore.KindPhoto, s3Key, actor.UserID); err != nil {
		return Photo{}, errs.New(errs.CodeValidation, err.Error())
	}

	var p Photo
	err = s.pool.QueryRow(ctx, `
		INSERT INTO visit_photos (visit_id, s3_key, s3_url) VALUES ($1, $2, $3)
		RETURNING id, s3_key, s3_url, uploaded_at
	`, visitID, s3Key, s3URL).Scan(&p.ID, &p.S3Key, &p.S3URL, &p.UploadedAt)
	if err != nil {
		return Photo{}, errs.Internal(err)
	}

	s.cache.Del(ctx, cache.VisitDetailKey(visitID))
	return p, nil
}

// IssueSignatureUpload mints a pre-signed URL for a visit signature, same
// two-phase pattern as photos but with the tighter signature policy
// (1 MiB, PNG only, 10 min TTL) from §4.10.
func (s *Service) IssueSignatureUpload(ctx context.Context, actor authtoken.Principal, visitID, signatureType, mimeType string, size int64) (objectstore.UploadGrant, error) {
	v, err := s.load(ctx, visitID)
	if err != nil {
		return objectstore.UploadGrant{}, err
	}
	if !authz.CanAccessVisit(actor, v.StaffID, v.ZoneID) {
		return objectstore.UploadGrant{}, errs.New(errs.CodeNotFound, "visit not found")
	}
	grant, err := s.objects.IssueSignatureUpload(ctx, visitID, signatureType, mimeType, size)
	if err != nil {
		return objectstore.UploadGrant{}, errs.New(errs.CodeValidation, err.Error())
	}
	return grant, nil
}

// RecordSignature links a confirmed signature upload to the visit's
// documentation row.
func (s *Service) RecordSignature(ctx context.Context, actor authtoken.Principal, visitID, s3Key, s3URL string) error {
	v, err := s.load(ctx, visitID)
	if err != nil {
		return err
	}
	if !authz.CanAccessVisit(actor, v.StaffID, v.ZoneID) {
		return errs.New(errs.CodeNotFound, "visit not found")
	}
	if err := objectstore.ValidateKeyScope(objectstore.KindSignature, s3Key, visitID); err != nil {
		return errs.New(errs.CodeValidation, err.Error())
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE visit_documentation SET signature_url = $1, updated_at = now() WHERE visit_id = $2
	`, s3URL, visitID); err != nil {
		return errs.Internal(err)
	}

	s.cache.Del(ctx, cache.VisitDetailKey(visitID))
	return nil
}

func (s *Service) load(ctx context.Context, id string) (Visit, error) {
	var v Visit
	err := s.pool.QueryRow(ctx, `
		SELECT v.id, v.client_id, v.staff_id, v.scheduled_start_time, v.check_in_time, v.check_in_lat, v.check_in_lng,
			v.check_out_time, v.check_out_lat, v.check_out_lng, v.status, v.duration_minutes,
			coalesce(v.copied_from_visit_id::text, ''), v.created_at, v.updated_at, c.zone_id
		FROM visits v JOIN clients c ON c.id = v.client_id
		WHERE v.id = $1
	`, id).Scan(&v.ID, &v.ClientID, &v.StaffID, &v.ScheduledStartTime, &v.CheckInTime, &v.CheckInLat, &v.CheckInLng,
		&v.CheckOutTime, &v.CheckOutLat, &v.CheckOutLng, &v.Status, &v.DurationMinutes, &v.CopiedFromVisitID,
		&v.CreatedAt, &v.UpdatedAt, &v.ZoneID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Visit{}, errs.New(errs.CodeNotFound, "visit not found")
	}
	if err != nil {
		return Visit{}, errs.Internal(err)
	}
	return v, nil
}

func (s *Service) loadDocumentation(ctx context.Context, visitID string) (Documentation, error) {
	var d Documentation
	var observations, concerns *string
	err := s.pool.QueryRow(ctx, `
		SELECT vital_signs, activities, observations, concerns FROM visit_documentation WHERE visit_id = $1
	`, visitID).Scan(&d.VitalSigns, &d.Activities, &observations, &concerns)
	if errors.Is(err, pgx.ErrNoRows) {
		return Documentation{}, nil
	}
	if err != nil {
		return Documentation{}, errs.Internal(err)
	}
	if observations != nil {
		d.Observations = *observations
	}
	if concerns != nil {
		d.Concerns = *concerns
	}
	return d, nil
}

func (s *Service) loadPhotos(ctx context.Context, visitID string) ([]Photo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, s3_key, s3_url, uploaded_at FROM visit_photos WHERE visit_id = $1 ORDER BY uploaded_at ASC
	`, visitID)
	if err != nil {
		return nil, errs.Internal(err)
	}
	defer rows.Close()

	var photos []Photo
	for rows.Next() {
		var p Photo
		if err := rows.Scan(&p.ID, &p.S3Key, &p.S3URL, &p.UploadedAt); err != nil {
			return nil, errs.Internal(err)
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

func (s *Service) invalidate(ctx context.Context, v Visit) {
	s.cache.Del(ctx, cache.VisitDetailKey(v.ID))
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
