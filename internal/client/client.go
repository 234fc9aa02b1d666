// Package client implements client-record CRUD and care-plan management
// (§4.8): geocode-on-write, zone assignment, a dynamic whitelisted-column
// PATCH, duplicate detection, cache invalidation, and audit logging.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berthcare/core/internal/audit"
	"github.com/berthcare/core/internal/authtoken"
	"github.com/berthcare/core/internal/authz"
	"github.com/berthcare/core/internal/cache"
	"github.com/berthcare/core/internal/errs"
	"github.com/berthcare/core/internal/geocode"
)

// Null is the explicit "clear this field" sentinel, distinguished from a
// Go zero value meaning "field omitted" (§4.8).
type Null struct{}

// EmergencyContact mirrors the nested struct in §3's Client entity.
type EmergencyContact struct {
	Name         string
	Phone        string
	Relationship string
}

// Client is the service-layer read model for a client record.
type Client struct {
	ID                string
	FirstName         string
	LastName          string
	DateOfBirth       string // YYYY-MM-DD
	Address           string
	Latitude          float64
	Longitude         float64
	Phone             string
	EmergencyContact  EmergencyContact
	ZoneID            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type CreateInput struct {
	FirstName        string
	LastName         string
	DateOfBirth      string
	Address          string
	Phone            string
	EmergencyContact EmergencyContact
	ZoneIDOverride   string // admin-supplied explicit zone; empty means auto-assign
}

// Service wraps persistence, cache invalidation, and geocoding for client
// records.
type Service struct {
	pool    *pgxpool.Pool
	cache   *cache.Cache
	geocode *geocode.Client
	zones   ZoneLister
	audit   *audit.Writer
}

// ZoneLister supplies the current zone set for nearest-center assignment;
// implemented by internal/zones against the zones table.
type ZoneLister interface {
	All(ctx context.Context) ([]geocode.Zone, error)
}

func New(pool *pgxpool.Pool, c *cache.Cache, geo *geocode.Client, zones ZoneLister, a *audit.Writer) *Service {
	return &Service{pool: pool, cache: c, geocode: geo, zones: zones, audit: a}
}

// Create inserts a client and its default care plan in one transaction
// (§4.8). Non-admin callers never supply ZoneIDOverride; the HTTP layer
// rejects a zoneId from any non-admin caller before reaching here.
func (s *Service) Create(ctx context.Context, actor authtoken.Principal, in CreateInput) (Client, error) {
	if in.FirstName == "" || in.LastName == "" || in.DateOfBirth == "" || in.Address == "" {
		return Client{}, errs.New(errs.CodeValidation, "firstName, lastName, dateOfBirth, and address are required")
	}

	coords, err := s.geocode.Resolve(ctx, in.Address)
	if err != nil {
		return Client{}, err
	}

	zoneID := in.ZoneIDOverride
	if zoneID == "" {
		zones, zerr := s.zones.All(ctx)
		if zerr != nil {
			return Client{}, errs.Internal(zerr)
		}
		nearest, nerr := geocode.NearestZone(coords, zones)
		if nerr != nil {
			return Client{}, errs.Internal(nerr)
		}
		zoneID = nearest.ID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Client{}, errs.Internal(err)
	}
	defer tx.Rollback(ctx)

	var c Client
	err = tx.QueryRow(ctx, `
		INSERT INTO clients (
			first_name, last_name, date_of_birth, address, latitude, longitude, phone,
			emergency_contact_name, emergency_contact_phone, emergency_contact_relationship, zone_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, first_name, last_name, date_of_birth::text, address, latitude, longitude,
			coalesce(phone, ''), coalesce(emergency_contact_name, ''), coalesce(emergency_contact_phone, ''),
			coalesce(emergency_contact_relationship, ''), zone_id, created_at, updated_at
	`, in.FirstName, in.LastName, in.DateOfBirth, in.Address, coords.Lat, coords.Lng, nullIfEmpty(in.Phone),
		nullIfEmpty(in.EmergencyContact.Name), nullIfEmpty(in.EmergencyContact.Phone), nullIfEmpty(in.EmergencyContact.Relationship), zoneID,
	).Scan(&c.ID, &c.FirstName, &c.LastName, &c.DateOfBirth, &c.Address, &c.Latitude, &c.Longitude, &c.Phone,
		&c.EmergencyContact.Name, &c.EmergencyContact.Phone, &c.EmergencyContact.Relationship, &c.ZoneID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Client{}, errs.New(errs.CodeDuplicateClient, "a client with this name and date of birth already exists")
		}
		return Client{}, errs.Internal(err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO care_plans (client_id, summary, medications, allergies, version)
		VALUES ($1, '', '[]', '[]', 1)
	`, c.ID); err != nil {
		return Client{}, errs.Internal(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Client{}, errs.Internal(err)
	}

	s.audit.Write(ctx, audit.Entry{ActorUserID: actor.UserID, ActorRole: actor.Role, Action: "create", ObjectType: "client", ObjectID: c.ID})
	return c, nil
}

// Get returns a client by id, applying the zone predicate and treating an
// unauthorized cache hit as a miss per §4.6.
func (s *Service) Get(ctx context.Context, actor authtoken.Principal, id string) (Client, error) {
	if cached, ok := s.cache.Get(ctx, cache.ClientDetailKey(id)); ok {
		c, zoneID, err := decodeCached(cached)
		if err == nil {
			if !authz.CanAccessZone(actor, zoneID) {
				return Client{}, errs.New(errs.CodeNotFound, "client not found")
			}
			return c, nil
		}
	}

	c, err := s.load(ctx, id)
	if err != nil {
		return Client{}, err
	}
	if !authz.CanAccessZone(actor, c.ZoneID) {
		return Client{}, errs.New(errs.CodeNotFound, "client not found")
	}

	s.cache.Set(ctx, cache.ClientDetailKey(id), encodeCached(c), cache.ClientDetailTTL)
	return c, nil
}

// List returns clients in a zone, cache-first per §4.11. An empty zoneID
// lists across every zone; callers must restrict that to admins (a
// caregiver or coordinator's zone is resolved before calling List).
func (s *Service) List(ctx context.Context, actor authtoken.Principal, zoneID string, page, limit int) ([]Client, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	cacheZone := zoneID
	if cacheZone == "" {
		cacheZone = "all"
	}
	key := cache.ClientListKey(cacheZone, "", page, limit)
	if cached, ok := s.cache.Get(ctx, key); ok {
		var out []Client
		if err := json.Unmarshal([]byte(cached), &out); err == nil {
			return out, nil
		}
	}

	query := `
		SELECT id, first_name, last_name, date_of_birth::text, address, latitude, longitude,
			coalesce(phone, ''), coalesce(emergency_contact_name, ''), coalesce(emergency_contact_phone, ''),
			coalesce(emergency_contact_relationship, ''), zone_id, created_at, updated_at
		FROM clients
	`
	var args []any
	if zoneID != "" {
		query += "WHERE zone_id = $1 ORDER BY last_name, first_name LIMIT $2 OFFSET $3"
		args = []any{zoneID, limit, (page - 1) * limit}
	} else {
		query += "ORDER BY last_name, first_name LIMIT $1 OFFSET $2"
		args = []any{limit, (page - 1) * limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal(err)
	}
	defer rows.Close()

	out := make([]Client, 0)
	for rows.Next() {
		var c Client
		if err := rows.Scan(&c.ID, &c.FirstName, &c.LastName, &c.DateOfBirth, &c.Address, &c.Latitude, &c.Longitude,
			&c.Phone, &c.EmergencyContact.Name, &c.EmergencyContact.Phone, &c.EmergencyContact.Relationship,
			&c.ZoneID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}

	if b, err := json.Marshal(out); err == nil {
		s.cache.Set(ctx, key, string(b), cache.ClientListTTL)
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, id string) (Client, error) {
	var c Client
	err := s.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, date_of_birth::text, address, latitude, longitude,
			coalesce(phone, ''), coalesce(emergency_contact_name, ''), coalesce(emergency_contact_phone, ''),
			coalesce(emergency_contact_relationship, ''), zone_id, created_at, updated_at
		FROM clients WHERE id = $1
	`, id).Scan(&c.ID, &c.FirstName, &c.LastName, &c.DateOfBirth, &c.Address, &c.Latitude, &c.Longitude, &c.Phone,
		&c.EmergencyContact.Name, &c.EmergencyContact.Phone, &c.EmergencyContact.Relationship, &c.ZoneID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Client{}, errs.New(errs.CodeNotFound, "client not found")
	}
	if err != nil {
		return Client{}, errs.Internal(err)
	}
	return c, nil
}

// patchableColumns whitelists the columns Update may touch, mapping the
// API field name to its column (§9 "whitelist column names").
var patchableColumns = map[string]string{
	"firstName":   "first_name",
	"lastName":    "last_name",
	"address":     "address",
	"phone":       "phone",
	"emergencyContactName":         "emergency_contact_name",
	"emergencyContactPhone":        "emergency_contact_phone",
	"emergencyContactRelationship": "emergency_contact_relationship",
	"zoneId":      "zone_id",
}

// Update applies a whitelisted partial update. fields maps API field name
// to either a concrete value or Null{} to clear it; a key's absence means
// "omitted" (§4.8's explicit-null-sentinel rule).
func (s *Service) Update(ctx context.Context, actor authtoken.Principal, id string, fields map[string]any, actorIsAdmin bool) (Client, error) {
	if len(fields) == 0 {
		return Client{}, errs.New(errs.CodeValidation, "at least one field must be provided")
	}
	if !actorIsAdmin {
		if _, ok := fields["zoneId"]; ok {
			return Client{}, errs.New(errs.CodeForbidden, "only admins may change a client's zone")
		}
	}

	existing, err := s.load(ctx, id)
	if err != nil {
		return Client{}, err
	}
	if !authz.CanAccessZone(actor, existing.ZoneID) {
		return Client{}, errs.New(errs.CodeNotFound, "client not found")
	}

	setClauses := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	argN := 1
	changedFields := make(map[string]audit.FieldChange, len(fields))

	addressChanged := false
	for apiName, value := range fields {
		col, ok := patchableColumns[apiName]
		if !ok {
			return Client{}, errs.Newf(errs.CodeValidation, "unknown or non-patchable field %q", apiName)
		}
		if apiName == "address" {
			addressChanged = true
			continue // handled separately below, after re-geocoding
		}
		var newVal any
		if _, isNull := value.(Null); isNull {
			args = append(args, nil)
		} else {
			args = append(args, value)
			newVal = value
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argN))
		argN++
		changedFields[apiName] = audit.FieldChange{Old: oldFieldValue(existing, apiName), New: newVal}
	}

	var newZoneID string
	if addressChanged {
		newAddress, _ := fields["address"].(string)
		coords, gerr := s.geocode.Resolve(ctx, newAddress)
		if gerr != nil {
			return Client{}, gerr
		}
		if zoneOverride, ok := fields["zoneId"]; ok && actorIsAdmin {
			if s, ok := zoneOverride.(string); ok {
				newZoneID = s
			}
		} else {
			zones, zerr := s.zones.All(ctx)
			if zerr != nil {
				return Client{}, errs.Internal(zerr)
			}
			nearest, nerr := geocode.NearestZone(coords, zones)
			if nerr != nil {
				return Client{}, errs.Internal(nerr)
			}
			newZoneID = nearest.ID
		}
		setClauses = append(setClauses,
			fmt.Sprintf("address = $%d", argN), fmt.Sprintf("latitude = $%d", argN+1),
			fmt.Sprintf("longitude = $%d", argN+2), fmt.Sprintf("zone_id = $%d", argN+3))
		args = append(args, newAddress, coords.Lat, coords.Lng, newZoneID)
		argN += 4
		changedFields["address"] = audit.FieldChange{Old: existing.Address, New: newAddress}
		if newZoneID != "" && newZoneID != existing.ZoneID {
			changedFields["zoneId"] = audit.FieldChange{Old: existing.ZoneID, New: newZoneID}
		}
	}

	setClauses = append(setClauses, "updated_at = now()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE clients SET %s WHERE id = $%d", strings.Join(setClauses, ", "), argN)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return Client{}, errs.New(errs.CodeDuplicateClient, "a client with this name and date of birth already exists")
		}
		return Client{}, errs.Internal(err)
	}

	updated, err := s.load(ctx, id)
	if err != nil {
		return Client{}, err
	}

	s.cache.Del(ctx, cache.ClientDetailKey(id))
	if addressChanged && newZoneID != "" && newZoneID != existing.ZoneID {
		s.cache.DelPattern(ctx, "clients:list:zone="+existing.ZoneID+":*")
		s.cache.DelPattern(ctx, "clients:list:zone="+newZoneID+":*")
	} else {
		s.cache.DelPattern(ctx, "clients:list:zone="+existing.ZoneID+":*")
	}

	s.audit.Write(ctx, audit.Entry{
		ActorUserID: actor.UserID, ActorRole: actor.Role, Action: "update", ObjectType: "client", ObjectID: id,
		ChangedFields: changedFields,
	})
	return updated, nil
}

// oldFieldValue returns existing's value for a patchable API field name, for
// the {field: {old, new}} audit entry.
func oldFieldValue(existing Client, apiName string) any {
	switch apiName {
	case "firstName":
		return existing.FirstName
	case "lastName":
		return existing.LastName
	case "phone":
		return existing.Phone
	case "emergencyContactName":
		return existing.EmergencyContact.Name
	case "emergencyContactPhone":
		return existing.EmergencyContact.Phone
	case "emergencyContactRelationship":
		return existing.EmergencyContact.Relationship
	case "zoneId":
		return existing.ZoneID
	default:
		return nil
	}
}

// UpsertCarePlan replaces a client's current care plan fields and
// increments version (§4.8).
func (s *Service) UpsertCarePlan(ctx context.Context, actor authtoken.Principal, clientID, summary string, medicationsJSON, allergiesJSON []byte, specialInstructions string) error {
	existing, err := s.load(ctx, clientID)
	if err != nil {
		return err
	}
	if !authz.CanAccessZone(actor, existing.ZoneID) {
		return errs.New(errs.CodeNotFound, "client not found")
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE care_plans
		SET summary = $1, medications = $2, allergies = $3, special_instructions = $4, version = version + 1, updated_at = now()
		WHERE client_id = $5
	`, summary, medicationsJSON, allergiesJSON, nullIfEmpty(specialInstructions), clientID)
	if err != nil {
		return errs.Internal(err)
	}

	s.audit.Write(ctx, audit.Entry{ActorUserID: actor.UserID, ActorRole: actor.Role, Action: "update_care_plan", ObjectType: "care_plan", ObjectID: clientID})
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
