package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/berthcare/core/internal/authz"
	"github.com/berthcare/core/internal/client"
	"github.com/berthcare/core/internal/errs"
)

type emergencyContactPayload struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship"`
}

type clientResponse struct {
	ID               string                  `json:"id"`
	FirstName        string                  `json:"firstName"`
	LastName         string                  `json:"lastName"`
	DateOfBirth      string                  `json:"dateOfBirth"`
	Address          string                  `json:"address"`
	Latitude         float64                 `json:"latitude"`
	Longitude        float64                 `json:"longitude"`
	Phone            string                  `json:"phone,omitempty"`
	EmergencyContact emergencyContactPayload `json:"emergencyContact"`
	ZoneID           string                  `json:"zoneId"`
}

func toClientResponse(c client.Client) clientResponse {
	return clientResponse{
		ID: c.ID, FirstName: c.FirstName, LastName: c.LastName, DateOfBirth: c.DateOfBirth,
		Address: c.Address, Latitude: c.Latitude, Longitude: c.Longitude, Phone: c.Phone,
		EmergencyContact: emergencyContactPayload{
			Name: c.EmergencyContact.Name, Phone: c.EmergencyContact.Phone, Relationship: c.EmergencyContact.Relationship,
		},
		ZoneID: c.ZoneID,
	}
}

type createClientRequest struct {
	FirstName        string                  `json:"firstName" validate:"required"`
	LastName         string                  `json:"lastName" validate:"required"`
	DateOfBirth      string                  `json:"dateOfBirth" validate:"required"`
	Address          string                  `json:"address" validate:"required"`
	Phone            string                  `json:"phone"`
	EmergencyContact emergencyContactPayload `json:"emergencyContact"`
	ZoneID           string                  `json:"zoneId"`
}

func (s *Server) CreateClient(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	if !authz.CanManageClients(principal) {
		writeError(w, r, errs.New(errs.CodeForbidden, "only coordinators and admins may create clients"))
		return
	}

	var req createClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "firstName, lastName, dateOfBirth, and address are required"))
		return
	}

	zoneOverride := req.ZoneID
	if zoneOverride != "" && principal.Role != authz.RoleAdmin {
		writeError(w, r, errs.New(errs.CodeForbidden, "only admins may assign an explicit zone"))
		return
	}

	c, err := s.Clients.Create(r.Context(), principal, client.CreateInput{
		FirstName: req.FirstName, LastName: req.LastName, DateOfBirth: req.DateOfBirth, Address: req.Address,
		Phone: req.Phone, ZoneIDOverride: zoneOverride,
		EmergencyContact: client.EmergencyContact{
			Name: req.EmergencyContact.Name, Phone: req.EmergencyContact.Phone, Relationship: req.EmergencyContact.Relationship,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, toClientResponse(c))
}

func (s *Server) GetClient(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	c, err := s.Clients.Get(r.Context(), principal, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toClientResponse(c))
}

// ListClients is cache-aware per §4.11; caregivers and coordinators are
// implicitly scoped to their zone, admins may pass ?zoneId= to pick one or
// omit it to list across every zone.
func (s *Server) ListClients(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	zoneID := principal.ZoneID
	if principal.Role == authz.RoleAdmin {
		zoneID = r.URL.Query().Get("zoneId")
	} else if zoneID == "" {
		writeError(w, r, errs.New(errs.CodeValidation, "zoneId is required"))
		return
	}

	page := parseIntDefault(r.URL.Query().Get("page"), 1)
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)

	results, err := s.Clients.List(r.Context(), principal, zoneID, page, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	responses := make([]clientResponse, len(results))
	for i, c := range results {
		responses[i] = toClientResponse(c)
	}
	writeJSON(w, r, http.StatusOK, responses)
}

func (s *Server) UpdateClient(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	if !authz.CanManageClients(principal) {
		writeError(w, r, errs.New(errs.CodeForbidden, "only coordinators and admins may update clients"))
		return
	}
	id := chi.URLParam(r, "id")

	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	for k, v := range fields {
		if v == nil {
			fields[k] = client.Null{}
		}
	}

	c, err := s.Clients.Update(r.Context(), principal, id, fields, principal.Role == authz.RoleAdmin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toClientResponse(c))
}

type carePlanRequest struct {
	Summary             string          `json:"summary"`
	Medications         json.RawMessage `json:"medications"`
	Allergies           json.RawMessage `json:"allergies"`
	SpecialInstructions string          `json:"specialInstructions"`
}

func (s *Server) UpsertCarePlan(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	if !authz.CanManageClients(principal) {
		writeError(w, r, errs.New(errs.CodeForbidden, "only coordinators and admins may update care plans"))
		return
	}
	id := chi.URLParam(r, "id")

	var req carePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if req.Medications == nil {
		req.Medications = []byte("[]")
	}
	if req.Allergies == nil {
		req.Allergies = []byte("[]")
	}

	if err := s.Clients.UpsertCarePlan(r.Context(), principal, id, req.Summary, req.Medications, req.Allergies, req.SpecialInstructions); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseIntDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
