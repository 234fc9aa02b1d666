package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/berthcare/core/internal/errs"
	"github.com/berthcare/core/internal/visit"
)

type visitResponse struct {
	ID                 string     `json:"id"`
	ClientID           string     `json:"clientId"`
	StaffID            string     `json:"staffId"`
	ScheduledStartTime time.Time  `json:"scheduledStartTime"`
	CheckInTime        *time.Time `json:"checkInTime,omitempty"`
	CheckInLat         *float64   `json:"checkInLat,omitempty"`
	CheckInLng         *float64   `json:"checkInLng,omitempty"`
	CheckOutTime       *time.Time `json:"checkOutTime,omitempty"`
	CheckOutLat        *float64   `json:"checkOutLat,omitempty"`
	CheckOutLng        *float64   `json:"checkOutLng,omitempty"`
	Status             string     `json:"status"`
	DurationMinutes    *int       `json:"durationMinutes,omitempty"`
	CopiedFromVisitID  string     `json:"copiedFromVisitId,omitempty"`
}

func toVisitResponse(v visit.Visit) visitResponse {
	return visitResponse{
		ID: v.ID, ClientID: v.ClientID, StaffID: v.StaffID, ScheduledStartTime: v.ScheduledStartTime,
		CheckInTime: v.CheckInTime, CheckInLat: v.CheckInLat, CheckInLng: v.CheckInLng,
		CheckOutTime: v.CheckOutTime, CheckOutLat: v.CheckOutLat, CheckOutLng: v.CheckOutLng,
		Status: string(v.Status), DurationMinutes: v.DurationMinutes, CopiedFromVisitID: v.CopiedFromVisitID,
	}
}

type documentationResponse struct {
	VitalSigns   json.RawMessage `json:"vitalSigns,omitempty"`
	Activities   json.RawMessage `json:"activities,omitempty"`
	Observations string          `json:"observations,omitempty"`
	Concerns     string          `json:"concerns,omitempty"`
}

type photoResponse struct {
	ID         string    `json:"id"`
	S3Key      string    `json:"s3Key"`
	S3URL      string    `json:"s3Url"`
	UploadedAt time.Time `json:"uploadedAt"`
}

type visitDetailResponse struct {
	visitResponse
	ClientName    string                 `json:"clientName"`
	StaffName     string                 `json:"staffName"`
	Documentation documentationResponse  `json:"documentation"`
	Photos        []photoResponse        `json:"photos"`
}

func toVisitDetailResponse(d visit.Detail) visitDetailResponse {
	photos := make([]photoResponse, 0, len(d.Photos))
	for _, p := range d.Photos {
		photos = append(photos, photoResponse{ID: p.ID, S3Key: p.S3Key, S3URL: p.S3URL, UploadedAt: p.UploadedAt})
	}
	return visitDetailResponse{
		visitResponse: toVisitResponse(d.Visit),
		ClientName:    d.ClientName,
		StaffName:     d.StaffName,
		Documentation: documentationResponse{
			VitalSigns: d.Documentation.VitalSigns, Activities: d.Documentation.Activities,
			Observations: d.Documentation.Observations, Concerns: d.Documentation.Concerns,
		},
		Photos: photos,
	}
}

type createVisitRequest struct {
	ClientID           string    `json:"clientId" validate:"required"`
	ScheduledStartTime time.Time `json:"scheduledStartTime" validate:"required"`
	CheckInLat         *float64  `json:"checkInLat"`
	CheckInLng         *float64  `json:"checkInLng"`
	CopiedFromVisitID  string    `json:"copiedFromVisitId"`
}

func (s *Server) CreateVisit(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())

	var req createVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "clientId and scheduledStartTime are required"))
		return
	}

	v, err := s.Visits.Create(r.Context(), principal, visit.CreateInput{
		ClientID: req.ClientID, ScheduledStartTime: req.ScheduledStartTime,
		CheckInLat: req.CheckInLat, CheckInLng: req.CheckInLng, CopiedFromVisitID: req.CopiedFromVisitID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, toVisitResponse(v))
}

func (s *Server) GetVisit(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	d, err := s.Visits.Detail(r.Context(), principal, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toVisitDetailResponse(d))
}

func (s *Server) ListVisits(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	q := r.URL.Query()

	visits, err := s.Visits.List(r.Context(), principal, visit.ListFilter{
		ClientID:  q.Get("clientId"),
		StaffID:   q.Get("staffId"),
		Status:    visit.Status(q.Get("status")),
		StartDate: q.Get("startDate"),
		EndDate:   q.Get("endDate"),
		Page:      parseIntDefault(q.Get("page"), 1),
		Limit:     parseIntDefault(q.Get("limit"), 20),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	results := make([]visitResponse, 0, len(visits))
	for _, v := range visits {
		results = append(results, toVisitResponse(v))
	}
	writeJSON(w, r, http.StatusOK, results)
}

type updateVisitRequest struct {
	VitalSigns   json.RawMessage `json:"vitalSigns"`
	Activities   json.RawMessage `json:"activities"`
	Observations *string         `json:"observations"`
	Concerns     *string         `json:"concerns"`
	CheckOutTime *time.Time      `json:"checkOutTime"`
	CheckOutLat  *float64        `json:"checkOutLat"`
	CheckOutLng  *float64        `json:"checkOutLng"`
	Status       string          `json:"status"`
}

func (s *Server) UpdateVisit(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req updateVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}

	v, err := s.Visits.Update(r.Context(), principal, id, visit.PatchInput{
		VitalSigns: req.VitalSigns, Activities: req.Activities, Observations: req.Observations, Concerns: req.Concerns,
		CheckOutTime: req.CheckOutTime, CheckOutLat: req.CheckOutLat, CheckOutLng: req.CheckOutLng,
		Status: visit.Status(req.Status),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toVisitResponse(v))
}

type uploadURLRequest struct {
	MimeType      string `json:"mimeType" validate:"required"`
	SizeBytes     int64  `json:"sizeBytes" validate:"required"`
	SignatureType string `json:"signatureType"`
}

type uploadURLResponse struct {
	UploadURL string    `json:"uploadUrl"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) IssuePhotoUploadURL(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "mimeType and sizeBytes are required"))
		return
	}

	grant, err := s.Visits.IssuePhotoUpload(r.Context(), principal, id, req.MimeType, req.SizeBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, uploadURLResponse{UploadURL: grant.UploadURL, Key: grant.Key, ExpiresAt: grant.ExpiresAt})
}

type recordUploadRequest struct {
	S3Key string `json:"s3Key" validate:"required"`
	S3URL string `json:"s3Url" validate:"required"`
}

func (s *Server) RecordPhoto(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req recordUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "s3Key and s3Url are required"))
		return
	}

	p, err := s.Visits.RecordPhoto(r.Context(), principal, id, req.S3Key, req.S3URL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, photoResponse{ID: p.ID, S3Key: p.S3Key, S3URL: p.S3URL, UploadedAt: p.UploadedAt})
}

func (s *Server) IssueSignatureUploadURL(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req uploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "mimeType and sizeBytes are required"))
		return
	}
	if req.SignatureType == "" {
		req.SignatureType = "client"
	}

	grant, err := s.Visits.IssueSignatureUpload(r.Context(), principal, id, req.SignatureType, req.MimeType, req.SizeBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, uploadURLResponse{UploadURL: grant.UploadURL, Key: grant.Key, ExpiresAt: grant.ExpiresAt})
}

func (s *Server) RecordSignature(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req recordUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "malformed request body"))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, errs.New(errs.CodeValidation, "s3Key and s3Url are required"))
		return
	}

	if err := s.Visits.RecordSignature(r.Context(), principal, id, req.S3Key, req.S3URL); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
