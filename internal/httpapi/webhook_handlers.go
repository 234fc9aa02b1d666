package httpapi

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/berthcare/core/internal/notify"
)

// fullCallbackURL reconstructs the exact URL Twilio signed: its own
// public base (never the request's Host, which may be an internal
// load-balancer address) plus the request's path and raw query.
func (s *Server) fullCallbackURL(r *http.Request) string {
	u := s.PublicBaseURL + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

func verifyTwilioRequest(w http.ResponseWriter, r *http.Request, authToken, fullURL string) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return false
	}
	if !notify.VerifyTwilioSignature(authToken, fullURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
		log.Ctx(r.Context()).Warn().Msg("rejected twilio webhook with invalid signature")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return false
	}
	return true
}

// TwilioVoiceStatus receives call-status callbacks for an in-flight
// escalation (§4.12) and advances the alert's FSM accordingly.
func (s *Server) TwilioVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if !verifyTwilioRequest(w, r, s.TwilioAuthToken, s.fullCallbackURL(r)) {
		return
	}

	alertID := r.URL.Query().Get("alertId")
	callStatus := r.PostForm.Get("CallStatus")
	if alertID == "" || callStatus == "" {
		http.Error(w, "missing alertId or CallStatus", http.StatusBadRequest)
		return
	}

	s.Escalator.ResolveFromCallback(r.Context(), alertID, callStatus)
	w.WriteHeader(http.StatusNoContent)
}

// TwilioSMSStatus receives delivery-status callbacks for escalation SMS
// fallback messages. Delivery failures are logged for operational
// visibility; the FSM has already moved on by the time an SMS status
// callback arrives, so no further transition happens here.
func (s *Server) TwilioSMSStatus(w http.ResponseWriter, r *http.Request) {
	if !verifyTwilioRequest(w, r, s.TwilioAuthToken, s.fullCallbackURL(r)) {
		return
	}

	status := r.PostForm.Get("MessageStatus")
	sid := r.PostForm.Get("MessageSid")
	if status == "failed" || status == "undelivered" {
		log.Ctx(r.Context()).Warn().Str("message_sid", sid).Str("status", status).Msg("escalation sms delivery failed")
	}
	w.WriteHeader(http.StatusNoContent)
}
