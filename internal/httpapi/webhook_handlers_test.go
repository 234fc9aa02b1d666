package httpapi

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestTwilioVoiceStatusRejectsBadSignatureWith403(t *testing.T) {
	srv := &Server{TwilioAuthToken: "shh-its-a-secret", PublicBaseURL: "https://api.berthcare.example"}

	body := url.Values{"CallStatus": {"completed"}}.Encode()
	req := httptest.NewRequest("POST", "/v1/webhooks/twilio/voice/status?alertId=abc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "not-a-real-signature")

	w := httptest.NewRecorder()
	srv.TwilioVoiceStatus(w, req)

	if w.Code != 403 {
		t.Fatalf("expected 403 for an invalid Twilio signature, got %d", w.Code)
	}
}

func TestTwilioSMSStatusRejectsBadSignatureWith403(t *testing.T) {
	srv := &Server{TwilioAuthToken: "shh-its-a-secret", PublicBaseURL: "https://api.berthcare.example"}

	body := url.Values{"MessageStatus": {"delivered"}}.Encode()
	req := httptest.NewRequest("POST", "/v1/webhooks/twilio/sms/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "not-a-real-signature")

	w := httptest.NewRecorder()
	srv.TwilioSMSStatus(w, req)

	if w.Code != 403 {
		t.Fatalf("expected 403 for an invalid Twilio signature, got %d", w.Code)
	}
}
