package notify

import (
	"net/url"
	"testing"
)

func TestVerifyTwilioSignatureRoundTrip(t *testing.T) {
	authToken := "shh-its-a-secret"
	fullURL := "https://api.berthcare.example/v1/webhooks/twilio/voice/status?alertId=abc"
	params := url.Values{
		"CallStatus": {"completed"},
		"CallSid":    {"CA123"},
	}

	sig := signatureBase64(authToken, fullURL, params)
	if !VerifyTwilioSignature(authToken, fullURL, params, sig) {
		t.Fatal("expected a signature computed with the matching token to verify")
	}
}

func TestVerifyTwilioSignatureRejectsTamperedParams(t *testing.T) {
	authToken := "shh-its-a-secret"
	fullURL := "https://api.berthcare.example/v1/webhooks/twilio/voice/status?alertId=abc"
	params := url.Values{"CallStatus": {"completed"}}

	sig := signatureBase64(authToken, fullURL, params)

	tampered := url.Values{"CallStatus": {"no-answer"}}
	if VerifyTwilioSignature(authToken, fullURL, tampered, sig) {
		t.Fatal("expected signature to reject tampered params")
	}
}

func TestVerifyTwilioSignatureRejectsWrongToken(t *testing.T) {
	fullURL := "https://api.berthcare.example/v1/webhooks/twilio/voice/status?alertId=abc"
	params := url.Values{"CallStatus": {"completed"}}

	sig := signatureBase64("correct-token", fullURL, params)
	if VerifyTwilioSignature("wrong-token", fullURL, params, sig) {
		t.Fatal("expected signature computed with a different token to be rejected")
	}
}

func TestCanonicalizeOrdersKeysAscending(t *testing.T) {
	params := url.Values{
		"To":   {"+15551234567"},
		"Body": {"hello"},
	}
	got := canonicalize("https://example.com/hook", params)
	want := "https://example.com/hookBodyhelloTo+15551234567"
	if got != want {
		t.Fatalf("canonicalize() = %q, want %q", got, want)
	}
}
