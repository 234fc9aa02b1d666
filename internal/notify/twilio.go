// Package notify drives Twilio voice and SMS escalation alerts (§4.12).
// The client is a small net/http wrapper posting form-encoded bodies per
// Twilio's documented REST protocol, since Twilio has no official Go SDK.
package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// TwilioClient places outbound voice calls and SMS messages through
// Twilio's REST API.
type TwilioClient struct {
	httpClient *http.Client
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string // override for tests; defaults to api.twilio.com
}

func NewTwilioClient(accountSID, authToken, fromNumber string, timeout time.Duration) *TwilioClient {
	return &TwilioClient{
		httpClient: &http.Client{Timeout: timeout},
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    "https://api.twilio.com/2010-04-01",
	}
}

// CallVoiceAlert places an outbound call that reads alertText via Twilio's
// <Say> TwiML, directing Twilio to POST call-status callbacks to
// statusCallbackURL so the escalation FSM can react to no-answer/busy.
func (c *TwilioClient) CallVoiceAlert(ctx context.Context, toNumber, alertText, statusCallbackURL string) (callSID string, err error) {
	form := url.Values{}
	form.Set("To", toNumber)
	form.Set("From", c.fromNumber)
	form.Set("Twiml", fmt.Sprintf("<Response><Say>%s</Say></Response>", escapeTwiml(alertText)))
	form.Set("StatusCallback", statusCallbackURL)
	form.Set("StatusCallbackEvent", "completed no-answer busy failed")

	resp, err := c.post(ctx, "/Calls.json", form)
	if err != nil {
		return "", err
	}
	return resp.SID, nil
}

// SendSMSAlert sends alertText as an SMS, used as the fallback step after
// the primary contact does not answer a call (§4.12).
func (c *TwilioClient) SendSMSAlert(ctx context.Context, toNumber, alertText string) (messageSID string, err error) {
	form := url.Values{}
	form.Set("To", toNumber)
	form.Set("From", c.fromNumber)
	form.Set("Body", alertText)

	resp, err := c.post(ctx, "/Messages.json", form)
	if err != nil {
		return "", err
	}
	return resp.SID, nil
}

type twilioResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

func (c *TwilioClient) post(ctx context.Context, path string, form url.Values) (*twilioResource, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s%s", c.baseURL, c.accountSID, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify: twilio request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("notify: twilio returned status %d", resp.StatusCode)
	}

	var out twilioResource
	if err := decodeJSON(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("notify: could not decode twilio response: %w", err)
	}

	log.Info().Str("sid", out.SID).Str("path", path).Msg("twilio request sent")
	return &out, nil
}

func escapeTwiml(s string) string {
	replacer := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return replacer.Replace(s)
}

// signatureBase64 computes Twilio's X-Twilio-Signature value for fullURL
// and the request's POST form params, per Twilio's documented algorithm:
// HMAC-SHA1 over the URL with each sorted key/value pair appended, then
// base64-encoded.
func signatureBase64(authToken, fullURL string, params url.Values) string {
	return base64.StdEncoding.EncodeToString(hmacSHA1(authToken, canonicalize(fullURL, params)))
}
