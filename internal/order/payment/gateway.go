package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type PushRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Amount      int64  `json:"amount"`
}

type PushResponse struct {
	Success           bool   `json:"success"`
	CheckoutRequestID string `json:"checkoutRequestID,omitempty"`
	Message           string `json:"message,omitempty"`
}

// Gateway initiates a push prompt on the payer's phone. Confirmation does
// not come back on this call; it arrives later as a callback matched by the
// checkout request id.
type Gateway interface {
	InitiatePush(ctx context.Context, req PushRequest) (PushResponse, error)
}

type HTTPGateway struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) InitiatePush(ctx context.Context, req PushRequest) (PushResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return PushResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/stkpush", bytes.NewReader(data))
	if err != nil {
		return PushResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return PushResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PushResponse{}, fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	var out PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PushResponse{}, err
	}
	return out, nil
}

// reasonMessages maps gateway result codes to messages a customer can act
// on. Unknown codes fall back to the gateway's own description.
var reasonMessages = map[string]string{
	"1":    "The payment was declined: insufficient funds on the paying line.",
	"1001": "The paying line is busy with another transaction. Try again in a moment.",
	"1019": "The payment request expired before it was confirmed.",
	"1032": "The payment request was cancelled on the phone.",
	"1037": "The phone could not be reached. Check that it is on and try again.",
	"2001": "The PIN entered was incorrect.",
}

func ReasonFor(code, fallback string) string {
	if msg, ok := reasonMessages[code]; ok {
		return msg
	}
	if fallback != "" {
		return fallback
	}
	return fmt.Sprintf("The payment failed (code %s).", code)
}
