// Package services provides external service integrations: the messaging
// gateway and the contact directory consumed by the dispatcher.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mercatorhq/herald/app/dispatch"
	"github.com/mercatorhq/herald/config"
	"github.com/mercatorhq/herald/utils"
)

// NewGateway returns the gateway implementation selected by configuration.
// Anything other than the http provider falls back to the in-memory mock.
func NewGateway(cfg *config.GatewayConfig) dispatch.Gateway {
	if cfg.Provider == "http" {
		return NewHTTPGateway(cfg)
	}
	return NewMockGateway()
}

// HTTPGateway sends messages through the provider's REST API
type HTTPGateway struct {
	config *config.GatewayConfig
	client *http.Client
}

// gatewaySendRequest represents the request payload for the provider API
type gatewaySendRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"` // Format: E.164
	Body      string `json:"body"`
}

// gatewaySendResponse represents the provider's verdict on one message
type gatewaySendResponse struct {
	MessageID    string `json:"messageId"`
	Status       string `json:"status"` // ACCEPTED or REJECTED
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// NewHTTPGateway creates a gateway client backed by the provider's REST API
func NewHTTPGateway(cfg *config.GatewayConfig) *HTTPGateway {
	return &HTTPGateway{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Send delivers one message. Transport problems and provider-side outages
// surface as errors; a well-formed rejection comes back as an unaccepted
// result so the caller can tell the two apart.
func (g *HTTPGateway) Send(ctx context.Context, phone, text string) (dispatch.GatewayResult, error) {
	payload := gatewaySendRequest{
		Sender:    g.config.SenderName,
		Recipient: phone,
		Body:      text,
	}
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return dispatch.GatewayResult{}, fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/messages", g.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(requestBody))
	if err != nil {
		return dispatch.GatewayResult{}, fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", g.config.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return dispatch.GatewayResult{}, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return dispatch.GatewayResult{}, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var result gatewaySendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return dispatch.GatewayResult{}, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	if result.Status != "ACCEPTED" {
		return dispatch.GatewayResult{
			Accepted:     false,
			ErrorCode:    result.ErrorCode,
			ErrorMessage: result.ErrorMessage,
		}, nil
	}
	return dispatch.GatewayResult{
		Accepted:  true,
		MessageID: result.MessageID,
	}, nil
}

// MockGateway implements the gateway in memory for development and tests.
// Failures and rejections can be scripted per phone number.
type MockGateway struct {
	mu         sync.Mutex
	sent       []MockSend
	seq        int
	down       bool
	failures   map[string]int
	rejections map[string]int
}

// MockSend records one accepted mock delivery
type MockSend struct {
	Phone  string
	Text   string
	SentAt time.Time
}

// NewMockGateway creates a new mock gateway instance
func NewMockGateway() *MockGateway {
	return &MockGateway{
		failures:   make(map[string]int),
		rejections: make(map[string]int),
	}
}

// Send records the message, honoring any scripted outage or rejection
func (m *MockGateway) Send(ctx context.Context, phone, text string) (dispatch.GatewayResult, error) {
	if err := ctx.Err(); err != nil {
		return dispatch.GatewayResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.down {
		return dispatch.GatewayResult{}, fmt.Errorf("mock gateway down")
	}
	if n := m.failures[phone]; n > 0 {
		m.failures[phone] = n - 1
		return dispatch.GatewayResult{}, fmt.Errorf("mock gateway failure for %s", phone)
	}
	if n := m.rejections[phone]; n > 0 {
		m.rejections[phone] = n - 1
		return dispatch.GatewayResult{
			Accepted:     false,
			ErrorCode:    "BLOCKED",
			ErrorMessage: fmt.Sprintf("recipient %s rejected by mock", phone),
		}, nil
	}

	m.seq++
	m.sent = append(m.sent, MockSend{Phone: phone, Text: text, SentAt: utils.UTCNow()})
	return dispatch.GatewayResult{
		Accepted:  true,
		MessageID: fmt.Sprintf("mock-%d", m.seq),
	}, nil
}

// SetDown scripts a full outage: every send fails until lifted
func (m *MockGateway) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// FailTimes scripts the next n sends to this phone to fail at transport level
func (m *MockGateway) FailTimes(phone string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[phone] = n
}

// RejectTimes scripts the next n sends to this phone to come back rejected
func (m *MockGateway) RejectTimes(phone string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections[phone] = n
}

// Sent returns a copy of all accepted deliveries
func (m *MockGateway) Sent() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sent))
	copy(out, m.sent)
	return out
}

// Clear drops all recorded deliveries and scripted behavior
func (m *MockGateway) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
	m.seq = 0
	m.down = false
	m.failures = make(map[string]int)
	m.rejections = make(map[string]int)
}
