// Package notify is the boundary to the mail collaborator. Dispatch is
// best-effort and always happens after the fulfillment transaction commits;
// errors are reported to the caller and swallowed there.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"grantway.org/internal/entitlement"
	"grantway.org/internal/obs"
)

// HTTPDispatcher posts access-ready notes to the mail collaborator.
type HTTPDispatcher struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ entitlement.Notifier = (*HTTPDispatcher)(nil)

// NewHTTP constructs a dispatcher for the given endpoint.
func NewHTTP(endpoint, apiKey string) *HTTPDispatcher {
	return &HTTPDispatcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// AccessReady sends one note. Any non-2xx answer is an error; the caller
// logs and moves on.
func (d *HTTPDispatcher) AccessReady(ctx context.Context, note entitlement.AccessNote) error {
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/v1/access-ready", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send access note: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send access note: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// LogDispatcher writes notes to the structured log. Local development
// stand-in when no mail endpoint is configured.
type LogDispatcher struct{}

var _ entitlement.Notifier = LogDispatcher{}

// AccessReady logs the note and always succeeds.
func (LogDispatcher) AccessReady(ctx context.Context, note entitlement.AccessNote) error {
	obs.LogRequest(map[string]any{
		"msg":         "access note",
		"email":       note.Email,
		"operator_id": note.OperatorID,
		"resource_id": note.ResourceID,
		"pending":     note.Pending,
	})
	return nil
}
