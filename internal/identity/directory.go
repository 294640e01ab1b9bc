package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"grantway.org/internal/entitlement"
)

// HTTPDirectory looks accounts up by email against the identity provider's
// lookup endpoint. The short client timeout matters: a hung lookup must fail
// fast into the pending fulfillment path instead of holding a webhook open.
type HTTPDirectory struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDirectory constructs a directory client for the given endpoint.
func NewHTTPDirectory(endpoint string) *HTTPDirectory {
	return &HTTPDirectory{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 3 * time.Second},
	}
}

// UIDByEmail resolves a normalized email to an account uid.
// Returns entitlement.ErrNotFound when the provider has no account.
func (d *HTTPDirectory) UIDByEmail(ctx context.Context, email string) (string, error) {
	u := d.endpoint + "/lookup?email=" + url.QueryEscape(strings.ToLower(strings.TrimSpace(email)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("directory lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", entitlement.ErrNotFound
	default:
		return "", fmt.Errorf("directory lookup: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		UID string `json:"uid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("directory lookup: decode: %w", err)
	}
	if strings.TrimSpace(payload.UID) == "" {
		return "", entitlement.ErrNotFound
	}
	return payload.UID, nil
}

// Static is a fixed email-to-uid directory for tests.
type Static map[string]string

// UIDByEmail implements the directory lookup over the fixed map.
func (s Static) UIDByEmail(ctx context.Context, email string) (string, error) {
	uid, ok := s[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return "", entitlement.ErrNotFound
	}
	return uid, nil
}
