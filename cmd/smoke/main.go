// Command smoke drives a running grantway-api through the fulfillment
// happy path: it posts a signed payment event, replays the delivery, and
// checks that the second answer reports a duplicate.
//
// Point it at a dev instance started with GRANTWAY_WEBHOOK_SECRET set:
//
//	GRANTWAY_SMOKE_SECRET=whsec_dev go run ./cmd/smoke
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"grantway.org/internal/entitlement"
	"grantway.org/internal/httpapi"
)

func main() {
	base := os.Getenv("GRANTWAY_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	secret := os.Getenv("GRANTWAY_SMOKE_SECRET")
	if secret == "" {
		log.Fatal("GRANTWAY_SMOKE_SECRET is required")
	}

	eventID := fmt.Sprintf("evt_smoke_%d", rand.Int())
	body, err := json.Marshal(purchaseEvent(eventID))
	if err != nil {
		log.Fatalf("marshal event: %v", err)
	}

	first, err := deliver(base, secret, body)
	if err != nil {
		log.Fatalf("first delivery: %v", err)
	}
	if first.Outcome != "fulfilled" && first.Outcome != "pending" {
		log.Fatalf("unexpected first outcome: %+v", first)
	}

	second, err := deliver(base, secret, body)
	if err != nil {
		log.Fatalf("redelivery: %v", err)
	}
	if second.Outcome != "duplicate" {
		log.Fatalf("redelivery not deduplicated: %+v", second)
	}

	fmt.Printf("✅ webhook smoke test passed: event=%s first=%s/%s\n", eventID, first.Outcome, first.Path)
}

// purchaseEvent builds a processor event the engine treats as a purchase.
// The type must be the fulfilling one; anything else is accepted and ignored.
func purchaseEvent(eventID string) map[string]any {
	return map[string]any{
		"id":   eventID,
		"type": entitlement.EventTypePurchaseCompleted,
		"data": map[string]any{
			"object": map[string]any{
				"id":             fmt.Sprintf("cs_smoke_%d", rand.Int()),
				"mode":           "payment",
				"amount_total":   4900,
				"currency":       "usd",
				"customer_email": "smoke@example.com",
				"created":        time.Now().Unix(),
				"metadata": map[string]string{
					"operator_id":   "op-demo",
					"resource_id":   "prog-smoke",
					"source_module": "program",
					"vertical":      "fitness",
				},
			},
		},
	}
}

type outcome struct {
	Outcome string `json:"outcome"`
	Path    string `json:"path"`
}

func deliver(base, secret string, body []byte) (outcome, error) {
	req, err := http.NewRequest(http.MethodPost, base+"/v1/webhooks/payment", bytes.NewReader(body))
	if err != nil {
		return outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payment-Signature", httpapi.SignPayload(secret, body, time.Now()))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return outcome{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return outcome{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return outcome{}, fmt.Errorf("status %d: %s", resp.StatusCode, raw)
	}
	var out outcome
	if err := json.Unmarshal(raw, &out); err != nil {
		return outcome{}, fmt.Errorf("decode answer: %w", err)
	}
	return out, nil
}
