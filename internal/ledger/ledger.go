// Package ledger persists per-call usage and cost records. Writes are
// asynchronous; the request path only enqueues.
package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/modelbridge/bridge/internal/provider"
)

// Record is one completed provider call's usage accounting.
type Record struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	InputCost        float64   `json:"input_cost"`
	OutputCost       float64   `json:"output_cost"`
	TotalCost        float64   `json:"total_cost"`
	Currency         string    `json:"currency"`
	PricingAvailable bool      `json:"pricing_available"`
	LatencyMS        int64     `json:"latency_ms"`
	FinishReason     string    `json:"finish_reason"`
	RequestID        string    `json:"request_id,omitempty"`
}

// FromResponse builds a Record from a completed call.
func FromResponse(providerName string, resp *provider.Response) *Record {
	record := &Record{
		ID:               newRecordID(),
		Timestamp:        time.Now().UTC(),
		Provider:         providerName,
		Model:            resp.Model,
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		InputCost:        resp.Cost.InputCost,
		OutputCost:       resp.Cost.OutputCost,
		TotalCost:        resp.Cost.TotalCost,
		Currency:         resp.Cost.Currency,
		PricingAvailable: resp.Cost.PricingAvailable,
		LatencyMS:        resp.Latency.Milliseconds(),
		FinishReason:     string(resp.FinishReason),
	}
	if id, ok := resp.Metadata["response_id"].(string); ok {
		record.RequestID = id
	}
	return record
}

func newRecordID() string {
	var bytes [16]byte
	if _, err := rand.Read(bytes[:]); err != nil {
		return fmt.Sprintf("usage-%d", time.Now().UnixNano())
	}
	return "usage-" + hex.EncodeToString(bytes[:])
}
