// Handler for producer-side event ingestion: one atomic ledger append plus
// job enqueue. Persistence faults surface as an opaque 503 — the producer
// owns its own retry, this layer never retries internally.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// ingestBody is the JSON request body for POST /events/ingest. The whole
// (normalized) body is persisted as the ledger raw_payload, so the effect
// processor can re-read any field later.
type ingestBody struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// ingestResponse is the 202 acknowledgment body.
type ingestResponse struct {
	Accepted bool `json:"accepted"`
}

// ingestHandler handles POST /events/ingest.
func (srv *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var body ingestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	body.EventID = strings.TrimSpace(body.EventID)
	body.EventType = strings.TrimSpace(body.EventType)
	if body.EventID == "" {
		http.Error(w, "event_id must be a non-empty string", http.StatusBadRequest)
		return
	}
	if body.EventType == "" {
		http.Error(w, "event_type must be a non-empty string", http.StatusBadRequest)
		return
	}
	// payload must be a JSON object, not a scalar, array, or null.
	var payloadObj map[string]json.RawMessage
	if body.Payload == nil || json.Unmarshal(body.Payload, &payloadObj) != nil || payloadObj == nil {
		http.Error(w, "payload must be a JSON object", http.StatusBadRequest)
		return
	}

	raw, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := srv.store.IngestEvent(r.Context(), body.EventType, body.EventID, raw, srv.cfg.JobMaxAttempts)
	if err != nil {
		// Deliberately opaque: the outbox tx rolled back, no partial state
		// persists, and the producer should just retry.
		slog.ErrorContext(r.Context(), "ingest event", "event_id", body.EventID, "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}

	slog.InfoContext(r.Context(), "event ingested and job enqueued",
		"event_id", body.EventID,
		"event_type", body.EventType,
		"event_ledger_id", res.EventLedgerID,
		"job_id", res.JobID)

	writeJSON(w, http.StatusAccepted, ingestResponse{Accepted: true})
}
