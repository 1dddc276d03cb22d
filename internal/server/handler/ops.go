package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// JobTrigger requests an immediate run of a named job.
type JobTrigger interface {
	Trigger(name string) error
}

// OpsHandler serves dead-letter inspection and manual job triggers.
type OpsHandler struct {
	bus        domain.SignalBus
	deadLetter string
	jobs       JobTrigger
	logger     *slog.Logger
}

// NewOpsHandler creates an OpsHandler. jobs may be nil when the process
// runs no scheduler.
func NewOpsHandler(bus domain.SignalBus, deadLetterStream string, jobs JobTrigger, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{bus: bus, deadLetter: deadLetterStream, jobs: jobs, logger: logger}
}

type deadLetterItem struct {
	StreamID string `json:"stream_id"`
	domain.DeadLetter
}

// ListDeadLetters returns the newest dead-lettered entries first.
// GET /api/dead-letters?limit=50
func (h *OpsHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)

	msgs, err := h.bus.StreamLatest(r.Context(), h.deadLetter, int64(limit))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read dead letters failed",
			slog.String("stream", h.deadLetter),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read dead letters")
		return
	}

	items := make([]deadLetterItem, 0, len(msgs))
	for _, m := range msgs {
		item := deadLetterItem{StreamID: m.ID}
		if err := json.Unmarshal(m.Payload, &item.DeadLetter); err != nil {
			h.logger.WarnContext(r.Context(), "handler: skipping undecodable dead letter",
				slog.String("stream_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": items,
		"limit":        limit,
	})
}

// TriggerJob queues an immediate run of the named job.
// POST /api/jobs/{name}/trigger
func (h *OpsHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if h.jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running in this process")
		return
	}

	if err := h.jobs.Trigger(name); err != nil {
		if errors.Is(err, domain.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "unknown job")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to trigger job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "triggered",
		"job":    name,
	})
}
