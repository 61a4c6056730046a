package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/dispatcher/internal/common/ids"
	"go.flowcatalyst.tech/dispatcher/internal/queue"
	"go.flowcatalyst.tech/dispatcher/internal/router/model"
	"go.flowcatalyst.tech/dispatcher/internal/router/registry"
)

const maxJobBody = 1 << 20

// PublishJobRequest is the body of POST /api/dispatch/jobs
type PublishJobRequest struct {
	JobID          string            `json:"jobId,omitempty"`
	SubscriptionID string            `json:"subscriptionId"`
	MessageGroup   string            `json:"messageGroup,omitempty"`
	DispatchMode   string            `json:"dispatchMode,omitempty"`
	Payload        string            `json:"payload"`
	ContentType    string            `json:"contentType,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// PublishJobResponse is returned for an accepted job
type PublishJobResponse struct {
	JobID string `json:"jobId"`
}

// SubscriptionLookup resolves subscriptions; registry.Registry satisfies it
type SubscriptionLookup interface {
	Subscription(ctx context.Context, id string) (*model.Subscription, error)
}

// JobHandler publishes dispatch jobs onto the queue
type JobHandler struct {
	publisher queue.Publisher
	subject   string
	subs      SubscriptionLookup
}

// NewJobHandler creates a job handler. subs may be nil to skip the
// subscription check.
func NewJobHandler(publisher queue.Publisher, subject string, subs SubscriptionLookup) *JobHandler {
	return &JobHandler{publisher: publisher, subject: subject, subs: subs}
}

// RegisterRoutes mounts the job routes on r
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Post("/dispatch/jobs", h.Publish)
}

// Publish handles POST /api/dispatch/jobs. The job id doubles as the
// queue deduplication id, so a retried publish of the same job is dropped
// by backends that deduplicate.
func (h *JobHandler) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var req PublishJobRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.SubscriptionID == "" {
		writeError(w, http.StatusBadRequest, "subscriptionId is required")
		return
	}
	if _, err := model.ParseDispatchMode(req.DispatchMode); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.JobID == "" {
		req.JobID = ids.New()
	}

	if h.subs != nil {
		if _, err := h.subs.Subscription(r.Context(), req.SubscriptionID); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				writeError(w, http.StatusNotFound, "subscription not found: "+req.SubscriptionID)
				return
			}
			writeError(w, http.StatusServiceUnavailable, "subscription lookup failed")
			return
		}
	}

	msg := model.DispatchMessage{
		JobID:          req.JobID,
		SubscriptionID: req.SubscriptionID,
		MessageGroup:   req.MessageGroup,
		DispatchMode:   req.DispatchMode,
		Payload:        req.Payload,
		ContentType:    req.ContentType,
		Headers:        req.Headers,
	}
	data, err := msg.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	builder := queue.NewMessageBuilder(h.subject).
		WithData(data).
		WithDeduplicationID(req.JobID)
	if req.MessageGroup != "" {
		builder = builder.WithMessageGroup(req.MessageGroup)
	}

	if err := h.publisher.PublishMessage(r.Context(), builder); err != nil {
		slog.Error("Failed to publish dispatch job", "messageId", req.JobID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "publish failed")
		return
	}

	slog.Debug("Published dispatch job",
		"messageId", req.JobID,
		"subscriptionId", req.SubscriptionID,
		"group", req.MessageGroup)
	writeJSON(w, http.StatusAccepted, PublishJobResponse{JobID: req.JobID})
}
