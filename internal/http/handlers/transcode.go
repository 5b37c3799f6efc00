package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/shrinkarr/internal/models"
	"github.com/jmylchreest/shrinkarr/internal/transcode"
)

// TranscodeHandler handles transcode status and queue endpoints.
type TranscodeHandler struct {
	transcode TranscodeService
}

// NewTranscodeHandler creates a new transcode handler.
func NewTranscodeHandler(svc TranscodeService) *TranscodeHandler {
	return &TranscodeHandler{transcode: svc}
}

// Register registers the transcode routes with the API.
func (h *TranscodeHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getTranscodeStatus",
		Method:      "GET",
		Path:        "/api/v1/items/{id}/transcode",
		Summary:     "Get transcode status",
		Description: "Returns whether the item needs, is waiting for, is undergoing or has completed a transcode",
		Tags:        []string{"Transcode"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "enqueueTranscode",
		Method:      "POST",
		Path:        "/api/v1/items/{id}/transcode",
		Summary:     "Queue transcode",
		Description: "Adds the item to the transcode queue if it exceeds the policy",
		Tags:        []string{"Transcode"},
	}, h.Enqueue)

	huma.Register(api, huma.Operation{
		OperationID: "cancelTranscode",
		Method:      "DELETE",
		Path:        "/api/v1/items/{id}/transcode",
		Summary:     "Cancel transcode",
		Description: "Removes the item from the queue, stopping the encoder if it is running",
		Tags:        []string{"Transcode"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "listTranscodeJobs",
		Method:      "GET",
		Path:        "/api/v1/transcode/jobs",
		Summary:     "List transcode jobs",
		Description: "Returns queued and running transcodes in queue order",
		Tags:        []string{"Transcode"},
	}, h.ListJobs)
}

// TranscodeItemInput identifies an item.
type TranscodeItemInput struct {
	ID string `path:"id" doc:"Item ID (ULID)"`
}

// TranscodeStatusOutput is the output for a status query.
type TranscodeStatusOutput struct {
	Body transcode.Status
}

// GetStatus returns the derived transcode status of an item.
func (h *TranscodeHandler) GetStatus(ctx context.Context, input *TranscodeItemInput) (*TranscodeStatusOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	status, err := h.transcode.GetStatus(ctx, id)
	if err != nil {
		return nil, mapTranscodeError(input.ID, "failed to get transcode status", err)
	}
	return &TranscodeStatusOutput{Body: status}, nil
}

// EnqueueOutput is the output for a queue request.
type EnqueueOutput struct {
	Body struct {
		Queued  bool   `json:"queued"`
		Message string `json:"message"`
	}
}

// Enqueue queues an item for transcoding.
func (h *TranscodeHandler) Enqueue(ctx context.Context, input *TranscodeItemInput) (*EnqueueOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	queued, err := h.transcode.Enqueue(ctx, id)
	if err != nil {
		return nil, mapTranscodeError(input.ID, "failed to queue transcode", err)
	}

	resp := &EnqueueOutput{}
	resp.Body.Queued = queued
	if queued {
		resp.Body.Message = "queued"
	} else {
		resp.Body.Message = "item already meets the transcode policy"
	}
	return resp, nil
}

// CancelOutput is the output for a cancel request.
type CancelOutput struct {
	Body struct {
		Cancelled bool `json:"cancelled"`
	}
}

// Cancel removes an item from the queue.
func (h *TranscodeHandler) Cancel(_ context.Context, input *TranscodeItemInput) (*CancelOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	resp := &CancelOutput{}
	resp.Body.Cancelled = h.transcode.Cancel(id)
	return resp, nil
}

// ListJobsInput is the input for listing transcode jobs.
type ListJobsInput struct{}

// ListJobsOutput is the output for listing transcode jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs        []transcode.Job `json:"jobs"`
		QueueLength int             `json:"queue_length"`
	}
}

// ListJobs returns queued and running jobs.
func (h *TranscodeHandler) ListJobs(_ context.Context, _ *ListJobsInput) (*ListJobsOutput, error) {
	jobs := h.transcode.ActiveJobs()
	if jobs == nil {
		jobs = []transcode.Job{}
	}

	resp := &ListJobsOutput{}
	resp.Body.Jobs = jobs
	resp.Body.QueueLength = len(jobs)
	return resp, nil
}

func mapTranscodeError(id, msg string, err error) error {
	switch {
	case errors.Is(err, transcode.ErrItemNotFound):
		return huma.Error404NotFound(fmt.Sprintf("item %s not found", id))
	case errors.Is(err, transcode.ErrPolicyUnavailable):
		return huma.Error503ServiceUnavailable("transcode policy unavailable", err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}
