package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/shrinkarr/internal/models"
	"github.com/jmylchreest/shrinkarr/internal/scheduler"
)

// LibraryHandler handles catalog endpoints.
type LibraryHandler struct {
	library LibraryService
}

// NewLibraryHandler creates a new library handler.
func NewLibraryHandler(library LibraryService) *LibraryHandler {
	return &LibraryHandler{library: library}
}

// Register registers the library routes with the API.
func (h *LibraryHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listItems",
		Method:      "GET",
		Path:        "/api/v1/items",
		Summary:     "List items",
		Description: "Returns catalogued video files, optionally filtered by type",
		Tags:        []string{"Library"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getItem",
		Method:      "GET",
		Path:        "/api/v1/items/{id}",
		Summary:     "Get item",
		Description: "Returns a catalogued video file by ID",
		Tags:        []string{"Library"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID:   "rescanLibrary",
		Method:        "POST",
		Path:          "/api/v1/library/rescan",
		Summary:       "Rescan library",
		Description:   "Schedules a scan of the library paths",
		Tags:          []string{"Library"},
		DefaultStatus: 202,
	}, h.Rescan)

	huma.Register(api, huma.Operation{
		OperationID: "validateCron",
		Method:      "POST",
		Path:        "/api/v1/library/cron/validate",
		Summary:     "Validate cron expression",
		Description: "Validates a rescan schedule and returns the next run time",
		Tags:        []string{"Library"},
	}, h.ValidateCron)
}

// ListItemsInput is the input for listing items.
type ListItemsInput struct {
	Type string `query:"type" doc:"Filter by item type (optional)" enum:"movie,episode,video,"`
}

// ListItemsOutput is the output for listing items.
type ListItemsOutput struct {
	Body struct {
		Items []MediaItemResponse `json:"items"`
	}
}

// List returns catalogued items.
func (h *LibraryHandler) List(ctx context.Context, input *ListItemsInput) (*ListItemsOutput, error) {
	items, err := h.library.List(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list items", err)
	}

	resp := &ListItemsOutput{}
	resp.Body.Items = make([]MediaItemResponse, 0, len(items))
	for _, item := range items {
		if input.Type != "" && string(item.Type) != input.Type {
			continue
		}
		resp.Body.Items = append(resp.Body.Items, MediaItemFromModel(item))
	}
	return resp, nil
}

// GetItemInput is the input for getting an item.
type GetItemInput struct {
	ID string `path:"id" doc:"Item ID (ULID)"`
}

// GetItemOutput is the output for getting an item.
type GetItemOutput struct {
	Body MediaItemResponse
}

// GetByID returns an item by ID.
func (h *LibraryHandler) GetByID(ctx context.Context, input *GetItemInput) (*GetItemOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}

	item, err := h.library.GetItem(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get item", err)
	}
	if item == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("item %s not found", input.ID))
	}

	return &GetItemOutput{Body: MediaItemFromModel(item)}, nil
}

// RescanInput is the input for a rescan request.
type RescanInput struct{}

// RescanOutput is the output for a rescan request.
type RescanOutput struct {
	Body struct {
		Message string   `json:"message"`
		Paths   []string `json:"paths"`
	}
}

// Rescan schedules a library scan and returns immediately.
func (h *LibraryHandler) Rescan(ctx context.Context, _ *RescanInput) (*RescanOutput, error) {
	// The request context ends with the response; the scan outlives it.
	h.library.RequestRescan(context.WithoutCancel(ctx))

	resp := &RescanOutput{}
	resp.Body.Message = "rescan scheduled"
	resp.Body.Paths = h.library.Paths()
	return resp, nil
}

// ValidateCronInput is the input for validating a cron expression.
type ValidateCronInput struct {
	Body struct {
		Expression string `json:"expression" doc:"Cron expression (5 fields or a descriptor such as @daily)"`
	}
}

// ValidateCronOutput is the output for validating a cron expression.
type ValidateCronOutput struct {
	Body struct {
		Valid   bool       `json:"valid"`
		Error   string     `json:"error,omitempty"`
		NextRun *time.Time `json:"next_run,omitempty"`
	}
}

// ValidateCron validates a rescan schedule.
func (h *LibraryHandler) ValidateCron(_ context.Context, input *ValidateCronInput) (*ValidateCronOutput, error) {
	resp := &ValidateCronOutput{}

	schedule, err := scheduler.NewParser().Parse(input.Body.Expression)
	if err != nil {
		resp.Body.Error = err.Error()
		return resp, nil
	}

	next := schedule.Next(time.Now())
	resp.Body.Valid = true
	resp.Body.NextRun = &next
	return resp, nil
}
