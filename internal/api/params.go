package api

import (
	"errors"
	"net/http"

	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/task"
	"github.com/opsfleet/orchestrator/internal/ticket"
)

func ticketParamsFrom(req createTicketRequest) ticket.CreateParams {
	return ticket.CreateParams{
		ProjectID:      req.ProjectID,
		Title:          req.Title,
		Description:    req.Description,
		Priority:       req.Priority,
		Phase:          req.Phase,
		ReviewDeadline: req.ReviewDeadline,
	}
}

func taskParamsFrom(req createTaskRequest) task.EnqueueParams {
	return task.EnqueueParams{
		TicketID:        req.TicketID,
		Phase:           req.Phase,
		TaskType:        req.TaskType,
		Priority:        task.Priority(req.Priority),
		Description:     req.Description,
		RequiredCaps:    req.RequiredCaps,
		Dependencies:    req.Dependencies,
		MaxRetries:      req.MaxRetries,
		TimeoutSeconds:  req.TimeoutSeconds,
		ExecutionConfig: req.ExecutionConfig,
	}
}

// writeCoreError maps a coreerr.Kind to the HTTP status the external
// interface contract implies for it.
func writeCoreError(w http.ResponseWriter, err error) {
	var ce *coreerr.CoreError
	if !errors.As(err, &ce) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch ce.Kind {
	case coreerr.KindValidation, coreerr.KindContract:
		status = http.StatusBadRequest
	case coreerr.KindNotFound:
		status = http.StatusNotFound
	case coreerr.KindConcurrency:
		status = http.StatusConflict
	case coreerr.KindPermanent:
		status = http.StatusUnprocessableEntity
	case coreerr.KindTransient:
		status = http.StatusServiceUnavailable
	case coreerr.KindFatal:
		status = http.StatusInternalServerError
	}
	http.Error(w, ce.Error(), status)
}
