package project

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/eleven-am/bastion/internal/domain"
)

// IsProjectDeleted reports whether err carries one of the signatures the
// Compute API returns for projects that are gone or being deleted.
func IsProjectDeleted(err error) bool {
	var apiErr *domain.ApiExecutionError
	if !errors.As(err, &apiErr) {
		return false
	}
	msg := apiErr.Body
	if apiErr.Err != nil {
		msg += " " + apiErr.Err.Error()
	}
	switch apiErr.HTTPStatus {
	case http.StatusBadRequest, http.StatusNotFound:
		return strings.Contains(msg, "Invalid value for project") || strings.Contains(msg, "Failed to find project")
	case http.StatusForbidden:
		return strings.Contains(msg, "scheduled for deletion")
	}
	return false
}

func classify(err error, action string) (domain.Status, string) {
	var disabled *domain.ApiNotEnabledError
	if errors.As(err, &disabled) {
		return domain.StatusDeleted, fmt.Sprintf("Project has GCE API disabled: %v", err)
	}
	if IsProjectDeleted(err) {
		return domain.StatusDeleted, fmt.Sprintf("Project scheduled for deletion: %v", err)
	}
	return domain.StatusError, fmt.Sprintf("%s: %v", action, err)
}
