package gcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	"github.com/eleven-am/bastion/internal/domain"
)

type errorItem struct {
	Domain  string `json:"domain"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type errorBody struct {
	Error struct {
		Errors []errorItem `json:"errors"`
	} `json:"error"`
}

func classify(project string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("compute API %s: %w", project, err)
	}
	if isAPINotEnabled(gerr) {
		return &domain.ApiNotEnabledError{Project: project, Err: err}
	}
	return &domain.ApiExecutionError{
		Project:    project,
		HTTPStatus: gerr.Code,
		Body:       gerr.Body,
		Err:        err,
	}
}

// isAPINotEnabled matches a 403 whose every error item is
// usageLimits/accessNotConfigured.
func isAPINotEnabled(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusForbidden {
		return false
	}
	var body errorBody
	if err := json.Unmarshal([]byte(gerr.Body), &body); err != nil {
		return false
	}
	items := body.Error.Errors
	if len(items) == 0 {
		return false
	}
	for _, item := range items {
		if item.Domain != "usageLimits" || item.Reason != "accessNotConfigured" {
			return false
		}
	}
	return true
}

func retryable(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusTooManyRequests || gerr.Code >= http.StatusInternalServerError
}
