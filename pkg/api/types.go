package api

import (
	"time"

	"huntd/pkg/model"
)

// ExecuteRequest starts a hunt against a case.
type ExecuteRequest struct {
	CaseID     string         `json:"caseId"`
	Parameters map[string]any `json:"parameters"`
}

type ExecuteResponse struct {
	ExecutionID string `json:"executionId"`
}

type CancelResponse struct {
	Accepted bool `json:"accepted"`
}

// StreamTokenResponse carries a short-lived credential for one execution's live channel.
type StreamTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	URL       string    `json:"url"`
}

// HuntSummary is the catalog listing entry.
type HuntSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName,omitempty"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

func summarize(def model.HuntDefinition) HuntSummary {
	s := HuntSummary{
		ID:          def.ID,
		Name:        def.Name,
		DisplayName: def.DisplayName,
		Category:    def.Category,
		Description: def.Description,
		Steps:       make([]string, 0, len(def.Steps)),
	}
	for _, st := range def.Steps {
		s.Steps = append(s.Steps, st.StepID)
	}
	return s
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Message  string   `json:"message"`
	Problems []string `json:"problems,omitempty"`
}
