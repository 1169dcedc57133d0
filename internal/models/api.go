package models

import "strings"

// SubmitRequest is the body of the job submission endpoint.
type SubmitRequest struct {
	WorkflowID         string    `json:"workflowId"`
	Mode               Mode      `json:"mode"`
	Prompt             string    `json:"prompt"`
	NegativePrompt     string    `json:"negativePrompt,omitempty"`
	EnhancedPrompt     string    `json:"enhancedPrompt,omitempty"`
	Params             JobParams `json:"params"`
	InputImageFilename string    `json:"inputImageFilename,omitempty"`
	ClientID           string    `json:"clientId,omitempty"`
	EngineBaseURL      string    `json:"engineBaseUrl,omitempty"`
}

// Validate checks the fields required before anything reaches the engine.
func (r SubmitRequest) Validate() error {
	switch {
	case r.WorkflowID == "":
		return Invalid("workflowId", "is required")
	case !r.Mode.Valid():
		return Invalid("mode", "must be one of the supported modes")
	case strings.TrimSpace(r.Prompt) == "" && strings.TrimSpace(r.EnhancedPrompt) == "":
		return Invalid("prompt", "is required")
	}
	return r.Params.Validate()
}

// SubmitResponse identifies a queued job on the engine and in the record store.
type SubmitResponse struct {
	PromptID    string `json:"promptId"`
	JobRecordID string `json:"jobRecordId"`
	Number      int    `json:"number"`
}

// EnhanceRequest is the body of the prompt enhancement endpoint.
type EnhanceRequest struct {
	Prompt         string `json:"prompt"`
	Mode           Mode   `json:"mode"`
	TextGenBaseURL string `json:"textgenBaseUrl,omitempty"`
	Model          string `json:"model,omitempty"`
}

// EnhanceResponse carries the rewritten prompt.
type EnhanceResponse struct {
	EnhancedPrompt string `json:"enhancedPrompt"`
}

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RecordUpdate is the body of a job record PATCH. EngineBaseURL tells the
// server where to fetch outputs from when the update completes the job.
type RecordUpdate struct {
	RecordPatch
	EngineBaseURL string `json:"engineBaseUrl,omitempty"`
}
