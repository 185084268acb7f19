package client

import (
	"github.com/go-go-golems/chorus/pkg/conversation"
)

type FileReference struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// GenerationRequest is the body of a streamed generation call.
type GenerationRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`

	AssistantID string `json:"assistant_id,omitempty"`
	// ModelID is set on compare sub-streams.
	ModelID string `json:"model_id,omitempty"`

	// TruncateAfterIndex asks the server to drop persisted messages after the index first.
	TruncateAfterIndex *int `json:"truncate_after_index,omitempty"`
	// SkipUserMessage re-generates from the existing last user message.
	SkipUserMessage bool `json:"skip_user_message,omitempty"`

	ReasoningEffort string                    `json:"reasoning_effort,omitempty"`
	Attachments     []conversation.Attachment `json:"attachments,omitempty"`
	UseWebSearch    bool                      `json:"use_web_search,omitempty"`
	FileReferences  []FileReference           `json:"file_references,omitempty"`
}

// WithModel returns a copy of the request addressed to one compare model.
func (r GenerationRequest) WithModel(modelID string) *GenerationRequest {
	r.ModelID = modelID
	return &r
}

// ErrorResponse is the JSON body of failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}
