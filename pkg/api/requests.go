package api

// ChatSendRequest is the HTTP request body for POST /api/v1/chat and
// POST /api/v1/chat/stream.
type ChatSendRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

// DecisionRequest is the HTTP request body for action approve/reject.
type DecisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// SubmitFeedbackRequest is the HTTP request body for POST /api/v1/feedback.
type SubmitFeedbackRequest struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id,omitempty"`
	Rating         int    `json:"rating"`
	Success        bool   `json:"success"`
	Notes          string `json:"notes,omitempty"`
}
