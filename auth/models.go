package auth

import "collections/agent"

// Identity is the caller resolved from a bearer token.
type Identity struct {
	AgentID string
	Role    agent.Role
}

// IssueRequest asks for a token on behalf of a directory agent.
type IssueRequest struct {
	AgentID string `json:"agent_id"`
}
