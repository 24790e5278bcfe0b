package server

import "gateline/internal/domain"

// Request payloads

type CreateItemRequest struct {
	Slug               string   `json:"slug,omitempty"`
	Title              string   `json:"title"`
	ProblemStatement   string   `json:"problem_statement,omitempty"`
	RequiredDocs       []string `json:"required_docs,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

type StageOutputRequest struct {
	Kind    string `json:"kind,omitempty"`
	Summary string `json:"summary,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

type CriterionRequest struct {
	Satisfied bool `json:"satisfied"`
}

type AbortRequest struct {
	Reason string `json:"reason"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type workItemResponse struct {
	Body domain.WorkItem `json:"body"`
}

type gateResponse struct {
	Body struct {
		Item    domain.WorkItem    `json:"item"`
		Verdict domain.GateVerdict `json:"verdict"`
		Error   string             `json:"error,omitempty"`
	} `json:"body"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Key     string `json:"key"`
}
