package http

import (
	"github.com/fyrsmithlabs/memvault/internal/fetch"
	"github.com/fyrsmithlabs/memvault/internal/governor"
	"github.com/fyrsmithlabs/memvault/internal/memstore"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status     string               `json:"status"`
	Version    string               `json:"version,omitempty"`
	Services   map[string]string    `json:"services"`
	Store      *memstore.Stats      `json:"store,omitempty"`
	Thresholds *governor.Thresholds `json:"thresholds,omitempty"`
	Limits     *fetch.Config        `json:"limits,omitempty"`
}

// PutRequest is the request body for POST /api/v1/memories. Exactly one of
// Content and ContentBase64 is set.
type PutRequest struct {
	Content       string `json:"content,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
	Type          string `json:"type,omitempty"`
	Subtype       string `json:"subtype,omitempty"`
	Title         string `json:"title,omitempty"`
	MIME          string `json:"mime,omitempty"`
	Compress      bool   `json:"compress,omitempty"`
}

// ListResponse is the response body for GET /api/v1/memories.
type ListResponse struct {
	Objects []*memstore.Object `json:"objects"`
	Count   int                `json:"count"`
	Total   int                `json:"total"`
}

// FetchRequest is the request body for POST /api/v1/fetch. URI may stand
// in for memory_id; explicit range fields win over the URI's range.
type FetchRequest struct {
	fetch.Request
	URI string `json:"uri,omitempty"`
}

// ScrubRequest is the request body for POST /api/v1/scrub.
type ScrubRequest struct {
	Content string `json:"content"`
}

// ScrubResponse is the response body for POST /api/v1/scrub.
type ScrubResponse struct {
	Content       string         `json:"content"`
	FindingsCount int            `json:"findings_count"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
}
