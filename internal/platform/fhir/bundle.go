package fhir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/subscriptions/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type BundleResponse struct {
	Status       string     `json:"status"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// SearchBundleParams holds pagination and link information for a search bundle.
type SearchBundleParams struct {
	BaseURL string
	Count   int
	Offset  int
	Total   int
}

// SearchResult is one matched resource in a searchset.
type SearchResult struct {
	ResourceType string
	ID           string
	Resource     json.RawMessage
}

// NewSearchBundle creates a searchset Bundle with self/next/previous links.
func NewSearchBundle(results []SearchResult, params SearchBundleParams) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(results))
	for i, r := range results {
		entries[i] = BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s", r.ResourceType, r.ID),
			Resource: r.Resource,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	total := params.Total
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         buildPaginationLinks(params),
		Entry:        entries,
	}
}

func buildPaginationLinks(params SearchBundleParams) []BundleLink {
	page := pagination.Params{Limit: params.Count, Offset: params.Offset}
	link := func(rel string, offset int) BundleLink {
		return BundleLink{Relation: rel, URL: fmt.Sprintf("%s?_count=%d&_offset=%d", params.BaseURL, params.Count, offset)}
	}

	links := []BundleLink{link("self", page.Offset)}
	if page.HasNext(params.Total) {
		links = append(links, link("next", page.NextOffset()))
	}
	if page.HasPrevious() {
		links = append(links, link("previous", page.PreviousOffset()))
	}
	return links
}

// HistoryEntry is a single stored version of a resource.
type HistoryEntry struct {
	ResourceType string
	ResourceID   string
	VersionID    int
	Resource     json.RawMessage
	Action       string // "create", "update", "delete"
	Timestamp    time.Time
}

// NewHistoryBundle creates a history Bundle, newest version first as given.
func NewHistoryBundle(entries []HistoryEntry, baseURL string) *Bundle {
	now := time.Now().UTC()
	bundleEntries := make([]BundleEntry, len(entries))

	for i, entry := range entries {
		method, status := "PUT", "200 OK"
		switch entry.Action {
		case "create":
			method, status = "POST", "201 Created"
		case "delete":
			method, status = "DELETE", "204 No Content"
		}
		ts := entry.Timestamp
		bundleEntries[i] = BundleEntry{
			FullURL:  fmt.Sprintf("%s/%s/%s/_history/%d", baseURL, entry.ResourceType, entry.ResourceID, entry.VersionID),
			Resource: entry.Resource,
			Request: &BundleRequest{
				Method: method,
				URL:    fmt.Sprintf("%s/%s", entry.ResourceType, entry.ResourceID),
			},
			Response: &BundleResponse{Status: status, LastModified: &ts},
		}
	}

	total := len(entries)
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        bundleEntries,
	}
}
