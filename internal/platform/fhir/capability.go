package fhir

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// OperationCapability describes a resource-level operation such as $validate.
type OperationCapability struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

type resourceEntry struct {
	interactions []string
	operations   []OperationCapability
}

// CapabilityBuilder accumulates the resource types the server stores and
// builds the CapabilityStatement served at /fhir/metadata.
type CapabilityBuilder struct {
	mu        sync.RWMutex
	resources map[string]*resourceEntry

	ServerName    string
	ServerVersion string
	BaseURL       string
}

// NewCapabilityBuilder creates a builder. baseURL is the FHIR base, e.g.
// "http://localhost:8000/fhir".
func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		resources:     make(map[string]*resourceEntry),
		ServerName:    "EHR Subscription Server",
		ServerVersion: version,
		BaseURL:       baseURL,
	}
}

// AddResource registers resourceType. Repeated calls merge interactions and
// operations.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions []string, operations ...OperationCapability) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.resources[resourceType]
	if !ok {
		entry = &resourceEntry{}
		b.resources[resourceType] = entry
	}

	seen := make(map[string]bool, len(entry.interactions))
	for _, i := range entry.interactions {
		seen[i] = true
	}
	for _, i := range interactions {
		if !seen[i] {
			entry.interactions = append(entry.interactions, i)
			seen[i] = true
		}
	}

	seenOps := make(map[string]bool, len(entry.operations))
	for _, op := range entry.operations {
		seenOps[op.Name] = true
	}
	for _, op := range operations {
		if !seenOps[op.Name] {
			entry.operations = append(entry.operations, op)
			seenOps[op.Name] = true
		}
	}
}

// ResourceTypes returns the registered types in sorted order.
func (b *CapabilityBuilder) ResourceTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.resources))
	for rt := range b.resources {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

// Build renders the CapabilityStatement.
func (b *CapabilityBuilder) Build() map[string]interface{} {
	types := b.ResourceTypes()

	b.mu.RLock()
	defer b.mu.RUnlock()

	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		entry := b.resources[rt]
		ia := make([]map[string]string, len(entry.interactions))
		for i, code := range entry.interactions {
			ia[i] = map[string]string{"code": code}
		}
		res := map[string]interface{}{
			"type":        rt,
			"interaction": ia,
			"versioning":  "versioned",
			"readHistory": true,
		}
		if len(entry.operations) > 0 {
			res["operation"] = entry.operations
		}
		resources = append(resources, res)
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"application/fhir+json"},
		"software": map[string]string{
			"name":    b.ServerName,
			"version": b.ServerVersion,
		},
		"implementation": map[string]string{
			"description": b.ServerName,
			"url":         b.BaseURL,
		},
		"rest": []map[string]interface{}{{
			"mode":     "server",
			"resource": resources,
		}},
	}
}

// DefaultInteractions returns the interactions the storage engine supports
// for every registered type.
func DefaultInteractions() []string {
	return []string{"read", "vread", "search-type", "create", "update", "delete", "history-instance"}
}

// CapabilityHandler serves the CapabilityStatement.
type CapabilityHandler struct {
	builder *CapabilityBuilder
}

// NewCapabilityHandler creates a handler serving the statement built by builder.
func NewCapabilityHandler(builder *CapabilityBuilder) *CapabilityHandler {
	return &CapabilityHandler{builder: builder}
}

func (h *CapabilityHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.GetMetadata)
}

// GetMetadata returns the full CapabilityStatement.
func (h *CapabilityHandler) GetMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, h.builder.Build())
}
