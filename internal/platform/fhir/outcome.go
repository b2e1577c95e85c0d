package fhir

import "fmt"

// OperationOutcome severity levels.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by this server.
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeNotFound      = "not-found"
	IssueTypeConflict      = "conflict"
	IssueTypeProcessing    = "processing"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeException     = "exception"
	IssueTypeDeleted       = "deleted"
	IssueTypeForbidden     = "forbidden"
	IssueTypeInformational = "informational"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// GoneOutcome is returned for a resource whose latest version is a deletion.
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeDeleted,
		fmt.Sprintf("%s/%s has been deleted", resourceType, id))
}

// InvalidOutcome carries a user-correctable validation failure (HTTP 422).
func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, diagnostics)
}

func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

// HasErrors reports whether any issue is error or fatal.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}
