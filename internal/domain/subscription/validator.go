package subscription

import "github.com/ehr/subscriptions/internal/platform/fhir"

// TypeResolver resolves a resource type name.
type TypeResolver interface {
	Resolve(name string) (fhir.ResourceType, bool)
}

// HandlerLookup reports whether resources of a type can be stored.
type HandlerLookup interface {
	HandlerFor(rt fhir.ResourceType) bool
}

// Validator decides whether a Subscription may be written.
type Validator struct {
	types    TypeResolver
	handlers HandlerLookup
	channels *ChannelValidator
}

// NewValidator creates a Validator resolving criteria types against types and
// storage handlers against handlers.
func NewValidator(types TypeResolver, handlers HandlerLookup, encodings EncodingRecognizer) *Validator {
	return &Validator{
		types:    types,
		handlers: handlers,
		channels: NewChannelValidator(encodings),
	}
}

// Validate returns the resource type the criteria watches, or the first
// violation found: criteria, then channel, then the criteria's type, then
// status.
func (v *Validator) Validate(def *Definition) (fhir.ResourceType, error) {
	crit, err := ParseCriteria(def.Criteria)
	if err != nil {
		return fhir.ResourceType{}, err
	}
	if err := v.channels.Validate(def.Channel); err != nil {
		return fhir.ResourceType{}, err
	}

	rt, ok := v.types.Resolve(crit.ResourceType)
	if !ok || !v.handlers.HandlerFor(rt) {
		return fhir.ResourceType{}, newUnsupportedResourceType(crit.ResourceType)
	}

	if def.Status == "" {
		return fhir.ResourceType{}, invalid("status must be populated")
	}
	return rt, nil
}
