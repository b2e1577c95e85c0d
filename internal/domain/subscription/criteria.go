package subscription

import "strings"

const (
	msgCriteriaRequired = "criteria must be populated"
	msgCriteriaForm     = "criteria must be in the form {ResourceType}?[params]"
)

// Criteria is a parsed Subscription.criteria: the watched resource type and
// the raw query after "?".
type Criteria struct {
	ResourceType string
	Params       string
}

// ParseCriteria splits "{ResourceType}?{params}". The type must be at least
// two characters long and must not contain "/".
func ParseCriteria(query string) (Criteria, error) {
	if strings.TrimSpace(query) == "" {
		return Criteria{}, invalid(msgCriteriaRequired)
	}
	sep := strings.IndexByte(query, '?')
	if sep <= 1 {
		return Criteria{}, invalid(msgCriteriaForm)
	}
	typ := query[:sep]
	if strings.Contains(typ, "/") {
		return Criteria{}, invalid(msgCriteriaForm)
	}
	return Criteria{ResourceType: typ, Params: query[sep+1:]}, nil
}
