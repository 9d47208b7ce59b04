package endpoint

import "strings"

// Resolver supplies candidate endpoints for a criteria string, most
// preferred first.
type Resolver interface {
	Resolve(criteria string) ([]Endpoint, error)
}

// StaticResolver resolves against a fixed list. Criteria is matched as a
// case-insensitive substring of the address or name; empty criteria matches
// everything.
type StaticResolver struct {
	Endpoints []Endpoint
}

// NewStaticResolver parses every URI up front.
func NewStaticResolver(uris ...string) (*StaticResolver, error) {
	r := &StaticResolver{}
	for _, uri := range uris {
		ep, err := Parse(uri)
		if err != nil {
			return nil, err
		}
		r.Endpoints = append(r.Endpoints, ep)
	}

	return r, nil
}

func (r *StaticResolver) Resolve(criteria string) ([]Endpoint, error) {
	criteria = strings.ToLower(strings.TrimSpace(criteria))

	var out []Endpoint
	for _, ep := range r.Endpoints {
		if criteria == "" ||
			strings.Contains(strings.ToLower(ep.Address), criteria) ||
			strings.Contains(strings.ToLower(ep.Name), criteria) {
			out = append(out, ep)
		}
	}

	return out, nil
}
