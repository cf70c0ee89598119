package transcode

import "fmt"

// ModelMapper resolves client-facing model names to upstream model names
// using the gateway's read-only mapping. It is pure and safe to share across
// requests; a configuration change installs a fresh mapper rather than
// mutating one in place.
type ModelMapper struct {
	mapping map[string]string
}

// NewModelMapper copies the supplied mapping so later configuration changes
// cannot reach in-flight requests.
func NewModelMapper(mapping map[string]string) *ModelMapper {
	copied := make(map[string]string, len(mapping))
	for name, upstream := range mapping {
		copied[name] = upstream
	}
	return &ModelMapper{mapping: copied}
}

// Resolve returns the upstream model name for a client-requested name. It
// fails closed: names absent from the mapping are rejected before any
// upstream I/O is attempted.
func (m *ModelMapper) Resolve(model string) (string, error) {
	upstream, ok := m.mapping[model]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return upstream, nil
}
