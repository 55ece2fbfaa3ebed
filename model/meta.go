package model

import (
	"encoding/json"
	"maps"
)

const (
	metaFailureServer = "failure_server"
	metaFailureSource = "failure_source"
	metaFailureReason = "failure_reason"
)

// Failure records where and why a record moved to a failed state.
type Failure struct {
	Server string `json:"server"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Meta is the diagnostics blob carried by payment records. The failure
// fields are reserved; anything else a caller attaches lives in Extra.
// On the wire it is a single flat object.
type Meta struct {
	Failure *Failure
	Extra   map[string]any
}

// Merge returns m overlaid with other. Keys already present in m survive
// unless other sets them, and a nil failure in other keeps m's failure.
func (m Meta) Merge(other Meta) Meta {
	out := Meta{Failure: m.Failure}
	if other.Failure != nil {
		f := *other.Failure
		out.Failure = &f
	}
	if len(m.Extra)+len(other.Extra) > 0 {
		out.Extra = make(map[string]any, len(m.Extra)+len(other.Extra))
		maps.Copy(out.Extra, m.Extra)
		maps.Copy(out.Extra, other.Extra)
	}
	return out
}

// WithFailure is shorthand for merging a failure into m.
func (m Meta) WithFailure(server, source, reason string) Meta {
	return m.Merge(Meta{Failure: &Failure{Server: server, Source: source, Reason: reason}})
}

func (m Meta) IsZero() bool {
	return m.Failure == nil && len(m.Extra) == 0
}

func (m Meta) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(m.Extra)+3)
	maps.Copy(flat, m.Extra)
	if m.Failure != nil {
		flat[metaFailureServer] = m.Failure.Server
		flat[metaFailureSource] = m.Failure.Source
		flat[metaFailureReason] = m.Failure.Reason
	}
	return json.Marshal(flat)
}

func (m *Meta) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*m = Meta{}
	if flat == nil {
		return nil
	}

	var failure Failure
	var hasFailure bool
	for key, dst := range map[string]*string{
		metaFailureServer: &failure.Server,
		metaFailureSource: &failure.Source,
		metaFailureReason: &failure.Reason,
	} {
		v, ok := flat[key]
		if !ok {
			continue
		}
		hasFailure = true
		if s, ok := v.(string); ok {
			*dst = s
		}
		delete(flat, key)
	}
	if hasFailure {
		m.Failure = &failure
	}
	if len(flat) > 0 {
		m.Extra = flat
	}
	return nil
}
