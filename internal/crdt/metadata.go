package crdt

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Metadata is the structured, mergeable header of a note. Core fields are
// typed and validated; anything else travels in the open Extra bag so newer
// clients can add fields without breaking older ones. The whole value is
// replaced on write with last-writer-wins semantics.
type Metadata struct {
	Title    string         `json:"title" validate:"max=512"`
	Filename string         `json:"filename" validate:"max=512"`
	Type     string         `json:"type" validate:"max=64"`
	Created  time.Time      `json:"created"`
	Updated  time.Time      `json:"updated"`
	Tags     []string       `json:"tags,omitempty" validate:"max=256,dive,max=128"`
	Extra    map[string]any `json:"extra,omitempty"`
}

var metaValidate = validator.New()

// Validate checks the typed core fields. Extension fields are intentionally
// not constrained.
func (m *Metadata) Validate() error {
	return metaValidate.Struct(m)
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}
	return out
}
