package output

import (
	"bytes"
	"encoding/json"
)

// JSONFormatter formats the result as a single indented JSON document.
type JSONFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *JSONFormatter) Format(w *bytes.Buffer, r *Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(normalize(r))
}

// normalize makes empty listings encode as [] instead of null.
func normalize(r *Result) *Result {
	if r.Exports != nil {
		return r
	}
	c := *r
	c.Exports = []Export{}
	return &c
}

func init() {
	Register("json", func() Formatter {
		return &JSONFormatter{}
	})
}

var _ Formatter = (*JSONFormatter)(nil)
