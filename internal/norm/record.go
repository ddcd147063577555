// Package norm defines the normalized legal-norm records the harvester
// produces and persists.
package norm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Situation values used when a source does not publish an explicit
// validity field.
const (
	DefaultValidSituation   = "Não consta revogação expressa"
	DefaultInvalidSituation = "Revogada"
)

// Document is one harvested legal norm. Extra carries source-specific
// fields; they are flattened next to the fixed fields when marshalled,
// matching the flat objects the downstream tooling expects.
type Document struct {
	Title        string
	Year         int
	Type         string
	Situation    string
	Summary      string
	TextMarkdown string
	HTMLString   string
	DocumentURL  string
	Extra        map[string]any
}

// ErrorRecord mirrors Document for items that failed extraction or
// persistence. HTMLLink points at the page the failure occurred on so the
// document can be retried by hand.
type ErrorRecord struct {
	Title       string
	Year        int
	Type        string
	Situation   string
	Summary     string
	HTMLLink    string
	DocumentURL string
	Extra       map[string]any
}

// MarshalJSON flattens Extra into the top-level object. Fixed fields win
// over colliding extras. TextMarkdown and HTMLString are alternatives and
// the empty one is omitted.
func (d Document) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(d.Extra)+8)
	for k, v := range d.Extra {
		obj[k] = v
	}
	obj["title"] = d.Title
	obj["year"] = d.Year
	obj["type"] = d.Type
	obj["situation"] = d.Situation
	obj["summary"] = d.Summary
	obj["document_url"] = d.DocumentURL
	if d.TextMarkdown != "" {
		obj["text_markdown"] = d.TextMarkdown
	}
	if d.HTMLString != "" {
		obj["html_string"] = d.HTMLString
	}
	return json.Marshal(obj)
}

// UnmarshalJSON is the inverse of MarshalJSON: known keys populate the
// fixed fields, everything else lands in Extra.
func (d *Document) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := map[string]any{
		"title":         &d.Title,
		"year":          &d.Year,
		"type":          &d.Type,
		"situation":     &d.Situation,
		"summary":       &d.Summary,
		"text_markdown": &d.TextMarkdown,
		"html_string":   &d.HTMLString,
		"document_url":  &d.DocumentURL,
	}
	extra, err := decodeFields(raw, fields)
	if err != nil {
		return err
	}
	d.Extra = extra
	return nil
}

// MarshalJSON flattens Extra the same way Document does.
func (e ErrorRecord) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Extra)+7)
	for k, v := range e.Extra {
		obj[k] = v
	}
	obj["title"] = e.Title
	obj["year"] = e.Year
	obj["type"] = e.Type
	obj["situation"] = e.Situation
	obj["summary"] = e.Summary
	obj["html_link"] = e.HTMLLink
	obj["document_url"] = e.DocumentURL
	return json.Marshal(obj)
}

// UnmarshalJSON mirrors Document.UnmarshalJSON.
func (e *ErrorRecord) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := map[string]any{
		"title":        &e.Title,
		"year":         &e.Year,
		"type":         &e.Type,
		"situation":    &e.Situation,
		"summary":      &e.Summary,
		"html_link":    &e.HTMLLink,
		"document_url": &e.DocumentURL,
	}
	extra, err := decodeFields(raw, fields)
	if err != nil {
		return err
	}
	e.Extra = extra
	return nil
}

func decodeFields(raw map[string]json.RawMessage, fields map[string]any) (map[string]any, error) {
	for key, dst := range fields {
		v, ok := raw[key]
		if !ok {
			continue
		}
		delete(raw, key)
		if err := json.Unmarshal(v, dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		extra[k] = val
	}
	return extra, nil
}

// AsError converts the document into an ErrorRecord pointing at htmlLink,
// used when persisting the document itself failed.
func (d Document) AsError(htmlLink string) ErrorRecord {
	return ErrorRecord{
		Title:       d.Title,
		Year:        d.Year,
		Type:        d.Type,
		Situation:   d.Situation,
		Summary:     d.Summary,
		HTMLLink:    htmlLink,
		DocumentURL: d.DocumentURL,
		Extra:       d.Extra,
	}
}

// InferSituation derives a validity situation from document text for
// sources that publish none, keying on the revocation participle used
// across the gazettes.
func InferSituation(text string) string {
	if strings.Contains(strings.ToLower(text), "revogad") {
		return DefaultInvalidSituation
	}
	return DefaultValidSituation
}
