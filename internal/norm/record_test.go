package norm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentMarshalFlattensExtra(t *testing.T) {
	t.Parallel()

	doc := Document{
		Title:        "Decreto 123",
		Year:         2020,
		Type:         "decreto",
		Situation:    DefaultValidSituation,
		Summary:      "Dispõe sobre o teste",
		TextMarkdown: "# Decreto 123",
		DocumentURL:  "https://www.al.rs.gov.br/norma/decreto-123.html",
		Extra: map[string]any{
			"date":   "2020-01-02",
			"number": "123",
		},
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))

	assert.Equal(t, "Decreto 123", obj["title"])
	assert.Equal(t, float64(2020), obj["year"])
	assert.Equal(t, "2020-01-02", obj["date"])
	assert.Equal(t, "123", obj["number"])
	assert.NotContains(t, obj, "Extra")
	assert.NotContains(t, obj, "extra")
	assert.NotContains(t, obj, "html_string")
}

func TestDocumentMarshalFixedFieldsWin(t *testing.T) {
	t.Parallel()

	doc := Document{
		Title: "fixed title",
		Year:  1999,
		Extra: map[string]any{"title": "extra title"},
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "fixed title", obj["title"])
}

func TestDocumentRoundTrip(t *testing.T) {
	t.Parallel()

	doc := Document{
		Title:       "Lei Ordinária 9.876",
		Year:        1988,
		Type:        "lei ordinária",
		Situation:   DefaultInvalidSituation,
		Summary:     "Institui o programa",
		HTMLString:  "<html><body>corpo</body></html>",
		DocumentURL: "https://example.gov.br/lei/9876",
		Extra:       map[string]any{"origin": "executivo"},
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var got Document
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, doc, got)
}

func TestErrorRecordMarshalIncludesLink(t *testing.T) {
	t.Parallel()

	rec := ErrorRecord{
		Title:    "Portaria 7",
		Year:     2015,
		HTMLLink: "https://example.gov.br/busca?page=3",
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	assert.Equal(t, "https://example.gov.br/busca?page=3", obj["html_link"])
	assert.Equal(t, "Portaria 7", obj["title"])
}

func TestAsErrorCopiesKeyFields(t *testing.T) {
	t.Parallel()

	doc := Document{
		Title:       "Resolução 45",
		Year:        2001,
		Type:        "resolução",
		Situation:   DefaultValidSituation,
		DocumentURL: "https://example.gov.br/res/45.pdf",
		Extra:       map[string]any{"organ": "consema"},
	}

	rec := doc.AsError("https://example.gov.br/res/45.html")
	assert.Equal(t, doc.Title, rec.Title)
	assert.Equal(t, doc.Year, rec.Year)
	assert.Equal(t, doc.Type, rec.Type)
	assert.Equal(t, doc.Situation, rec.Situation)
	assert.Equal(t, doc.DocumentURL, rec.DocumentURL)
	assert.Equal(t, "https://example.gov.br/res/45.html", rec.HTMLLink)
	assert.Equal(t, doc.Extra, rec.Extra)
}

func TestInferSituation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"empty", "", DefaultValidSituation},
		{"plain text", "Dispõe sobre a criação do conselho.", DefaultValidSituation},
		{"revoked feminine", "Norma Revogada pelo Decreto 10", DefaultInvalidSituation},
		{"revoked masculine lowercase", "texto revogado em 2004", DefaultInvalidSituation},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, InferSituation(tc.text))
		})
	}
}
