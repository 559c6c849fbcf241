// Package workitem decodes the markup-encoded test-case fields of a raw
// work item into structured steps, parameters and parameter-value rows.
//
// Decoding is a pure function of the field text: no I/O, no hidden state,
// identical input yields identical output. Malformed markup never fails a
// work item: the decoder recovers what it can and reports the rest as
// warnings.
package workitem

import (
	"fmt"
	"sort"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/planpipe/ado"
)

// Step is one decoded test step in source order.
type Step struct {
	Number         int          `json:"number"` // 1-based position
	ID             string       `json:"id,omitempty"`
	Type           string       `json:"type,omitempty"`
	Title          string       `json:"title,omitempty"`
	Action         string       `json:"action"`
	ExpectedResult string       `json:"expected_result"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file reference on a step.
type Attachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Parameter is a named test parameter with its declared default.
type Parameter struct {
	Name    string `json:"name"`
	Default string `json:"default,omitempty"`
}

// Warning records a fragment the decoder could not fully parse.
type Warning struct {
	Field  string `json:"field"`
	Detail string `json:"detail"`
}

// Enrichment is the structured decode of one work item. It is additive:
// callers keep the raw fields next to it.
type Enrichment struct {
	Steps           []Step              `json:"steps"`
	Parameters      []Parameter         `json:"parameters"`
	ParameterValues []map[string]string `json:"parameter_values"`
	Precondition    string              `json:"precondition,omitempty"`
	Warnings        []Warning           `json:"-"`
}

// Decoder converts raw work-item markup into Enrichments.
type Decoder struct {
	md    *converter.Converter
	strip *bluemonday.Policy
}

// NewDecoder creates a Decoder. One instance is safe for concurrent use.
func NewDecoder() *Decoder {
	return &Decoder{
		md:    newMarkdownConverter(),
		strip: newStripPolicy(),
	}
}

// Decode extracts the enrichment from a raw work item.
func (d *Decoder) Decode(wi *ado.WorkItem) *Enrichment {
	e := &Enrichment{
		Steps:           []Step{},
		Parameters:      []Parameter{},
		ParameterValues: []map[string]string{},
	}
	if wi == nil {
		return e
	}

	var warns []Warning
	e.Steps, warns = d.DecodeSteps(wi.Field(ado.FieldSteps))
	e.Warnings = append(e.Warnings, warns...)

	e.Parameters, warns = d.DecodeParameters(wi.Field(ado.FieldParameters))
	e.Warnings = append(e.Warnings, warns...)

	e.ParameterValues, warns = d.DecodeParameterValues(wi.Field(ado.FieldLocalDataSource))
	e.Warnings = append(e.Warnings, warns...)

	// Rows must bind every declared parameter: pad absent values with the
	// explicit empty marker rather than dropping the row.
	for _, row := range e.ParameterValues {
		for _, p := range e.Parameters {
			if _, ok := row[p.Name]; !ok {
				row[p.Name] = ""
			}
		}
	}

	if pre := wi.Field(ado.FieldPrerequisites); pre != "" {
		md, ok := d.htmlToMarkdown(pre)
		e.Precondition = md
		if !ok {
			e.Warnings = append(e.Warnings, Warning{
				Field:  ado.FieldPrerequisites,
				Detail: "precondition markup rejected by markdown conversion, kept plain text",
			})
		}
	}
	return e
}

// DecodeSteps parses the steps field. Empty input yields an empty sequence.
func (d *Decoder) DecodeSteps(raw string) ([]Step, []Warning) {
	steps := []Step{}
	root, recovered, ok := parseMarkup(raw)
	warns := markupWarnings(ado.FieldSteps, raw, recovered, ok)
	if !ok {
		return steps, warns
	}

	for _, sn := range root.find("step") {
		step := Step{
			Number: len(steps) + 1,
			ID:     sn.attr("id"),
			Type:   sn.attr("type"),
		}
		if t := sn.child("title"); t != nil {
			step.Title = d.htmlToText(t.allText())
		}
		if a := sn.child("action"); a != nil {
			step.Action = d.htmlToText(a.allText())
		}
		if x := sn.child("expectedresult"); x != nil {
			step.ExpectedResult = d.htmlToText(x.allText())
		}
		// The older shape stores a parameterizedString pair instead of
		// named action/expectedResult children.
		if step.Action == "" && step.ExpectedResult == "" {
			if pair := sn.find("parameterizedstring"); len(pair) > 0 {
				step.Action = d.htmlToText(pair[0].allText())
				if len(pair) > 1 {
					step.ExpectedResult = d.htmlToText(pair[1].allText())
				}
			}
		}
		if att := sn.child("attachments"); att != nil {
			for _, an := range att.find("attachment") {
				step.Attachments = append(step.Attachments, Attachment{
					Name: an.attr("name"),
					URL:  an.attr("url"),
				})
			}
		}
		steps = append(steps, step)
	}
	if len(steps) == 0 && recovered {
		warns = append(warns, Warning{
			Field:  ado.FieldSteps,
			Detail: "no steps recoverable from malformed markup",
		})
	}
	return steps, warns
}

// DecodeParameters parses the parameters field into named parameters.
func (d *Decoder) DecodeParameters(raw string) ([]Parameter, []Warning) {
	params := []Parameter{}
	root, recovered, ok := parseMarkup(raw)
	warns := markupWarnings(ado.FieldParameters, raw, recovered, ok)
	if !ok {
		return params, warns
	}
	seen := map[string]bool{}
	for _, pn := range root.find("param") {
		name := pn.attr("name")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		params = append(params, Parameter{Name: name, Default: pn.attr("default")})
	}
	return params, warns
}

// DecodeParameterValues parses the local data source into value rows.
// Three shapes occur in the wild: table/row/column, data/row with attribute
// values, and a flat list of value elements forming a single row.
func (d *Decoder) DecodeParameterValues(raw string) ([]map[string]string, []Warning) {
	rows := []map[string]string{}
	root, recovered, ok := parseMarkup(raw)
	warns := markupWarnings(ado.FieldLocalDataSource, raw, recovered, ok)
	if !ok {
		return rows, warns
	}

	if tables := root.find("table"); len(tables) > 0 {
		for _, tbl := range tables {
			for _, rn := range tbl.find("row") {
				row := map[string]string{}
				for _, cn := range rn.find("column") {
					if name := cn.attr("name"); name != "" {
						row[name] = d.htmlToText(cn.allText())
					}
				}
				if len(row) > 0 {
					rows = append(rows, row)
				}
			}
		}
		return rows, warns
	}

	if data := root.find("data"); len(data) > 0 {
		for _, dn := range data {
			for _, rn := range dn.find("row") {
				row := map[string]string{}
				for k, v := range rn.attrs {
					row[k] = v
				}
				if len(row) > 0 {
					rows = append(rows, row)
				}
			}
		}
		return rows, warns
	}

	if values := root.find("value"); len(values) > 0 {
		row := map[string]string{}
		// Attribute keys are stable; iterate names sorted for determinism.
		names := make([]string, 0, len(values))
		byName := map[string]*mnode{}
		for _, vn := range values {
			if name := vn.attr("name"); name != "" && byName[name] == nil {
				byName[name] = vn
				names = append(names, name)
			}
		}
		sort.Strings(names)
		for _, name := range names {
			row[name] = d.htmlToText(byName[name].allText())
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows, warns
}

func markupWarnings(field, raw string, recovered, ok bool) []Warning {
	switch {
	case !ok:
		return []Warning{{Field: field, Detail: "unparseable markup, fragment skipped"}}
	case recovered:
		return []Warning{{Field: field, Detail: fmt.Sprintf("malformed markup (%d bytes), recovered with tolerant parse", len(raw))}}
	default:
		return nil
	}
}
