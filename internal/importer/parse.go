// Package importer parses bulk indicator payloads and loads them into the
// store through the manual-import pseudo-feed.
package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/lvonguyen/feedforge/internal/intel"
)

// Format is a bulk payload encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatPlain Format = "plain"
)

// ParseFormat resolves a format name. "txt" and "text" are accepted for plain.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	case "plain", "txt", "text":
		return FormatPlain, nil
	default:
		return "", intel.ValidationError("unsupported import format %q (want json, csv or plain)", s)
	}
}

// Row is one record of a parsed payload. Err is set when the record could not
// be turned into a candidate; the rest of the batch is unaffected.
type Row struct {
	Index     int
	Candidate intel.Candidate
	Err       error
}

// Options tunes parsing.
type Options struct {
	// DefaultType applies to plain lines. Empty means ip.
	DefaultType intel.IOCType
}

// fieldAliases maps the column and key names seen in the wild onto candidate
// fields.
var fieldAliases = map[string]string{
	"value":            "value",
	"indicator":        "value",
	"ioc":              "value",
	"observable":       "value",
	"ioc_value":        "value",
	"type":             "type",
	"ioc_type":         "type",
	"indicator_type":   "type",
	"severity":         "severity",
	"confidence":       "confidence",
	"tlp":              "tlp",
	"description":      "description",
	"comment":          "description",
	"tags":             "tags",
	"threat_family_id": "threat_family_id",
	"expires_at":       "expires_at",
	"expiration":       "expires_at",
}

func canonicalField(name string) (string, bool) {
	f, ok := fieldAliases[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// Parse decodes raw according to format. A payload that cannot be read at all
// is a parse error; a bad record only marks its own Row.
func Parse(format Format, raw []byte, opts Options) ([]Row, error) {
	switch format {
	case FormatJSON:
		return parseJSON(raw)
	case FormatCSV:
		return parseCSV(raw)
	case FormatPlain:
		return parsePlain(raw, opts)
	default:
		return nil, intel.ValidationError("unsupported import format %q", format)
	}
}

// =============================================================================
// JSON
// =============================================================================

const itemSchema = `{
	"type": "object",
	"required": ["type", "value"],
	"properties": {
		"type":             {"type": "string", "minLength": 1},
		"value":            {"type": "string", "minLength": 1, "maxLength": 2048},
		"severity":         {"type": "string"},
		"confidence":       {"type": "number", "minimum": 0, "maximum": 1},
		"tlp":              {"type": "string"},
		"description":      {"type": "string"},
		"tags":             {"type": "array", "items": {"type": "string"}},
		"threat_family_id": {"type": "string"},
		"expires_at":       {"type": "string", "format": "date-time"}
	}
}`

var itemSchemaLoader = gojsonschema.NewStringLoader(itemSchema)

func parseJSON(raw []byte) ([]Row, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(raw), &items); err != nil {
		return nil, intel.ParseError("json payload must be an array of objects: %v", err)
	}

	schema, err := gojsonschema.NewSchema(itemSchemaLoader)
	if err != nil {
		return nil, fmt.Errorf("compiling item schema: %w", err)
	}

	rows := make([]Row, 0, len(items))
	for i, item := range items {
		row := Row{Index: i}
		obj, err := decodeObject(item)
		if err != nil {
			row.Err = intel.ValidationError("%v", err)
			rows = append(rows, row)
			continue
		}

		result, err := schema.Validate(gojsonschema.NewGoLoader(obj))
		if err != nil {
			row.Err = intel.ValidationError("%v", err)
		} else if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			row.Err = intel.ValidationError("%s", strings.Join(msgs, "; "))
		} else {
			row.Candidate, row.Err = candidateFromObject(obj)
		}
		row.Candidate.Row = i
		rows = append(rows, row)
	}
	return rows, nil
}

// decodeObject unmarshals one array element and renames aliased keys.
func decodeObject(item json.RawMessage) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal(item, &raw); err != nil || raw == nil {
		return nil, errors.New("record is not a json object")
	}
	obj := make(map[string]any, len(raw))
	for k, v := range raw {
		if f, ok := canonicalField(k); ok {
			if _, taken := obj[f]; !taken || f == strings.ToLower(k) {
				obj[f] = v
			}
		}
	}
	return obj, nil
}

func candidateFromObject(obj map[string]any) (intel.Candidate, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return intel.Candidate{}, intel.ValidationError("%v", err)
	}
	var c intel.Candidate
	if err := json.Unmarshal(b, &c); err != nil {
		return intel.Candidate{}, intel.ValidationError("%v", err)
	}
	c.Severity = intel.Severity(strings.ToLower(string(c.Severity)))
	c.TLP = intel.TLP(strings.ToLower(string(c.TLP)))
	return c, nil
}

// =============================================================================
// CSV
// =============================================================================

func parseCSV(raw []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, intel.ParseError("reading csv header: %v", err)
	}

	columns := make([]string, len(header))
	hasValue := false
	for i, name := range header {
		f, _ := canonicalField(strings.TrimPrefix(name, "\ufeff"))
		columns[i] = f
		if f == "value" {
			hasValue = true
		}
	}
	if !hasValue {
		return nil, intel.ParseError("csv header has no value column (got %s)", strings.Join(header, ","))
	}

	var rows []Row
	for i := 0; ; i++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, intel.ParseError("reading csv: %v", err)
		}

		row := Row{Index: i}
		row.Candidate, row.Err = candidateFromCells(columns, record)
		row.Candidate.Row = i
		rows = append(rows, row)
	}
	return rows, nil
}

// candidateFromCells maps cells by position. Missing and empty cells are left
// unset so the ingest defaults apply.
func candidateFromCells(columns, record []string) (intel.Candidate, error) {
	var c intel.Candidate
	for i, cell := range record {
		if i >= len(columns) || columns[i] == "" {
			continue
		}
		cell = strings.TrimSpace(cell)
		if cell == "" {
			continue
		}
		switch columns[i] {
		case "value":
			c.Value = cell
		case "type":
			c.Type = intel.IOCType(cell)
		case "severity":
			c.Severity = intel.Severity(strings.ToLower(cell))
		case "tlp":
			c.TLP = intel.TLP(strings.ToLower(cell))
		case "description":
			c.Description = cell
		case "confidence":
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return c, intel.ValidationError("confidence %q is not a number", cell)
			}
			c.Confidence = &v
		case "tags":
			c.Tags = strings.FieldsFunc(cell, func(r rune) bool { return r == ';' || r == '|' || r == ',' })
		case "threat_family_id":
			id := cell
			c.ThreatFamilyID = &id
		case "expires_at":
			t, err := time.Parse(time.RFC3339, cell)
			if err != nil {
				return c, intel.ValidationError("expires_at %q is not RFC 3339", cell)
			}
			c.ExpiresAt = &t
		}
	}
	if c.Value == "" {
		return c, intel.ValidationError("value is empty")
	}
	return c, nil
}

// =============================================================================
// Plain
// =============================================================================

func parsePlain(raw []byte, opts Options) ([]Row, error) {
	typ := opts.DefaultType
	if typ == "" {
		typ = intel.IOCTypeIP
	}
	conf := intel.DefaultConfidence

	var rows []Row
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c := conf
		i := len(rows)
		rows = append(rows, Row{
			Index: i,
			Candidate: intel.Candidate{
				Type:       typ,
				Value:      line,
				Severity:   intel.SeverityMedium,
				Confidence: &c,
				Row:        i,
			},
		})
	}
	if err := sc.Err(); err != nil {
		return nil, intel.ParseError("reading plain list: %v", err)
	}
	return rows, nil
}
