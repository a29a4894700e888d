package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem of a config file, located in the YAML source.
type CueErrorDetail struct {
	Path    string // emulator.tick_min
	Code    string // unknown_field | missing_required | invalid_enum | conflicting_values | type_mismatch | validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string // message as reported by cue
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// first match wins
var cueErrorCodes = []struct {
	code string
	rx   *regexp.Regexp
}{
	{"unknown_field", regexp.MustCompile(`(?i)not allowed`)},
	{"missing_required", regexp.MustCompile(`(?i)incomplete value`)},
	{"type_mismatch", regexp.MustCompile(`(?i)mismatched types`)},
	{"conflicting_values", regexp.MustCompile(`(?i)conflicting values|empty disjunction`)},
}

// enumPaths are the config fields constrained to a fixed set of strings.
var enumPaths = []string{"device.mode", "store.driver"}

// CueErrDetails explains a LoadConfig error, one detail per offending
// position in the config file. Errors not coming from CUE yield a single
// validation_error.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	seen := make(map[CueErrorPosition]bool)
	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		pos := position(e)
		if pos.Filename == "" || seen[pos] {
			continue
		}
		seen[pos] = true
		out = append(out, detail(e, pos))
	}
	if len(out) == 0 {
		return []CueErrorDetail{{Code: "validation_error", Message: err.Error(), Raw: err.Error()}}
	}
	return out
}

func detail(e cueerrors.Error, pos CueErrorPosition) CueErrorDetail {
	format, args := e.Msg()
	raw := fmt.Sprintf(format, args...)
	path := e.Path()
	// errors of the schema carry its definition as the first element
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	d := CueErrorDetail{
		Path:    strings.Join(path, "."),
		Code:    "validation_error",
		Message: raw,
		Pos:     pos,
		Raw:     raw,
	}
	for _, c := range cueErrorCodes {
		if c.rx.MatchString(raw) {
			d.Code = c.code
			break
		}
	}

	field := d.Path
	if len(path) > 0 {
		field = path[len(path)-1]
	}
	switch {
	case slices.Contains(enumPaths, d.Path):
		values, def := enumValues(schema.LookupPath(cue.ParsePath(d.Path)))
		d.Code = "invalid_enum"
		d.Message = fmt.Sprintf("field %s must be one of %s (default %s)", field, strings.Join(values, ", "), def)
	case d.Code == "unknown_field":
		d.Message = fmt.Sprintf("field %s is not allowed", field)
	case d.Code == "missing_required":
		d.Message = fmt.Sprintf("field %s is required", field)
	case d.Code != "validation_error":
		d.Message = fmt.Sprintf("field %s has an invalid value", field)
	}
	return d
}

// enumValues lists the string alternatives of a disjunction and its default.
func enumValues(v cue.Value) (values []string, def string) {
	if d, ok := v.Default(); ok {
		def, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, def
	}
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, def
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{Filename: p.Filename(), Line: p.Line(), Column: p.Column()}
		}
	}
	return CueErrorPosition{}
}
