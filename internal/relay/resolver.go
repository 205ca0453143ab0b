package relay

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/itchyny/gojq"
)

// Resolver locates the single output value a workflow run produced. The engine's
// message format is not fixed, so this is a best-effort search, not a contract:
//
//  1. the last message, read as JSON and queried with jq; failing that, the string
//     values inside that JSON (or the raw text when it is not JSON) are scanned
//     for a key: value marker;
//  2. the concatenation of all messages, first marker wins;
//  3. a default scheme is prepended when the value has none.
type Resolver struct {
	marker *regexp.Regexp
	query  *gojq.Code
	scheme string
}

// stringLeaves yields every string inside a JSON document; object keys come out
// sorted, so the scan order is stable.
var stringLeaves = mustCompileQuery(`.. | strings`)

func mustCompileQuery(src string) *gojq.Code {
	parsed, err := gojq.Parse(src)
	if err != nil {
		panic(err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		panic(err)
	}
	return code
}

type ResolverOptions struct {
	// Key is the marker name searched for. Defaults to "output".
	Key string
	// Query is a jq expression evaluated against a JSON last message. Defaults to
	// `."<Key>" // empty`.
	Query         string
	DefaultScheme string
}

var urlSchemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.\-]*://`)

func NewResolver(opts ResolverOptions) *Resolver {
	r, err := CompileResolver(opts)
	if err != nil {
		panic(err)
	}
	return r
}

func CompileResolver(opts ResolverOptions) (*Resolver, error) {
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		key = "output"
	}
	scheme := strings.TrimSuffix(strings.TrimSpace(opts.DefaultScheme), "://")
	if scheme == "" {
		scheme = "http"
	}
	marker, err := regexp.Compile(`(?i)(?:^|\W)\\?["']?` + regexp.QuoteMeta(key) + `\\?["']?\s*[:：]\s*\\?["']?([^"'\\\s,{}\[\]]+)`)
	if err != nil {
		return nil, fmt.Errorf("compile output marker: %w", err)
	}
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		query = fmt.Sprintf(".%q // empty", key)
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parse output query %q: %w", query, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compile output query %q: %w", query, err)
	}
	return &Resolver{marker: marker, query: code, scheme: scheme}, nil
}

func (r *Resolver) Resolve(messages []string) (string, bool) {
	if len(messages) == 0 {
		return "", false
	}
	last := messages[len(messages)-1]
	if doc, isJSON := parseJSONMessage(last); isJSON {
		if value, ok := r.queryJSON(doc); ok {
			return r.normalize(value), true
		}
		if value, ok := r.findMarkerInStrings(doc); ok {
			return r.normalize(value), true
		}
	} else if value, ok := r.findMarker(last); ok {
		return r.normalize(value), true
	}
	if value, ok := r.findMarker(strings.Join(messages, "\n")); ok {
		return r.normalize(value), true
	}
	return "", false
}

func parseJSONMessage(message string) (any, bool) {
	trimmed := strings.TrimSpace(message)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func (r *Resolver) queryJSON(doc any) (string, bool) {
	return firstString(r.query.Run(doc), func(s string) (string, bool) {
		s = strings.TrimSpace(s)
		return s, s != ""
	})
}

func (r *Resolver) findMarkerInStrings(doc any) (string, bool) {
	return firstString(stringLeaves.Run(doc), r.findMarker)
}

// firstString returns the first string the iterator yields that accept takes.
// Non-string values are skipped; an error ends the search.
func firstString(iter gojq.Iter, accept func(string) (string, bool)) (string, bool) {
	for {
		v, ok := iter.Next()
		if !ok {
			return "", false
		}
		if _, isErr := v.(error); isErr {
			return "", false
		}
		s, isString := v.(string)
		if !isString {
			continue
		}
		if value, ok := accept(s); ok {
			return value, true
		}
	}
}

// findMarker returns the first marker value in text. A literal null is not a
// value.
func (r *Resolver) findMarker(text string) (string, bool) {
	for _, match := range r.marker.FindAllStringSubmatch(text, -1) {
		if len(match) < 2 || match[1] == "" || strings.EqualFold(match[1], "null") {
			continue
		}
		return match[1], true
	}
	return "", false
}

func (r *Resolver) normalize(value string) string {
	if urlSchemePattern.MatchString(value) {
		return value
	}
	return r.scheme + "://" + value
}
