package middleware

import (
	"bytes"
	"encoding/json"
	"html"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"

	"github.com/qbh/portal/internal/auth"
	"github.com/qbh/portal/internal/models"
	pkghttp "github.com/qbh/portal/pkg/http"
	pkglogger "github.com/qbh/portal/pkg/logger"
)

const maxInspectedBody = 1 << 20

var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\bunion\b\s+(all\s+)?\bselect\b|;\s*(drop|delete|truncate|update|insert|alter)\b|\bdrop\s+(table|database)\b|'\s*(or|and)\s+'?\w+'?\s*=\s*'?\w+|'\s*--|/\*.*\*/|\bxp_cmdshell\b|\bwaitfor\s+delay\b|\bsleep\s*\(\s*\d+\s*\))`)
	xssPattern          = regexp.MustCompile(`(?i)(<\s*script\b|<\s*/\s*script\s*>|javascript\s*:|vbscript\s*:|<[^>]*\bon[a-z]+\s*=|<\s*(iframe|object|embed|svg)\b|document\.cookie|\beval\s*\()`)
)

// SanitizeInputs HTML-escapes string values in JSON bodies and query
// parameters. Credential fields such as passwords and tokens are left as
// sent. Only values matching an injection pattern are recorded; plain
// escaping such as O'Brien is not an event.
func SanitizeInputs(recorder auth.SecurityRecorder, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var changed, suspicious []string

			flag := func(field, value string) {
				if sqlInjectionPattern.MatchString(value) || xssPattern.MatchString(value) {
					suspicious = append(suspicious, field)
				}
			}

			if r.URL.RawQuery != "" {
				query := r.URL.Query()
				for key, values := range query {
					if pkglogger.IsSensitiveKey(key) {
						continue
					}
					for i, v := range values {
						if escaped := html.EscapeString(v); escaped != v {
							flag("query."+key, v)
							values[i] = escaped
							changed = append(changed, "query."+key)
						}
					}
				}
				if len(changed) > 0 {
					r.URL.RawQuery = query.Encode()
				}
			}

			if body, data, ok := readJSONBody(r); ok {
				cleaned := mapStrings(data, "", func(key, s string) string {
					if pkglogger.IsSensitiveKey(key) {
						return s
					}
					escaped := html.EscapeString(s)
					if escaped != s {
						flag("body."+key, s)
						changed = append(changed, "body."+key)
					}
					return escaped
				})
				if len(changed) > 0 {
					if encoded, err := json.Marshal(cleaned); err == nil {
						body = encoded
					} else {
						logger.Warn("failed to re-encode sanitized body", slog.String("error", err.Error()))
					}
				}
				replaceBody(r, body)
			}

			if len(suspicious) > 0 {
				event := auth.NewRequestEvent(r, models.EventSuspiciousActivity)
				event.Severity = models.SeverityMedium
				event.Message = "suspicious input was HTML-escaped"
				event.Details = map[string]interface{}{"fields": dedupe(suspicious), "action": "sanitized"}
				recorder.Record(r.Context(), event)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// BlockSuspiciousRequests rejects requests whose path, query or JSON body
// match SQL injection or XSS patterns with a generic 400.
func BlockSuspiciousRequests(recorder auth.SecurityRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var hits []string

			inspect := func(where, key, value string) {
				if key != "" && pkglogger.IsSensitiveKey(key) {
					return
				}
				if sqlInjectionPattern.MatchString(value) {
					hits = append(hits, where+":sql_injection")
				}
				if xssPattern.MatchString(value) {
					hits = append(hits, where+":xss")
				}
			}

			if path, err := url.PathUnescape(r.URL.Path); err == nil {
				inspect("path", "", path)
			}
			for key, values := range r.URL.Query() {
				for _, v := range values {
					inspect("query."+key, key, v)
				}
			}
			if body, data, ok := readJSONBody(r); ok {
				mapStrings(data, "", func(key, s string) string {
					inspect("body."+key, key, s)
					return s
				})
				replaceBody(r, body)
			}

			if len(hits) > 0 {
				event := auth.NewRequestEvent(r, models.EventSuspiciousActivity)
				event.Outcome = models.OutcomeDenied
				event.Message = "request blocked by input filter"
				event.Details = map[string]interface{}{"matches": dedupe(hits), "action": "blocked"}
				recorder.Record(r.Context(), event)

				pkghttp.WriteBadRequest(w, "Invalid input detected")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// readJSONBody reads a JSON request body without consuming it. ok is false
// for non-JSON, empty or oversized bodies; in those cases r.Body is intact.
func readJSONBody(r *http.Request) ([]byte, interface{}, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil, false
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return nil, nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInspectedBody+1))
	if err != nil || len(body) > maxInspectedBody {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))
		return nil, nil, false
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var data interface{}
	if err := decoder.Decode(&data); err != nil {
		replaceBody(r, body)
		return nil, nil, false
	}
	return body, data, true
}

func replaceBody(r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// mapStrings rebuilds v with fn applied to every string. Array elements
// report the key of the enclosing field.
func mapStrings(v interface{}, key string, fn func(key, s string) string) interface{} {
	switch val := v.(type) {
	case string:
		return fn(key, val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = mapStrings(child, k, fn)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = mapStrings(child, key, fn)
		}
		return out
	default:
		return v
	}
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}
