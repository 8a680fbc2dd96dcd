package summarizer

import (
	"bytes"
	"strings"

	"github.com/tidwall/gjson"
)

// RedactedValue replaces every value stored under a sensitive key
const RedactedValue = "[REDACTED]"

// DefaultSensitiveKeys is the case-insensitive key denylist. Hyphens and underscores are equivalent.
var DefaultSensitiveKeys = []string{
	"authorization",
	"api_key",
	"apikey",
	"x_api_key",
	"token",
	"access_token",
	"refresh_token",
	"id_token",
	"session_token",
	"password",
	"passwd",
	"secret",
	"client_secret",
	"private_key",
	"cookie",
	"set_cookie",
}

// Redactor masks values behind sensitive keys in raw JSON
type Redactor struct {
	keys map[string]struct{}
}

// NewRedactor creates a redactor for the default denylist plus any extra keys
func NewRedactor(extra ...string) *Redactor {
	r := &Redactor{keys: make(map[string]struct{}, len(DefaultSensitiveKeys)+len(extra))}
	for _, k := range DefaultSensitiveKeys {
		r.keys[normalizeKey(k)] = struct{}{}
	}
	for _, k := range extra {
		r.keys[normalizeKey(k)] = struct{}{}
	}
	return r
}

// IsSensitive reports whether a key is on the denylist
func (r *Redactor) IsSensitive(key string) bool {
	_, ok := r.keys[normalizeKey(key)]
	return ok
}

// Redact returns raw with every sensitive value replaced by "[REDACTED]".
// Key order and the bytes of non-sensitive values are kept as they appear in raw;
// only insignificant whitespace between tokens is dropped.
func (r *Redactor) Redact(raw []byte) []byte {
	if !gjson.ValidBytes(raw) {
		return raw
	}
	var buf bytes.Buffer
	buf.Grow(len(raw))
	r.write(&buf, gjson.ParseBytes(raw))
	return buf.Bytes()
}

func (r *Redactor) write(buf *bytes.Buffer, value gjson.Result) {
	switch {
	case value.IsObject():
		buf.WriteByte('{')
		first := true
		value.ForEach(func(key, val gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			buf.WriteString(key.Raw)
			buf.WriteByte(':')
			if r.IsSensitive(key.String()) {
				buf.WriteString(`"` + RedactedValue + `"`)
			} else {
				r.write(buf, val)
			}
			return true
		})
		buf.WriteByte('}')
	case value.IsArray():
		buf.WriteByte('[')
		first := true
		value.ForEach(func(_, val gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			r.write(buf, val)
			return true
		})
		buf.WriteByte(']')
	default:
		buf.WriteString(value.Raw)
	}
}

func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}
