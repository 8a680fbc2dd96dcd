package logger

import (
	"io"
	"regexp"
)

// Redacted replaces every masked secret. The summarizer uses the same marker for payloads.
const Redacted = "[REDACTED]"

// Redactor masks secrets in log lines
type Redactor struct {
	rules []rule
}

// rule replaces matches of re with repl, which may reference submatches
type rule struct {
	re   *regexp.Regexp
	repl string
}

// NewRedactor creates a redactor with the default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// LLM provider keys
			{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), Redacted},
			{regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`), Redacted},

			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`), "Bearer " + Redacted},

			// Values only, so JSON log lines stay parseable
			{regexp.MustCompile(`(?i)("(?:api_key|apikey|password|secret|access_token|refresh_token|token)"\s*:\s*)"[^"]*"`), `${1}"` + Redacted + `"`},
			{regexp.MustCompile(`(?i)\b(password|pwd|secret|token|api_key)=[^\s&"]+`), "${1}=" + Redacted},

			{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), Redacted},
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re, Redacted})
	return nil
}

// Redact masks every secret in s
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts each line before passing it on
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success; the caller never sees the redacted length
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
