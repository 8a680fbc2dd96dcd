package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// DefaultMaxBytes is the serialized size above which a payload is large
	DefaultMaxBytes = 16000
	// DefaultMaxItems is the top-level item count above which a payload is large
	DefaultMaxItems = 50
	// DefaultSampleSize is the number of items kept in the sample of a large payload
	DefaultSampleSize = 3

	schemaDepth    = 3
	previewLimit   = 400
	objectSampleKV = 10
)

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Config holds summarizer configuration
type Config struct {
	Store      Store
	MaxBytes   int
	MaxItems   int
	SampleSize int
	Redactor   *Redactor
	Logger     zerolog.Logger
}

// Aggregate describes a large payload without carrying it
type Aggregate struct {
	Kind       string `json:"kind"`
	Count      int    `json:"count"`
	ItemShapes []any  `json:"item_shapes,omitempty"`
}

// Summary is what the planner sees of a payload
type Summary struct {
	Label      string          `json:"label"`
	Purpose    string          `json:"purpose,omitempty"`
	Truncated  bool            `json:"truncated"`
	SizeBytes  int             `json:"size_bytes"`
	ItemCount  int             `json:"item_count"`
	Schema     any             `json:"schema,omitempty"`
	Aggregate  *Aggregate      `json:"aggregate,omitempty"`
	Sample     json.RawMessage `json:"sample,omitempty"`
	StorageRef string          `json:"storage_ref,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Preview renders a short human string for step logs and prompts
func (s Summary) Preview() string {
	if !s.Truncated {
		return clip(string(s.Data), previewLimit)
	}
	ref := s.StorageRef
	if ref == "" {
		ref = "not stored"
	}
	return fmt.Sprintf("%s: %d %s items, %d bytes (truncated; full payload at %s) sample=%s",
		s.Label, s.ItemCount, s.Aggregate.Kind, s.SizeBytes, ref, clip(string(s.Sample), previewLimit))
}

// Summarizer compresses large payloads into schema, aggregate, sample and an externalized reference
type Summarizer struct {
	store      Store
	maxBytes   int
	maxItems   int
	sampleSize int
	redactor   *Redactor
	logger     zerolog.Logger
}

// New creates a summarizer. Zero values fall back to the package defaults.
func New(cfg Config) *Summarizer {
	s := &Summarizer{
		store:      cfg.Store,
		maxBytes:   cfg.MaxBytes,
		maxItems:   cfg.MaxItems,
		sampleSize: cfg.SampleSize,
		redactor:   cfg.Redactor,
		logger:     cfg.Logger,
	}
	if s.store == nil {
		s.store = FileStore{}
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxBytes
	}
	if s.maxItems <= 0 {
		s.maxItems = DefaultMaxItems
	}
	if s.sampleSize <= 0 {
		s.sampleSize = DefaultSampleSize
	}
	if s.redactor == nil {
		s.redactor = NewRedactor()
	}
	return s
}

// Redactor returns the redactor used for persisted payloads
func (s *Summarizer) Redactor() *Redactor {
	return s.redactor
}

// IsLarge reports whether a payload exceeds the byte threshold or the item cap
func (s *Summarizer) IsLarge(payload []byte) bool {
	if len(payload) > s.maxBytes {
		return true
	}
	return itemCount(gjson.ParseBytes(payload)) > s.maxItems
}

// Summarize returns small payloads unchanged and compresses large ones.
// Large payloads are redacted and persisted to storageDir/<label>.json.
func (s *Summarizer) Summarize(ctx context.Context, label string, payload []byte, purpose, storageDir string) (Summary, error) {
	payload = normalizePayload(payload)
	root := gjson.ParseBytes(payload)

	summary := Summary{
		Label:     SafeLabel(label),
		Purpose:   purpose,
		SizeBytes: len(payload),
		ItemCount: itemCount(root),
	}

	if !s.IsLarge(payload) {
		summary.Data = json.RawMessage(payload)
		return summary, nil
	}

	redacted := s.redactor.Redact(payload)
	redactedRoot := gjson.ParseBytes(redacted)

	summary.Truncated = true
	summary.Schema = sketch(redactedRoot, schemaDepth)
	summary.Aggregate = s.aggregate(redactedRoot)
	summary.Sample = s.sample(redactedRoot)

	ref, err := s.store.Put(ctx, storageDir, summary.Label, redacted)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("label", summary.Label).
			Msg("Failed to persist summarized payload")
		return summary, fmt.Errorf("failed to persist payload %s: %w", summary.Label, err)
	}
	summary.StorageRef = ref

	s.logger.Debug().
		Str("label", summary.Label).
		Int("size_bytes", summary.SizeBytes).
		Int("items", summary.ItemCount).
		Str("storage_ref", ref).
		Msg("Payload summarized")

	return summary, nil
}

func (s *Summarizer) aggregate(root gjson.Result) *Aggregate {
	agg := &Aggregate{Kind: kindOf(root), Count: itemCount(root)}
	if root.IsArray() {
		for i, item := range root.Array() {
			if i >= s.sampleSize {
				break
			}
			agg.ItemShapes = append(agg.ItemShapes, sketch(item, 1))
		}
	}
	return agg
}

func (s *Summarizer) sample(root gjson.Result) json.RawMessage {
	var parts []string
	switch {
	case root.IsArray():
		for i, item := range root.Array() {
			if i >= s.sampleSize {
				break
			}
			parts = append(parts, item.Raw)
		}
		return json.RawMessage("[" + strings.Join(parts, ",") + "]")
	case root.IsObject():
		n := 0
		root.ForEach(func(key, val gjson.Result) bool {
			if n >= objectSampleKV {
				return false
			}
			raw := val.Raw
			if len(raw) > previewLimit {
				raw = mustString(clip(raw, previewLimit))
			}
			parts = append(parts, key.Raw+":"+raw)
			n++
			return true
		})
		return json.RawMessage("{" + strings.Join(parts, ",") + "}")
	default:
		return json.RawMessage(mustString(clip(root.String(), previewLimit)))
	}
}

// SafeLabel makes a label usable as a file name
func SafeLabel(label string) string {
	label = unsafeLabel.ReplaceAllString(strings.TrimSpace(label), "_")
	if label == "" {
		return "payload"
	}
	return label
}

func sketch(value gjson.Result, depth int) any {
	switch {
	case value.IsObject():
		if depth <= 0 {
			return "object"
		}
		fields := map[string]any{}
		value.ForEach(func(key, val gjson.Result) bool {
			fields[key.String()] = sketch(val, depth-1)
			return true
		})
		return fields
	case value.IsArray():
		items := value.Array()
		if depth <= 0 || len(items) == 0 {
			return []any{}
		}
		return []any{sketch(items[0], depth-1)}
	default:
		return kindOf(value)
	}
}

func kindOf(value gjson.Result) string {
	switch {
	case value.IsObject():
		return "object"
	case value.IsArray():
		return "array"
	}
	switch value.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	default:
		return "null"
	}
}

func itemCount(value gjson.Result) int {
	switch {
	case value.IsArray():
		return len(value.Array())
	case value.IsObject():
		n := 0
		value.ForEach(func(_, _ gjson.Result) bool {
			n++
			return true
		})
		return n
	}
	return 1
}

// normalizePayload wraps non-JSON text as a JSON string
func normalizePayload(payload []byte) []byte {
	if gjson.ValidBytes(payload) {
		return payload
	}
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return []byte("null")
	}
	if gjson.Valid(trimmed) {
		return []byte(trimmed)
	}
	return []byte(mustString(trimmed))
}

func mustString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
