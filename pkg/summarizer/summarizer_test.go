package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestSummarize_SmallPayloadUnchanged(t *testing.T) {
	s := New(Config{})
	dir := t.TempDir()

	payload := []byte(`{"status":"ok","token":"abc","items":[1,2,3]}`)
	summary, err := s.Summarize(context.Background(), "tool.gmail.gmail_send", payload, "send mail", dir)
	require.NoError(t, err)

	assert.False(t, summary.Truncated)
	assert.Empty(t, summary.StorageRef)
	assert.Equal(t, string(payload), string(summary.Data))
	assert.Equal(t, 3, summary.ItemCount)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "small payloads must not be persisted")
}

func TestSummarize_LargeListIsRedactedAndPersisted(t *testing.T) {
	s := New(Config{})
	dir := t.TempDir()

	items := make([]string, 0, 300)
	for i := 0; i < 300; i++ {
		items = append(items, fmt.Sprintf(`{"id":%d,"name":"user-%d","api_key":"sk-%d","meta":{"Authorization":"Bearer x"}}`, i, i, i))
	}
	payload := []byte("[" + strings.Join(items, ",") + "]")

	summary, err := s.Summarize(context.Background(), "tool.crm.list_users", payload, "list users", dir)
	require.NoError(t, err)

	assert.True(t, summary.Truncated)
	assert.Equal(t, 300, summary.ItemCount)
	require.NotNil(t, summary.Aggregate)
	assert.Equal(t, "array", summary.Aggregate.Kind)
	assert.Equal(t, 300, summary.Aggregate.Count)
	assert.Len(t, summary.Aggregate.ItemShapes, 3)
	assert.Equal(t, filepath.Join(dir, "tool.crm.list_users.json"), summary.StorageRef)

	stored, err := os.ReadFile(summary.StorageRef)
	require.NoError(t, err)

	first := gjson.GetBytes(stored, "0")
	assert.Equal(t, RedactedValue, first.Get("api_key").String())
	assert.Equal(t, RedactedValue, first.Get("meta.Authorization").String())
	assert.Equal(t, "user-0", first.Get("name").String())

	expected := string(payload)
	for i := 0; i < 300; i++ {
		expected = strings.Replace(expected, fmt.Sprintf(`"api_key":"sk-%d"`, i), `"api_key":"[REDACTED]"`, 1)
	}
	expected = strings.ReplaceAll(expected, `"Authorization":"Bearer x"`, `"Authorization":"[REDACTED]"`)
	assert.Equal(t, expected, string(stored), "non-sensitive bytes must be preserved")

	var sample []map[string]any
	require.NoError(t, json.Unmarshal(summary.Sample, &sample))
	assert.Len(t, sample, 3)
	assert.Equal(t, RedactedValue, sample[0]["api_key"])
}

func TestSummarize_LargeByBytes(t *testing.T) {
	s := New(Config{MaxBytes: 64})
	dir := t.TempDir()

	payload := []byte(`{"body":"` + strings.Repeat("x", 200) + `","password":"hunter2"}`)
	summary, err := s.Summarize(context.Background(), "sandbox/report", payload, "", dir)
	require.NoError(t, err)

	assert.True(t, summary.Truncated)
	assert.Equal(t, "sandbox_report", summary.Label)
	assert.Equal(t, "object", summary.Aggregate.Kind)
	assert.Equal(t, map[string]any{"body": "string", "password": "string"}, summary.Schema)
	assert.Contains(t, summary.Preview(), "truncated")
}

func TestSummarize_NonJSONText(t *testing.T) {
	s := New(Config{})
	summary, err := s.Summarize(context.Background(), "log", []byte("plain text output"), "", t.TempDir())
	require.NoError(t, err)

	assert.False(t, summary.Truncated)
	assert.Equal(t, `"plain text output"`, string(summary.Data))
}

type failingStore struct{}

func (failingStore) Put(ctx context.Context, root, label string, data []byte) (string, error) {
	return "", fmt.Errorf("disk full")
}

func TestSummarize_StoreFailure(t *testing.T) {
	s := New(Config{Store: failingStore{}, MaxItems: 1})
	summary, err := s.Summarize(context.Background(), "x", []byte(`[1,2,3]`), "", "root")

	assert.Error(t, err)
	assert.True(t, summary.Truncated)
	assert.Empty(t, summary.StorageRef)
}

func TestRedactor(t *testing.T) {
	r := NewRedactor("X-Custom-Secret")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"flat", `{"token":"t","user":"bob"}`, `{"token":"[REDACTED]","user":"bob"}`},
		{"case insensitive", `{"API_KEY":1}`, `{"API_KEY":"[REDACTED]"}`},
		{"hyphenated", `{"x-api-key":"k","set-cookie":"c"}`, `{"x-api-key":"[REDACTED]","set-cookie":"[REDACTED]"}`},
		{"custom key", `{"x_custom_secret":"s"}`, `{"x_custom_secret":"[REDACTED]"}`},
		{"nested object value", `{"secret":{"a":1},"b":[{"password":"p","n":2.50}]}`, `{"secret":"[REDACTED]","b":[{"password":"[REDACTED]","n":2.50}]}`},
		{"key order kept", `{"z":1,"token":"t","a":2}`, `{"z":1,"token":"[REDACTED]","a":2}`},
		{"not sensitive substring", `{"tokens_used":42}`, `{"tokens_used":42}`},
		{"scalar", `"token"`, `"token"`},
		{"invalid json", `{not json`, `{not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(r.Redact([]byte(tt.input))))
		})
	}
}

func TestFileStore(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "run")
	ref, err := FileStore{}.Put(context.Background(), root, "label", []byte(`{}`))
	require.NoError(t, err)

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))

	_, err = FileStore{}.Put(context.Background(), "", "label", nil)
	assert.Error(t, err)
}

func TestClip_RuneBoundary(t *testing.T) {
	got := clip("€€€", 4)
	assert.Equal(t, "€...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "abc", clip("abc", 4))
}
