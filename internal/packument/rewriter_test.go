package packument_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safe-chain/safe-chain/internal/packument"
)

func ts(ago time.Duration) string {
	return time.Now().Add(-ago).Format(time.RFC3339)
}

func TestRewrite_RemovesTooYoungVersionsAndRecomputesLatest(t *testing.T) {
	doc := map[string]any{
		"name": "lodash",
		"time": map[string]any{
			"created":  ts(30 * 24 * time.Hour),
			"modified": ts(time.Hour),
			"4.17.20":  ts(30 * time.Hour),
			"4.17.21":  ts(2 * time.Hour),
		},
		"versions": map[string]any{
			"4.17.20": map[string]any{},
			"4.17.21": map[string]any{},
		},
		"dist-tags": map[string]any{
			"latest": "4.17.21",
		},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	headers := http.Header{
		"Content-Type":  []string{"application/json"},
		"Etag":          []string{`"abc"`},
		"Last-Modified": []string{"Tue, 01 Jan 2024 00:00:00 GMT"},
		"Cache-Control": []string{"max-age=300"},
	}

	r := packument.New(packument.Config{MinimumAgeHours: 24})
	out, err := r.Rewrite(body, headers)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))

	versions, _ := got["versions"].(map[string]any)
	assert.Contains(t, versions, "4.17.20")
	assert.NotContains(t, versions, "4.17.21")

	distTags, _ := got["dist-tags"].(map[string]any)
	assert.Equal(t, "4.17.20", distTags["latest"])

	assert.Empty(t, headers.Get("Etag"))
	assert.Empty(t, headers.Get("Last-Modified"))
	assert.Empty(t, headers.Get("Cache-Control"))
}

func TestRewrite_LatestPrefersFullReleaseOverPrerelease(t *testing.T) {
	now := time.Now()
	t8 := now.Add(-8 * time.Hour).Format(time.RFC3339)
	t7 := now.Add(-7 * time.Hour).Format(time.RFC3339)
	t6 := now.Add(-6 * time.Hour).Format(time.RFC3339)
	t4 := now.Add(-4 * time.Hour).Format(time.RFC3339)
	t3 := now.Add(-3 * time.Hour).Format(time.RFC3339)

	doc := map[string]any{
		"name": "widget",
		"time": map[string]any{
			"0.0.1":       t8,
			"1.0.0":       t7,
			"2.0.0-alpha": t6,
			"2.0.0":       t4,
			"3.0.0":       t3,
		},
		"versions": map[string]any{
			"0.0.1":       map[string]any{},
			"1.0.0":       map[string]any{},
			"2.0.0-alpha": map[string]any{},
			"2.0.0":       map[string]any{},
			"3.0.0":       map[string]any{},
		},
		"dist-tags": map[string]any{"latest": "3.0.0"},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	headers := http.Header{"Content-Type": []string{"application/json"}}
	r := packument.New(packument.Config{MinimumAgeHours: 5})
	out, err := r.Rewrite(body, headers)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))

	versions, _ := got["versions"].(map[string]any)
	assert.Contains(t, versions, "0.0.1")
	assert.Contains(t, versions, "1.0.0")
	assert.Contains(t, versions, "2.0.0-alpha")
	assert.NotContains(t, versions, "2.0.0")
	assert.NotContains(t, versions, "3.0.0")

	distTags, _ := got["dist-tags"].(map[string]any)
	assert.Equal(t, "1.0.0", distTags["latest"])
}

func TestRewrite_Idempotent(t *testing.T) {
	doc := map[string]any{
		"name": "lodash",
		"time": map[string]any{
			"4.17.20": ts(30 * time.Hour),
			"4.17.21": ts(2 * time.Hour),
		},
		"versions": map[string]any{
			"4.17.20": map[string]any{},
			"4.17.21": map[string]any{},
		},
		"dist-tags": map[string]any{"latest": "4.17.21"},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	r := packument.New(packument.Config{MinimumAgeHours: 24})
	first, err := r.Rewrite(body, http.Header{"Content-Type": []string{"application/json"}})
	require.NoError(t, err)

	second, err := r.Rewrite(first, http.Header{"Content-Type": []string{"application/json"}})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRewrite_ExemptPackageUntouched(t *testing.T) {
	doc := map[string]any{
		"name": "@myorg/internal-tool",
		"time": map[string]any{
			"1.0.0": ts(time.Minute),
		},
		"versions":  map[string]any{"1.0.0": map[string]any{}},
		"dist-tags": map[string]any{"latest": "1.0.0"},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	r := packument.New(packument.Config{MinimumAgeHours: 24, Exemptions: []string{"@myorg"}})
	headers := http.Header{"Content-Type": []string{"application/json"}, "Etag": []string{`"x"`}}
	out, err := r.Rewrite(body, headers)
	require.NoError(t, err)

	assert.Equal(t, body, out)
	assert.Equal(t, `"x"`, headers.Get("Etag"))
}

func TestRewrite_SkipFlagPassesThroughUnchanged(t *testing.T) {
	doc := map[string]any{
		"name":      "widget",
		"time":      map[string]any{"1.0.0": ts(time.Minute)},
		"versions":  map[string]any{"1.0.0": map[string]any{}},
		"dist-tags": map[string]any{"latest": "1.0.0"},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	r := packument.New(packument.Config{MinimumAgeHours: 24, Skip: true})
	out, err := r.Rewrite(body, http.Header{"Content-Type": []string{"application/json"}})
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestRewrite_NonJSONContentTypePassesThrough(t *testing.T) {
	body := []byte("not json")
	r := packument.New(packument.Config{MinimumAgeHours: 24})
	out, err := r.Rewrite(body, http.Header{"Content-Type": []string{"text/plain"}})
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestRewrite_MalformedJSONPassesThrough(t *testing.T) {
	body := []byte(`{"time": this is not json`)
	r := packument.New(packument.Config{MinimumAgeHours: 24})
	out, err := r.Rewrite(body, http.Header{"Content-Type": []string{"application/json"}})
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestRewrite_OnSuppressedCallback(t *testing.T) {
	doc := map[string]any{
		"name":      "widget",
		"time":      map[string]any{"1.0.0": ts(time.Minute)},
		"versions":  map[string]any{"1.0.0": map[string]any{}},
		"dist-tags": map[string]any{"latest": "1.0.0"},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	called := false
	r := packument.New(packument.Config{
		MinimumAgeHours: 24,
		OnSuppressed:    func() { called = true },
	})
	_, err = r.Rewrite(body, http.Header{"Content-Type": []string{"application/json"}})
	require.NoError(t, err)
	assert.True(t, called)
}
