/*
Package packument rewrites npm packument JSON to enforce a minimum-age
policy on package versions: versions published more recently than the
configured cutoff are stripped from the document before it reaches the
wrapped package manager.
*/
package packument

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Rewriter enforces the minimum-package-age policy on npm packument
// responses. It is stateless across requests other than the shared
// onSuppressed callback, which the proxy controller uses to set its
// process-wide hasSuppressedVersions flag.
type Rewriter struct {
	minimumAgeHours int
	exemptions      map[string]struct{}
	skip            bool
	logger          *slog.Logger
	onSuppressed    func()
}

// Config configures a Rewriter.
type Config struct {
	// MinimumAgeHours is the cutoff: versions published less than this
	// many hours ago are removed.
	MinimumAgeHours int
	// Exemptions lists package base names (the whole "@scope" for scoped
	// packages, the full name otherwise) exempt from age filtering.
	Exemptions []string
	// Skip disables age filtering entirely; Rewrite becomes a no-op.
	Skip   bool
	Logger *slog.Logger
	// OnSuppressed is called at most once per Rewrite call that removes
	// at least one version.
	OnSuppressed func()
}

// New creates a Rewriter from cfg.
func New(cfg Config) *Rewriter {
	exemptions := make(map[string]struct{}, len(cfg.Exemptions))
	for _, e := range cfg.Exemptions {
		exemptions[baseName(e)] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{
		minimumAgeHours: cfg.MinimumAgeHours,
		exemptions:      exemptions,
		skip:            cfg.Skip,
		logger:          logger,
		onSuppressed:    cfg.OnSuppressed,
	}
}

// Rewrite applies the minimum-age policy to body, given the upstream
// response's headers. It returns body unchanged whenever rewriting does
// not apply or fails for any reason — correctness of the developer's
// install matters more than enforcement here; the malware block is the
// only hard gate.
func (r *Rewriter) Rewrite(body []byte, headers http.Header) ([]byte, error) {
	if r.skip || len(body) == 0 {
		return body, nil
	}

	if !strings.Contains(strings.ToLower(headers.Get("Content-Type")), "application/json") {
		return body, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		r.logger.Debug("packument parse failed, passing through unchanged", "error", err)
		return body, nil
	}

	timeField, timeOK := doc["time"].(map[string]any)
	versionsField, versionsOK := doc["versions"].(map[string]any)
	distTagsField, distTagsOK := doc["dist-tags"].(map[string]any)
	if !timeOK || !versionsOK || !distTagsOK {
		return body, nil
	}

	if name, _ := doc["name"].(string); name != "" && r.isExempt(name) {
		return body, nil
	}

	cutoff := time.Now().Add(-time.Duration(r.minimumAgeHours) * time.Hour)

	removed := make(map[string]struct{})
	for version, rawTS := range timeField {
		if version == "created" || version == "modified" {
			continue
		}
		ts, ok := parseTimestamp(rawTS)
		if !ok {
			continue
		}
		if ts.After(cutoff) {
			removed[version] = struct{}{}
		}
	}

	if len(removed) == 0 {
		return body, nil
	}

	for version := range removed {
		delete(timeField, version)
		// Open question (spec.md §9): a version listed in "versions" but
		// without a "time" entry is left untouched — we have no age to
		// judge it by, so only remove versions we actually aged out.
		delete(versionsField, version)
	}

	latestRemoved := false
	for tag, v := range distTagsField {
		vs, ok := v.(string)
		if !ok {
			continue
		}
		if _, gone := removed[vs]; gone {
			delete(distTagsField, tag)
			if tag == "latest" {
				latestRemoved = true
			}
		}
	}

	if latestRemoved {
		if newLatest, ok := recomputeLatest(timeField); ok {
			distTagsField["latest"] = newLatest
		}
	}

	if r.onSuppressed != nil {
		r.onSuppressed()
	}

	out, err := json.Marshal(doc)
	if err != nil {
		r.logger.Debug("packument re-serialize failed, passing through unchanged", "error", err)
		return body, nil
	}

	headers.Del("Etag")
	headers.Del("Last-Modified")
	headers.Del("Cache-Control")

	return out, nil
}

func parseTimestamp(raw any) (time.Time, bool) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// recomputeLatest picks a new "latest" dist-tag over the surviving time
// entries: full releases (no "-" in the version) win over prereleases,
// the maximum timestamp wins within each group, and ties are broken
// lexicographically on the version string (unspecified by the source;
// spec.md §9 recommends this as the deterministic choice).
func recomputeLatest(timeField map[string]any) (string, bool) {
	type candidate struct {
		version string
		ts      time.Time
	}
	var full, prerelease []candidate

	for version, rawTS := range timeField {
		if version == "created" || version == "modified" {
			continue
		}
		ts, ok := parseTimestamp(rawTS)
		if !ok {
			continue
		}
		if strings.Contains(version, "-") {
			prerelease = append(prerelease, candidate{version, ts})
		} else {
			full = append(full, candidate{version, ts})
		}
	}

	pick := func(cands []candidate) (string, bool) {
		if len(cands) == 0 {
			return "", false
		}
		best := cands[0]
		for _, c := range cands[1:] {
			if c.ts.After(best.ts) || (c.ts.Equal(best.ts) && c.version < best.version) {
				best = c
			}
		}
		return best.version, true
	}

	if v, ok := pick(full); ok {
		return v, true
	}
	return pick(prerelease)
}

// isExempt reports whether name's base (the whole "@scope" for scoped
// packages, the full name otherwise — spec.md §9's open question on
// scope-as-allowlist-key) is in the exemption list.
func (r *Rewriter) isExempt(name string) bool {
	_, ok := r.exemptions[baseName(name)]
	return ok
}

func baseName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(name, "@") {
		if idx := strings.Index(name, "/"); idx >= 0 {
			return name[:idx]
		}
	}
	return name
}
