/*
Package registry parses package-registry URLs for the npm and PyPI
ecosystems, extracting the (name, version) pair a request is for without
ever calling out to the network.
*/
package registry

import (
	"net/url"
	"strings"
)

// NpmURLClass classifies an npm registry request path.
type NpmURLClass int

const (
	// NpmMetadata is a packument request: the full or partial metadata
	// document for a package, with no single version in play.
	NpmMetadata NpmURLClass = iota
	// NpmSpecial is an opaque registry endpoint (search, dist-tags,
	// access, ping, ...) reached through the "/-/" path marker.
	NpmSpecial
	// NpmTarball is a request for a specific version's tarball.
	NpmTarball
)

// NpmPackage holds a parsed (name, version) pair for a tarball URL.
type NpmPackage struct {
	Name    string
	Version string
}

// ClassifyNpmURL classifies rawURL and, for tarball URLs, parses the
// package name and version out of the filename. Metadata and special
// endpoint URLs never carry package info; callers must not treat the nil
// *NpmPackage as suspicious.
func ClassifyNpmURL(rawURL string) (NpmURLClass, *NpmPackage) {
	path := pathOf(rawURL)

	if strings.HasSuffix(path, ".tgz") {
		pkg, ok := parseNpmTarball(path)
		if !ok {
			return NpmTarball, nil
		}
		return NpmTarball, pkg
	}

	if strings.Contains(path, "/-/") {
		return NpmSpecial, nil
	}

	return NpmMetadata, nil
}

// parseNpmTarball extracts (name, version) from an npm tarball path such
// as "/lodash/-/lodash-4.17.21.tgz" or "/@babel/core/-/core-7.0.0.tgz".
// When the filename starts with the package directory name that precedes
// "/-/", the version is everything after "<name>-" (so prerelease versions
// keep their hyphens); otherwise it is the substring after the last hyphen
// in the filename (before ".tgz"). The name is prefixed with the package's
// scope when the URL carries one.
func parseNpmTarball(path string) (*NpmPackage, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 {
		return nil, false
	}

	filename, err := url.PathUnescape(segments[len(segments)-1])
	if err != nil {
		filename = segments[len(segments)-1]
	}
	if !strings.HasSuffix(filename, ".tgz") {
		return nil, false
	}

	base := strings.TrimSuffix(filename, ".tgz")
	idx := strings.LastIndex(base, "-")
	if n := len(segments); n >= 3 && segments[n-2] == "-" {
		dir := segments[n-3]
		if strings.HasPrefix(base, dir+"-") && len(base) > len(dir)+1 {
			idx = len(dir)
		}
	}
	if idx <= 0 || idx == len(base)-1 {
		return nil, false
	}
	unscopedName := base[:idx]
	version := base[idx+1:]

	name := unscopedName
	if scope, ok := scopeFromSegments(segments); ok {
		name = scope + "/" + unscopedName
	}

	return &NpmPackage{Name: name, Version: version}, true
}

// scopeFromSegments looks for a "@scope" path segment among the segments
// that precede the tarball filename (covering both the "/-/" marker
// convention and a directly-preceding "@scope" segment).
func scopeFromSegments(segments []string) (string, bool) {
	if len(segments) < 2 {
		return "", false
	}
	preceding, err := url.PathUnescape(segments[len(segments)-2])
	if err != nil {
		preceding = segments[len(segments)-2]
	}
	if strings.HasPrefix(preceding, "@") {
		return preceding, true
	}
	if preceding == "-" && len(segments) >= 4 {
		maybeScope, err := url.PathUnescape(segments[len(segments)-4])
		if err != nil {
			maybeScope = segments[len(segments)-4]
		}
		if strings.HasPrefix(maybeScope, "@") {
			return maybeScope, true
		}
	}
	return "", false
}

// pathOf returns the path component of rawURL, tolerating values that are
// already bare paths; any query or fragment (the targetUrl the MITM
// server builds keeps the request's query) is dropped.
func pathOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return u.Path
	}
	if idx := strings.IndexAny(rawURL, "?#"); idx >= 0 {
		return rawURL[:idx]
	}
	return rawURL
}
