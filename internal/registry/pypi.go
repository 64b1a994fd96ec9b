package registry

import (
	"net/url"
	"strings"
)

// PyPIPackage holds a parsed (name, version) pair for a wheel or sdist URL.
type PyPIPackage struct {
	Name    string
	Version string
}

// sdistExtensions are checked longest-first is unnecessary here since none
// of these suffixes are prefixes of one another.
var sdistExtensions = []string{".tar.gz", ".tar.bz2", ".tar.xz", ".zip"}

// ParsePyPIURL extracts (name, version) from a PyPI wheel or sdist
// filename. Anything else — including a literal "latest" version —
// returns ok=false, and the caller must let the request pass through
// unblocked rather than treat the miss as suspicious.
func ParsePyPIURL(rawURL string) (*PyPIPackage, bool) {
	path := pathOf(rawURL)
	segments := strings.Split(path, "/")
	last := segments[len(segments)-1]

	filename, err := url.PathUnescape(last)
	if err != nil {
		filename = last
	}

	if strings.HasSuffix(filename, ".whl") {
		return parseWheel(filename)
	}

	for _, ext := range sdistExtensions {
		if strings.HasSuffix(filename, ext) {
			return parseSdist(filename, ext)
		}
	}

	return nil, false
}

// parseWheel parses "<dist>-<version>(-<build>)?-<pytag>-<abitag>-<platform>.whl".
// The first hyphen after dist separates the version, since wheels carry
// trailing tag fields that themselves contain hyphens.
func parseWheel(filename string) (*PyPIPackage, bool) {
	base := strings.TrimSuffix(filename, ".whl")
	parts := strings.SplitN(base, "-", 3)
	if len(parts) < 2 {
		return nil, false
	}
	dist := parts[0]
	version := parts[1]
	if dist == "" || version == "" || version == "latest" {
		return nil, false
	}
	return &PyPIPackage{Name: dist, Version: version}, true
}

// parseSdist parses "<dist>-<version>.<ext>". The last hyphen separates
// the version, since sdist names have no trailing tag fields.
func parseSdist(filename, ext string) (*PyPIPackage, bool) {
	base := strings.TrimSuffix(filename, ext)
	idx := strings.LastIndex(base, "-")
	if idx <= 0 || idx == len(base)-1 {
		return nil, false
	}
	name := base[:idx]
	version := base[idx+1:]
	if version == "latest" {
		return nil, false
	}
	return &PyPIPackage{Name: name, Version: version}, true
}
