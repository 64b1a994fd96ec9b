package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/safe-chain/safe-chain/internal/registry"
)

func TestClassifyNpmURL_Tarball(t *testing.T) {
	cases := []struct {
		name    string
		url     string
		pkgName string
		version string
	}{
		{"unscoped", "/lodash/-/lodash-4.17.21.tgz", "lodash", "4.17.21"},
		{"hyphenated name", "/safe-chain-test/-/safe-chain-test-1.0.0.tgz", "safe-chain-test", "1.0.0"},
		{"scoped", "/@babel/core/-/core-7.0.0.tgz", "@babel/core", "7.0.0"},
		{"prerelease", "/foo/-/foo-5.0.0-beta.1.tgz", "foo", "5.0.0-beta.1"},
		{"canary prerelease", "/foo/-/foo-18.3.0-canary-abc123.tgz", "foo", "18.3.0-canary-abc123"},
		{"build metadata", "/foo/-/foo-1.0.0-rc.1+build.123.tgz", "foo", "1.0.0-rc.1+build.123"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, pkg := registry.ClassifyNpmURL(tc.url)
			assert.Equal(t, registry.NpmTarball, class)
			if assert.NotNil(t, pkg) {
				assert.Equal(t, tc.pkgName, pkg.Name)
				assert.Equal(t, tc.version, pkg.Version)
			}
		})
	}
}

func TestClassifyNpmURL_Special(t *testing.T) {
	class, pkg := registry.ClassifyNpmURL("/-/v1/search?text=lodash")
	assert.Equal(t, registry.NpmSpecial, class)
	assert.Nil(t, pkg)
}

func TestClassifyNpmURL_Metadata(t *testing.T) {
	class, pkg := registry.ClassifyNpmURL("/lodash")
	assert.Equal(t, registry.NpmMetadata, class)
	assert.Nil(t, pkg)

	class, pkg = registry.ClassifyNpmURL("/@babel/core")
	assert.Equal(t, registry.NpmMetadata, class)
	assert.Nil(t, pkg)
}
