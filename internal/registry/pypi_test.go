package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/safe-chain/safe-chain/internal/registry"
)

func TestParsePyPIURL_Wheel(t *testing.T) {
	pkg, ok := registry.ParsePyPIURL("/packages/xx/yy/requests-2.28.1-py3-none-any.whl")
	if assert.True(t, ok) {
		assert.Equal(t, "requests", pkg.Name)
		assert.Equal(t, "2.28.1", pkg.Version)
	}
}

func TestParsePyPIURL_WheelWithBuildTag(t *testing.T) {
	pkg, ok := registry.ParsePyPIURL("/packages/xx/yy/numpy-1.26.0-1-cp311-cp311-manylinux_2_17_x86_64.whl")
	if assert.True(t, ok) {
		assert.Equal(t, "numpy", pkg.Name)
		assert.Equal(t, "1.26.0", pkg.Version)
	}
}

func TestParsePyPIURL_Sdist(t *testing.T) {
	pkg, ok := registry.ParsePyPIURL("/packages/xx/yy/requests-2.28.1.tar.gz")
	if assert.True(t, ok) {
		assert.Equal(t, "requests", pkg.Name)
		assert.Equal(t, "2.28.1", pkg.Version)
	}
}

func TestParsePyPIURL_SdistDottedName(t *testing.T) {
	pkg, ok := registry.ParsePyPIURL("/packages/xx/yy/zope.interface-5.5.2.tar.gz")
	if assert.True(t, ok) {
		assert.Equal(t, "zope.interface", pkg.Name)
		assert.Equal(t, "5.5.2", pkg.Version)
	}
}

func TestParsePyPIURL_RejectsLatest(t *testing.T) {
	_, ok := registry.ParsePyPIURL("/packages/xx/yy/requests-latest.tar.gz")
	assert.False(t, ok)

	_, ok = registry.ParsePyPIURL("/packages/xx/yy/requests-latest-py3-none-any.whl")
	assert.False(t, ok)
}

func TestParsePyPIURL_Unrecognized(t *testing.T) {
	_, ok := registry.ParsePyPIURL("/simple/requests/")
	assert.False(t, ok)
}
