package interceptor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/safe-chain/safe-chain/internal/interceptor"
)

func TestRouter_NPMEcosystem(t *testing.T) {
	npm := interceptor.New(func(_ *interceptor.Context) {})
	pypi := interceptor.New(func(_ *interceptor.Context) {})
	r := interceptor.NewRouter(interceptor.EcosystemNPM, npm, pypi)

	assert.Same(t, npm, r.Lookup("registry.npmjs.org:443"))
	assert.Same(t, npm, r.Lookup("REGISTRY.YARNPKG.COM"))
	assert.Nil(t, r.Lookup("pypi.org"))
	assert.Nil(t, r.Lookup("example.com"))
}

func TestRouter_PyPIEcosystem(t *testing.T) {
	npm := interceptor.New(func(_ *interceptor.Context) {})
	pypi := interceptor.New(func(_ *interceptor.Context) {})
	r := interceptor.NewRouter(interceptor.EcosystemPyPI, npm, pypi)

	assert.Same(t, pypi, r.Lookup("files.pythonhosted.org:443"))
	assert.Same(t, pypi, r.Lookup("pypi.org"))
	assert.Nil(t, r.Lookup("registry.npmjs.org"))
}
