package resolver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safe-chain/safe-chain/internal/audit"
	"github.com/safe-chain/safe-chain/internal/resolver"
)

func TestNpmResolver_IsSupportedCommand(t *testing.T) {
	r := resolver.NewNpmResolver()

	assert.True(t, r.IsSupportedCommand([]string{"npm", "install", "lodash"}))
	assert.True(t, r.IsSupportedCommand([]string{"npm", "add", "lodash@4.17.21"}))
	assert.False(t, r.IsSupportedCommand([]string{"npm", "install"}))
	assert.False(t, r.IsSupportedCommand([]string{"npm", "ci"}))
	assert.False(t, r.IsSupportedCommand([]string{"npm", "install", "--save-dev"}))
	assert.False(t, r.IsSupportedCommand([]string{"npm"}))
}

func TestNpmResolver_GetDependencyUpdatesForCommand(t *testing.T) {
	r := resolver.NewNpmResolver()

	changes, err := r.GetDependencyUpdatesForCommand(context.Background(),
		[]string{"npm", "install", "lodash@4.17.21", "@scope/pkg@1.0.0", "left-pad", "--save"})
	require.NoError(t, err)

	require.Len(t, changes, 3)
	assert.Equal(t, audit.PackageChange{Name: "lodash", Version: "4.17.21", Type: audit.ChangeAdd}, changes[0])
	assert.Equal(t, audit.PackageChange{Name: "@scope/pkg", Version: "1.0.0", Type: audit.ChangeAdd}, changes[1])
	assert.Equal(t, audit.PackageChange{Name: "left-pad", Version: "", Type: audit.ChangeAdd}, changes[2])
}

func TestRegistry_ResolveDispatchesToMatchingResolver(t *testing.T) {
	reg := resolver.NewRegistry(resolver.NewNpmResolver())

	changes, matched, err := reg.Resolve(context.Background(), []string{"npm", "install", "lodash"})
	require.NoError(t, err)
	assert.True(t, matched)
	require.Len(t, changes, 1)

	_, matched, err = reg.Resolve(context.Background(), []string{"pip", "install", "requests"})
	require.NoError(t, err)
	assert.False(t, matched)
}
