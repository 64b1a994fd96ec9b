package wrapper_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safe-chain/safe-chain/internal/audit"
	"github.com/safe-chain/safe-chain/internal/resolver"
	"github.com/safe-chain/safe-chain/internal/wrapper"
)

func TestExtractFlags_StripsWrapperFlagsAndKeepsChildCommand(t *testing.T) {
	flags, child := wrapper.ExtractFlags([]string{
		"npm", "install", "left-pad",
		"--safe-chain-logging=verbose",
		"--safe-chain-skip-minimum-package-age",
		"--include-python",
	})

	require.NotNil(t, flags.Logging)
	assert.Equal(t, "verbose", *flags.Logging)
	require.NotNil(t, flags.SkipMinimumPackageAge)
	assert.True(t, *flags.SkipMinimumPackageAge)
	require.NotNil(t, flags.IncludePython)
	assert.True(t, *flags.IncludePython)
	assert.Nil(t, flags.MinimumPackageAgeHours)
	assert.Equal(t, []string{"npm", "install", "left-pad"}, child)
}

func TestExtractFlags_LastLoggingWins(t *testing.T) {
	flags, _ := wrapper.ExtractFlags([]string{
		"--safe-chain-logging=verbose",
		"--safe-chain-logging=silent",
		"pip", "install", "requests",
	})

	require.NotNil(t, flags.Logging)
	assert.Equal(t, "silent", *flags.Logging)
}

func TestExtractFlags_MinimumPackageAgeHoursOverride(t *testing.T) {
	flags, _ := wrapper.ExtractFlags([]string{"--safe-chain-minimum-package-age-hours=72", "npm", "i"})
	require.NotNil(t, flags.MinimumPackageAgeHours)
	assert.Equal(t, 72, *flags.MinimumPackageAgeHours)
}

func TestExtractFlags_CaseInsensitivePrefix(t *testing.T) {
	flags, child := wrapper.ExtractFlags([]string{"--SAFE-CHAIN-LOGGING=verbose", "npm", "install"})
	require.NotNil(t, flags.Logging)
	assert.Equal(t, "verbose", *flags.Logging)
	assert.Equal(t, []string{"npm", "install"}, child)
}

func TestExtractFlags_NoFlagsLeavesEverythingNilSoConfigFileWins(t *testing.T) {
	flags, child := wrapper.ExtractFlags([]string{"npm", "install", "left-pad"})

	assert.Nil(t, flags.Logging)
	assert.Nil(t, flags.SkipMinimumPackageAge)
	assert.Nil(t, flags.MinimumPackageAgeHours)
	assert.Nil(t, flags.IncludePython)
	assert.Equal(t, []string{"npm", "install", "left-pad"}, child)
}

func TestBuildChildEnv_OverridesCaseInsensitiveAndAddsRequired(t *testing.T) {
	base := []string{"https_proxy=http://stale:9999", "PATH=/usr/bin", "HOME=/home/dev"}

	env, cleanup, err := wrapper.BuildChildEnv(base, wrapper.EnvSpec{
		ProxyPort:    12345,
		CABundlePath: "/data/ca-cert.pem",
	})
	require.NoError(t, err)
	defer cleanup()

	byName := toMap(env)
	assert.Equal(t, "http://localhost:12345", byName["HTTPS_PROXY"])
	assert.Equal(t, "http://localhost:12345", byName["GLOBAL_AGENT_HTTP_PROXY"])
	assert.Equal(t, "/data/ca-cert.pem", byName["NODE_EXTRA_CA_CERTS"])
	assert.Equal(t, "/usr/bin", byName["PATH"])
	assert.Equal(t, "/home/dev", byName["HOME"])
	_, stillHasLowercase := byName["https_proxy"]
	assert.False(t, stillHasLowercase, "lowercase variant of an overridden name must not survive the merge")
}

func TestBuildChildEnv_IncludePythonMergesExistingPipConfig(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "pip.ini")
	require.NoError(t, os.WriteFile(existing, []byte("[global]\nindex-url = https://example.internal/simple\n"), 0o644))

	env, cleanup, err := wrapper.BuildChildEnv(nil, wrapper.EnvSpec{
		ProxyPort:             8080,
		CABundlePath:          "/data/ca-cert.pem",
		IncludePython:         true,
		ExistingPipConfigFile: existing,
	})
	require.NoError(t, err)
	defer cleanup()

	byName := toMap(env)
	assert.Equal(t, "/data/ca-cert.pem", byName["SSL_CERT_FILE"])
	assert.Equal(t, "/data/ca-cert.pem", byName["REQUESTS_CA_BUNDLE"])
	assert.Equal(t, "/data/ca-cert.pem", byName["PIP_CERT"])

	newPath := byName["PIP_CONFIG_FILE"]
	require.NotEmpty(t, newPath)
	assert.NotEqual(t, existing, newPath, "the original pip config file must never be mutated in place")

	data, readErr := os.ReadFile(newPath)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "index-url = https://example.internal/simple")
	assert.Contains(t, string(data), "cert = /data/ca-cert.pem")
	assert.Contains(t, string(data), "proxy = http://localhost:8080")

	originalData, readErr := os.ReadFile(existing)
	require.NoError(t, readErr)
	assert.Equal(t, "[global]\nindex-url = https://example.internal/simple\n", string(originalData))

	cleanup()
	_, statErr := os.Stat(newPath)
	assert.True(t, os.IsNotExist(statErr), "cleanup must remove the temp pip config file")
}

func toMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

type fakeOracle struct {
	malware map[string]bool
}

func (f fakeOracle) IsMalware(name, version string) bool {
	return f.malware[name+"@"+version]
}

type fakeResolver struct {
	supports bool
	changes  []audit.PackageChange
	err      error
	blocks   bool
}

func (f fakeResolver) IsSupportedCommand(_ []string) bool { return f.supports }

func (f fakeResolver) GetDependencyUpdatesForCommand(ctx context.Context, _ []string) ([]audit.PackageChange, error) {
	if f.blocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.changes, f.err
}

func TestPreScan_NoMatchingResolverReturnsNilResult(t *testing.T) {
	registry := resolver.NewRegistry(fakeResolver{supports: false})
	counters := audit.NewCounters()

	result, err := wrapper.PreScan(context.Background(), registry, fakeOracle{}, counters, []string{"npm", "install"}, 0)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestPreScan_DisallowedChangesSurfaceInResult(t *testing.T) {
	registry := resolver.NewRegistry(fakeResolver{
		supports: true,
		changes:  []audit.PackageChange{{Name: "evil-lib", Version: "1.0.0", Type: audit.ChangeAdd}},
	})
	counters := audit.NewCounters()
	oracle := fakeOracle{malware: map[string]bool{"evil-lib@1.0.0": true}}

	result, err := wrapper.PreScan(context.Background(), registry, oracle, counters, []string{"npm", "install", "evil-lib"}, 0)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsAllowed())
	require.Len(t, result.Disallowed, 1)
	assert.Equal(t, "evil-lib", result.Disallowed[0].Name)
}

func TestPreScan_TimeoutReturnsErrPreScanTimeout(t *testing.T) {
	registry := resolver.NewRegistry(fakeResolver{supports: true, blocks: true})
	counters := audit.NewCounters()

	_, err := wrapper.PreScan(context.Background(), registry, fakeOracle{}, counters, []string{"npm", "install"}, 0)
	assert.ErrorIs(t, err, wrapper.ErrPreScanTimeout)
}

func TestExitCode_PrecedenceMatrix(t *testing.T) {
	cases := []struct {
		name string
		in   wrapper.Outcome
		want int
	}{
		{"fatal startup wins over everything", wrapper.Outcome{FatalStartup: true, ChildExitCode: 0}, 1},
		{"pre-scan disallowed beats proxy block", wrapper.Outcome{PreScanDisallowed: true, ProxyBlockedMalware: true}, 1},
		{"pre-scan timeout beats child status", wrapper.Outcome{PreScanTimedOut: true, ChildExitCode: 7}, 1},
		{"proxy-blocked malware overrides a zero child status", wrapper.Outcome{ProxyBlockedMalware: true, ChildExitCode: 0}, 1},
		{"child exit status passes through untouched", wrapper.Outcome{ChildExitCode: 3}, 3},
		{"all clear", wrapper.Outcome{}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, wrapper.ExitCode(tc.in))
		})
	}
}
