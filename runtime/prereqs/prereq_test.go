package prereqs

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMeetsMinPlatformReqs(t *testing.T) {
	// Linux
	runtimeOS = "linux"
	runtimeArch = "amd64"
	meetsReqs, err := meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)
	runtimeArch = "arm64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)
	// mips64 is not supported
	runtimeArch = "mips64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.False(t, meetsReqs)

	// Mac OS X: the shell probe is mocked out.
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "", errors.New("error while running command")
	}
	runtimeOS = "darwin"
	runtimeArch = "amd64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.ErrorContains(t, err, "error obtaining MacOS version")
	require.False(t, meetsReqs)

	// Insufficient version
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "10.4", nil
	}
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.False(t, meetsReqs)

	// Just-sufficient older version
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "10.14", nil
	}
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)

	// Sufficient newer version
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "10.15.7", nil
	}
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)

	// Handling abnormal response
	execShellOutput = func(ctx context.Context, command string, args ...string) (string, error) {
		return "tiger.lion", nil
	}
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.ErrorContains(t, err, "error parsing version")
	require.False(t, meetsReqs)

	// Windows
	runtimeOS = "windows"
	runtimeArch = "amd64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.True(t, meetsReqs)
	runtimeArch = "arm64"
	meetsReqs, err = meetsMinPlatformReqs(context.Background())
	require.NoError(t, err)
	require.False(t, meetsReqs)
}

func TestParseVersion(t *testing.T) {
	version, err := parseVersion("10.15.3", 3, ".")
	require.NoError(t, err)
	require.Equal(t, []int{10, 15, 3}, version)

	_, err = parseVersion("10", 2, ".")
	require.ErrorContains(t, err, "insufficient information about version")

	_, err = parseVersion("a.b", 2, ".")
	require.ErrorContains(t, err, "error during conversion")
}
