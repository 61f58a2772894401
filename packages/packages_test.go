package packages_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	inerrors "inapi/internal/errors"
	"inapi/internal/agenttest"
	"inapi/packages"
)

func setup(t *testing.T) (context.Context, *agenttest.Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx, agenttest.Start(t)
}

func TestInstallIsIdempotent(t *testing.T) {
	ctx, a := setup(t)
	a.Packages.Offer("nginx", "1.24.0")
	s := a.Open(t)

	res, err := packages.Do(ctx, s, packages.Install, packages.Package{Name: "nginx"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Installed)
	assert.Equal(t, "1.24.0", res.Version)
	assert.Equal(t, "apt", res.Provider)

	res, err = packages.Do(ctx, s, packages.Install, packages.Package{Name: "nginx"})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.True(t, res.Installed)
	assert.Equal(t, 1, a.Packages.Installs())
}

func TestInstallPinnedVersion(t *testing.T) {
	ctx, a := setup(t)
	a.Packages.Offer("redis", "7.2")
	s := a.Open(t)

	_, err := packages.Do(ctx, s, packages.Install, packages.Package{Name: "redis"})
	require.NoError(t, err)

	res, err := packages.Do(ctx, s, packages.Install, packages.Package{Name: "redis", Version: "6.0"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "6.0", res.Version)

	res, err = packages.Do(ctx, s, packages.Install, packages.Package{Name: "redis", Version: "6.0"})
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestInstallUnknownPackage(t *testing.T) {
	ctx, a := setup(t)
	s := a.Open(t)

	_, err := packages.Do(ctx, s, packages.Install, packages.Package{Name: "no-such-package"})
	require.Error(t, err)
	assert.ErrorIs(t, err, inerrors.ErrPackageNotFound)

	var de *inerrors.DomainError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, inerrors.CodePackageNotFound, de.Code)
}

func TestUninstall(t *testing.T) {
	ctx, a := setup(t)
	a.Packages.Offer("htop", "3.3")
	s := a.Open(t)

	res, err := packages.Do(ctx, s, packages.Uninstall, packages.Package{Name: "htop"})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = packages.Do(ctx, s, packages.Install, packages.Package{Name: "htop"})
	require.NoError(t, err)

	res, err = packages.Do(ctx, s, packages.Uninstall, packages.Package{Name: "htop"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Installed)
	assert.Empty(t, res.Version)
}

func TestQuery(t *testing.T) {
	ctx, a := setup(t)
	a.Packages.Offer("curl", "8.5")
	s := a.Open(t)

	res, err := packages.Do(ctx, s, packages.Query, packages.Package{Name: "curl"})
	require.NoError(t, err)
	assert.False(t, res.Installed)
	assert.False(t, res.Changed)
	assert.Zero(t, a.Packages.Installs())
}

func TestExplicitProvider(t *testing.T) {
	ctx, a := setup(t)
	a.Packages.Offer("jq", "1.7")
	s := a.Open(t)

	res, err := packages.Do(ctx, s, packages.Install, packages.Package{Name: "jq", Provider: "dnf"})
	require.NoError(t, err)
	assert.Equal(t, "dnf", res.Provider)
}

func TestDefaultProvider(t *testing.T) {
	ctx, a := setup(t)
	s := a.Open(t)

	p, err := packages.DefaultProvider(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "apt", p)
}

func TestValidation(t *testing.T) {
	ctx, a := setup(t)
	s := a.Open(t)

	_, err := packages.Do(ctx, s, packages.Install, packages.Package{})
	assert.ErrorIs(t, err, inerrors.ErrInvalidArgument)

	_, err = packages.Do(ctx, s, packages.Action(42), packages.Package{Name: "x"})
	assert.ErrorIs(t, err, inerrors.ErrInvalidArgument)
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		want    packages.Action
		wantErr bool
	}{
		{"install", packages.Install, false},
		{"remove", packages.Uninstall, false},
		{"uninstall", packages.Uninstall, false},
		{"status", packages.Query, false},
		{"upgrade", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := packages.ParseAction(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
