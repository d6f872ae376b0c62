//go:build linux

package collector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/hostguard/internal/testutil"
)

func TestHostSources_Collect(t *testing.T) {
	testutil.RequireHost(t)

	sources, err := HostSources("", true)
	require.NoError(t, err)

	c := New(Config{}, Options{Sources: sources})
	snap := c.Poll(context.Background())
	assert.False(t, snap.Degraded, "degraded sources: %v", snap.DegradedSources)
	assert.NotEmpty(t, snap.Interfaces)
}
