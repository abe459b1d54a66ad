package hostresolve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMatchesName(t *testing.T) {
	assert.True(t, matchesName("unraid-nas", "unraid-nas"))
	assert.True(t, matchesName("UNRAID-NAS", "unraid-nas"))
	assert.True(t, matchesName("unraid-nas.tailnet-example.ts.net.", "unraid-nas.tailnet-example.ts.net"))
	assert.False(t, matchesName("other-host", "unraid-nas"))
}

func TestResolveWithTailscaleDisabledReturnsNameUnchanged(t *testing.T) {
	r := New(false, zap.NewNop())
	addr, err := r.Resolve(context.Background(), "unraid-nas.local")
	assert.NoError(t, err)
	assert.Equal(t, "unraid-nas.local", addr)
}

func TestResolveWithEmptyNameReturnsEmpty(t *testing.T) {
	r := New(true, zap.NewNop())
	addr, err := r.Resolve(context.Background(), "")
	assert.NoError(t, err)
	assert.Equal(t, "", addr)
}
