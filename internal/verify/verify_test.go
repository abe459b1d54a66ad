package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultOK(t *testing.T) {
	assert.True(t, Result{SizeMatch: true, MagicValid: true}.OK())
	assert.False(t, Result{SizeMatch: true, MagicValid: false}.OK())
	assert.False(t, Result{SizeMatch: false, MagicValid: true}.OK())
	assert.False(t, Result{}.OK())
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/mnt/user/backups/nas1'", shellQuote("/mnt/user/backups/nas1"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
