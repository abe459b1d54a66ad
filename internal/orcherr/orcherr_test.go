package orcherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := New(KindBusy, "orchestrator.Start", nil)
	wrapped := fmt.Errorf("handler: %w", base)

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindBusy, kind)

	_, ok = KindOf(errors.New("plain error"))
	assert.False(t, ok)
}

func TestErrorString(t *testing.T) {
	withCause := New(KindPipelineFailed, "stageEnvelope", errors.New("exit status 1"))
	assert.Equal(t, "stageEnvelope: pipeline_failed: exit status 1", withCause.Error())

	withoutCause := New(KindCancelled, "run", nil)
	assert.Equal(t, "run: cancelled", withoutCause.Error())
}

func TestKindStringUnknown(t *testing.T) {
	assert.Equal(t, "unknown", Kind(999).String())
}
