package apmerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassifiesWrappedSentinels(t *testing.T) {
	wrapped := fmt.Errorf("graphdb: create module: %w: already exists", BadParam)
	assert.ErrorIs(t, Kind(wrapped), BadParam)
}

func TestKindDefaultsToContainerFailed(t *testing.T) {
	assert.ErrorIs(t, Kind(fmt.Errorf("some opaque container error")), ContainerFailed)
}

func TestKindNilIsNil(t *testing.T) {
	assert.Nil(t, Kind(nil))
}

func TestNonFatalForSubGraph(t *testing.T) {
	assert.True(t, NonFatalForSubGraph(NotReady))
	assert.True(t, NonFatalForSubGraph(Already))
	assert.False(t, NonFatalForSubGraph(BadParam))
	assert.False(t, NonFatalForSubGraph(ContainerFailed))
}
