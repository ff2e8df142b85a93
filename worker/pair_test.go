package worker

import (
	"testing"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchPair(t *testing.T) {
	h1, h2 := newFakeHandler(), newFakeHandler()
	var first, second Worker
	require.Nil(t, first.Prepare(nil, h1))
	require.Nil(t, second.Prepare(nil, h2))

	require.Nil(t, LaunchPair(&first, &second))
	<-h1.started
	<-h2.started

	assert.Nil(t, DisposePair(&first, &second))
	assert.Equal(t, StatusStopped, first.Status())
	assert.Equal(t, StatusStopped, second.Status())
}

func TestLaunchPairStopsFirstWhenSecondFails(t *testing.T) {
	h1, h2 := newFakeHandler(), newFakeHandler()
	var first, second Worker
	require.Nil(t, first.Prepare(nil, h1))
	require.Nil(t, second.Prepare(nil, h2))
	require.Nil(t, second.Dispose())

	err := LaunchPair(&first, &second)

	assert.True(t, errors.Is(err, ErrAlreadyFinished))
	// no waiting here: the first worker has to be stopped when LaunchPair returns
	assert.Equal(t, StatusStopped, first.Status())
	assert.Equal(t, int32(1), h1.cleanups.Load())
}

func TestLaunchPairFirstFails(t *testing.T) {
	h1, h2 := newFakeHandler(), newFakeHandler()
	var first, second Worker
	require.Nil(t, first.Prepare(nil, h1))
	require.Nil(t, second.Prepare(nil, h2))
	require.Nil(t, first.Dispose())

	err := LaunchPair(&first, &second)

	assert.True(t, errors.Is(err, ErrAlreadyFinished))
	assert.Equal(t, StatusPrepared, second.Status())
	assert.Nil(t, second.Dispose())
	assert.Equal(t, int32(0), h2.runs.Load())
}
