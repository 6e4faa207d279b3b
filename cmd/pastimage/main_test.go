package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/spirit/internal/config"
	"github.com/banshee-data/spirit/internal/transport"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, config.DefaultConfigPath, *configFile)
	assert.Equal(t, ":8090", *listen)
	assert.Empty(t, *grpcListen, "gRPC is opt-in")
	assert.Empty(t, *dbFile, "the journal is opt-in")
	assert.Equal(t, 1.0, *replayRate)
	assert.False(t, *replayExit)
	assert.Equal(t, transport.DefaultBuffer, *bufferSize)
	assert.Greater(t, *journalBuf, *bufferSize, "the journal gets a deeper queue than live viewers")
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(nil))
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(fmt.Errorf("line 3: %w", context.Canceled)))

	boom := errors.New("boom")
	assert.ErrorIs(t, ignoreCanceled(boom), boom)
	assert.ErrorIs(t, ignoreCanceled(context.DeadlineExceeded), context.DeadlineExceeded)
}
