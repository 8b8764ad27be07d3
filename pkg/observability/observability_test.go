package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, p.tracerProvider)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestMetrics_UsableWithoutProvider(t *testing.T) {
	m := Metrics()
	require.NotNil(t, m)
	assert.Same(t, m, Metrics())
	Add(context.Background(), m.Appends, AttrEventType.String("FILE_REGISTERED"))
	Add(context.Background(), nil)
}

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "ledger.append", AttrEventType.String("X"))
	assert.NotNil(t, ctx)
	EndSpan(span, errors.New("boom"))
}
