package ctxlog

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackground(t *testing.T) {
	ctx := Background()
	require.Equal(t, context.Background(), ctx.Context)
	require.NotNil(t, ctx.Log)
}

func TestWithLogFields(t *testing.T) {
	ctx := WithLogField(Background(), "run", "abc")
	ctx = WithLogFields(ctx, logrus.Fields{"scenario": "ideal", "ratio": 0.5})
	assert.Equal(t, logrus.Fields{"run": "abc", "scenario": "ideal", "ratio": 0.5}, ctx.Log.Data)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 10*time.Millisecond)
	defer cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestWithTimeout_Disabled(t *testing.T) {
	ctx, cancel := WithTimeout(Background(), 0)
	_, hasDeadline := ctx.Deadline()
	assert.False(t, hasDeadline)
	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestErrGroup(t *testing.T) {
	g, ctx := ErrGroup(Background())
	g.Go(func() error { return errors.New("first") })
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	assert.EqualError(t, g.Wait(), "first")
}
