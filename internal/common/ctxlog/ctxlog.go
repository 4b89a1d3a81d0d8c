// Package ctxlog provides a context that also carries a logger, so that blocking entry points can pass a
// contextual logger around alongside cancellation.
package ctxlog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Context struct {
	context.Context
	Log *logrus.Entry
}

// Background creates an empty context logging to the standard logger. It is analogous to context.Background()
func Background() *Context {
	return New(context.Background(), logrus.NewEntry(logrus.StandardLogger()))
}

// New returns a context that encapsulates both a go context and a logger
func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{
		Context: ctx,
		Log:     log,
	}
}

// WithCancel returns a copy of parent with a new Done channel. It is analogous to context.WithCancel()
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return New(c, parent.Log), cancel
}

// WithTimeout is analogous to context.WithTimeout(). A non-positive timeout returns a cancellable copy of parent.
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	if timeout <= 0 {
		return WithCancel(parent)
	}
	c, cancel := context.WithTimeout(parent.Context, timeout)
	return New(c, parent.Log), cancel
}

// WithLogField returns a copy of parent with the supplied key-value added to the logger
func WithLogField(parent *Context, key string, val interface{}) *Context {
	return New(parent.Context, parent.Log.WithField(key, val))
}

// WithLogFields returns a copy of parent with the supplied key-values added to the logger
func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return New(parent.Context, parent.Log.WithFields(fields))
}

// ErrGroup returns a new Error Group and an associated Context derived from ctx.
// It is analogous to errgroup.WithContext(ctx)
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx)
	return group, New(goctx, ctx.Log)
}
