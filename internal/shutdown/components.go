package shutdown

import (
	"context"
	"io"
)

type component struct {
	name string
	stop func(ctx context.Context) error
}

func (c component) Name() string { return c.name }

func (c component) Shutdown(ctx context.Context) error { return c.stop(ctx) }

// Func adapts fn into a Component.
func Func(name string, fn func(ctx context.Context) error) Component {
	return component{name: name, stop: fn}
}

// Closer adapts an io.Closer such as a database handle.
func Closer(name string, c io.Closer) Component {
	return component{name: name, stop: func(context.Context) error { return c.Close() }}
}

// Stopper adapts a blocking Stop method that drains in-flight work. The
// coordinator stops waiting for it when the shutdown deadline passes.
func Stopper(name string, stop func()) Component {
	return component{name: name, stop: func(context.Context) error {
		stop()
		return nil
	}}
}
