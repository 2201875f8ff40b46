package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownHook releases one resource. It receives a context bounded by the
// process shutdown timeout.
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   ShutdownHook
}

// Process owns the root context of a binary, the goroutines started under it
// and the hooks that run once it ends. Exit happens only in main, after Wait.
type Process struct {
	logger          zerolog.Logger
	shutdownTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	hooks   []namedHook
	cause   error
	restart bool
	once    sync.Once
}

func New(logger zerolog.Logger, shutdownTimeout time.Duration) *Process {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Process{
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Context is cancelled on signal, on Restart and on Shutdown.
func (p *Process) Context() context.Context { return p.ctx }

// HandleSignals ends the process on SIGINT or SIGTERM.
func (p *Process) HandleSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			p.logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			p.Shutdown()
		case <-p.ctx.Done():
		}
	}()
}

// OnShutdown registers a hook. Hooks run in reverse registration order.
func (p *Process) OnShutdown(name string, hook ShutdownHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, namedHook{name: name, fn: hook})
}

// Go runs fn under the root context. An error other than a cancellation is
// treated as a request to restart.
func (p *Process) Go(name string, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := fn(p.ctx)
		switch {
		case err == nil:
			p.logger.Debug().Str("task", name).Msg("task finished")
		case errors.Is(err, context.Canceled) && p.ctx.Err() != nil:
		default:
			p.Restart(p.ctx, err)
		}
	}()
}

// Restart records cause and ends the process with a non-zero exit code, so
// the supervisor starts it again and every component resumes from its
// durable checkpoint. Only the first cause is kept. Never blocks.
func (p *Process) Restart(_ context.Context, cause error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.cause = cause
		p.restart = true
		p.mu.Unlock()
		p.logger.WithLevel(zerolog.FatalLevel).Err(cause).Msg("restart requested")
	})
	p.cancel()
}

// Shutdown ends the process normally.
func (p *Process) Shutdown() { p.cancel() }

// Cause returns the error that triggered a restart, if any.
func (p *Process) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cause
}

// Wait blocks until the root context ends, waits for the tasks started with
// Go, runs the shutdown hooks and returns the exit code: 1 after a restart
// request, 0 otherwise.
func (p *Process) Wait() int {
	<-p.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn().Msg("tasks still running at shutdown timeout")
	}

	p.mu.Lock()
	hooks := append([]namedHook(nil), p.hooks...)
	p.mu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(ctx); err != nil {
			p.logger.Error().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
			continue
		}
		p.logger.Debug().Str("hook", h.name).Msg("shutdown hook done")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restart {
		p.logger.Info().Msg("exiting for restart")
		return 1
	}
	p.logger.Info().Msg("shutdown complete")
	return 0
}
