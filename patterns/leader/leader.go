// Package leader implements single-leader election: campaign for a
// named lock, run a user function repeatedly while held, and retry from
// the top after a loss. Grounded on
// original_source/lymph/patterns/leader.py's LeaderJob almost directly.
package leader

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/oakmesh/iris/coordinator"
	"github.com/oakmesh/iris/ierr"
	"github.com/oakmesh/iris/trace"
)

// Func is invoked repeatedly for as long as this process holds
// leadership. Returning an error or having the lock lost both end the
// current term; Job then recampaigns from the top while still running.
type Func func(ctx context.Context) error

// Job campaigns on /elections-<name>-<version>, the same path format the
// source builds in LeaderJob.run.
type Job struct {
	coord  coordinator.Coordinator
	path   string
	id     string
	fn     Func
	logger *logrus.Logger

	mu      sync.Mutex
	running bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Job. id is this process's contender identity,
// typically the container's identity.
func New(coord coordinator.Coordinator, name, version, id string, fn Func, logger *logrus.Logger) *Job {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Job{
		coord:  coord,
		path:   fmt.Sprintf("/elections-%s-%s", name, version),
		id:     id,
		fn:     fn,
		logger: logger,
	}
}

// Start begins campaigning in a background goroutine, mirroring the
// source's on_start spawning run().
func (j *Job) Start(ctx context.Context) {
	j.mu.Lock()
	j.running = true
	j.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	trace.Spawn(runCtx, func(spawnCtx context.Context) {
		defer close(j.done)
		j.run(spawnCtx)
	})
}

// Stop ends campaigning. An in-progress lock is released once the
// current fn invocation returns; no further terms are started.
func (j *Job) Stop() {
	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
}

func (j *Job) isRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// run loops while the job is running, rechecking that flag between every
// term rather than looping unconditionally inside a held lock: liveness
// is rechecked between invocations of the user function, not just
// between terms.
func (j *Job) run(ctx context.Context) {
	for j.isRunning() && ctx.Err() == nil {
		if err := j.term(ctx); err != nil {
			j.logger.WithError(err).Debug("election failed")
			runtime.Gosched()
		}
	}
}

// term holds the election lock for one term, invoking fn repeatedly
// until fn errors, the lock is lost, ctx is cancelled, or Stop is called.
func (j *Job) term(ctx context.Context) error {
	lock, err := j.coord.Lock(ctx, j.path, j.id)
	if err != nil {
		return fmt.Errorf("%w: %v", ierr.ErrCoordinatorError, err)
	}
	defer lock.Unlock(ctx)

	j.logger.WithField("election", j.path).Info("became leader")

	for j.isRunning() {
		select {
		case <-ctx.Done():
			return nil
		case <-lock.Lost():
			return fmt.Errorf("%w: election lost", ierr.ErrCoordinatorError)
		default:
		}
		if err := j.fn(ctx); err != nil {
			return err
		}
	}
	return nil
}
