package jobs

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	cron "github.com/robfig/cron"
	"github.com/sirupsen/logrus"
)

type CronJob interface {
	Name() string
	Schedule() string
	Run(ctx context.Context) error
}

// TaskExecutor runs cron jobs. A job still running when its next tick
// arrives skips that tick.
type TaskExecutor struct {
	cron    *cron.Cron
	jobs    []CronJob
	running mapset.Set[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTaskExecutor(jobs ...CronJob) *TaskExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskExecutor{
		cron:    cron.New(),
		jobs:    jobs,
		running: mapset.NewSet[string](),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start schedules every job. A bad schedule fails before anything runs.
func (t *TaskExecutor) Start() error {
	for _, job := range t.jobs {
		job := job
		if err := t.cron.AddFunc(job.Schedule(), func() { t.trigger(job) }); err != nil {
			logrus.Errorf("failed to add task %s to cron: %v", job.Name(), err)
			return err
		}
	}
	t.cron.Start()
	logrus.Infof("started %d background tasks", len(t.jobs))
	return nil
}

// trigger runs job unless a previous run is still going. It reports whether
// the job ran.
func (t *TaskExecutor) trigger(job CronJob) bool {
	if !t.running.Add(job.Name()) {
		logrus.Warnf("task %s is still running, skipping tick", job.Name())
		return false
	}
	t.wg.Add(1)
	defer func() {
		t.running.Remove(job.Name())
		t.wg.Done()
	}()

	if err := job.Run(t.ctx); err != nil {
		logrus.Errorf("task %s failed: %v", job.Name(), err)
	}
	return true
}

// Stop halts scheduling, cancels running jobs and waits for them.
func (t *TaskExecutor) Stop() {
	logrus.Infof("stopping all tasks")
	t.cron.Stop()
	t.cancel()
	t.wg.Wait()
}
