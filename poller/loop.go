package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/herald/notify"
	"github.com/onnwee/herald/telemetry"
)

// Runner is one provider poller.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Scheduler arms a named job after delay. At most one instance per dedupKey may be
// pending; scheduling an already pending key is a no-op reporting false.
type Scheduler interface {
	ScheduleSingleton(ctx context.Context, job string, payload []byte, delay time.Duration, dedupKey string) (bool, error)
}

// JobRun is one run as reported to the run-status recorder.
type JobRun struct {
	StartedAt  time.Time
	FinishedAt time.Time
	OK         bool
	Meta       map[string]any
	Error      string
}

// RunRecorder stores run status for operators. Failures to record never affect polling.
type RunRecorder interface {
	RecordJobRun(ctx context.Context, job string, run JobRun) error
}

// Loop runs a poller and re-arms it. Every run, successful, failed or panicking,
// ends by recording its status and scheduling exactly one next run.
type Loop struct {
	Name      string
	Provider  notify.Provider
	Runner    Runner
	Interval  time.Duration
	Scheduler Scheduler
	Recorder  RunRecorder // optional
	Logger    *slog.Logger
	Now       func() time.Time
}

func (l *Loop) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Loop) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default().With(slog.String("component", "poller"), slog.String("job", l.Name))
}

// DedupKey buckets at to the minute so repeated arming for the same target
// minute collapses into one pending run.
func DedupKey(job string, at time.Time) string {
	return job + ":" + at.UTC().Format("200601021504")
}

// Arm schedules the next run after delay.
func (l *Loop) Arm(ctx context.Context, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	key := DedupKey(l.Name, l.now().Add(delay))
	scheduled, err := l.Scheduler.ScheduleSingleton(ctx, l.Name, nil, delay, key)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", key, err)
	}
	if !scheduled {
		l.log().Debug("run already pending", slog.String("dedup_key", key))
	}
	return nil
}

// RunOnce executes one poll. It is the scheduler handler for the job.
func (l *Loop) RunOnce(ctx context.Context) {
	runID := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, runID)
	log := telemetry.LoggerWithCorr(ctx, l.log())
	started := l.now()

	var (
		res Result
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		finished := l.now()
		ok := err == nil
		label := string(l.Provider)
		if label == "" {
			label = l.Name
		}
		telemetry.ObservePollRun(label, ok, finished.Sub(started))

		run := JobRun{
			StartedAt:  started,
			FinishedAt: finished,
			OK:         ok,
			Meta:       map[string]any{"processed": res.Processed, "errors": res.Errors, "run_id": runID},
		}
		if err != nil {
			run.Error = err.Error()
			log.Error("poll run failed", slog.Any("err", err), slog.Duration("took", finished.Sub(started)))
		} else {
			log.Info("poll run complete", slog.Int("processed", res.Processed), slog.Int("errors", res.Errors), slog.Duration("took", finished.Sub(started)))
		}
		// Recording and re-arming use a context that survives the run's own cancellation.
		bg := context.WithoutCancel(ctx)
		if l.Recorder != nil {
			if rerr := l.Recorder.RecordJobRun(bg, l.Name, run); rerr != nil {
				log.Warn("record job run failed", slog.Any("err", rerr))
			}
		}
		if aerr := l.Arm(bg, l.Interval); aerr != nil {
			log.Error("re-arm failed", slog.Any("err", aerr))
		}
	}()

	res, err = l.Runner.Run(ctx)
}
