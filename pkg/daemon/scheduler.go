package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	leadDuration     = time.Minute // leadDuration is how early an upcoming run is announced.
	preCheckMaxTimes = 30
	preCheckInterval = time.Second * 10
	// idleWait stands in for "never" while no schedule is set.
	idleWait = time.Hour * 10000
)

type NotifyFunc func(data any)

// TaskFunc represents a runnable task.
type TaskFunc func() error

// Scheduler runs a task on a cron schedule. A run waits for PreCheck to pass,
// retrying it for a while before the run is given up.
type Scheduler struct {
	OnUpcoming NotifyFunc // called shortly before running the task
	OnError    NotifyFunc // called on precheck or task error
	Task       TaskFunc
	PreCheck   TaskFunc

	parser cron.Parser

	mu       sync.Mutex
	schedule cron.Schedule
	expr     string
	nextRun  time.Time
	running  bool

	recalcCh chan struct{}
	stopCh   chan struct{}
}

func newCronParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

func NewScheduler(task, preCheck TaskFunc, onUpcoming, onError NotifyFunc) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}

	return &Scheduler{
		OnUpcoming: onUpcoming,
		OnError:    onError,
		Task:       task,
		PreCheck:   preCheck,
		parser:     newCronParser(),
		recalcCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh: // already closed
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.runScheduled()
}

// Schedule replaces the cron expression. An empty expression disables the
// schedule. Setting the current expression again is a no-op.
func (s *Scheduler) Schedule(cronExpr string) error {
	var sh cron.Schedule
	if cronExpr != "" {
		var err error
		sh, err = s.parser.Parse(cronExpr)
		if err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
		}
	}

	s.mu.Lock()
	if cronExpr == s.expr {
		s.mu.Unlock()
		return nil
	}
	s.expr = cronExpr
	s.schedule = sh
	s.nextRun = time.Time{}
	if sh != nil {
		s.nextRun = sh.Next(time.Now())
	}
	s.mu.Unlock()

	select {
	case s.recalcCh <- struct{}{}:
	default:
	}
	return nil
}

// Status returns the next run, zero when disabled.
func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextRun = s.nextRun
	running = s.running
	return
}

func (s *Scheduler) runScheduled() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		announced := false
		attempts := 0
		var precheckErr error

		schedule, nextRun := s.snapshot()
		wait := idleWait
		if schedule != nil && !nextRun.IsZero() {
			wait = max(time.Until(nextRun)-leadDuration, 0)
		}
		timer := time.NewTimer(wait)

	waitRun:
		for {
			select {
			case <-timer.C:
				if schedule == nil || nextRun.IsZero() {
					break waitRun
				}

				if !announced {
					announced = true
					timer.Reset(max(time.Until(nextRun), 0))
					logrus.Debugf("upcoming scheduled task at %s", nextRun.Format(time.DateTime))
					s.notify(s.OnUpcoming, nextRun)
					continue
				}

				if s.PreCheck != nil {
					if err := s.PreCheck(); err != nil {
						if precheckErr == nil || err.Error() != precheckErr.Error() {
							precheckErr = err
							s.notify(s.OnError, fmt.Errorf("precheck failed: %w", err))
						}

						attempts++
						if attempts <= preCheckMaxTimes {
							logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, preCheckMaxTimes, err, preCheckInterval)
							timer.Reset(preCheckInterval)
							continue
						}

						logrus.Warnf("giving up scheduled task at %s: %v", nextRun.Format(time.DateTime), err)
						s.advanceNextRun()
						break waitRun
					}
				}

				logrus.Debugf("running scheduled task at %s", nextRun.Format(time.DateTime))
				go func() {
					if err := s.Task(); err != nil {
						s.notify(s.OnError, fmt.Errorf("task failed: %w", err))
					}
				}()
				s.advanceNextRun()
				break waitRun

			case <-s.recalcCh:
				logrus.Debug("schedule changed")
				timer.Stop()
				break waitRun

			case <-s.stopCh:
				timer.Stop()
				return
			}
		}
	}
}

func (s *Scheduler) snapshot() (cron.Schedule, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule, s.nextRun
}

func (s *Scheduler) advanceNextRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	s.nextRun = s.schedule.Next(time.Now())
}

func (s *Scheduler) notify(fn NotifyFunc, data any) {
	if fn == nil {
		return
	}

	go fn(data)
}
