package autopost

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Service runs the daily pipeline on its wall-clock schedule and accepts
// manual triggers through the same single-instance gate.
type Service interface {
	Start() error
	Close()

	TriggerRun(ctx context.Context, categoryHint string) (*PipelineReport, bool)
	State() SchedulerState
}

// postingTimeRe accepts 24h HH:MM wall-clock times.
var postingTimeRe = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)

const (
	defaultPostingTime = "19:00"
	defaultTimezone    = "Asia/Bishkek"
)

type ServiceConfig struct {
	PostingTime string
	Timezone    string
}

func checkServiceConfig(cfg *ServiceConfig) (*ServiceConfig, error) {
	if cfg == nil {
		cfg = &ServiceConfig{}
	}

	if len(cfg.PostingTime) == 0 {
		cfg.PostingTime = defaultPostingTime
	}
	if !postingTimeRe.MatchString(cfg.PostingTime) {
		return nil, errors.Errorf("invalid posting time %q, expected HH:MM", cfg.PostingTime)
	}

	if len(cfg.Timezone) == 0 {
		cfg.Timezone = defaultTimezone
	}

	return cfg, nil
}

// SchedulerState is the externally visible scheduler snapshot.
type SchedulerState struct {
	Running     bool      `json:"running"`
	NextRunAt   time.Time `json:"next_run_at"`
	PostingTime string    `json:"posting_time"`
	Timezone    string    `json:"timezone"`
}

type schedulerSvc struct {
	config   *ServiceConfig
	location *time.Location
	cron     *cron.Cron
	entryID  cron.EntryID
	pipeline *Pipeline

	// active guards against overlapping runs: 0 idle, 1 running
	active int32

	logger  log.Logger
	svcTags metrics.Tags
}

func NewService(cfg *ServiceConfig, pipeline *Pipeline) (Service, error) {
	cfg, err := checkServiceConfig(cfg)
	if err != nil {
		return nil, err
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "unknown timezone %q", cfg.Timezone)
	}

	return &schedulerSvc{
		config:   cfg,
		location: location,
		cron:     cron.New(cron.WithLocation(location)),
		pipeline: pipeline,

		logger: log.WithField("svc", "scheduler"),
		svcTags: metrics.Tags{
			"svc": "scheduler",
		},
	}, nil
}

func (s *schedulerSvc) Start() error {
	var hour, minute int
	if _, err := fmt.Sscanf(s.config.PostingTime, "%d:%d", &hour, &minute); err != nil {
		return errors.Wrapf(err, "failed to parse posting time %q", s.config.PostingTime)
	}

	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	entryID, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if _, ran := s.TriggerRun(ctx, ""); !ran {
			s.logger.Warningln("scheduled firing coalesced, a run is already active")
		}
	})
	if err != nil {
		return errors.Wrap(err, "failed to schedule daily run")
	}
	s.entryID = entryID

	s.cron.Start()

	s.logger.WithFields(log.Fields{
		"posting_time": s.config.PostingTime,
		"timezone":     s.config.Timezone,
		"next_run_at":  s.State().NextRunAt.Format(time.RFC3339),
	}).Infoln("daily autopost scheduled")

	return nil
}

func (s *schedulerSvc) Close() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Infoln("scheduler stopped")
}

// TriggerRun executes one pipeline pass unless a run is already active. The
// second return value reports whether this call actually ran.
func (s *schedulerSvc) TriggerRun(ctx context.Context, categoryHint string) (*PipelineReport, bool) {
	metrics.ReportFuncCall(s.svcTags)

	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		metrics.ReportFuncError(s.svcTags)
		return nil, false
	}
	defer atomic.StoreInt32(&s.active, 0)

	s.logger.Infoln("pipeline run starting")
	report := s.pipeline.Run(ctx, categoryHint)

	s.logger.WithFields(log.Fields{
		"success":  report.Success,
		"products": report.ProductCount,
		"elapsed":  report.Elapsed.String(),
	}).Infoln("pipeline run finished")

	return report, true
}

func (s *schedulerSvc) State() SchedulerState {
	state := SchedulerState{
		Running:     atomic.LoadInt32(&s.active) == 1,
		PostingTime: s.config.PostingTime,
		Timezone:    s.config.Timezone,
	}

	if entry := s.cron.Entry(s.entryID); entry.Valid() {
		state.NextRunAt = entry.Next
	}

	return state
}
