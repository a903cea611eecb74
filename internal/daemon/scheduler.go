// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/cdb-backup/internal/config"
)

// RunResult captura o desfecho da última execução de um job.
type RunResult struct {
	Status    string // "ok" ou "failed"
	Duration  time.Duration
	Docs      int64
	Timestamp time.Time
}

// Job é um backup recorrente com estado de execução.
type Job struct {
	Entry   config.JobEntry
	entryID cron.EntryID

	mu         sync.Mutex
	running    bool
	LastResult *RunResult
}

// setResult registra o desfecho de uma execução.
func (j *Job) setResult(r *RunResult) {
	j.mu.Lock()
	j.LastResult = r
	j.mu.Unlock()
}

// snapshot retorna o estado corrente sem segurar o lock.
func (j *Job) snapshot() (running bool, last *RunResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running, j.LastResult
}

// RunFunc executa um job e retorna o total de documentos gravados.
type RunFunc func(ctx context.Context, job *Job) (int64, error)

// Scheduler gerencia a execução periódica dos jobs via cron expression.
type Scheduler struct {
	cron   *cron.Cron
	jobs   []*Job
	logger *slog.Logger
	runFn  RunFunc
}

// NewScheduler cria um Scheduler com um cron job por entry da config.
func NewScheduler(cfg *config.DaemonConfig, logger *slog.Logger, fn RunFunc) (*Scheduler, error) {
	s := &Scheduler{
		logger: logger,
		runFn:  fn,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	for i := range cfg.Jobs {
		job := &Job{Entry: cfg.Jobs[i]}
		id, err := c.AddFunc(job.Entry.Schedule, func() { s.execute(job) })
		if err != nil {
			return nil, err
		}
		job.entryID = id
		s.jobs = append(s.jobs, job)
	}

	s.cron = c
	return s, nil
}

// Jobs retorna os jobs gerenciados.
func (s *Scheduler) Jobs() []*Job { return s.jobs }

// Entries expõe os agendamentos do cron para o stats reporter.
func (s *Scheduler) Entries() []cron.Entry { return s.cron.Entries() }

// JobByEntryID retorna o job dono de um agendamento do cron. Entries() vem
// ordenado por próxima ativação, não pela ordem da config, então a
// correlação é sempre pelo EntryID.
func (s *Scheduler) JobByEntryID(id cron.EntryID) *Job {
	for _, job := range s.jobs {
		if job.entryID == id {
			return job
		}
	}
	return nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) execute(job *Job) {
	logger := s.logger.With("job", job.Entry.Name, "database", job.Entry.Database)

	job.mu.Lock()
	if job.running {
		job.mu.Unlock()
		logger.Warn("backup already running, skipping scheduled execution")
		return
	}
	job.running = true
	job.mu.Unlock()

	defer func() {
		job.mu.Lock()
		job.running = false
		job.mu.Unlock()
	}()

	logger.Info("scheduled backup triggered")
	start := time.Now()
	docs, err := s.runFn(context.Background(), job)

	result := &RunResult{
		Duration:  time.Since(start),
		Docs:      docs,
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Status = "failed"
		logger.Error("backup failed", "error", err)
	} else {
		result.Status = "ok"
		logger.Info("backup completed", "docs", docs, "duration", result.Duration)
	}
	job.setResult(result)
}
