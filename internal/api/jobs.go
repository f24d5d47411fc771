package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/nvfp4fix/internal/logger"
	"github.com/samcharles93/nvfp4fix/pkg/repair"
)

// repairFunc lets tests swap out the actual repairer.
type repairFunc func(opts repair.Options) (*repair.Report, error)

// JobStore queues repair jobs and runs them on a single worker goroutine, so
// two jobs can never race on the same destination directory.
type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]*RepairJob
	order []string

	queue chan string
	log   logger.Logger
	run   repairFunc
}

func NewJobStore(log logger.Logger) *JobStore {
	if log == nil {
		log = logger.Default()
	}
	return &JobStore{
		jobs:  make(map[string]*RepairJob),
		queue: make(chan string, 128),
		log:   log,
		run:   repair.Repair,
	}
}

// Start launches the worker. It returns when ctx is cancelled.
func (s *JobStore) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-s.queue:
				s.execute(ctx, id)
			}
		}
	}()
}

// Enqueue validates the request and queues a new job.
func (s *JobStore) Enqueue(req RepairRequest) (RepairJob, error) {
	if req.Input == "" {
		return RepairJob{}, fmt.Errorf("input directory required")
	}
	if req.Output == "" {
		return RepairJob{}, fmt.Errorf("output directory required")
	}
	dtype, err := repair.NormalizeDType(req.DType)
	if err != nil {
		return RepairJob{}, err
	}

	job := &RepairJob{
		ID:        "rep_" + uuid.NewString(),
		Status:    StatusQueued,
		Input:     req.Input,
		Output:    req.Output,
		DType:     dtype,
		CreatedAt: time.Now().Unix(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.mu.Unlock()

	select {
	case s.queue <- job.ID:
	default:
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.order = s.order[:len(s.order)-1]
		s.mu.Unlock()
		return RepairJob{}, fmt.Errorf("job queue full")
	}

	return *job, nil
}

// Get returns a copy of the job, if known.
func (s *JobStore) Get(id string) (RepairJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return RepairJob{}, false
	}
	return *job, true
}

// List returns copies of all jobs in submission order.
func (s *JobStore) List() []RepairJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RepairJob, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

func (s *JobStore) execute(ctx context.Context, id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	started := time.Now().Unix()
	job.Status = StatusRunning
	job.StartedAt = &started
	opts := repair.Options{
		InputDir:    job.Input,
		OutputDir:   job.Output,
		TargetDType: job.DType,
		Log:         s.log.With("job", id),
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	report, err := s.run(opts)
	done := time.Now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()
	job.CompletedAt = &done
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		s.log.Error("repair job failed", "job", id, "error", err)
		return
	}
	job.Status = StatusCompleted
	job.Report = report
	s.log.Info("repair job completed", "job", id, "converted", report.ScalesConverted)
}
