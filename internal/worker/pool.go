package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
	"github.com/JakeFAU/siteaudit-crawler/internal/logging"
	"github.com/JakeFAU/siteaudit-crawler/internal/metrics"
)

// Pool runs a fixed number of workers against one session at a time.
type Pool struct {
	size   int
	prefix string
	deps   Deps
	cfg    Config
	ids    crawler.IDGenerator
	logger *zap.Logger
}

// NewPool constructs a Pool. Worker ids are prefix plus a generated suffix so
// they stay unique across processes and restarts.
func NewPool(size int, prefix string, ids crawler.IDGenerator, deps Deps, cfg Config, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{size: size, prefix: prefix, deps: deps, cfg: cfg, ids: ids, logger: logger}
}

// Size returns the number of workers per session.
func (p *Pool) Size() int {
	return p.size
}

// Run blocks until every worker has stopped crawling session.
func (p *Pool) Run(ctx context.Context, session crawler.Session) error {
	workers := make([]*Worker, 0, p.size)
	for i := 0; i < p.size; i++ {
		id, err := p.workerID(i)
		if err != nil {
			return err
		}
		workers = append(workers, New(id, p.deps, p.cfg, p.logger))
	}

	log := logging.ForSession(p.logger, session.ID)
	log.Info("pool joining session", zap.Int("workers", len(workers)))
	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, w := range workers {
		wg.Add(1)
		metrics.IncActiveWorkers()
		go func(w *Worker) {
			defer wg.Done()
			defer metrics.DecActiveWorkers()
			if err := w.Run(ctx, session); err != nil {
				log.Error("worker stopped with error", zap.String("worker_id", w.ID()), zap.Error(err))
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	log.Info("pool left session")
	return firstErr
}

func (p *Pool) workerID(i int) (string, error) {
	if p.ids == nil {
		return fmt.Sprintf("%s-%d", p.prefix, i), nil
	}
	suffix, err := p.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	if p.prefix == "" {
		return suffix, nil
	}
	return p.prefix + "-" + suffix, nil
}
