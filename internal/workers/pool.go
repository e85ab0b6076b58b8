package workers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"membersync/internal/engine/processor"
	"membersync/internal/engine/queue"
)

// Pool runs N workers pulling from the durable queue. Each worker round-
// robins over the configured site partitions, so one site's backlog or
// backoff never starves the others.
type Pool struct {
	queue         *queue.Queue
	proc          *processor.Processor
	siteIDs       []string
	count         int
	claimInterval time.Duration

	wg sync.WaitGroup
}

func NewPool(q *queue.Queue, proc *processor.Processor, siteIDs []string, count int, claimInterval time.Duration) *Pool {
	if count < 1 {
		count = 1
	}
	if claimInterval <= 0 {
		claimInterval = 500 * time.Millisecond
	}
	return &Pool{
		queue:         q,
		proc:          proc,
		siteIDs:       siteIDs,
		count:         count,
		claimInterval: claimInterval,
	}
}

// Start recovers items stranded by a previous crash, then launches the
// workers. It returns immediately; cancel the context to drain.
func (p *Pool) Start(ctx context.Context) {
	for _, siteID := range p.siteIDs {
		n, err := p.queue.Recover(ctx, siteID)
		if err != nil {
			log.Error().Err(err).Str("site_id", siteID).Msg("queue recovery failed")
			continue
		}
		if n > 0 {
			log.Warn().Str("site_id", siteID).Int("items", n).Msg("recovered stranded work items")
		}
	}

	for i := 0; i < p.count; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	log.Info().Int("workers", p.count).Int("sites", len(p.siteIDs)).Msg("worker pool started")
}

// Wait blocks until every worker has drained after context cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	// Stagger workers across sites so they do not all hammer site 0.
	offset := 0
	if len(p.siteIDs) > 0 {
		offset = id % len(p.siteIDs)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		worked := false
		for i := range p.siteIDs {
			siteID := p.siteIDs[(i+offset)%len(p.siteIDs)]
			claimed, err := p.queue.Claim(ctx, siteID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("site_id", siteID).Msg("claim failed")
				continue
			}
			if claimed == nil {
				continue
			}
			worked = true
			p.proc.HandleClaimed(ctx, claimed)
		}

		if !worked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.claimInterval):
			}
		}
	}
}
