package processor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"membersync/internal/engine/breaker"
	"membersync/internal/engine/dlq"
	"membersync/internal/engine/queue"
	"membersync/internal/engine/retry"
	"membersync/internal/engine/sink"
	"membersync/internal/pkg/logger"
	"membersync/internal/platform/metrics"
	"membersync/internal/platform/models"
)

const timeLayout = "2006-01-02T15:04:05Z"

// Outcome of one processed work item.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeStaleSkip    = "stale_skip"
	OutcomeRetrying     = "retrying"
	OutcomeDeadLettered = "dead_lettered"
)

// SinkClient is what the processor needs from the Campaign Monitor client.
type SinkClient interface {
	Fetch(ctx context.Context, email string) (*models.SubscriberRecord, error)
	Upsert(ctx context.Context, record *models.SubscriberRecord) error
	Unsubscribe(ctx context.Context, email string) error
}

// ResultRecorder persists one completion record per processed item.
type ResultRecorder interface {
	Record(ctx context.Context, result *models.SyncResult) error
}

// Processor drives a work item through the delivery state machine: breaker
// gate, fetch, merge with ordering guard, apply, then outcome routing to
// the retry scheduler, dead letter store and breaker.
type Processor struct {
	queue    *queue.Queue
	breaker  *breaker.Breaker
	sched    *retry.Scheduler
	dead     *dlq.Store
	counters *metrics.Registry
	results  ResultRecorder
	sinks    map[string]SinkClient
}

func New(q *queue.Queue, b *breaker.Breaker, sched *retry.Scheduler, dead *dlq.Store,
	counters *metrics.Registry, results ResultRecorder, sinks map[string]SinkClient) *Processor {
	return &Processor{
		queue:    q,
		breaker:  b,
		sched:    sched,
		dead:     dead,
		counters: counters,
		results:  results,
		sinks:    sinks,
	}
}

// applied is what a successful merge+apply reports back for bookkeeping.
type applied struct {
	outcome    string
	statusFrom string
	statusTo   string
}

// HandleClaimed runs one claimed work item to a terminal decision: ack,
// reschedule, or dead letter.
func (p *Processor) HandleClaimed(ctx context.Context, c *queue.Claimed) {
	item := c.Item
	event := &item.Event
	started := time.Now()

	allow, err := p.breaker.Allow(ctx, event.SiteID)
	if err != nil {
		p.backOffInfra(ctx, c, err)
		return
	}
	if !allow {
		// Known-down site: push the item past the cooldown without
		// contacting the Sink or burning retry budget.
		item.NextAttemptAt = time.Now().UTC().Add(p.breaker.Cooldown)
		if err := p.queue.Reschedule(ctx, c); err != nil {
			log.Error().Err(err).Str("site_id", event.SiteID).Msg("breaker reschedule failed")
		}
		log.Debug().
			Str("site_id", event.SiteID).
			Str("event_id", event.EventID).
			Msg("breaker open, delivery deferred")
		return
	}

	client, ok := p.sinks[event.SiteID]
	if !ok {
		// The site was removed from config while its items were queued.
		p.deadLetter(ctx, c, "no sink client configured for site", "fatal", started)
		return
	}

	res, err := p.apply(ctx, client, event)
	if err == nil {
		closed, berr := p.breaker.RecordSuccess(ctx, event.SiteID)
		if berr != nil {
			log.Error().Err(berr).Str("site_id", event.SiteID).Msg("breaker success update failed")
		}
		if closed {
			p.counters.Inc(ctx, event.SiteID, metrics.BreakerClosed)
			log.Info().Str("site_id", event.SiteID).Msg("circuit breaker closed")
		}
		if err := p.queue.Ack(ctx, c); err != nil {
			log.Error().Err(err).Str("event_id", event.EventID).Msg("ack failed")
		}
		if res.outcome == OutcomeStaleSkip {
			p.counters.Inc(ctx, event.SiteID, metrics.StaleSkipped)
		} else {
			p.counters.Inc(ctx, event.SiteID, metrics.Succeeded)
		}
		p.record(ctx, item, res, "", nil, started)
		log.Info().
			Str("site_id", event.SiteID).
			Str("event_id", event.EventID).
			Str("event_type", event.EventType).
			Str("email_hash", logger.HashEmail(event.Email)).
			Str("outcome", res.outcome).
			Int("attempt", item.AttemptCount+1).
			Msg("event processed")
		return
	}

	class := classOf(err)
	item.AttemptHistory = append(item.AttemptHistory, models.AttemptRecord{
		At:         time.Now().UTC(),
		ErrorClass: string(class),
		Error:      err.Error(),
	})

	if !class.Retriable() {
		p.deadLetter(ctx, c, err.Error(), string(class), started)
		return
	}

	opened, berr := p.breaker.RecordFailure(ctx, event.SiteID)
	if berr != nil {
		log.Error().Err(berr).Str("site_id", event.SiteID).Msg("breaker failure update failed")
	}
	if opened {
		p.counters.Inc(ctx, event.SiteID, metrics.BreakerOpened)
		log.Warn().Str("site_id", event.SiteID).Msg("circuit breaker opened")
	}

	now := time.Now().UTC()
	if p.sched.Exhausted(item, now) {
		p.deadLetter(ctx, c, err.Error(), string(class), started)
		return
	}

	item.AttemptCount++
	delay := p.sched.NextDelay(item.AttemptCount)
	item.NextAttemptAt = now.Add(delay)
	if qerr := p.queue.Reschedule(ctx, c); qerr != nil {
		log.Error().Err(qerr).Str("event_id", event.EventID).Msg("reschedule failed")
		return
	}
	p.counters.Inc(ctx, event.SiteID, metrics.Retried)
	p.record(ctx, item, &applied{outcome: OutcomeRetrying}, string(class), err, started)
	log.Warn().
		Str("site_id", event.SiteID).
		Str("event_id", event.EventID).
		Str("error_class", string(class)).
		Int("attempt", item.AttemptCount).
		Dur("next_retry_in", delay).
		Err(err).
		Msg("event delivery failed, will retry")
}

// Process applies a single event synchronously, outside the queue. This is
// the entry point the full-resync tool drives.
func (p *Processor) Process(ctx context.Context, event *models.MemberEvent) (string, error) {
	client, ok := p.sinks[event.SiteID]
	if !ok {
		return "", errors.New("processor: no sink client configured for site " + event.SiteID)
	}

	res, err := p.apply(ctx, client, event)
	if err != nil {
		if _, berr := p.breaker.RecordFailure(ctx, event.SiteID); berr != nil {
			log.Error().Err(berr).Str("site_id", event.SiteID).Msg("breaker failure update failed")
		}
		return "", err
	}
	if _, berr := p.breaker.RecordSuccess(ctx, event.SiteID); berr != nil {
		log.Error().Err(berr).Str("site_id", event.SiteID).Msg("breaker success update failed")
	}
	return res.outcome, nil
}

// apply is the FETCHING -> MERGING -> APPLYING core shared by the queue and
// resync paths.
func (p *Processor) apply(ctx context.Context, client SinkClient, event *models.MemberEvent) (*applied, error) {
	current, err := client.Fetch(ctx, event.Email)
	if err != nil {
		return nil, err
	}

	// Ordering guard: a record already carrying a newer source timestamp
	// means this event is a stale redelivery. Skipping it is success; an
	// out-of-order retry must not clobber fresher state.
	if current != nil && current.LastUpdatedTime().After(event.SourceUpdatedAt) {
		return &applied{outcome: OutcomeStaleSkip}, nil
	}

	if event.EventType == models.EventDeleted {
		if err := client.Unsubscribe(ctx, event.Email); err != nil {
			return nil, err
		}
		return &applied{outcome: OutcomeSucceeded}, nil
	}

	record := merge(event, current)
	if err := client.Upsert(ctx, record); err != nil {
		return nil, err
	}

	res := &applied{outcome: OutcomeSucceeded, statusTo: event.Status}
	if current != nil {
		res.statusFrom = current.GhostStatus
	}
	return res, nil
}

// merge builds the subscriber record to write, detecting status changes
// against the fetched state.
func merge(event *models.MemberEvent, current *models.SubscriberRecord) *models.SubscriberRecord {
	record := &models.SubscriberRecord{
		Email:             event.Email,
		Name:              event.Name,
		GhostStatus:       event.Status,
		GhostLastUpdated:  event.SourceUpdatedAt.UTC().Format(timeLayout),
		GhostLabels:       strings.Join(event.Labels, ","),
		GhostEmailEnabled: strconv.FormatBool(event.EmailEnabled),
	}
	if !event.SignupAt.IsZero() {
		record.GhostSignupDate = event.SignupAt.UTC().Format("2006-01-02")
	}

	switch {
	case current == nil:
		// First sighting: no previous status, and the change timestamp
		// is the event's own.
		record.GhostPreviousStatus = ""
		record.GhostStatusChangedAt = event.SourceUpdatedAt.UTC().Format(timeLayout)
	case current.GhostStatus != event.Status:
		record.GhostPreviousStatus = current.GhostStatus
		record.GhostStatusChangedAt = time.Now().UTC().Format(timeLayout)
	default:
		record.GhostPreviousStatus = current.GhostPreviousStatus
		record.GhostStatusChangedAt = current.GhostStatusChangedAt
	}
	return record
}

func (p *Processor) deadLetter(ctx context.Context, c *queue.Claimed, reason, class string, started time.Time) {
	item := c.Item
	entry := &models.DeadLetterEntry{
		Event:          item.Event,
		FailureReason:  reason,
		AttemptHistory: item.AttemptHistory,
		MovedAt:        time.Now().UTC(),
	}
	if err := p.dead.Put(ctx, entry); err != nil {
		log.Error().Err(err).Str("event_id", item.Event.EventID).Msg("dead letter store put failed")
		// Leave the item in the processing list; the recovery sweep will
		// bring it back rather than lose it.
		return
	}
	if err := p.queue.Remove(ctx, c); err != nil {
		log.Error().Err(err).Str("event_id", item.Event.EventID).Msg("queue remove after dead letter failed")
	}
	p.counters.Inc(ctx, item.Event.SiteID, metrics.DeadLettered)
	p.record(ctx, item, &applied{outcome: OutcomeDeadLettered}, class, errors.New(reason), started)
	log.Error().
		Str("site_id", item.Event.SiteID).
		Str("event_id", item.Event.EventID).
		Str("event_type", item.Event.EventType).
		Str("email_hash", logger.HashEmail(item.Event.Email)).
		Str("reason", reason).
		Int("attempts", item.AttemptCount+1).
		Msg("event dead lettered")
}

// backOffInfra handles failures of the pipeline's own infrastructure (as
// opposed to Sink failures): push the item back a little and let the next
// claim retry it, without touching attempt budget.
func (p *Processor) backOffInfra(ctx context.Context, c *queue.Claimed, cause error) {
	c.Item.NextAttemptAt = time.Now().UTC().Add(30 * time.Second)
	if err := p.queue.Reschedule(ctx, c); err != nil {
		log.Error().Err(err).Str("event_id", c.Item.Event.EventID).Msg("infra backoff reschedule failed")
	}
	log.Error().Err(cause).Str("event_id", c.Item.Event.EventID).Msg("pipeline infrastructure error, deferring item")
}

func (p *Processor) record(ctx context.Context, item *models.QueuedWorkItem, res *applied, class string, cause error, started time.Time) {
	if p.results == nil {
		return
	}
	result := &models.SyncResult{
		ID:         uuid.New().String(),
		SiteID:     item.Event.SiteID,
		EventID:    item.Event.EventID,
		EventType:  item.Event.EventType,
		MemberID:   item.Event.MemberID,
		EmailHash:  logger.HashEmail(item.Event.Email),
		Outcome:    res.outcome,
		ErrorClass: class,
		Attempt:    item.AttemptCount,
		LatencyMS:  time.Since(started).Milliseconds(),
		CreatedAt:  time.Now().Unix(),
		StatusFrom: res.statusFrom,
		StatusTo:   res.statusTo,
	}
	if cause != nil {
		result.Error = cause.Error()
	}
	if err := p.results.Record(ctx, result); err != nil {
		log.Error().Err(err).Str("event_id", item.Event.EventID).Msg("sync result write failed")
	}
}

func classOf(err error) sink.FailureClass {
	var sinkErr *sink.Error
	if errors.As(err, &sinkErr) {
		return sinkErr.Class
	}
	// Anything unclassified is treated as transient rather than silently
	// dropping an event.
	return sink.ClassTransient
}
