package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/cdc-search-bridge/internal/batch"
	"github.com/weiawesome/cdc-search-bridge/internal/config"
	"github.com/weiawesome/cdc-search-bridge/internal/consumer"
	"github.com/weiawesome/cdc-search-bridge/internal/domain"
	"github.com/weiawesome/cdc-search-bridge/internal/mapper"
	"github.com/weiawesome/cdc-search-bridge/internal/parser"
	"github.com/weiawesome/cdc-search-bridge/internal/repository"
	pkglog "github.com/weiawesome/cdc-search-bridge/pkg/log"
)

// State is the coordinator lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type partitionKey struct {
	topic     string
	partition int32
}

// Bridge wires consumer → parser → mapper → accumulator → writer → commit.
// It owns the run loop, the stats, and shutdown. The pipeline is a single
// sequential loop, so per-partition ordering is preserved by construction.
type Bridge struct {
	consumer consumer.StreamConsumer
	parser   *parser.Parser
	mapper   *mapper.Mapper
	acc      *batch.Accumulator
	writer   repository.IndexWriter

	cfg      config.BridgeConfig
	mappings map[string]string

	stats *Stats
	state atomic.Int32

	// pending tracks the highest consumed offset per partition since the
	// last commit. Every polled message lands here, including ones that
	// failed to parse: a permanently malformed message can never succeed
	// and must not block its partition forever.
	pending map[partitionKey]int64
}

// New creates a bridge coordinator.
func New(cons consumer.StreamConsumer, writer repository.IndexWriter, m *mapper.Mapper, cfg config.BridgeConfig, mappings map[string]string) *Bridge {
	if m == nil {
		m = mapper.New(nil)
	}
	return &Bridge{
		consumer: cons,
		parser:   parser.New(),
		mapper:   m,
		acc:      batch.New(cfg.BatchMaxSize, cfg.BatchLinger),
		writer:   writer,
		cfg:      cfg,
		mappings: mappings,
		stats:    &Stats{},
		pending:  make(map[partitionKey]int64),
	}
}

// Stats returns the coordinator's counters for external reporting.
func (b *Bridge) Stats() *Stats {
	return b.stats
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

func (b *Bridge) setState(s State) {
	b.state.Store(int32(s))
}

// Run drives the state machine until ctx is cancelled. A startup failure
// (index store unreachable, index creation refused) is fatal and returned
// before the loop enters Running. On cancellation the bridge drains: it
// stops polling, flushes the partial batch, commits, and stops.
func (b *Bridge) Run(ctx context.Context) error {
	l := pkglog.L()

	if err := b.start(ctx); err != nil {
		b.setState(StateStopped)
		return err
	}

	b.setState(StateRunning)
	l.Info().Msg("bridge running")

	statsInterval := b.cfg.StatsInterval
	if statsInterval <= 0 {
		statsInterval = 10 * time.Second
	}
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	maxRecords := b.cfg.PollMaxRecords
	if maxRecords <= 0 {
		maxRecords = 100
	}

	for {
		select {
		case <-ctx.Done():
			return b.drain(l)
		case <-ticker.C:
			b.logStats(l)
		default:
		}

		msgs, err := b.consumer.Poll(ctx, maxRecords)
		if err != nil {
			if ctx.Err() != nil {
				return b.drain(l)
			}
			// A fatal consumer error means no further delivery is
			// possible; drain what we have and surface it.
			l.Error().Err(err).Msg("consumer failed")
			b.drain(l)
			return err
		}

		for _, msg := range msgs {
			b.process(msg)
		}

		if b.acc.ShouldFlush() {
			if err := b.flush(ctx); err != nil {
				return err
			}
		} else if b.acc.Len() == 0 && len(b.pending) > 0 {
			// Only skipped messages since the last flush: there is
			// nothing to write, so their offsets are safe to commit.
			b.commitPending(l)
		}
	}
}

func (b *Bridge) start(ctx context.Context) error {
	l := pkglog.L()

	if err := b.writer.Ping(ctx); err != nil {
		return fmt.Errorf("index store unreachable: %w", err)
	}
	l.Info().Msg("index store reachable")

	for name, mapping := range b.mappings {
		if err := b.writer.EnsureIndex(ctx, name, json.RawMessage(mapping)); err != nil {
			return fmt.Errorf("failed to ensure index %s: %w", name, err)
		}
	}

	return nil
}

// process runs one message through parse → map → accumulate and records
// its offset as pending regardless of the outcome.
func (b *Bridge) process(msg domain.RawMessage) {
	l := pkglog.L()

	pk := partitionKey{topic: msg.Topic, partition: msg.Partition}
	if cur, ok := b.pending[pk]; !ok || msg.Offset > cur {
		b.pending[pk] = msg.Offset
	}
	b.stats.markEvent()

	env, err := b.parser.Parse(msg)
	if err != nil {
		b.stats.parseErrors.Add(1)
		l.Warn().Err(err).
			Str(pkglog.FieldTopic, msg.Topic).
			Int32(pkglog.FieldPartition, msg.Partition).
			Int64(pkglog.FieldOffset, msg.Offset).
			Msg("skipping unparseable message")
		return
	}

	action := b.mapper.MapToAction(env)
	action.Source = domain.Position{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset}

	if action.Kind == domain.ActionIgnore {
		b.stats.ignoredTombstones.Add(1)
		return
	}

	b.acc.Add(action)
}

// flush writes the current batch and commits the contributing offsets.
// A batch that keeps failing transiently blocks the loop here: offsets
// must not advance past unwritten data. The writer's own retry budget is
// exhausted per attempt; between attempts the coordinator backs off and
// tries again until the write succeeds or shutdown is requested.
func (b *Bridge) flush(ctx context.Context) error {
	l := pkglog.L()

	toWrite := b.acc.Drain()
	if toWrite.Len() > 0 {
		backoff := b.cfg.WriteRetryBackoff
		if backoff <= 0 {
			backoff = time.Second
		}

		for {
			result, err := b.writer.Apply(ctx, toWrite)
			if err == nil {
				b.account(toWrite, result)
				break
			}

			b.stats.writeErrors.Add(1)
			l.Error().Err(err).
				Int(pkglog.FieldBatchSize, toWrite.Len()).
				Msg("batch write failed, offsets held back")

			select {
			case <-ctx.Done():
				b.setState(StateStopped)
				return fmt.Errorf("shutdown with unwritten batch of %d actions: %w",
					toWrite.Len(), err)
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}

	b.commitPending(l)
	return nil
}

// drain is the shutdown path: force-flush the partial batch, write it,
// commit, stop. The in-flight write runs on a detached context so the
// cancelled run context does not abort it mid-write.
func (b *Bridge) drain(l zerolog.Logger) error {
	b.setState(StateDraining)
	l.Info().Int(pkglog.FieldBatchSize, b.acc.Len()).Msg("bridge draining")

	toWrite := b.acc.Drain()
	if toWrite.Len() > 0 {
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		result, err := b.writer.Apply(drainCtx, toWrite)
		if err != nil {
			// The batch was not written, so its offsets stay
			// uncommitted and the messages replay on next start.
			b.stats.writeErrors.Add(1)
			l.Error().Err(err).Msg("final batch write failed, offsets not committed")
			b.setState(StateStopped)
			b.logStats(l)
			return nil
		}
		b.account(toWrite, result)
	}

	b.commitPending(l)
	b.setState(StateStopped)
	b.logStats(l)
	l.Info().Msg("bridge stopped")
	return nil
}

// account updates counters from a completed write. Items that failed
// permanently are counted as write errors; everything else is attributed
// to its originating operation.
func (b *Bridge) account(toWrite domain.Batch, result domain.BatchResult) {
	l := pkglog.L()

	for _, f := range result.Failed {
		b.stats.writeErrors.Add(1)
		l.Warn().
			Str(pkglog.FieldIndex, f.Index).
			Str(pkglog.FieldDocumentID, f.DocID).
			Int(pkglog.FieldStatus, f.Status).
			Str("reason", f.Reason).
			Msg("document rejected by index store")
	}

	for pos, action := range toWrite.Actions {
		if result.FailedAt(pos) {
			continue
		}
		switch action.Op {
		case domain.OpCreate, domain.OpSnapshot:
			b.stats.created.Add(1)
		case domain.OpUpdate:
			b.stats.updated.Add(1)
		case domain.OpDelete, domain.OpTombstone:
			b.stats.deleted.Add(1)
		}
	}
}

// commitPending commits the highest tracked offset for every partition
// touched since the last commit. Called only after the corresponding
// batch has been durably applied (or when there was nothing to write).
func (b *Bridge) commitPending(l zerolog.Logger) {
	if len(b.pending) == 0 {
		return
	}

	positions := make([]domain.Position, 0, len(b.pending))
	for pk, off := range b.pending {
		positions = append(positions, domain.Position{
			Topic:     pk.topic,
			Partition: pk.partition,
			Offset:    off,
		})
	}

	if err := b.consumer.Commit(positions); err != nil {
		// Commit failure is not fatal: the data is written and every
		// action is idempotent, so replay after restart is safe.
		l.Warn().Err(err).Msg("offset commit failed, will retry with next batch")
		return
	}

	b.pending = make(map[partitionKey]int64)
}

func (b *Bridge) logStats(l zerolog.Logger) {
	snap := b.stats.Snapshot()
	l.Info().
		Int64("created", snap.Created).
		Int64("updated", snap.Updated).
		Int64("deleted", snap.Deleted).
		Int64("ignored_tombstones", snap.IgnoredTombstones).
		Int64("parse_errors", snap.ParseErrors).
		Int64("write_errors", snap.WriteErrors).
		Time("last_event_at", snap.LastEventAt).
		Msg("bridge stats")
}
