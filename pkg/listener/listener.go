// Package listener implements the Chain Listener: a bounded-batch
// snapshot-sync that reconciles the processor's tracked-subscription set
// with the coordinator contract, then keeps following the chain head.
package listener

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/coriumlabs/compute-node/pkg/asynctask"
	"github.com/coriumlabs/compute-node/pkg/chain"
	"github.com/coriumlabs/compute-node/pkg/guardian"
	"github.com/coriumlabs/compute-node/pkg/message"
)

// maxBlocksPerTick bounds the RPC cost of a single run_forever tick.
const maxBlocksPerTick = 100

// Tracker is the subset of the Chain Processor the listener depends on.
type Tracker interface {
	Track(msg message.Message) error
}

// Config configures snapshot-sync pacing and reorg safety.
type Config struct {
	TrailHeadBlocks uint64

	SnapshotSleep        time.Duration
	SnapshotBatchSize    uint32
	SnapshotStartingSubID uint32
	SyncPeriod           time.Duration
}

// Listener keeps a local view of active subscriptions synchronized with the
// coordinator contract.
type Listener struct {
	cfg      Config
	rpc      *chain.RPC
	reader   *chain.Reader
	coord    *chain.Coordinator
	guardian guardian.Admitter
	tracker  Tracker
	logger   *log.Logger

	task *asynctask.Task

	lastBlock           uint64
	lastSubscriptionID  uint32
}

// New builds a Listener. g defaults to guardian.AllowAll{} when nil.
func New(cfg Config, rpc *chain.RPC, reader *chain.Reader, coord *chain.Coordinator, g guardian.Admitter, tracker Tracker, logger *log.Logger) *Listener {
	if g == nil {
		g = guardian.AllowAll{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[Listener] ", log.LstdFlags)
	}
	l := &Listener{cfg: cfg, rpc: rpc, reader: reader, coord: coord, guardian: g, tracker: tracker, logger: logger}
	l.task = asynctask.New("listener", l.runForever, logger)
	return l
}

// Start launches the listener's background goroutine after running initial
// setup synchronously.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.setup(ctx); err != nil {
		return fmt.Errorf("listener: setup: %w", err)
	}
	l.task.Start(ctx)
	return nil
}

// Stop halts the background goroutine and waits for it to exit.
func (l *Listener) Stop() { l.task.Stop() }

// setup reads the current chain head, seeds tracking state, and runs an
// initial snapshot sync.
func (l *Listener) setup(ctx context.Context) error {
	head, err := l.rpc.GetHeadBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head block: %w", err)
	}
	l.lastBlock = reorgSafeHead(head, l.cfg.TrailHeadBlocks)
	l.lastSubscriptionID = l.cfg.SnapshotStartingSubID

	if err := l.snapshotSync(ctx, l.lastBlock); err != nil {
		return fmt.Errorf("initial snapshot sync: %w", err)
	}

	headSubID, err := l.coord.GetHeadSubscriptionID(ctx, big.NewInt(int64(l.lastBlock)))
	if err != nil {
		return fmt.Errorf("head subscription id: %w", err)
	}
	l.lastSubscriptionID = headSubID
	return nil
}

func reorgSafeHead(head, trail uint64) uint64 {
	if head < trail {
		return 0
	}
	return head - trail
}

// snapshotSync partitions the unsynced id range into batches and syncs each
// with exponential-backoff retry, throttling between batches.
func (l *Listener) snapshotSync(ctx context.Context, headBlock uint64) error {
	block := big.NewInt(int64(headBlock))
	headSubID, err := l.coord.GetHeadSubscriptionID(ctx, block)
	if err != nil {
		return fmt.Errorf("head subscription id at block %d: %w", headBlock, err)
	}
	if headSubID <= l.lastSubscriptionID {
		return nil
	}

	batches := GetBatches(l.lastSubscriptionID+1, headSubID, l.cfg.SnapshotBatchSize)
	for i, batch := range batches {
		if err := l.syncBatchWithRetry(ctx, batch[0], batch[1], headBlock); err != nil {
			return err
		}
		if i < len(batches)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.SnapshotSleep):
			}
		}
	}
	return nil
}

// syncBatchWithRetry retries syncBatch with unbounded exponential backoff
// (seed snapshot_sync.sleep, factor 2).
func (l *Listener) syncBatchWithRetry(ctx context.Context, start, end uint32, headBlock uint64) error {
	sleep := l.cfg.SnapshotSleep
	if sleep <= 0 {
		sleep = time.Second
	}
	for {
		err := l.syncBatch(ctx, start, end, headBlock)
		if err == nil {
			return nil
		}
		l.logger.Printf("sync_batch(%d,%d) failed, retrying in %s: %v", start, end, sleep, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		sleep *= 2
	}
}

// syncBatch reads subscriptions [start, end), fills in response counts for
// those on their last interval, and hands each through the guardian to the
// tracker.
func (l *Listener) syncBatch(ctx context.Context, start, end uint32, headBlock uint64) error {
	if end <= start {
		return nil
	}
	block := big.NewInt(int64(headBlock))
	subs, err := l.reader.ReadSubscriptionBatch(ctx, start, end-1, block)
	if err != nil {
		return fmt.Errorf("read subscription batch [%d,%d): %w", start, end, err)
	}

	now := uint32(time.Now().Unix())
	lastIntervalIDs := make([]uint32, 0, len(subs))
	lastIntervals := make([]uint32, 0, len(subs))
	for _, sub := range subs {
		if !sub.Active(now) {
			continue
		}
		interval, err := sub.Interval(now)
		if err != nil {
			continue
		}
		if sub.LastInterval(interval) {
			lastIntervalIDs = append(lastIntervalIDs, sub.ID)
			lastIntervals = append(lastIntervals, interval)
		}
	}
	if len(lastIntervalIDs) > 0 {
		counts, err := l.reader.ReadRedundancyCountBatch(ctx, lastIntervalIDs, lastIntervals, block)
		if err != nil {
			return fmt.Errorf("read redundancy count batch: %w", err)
		}
		for _, sub := range subs {
			if count, ok := counts[sub.ID]; ok {
				interval, err := sub.Interval(now)
				if err != nil {
					continue
				}
				_ = sub.SetResponseCount(now, interval, count)
			}
		}
	}

	for _, sub := range subs {
		msg := message.NewSubscriptionCreated(sub)
		admitted, err := l.guardian.Admit(msg)
		if err != nil {
			l.logger.Printf("guardian error for subscription %d: %v", sub.ID, err)
			continue
		}
		if !admitted {
			continue
		}
		if err := l.tracker.Track(msg); err != nil {
			l.logger.Printf("track subscription %d: %v", sub.ID, err)
		}
	}
	return nil
}

// runForever advances last_block toward the reorg-safe head in capped
// steps, re-running snapshot sync after each advance; otherwise sleeps
// sync_period.
func (l *Listener) runForever(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		head, err := l.rpc.GetHeadBlockNumber(ctx)
		if err != nil {
			l.logger.Printf("head block number: %v", err)
			if !sleepOrStop(ctx, stopCh, l.cfg.SyncPeriod) {
				return
			}
			continue
		}
		reorgSafe := reorgSafeHead(head, l.cfg.TrailHeadBlocks)

		if l.lastBlock < reorgSafe {
			advance := reorgSafe - l.lastBlock
			if advance > maxBlocksPerTick {
				advance = maxBlocksPerTick
			}
			target := l.lastBlock + advance

			headSubID, err := l.coord.GetHeadSubscriptionID(ctx, big.NewInt(int64(target)))
			if err != nil {
				l.logger.Printf("head subscription id at %d: %v", target, err)
				if !sleepOrStop(ctx, stopCh, l.cfg.SyncPeriod) {
					return
				}
				continue
			}
			l.lastSubscriptionID = headSubID
			l.lastBlock = target

			if err := l.snapshotSync(ctx, target); err != nil {
				l.logger.Printf("snapshot sync at %d: %v", target, err)
			}
			continue
		}

		if !sleepOrStop(ctx, stopCh, l.cfg.SyncPeriod) {
			return
		}
	}
}

func sleepOrStop(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	select {
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// GetBatches partitions the half-open interval [start, end+1) into batches
// of at most size ids each, handling the single-id and under-size cases
// specially.
func GetBatches(start, end, size uint32) [][2]uint32 {
	if size == 0 {
		size = 1
	}
	if start == end {
		return [][2]uint32{{start, start + 1}}
	}
	if end-start+1 <= size {
		return [][2]uint32{{start, end + 1}}
	}
	batches := make([][2]uint32, 0)
	for b := start; b <= end; b += size {
		upper := b + size
		if upper > end+1 {
			upper = end + 1
		}
		batches = append(batches, [2]uint32{b, upper})
	}
	return batches
}
