package server

import (
	"context"
	"errors"
	"time"

	"epidemic_consensus/internal/dataType"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotRunning     = errors.New("gossip manager is not running")
	ErrAlreadyRunning = errors.New("gossip manager is already running")
)

// Run restores the last checkpoint and drives the node until ctx is
// cancelled: the gossip and anti-entropy timers post cycles, the actor
// loop owns every table. On exit both timers are stopped and the state is
// checkpointed.
func (gm *GossipManager) Run(ctx context.Context) error {
	if !gm.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer gm.running.Store(false)

	stopped := make(chan struct{})
	gm.mu.Lock()
	gm.stopped = stopped
	gm.mu.Unlock()

	if err := gm.Restore(); err != nil {
		gm.logger.Warn("restore failed, starting fresh", zap.Error(err))
	}
	gm.logger.Info("gossip manager started",
		zap.Int("peers", len(gm.registry.ActivePeers())),
		zap.Duration("gossip_period", gm.params.GossipPeriod),
		zap.Duration("anti_entropy_period", gm.params.AntiEntropyPeriod))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gm.tick(gctx, gm.params.GossipPeriod, TriggerGossip) })
	g.Go(func() error { return gm.tick(gctx, gm.params.AntiEntropyPeriod, TriggerAntiEntropy) })
	g.Go(func() error { return gm.loop(gctx) })

	err := g.Wait()
	gm.mu.Lock()
	gm.stopped = nil
	gm.mu.Unlock()
	close(stopped)

	gm.Checkpoint()
	gm.logger.Info("gossip manager stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (gm *GossipManager) tick(ctx context.Context, period time.Duration, trigger string) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			gm.postCycle(trigger)
		}
	}
}

// postCycle queues one cycle for trigger. Each trigger has its own
// one-slot queue.
func (gm *GossipManager) postCycle(trigger string) bool {
	ch, ok := gm.cycles[trigger]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
		return true
	default:
		// a cycle of this kind is already waiting
		return false
	}
}

func (gm *GossipManager) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-gm.inbox:
			gm.HandleInbound(ctx, msg)
		case <-gm.cycles[TriggerGossip]:
			gm.RunCycle(ctx, TriggerGossip)
		case <-gm.cycles[TriggerAntiEntropy]:
			gm.RunCycle(ctx, TriggerAntiEntropy)
		case <-gm.cycles[TriggerExternal]:
			gm.RunCycle(ctx, TriggerExternal)
		case c := <-gm.cmds:
			c.fn()
			close(c.done)
		}
	}
}

// Deliver enqueues an inbound message without blocking. It returns false
// when the inbox is full and the message was dropped.
func (gm *GossipManager) Deliver(msg dataType.GossipMessage) bool {
	select {
	case gm.inbox <- msg:
		return true
	default:
		gm.count(dataType.TrafficInboxFull, 1)
		gm.logger.Warn("inbox full, dropping message", zap.String("id", msg.ID), zap.String("sender", msg.Sender))
		return false
	}
}

// Trigger requests an extra decision cycle.
func (gm *GossipManager) Trigger() bool {
	return gm.postCycle(TriggerExternal)
}

// Do runs fn on the actor goroutine and waits for it to return. It fails
// with ErrNotRunning if Run stops before fn was handed over.
func (gm *GossipManager) Do(ctx context.Context, fn func()) error {
	gm.mu.Lock()
	stopped := gm.stopped
	gm.mu.Unlock()
	if stopped == nil {
		return ErrNotRunning
	}
	c := command{fn: fn, done: make(chan struct{})}
	select {
	case gm.cmds <- c:
	case <-stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (gm *GossipManager) Running() bool { return gm.running.Load() }
