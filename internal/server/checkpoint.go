package server

import (
	"encoding/json"
	"fmt"
	"time"

	"epidemic_consensus/internal/dataType"
	"epidemic_consensus/internal/registry"

	"go.uber.org/zap"
)

func (gm *GossipManager) checkpointKey(kind string) string {
	return kind + "/" + gm.self
}

func (gm *GossipManager) put(kind string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return gm.store.Put(gm.checkpointKey(kind), data, ttl)
}

// Checkpoint writes the registry, the ledger and the message history to
// the store. Errors are logged, the engine keeps running.
func (gm *GossipManager) Checkpoint() {
	if gm.store == nil {
		return
	}
	if err := gm.put("registry", gm.registry.Snapshot(), 0); err != nil {
		gm.logger.Error("checkpoint registry failed", zap.Error(err))
	}
	if err := gm.put("ledger", gm.ledger.Snapshot(), 0); err != nil {
		gm.logger.Error("checkpoint ledger failed", zap.Error(err))
	}
	if err := gm.put("history", gm.history.Snapshot(), gm.params.HistoryTTL()); err != nil {
		gm.logger.Error("checkpoint history failed", zap.Error(err))
	}
}

// Restore loads a previous checkpoint. Missing entries are not an error.
func (gm *GossipManager) Restore() error {
	if gm.store == nil {
		return nil
	}
	now := gm.now()

	var peers []registry.PeerState
	if ok, err := gm.load("registry", &peers); err != nil {
		return err
	} else if ok {
		gm.registry.Restore(peers, now)
	}

	var items []dataType.ItemSnapshot
	if ok, err := gm.load("ledger", &items); err != nil {
		return err
	} else if ok {
		for _, it := range items {
			gm.ledger.Merge(it)
		}
	}

	var seen map[string]int64
	loaded := 0
	if ok, err := gm.load("history", &seen); err != nil {
		return err
	} else if ok {
		loaded = gm.history.Restore(seen, now)
	}

	gm.logger.Info("state restored",
		zap.Int("peers", len(peers)),
		zap.Int("items", len(items)),
		zap.Int("message_ids", loaded))
	return nil
}

func (gm *GossipManager) load(kind string, v any) (bool, error) {
	data, ok, err := gm.store.Get(gm.checkpointKey(kind))
	if err != nil {
		return false, fmt.Errorf("failed to load %s checkpoint: %w", kind, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s checkpoint: %w", kind, err)
	}
	return true, nil
}
