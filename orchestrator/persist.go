package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/algotrader/events"
	"github.com/rustyeddy/algotrader/store"
)

// RestartReason marks instances that come back paused after a restart.
const RestartReason = "restart"

// Store layout:
//
//	instance/<id>  Info
func instanceKey(id string) string { return "instance/" + id }

// changed persists the instance and announces its state.
func (o *Orchestrator) changed(ctx context.Context, inst *instance) {
	info := inst.info()
	o.bus.Publish(events.Event{
		Kind:    events.InstanceState,
		Time:    info.UpdatedAt,
		Account: info.Config.Account,
		Mode:    info.Config.Mode,
		Payload: info,
	})
	if o.store == nil {
		return
	}
	b, err := json.Marshal(info)
	if err == nil {
		err = o.store.Set(ctx, instanceKey(info.ID), b)
	}
	if err != nil {
		o.log.Warn("store write", zap.String("key", instanceKey(info.ID)), zap.Error(err))
	}
}

// Restore reloads instances saved in the store. Every instance that was
// not stopped comes back paused and must be resumed explicitly. It returns
// the number restored.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	keys, err := o.store.Keys(ctx, "instance/")
	if err != nil {
		return 0, fmt.Errorf("orchestrator restore: %w", err)
	}

	n := 0
	for _, key := range keys {
		b, err := o.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("orchestrator restore %s: %w", key, err)
		}
		var info Info
		if err := json.Unmarshal(b, &info); err != nil {
			o.log.Warn("skipping unreadable instance", zap.String("key", key), zap.Error(err))
			continue
		}
		if info.State == Stopped {
			continue
		}
		if err := o.revive(ctx, info); err != nil {
			o.log.Warn("instance not restored", zap.String("instance_id", info.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

func (o *Orchestrator) revive(ctx context.Context, info Info) error {
	o.mu.RLock()
	_, exists := o.instances[info.ID]
	o.mu.RUnlock()
	if exists {
		return nil
	}

	cfg := info.Config
	if err := cfg.validate(); err != nil {
		return err
	}
	desc, ok := o.registry.Lookup(cfg.Strategy)
	if !ok {
		return fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	params, err := desc.Schema.Apply(cfg.Params)
	if err != nil {
		return err
	}

	inst := newInstance(info.ID, cfg, info.CreatedAt)
	inst.log = o.log.With(zap.String("instance_id", inst.id), zap.String("strategy", desc.Name))
	if err := o.prepare(desc, inst, params); err != nil {
		return err
	}

	inst.set(Paused, RestartReason, info.Error, o.now().UTC())
	o.mu.Lock()
	o.instances[inst.id] = inst
	o.mu.Unlock()
	go o.run(inst)

	inst.log.Info("instance restored paused", zap.String("was", string(info.State)))
	o.changed(ctx, inst)
	return nil
}
