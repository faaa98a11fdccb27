package session

import (
	"context"

	"github.com/go-kit/log/level"

	"onchaintictactoe/internal/schedule"
)

// startKeepAlive subscribes to game changes (once per session) and arms the
// heartbeat. The heartbeat outlives ctx's cancellation; Close or Abandon end it.
func (s *Session) startKeepAlive(ctx context.Context) {
	s.subscribe(ctx)

	s.mu.Lock()
	if s.keepalive != nil {
		s.mu.Unlock()
		return
	}
	s.keepalive = schedule.NewRepeating(s.opts.KeepAliveInterval, s.keepAliveTick)
	ka := s.keepalive
	s.mu.Unlock()

	ka.Start(context.WithoutCancel(ctx))
}

// KeepAliveState reports the heartbeat timer state.
func (s *Session) KeepAliveState() schedule.State {
	s.mu.Lock()
	ka := s.keepalive
	s.mu.Unlock()
	if ka == nil {
		return schedule.Idle
	}
	return ka.State()
}

// KeepAliveFailures is the current run of consecutive failed heartbeats.
func (s *Session) KeepAliveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Session) keepAliveTick(ctx context.Context) bool {
	s.mu.Lock()
	flags, phase := s.flags, s.game.Phase
	s.mu.Unlock()

	if flags.Abandoned || flags.Disconnected {
		if err := s.unsubscribe(ctx); err != nil {
			level.Warn(s.logger).Log("msg", "unsubscribe", "err", err)
		}
		return false
	}
	if phase.Terminal() {
		return false
	}

	if err := s.KeepAlive(ctx); err != nil {
		s.mu.Lock()
		s.failures++
		failures := s.failures
		var snap *Snapshot
		var listeners []Listener
		if failures > s.opts.MaxKeepAliveFailures && !s.flags.Disconnected {
			s.flags.Disconnected = true
			s.flags.InProgress = false
			v := s.snapshotLocked()
			snap = &v
			listeners = s.listenersLocked()
		}
		s.mu.Unlock()

		level.Warn(s.logger).Log("msg", "keepalive failed", "failures", failures, "err", err)
		if snap != nil {
			level.Warn(s.logger).Log("msg", "disconnected")
			for _, fn := range listeners {
				fn(*snap)
			}
		}
		return true
	}

	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	return true
}

func (s *Session) subscribe(ctx context.Context) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = true
	s.mu.Unlock()

	sub, err := s.store.Subscribe(ctx, s.gameID, s.onPush)
	if err != nil {
		// Polling still reconciles without push updates.
		level.Warn(s.logger).Log("msg", "subscribe to game changes", "err", err)
		return
	}
	s.mu.Lock()
	s.sub = &sub
	s.mu.Unlock()
}

func (s *Session) unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	return s.store.Unsubscribe(ctx, *sub)
}

// onPush is the subscription callback. Undecodable state ends the session.
func (s *Session) onPush(raw []byte) {
	if err := s.Reconcile(raw); err != nil {
		level.Error(s.logger).Log("msg", "reconcile pushed state", "err", err)
		s.Abandon()
	}
}
