package main

import (
	"context"
	"fmt"
	"time"

	"github.com/randalmurphal/eventrelay/pkg/eventrelay"
	"github.com/randalmurphal/eventrelay/pkg/eventrelay/event"
)

// simulation drives a relay the way a game loop would.
type simulation struct {
	relay          *eventrelay.Relay
	frames         int
	eventsPerFrame int
	interval       time.Duration

	// now and sleep are swapped out in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func newSimulation(relay *eventrelay.Relay, frames, eventsPerFrame int, interval time.Duration) *simulation {
	return &simulation{
		relay:          relay,
		frames:         frames,
		eventsPerFrame: eventsPerFrame,
		interval:       interval,
		now:            time.Now,
		sleep:          sleepCtx,
	}
}

func (s *simulation) run(ctx context.Context) error {
	for frame := 1; frame <= s.frames; frame++ {
		s.emitFrame(ctx, frame)
		s.relay.Tick(ctx, s.now())

		if frame%120 == 0 {
			s.pollActions(ctx)
		}
		if err := s.sleep(ctx, s.interval); err != nil {
			return err
		}
	}
	return nil
}

func (s *simulation) emitFrame(ctx context.Context, frame int) {
	scope := fmt.Sprintf("frame-%d", frame)
	for i := 0; i < s.eventsPerFrame; i++ {
		s.relay.Emit(ctx, event.KindGameState, map[string]any{
			"frame":  frame,
			"sample": i,
			"money":  4 + frame%20,
		}, event.WithScopeKey(scope))
	}

	switch {
	case frame%60 == 0:
		s.relay.Emit(ctx, event.KindHeartbeat, map[string]any{"frame": frame})
	case frame%45 == 0:
		s.relay.Emit(ctx, event.KindRoundComplete, map[string]any{"frame": frame, "score": frame * 10},
			event.WithPriority(event.PriorityHigh))
	case frame%15 == 0:
		s.relay.Emit(ctx, event.KindHandPlayed, map[string]any{"frame": frame, "hand": "pair"})
	}
}

// pollActions acknowledges any inbound actions so the round trip is
// visible in the message directory.
func (s *simulation) pollActions(ctx context.Context) {
	actions, err := eventrelay.PollActions[map[string]any](ctx, s.relay, 10)
	if err != nil {
		return
	}
	for _, action := range actions {
		_, _ = s.relay.SendActionResult(ctx, map[string]any{
			"sequence_id": action.SequenceID,
			"accepted":    true,
		})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
