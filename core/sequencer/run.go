package sequencer

import (
	"context"
	"log/slog"
	"time"
)

// Run feeds in through the sequencer and writes deliveries to out, checking
// for stalled gaps on a ticker. Rejected events are logged and handed to
// OnDrop. Run returns when ctx is done or in is closed.
func (s *Sequencer[E]) Run(ctx context.Context, in <-chan Input[E], out chan<- Delivery[E]) error {
	tick := s.opts.SequenceTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	emit := func(ds []Delivery[E]) error {
		for _, d := range ds {
			select {
			case out <- d:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-in:
			if !ok {
				return nil
			}
			ds, err := s.Process(msg.Event, msg.AggregateID, msg.GlobalSeq, msg.AggregateSeq)
			if err != nil {
				s.log.Warn("event rejected", slog.String("aggregate_id", msg.AggregateID), slog.Any("error", err))
				s.mu.Lock()
				s.dropLocked(msg, err)
				s.mu.Unlock()
				continue
			}
			if err := emit(ds); err != nil {
				return err
			}

		case <-ticker.C:
			if err := emit(s.CheckTimeouts()); err != nil {
				return err
			}
		}
	}
}
