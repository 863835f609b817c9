package sapgate

import (
	"context"
	"time"
)

// startWarmup loads the inquiry list once after the initial delay and then
// on every tick, so the fallback cache is populated before users need it.
func (s *Service) startWarmup() {
	w := s.cfg.Cache.Warmup
	if !w.Enabled {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if w.initialDelayDur > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(w.initialDelayDur):
			}
		}

		s.warmOnce()
		if w.everyDur <= 0 {
			return
		}

		t := time.NewTicker(w.everyDur)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				s.warmOnce()
			}
		}
	}()
}

func (s *Service) warmOnce() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := s.sap.Inquiries(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("warmup: inquiries not refreshed")
		return
	}
	s.log.Debug().
		Bool("from_cache", res.ServedFromCache).
		Int("bytes", len(res.Payload.Body)).
		Msg("warmup: inquiries refreshed")
}
