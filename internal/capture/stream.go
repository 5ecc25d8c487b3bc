package capture

import (
	"context"

	"inspection-sync/internal/connectivity"
	"inspection-sync/internal/media"
	"inspection-sync/internal/syncer"
)

// Phase returns the current banner state.
func (s *Service) Phase() Phase {
	s.setup()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	changed := s.phase != p
	s.phase = p
	s.mu.Unlock()
	if changed {
		s.publish(EventPhase, map[string]Phase{"phase": p})
	}
}

func (s *Service) publish(kind string, data any) {
	s.events.Publish(Event{Type: kind, At: s.now(), Data: data})
}

// Subscribe streams UI events: banner changes plus the raw sync, media,
// queue, save and connectivity notifications.
func (s *Service) Subscribe() (<-chan Event, func()) {
	s.setup()
	return s.events.Subscribe()
}

// Run forwards subsystem notifications onto the UI stream until ctx ends.
func (s *Service) Run(ctx context.Context) {
	s.setup()

	progress, cancelProgress := s.Sync.Subscribe()
	defer cancelProgress()
	counts, cancelCounts := s.Queue.Subscribe()
	defer cancelCounts()
	saved, cancelSaved := s.Drafts.Subscribe()
	defer cancelSaved()

	var uploads <-chan media.Event
	if s.Media != nil {
		var cancel func()
		uploads, cancel = s.Media.Subscribe()
		defer cancel()
	}
	var online <-chan bool
	if s.Online != nil {
		var cancel func()
		online, cancel = s.Online.Subscribe()
		defer cancel()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			s.onProgress(p)
		case n, ok := <-counts:
			if !ok {
				counts = nil
				continue
			}
			s.publish(EventQueue, map[string]int{"pending": n})
		case sv, ok := <-saved:
			if !ok {
				saved = nil
				continue
			}
			s.publish(EventSaved, sv)
		case ev, ok := <-uploads:
			if !ok {
				uploads = nil
				continue
			}
			s.publish(EventMedia, ev)
		case on, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			s.publish(EventConnectivity, map[string]bool{"online": on})
			if !on {
				s.setPhase(PhaseQueuedOffline)
			}
		}
	}
}

func (s *Service) onProgress(p syncer.Progress) {
	s.publish(EventSync, p)
	switch p.Phase {
	case syncer.PhaseSyncing, syncer.PhaseDelivered:
		s.setPhase(PhaseSyncing)
	case syncer.PhaseSynced:
		s.setPhase(PhaseSynced)
	case syncer.PhaseRejected:
		s.setPhase(PhaseRejected)
	case syncer.PhaseRetrying, syncer.PhaseFailed:
		if p.Error == connectivity.ErrOffline.Error() {
			s.setPhase(PhaseQueuedOffline)
			return
		}
		s.setPhase(PhaseFailedWillRetry)
	}
}
