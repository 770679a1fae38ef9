// Package control exposes the operator-facing Start/Stop/Pause/Resume/
// MonitorInfoHash/StopMonitoring/Statistics surface over the crawler and
// persistence manager. Grounded on go-ethereum's node lifecycle surface
// for the run/cancel-context shape.
package control

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/dhthunter/crawler/internal/crawler"
	"github.com/dhthunter/crawler/internal/dhttype"
	"github.com/dhthunter/crawler/internal/persistence"
	"github.com/dhthunter/crawler/internal/routingtable"
)

// Crawler is the subset of crawler.Crawler the control surface drives.
type Crawler interface {
	Run(ctx context.Context) error
	Stop()
	MonitorInfoHash(infoHash dhttype.InfoHash) bool
	StopMonitoring(infoHash dhttype.InfoHash)
	Statistics() crawler.Statistics
	ReprobeOnWake(ctx context.Context)
	Audit() routingtable.AuditReport
}

// Persistence is the subset of persistence.Manager the control surface
// uses for explicit save_now requests.
type Persistence interface {
	SaveNow() error
}

// Surface is the process-wide control point: a thin state machine over
// a running/paused Crawler plus on-demand persistence.
type Surface struct {
	crawler Crawler
	persist Persistence
	log     log.Logger

	mu      sync.Mutex
	running bool
	paused  bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// New constructs a Surface.
func New(c Crawler, p Persistence, logger log.Logger) *Surface {
	if logger == nil {
		logger = log.Root()
	}
	return &Surface{crawler: c, persist: p, log: logger.New("component", "control")}
}

// Start launches the crawler loop in the background. It is a no-op if
// already running.
func (s *Surface) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.doneCh = make(chan struct{})
	s.running = true
	s.paused = false

	go func() {
		defer close(s.doneCh)
		if err := s.crawler.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Error("crawler loop exited unexpectedly", "err", err)
		}
	}()
	return nil
}

// Stop halts the crawler loop and waits for it to exit.
func (s *Surface) Stop() {
	s.stop(false)
}

// Pause stops the crawler loop without discarding monitored-info-hash
// configuration, so Resume can pick back up cleanly.
func (s *Surface) Pause() {
	s.stop(true)
}

func (s *Surface) stop(leavePaused bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.crawler.Stop()
	cancel := s.cancel
	done := s.doneCh
	s.running = false
	s.paused = leavePaused
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Resume restarts the crawler loop after a Pause, re-probing the routing
// table first (via the crawler's wake-from-sleep reprobe) since an
// arbitrary amount of wall-clock time may have passed while paused.
func (s *Surface) Resume(ctx context.Context) error {
	s.mu.Lock()
	wasPaused := s.paused
	s.mu.Unlock()
	if !wasPaused {
		return nil
	}
	s.crawler.ReprobeOnWake(ctx)
	return s.Start(ctx)
}

// MonitorInfoHash begins monitoring infoHash for peers.
func (s *Surface) MonitorInfoHash(infoHash dhttype.InfoHash) bool {
	return s.crawler.MonitorInfoHash(infoHash)
}

// StopMonitoring ends monitoring of infoHash.
func (s *Surface) StopMonitoring(infoHash dhttype.InfoHash) {
	s.crawler.StopMonitoring(infoHash)
}

// SaveNow forces an immediate persistence snapshot.
func (s *Surface) SaveNow() error {
	return s.persist.SaveNow()
}

// Statistics returns the crawler's current activity snapshot.
func (s *Surface) Statistics() crawler.Statistics {
	return s.crawler.Statistics()
}

// Audit runs the routing table's invariant check and returns its report.
func (s *Surface) Audit() routingtable.AuditReport {
	return s.crawler.Audit()
}
