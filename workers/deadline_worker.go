// workers/duel_deadline_worker.go
package workers

import (
	"context"
	"log"
	"time"

	"duel-arena-system/services"
)

// DuelDeadlineWorker re-arms the in-memory deadline timers from persisted
// duel state. The coordinator loses its jobs on restart; this worker
// restores them at startup and then sweeps periodically for duels whose
// timers were lost (process crash, missed schedule). Re-arming an already
// armed deadline replaces it in place, so the sweep is safe to repeat.
type DuelDeadlineWorker struct {
	duels    *services.DuelService
	interval time.Duration
}

func NewDuelDeadlineWorker(duels *services.DuelService) *DuelDeadlineWorker {
	return &DuelDeadlineWorker{
		duels:    duels,
		interval: 1 * time.Minute,
	}
}

func (w *DuelDeadlineWorker) Start(ctx context.Context) {
	log.Println("🔁 Starting Duel Deadline Worker (persisted deadlines → timers)…")
	go w.run(ctx)
}

func (w *DuelDeadlineWorker) run(ctx context.Context) {
	if err := w.duels.RearmDeadlines(ctx); err != nil {
		log.Printf("⚠️ Initial deadline re-arm failed: %v", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.duels.RearmDeadlines(ctx); err != nil {
				log.Printf("❌ Deadline sweep failed: %v", err)
			}
		case <-ctx.Done():
			log.Println("⏹️ Duel Deadline Worker stopped")
			return
		}
	}
}
