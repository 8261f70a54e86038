package registry

import (
	"context"
	"time"

	"github.com/zsiec/hwdec/internal/decoder"
	"github.com/zsiec/hwdec/internal/logger"
)

// Heartbeat publishes stats() for id every interval until ctx is done. A
// record that expired in the meantime is registered again.
func Heartbeat(ctx context.Context, reg Registry, rec Decoder, interval time.Duration, stats func() decoder.Stats, log logger.Logger) {
	if log == nil {
		log = logger.NewNullLogger()
	}
	log = log.WithField("decoder_id", rec.ID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snapshot := stats()
		err := reg.UpdateStats(ctx, rec.ID, snapshot)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		log.WithError(err).Warn("Heartbeat failed, registering again")
		rec.Stats = snapshot
		if err := reg.Register(ctx, &rec); err != nil {
			log.WithError(err).Warn("Re-registration failed")
		}
	}
}
