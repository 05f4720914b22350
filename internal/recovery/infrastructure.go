package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PrayerPipe/internal/interruption"
	"github.com/BTreeMap/PrayerPipe/internal/offline"
	"github.com/BTreeMap/PrayerPipe/internal/preservation"
)

// OfflineQueueRecovery drains operations left in the offline queue by a previous
// run. Nothing is attempted while offline; the next reconnect picks them up.
func OfflineQueueRecovery(m *offline.Manager) Recoverable {
	return RecoverableFunc(func(ctx context.Context, registry *Registry) error {
		pending, err := m.Pending(ctx)
		if err != nil {
			return fmt.Errorf("failed to read offline queue: %w", err)
		}
		if len(pending) == 0 || !m.IsOnline() {
			slog.Debug("OfflineQueueRecovery: nothing to drain", "pending", len(pending), "online", m.IsOnline())
			return nil
		}
		report, err := m.Sync(ctx)
		if err != nil {
			return fmt.Errorf("failed to drain offline queue: %w", err)
		}
		slog.Info("OfflineQueueRecovery: drained", "synced", report.Synced, "retrying", report.Retrying, "failed", len(report.Failed))
		return nil
	})
}

// InterruptionSweep expires interruption snapshots older than the session timeout.
func InterruptionSweep(h *interruption.Handler) Recoverable {
	return RecoverableFunc(func(ctx context.Context, registry *Registry) error {
		_, err := h.GetInterruptionState(ctx)
		return err
	})
}

// CrashRecordSweep drops crash records past their hard age cap and logs a pending one.
func CrashRecordSweep(s *preservation.Service) Recoverable {
	return RecoverableFunc(func(ctx context.Context, registry *Registry) error {
		rec, err := s.CrashRecord(ctx)
		if err != nil {
			return err
		}
		if rec != nil {
			slog.Warn("CrashRecordSweep: crash record pending", "lastKnownState", rec.LastKnownState, "at", rec.CrashTimestamp)
		}
		return nil
	})
}
