package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/quota-engine/generic"
	"github.com/warp/quota-engine/quota"
)

// UpcomingDays is how far ahead a sync snapshot lists reservations.
const UpcomingDays = 7

type UnitInfo struct {
	Code          string `json:"app_code"`
	Name          string `json:"name"`
	DailyCapacity int    `json:"daily_quota"`
	CycleCapacity int    `json:"monthly_quota"`
}

type Snapshot struct {
	Unit           UnitInfo            `json:"unit_info"`
	Upcoming       []quota.Reservation `json:"upcoming_campaigns"`
	Status         *quota.QuotaStatus  `json:"quota_status"`
	RemainingSyncs int                 `json:"remaining_syncs"`
}

// SyncSnapshot lets a tenant pull its schedule. Each tenant may sync at
// most MaxSyncPerDay times a day; the call that would exceed it fails with
// generic.ErrSyncLimitExceeded and its increment is rolled back.
func (e *Engine) SyncSnapshot(ctx context.Context, tenantCode, syncType string) (*Snapshot, error) {
	tenant, err := e.Store.GetTenantByCode(ctx, tenantCode)
	if err != nil {
		return nil, err
	}
	today := e.today()

	var snap *Snapshot
	err = e.Store.WithTx(ctx, func(tx quota.Tx) error {
		// increment first; over the limit the whole tx rolls back
		count, err := tx.IncrementSyncCount(ctx, tenant.ID, today, syncType)
		if err != nil {
			return fmt.Errorf("increment sync count: %w", err)
		}
		if count > tenant.MaxSyncPerDay {
			return fmt.Errorf("%s made %d syncs today: %w", tenantCode, count-1, generic.ErrSyncLimitExceeded)
		}

		upcoming, err := tx.ListReservations(ctx, quota.ReservationFilter{
			TenantID: tenant.ID,
			From:     today,
			To:       today.AddDays(UpcomingDays),
			Statuses: []quota.Status{quota.StatusPending, quota.StatusApproved},
		})
		if err != nil {
			return fmt.Errorf("list reservations: %w", err)
		}

		status, err := quota.BuildQuotaStatus(ctx, tx, tenant, today)
		if err != nil {
			return err
		}

		snap = &Snapshot{
			Unit: UnitInfo{
				Code:          tenant.Code,
				Name:          tenant.Name,
				DailyCapacity: tenant.DailyCapacity,
				CycleCapacity: tenant.CycleCapacity,
			},
			Upcoming:       upcoming,
			Status:         status,
			RemainingSyncs: tenant.MaxSyncPerDay - count,
		}
		return nil
	})
	if err != nil {
		return nil, generic.WrapTx("sync snapshot", err)
	}

	e.Logger.Info("sync snapshot served",
		zap.String("tenant", tenantCode),
		zap.String("sync_type", syncType),
		zap.Int("remaining", snap.RemainingSyncs))
	return snap, nil
}
