package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"subledger/internal/types"
)

// DeviceRepository provides data access for the devices table.
type DeviceRepository struct {
	db DBTX
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db DBTX) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `id, app_id, user_id, server_count, last_seen, is_active`

func scanDevice(row pgx.Row) (*types.Device, error) {
	var d types.Device
	if err := row.Scan(&d.ID, &d.AppID, &d.UserID, &d.ServerCount, &d.LastSeen, &d.IsActive); err != nil {
		return nil, err
	}
	return &d, nil
}

// LinkToUser associates the device with the user. The association is a
// column on the device row, so repeated calls converge on the same state.
func (r *DeviceRepository) LinkToUser(ctx context.Context, deviceID, userID, appID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE devices
		 SET user_id = $2, is_active = TRUE, updated_at = NOW()
		 WHERE id = $1 AND app_id = $3`,
		deviceID, userID, appID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link device", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDevice, "device not found", nil)
	}
	return nil
}

// Get returns the device for (deviceID, appID).
func (r *DeviceRepository) Get(ctx context.Context, deviceID, appID string) (*types.Device, error) {
	d, err := scanDevice(r.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1 AND app_id = $2`,
		deviceID, appID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDevice, "device not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get device", err)
	}
	return d, nil
}

// RecordHeartbeat registers the device or refreshes its last-seen time and
// server count. Ownership is not touched.
func (r *DeviceRepository) RecordHeartbeat(ctx context.Context, deviceID, appID string, serverCount int, seenAt time.Time) (*types.Device, error) {
	d, err := scanDevice(r.db.QueryRow(ctx,
		`INSERT INTO devices (id, app_id, server_count, last_seen)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id, app_id) DO UPDATE
		   SET server_count = EXCLUDED.server_count,
		       last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen),
		       updated_at = NOW()
		 RETURNING `+deviceColumns,
		deviceID, appID, serverCount, seenAt.UTC(),
	))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to record device heartbeat", err)
	}
	return d, nil
}
