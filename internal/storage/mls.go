package storage

import (
	"context"
	"database/sql"
)

// UpsertMlsGroup inserts a group row on first creation/join and otherwise
// leaves created_at and desync_count untouched.
func UpsertMlsGroup(ctx context.Context, db *sql.DB, g MlsGroup) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO mls_groups (group_id, engine_group_id, name, created_at, last_epoch, evicted, needs_rejoin, desync_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO NOTHING`,
		g.GroupID, g.EngineGroupID, g.Name, g.CreatedAt, g.LastEpoch, boolToInt(g.Evicted), boolToInt(g.NeedsRejoin), g.DesyncCount,
	)
	return err
}

// GetMlsGroup loads group metadata by wire group id.
func GetMlsGroup(ctx context.Context, db *sql.DB, groupID string) (MlsGroup, bool, error) {
	var g MlsGroup
	var evicted, needsRejoin int
	err := db.QueryRowContext(ctx, `
		SELECT group_id, engine_group_id, name, created_at, last_epoch, evicted, needs_rejoin, desync_count
		FROM mls_groups WHERE group_id = ?`, groupID,
	).Scan(&g.GroupID, &g.EngineGroupID, &g.Name, &g.CreatedAt, &g.LastEpoch, &evicted, &needsRejoin, &g.DesyncCount)
	if err == sql.ErrNoRows {
		return MlsGroup{}, false, nil
	}
	if err != nil {
		return MlsGroup{}, false, err
	}
	g.Evicted = evicted != 0
	g.NeedsRejoin = needsRejoin != 0
	return g, true, nil
}

// SetMlsGroupEpoch advances the cached epoch, only forward.
func SetMlsGroupEpoch(ctx context.Context, db *sql.DB, groupID string, epoch uint64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE mls_groups SET last_epoch = ? WHERE group_id = ? AND last_epoch < ?`,
		epoch, groupID, epoch,
	)
	return err
}

// MarkMlsGroupEvicted sets the evicted flag. Per the driver's eviction
// policy, callers must only invoke this on positive confirmation of
// membership absence, never as a side effect of an ambiguous failure.
func MarkMlsGroupEvicted(ctx context.Context, db *sql.DB, groupID string) error {
	_, err := db.ExecContext(ctx, `UPDATE mls_groups SET evicted = 1 WHERE group_id = ?`, groupID)
	return err
}

// SetMlsGroupNeedsRejoin flips the desync-triggered rejoin flag.
func SetMlsGroupNeedsRejoin(ctx context.Context, db *sql.DB, groupID string, needsRejoin bool) error {
	_, err := db.ExecContext(ctx, `UPDATE mls_groups SET needs_rejoin = ? WHERE group_id = ?`, boolToInt(needsRejoin), groupID)
	return err
}

// IncrementMlsGroupDesync bumps the desync counter and returns the new
// value, so the caller can compare it against the rejoin threshold.
func IncrementMlsGroupDesync(ctx context.Context, db *sql.DB, groupID string) (int, error) {
	_, err := db.ExecContext(ctx, `UPDATE mls_groups SET desync_count = desync_count + 1 WHERE group_id = ?`, groupID)
	if err != nil {
		return 0, err
	}
	g, _, err := GetMlsGroup(ctx, db, groupID)
	return g.DesyncCount, err
}

// ResetMlsGroupDesync zeroes the desync counter after a clean sync pass.
func ResetMlsGroupDesync(ctx context.Context, db *sql.DB, groupID string) error {
	_, err := db.ExecContext(ctx, `UPDATE mls_groups SET desync_count = 0 WHERE group_id = ?`, groupID)
	return err
}

// DeleteMlsGroup removes a group's metadata row entirely, cascading to its
// event cursor. Used only by an explicit user-initiated leave — involuntary
// eviction instead sets the evicted flag and keeps the row, per the
// retained-for-notification invariant on MlsGroup.
func DeleteMlsGroup(ctx context.Context, db *sql.DB, groupID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM mls_groups WHERE group_id = ?`, groupID)
	return err
}

// ListMlsGroups returns every non-evicted group, for the subscription
// handler's fan-out.
func ListMlsGroups(ctx context.Context, db *sql.DB) ([]MlsGroup, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT group_id, engine_group_id, name, created_at, last_epoch, evicted, needs_rejoin, desync_count
		FROM mls_groups WHERE evicted = 0`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MlsGroup
	for rows.Next() {
		var g MlsGroup
		var evicted, needsRejoin int
		if err := rows.Scan(&g.GroupID, &g.EngineGroupID, &g.Name, &g.CreatedAt, &g.LastEpoch, &evicted, &needsRejoin, &g.DesyncCount); err != nil {
			return nil, err
		}
		g.Evicted = evicted != 0
		g.NeedsRejoin = needsRejoin != 0
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetMlsEventCursor loads the backfill cursor for a group, zero-valued if
// none exists yet.
func GetMlsEventCursor(ctx context.Context, db *sql.DB, groupID string) (MlsEventCursor, error) {
	c := MlsEventCursor{GroupID: groupID}
	err := db.QueryRowContext(ctx, `
		SELECT last_created_at, last_event_id FROM mls_event_cursors WHERE group_id = ?`, groupID,
	).Scan(&c.LastCreatedAt, &c.LastEventID)
	if err == sql.ErrNoRows {
		return c, nil
	}
	return c, err
}

// AdvanceMlsEventCursor persists a new cursor position only if it is
// strictly greater than the stored one, enforcing the cursor-monotonicity
// invariant.
func AdvanceMlsEventCursor(ctx context.Context, db *sql.DB, c MlsEventCursor) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO mls_event_cursors (group_id, last_created_at, last_event_id)
		VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			last_created_at = excluded.last_created_at,
			last_event_id = excluded.last_event_id
		WHERE excluded.last_created_at > mls_event_cursors.last_created_at`,
		c.GroupID, c.LastCreatedAt, c.LastEventID,
	)
	return err
}

// UpsertMlsKeyPackage records the most recently seen key package event for
// a device.
func UpsertMlsKeyPackage(ctx context.Context, db *sql.DB, kp MlsKeyPackage) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO mls_keypackages (pubkey, device_id, event_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pubkey, device_id) DO UPDATE SET
			event_id = excluded.event_id,
			created_at = excluded.created_at
		WHERE excluded.created_at > mls_keypackages.created_at`,
		kp.Pubkey, kp.DeviceID, kp.EventID, kp.CreatedAt,
	)
	return err
}

// GetMlsKeyPackage loads the latest known key package for a device.
func GetMlsKeyPackage(ctx context.Context, db *sql.DB, pubkey, deviceID string) (MlsKeyPackage, bool, error) {
	var kp MlsKeyPackage
	err := db.QueryRowContext(ctx, `
		SELECT pubkey, device_id, event_id, created_at FROM mls_keypackages WHERE pubkey = ? AND device_id = ?`,
		pubkey, deviceID,
	).Scan(&kp.Pubkey, &kp.DeviceID, &kp.EventID, &kp.CreatedAt)
	if err == sql.ErrNoRows {
		return MlsKeyPackage{}, false, nil
	}
	if err != nil {
		return MlsKeyPackage{}, false, err
	}
	return kp, true, nil
}
