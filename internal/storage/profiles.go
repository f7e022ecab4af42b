package storage

import (
	"context"
	"database/sql"
)

// UpsertProfile stores the latest known kind-0 metadata for a pubkey,
// replacing any older snapshot — profiles have no history, only a current
// value.
func UpsertProfile(ctx context.Context, db *sql.DB, p Profile) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (pubkey, name, display_name, about, picture, nip05, nip05_verified, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			about = excluded.about,
			picture = excluded.picture,
			nip05 = excluded.nip05,
			nip05_verified = excluded.nip05_verified,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= profiles.updated_at`,
		p.Pubkey, p.Name, p.DisplayName, p.About, p.Picture, p.Nip05, boolToInt(p.Nip05Verified), p.UpdatedAt,
	)
	return err
}

// GetProfile loads a cached profile by pubkey.
func GetProfile(ctx context.Context, db *sql.DB, pubkey string) (Profile, bool, error) {
	var p Profile
	var verified int
	err := db.QueryRowContext(ctx, `
		SELECT pubkey, name, display_name, about, picture, nip05, nip05_verified, updated_at
		FROM profiles WHERE pubkey = ?`, pubkey,
	).Scan(&p.Pubkey, &p.Name, &p.DisplayName, &p.About, &p.Picture, &p.Nip05, &verified, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	p.Nip05Verified = verified != 0
	return p, true, nil
}
