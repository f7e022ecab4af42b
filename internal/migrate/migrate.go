// Package migrate implements the one-shot import of a legacy JSON store
// (vector.json, the previous Tauri-store-backed release's single encrypted
// blob file) into this core's per-account SQL schema. Grounded on
// db_sql_migration.rs's migrate_store_to_sql: read the blob, decrypt each
// encrypted field independently, parse its JSON, and insert plaintext rows
// — no re-encryption, since the target schema stores these fields in the
// clear. Emits progress_operation at each step the same way the original
// emitted its own "progress_operation" Tauri event.
package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vectorprivacy/vectorcore/internal/events"
	"github.com/vectorprivacy/vectorcore/internal/storage"
)

// chatMessagesKeyPrefix is the dynamic top-level key the legacy store used
// for one chat's message array: "chat_messages_<chatID>". There is no
// single "messages" key — one exists per chat.
const chatMessagesKeyPrefix = "chat_messages_"

// Decrypter decrypts one legacy-store field. The legacy store's cipher is
// a different (and, at the time of writing, undocumented in the example
// pack) scheme from this core's own cryptoutil — genuinely an external
// collaborator the caller supplies, the same way internal/mlsengine treats
// the MLS library itself as external.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// SlimProfile is the legacy store's per-pubkey profile record.
type SlimProfile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname"`
	Picture     string `json:"avatar"`
	About       string `json:"about"`
	Nip05       string `json:"nip05"`
}

// SlimChat is the legacy store's per-chat metadata record, present for DM
// chats; MLS group chats have no such record and are instead inferred from
// chat_messages_<chatID> keys whose id isn't a pubkey.
type SlimChat struct {
	ID        string `json:"id"`
	ChatType  string `json:"chat_type"` // "dm" or "mls_group"
	CreatedAt int64  `json:"created_at"`
}

// SlimMessage is one legacy message record.
type SlimMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Npub      string `json:"npub"`
	At        int64  `json:"at"`
	ReplyToID string `json:"reply_to_id"`
	Pending   bool   `json:"pending"`
	Failed    bool   `json:"failed"`
}

// LegacyMlsGroup is one legacy mls_groups record.
type LegacyMlsGroup struct {
	GroupID       string `json:"group_id"`
	EngineGroupID string `json:"engine_group_id"`
	Name          string `json:"name"`
	CreatedAt     int64  `json:"created_at"`
	Evicted       bool   `json:"evicted"`
}

// Summary reports how many rows of each kind the import produced.
type Summary struct {
	Profiles  int
	Chats     int
	Messages  int
	MlsGroups int
	Settings  int
}

// Runner drives the import of one legacy store blob into an already-open,
// already-migrated account database.
type Runner struct {
	DB        *sql.DB
	Emitter   events.Emitter
	Decrypter Decrypter

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) emit(operation string, done, total int) {
	if r.Emitter == nil {
		return
	}
	r.Emitter.Emit(events.Event{
		Kind:    events.KindProgressOperation,
		Payload: events.ProgressOperationPayload{Operation: operation, Done: done, Total: total},
	})
}

const totalSteps = 5

// Run parses a legacy vector.json blob and imports its profiles, chats,
// messages, settings, and MLS groups into storage. Missing top-level keys
// are treated as an empty section (a fresh account's store has most of
// them absent), not an error — matching the original's own per-section
// fallback-to-empty behavior.
func (r *Runner) Run(ctx context.Context, raw []byte) (Summary, error) {
	var store map[string]json.RawMessage
	if err := json.Unmarshal(raw, &store); err != nil {
		return Summary{}, fmt.Errorf("migrate: parse legacy store: %w", err)
	}

	var summary Summary
	step := 0

	step++
	r.emit("Migrating profiles...", step, totalSteps)
	profileCount, err := r.migrateProfiles(ctx, store)
	if err != nil {
		return summary, err
	}
	summary.Profiles = profileCount

	step++
	r.emit("Migrating chats...", step, totalSteps)
	chatIDs, err := r.migrateChats(ctx, store)
	if err != nil {
		return summary, err
	}
	summary.Chats = len(chatIDs)

	step++
	r.emit("Migrating messages...", step, totalSteps)
	msgCount, err := r.migrateMessages(ctx, store, chatIDs)
	if err != nil {
		return summary, err
	}
	summary.Messages = msgCount

	step++
	r.emit("Migrating settings...", step, totalSteps)
	settingsCount, err := r.migrateSettings(ctx, store)
	if err != nil {
		return summary, err
	}
	summary.Settings = settingsCount

	step++
	r.emit("Migrating MLS groups...", step, totalSteps)
	groupCount, err := r.migrateMlsGroups(ctx, store)
	if err != nil {
		return summary, err
	}
	summary.MlsGroups = groupCount

	r.emit("Migration complete", totalSteps, totalSteps)
	return summary, nil
}

// decryptField decrypts and returns a legacy field's value, or ("", false)
// if the key is absent, empty-string valued, or fails to decrypt — all
// treated as "nothing to migrate for this section" rather than a fatal
// error, since an empty/corrupt optional section shouldn't abort the whole
// import.
func (r *Runner) decryptField(ctx context.Context, store map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := store[key]
	if !ok {
		return "", false
	}
	var encrypted string
	if err := json.Unmarshal(raw, &encrypted); err != nil || encrypted == "" {
		return "", false
	}
	plain, err := r.Decrypter.Decrypt(ctx, encrypted)
	if err != nil {
		return "", false
	}
	return plain, true
}

func (r *Runner) migrateProfiles(ctx context.Context, store map[string]json.RawMessage) (int, error) {
	plain, ok := r.decryptField(ctx, store, "profiles")
	if !ok {
		return 0, nil
	}
	var profiles []SlimProfile
	if err := json.Unmarshal([]byte(plain), &profiles); err != nil {
		return 0, nil
	}

	for _, p := range profiles {
		if err := storage.UpsertProfile(ctx, r.DB, storage.Profile{
			Pubkey:      p.ID,
			Name:        p.Name,
			DisplayName: p.DisplayName,
			About:       p.About,
			Picture:     p.Picture,
			Nip05:       p.Nip05,
			UpdatedAt:   r.now().Unix(),
		}); err != nil {
			return 0, fmt.Errorf("migrate: insert profile %s: %w", p.ID, err)
		}
	}
	return len(profiles), nil
}

// migrateChats imports the legacy "chats" array (DM chats) and infers
// MLS-group chat rows from any chat_messages_<id> key whose id isn't a
// pubkey, mirroring the original's own inference step — the legacy store
// never recorded group chats in its "chats" key, only in their message
// arrays.
func (r *Runner) migrateChats(ctx context.Context, store map[string]json.RawMessage) ([]string, error) {
	var chats []SlimChat
	if plain, ok := r.decryptField(ctx, store, "chats"); ok {
		_ = json.Unmarshal([]byte(plain), &chats)
	}

	seen := make(map[string]bool, len(chats))
	for _, c := range chats {
		seen[c.ID] = true
	}

	for key := range store {
		if !strings.HasPrefix(key, chatMessagesKeyPrefix) {
			continue
		}
		chatID := strings.TrimPrefix(key, chatMessagesKeyPrefix)
		if seen[chatID] {
			continue
		}
		seen[chatID] = true
		chats = append(chats, SlimChat{ID: chatID, ChatType: inferChatType(chatID)})
	}

	ids := make([]string, 0, len(chats))
	for _, c := range chats {
		kind := storage.ChatKindDM
		dmPeer := c.ID
		mlsGroupID := ""
		if c.ChatType == "mls_group" || inferChatType(c.ID) == "mls_group" {
			kind = storage.ChatKindMlsGroup
			dmPeer = ""
			mlsGroupID = c.ID
		}
		if err := storage.UpsertChat(ctx, r.DB, storage.Chat{
			ID:            c.ID,
			Kind:          kind,
			DMPeerPubkey:  dmPeer,
			MlsGroupID:    mlsGroupID,
			CreatedAt:     c.CreatedAt,
			LastMessageAt: c.CreatedAt,
		}); err != nil {
			return nil, fmt.Errorf("migrate: upsert chat %s: %w", c.ID, err)
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// inferChatType classifies a chat id the same way the original did: a
// bech32 npub identifies a one-to-one DM, anything else an MLS group's
// wire id.
func inferChatType(chatID string) string {
	if strings.HasPrefix(chatID, "npub1") {
		return "dm"
	}
	return "mls_group"
}

func (r *Runner) migrateMessages(ctx context.Context, store map[string]json.RawMessage, chatIDs []string) (int, error) {
	total := 0
	lastCreatedAt := make(map[string]int64)

	for _, chatID := range chatIDs {
		key := chatMessagesKeyPrefix + chatID
		plain, ok := r.decryptField(ctx, store, key)
		if !ok {
			continue
		}
		var messages []SlimMessage
		if err := json.Unmarshal([]byte(plain), &messages); err != nil {
			continue
		}

		for _, m := range messages {
			msg := storage.Message{
				ID:           m.ID,
				ChatID:       chatID,
				EventID:      m.ID,
				AuthorPubkey: m.Npub,
				Content:      m.Content,
				ReplyToID:    m.ReplyToID,
				Kind:         storage.MessageKindText,
				CreatedAt:    m.At,
				Pending:      m.Pending,
				Failed:       m.Failed,
			}
			inserted, err := storage.InsertMessage(ctx, r.DB, msg)
			if err != nil {
				return total, fmt.Errorf("migrate: insert message %s: %w", m.ID, err)
			}
			if inserted {
				total++
			}
			if m.At > lastCreatedAt[chatID] {
				lastCreatedAt[chatID] = m.At
			}
		}
	}

	for chatID, at := range lastCreatedAt {
		_ = storage.TouchChatLastMessage(ctx, r.DB, chatID, at)
	}
	return total, nil
}

func (r *Runner) migrateSettings(ctx context.Context, store map[string]json.RawMessage) (int, error) {
	raw, ok := store["settings"]
	if !ok {
		return 0, nil
	}
	var settings map[string]json.RawMessage
	if err := json.Unmarshal(raw, &settings); err != nil {
		return 0, nil
	}

	count := 0
	for key, val := range settings {
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			s = string(val)
		}
		if err := storage.SettingsSet(ctx, r.DB, key, s); err != nil {
			return count, fmt.Errorf("migrate: set setting %s: %w", key, err)
		}
		count++
	}
	return count, nil
}

func (r *Runner) migrateMlsGroups(ctx context.Context, store map[string]json.RawMessage) (int, error) {
	plain, ok := r.decryptField(ctx, store, "mls_groups")
	if !ok {
		return 0, nil
	}
	var groups []LegacyMlsGroup
	if err := json.Unmarshal([]byte(plain), &groups); err != nil {
		return 0, nil
	}

	for _, g := range groups {
		if err := storage.UpsertMlsGroup(ctx, r.DB, storage.MlsGroup{
			GroupID:       g.GroupID,
			EngineGroupID: g.EngineGroupID,
			Name:          g.Name,
			CreatedAt:     g.CreatedAt,
			Evicted:       g.Evicted,
		}); err != nil {
			return 0, fmt.Errorf("migrate: insert mls group %s: %w", g.GroupID, err)
		}
	}
	return len(groups), nil
}
