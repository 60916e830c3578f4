package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/protocol"
	"github.com/joss/crabrelay/internal/store"
)

// SQLite is the directory store.
type SQLite struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the directory database at path.
func Open(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLite{db: db, path: path, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mobile_links (
		token_hash TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_mobile_links_device ON mobile_links(device_id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		client_session_id TEXT NOT NULL,
		cwd TEXT NOT NULL DEFAULT '',
		platform TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'ready',
		is_active INTEGER NOT NULL DEFAULT 1,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		prompts INTEGER NOT NULL DEFAULT 0,
		completions INTEGER NOT NULL DEFAULT 0,
		tool_calls INTEGER NOT NULL DEFAULT 0,
		thinking_seconds INTEGER NOT NULL DEFAULT 0,
		share_token TEXT UNIQUE,
		UNIQUE (device_id, client_session_id),
		FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, started_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func errInvalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...)
}

// Device operations

// RegisterDevice stores d. Repeating a registration with the same secret
// hash is a no-op; a different hash for a known id is ErrConflict.
func (s *SQLite) RegisterDevice(ctx context.Context, d Device) (*Device, error) {
	d.SecretHash = normalizeHash(d.SecretHash)
	if !ValidDeviceID(d.ID) {
		return nil, errInvalid("device_id %q", d.ID)
	}
	if !validSecretHash(d.SecretHash) {
		return nil, errInvalid("secret_hash")
	}

	existing, err := s.GetDevice(ctx, d.ID)
	switch {
	case err == nil:
		if existing.SecretHash != d.SecretHash {
			return nil, fmt.Errorf("%w: device %s registered with another secret", ErrConflict, d.ID)
		}
		if d.Name != "" && d.Name != existing.Name {
			if _, err := s.db.ExecContext(ctx, `UPDATE devices SET name = ? WHERE id = ?`, d.Name, d.ID); err != nil {
				return nil, err
			}
			existing.Name = d.Name
		}
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	d.CreatedAt = s.now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, secret_hash, name, created_at) VALUES (?, ?, ?, ?)
	`, d.ID, d.SecretHash, d.Name, d.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert device: %w", err)
	}
	return &d, nil
}

func (s *SQLite) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, secret_hash, name, created_at FROM devices WHERE id = ?
	`, id).Scan(&d.ID, &d.SecretHash, &d.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("device", id)
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt = time.UnixMilli(created).UTC()
	return &d, nil
}

func (s *SQLite) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, secret_hash, name, created_at FROM devices ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var d Device
		var created int64
		if err := rows.Scan(&d.ID, &d.SecretHash, &d.Name, &created); err != nil {
			return nil, err
		}
		d.CreatedAt = time.UnixMilli(created).UTC()
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

// DeviceSecretHash returns the signing key of a device.
func (s *SQLite) DeviceSecretHash(ctx context.Context, deviceID string) (string, error) {
	d, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return "", err
	}
	return d.SecretHash, nil
}

// Mobile link operations

// CreateMobileLink issues a bearer token for deviceID. The token is
// returned once; only its hash is stored.
func (s *SQLite) CreateMobileLink(ctx context.Context, deviceID, name string) (string, *MobileLink, error) {
	if _, err := s.GetDevice(ctx, deviceID); err != nil {
		return "", nil, err
	}

	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	link := &MobileLink{
		TokenHash: auth.HashToken(token),
		DeviceID:  deviceID,
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mobile_links (token_hash, device_id, name, created_at) VALUES (?, ?, ?, ?)
	`, link.TokenHash, link.DeviceID, link.Name, link.CreatedAt.UnixMilli())
	if err != nil {
		return "", nil, fmt.Errorf("insert mobile link: %w", err)
	}
	return token, link, nil
}

// DeviceForMobileToken resolves a bearer token hash to its device.
func (s *SQLite) DeviceForMobileToken(ctx context.Context, tokenHash string) (string, error) {
	var deviceID string
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id FROM mobile_links WHERE token_hash = ?
	`, tokenHash).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.NewNotFoundError("mobile link", "token")
	}
	return deviceID, err
}

// RevokeMobileLinks deletes every mobile link of deviceID and returns how
// many there were.
func (s *SQLite) RevokeMobileLinks(ctx context.Context, deviceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mobile_links WHERE device_id = ?`, deviceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Session operations

const sessionColumns = `id, device_id, client_session_id, cwd, platform, state, is_active,
	started_at, ended_at, prompts, completions, tool_calls, thinking_seconds, share_token`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var platform, state string
	var endedAt sql.NullInt64
	var share sql.NullString
	err := row.Scan(&sess.ID, &sess.DeviceID, &sess.ClientSessionID, &sess.Cwd, &platform, &state, &sess.Active,
		&sess.StartedAt, &endedAt, &sess.Stats.Prompts, &sess.Stats.Completions, &sess.Stats.ToolCalls,
		&sess.Stats.ThinkingSeconds, &share)
	if err != nil {
		return nil, err
	}
	sess.Platform = protocol.Platform(platform)
	sess.State = protocol.LifecycleState(state)
	if endedAt.Valid {
		v := endedAt.Int64
		sess.EndedAt = &v
	}
	if share.Valid {
		v := share.String
		sess.ShareToken = &v
	}
	return &sess, nil
}

// CreateSession returns the session for (deviceID, ClientSessionID),
// creating it if needed. created reports whether a row was inserted.
func (s *SQLite) CreateSession(ctx context.Context, deviceID string, in NewSession) (sess *Session, created bool, err error) {
	in.ClientSessionID = strings.TrimSpace(in.ClientSessionID)
	if in.ClientSessionID == "" {
		return nil, false, errInvalid("client_session_id is required")
	}
	platform, ok := protocol.ParsePlatform(in.Platform)
	if !ok {
		return nil, false, errInvalid("platform %q", in.Platform)
	}

	if existing, err := s.sessionByClientID(ctx, deviceID, in.ClientSessionID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	sess = &Session{
		ID:              strings.ToLower(ulid.Make().String()),
		DeviceID:        deviceID,
		ClientSessionID: in.ClientSessionID,
		Cwd:             in.Cwd,
		Platform:        platform,
		State:           protocol.StateReady,
		Active:          true,
		StartedAt:       s.now().UnixMilli(),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, device_id, client_session_id, cwd, platform, state, is_active, started_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(device_id, client_session_id) DO NOTHING
	`, sess.ID, sess.DeviceID, sess.ClientSessionID, sess.Cwd, string(sess.Platform), string(sess.State), sess.StartedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost a race with a concurrent create for the same pair
		existing, err := s.sessionByClientID(ctx, deviceID, in.ClientSessionID)
		return existing, false, err
	}
	return sess, true, nil
}

func (s *SQLite) sessionByClientID(ctx context.Context, deviceID, clientID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE device_id = ? AND client_session_id = ?`, deviceID, clientID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("session", clientID)
	}
	return sess, err
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewNotFoundError("session", id)
	}
	return sess, err
}

// ListSessions returns deviceID's sessions, newest first.
func (s *SQLite) ListSessions(ctx context.Context, deviceID string, filter store.Filter) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM sessions WHERE device_id = ? ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?
	`, deviceID, filter.SQLLimit(), filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession applies p to session id and returns the updated record.
func (s *SQLite) UpdateSession(ctx context.Context, id string, p SessionPatch) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var sets []string
	var args []interface{}
	if p.EndedAt != nil {
		sets = append(sets, "ended_at = ?", "is_active = 0")
		args = append(args, *p.EndedAt*1000)
	}
	if p.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*p.State))
	}
	if p.Stats != nil {
		sets = append(sets, "prompts = ?", "completions = ?", "tool_calls = ?", "thinking_seconds = ?")
		args = append(args, p.Stats.Prompts, p.Stats.Completions, p.Stats.ToolCalls, p.Stats.ThinkingSeconds)
	}
	if len(sets) == 0 {
		return s.GetSession(ctx, id)
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.NewNotFoundError("session", id)
	}
	return s.GetSession(ctx, id)
}

func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NewNotFoundError("session", id)
	}
	return nil
}

// ShareSession returns the share token of session id, minting one on first
// use.
func (s *SQLite) ShareSession(ctx context.Context, id string) (string, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.ShareToken != nil {
		return *sess.ShareToken, nil
	}

	token := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET share_token = ? WHERE id = ? AND share_token IS NULL
	`, token, id)
	if err != nil {
		return "", fmt.Errorf("share session: %w", err)
	}

	sess, err = s.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return *sess.ShareToken, nil
}

// SessionForShareToken resolves a share token to its session id.
func (s *SQLite) SessionForShareToken(ctx context.Context, token string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions WHERE share_token = ?`, token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.NewNotFoundError("share token", "token")
	}
	return id, err
}
