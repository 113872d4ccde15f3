// Package store persists websites and their audit history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tagaudit/internal/pkg/types"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS websites (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	url           TEXT NOT NULL,
	name          TEXT NOT NULL,
	platform      TEXT NOT NULL,
	verification  TEXT NOT NULL,
	settings      TEXT NOT NULL,
	credentials   TEXT NOT NULL,
	last_audit_id TEXT,
	created_at    INTEGER NOT NULL,
	UNIQUE (owner_id, url)
);

CREATE TABLE IF NOT EXISTS audits (
	id         TEXT PRIMARY KEY,
	website_id TEXT NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
	date       INTEGER NOT NULL,
	status     TEXT NOT NULL,
	findings   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audits_website_date ON audits(website_id, date DESC);
`

// SQLite-backed store. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Opens (creating if needed) the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}
	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=synchronous(NORMAL)"
	return open(dsn, 0)
}

// Opens a private in-memory database, for tests and one-shot runs.
func OpenMemory() (*Store, error) {
	// Every connection to :memory: is a separate database
	return open("file::memory:?_pragma=foreign_keys(1)", 1)
}

func open(dsn string, maxConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: exec schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Inserts a new website. Fails with ErrDuplicate if the owner already
// registered the URL.
func (s *Store) CreateWebsite(ctx context.Context, w *types.Website) error {
	verification, settings, credentials, err := encodeWebsite(w)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO websites (id, owner_id, url, name, platform, verification, settings, credentials, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.URL, w.Name, string(w.Platform),
		verification, settings, credentials, w.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("website %s: %w", w.URL, ErrDuplicate)
		}
		return fmt.Errorf("store: insert website: %w", err)
	}
	return nil
}

// Overwrites the mutable fields of a website.
func (s *Store) UpdateWebsite(ctx context.Context, w *types.Website) error {
	verification, settings, credentials, err := encodeWebsite(w)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE websites
		SET name = ?, platform = ?, verification = ?, settings = ?, credentials = ?
		WHERE id = ?`,
		w.Name, string(w.Platform), verification, settings, credentials, w.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update website: %w", err)
	}
	return expectRow(res, "website", w.ID)
}

// Deletes a website. Its audit history goes with it.
func (s *Store) DeleteWebsite(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM websites WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete website: %w", err)
	}
	return expectRow(res, "website", id)
}

// Loads a website together with its last audit.
func (s *Store) GetWebsite(ctx context.Context, id string) (*types.Website, error) {
	row := s.db.QueryRowContext(ctx, websiteSelect+` WHERE w.id = ?`, id)
	w, err := scanWebsite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("website %s: %w", id, ErrNotFound)
	}
	return w, err
}

// Lists all websites, oldest first.
func (s *Store) ListWebsites(ctx context.Context) ([]types.Website, error) {
	rows, err := s.db.QueryContext(ctx, websiteSelect+` ORDER BY w.created_at, w.id`)
	if err != nil {
		return nil, fmt.Errorf("store: list websites: %w", err)
	}
	defer rows.Close()

	websites := []types.Website{}
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, err
		}
		websites = append(websites, *w)
	}
	return websites, rows.Err()
}

// Appends an audit to the website's history and makes it the last audit.
func (s *Store) SaveAudit(ctx context.Context, record *types.AuditRecord) error {
	findings, err := json.Marshal(record.Result.Findings)
	if err != nil {
		return fmt.Errorf("store: encode findings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audits (id, website_id, date, status, findings) VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.WebsiteID, record.Result.Date.UnixNano(), string(record.Result.Status), string(findings),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("website %s: %w", record.WebsiteID, ErrNotFound)
		}
		return fmt.Errorf("store: insert audit: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE websites SET last_audit_id = ? WHERE id = ?`, record.ID, record.WebsiteID)
	if err != nil {
		return fmt.Errorf("store: set last audit: %w", err)
	}
	if err := expectRow(res, "website", record.WebsiteID); err != nil {
		return err
	}
	return tx.Commit()
}

// Rewrites the findings of a stored audit, used by the fix workflow.
func (s *Store) UpdateAuditFindings(ctx context.Context, record *types.AuditRecord) error {
	findings, err := json.Marshal(record.Result.Findings)
	if err != nil {
		return fmt.Errorf("store: encode findings: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE audits SET findings = ? WHERE id = ? AND website_id = ?`,
		string(findings), record.ID, record.WebsiteID)
	if err != nil {
		return fmt.Errorf("store: update findings: %w", err)
	}
	return expectRow(res, "audit", record.ID)
}

// Loads one audit of a website.
func (s *Store) GetAudit(ctx context.Context, websiteID, auditID string) (*types.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, website_id, date, status, findings FROM audits WHERE id = ? AND website_id = ?`,
		auditID, websiteID)
	record, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit %s: %w", auditID, ErrNotFound)
	}
	return record, err
}

// Lists a website's audits, newest first. limit <= 0 means no limit.
func (s *Store) ListAudits(ctx context.Context, websiteID string, limit int) ([]types.AuditRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, website_id, date, status, findings FROM audits
		WHERE website_id = ? ORDER BY date DESC, rowid DESC LIMIT ?`,
		websiteID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audits: %w", err)
	}
	defer rows.Close()

	records := []types.AuditRecord{}
	for rows.Next() {
		record, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

const websiteSelect = `
	SELECT w.id, w.owner_id, w.url, w.name, w.platform, w.verification, w.settings, w.credentials, w.created_at,
	       a.id, a.website_id, a.date, a.status, a.findings
	FROM websites w
	LEFT JOIN audits a ON a.id = w.last_audit_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanWebsite(row scanner) (*types.Website, error) {
	var (
		w                                   types.Website
		platform                            string
		verification, settings, credentials string
		createdAt                           int64
		auditID, auditWebsite, auditStatus  sql.NullString
		auditFindings                       sql.NullString
		auditDate                           sql.NullInt64
	)
	err := row.Scan(&w.ID, &w.OwnerID, &w.URL, &w.Name, &platform, &verification, &settings, &credentials, &createdAt,
		&auditID, &auditWebsite, &auditDate, &auditStatus, &auditFindings)
	if err != nil {
		return nil, err
	}

	w.Platform = types.Platform(platform)
	w.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(verification), &w.Verification); err != nil {
		return nil, fmt.Errorf("store: decode verification: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &w.Settings); err != nil {
		return nil, fmt.Errorf("store: decode settings: %w", err)
	}
	var stored storedCredentials
	if err := json.Unmarshal([]byte(credentials), &stored); err != nil {
		return nil, fmt.Errorf("store: decode credentials: %w", err)
	}
	w.Credentials = types.PlatformCredentials(stored)

	if auditID.Valid {
		record, err := decodeAudit(auditID.String, auditWebsite.String, auditDate.Int64, auditStatus.String, auditFindings.String)
		if err != nil {
			return nil, err
		}
		w.LastAudit = record
	}
	return &w, nil
}

func scanAudit(row scanner) (*types.AuditRecord, error) {
	var (
		id, websiteID, status, findings string
		date                            int64
	)
	if err := row.Scan(&id, &websiteID, &date, &status, &findings); err != nil {
		return nil, err
	}
	return decodeAudit(id, websiteID, date, status, findings)
}

func decodeAudit(id, websiteID string, date int64, status, findings string) (*types.AuditRecord, error) {
	record := &types.AuditRecord{
		ID:        id,
		WebsiteID: websiteID,
		Result: types.AuditResult{
			Date:     time.Unix(0, date).UTC(),
			Status:   types.AuditStatus(status),
			Findings: []types.Finding{},
		},
	}
	if err := json.Unmarshal([]byte(findings), &record.Result.Findings); err != nil {
		return nil, fmt.Errorf("store: decode findings: %w", err)
	}
	return record, nil
}

// Stored form of the credentials, secrets included.
type storedCredentials struct {
	Token        string `json:"token,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	TagManagerID string `json:"tag_manager_id,omitempty"`
	AnalyticsID  string `json:"analytics_id,omitempty"`
	ClarityID    string `json:"clarity_id,omitempty"`
}

func encodeWebsite(w *types.Website) (verification, settings, credentials string, err error) {
	v, err := json.Marshal(w.Verification)
	if err != nil {
		return "", "", "", fmt.Errorf("store: encode verification: %w", err)
	}
	s, err := json.Marshal(w.Settings)
	if err != nil {
		return "", "", "", fmt.Errorf("store: encode settings: %w", err)
	}
	c, err := json.Marshal(storedCredentials(w.Credentials))
	if err != nil {
		return "", "", "", fmt.Errorf("store: encode credentials: %w", err)
	}
	return string(v), string(s), string(c), nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
