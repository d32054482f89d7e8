package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/foresight-labs/market-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// runs and integration-style tests; semantics match PostgresStore,
// including guarded transitions answering (false, nil) on a lost race.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS news_items (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL,
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL UNIQUE,
	status       TEXT NOT NULL DEFAULT 'ingested',
	published_at DATETIME NOT NULL,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	id              TEXT PRIMARY KEY,
	news_id         TEXT,
	proposal_id     TEXT,
	entities        TEXT NOT NULL DEFAULT '[]',
	event_type      TEXT NOT NULL,
	category_hint   TEXT NOT NULL DEFAULT '',
	relevant_text   TEXT NOT NULL DEFAULT '',
	processed       INTEGER NOT NULL DEFAULT 0,
	draft_market_id TEXT,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS draft_markets (
	id               TEXT PRIMARY KEY,
	candidate_id     TEXT,
	proposal_id      TEXT,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	confidence_score REAL NOT NULL DEFAULT 0,
	rules            TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'draft',
	market_address   TEXT,
	expires_at       DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_draft_markets_status ON draft_markets(status);

CREATE TABLE IF NOT EXISTS validations (
	id         TEXT PRIMARY KEY,
	draft_id   TEXT NOT NULL,
	approved   INTEGER NOT NULL,
	confidence REAL NOT NULL,
	reasons    TEXT NOT NULL DEFAULT '',
	ai_version TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
	id                TEXT PRIMARY KEY,
	submitter_id      TEXT NOT NULL,
	question          TEXT NOT NULL,
	context           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	matched_market_id TEXT,
	draft_market_id   TEXT,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS resolutions (
	id                  TEXT PRIMARY KEY,
	market_id           TEXT NOT NULL,
	result              TEXT NOT NULL,
	reasoning           TEXT NOT NULL DEFAULT '',
	evidence_hash       TEXT NOT NULL DEFAULT '',
	fetches             TEXT NOT NULL DEFAULT '[]',
	status              TEXT NOT NULL DEFAULT 'pending',
	dispute_window_ends DATETIME NOT NULL,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS disputes (
	id            TEXT PRIMARY KEY,
	resolution_id TEXT NOT NULL,
	submitter_id  TEXT NOT NULL,
	reason        TEXT NOT NULL,
	review        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_windows (
	identifier   TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	window_start DATETIME NOT NULL,
	window_type  TEXT NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	UNIQUE (identifier, endpoint, window_start, window_type)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) InsertNews(ctx context.Context, item *model.NewsItem) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO news_items (id, source, url, title, content, content_hash, status, published_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_hash) DO NOTHING`,
		item.ID, item.Source, item.URL, item.Title, item.Content, item.ContentHash,
		string(item.Status), item.PublishedAt, now, now)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert news")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert news rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetNews(ctx context.Context, id string) (*model.NewsItem, error) {
	var item model.NewsItem
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, url, title, content, content_hash, status, published_at, created_at, updated_at FROM news_items WHERE id = ?`,
		id).Scan(&item.ID, &item.Source, &item.URL, &item.Title, &item.Content,
		&item.ContentHash, &status, &item.PublishedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get news %s", id)
	}
	item.Status = model.NewsStatus(status)
	return &item, nil
}

func (s *SQLiteStore) TransitionNews(ctx context.Context, id string, from, to model.NewsStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE news_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) InsertCandidate(ctx context.Context, c *model.Candidate) error {
	entities, err := json.Marshal(c.Entities)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entities")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO candidates (id, news_id, proposal_id, entities, event_type, category_hint, relevant_text, processed, draft_market_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, nullStr(c.NewsID), nullStr(c.ProposalID), string(entities), c.EventType,
		c.CategoryHint, c.RelevantText, c.Processed, nullStr(c.DraftMarketID), now, now)
	return eris.Wrap(err, "sqlite: insert candidate")
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	var c model.Candidate
	var newsID, proposalID, draftID sql.NullString
	var entities string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, news_id, proposal_id, entities, event_type, category_hint, relevant_text, processed, draft_market_id, created_at, updated_at FROM candidates WHERE id = ?`,
		id).Scan(&c.ID, &newsID, &proposalID, &entities, &c.EventType,
		&c.CategoryHint, &c.RelevantText, &c.Processed, &draftID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get candidate %s", id)
	}
	if err := json.Unmarshal([]byte(entities), &c.Entities); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal entities")
	}
	c.NewsID = newsID.String
	c.ProposalID = proposalID.String
	c.DraftMarketID = draftID.String
	return &c, nil
}

func (s *SQLiteStore) MarkCandidateProcessed(ctx context.Context, id, draftMarketID string) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE candidates SET processed = 1, draft_market_id = ?, updated_at = ? WHERE id = ? AND processed = 0`,
		nullStr(draftMarketID), time.Now().UTC(), id)
}

func (s *SQLiteStore) InsertDraft(ctx context.Context, d *model.DraftMarket) error {
	rules, err := json.Marshal(d.Rules)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rules")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO draft_markets (id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, nullStr(d.CandidateID), nullStr(d.ProposalID), d.Title, d.Description,
		d.Category, d.ConfidenceScore, string(rules), string(d.Status),
		nullStr(d.MarketAddress), d.ExpiresAt, now, now)
	return eris.Wrap(err, "sqlite: insert draft")
}

func (s *SQLiteStore) GetDraft(ctx context.Context, id string) (*model.DraftMarket, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at FROM draft_markets WHERE id = ?`,
		id)
	d, err := scanDraftLite(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get draft %s", id)
	}
	return d, nil
}

func (s *SQLiteStore) TransitionDraft(ctx context.Context, id string, from, to model.MarketStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE draft_markets SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) SetDraftPublished(ctx context.Context, id, address string, expiresAt time.Time, from model.MarketStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE draft_markets SET market_address = ?, expires_at = ?, status = ?, updated_at = ? WHERE id = ? AND status = ? AND market_address IS NULL`,
		address, expiresAt, string(model.MarketStatusActive), time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) ListMarketsByStatus(ctx context.Context, status model.MarketStatus, limit int) ([]model.DraftMarket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at
		 FROM draft_markets WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list markets")
	}
	return collectDraftsLite(rows)
}

func (s *SQLiteStore) ListExpiredActiveMarkets(ctx context.Context, now time.Time) ([]model.DraftMarket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at
		 FROM draft_markets WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(model.MarketStatusActive), now)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list expired markets")
	}
	return collectDraftsLite(rows)
}

func (s *SQLiteStore) ListStaleMarkets(ctx context.Context, status model.MarketStatus, updatedBefore time.Time) ([]model.DraftMarket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at
		 FROM draft_markets WHERE status = ? AND updated_at < ?`,
		string(status), updatedBefore)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale markets")
	}
	return collectDraftsLite(rows)
}

func (s *SQLiteStore) InsertValidation(ctx context.Context, v *model.Validation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO validations (id, draft_id, approved, confidence, reasons, ai_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.DraftID, v.Approved, v.Confidence, v.Reasons, v.AIVersion, time.Now().UTC())
	return eris.Wrap(err, "sqlite: insert validation")
}

func (s *SQLiteStore) InsertProposal(ctx context.Context, p *model.Proposal) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proposals (id, submitter_id, question, context, status, matched_market_id, draft_market_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SubmitterID, p.Question, p.Context, string(p.Status),
		nullStr(p.MatchedMarketID), nullStr(p.DraftMarketID), now, now)
	return eris.Wrap(err, "sqlite: insert proposal")
}

func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, submitter_id, question, context, status, matched_market_id, draft_market_id, created_at, updated_at FROM proposals WHERE id = ?`,
		id)
	p, err := scanProposalLite(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get proposal %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) TransitionProposal(ctx context.Context, id string, from, to model.ProposalStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE proposals SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) SetProposalMatched(ctx context.Context, id, marketID string, from model.ProposalStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE proposals SET status = ?, matched_market_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.ProposalStatusMatched), marketID, time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) SetProposalDraft(ctx context.Context, id, draftMarketID string, from model.ProposalStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE proposals SET status = ?, draft_market_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.ProposalStatusDraftCreated), draftMarketID, time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) ListStaleProposals(ctx context.Context, status model.ProposalStatus, updatedBefore time.Time) ([]model.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submitter_id, question, context, status, matched_market_id, draft_market_id, created_at, updated_at
		 FROM proposals WHERE status = ? AND updated_at < ?`,
		string(status), updatedBefore)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale proposals")
	}
	defer rows.Close()

	var out []model.Proposal
	for rows.Next() {
		p, err := scanProposalLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan proposal")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stale proposals iterate")
}

func (s *SQLiteStore) InsertResolution(ctx context.Context, r *model.Resolution) error {
	fetches, err := json.Marshal(r.Fetches)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fetches")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO resolutions (id, market_id, result, reasoning, evidence_hash, fetches, status, dispute_window_ends, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.MarketID, r.Result, r.Reasoning, r.EvidenceHash, string(fetches),
		string(r.Status), r.DisputeWindowEnds, now, now)
	return eris.Wrap(err, "sqlite: insert resolution")
}

func (s *SQLiteStore) GetResolution(ctx context.Context, id string) (*model.Resolution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, market_id, result, reasoning, evidence_hash, fetches, status, dispute_window_ends, created_at, updated_at
		 FROM resolutions WHERE id = ?`,
		id)
	r, err := scanResolutionLite(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get resolution %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) GetResolutionByMarket(ctx context.Context, marketID string) (*model.Resolution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, market_id, result, reasoning, evidence_hash, fetches, status, dispute_window_ends, created_at, updated_at
		 FROM resolutions WHERE market_id = ? ORDER BY created_at DESC LIMIT 1`,
		marketID)
	r, err := scanResolutionLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get resolution for market %s", marketID)
	}
	return r, nil
}

func (s *SQLiteStore) TransitionResolution(ctx context.Context, id string, from, to model.ResolutionStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE resolutions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) SetResolutionResult(ctx context.Context, id, result, reasoning string, from, to model.ResolutionStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE resolutions SET result = ?, reasoning = ?, status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		result, reasoning, string(to), time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) ListFinalizableResolutions(ctx context.Context, now time.Time) ([]model.Resolution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.market_id, r.result, r.reasoning, r.evidence_hash, r.fetches, r.status, r.dispute_window_ends, r.created_at, r.updated_at
		 FROM resolutions r
		 WHERE r.status = ? AND r.dispute_window_ends <= ?
		   AND NOT EXISTS (
			SELECT 1 FROM disputes d
			WHERE d.resolution_id = r.id AND d.status IN ('pending', 'reviewing', 'escalated')
		   )`,
		string(model.ResolutionStatusResolved), now)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list finalizable resolutions")
	}
	defer rows.Close()

	var out []model.Resolution
	for rows.Next() {
		r, err := scanResolutionLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan resolution")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list finalizable iterate")
}

func (s *SQLiteStore) InsertDispute(ctx context.Context, d *model.Dispute) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO disputes (id, resolution_id, submitter_id, reason, review, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ResolutionID, d.SubmitterID, d.Reason, d.Review, string(d.Status), now, now)
	return eris.Wrap(err, "sqlite: insert dispute")
}

func (s *SQLiteStore) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	var d model.Dispute
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, resolution_id, submitter_id, reason, review, status, created_at, updated_at FROM disputes WHERE id = ?`,
		id).Scan(&d.ID, &d.ResolutionID, &d.SubmitterID, &d.Reason, &d.Review,
		&status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get dispute %s", id)
	}
	d.Status = model.DisputeStatus(status)
	return &d, nil
}

func (s *SQLiteStore) TransitionDispute(ctx context.Context, id string, from, to model.DisputeStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE disputes SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) SetDisputeReview(ctx context.Context, id, review string, from, to model.DisputeStatus) (bool, error) {
	return s.guardedUpdate(ctx,
		`UPDATE disputes SET review = ?, status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		review, string(to), time.Now().UTC(), id, string(from))
}

func (s *SQLiteStore) SumRateWindows(ctx context.Context, identifier, endpoint, windowType string, since time.Time) (int, time.Time, error) {
	var count int
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0), MIN(window_start) FROM rate_limit_windows
		 WHERE identifier = ? AND endpoint = ? AND window_type = ? AND window_start > ?`,
		identifier, endpoint, windowType, since).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, eris.Wrap(err, "sqlite: sum rate windows")
	}
	if !oldest.Valid {
		return count, time.Time{}, nil
	}
	return count, oldest.Time, nil
}

func (s *SQLiteStore) IncrementRateWindow(ctx context.Context, identifier, endpoint, windowType string, windowStart time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_windows (identifier, endpoint, window_start, window_type, count)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT (identifier, endpoint, window_start, window_type) DO UPDATE SET count = count + 1`,
		identifier, endpoint, windowStart, windowType)
	return eris.Wrap(err, "sqlite: increment rate window")
}

func (s *SQLiteStore) DeleteRateWindowsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start < ?`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete rate windows")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete rate windows rows affected")
	}
	return int(n), nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Detail, time.Now().UTC())
	return eris.Wrap(err, "sqlite: append audit")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, action, detail, created_at FROM audit_log
		 WHERE entity_type = ? AND entity_id = ? ORDER BY created_at`,
		entityType, entityID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

func (s *SQLiteStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get settings")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan setting")
		}
		out[k] = v
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get settings iterate")
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	return eris.Wrap(err, "sqlite: set setting")
}

func (s *SQLiteStore) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: guarded update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func scanDraftLite(row scannable) (*model.DraftMarket, error) {
	var d model.DraftMarket
	var candidateID, proposalID, address sql.NullString
	var expiresAt sql.NullTime
	var rules, status string
	if err := row.Scan(&d.ID, &candidateID, &proposalID, &d.Title, &d.Description,
		&d.Category, &d.ConfidenceScore, &rules, &status, &address, &expiresAt,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &d.Rules); err != nil {
		return nil, eris.Wrap(err, "unmarshal rules")
	}
	d.CandidateID = candidateID.String
	d.ProposalID = proposalID.String
	d.MarketAddress = address.String
	if expiresAt.Valid {
		t := expiresAt.Time
		d.ExpiresAt = &t
	}
	d.Status = model.MarketStatus(status)
	return &d, nil
}

func collectDraftsLite(rows *sql.Rows) ([]model.DraftMarket, error) {
	defer rows.Close()
	var out []model.DraftMarket
	for rows.Next() {
		d, err := scanDraftLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan draft")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate drafts")
}

func scanProposalLite(row scannable) (*model.Proposal, error) {
	var p model.Proposal
	var status string
	var matched, draft sql.NullString
	if err := row.Scan(&p.ID, &p.SubmitterID, &p.Question, &p.Context, &status,
		&matched, &draft, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = model.ProposalStatus(status)
	p.MatchedMarketID = matched.String
	p.DraftMarketID = draft.String
	return &p, nil
}

func scanResolutionLite(row scannable) (*model.Resolution, error) {
	var r model.Resolution
	var fetches, status string
	if err := row.Scan(&r.ID, &r.MarketID, &r.Result, &r.Reasoning, &r.EvidenceHash,
		&fetches, &status, &r.DisputeWindowEnds, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fetches), &r.Fetches); err != nil {
		return nil, eris.Wrap(err, "unmarshal fetches")
	}
	r.Status = model.ResolutionStatus(status)
	return &r, nil
}
