package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/foresight-labs/market-pipeline/internal/db"
	"github.com/foresight-labs/market-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot paths: every message consumed touches at least one of these.
var preparedStatements = map[string]string{
	"get_news":         `SELECT id, source, url, title, content, content_hash, status, published_at, created_at, updated_at FROM news_items WHERE id = $1`,
	"get_candidate":    `SELECT id, news_id, proposal_id, entities, event_type, category_hint, relevant_text, processed, draft_market_id, created_at, updated_at FROM candidates WHERE id = $1`,
	"get_draft":        `SELECT id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at FROM draft_markets WHERE id = $1`,
	"transition_news":  `UPDATE news_items SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
	"transition_draft": `UPDATE draft_markets SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS news_items (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	url          TEXT NOT NULL,
	title        TEXT NOT NULL,
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL UNIQUE,
	status       TEXT NOT NULL DEFAULT 'ingested',
	published_at TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_news_items_status ON news_items(status);

CREATE TABLE IF NOT EXISTS candidates (
	id              TEXT PRIMARY KEY,
	news_id         TEXT,
	proposal_id     TEXT,
	entities        JSONB NOT NULL DEFAULT '[]',
	event_type      TEXT NOT NULL,
	category_hint   TEXT NOT NULL DEFAULT '',
	relevant_text   TEXT NOT NULL DEFAULT '',
	processed       BOOLEAN NOT NULL DEFAULT FALSE,
	draft_market_id TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_candidates_processed ON candidates(processed);

CREATE TABLE IF NOT EXISTS draft_markets (
	id               TEXT PRIMARY KEY,
	candidate_id     TEXT,
	proposal_id      TEXT,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	rules            JSONB NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'draft',
	market_address   TEXT,
	expires_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_draft_markets_status ON draft_markets(status);
CREATE INDEX IF NOT EXISTS idx_draft_markets_status_expires ON draft_markets(status, expires_at);

CREATE TABLE IF NOT EXISTS validations (
	id         TEXT PRIMARY KEY,
	draft_id   TEXT NOT NULL REFERENCES draft_markets(id),
	approved   BOOLEAN NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	reasons    TEXT NOT NULL DEFAULT '',
	ai_version TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS proposals (
	id                TEXT PRIMARY KEY,
	submitter_id      TEXT NOT NULL,
	question          TEXT NOT NULL,
	context           TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'pending',
	matched_market_id TEXT,
	draft_market_id   TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);

CREATE TABLE IF NOT EXISTS resolutions (
	id                  TEXT PRIMARY KEY,
	market_id           TEXT NOT NULL REFERENCES draft_markets(id),
	result              TEXT NOT NULL,
	reasoning           TEXT NOT NULL DEFAULT '',
	evidence_hash       TEXT NOT NULL DEFAULT '',
	fetches             JSONB NOT NULL DEFAULT '[]',
	status              TEXT NOT NULL DEFAULT 'pending',
	dispute_window_ends TIMESTAMPTZ NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_resolutions_market_id ON resolutions(market_id);
CREATE INDEX IF NOT EXISTS idx_resolutions_status_window ON resolutions(status, dispute_window_ends);

CREATE TABLE IF NOT EXISTS disputes (
	id            TEXT PRIMARY KEY,
	resolution_id TEXT NOT NULL REFERENCES resolutions(id),
	submitter_id  TEXT NOT NULL,
	reason        TEXT NOT NULL,
	review        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_disputes_resolution_id ON disputes(resolution_id);

CREATE TABLE IF NOT EXISTS rate_limit_windows (
	identifier   TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	window_type  TEXT NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0,
	UNIQUE (identifier, endpoint, window_start, window_type)
);

CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_start ON rate_limit_windows(window_start);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	action      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InsertNews inserts a news item, reporting false on a content-hash
// collision without inserting.
func (s *PostgresStore) InsertNews(ctx context.Context, item *model.NewsItem) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO news_items (id, source, url, title, content, content_hash, status, published_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (content_hash) DO NOTHING`,
		item.ID, item.Source, item.URL, item.Title, item.Content, item.ContentHash,
		string(item.Status), item.PublishedAt, time.Now().UTC())
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert news")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetNews(ctx context.Context, id string) (*model.NewsItem, error) {
	var item model.NewsItem
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, source, url, title, content, content_hash, status, published_at, created_at, updated_at FROM news_items WHERE id = $1`,
		id).Scan(&item.ID, &item.Source, &item.URL, &item.Title, &item.Content,
		&item.ContentHash, &status, &item.PublishedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get news %s", id)
	}
	item.Status = model.NewsStatus(status)
	return &item, nil
}

func (s *PostgresStore) TransitionNews(ctx context.Context, id string, from, to model.NewsStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE news_items SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition news %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) InsertCandidate(ctx context.Context, c *model.Candidate) error {
	entities, err := json.Marshal(c.Entities)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entities")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO candidates (id, news_id, proposal_id, entities, event_type, category_hint, relevant_text, processed, draft_market_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, nullStr(c.NewsID), nullStr(c.ProposalID), entities, c.EventType,
		c.CategoryHint, c.RelevantText, c.Processed, nullStr(c.DraftMarketID), time.Now().UTC())
	return eris.Wrap(err, "postgres: insert candidate")
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	var c model.Candidate
	var newsID, proposalID, draftID *string
	var entities []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, news_id, proposal_id, entities, event_type, category_hint, relevant_text, processed, draft_market_id, created_at, updated_at FROM candidates WHERE id = $1`,
		id).Scan(&c.ID, &newsID, &proposalID, &entities, &c.EventType,
		&c.CategoryHint, &c.RelevantText, &c.Processed, &draftID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get candidate %s", id)
	}
	if err := json.Unmarshal(entities, &c.Entities); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal entities")
	}
	c.NewsID = deref(newsID)
	c.ProposalID = deref(proposalID)
	c.DraftMarketID = deref(draftID)
	return &c, nil
}

func (s *PostgresStore) MarkCandidateProcessed(ctx context.Context, id, draftMarketID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE candidates SET processed = TRUE, draft_market_id = $1, updated_at = $2 WHERE id = $3 AND processed = FALSE`,
		nullStr(draftMarketID), time.Now().UTC(), id)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark candidate processed %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) InsertDraft(ctx context.Context, d *model.DraftMarket) error {
	rules, err := json.Marshal(d.Rules)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal rules")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO draft_markets (id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
		d.ID, nullStr(d.CandidateID), nullStr(d.ProposalID), d.Title, d.Description,
		d.Category, d.ConfidenceScore, rules, string(d.Status), nullStr(d.MarketAddress),
		d.ExpiresAt, time.Now().UTC())
	return eris.Wrap(err, "postgres: insert draft")
}

func (s *PostgresStore) GetDraft(ctx context.Context, id string) (*model.DraftMarket, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at FROM draft_markets WHERE id = $1`,
		id)
	d, err := scanDraft(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get draft %s", id)
	}
	return d, nil
}

func (s *PostgresStore) TransitionDraft(ctx context.Context, id string, from, to model.MarketStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE draft_markets SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition draft %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetDraftPublished(ctx context.Context, id, address string, expiresAt time.Time, from model.MarketStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE draft_markets SET market_address = $1, expires_at = $2, status = $3, updated_at = $4 WHERE id = $5 AND status = $6 AND market_address IS NULL`,
		address, expiresAt, string(model.MarketStatusActive), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set draft published %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListMarketsByStatus(ctx context.Context, status model.MarketStatus, limit int) ([]model.DraftMarket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at
		 FROM draft_markets WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list markets")
	}
	return collectDrafts(rows)
}

func (s *PostgresStore) ListExpiredActiveMarkets(ctx context.Context, now time.Time) ([]model.DraftMarket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at
		 FROM draft_markets WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2`,
		string(model.MarketStatusActive), now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list expired markets")
	}
	return collectDrafts(rows)
}

func (s *PostgresStore) ListStaleMarkets(ctx context.Context, status model.MarketStatus, updatedBefore time.Time) ([]model.DraftMarket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, candidate_id, proposal_id, title, description, category, confidence_score, rules, status, market_address, expires_at, created_at, updated_at
		 FROM draft_markets WHERE status = $1 AND updated_at < $2`,
		string(status), updatedBefore)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale markets")
	}
	return collectDrafts(rows)
}

func (s *PostgresStore) InsertValidation(ctx context.Context, v *model.Validation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO validations (id, draft_id, approved, confidence, reasons, ai_version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.DraftID, v.Approved, v.Confidence, v.Reasons, v.AIVersion, time.Now().UTC())
	return eris.Wrap(err, "postgres: insert validation")
}

func (s *PostgresStore) InsertProposal(ctx context.Context, p *model.Proposal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO proposals (id, submitter_id, question, context, status, matched_market_id, draft_market_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		p.ID, p.SubmitterID, p.Question, p.Context, string(p.Status),
		nullStr(p.MatchedMarketID), nullStr(p.DraftMarketID), time.Now().UTC())
	return eris.Wrap(err, "postgres: insert proposal")
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	var p model.Proposal
	var status string
	var matched, draft *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, submitter_id, question, context, status, matched_market_id, draft_market_id, created_at, updated_at FROM proposals WHERE id = $1`,
		id).Scan(&p.ID, &p.SubmitterID, &p.Question, &p.Context, &status,
		&matched, &draft, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get proposal %s", id)
	}
	p.Status = model.ProposalStatus(status)
	p.MatchedMarketID = deref(matched)
	p.DraftMarketID = deref(draft)
	return &p, nil
}

func (s *PostgresStore) TransitionProposal(ctx context.Context, id string, from, to model.ProposalStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proposals SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition proposal %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetProposalMatched(ctx context.Context, id, marketID string, from model.ProposalStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proposals SET status = $1, matched_market_id = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(model.ProposalStatusMatched), marketID, time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set proposal matched %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetProposalDraft(ctx context.Context, id, draftMarketID string, from model.ProposalStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proposals SET status = $1, draft_market_id = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		string(model.ProposalStatusDraftCreated), draftMarketID, time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set proposal draft %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListStaleProposals(ctx context.Context, status model.ProposalStatus, updatedBefore time.Time) ([]model.Proposal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, submitter_id, question, context, status, matched_market_id, draft_market_id, created_at, updated_at
		 FROM proposals WHERE status = $1 AND updated_at < $2`,
		string(status), updatedBefore)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale proposals")
	}
	defer rows.Close()

	var out []model.Proposal
	for rows.Next() {
		var p model.Proposal
		var st string
		var matched, draft *string
		if err := rows.Scan(&p.ID, &p.SubmitterID, &p.Question, &p.Context, &st,
			&matched, &draft, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan proposal")
		}
		p.Status = model.ProposalStatus(st)
		p.MatchedMarketID = deref(matched)
		p.DraftMarketID = deref(draft)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stale proposals iterate")
}

func (s *PostgresStore) InsertResolution(ctx context.Context, r *model.Resolution) error {
	fetches, err := json.Marshal(r.Fetches)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fetches")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO resolutions (id, market_id, result, reasoning, evidence_hash, fetches, status, dispute_window_ends, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		r.ID, r.MarketID, r.Result, r.Reasoning, r.EvidenceHash, fetches,
		string(r.Status), r.DisputeWindowEnds, time.Now().UTC())
	return eris.Wrap(err, "postgres: insert resolution")
}

func (s *PostgresStore) GetResolution(ctx context.Context, id string) (*model.Resolution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, market_id, result, reasoning, evidence_hash, fetches, status, dispute_window_ends, created_at, updated_at
		 FROM resolutions WHERE id = $1`,
		id)
	r, err := scanResolution(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get resolution %s", id)
	}
	return r, nil
}

func (s *PostgresStore) GetResolutionByMarket(ctx context.Context, marketID string) (*model.Resolution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, market_id, result, reasoning, evidence_hash, fetches, status, dispute_window_ends, created_at, updated_at
		 FROM resolutions WHERE market_id = $1 ORDER BY created_at DESC LIMIT 1`,
		marketID)
	r, err := scanResolution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get resolution for market %s", marketID)
	}
	return r, nil
}

func (s *PostgresStore) TransitionResolution(ctx context.Context, id string, from, to model.ResolutionStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE resolutions SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition resolution %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetResolutionResult(ctx context.Context, id, result, reasoning string, from, to model.ResolutionStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE resolutions SET result = $1, reasoning = $2, status = $3, updated_at = $4 WHERE id = $5 AND status = $6`,
		result, reasoning, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set resolution result %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListFinalizableResolutions(ctx context.Context, now time.Time) ([]model.Resolution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.id, r.market_id, r.result, r.reasoning, r.evidence_hash, r.fetches, r.status, r.dispute_window_ends, r.created_at, r.updated_at
		 FROM resolutions r
		 WHERE r.status = $1 AND r.dispute_window_ends <= $2
		   AND NOT EXISTS (
			SELECT 1 FROM disputes d
			WHERE d.resolution_id = r.id AND d.status IN ('pending', 'reviewing', 'escalated')
		   )`,
		string(model.ResolutionStatusResolved), now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list finalizable resolutions")
	}
	defer rows.Close()

	var out []model.Resolution
	for rows.Next() {
		r, err := scanResolution(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan resolution")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list finalizable iterate")
}

func (s *PostgresStore) InsertDispute(ctx context.Context, d *model.Dispute) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO disputes (id, resolution_id, submitter_id, reason, review, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		d.ID, d.ResolutionID, d.SubmitterID, d.Reason, d.Review, string(d.Status), time.Now().UTC())
	return eris.Wrap(err, "postgres: insert dispute")
}

func (s *PostgresStore) GetDispute(ctx context.Context, id string) (*model.Dispute, error) {
	var d model.Dispute
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, resolution_id, submitter_id, reason, review, status, created_at, updated_at FROM disputes WHERE id = $1`,
		id).Scan(&d.ID, &d.ResolutionID, &d.SubmitterID, &d.Reason, &d.Review,
		&status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get dispute %s", id)
	}
	d.Status = model.DisputeStatus(status)
	return &d, nil
}

func (s *PostgresStore) TransitionDispute(ctx context.Context, id string, from, to model.DisputeStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE disputes SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition dispute %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SetDisputeReview(ctx context.Context, id, review string, from, to model.DisputeStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE disputes SET review = $1, status = $2, updated_at = $3 WHERE id = $4 AND status = $5`,
		review, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set dispute review %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SumRateWindows(ctx context.Context, identifier, endpoint, windowType string, since time.Time) (int, time.Time, error) {
	var count int
	var oldest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(count), 0), MIN(window_start) FROM rate_limit_windows
		 WHERE identifier = $1 AND endpoint = $2 AND window_type = $3 AND window_start > $4`,
		identifier, endpoint, windowType, since).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, eris.Wrap(err, "postgres: sum rate windows")
	}
	if oldest == nil {
		return count, time.Time{}, nil
	}
	return count, *oldest, nil
}

func (s *PostgresStore) IncrementRateWindow(ctx context.Context, identifier, endpoint, windowType string, windowStart time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_limit_windows (identifier, endpoint, window_start, window_type, count)
		 VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (identifier, endpoint, window_start, window_type) DO UPDATE SET count = rate_limit_windows.count + 1`,
		identifier, endpoint, windowStart, windowType)
	return eris.Wrap(err, "postgres: increment rate window")
}

func (s *PostgresStore) DeleteRateWindowsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rate_limit_windows WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete rate windows")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, entity_type, entity_id, action, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Detail, time.Now().UTC())
	return eris.Wrap(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, action, detail, created_at FROM audit_log
		 WHERE entity_type = $1 AND entity_id = $2 ORDER BY created_at`,
		entityType, entityID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

func (s *PostgresStore) GetSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get settings")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, eris.Wrap(err, "postgres: scan setting")
		}
		out[k] = v
	}
	return out, eris.Wrap(rows.Err(), "postgres: get settings iterate")
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	return eris.Wrap(err, "postgres: set setting")
}

func scanDraft(row pgx.Row) (*model.DraftMarket, error) {
	var d model.DraftMarket
	var candidateID, proposalID, address *string
	var rules []byte
	var status string
	if err := row.Scan(&d.ID, &candidateID, &proposalID, &d.Title, &d.Description,
		&d.Category, &d.ConfidenceScore, &rules, &status, &address, &d.ExpiresAt,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &d.Rules); err != nil {
		return nil, eris.Wrap(err, "unmarshal rules")
	}
	d.CandidateID = deref(candidateID)
	d.ProposalID = deref(proposalID)
	d.MarketAddress = deref(address)
	d.Status = model.MarketStatus(status)
	return &d, nil
}

func collectDrafts(rows pgx.Rows) ([]model.DraftMarket, error) {
	defer rows.Close()
	var out []model.DraftMarket
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan draft")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate drafts")
}

func scanResolution(row pgx.Row) (*model.Resolution, error) {
	var r model.Resolution
	var fetches []byte
	var status string
	if err := row.Scan(&r.ID, &r.MarketID, &r.Result, &r.Reasoning, &r.EvidenceHash,
		&fetches, &status, &r.DisputeWindowEnds, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fetches, &r.Fetches); err != nil {
		return nil, eris.Wrap(err, "unmarshal fetches")
	}
	r.Status = model.ResolutionStatus(status)
	return &r, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
