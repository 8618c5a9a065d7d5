package entity

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/db"
	"github.com/sells-group/reconcile-cli/internal/identifier"
)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const entityColumns = `id, name, COALESCE(domain, ''), COALESCE(linkedin_url, ''), created_at, updated_at`

// GetEntity fetches an entity by ID. Returns (nil, nil) when absent.
func (s *PostgresStore) GetEntity(ctx context.Context, id int64) (*Record, error) {
	r := &Record{}
	err := s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Domain, &r.LinkedInURL, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "entity: get %d", id)
	}
	return r, nil
}

// GetByIdentifier returns every entity holding the identifier. Domain and
// LinkedIn URL live as columns on entities; other kinds go through the
// entity_identifiers side table.
func (s *PostgresStore) GetByIdentifier(ctx context.Context, n identifier.Normalized) ([]Record, error) {
	var rows pgx.Rows
	var err error
	switch n.Kind {
	case identifier.KindDomain:
		rows, err = s.pool.Query(ctx, `SELECT `+entityColumns+` FROM entities WHERE domain = $1 ORDER BY id`, n.Value)
	case identifier.KindLinkedIn:
		rows, err = s.pool.Query(ctx, `SELECT `+entityColumns+` FROM entities WHERE linkedin_url = $1 ORDER BY id`, n.Value)
	default:
		rows, err = s.pool.Query(ctx, `
			SELECT `+entityColumns+`
			FROM entities e
			JOIN entity_identifiers ei ON e.id = ei.entity_id
			WHERE ei.kind = $1 AND ei.value = $2
			ORDER BY e.id`, string(n.Kind), n.Value)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "entity: get by identifier %s", n.Key())
	}
	defer rows.Close()
	return scanRecords(rows)
}

// CreateEntity inserts a new entity plus its identifiers and sets its ID.
func (s *PostgresStore) CreateEntity(ctx context.Context, r *Record, ids []identifier.Normalized) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO entities (name, domain, linkedin_url)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		RETURNING id, created_at, updated_at`,
		r.Name, r.Domain, r.LinkedInURL,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "entity: create")
	}

	for _, n := range ids {
		if err := s.UpsertIdentifier(ctx, r.ID, n); err != nil {
			return err
		}
	}
	return nil
}

// GetFields returns all enriched fields for an entity, keyed by field name.
func (s *PostgresStore) GetFields(ctx context.Context, entityID int64) (map[string]Field, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_id, name, value, source, confidence, observed_at
		FROM entity_fields WHERE entity_id = $1`, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "entity: get fields for %d", entityID)
	}
	defer rows.Close()

	fields := make(map[string]Field)
	for rows.Next() {
		var f Field
		var raw []byte
		if err := rows.Scan(&f.EntityID, &f.Name, &raw, &f.Source, &f.Confidence, &f.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "entity: scan field")
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &f.Value); err != nil {
				return nil, eris.Wrapf(err, "entity: decode field %s", f.Name)
			}
		}
		fields[f.Name] = f
	}
	return fields, rows.Err()
}

// UpsertFields writes field values with their provenance columns.
func (s *PostgresStore) UpsertFields(ctx context.Context, entityID int64, fields []Field) error {
	for _, f := range fields {
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return eris.Wrapf(err, "entity: encode field %s", f.Name)
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO entity_fields (entity_id, name, value, source, confidence, observed_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (entity_id, name) DO UPDATE SET
				value = EXCLUDED.value,
				source = EXCLUDED.source,
				confidence = EXCLUDED.confidence,
				observed_at = EXCLUDED.observed_at,
				updated_at = now()`,
			entityID, f.Name, raw, f.Source, f.Confidence, f.ObservedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "entity: upsert field %s for %d", f.Name, entityID)
		}
	}

	_, err := s.pool.Exec(ctx, `UPDATE entities SET updated_at = now() WHERE id = $1`, entityID)
	if err != nil {
		return eris.Wrapf(err, "entity: touch %d", entityID)
	}
	return nil
}

// UpsertItems accumulates multi-valued field items via bulk upsert with
// DO NOTHING conflict handling; duplicates are no-ops.
func (s *PostgresStore) UpsertItems(ctx context.Context, entityID int64, field string, values []string) (int64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		rows = append(rows, []any{entityID, field, v})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "entity_field_items",
		Columns:      []string{"entity_id", "field", "value"},
		ConflictKeys: []string{"entity_id", "field", "value"},
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "entity: upsert items %s for %d", field, entityID)
	}
	return n, nil
}

// UpsertIdentifier records an identifier for an entity. Additive only.
func (s *PostgresStore) UpsertIdentifier(ctx context.Context, entityID int64, n identifier.Normalized) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entity_identifiers (entity_id, kind, value)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, kind, value) DO NOTHING`,
		entityID, string(n.Kind), n.Value,
	)
	if err != nil {
		return eris.Wrapf(err, "entity: upsert identifier %s for %d", n.Key(), entityID)
	}
	return nil
}

// GetIdentifiers returns all identifiers recorded for an entity.
func (s *PostgresStore) GetIdentifiers(ctx context.Context, entityID int64) ([]identifier.Normalized, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, value FROM entity_identifiers WHERE entity_id = $1 ORDER BY kind, value`, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "entity: get identifiers for %d", entityID)
	}
	defer rows.Close()

	var ids []identifier.Normalized
	for rows.Next() {
		var kind, value string
		if err := rows.Scan(&kind, &value); err != nil {
			return nil, eris.Wrap(err, "entity: scan identifier")
		}
		ids = append(ids, identifier.Normalized{Kind: identifier.Kind(kind), Value: value})
	}
	return ids, rows.Err()
}

// CreateRelationship inserts an edge and sets its ID. Re-discovering an
// existing edge is a no-op; the unique indexes catch both resolved and
// placeholder duplicates.
func (s *PostgresStore) CreateRelationship(ctx context.Context, rel *Relationship) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO relationships (source_entity_id, target_entity_id, unresolved_kind, unresolved_value, rel_type, evidence_url, discovery_method)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		rel.SourceEntityID, rel.TargetEntityID, string(rel.UnresolvedKind), rel.UnresolvedValue,
		rel.RelType, rel.EvidenceURL, rel.DiscoveryMethod,
	).Scan(&rel.ID, &rel.CreatedAt, &rel.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return eris.Wrap(err, "entity: create relationship")
	}
	return nil
}

// UnresolvedRelationships returns edges with placeholder targets, id
// ascending, for watermark-based backfill scans.
func (s *PostgresStore) UnresolvedRelationships(ctx context.Context, afterID int64, limit int) ([]Relationship, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_entity_id, target_entity_id, COALESCE(unresolved_kind, ''), COALESCE(unresolved_value, ''),
			rel_type, COALESCE(evidence_url, ''), COALESCE(discovery_method, ''), created_at, updated_at
		FROM relationships
		WHERE target_entity_id IS NULL AND id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "entity: unresolved relationships")
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var rel Relationship
		var kind string
		if err := rows.Scan(&rel.ID, &rel.SourceEntityID, &rel.TargetEntityID, &kind, &rel.UnresolvedValue,
			&rel.RelType, &rel.EvidenceURL, &rel.DiscoveryMethod, &rel.CreatedAt, &rel.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "entity: scan relationship")
		}
		rel.UnresolvedKind = identifier.Kind(kind)
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// ResolveRelationship fills in a placeholder endpoint. Update in place;
// edges are never deleted.
func (s *PostgresStore) ResolveRelationship(ctx context.Context, relID, targetEntityID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE relationships
		SET target_entity_id = $2, unresolved_kind = NULL, unresolved_value = NULL, updated_at = now()
		WHERE id = $1 AND target_entity_id IS NULL`,
		relID, targetEntityID,
	)
	if err != nil {
		return eris.Wrapf(err, "entity: resolve relationship %d", relID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "entity: relationship %d unresolved", relID)
	}
	return nil
}

// Lock takes the per-identifier advisory lock inside a transaction; the
// lock releases when the returned func commits the transaction. Non-blocking:
// a held lock surfaces as ErrConcurrentModification for retry with backoff.
func (s *PostgresStore) Lock(ctx context.Context, key string) (func(), error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "entity: begin lock tx")
	}

	var acquired bool
	err = tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, key).Scan(&acquired)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, eris.Wrapf(err, "entity: acquire lock %s", key)
	}
	if !acquired {
		_ = tx.Rollback(ctx)
		return nil, eris.Wrapf(ErrConcurrentModification, "entity: lock %s held", key)
	}

	return func() {
		if err := tx.Commit(ctx); err != nil {
			zap.L().Warn("entity: release lock failed", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Name, &r.Domain, &r.LinkedInURL, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "entity: scan")
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
