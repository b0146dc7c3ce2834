package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/pkg/types"
)

// sqlStore implements core.AssetStore on postgres or sqlite3. All writes
// are keyed by natural identity so repeated discoveries of the same entity
// converge on one row: first_seen is written once, last_seen moves forward,
// and attributes merge without erasing keys a later scan did not observe.
type sqlStore struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.AssetStore, error) {
	log = log.WithComponent("inventory")

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &sqlStore{db: db, cfg: cfg, logger: log}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("Inventory store initialized", "driver", cfg.Driver)
	return store, nil
}

// NewStoreWithDB wraps an existing connection, sharing a pool with the job
// store.
func NewStoreWithDB(db *sqlx.DB, cfg config.DatabaseConfig, log *logger.Logger) (core.AssetStore, error) {
	store := &sqlStore{db: db, cfg: cfg, logger: log.WithComponent("inventory")}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *sqlStore) migrate() error {
	if s.cfg.Driver == "sqlite3" {
		if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			return fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		asset_type TEXT NOT NULL,
		value TEXT NOT NULL,
		status TEXT NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		attributes TEXT,
		UNIQUE (organization_id, asset_type, value)
	);

	CREATE TABLE IF NOT EXISTS ports (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		port_number INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		service TEXT,
		banner TEXT,
		status TEXT NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		UNIQUE (asset_id, port_number, protocol)
	);

	CREATE TABLE IF NOT EXISTS technologies (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		version TEXT,
		category TEXT,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		UNIQUE (asset_id, name, version)
	);

	CREATE TABLE IF NOT EXISTS vulnerabilities (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		port_id TEXT REFERENCES ports(id) ON DELETE SET NULL,
		template_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		severity TEXT NOT NULL,
		cve TEXT,
		cvss REAL,
		refs TEXT,
		matched_at TEXT,
		status TEXT NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		UNIQUE (asset_id, template_id)
	);

	CREATE TABLE IF NOT EXISTS job_assets (
		job_id TEXT NOT NULL,
		asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
		PRIMARY KEY (job_id, asset_id)
	);

	CREATE INDEX IF NOT EXISTS idx_assets_org ON assets(organization_id);
	CREATE INDEX IF NOT EXISTS idx_assets_type ON assets(asset_type);
	CREATE INDEX IF NOT EXISTS idx_assets_last_seen ON assets(last_seen);
	CREATE INDEX IF NOT EXISTS idx_ports_asset ON ports(asset_id);
	CREATE INDEX IF NOT EXISTS idx_technologies_asset ON technologies(asset_id);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_asset ON vulnerabilities(asset_id);
	CREATE INDEX IF NOT EXISTS idx_vulnerabilities_severity ON vulnerabilities(severity);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

type assetRow struct {
	ID             uuid.UUID      `db:"id"`
	OrganizationID uuid.UUID      `db:"organization_id"`
	Type           string         `db:"asset_type"`
	Value          string         `db:"value"`
	Status         string         `db:"status"`
	FirstSeen      time.Time      `db:"first_seen"`
	LastSeen       time.Time      `db:"last_seen"`
	Attributes     sql.NullString `db:"attributes"`
}

func (r *assetRow) toAsset() (*types.Asset, error) {
	asset := &types.Asset{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Type:           types.AssetType(r.Type),
		Value:          r.Value,
		Status:         types.AssetStatus(r.Status),
		FirstSeen:      r.FirstSeen,
		LastSeen:       r.LastSeen,
	}
	if r.Attributes.Valid && r.Attributes.String != "" {
		if err := json.Unmarshal([]byte(r.Attributes.String), &asset.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal asset attributes: %w", err)
		}
	}
	return asset, nil
}

func marshalAttributes(attrs map[string]string) (sql.NullString, error) {
	if len(attrs) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal attributes: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// UpsertAsset inserts the asset or folds the observation into the existing
// row. The select takes a row lock on postgres so two jobs upserting the
// same natural key serialize instead of clobbering each other's attributes,
// and a lost insert race falls back to the merge path rather than silently
// dropping the loser's observation.
func (s *sqlStore) UpsertAsset(ctx context.Context, asset *types.Asset) (*types.Asset, error) {
	if asset.LastSeen.IsZero() {
		asset.LastSeen = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert asset: %w", err)
	}
	defer tx.Rollback()

	selectQ := s.rebind(
		`SELECT id, organization_id, asset_type, value, status, first_seen, last_seen, attributes
		 FROM assets WHERE organization_id = ? AND asset_type = ? AND value = ?` + s.lockClause())

	for {
		var row assetRow
		err = tx.GetContext(ctx, &row, selectQ,
			asset.OrganizationID, string(asset.Type), asset.Value)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			attrs, merr := marshalAttributes(asset.Attributes)
			if merr != nil {
				return nil, merr
			}
			id := asset.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			res, ierr := tx.ExecContext(ctx, s.rebind(
				`INSERT INTO assets (id, organization_id, asset_type, value, status, first_seen, last_seen, attributes)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (organization_id, asset_type, value) DO NOTHING`),
				id, asset.OrganizationID, string(asset.Type), asset.Value,
				string(asset.Status), asset.LastSeen, asset.LastSeen, attrs)
			if ierr != nil {
				return nil, fmt.Errorf("insert asset: %w", ierr)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// A concurrent upsert inserted the row first. Re-select
				// under the lock and merge into it.
				continue
			}
		case err != nil:
			return nil, fmt.Errorf("select asset: %w", err)
		default:
			existing, cerr := row.toAsset()
			if cerr != nil {
				return nil, cerr
			}
			merged := mergeAttributes(existing.Attributes, asset.Attributes)
			attrs, merr := marshalAttributes(merged)
			if merr != nil {
				return nil, merr
			}
			lastSeen := existing.LastSeen
			if asset.LastSeen.After(lastSeen) {
				lastSeen = asset.LastSeen
			}
			status := existing.Status
			if asset.Status != "" {
				status = asset.Status
			}
			_, err = tx.ExecContext(ctx, s.rebind(
				`UPDATE assets SET status = ?, last_seen = ?, attributes = ? WHERE id = ?`),
				string(status), lastSeen, attrs, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("update asset: %w", err)
			}
		}
		break
	}

	// Re-read inside the transaction so callers get the merged row with
	// its stable id.
	var row assetRow
	err = tx.GetContext(ctx, &row, s.rebind(
		`SELECT id, organization_id, asset_type, value, status, first_seen, last_seen, attributes
		 FROM assets WHERE organization_id = ? AND asset_type = ? AND value = ?`),
		asset.OrganizationID, string(asset.Type), asset.Value)
	if err != nil {
		return nil, fmt.Errorf("reload asset: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert asset: %w", err)
	}
	return row.toAsset()
}

// mergeAttributes overlays new keys on old ones. Keys absent from the new
// observation survive untouched; empty values never erase existing data.
func mergeAttributes(existing, observed map[string]string) map[string]string {
	if len(existing) == 0 && len(observed) == 0 {
		return nil
	}
	merged := make(map[string]string, len(existing)+len(observed))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range observed {
		if v != "" {
			merged[k] = v
		}
	}
	return merged
}

func (s *sqlStore) GetAssetByKey(ctx context.Context, key types.AssetKey) (*types.Asset, error) {
	var row assetRow
	err := s.db.GetContext(ctx, &row, s.rebind(
		`SELECT id, organization_id, asset_type, value, status, first_seen, last_seen, attributes
		 FROM assets WHERE organization_id = ? AND asset_type = ? AND value = ?`),
		key.OrganizationID, string(key.Type), key.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return row.toAsset()
}

func (s *sqlStore) ListAssets(ctx context.Context, filter core.AssetFilter) ([]*types.Asset, error) {
	query := `SELECT id, organization_id, asset_type, value, status, first_seen, last_seen, attributes FROM assets WHERE 1=1`
	var args []interface{}

	if filter.OrganizationID != nil {
		query += ` AND organization_id = ?`
		args = append(args, *filter.OrganizationID)
	}
	if filter.Type != "" {
		query += ` AND asset_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		query += ` AND value LIKE ?`
		args = append(args, "%"+filter.Search+"%")
	}
	query += ` ORDER BY last_seen DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	var rows []assetRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}

	assets := make([]*types.Asset, 0, len(rows))
	for i := range rows {
		asset, err := rows[i].toAsset()
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (s *sqlStore) UpsertPort(ctx context.Context, port *types.Port) (*types.Port, error) {
	if port.LastSeen.IsZero() {
		port.LastSeen = time.Now().UTC()
	}
	if port.Protocol == "" {
		port.Protocol = "tcp"
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert port: %w", err)
	}
	defer tx.Rollback()

	selectQ := s.rebind(
		`SELECT id, asset_id, port_number, protocol, COALESCE(service,'') AS service,
		        COALESCE(banner,'') AS banner, status, first_seen, last_seen
		 FROM ports WHERE asset_id = ? AND port_number = ? AND protocol = ?` + s.lockClause())

	for {
		var existing types.Port
		err = tx.GetContext(ctx, &existing, selectQ, port.AssetID, port.Number, port.Protocol)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			id := port.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			res, ierr := tx.ExecContext(ctx, s.rebind(
				`INSERT INTO ports (id, asset_id, port_number, protocol, service, banner, status, first_seen, last_seen)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (asset_id, port_number, protocol) DO NOTHING`),
				id, port.AssetID, port.Number, port.Protocol, port.Service, port.Banner,
				string(port.Status), port.LastSeen, port.LastSeen)
			if ierr != nil {
				return nil, fmt.Errorf("insert port: %w", ierr)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
		case err != nil:
			return nil, fmt.Errorf("select port: %w", err)
		default:
			service := existing.Service
			if port.Service != "" {
				service = port.Service
			}
			banner := existing.Banner
			if port.Banner != "" {
				banner = port.Banner
			}
			status := existing.Status
			if port.Status != "" {
				status = port.Status
			}
			lastSeen := existing.LastSeen
			if port.LastSeen.After(lastSeen) {
				lastSeen = port.LastSeen
			}
			_, err = tx.ExecContext(ctx, s.rebind(
				`UPDATE ports SET service = ?, banner = ?, status = ?, last_seen = ? WHERE id = ?`),
				service, banner, string(status), lastSeen, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("update port: %w", err)
			}
		}
		break
	}

	var row types.Port
	err = tx.GetContext(ctx, &row, s.rebind(
		`SELECT id, asset_id, port_number, protocol, COALESCE(service,'') AS service,
		        COALESCE(banner,'') AS banner, status, first_seen, last_seen
		 FROM ports WHERE asset_id = ? AND port_number = ? AND protocol = ?`),
		port.AssetID, port.Number, port.Protocol)
	if err != nil {
		return nil, fmt.Errorf("reload port: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert port: %w", err)
	}
	return &row, nil
}

func (s *sqlStore) ListPorts(ctx context.Context, assetID uuid.UUID) ([]*types.Port, error) {
	var rows []types.Port
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT id, asset_id, port_number, protocol, COALESCE(service,'') AS service,
		        COALESCE(banner,'') AS banner, status, first_seen, last_seen
		 FROM ports WHERE asset_id = ? ORDER BY port_number`), assetID)
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	out := make([]*types.Port, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

func (s *sqlStore) UpsertTechnology(ctx context.Context, tech *types.Technology) (*types.Technology, error) {
	if tech.LastSeen.IsZero() {
		tech.LastSeen = time.Now().UTC()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert technology: %w", err)
	}
	defer tx.Rollback()

	selectQ := s.rebind(
		`SELECT id, asset_id, name, COALESCE(version,'') AS version, COALESCE(category,'') AS category,
		        first_seen, last_seen
		 FROM technologies WHERE asset_id = ? AND name = ? AND version = ?` + s.lockClause())

	for {
		var existing types.Technology
		err = tx.GetContext(ctx, &existing, selectQ, tech.AssetID, tech.Name, tech.Version)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			id := tech.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			res, ierr := tx.ExecContext(ctx, s.rebind(
				`INSERT INTO technologies (id, asset_id, name, version, category, first_seen, last_seen)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (asset_id, name, version) DO NOTHING`),
				id, tech.AssetID, tech.Name, tech.Version, tech.Category, tech.LastSeen, tech.LastSeen)
			if ierr != nil {
				return nil, fmt.Errorf("insert technology: %w", ierr)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
		case err != nil:
			return nil, fmt.Errorf("select technology: %w", err)
		default:
			category := existing.Category
			if tech.Category != "" {
				category = tech.Category
			}
			lastSeen := existing.LastSeen
			if tech.LastSeen.After(lastSeen) {
				lastSeen = tech.LastSeen
			}
			_, err = tx.ExecContext(ctx, s.rebind(
				`UPDATE technologies SET category = ?, last_seen = ? WHERE id = ?`),
				category, lastSeen, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("update technology: %w", err)
			}
		}
		break
	}

	var row types.Technology
	err = tx.GetContext(ctx, &row, s.rebind(
		`SELECT id, asset_id, name, COALESCE(version,'') AS version, COALESCE(category,'') AS category,
		        first_seen, last_seen
		 FROM technologies WHERE asset_id = ? AND name = ? AND version = ?`),
		tech.AssetID, tech.Name, tech.Version)
	if err != nil {
		return nil, fmt.Errorf("reload technology: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert technology: %w", err)
	}
	return &row, nil
}

func (s *sqlStore) ListTechnologies(ctx context.Context, assetID uuid.UUID) ([]*types.Technology, error) {
	var rows []types.Technology
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT id, asset_id, name, COALESCE(version,'') AS version, COALESCE(category,'') AS category,
		        first_seen, last_seen
		 FROM technologies WHERE asset_id = ? ORDER BY name`), assetID)
	if err != nil {
		return nil, fmt.Errorf("list technologies: %w", err)
	}
	out := make([]*types.Technology, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

type vulnRow struct {
	ID          uuid.UUID       `db:"id"`
	AssetID     uuid.UUID       `db:"asset_id"`
	PortID      *uuid.UUID      `db:"port_id"`
	TemplateID  string          `db:"template_id"`
	Title       string          `db:"title"`
	Description string          `db:"description"`
	Severity    string          `db:"severity"`
	CVE         string          `db:"cve"`
	CVSS        sql.NullFloat64 `db:"cvss"`
	Refs        sql.NullString  `db:"refs"`
	MatchedAt   string          `db:"matched_at"`
	Status      string          `db:"status"`
	FirstSeen   time.Time       `db:"first_seen"`
	LastSeen    time.Time       `db:"last_seen"`
}

func (r *vulnRow) toVuln() (*types.Vulnerability, error) {
	vuln := &types.Vulnerability{
		ID:          r.ID,
		AssetID:     r.AssetID,
		PortID:      r.PortID,
		TemplateID:  r.TemplateID,
		Title:       r.Title,
		Description: r.Description,
		Severity:    types.Severity(r.Severity),
		CVE:         r.CVE,
		MatchedAt:   r.MatchedAt,
		Status:      types.VulnStatus(r.Status),
		FirstSeen:   r.FirstSeen,
		LastSeen:    r.LastSeen,
	}
	if r.CVSS.Valid {
		score := r.CVSS.Float64
		vuln.CVSS = &score
	}
	if r.Refs.Valid && r.Refs.String != "" {
		if err := json.Unmarshal([]byte(r.Refs.String), &vuln.References); err != nil {
			return nil, fmt.Errorf("unmarshal vulnerability references: %w", err)
		}
	}
	return vuln, nil
}

const vulnColumns = `id, asset_id, port_id, template_id, title, COALESCE(description,'') AS description,
        severity, COALESCE(cve,'') AS cve, cvss, refs, COALESCE(matched_at,'') AS matched_at,
        status, first_seen, last_seen`

func (s *sqlStore) UpsertVulnerability(ctx context.Context, vuln *types.Vulnerability) (*types.Vulnerability, error) {
	if vuln.LastSeen.IsZero() {
		vuln.LastSeen = time.Now().UTC()
	}
	if vuln.Status == "" {
		vuln.Status = types.VulnStatusOpen
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert vulnerability: %w", err)
	}
	defer tx.Rollback()

	selectQ := s.rebind(
		`SELECT ` + vulnColumns + ` FROM vulnerabilities
		 WHERE asset_id = ? AND template_id = ?` + s.lockClause())

	for {
		var existing vulnRow
		err = tx.GetContext(ctx, &existing, selectQ, vuln.AssetID, vuln.TemplateID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			id := vuln.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			refs, merr := marshalRefs(vuln.References)
			if merr != nil {
				return nil, merr
			}
			res, ierr := tx.ExecContext(ctx, s.rebind(
				`INSERT INTO vulnerabilities (id, asset_id, port_id, template_id, title, description, severity,
				                              cve, cvss, refs, matched_at, status, first_seen, last_seen)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (asset_id, template_id) DO NOTHING`),
				id, vuln.AssetID, vuln.PortID, vuln.TemplateID, vuln.Title, vuln.Description,
				string(vuln.Severity), vuln.CVE, cvssValue(vuln.CVSS), refs, vuln.MatchedAt,
				string(vuln.Status), vuln.LastSeen, vuln.LastSeen)
			if ierr != nil {
				return nil, fmt.Errorf("insert vulnerability: %w", ierr)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
		case err != nil:
			return nil, fmt.Errorf("select vulnerability: %w", err)
		default:
			cur, cerr := existing.toVuln()
			if cerr != nil {
				return nil, cerr
			}
			title := cur.Title
			if vuln.Title != "" {
				title = vuln.Title
			}
			description := cur.Description
			if vuln.Description != "" {
				description = vuln.Description
			}
			severity := cur.Severity
			if vuln.Severity != "" {
				severity = vuln.Severity
			}
			cve := cur.CVE
			if vuln.CVE != "" {
				cve = vuln.CVE
			}
			cvss := cur.CVSS
			if vuln.CVSS != nil {
				cvss = vuln.CVSS
			}
			references := cur.References
			if len(vuln.References) > 0 {
				references = vuln.References
			}
			matchedAt := cur.MatchedAt
			if vuln.MatchedAt != "" {
				matchedAt = vuln.MatchedAt
			}
			portID := cur.PortID
			if vuln.PortID != nil {
				portID = vuln.PortID
			}
			lastSeen := cur.LastSeen
			if vuln.LastSeen.After(lastSeen) {
				lastSeen = vuln.LastSeen
			}
			// A re-observed vulnerability reopens.
			status := types.VulnStatusOpen

			refs, merr := marshalRefs(references)
			if merr != nil {
				return nil, merr
			}
			_, err = tx.ExecContext(ctx, s.rebind(
				`UPDATE vulnerabilities SET port_id = ?, title = ?, description = ?, severity = ?, cve = ?,
				        cvss = ?, refs = ?, matched_at = ?, status = ?, last_seen = ?
				 WHERE id = ?`),
				portID, title, description, string(severity), cve, cvssValue(cvss), refs,
				matchedAt, string(status), lastSeen, cur.ID)
			if err != nil {
				return nil, fmt.Errorf("update vulnerability: %w", err)
			}
		}
		break
	}

	var row vulnRow
	err = tx.GetContext(ctx, &row, s.rebind(
		`SELECT `+vulnColumns+` FROM vulnerabilities WHERE asset_id = ? AND template_id = ?`),
		vuln.AssetID, vuln.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("reload vulnerability: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert vulnerability: %w", err)
	}
	return row.toVuln()
}

func marshalRefs(refs []string) (sql.NullString, error) {
	if len(refs) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal references: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func cvssValue(score *float64) interface{} {
	if score == nil {
		return nil
	}
	return *score
}

func (s *sqlStore) ListVulnerabilities(ctx context.Context, assetID uuid.UUID) ([]*types.Vulnerability, error) {
	var rows []vulnRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT `+vulnColumns+` FROM vulnerabilities WHERE asset_id = ? ORDER BY severity, template_id`), assetID)
	if err != nil {
		return nil, fmt.Errorf("list vulnerabilities: %w", err)
	}
	out := make([]*types.Vulnerability, 0, len(rows))
	for i := range rows {
		vuln, err := rows[i].toVuln()
		if err != nil {
			return nil, err
		}
		out = append(out, vuln)
	}
	return out, nil
}

// LinkJobAsset records job provenance. The link table is append-only and
// idempotent: re-linking the same pair is a no-op.
func (s *sqlStore) LinkJobAsset(ctx context.Context, jobID, assetID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO job_assets (job_id, asset_id) VALUES (?, ?)
		 ON CONFLICT (job_id, asset_id) DO NOTHING`),
		jobID, assetID)
	if err != nil {
		return fmt.Errorf("link job asset: %w", err)
	}
	return nil
}

func (s *sqlStore) ListJobAssets(ctx context.Context, jobID uuid.UUID) ([]*types.Asset, error) {
	var rows []assetRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(
		`SELECT a.id, a.organization_id, a.asset_type, a.value, a.status, a.first_seen, a.last_seen, a.attributes
		 FROM assets a JOIN job_assets ja ON ja.asset_id = a.id
		 WHERE ja.job_id = ? ORDER BY a.value`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list job assets: %w", err)
	}
	assets := make([]*types.Asset, 0, len(rows))
	for i := range rows {
		asset, err := rows[i].toAsset()
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) rebind(query string) string {
	if s.cfg.Driver == "postgres" {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return strings.TrimSpace(query)
}

// lockClause serializes concurrent upserts of the same natural key on
// postgres: the row lock makes read-merge-write safe under READ COMMITTED.
// sqlite allows a single writer at a time, so no row lock is needed there.
func (s *sqlStore) lockClause() string {
	if s.cfg.Driver == "postgres" {
		return " FOR UPDATE"
	}
	return ""
}
