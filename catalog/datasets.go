package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Visibility controls who may read or download a dataset.
type Visibility string

const (
	VisibilityOwner  Visibility = "only_owner"
	VisibilityTeam   Visibility = "only_team"
	VisibilityPublic Visibility = "public"
)

// ValidVisibility reports whether v is one of the declared values.
func ValidVisibility(v Visibility) bool {
	switch v {
	case VisibilityOwner, VisibilityTeam, VisibilityPublic:
		return true
	}
	return false
}

// FileEntry is one uploaded file inside a dataset. The files array is
// append-only while the dataset is being ingested.
type FileEntry struct {
	Filename     string `json:"filename"`
	SizeBytes    int64  `json:"size_bytes"`
	UploadedAt   string `json:"uploaded_at"`
	RelativePath string `json:"relative_path"`
}

// Dataset is the unit of ingestion: one logical scientific artifact with
// its files and metadata. Four identifiers (uuid, name, slug, numeric_id)
// resolve to the same record.
type Dataset struct {
	UUID               string      `json:"uuid"`
	Name               string      `json:"name"`
	Slug               string      `json:"slug"`
	NumericID          int64       `json:"numeric_id"`
	OwnerEmail         string      `json:"owner_email"`
	TeamID             string      `json:"team_id,omitempty"`
	Sensor             string      `json:"sensor"`
	Convert            bool        `json:"convert"`
	IsPublic           Visibility  `json:"is_public"`
	IsDownloadable     Visibility  `json:"is_downloadable"`
	Status             Status      `json:"status"`
	Folder             string      `json:"folder,omitempty"`
	Tags               []string    `json:"tags"`
	Description        string      `json:"description,omitempty"`
	Files              []FileEntry `json:"files"`
	Source             string      `json:"-"`
	Params             string      `json:"params,omitempty"`
	DataSizeGB         float64     `json:"data_size_gb"`
	ConversionAttempts int         `json:"conversion_attempts"`
	ConversionError    string      `json:"conversion_error,omitempty"`
	ClaimedAt          string      `json:"-"`
	CancelRequested    bool        `json:"-"`
	ConversionSeconds  float64     `json:"conversion_seconds,omitempty"`
	CreatedAt          string      `json:"created_at"`
	UpdatedAt          string      `json:"updated_at"`
}

// IsOwner reports whether u owns the dataset.
func (d *Dataset) IsOwner(u *User) bool {
	return u != nil && strings.EqualFold(u.Email, d.OwnerEmail)
}

// CanWrite reports whether u may modify the dataset: the owner, or a
// member of the dataset's team.
func (d *Dataset) CanWrite(u *User) bool {
	if d.IsOwner(u) {
		return true
	}
	return u != nil && d.TeamID != "" && u.TeamID == d.TeamID
}

// CanRead applies the is_public visibility rule.
func (d *Dataset) CanRead(u *User) bool {
	switch d.IsPublic {
	case VisibilityPublic:
		return true
	case VisibilityTeam:
		return d.CanWrite(u)
	default:
		return d.IsOwner(u)
	}
}

// CanDownload applies the is_downloadable visibility rule.
func (d *Dataset) CanDownload(u *User) bool {
	switch d.IsDownloadable {
	case VisibilityPublic:
		return true
	case VisibilityTeam:
		return d.CanWrite(u)
	default:
		return d.IsOwner(u)
	}
}

const datasetCols = `uuid, name, slug, numeric_id, owner_email, team_id, sensor, convert,
	is_public, is_downloadable, status, folder, tags, description, files, source, params,
	data_size_gb, conversion_attempts, conversion_error, claimed_at,
	cancel_requested, conversion_seconds, created_at, updated_at`

func scanDataset(row interface{ Scan(...any) error }) (*Dataset, error) {
	d := &Dataset{}
	var convert, cancel int
	var tagsJSON, filesJSON, status, isPublic, isDownloadable string
	err := row.Scan(&d.UUID, &d.Name, &d.Slug, &d.NumericID, &d.OwnerEmail, &d.TeamID,
		&d.Sensor, &convert, &isPublic, &isDownloadable, &status, &d.Folder,
		&tagsJSON, &d.Description, &filesJSON, &d.Source, &d.Params, &d.DataSizeGB, &d.ConversionAttempts,
		&d.ConversionError, &d.ClaimedAt, &cancel, &d.ConversionSeconds,
		&d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Convert = convert == 1
	d.CancelRequested = cancel == 1
	d.Status = Status(status)
	d.IsPublic = Visibility(isPublic)
	d.IsDownloadable = Visibility(isDownloadable)
	if err := json.Unmarshal([]byte(tagsJSON), &d.Tags); err != nil {
		d.Tags = nil
	}
	if err := json.Unmarshal([]byte(filesJSON), &d.Files); err != nil {
		d.Files = nil
	}
	return d, nil
}

// InsertDataset creates a new dataset record. UUID, slug, and numeric_id
// must already be minted; uniqueness collisions surface as ErrDuplicate so
// the caller can retry with a new slug or numeric_id.
func (c *Catalog) InsertDataset(ctx context.Context, d *Dataset) error {
	if !d.Status.Valid() {
		return fmt.Errorf("insert dataset: %w: %q", ErrInvalidTransition, d.Status)
	}
	if d.Tags == nil {
		d.Tags = []string{}
	}
	if d.Files == nil {
		d.Files = []FileEntry{}
	}
	tagsJSON, _ := json.Marshal(d.Tags)
	filesJSON, _ := json.Marshal(d.Files)
	now := nowRFC3339()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := c.Exec(ctx, `
		INSERT INTO datasets (uuid, name, slug, numeric_id, owner_email, team_id, sensor, convert,
			is_public, is_downloadable, status, folder, tags, description, files, source, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UUID, d.Name, d.Slug, d.NumericID, d.OwnerEmail, d.TeamID, d.Sensor, boolInt(d.Convert),
		string(d.IsPublic), string(d.IsDownloadable), string(d.Status), d.Folder,
		string(tagsJSON), d.Description, string(filesJSON), d.Source, d.Params, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert dataset: %w", err)
	}
	return nil
}

// GetDatasetByUUID returns the live record for uuid, or ErrNotFound.
func (c *Catalog) GetDatasetByUUID(ctx context.Context, uuid string) (*Dataset, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+datasetCols+` FROM datasets WHERE uuid = ? AND deleted_at = ''`, uuid)
	return scanDataset(row)
}

// GetDatasetBySlug returns the record for slug, or ErrNotFound.
func (c *Catalog) GetDatasetBySlug(ctx context.Context, slug string) (*Dataset, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+datasetCols+` FROM datasets WHERE slug = ? AND deleted_at = ''`, slug)
	return scanDataset(row)
}

// GetDatasetByNumericID returns the record for numericID, or ErrNotFound.
func (c *Catalog) GetDatasetByNumericID(ctx context.Context, numericID int64) (*Dataset, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+datasetCols+` FROM datasets WHERE numeric_id = ? AND deleted_at = ''`, numericID)
	return scanDataset(row)
}

// GetDatasetByName looks a dataset up by its human name. With a non-empty
// owner the lookup is scoped; otherwise a name carried by datasets of more
// than one owner returns ErrAmbiguousIdentifier.
func (c *Catalog) GetDatasetByName(ctx context.Context, name, owner string) (*Dataset, error) {
	if owner != "" {
		row := c.db.QueryRowContext(ctx,
			`SELECT `+datasetCols+` FROM datasets WHERE name = ? AND owner_email = ? AND deleted_at = ''`,
			name, owner)
		return scanDataset(row)
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+datasetCols+` FROM datasets WHERE name = ? AND deleted_at = '' LIMIT 2`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var found []*Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return nil, ErrAmbiguousIdentifier
	}
}

// ListByOwner returns an owner's datasets, newest first, optionally
// filtered by status.
func (c *Catalog) ListByOwner(ctx context.Context, owner string, status Status, limit, offset int) ([]*Dataset, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + datasetCols + ` FROM datasets WHERE owner_email = ? AND deleted_at = ''`
	args := []any{owner}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindByStatus returns up to limit datasets in the given status, oldest
// update first, so work queued sooner is claimable sooner.
func (c *Catalog) FindByStatus(ctx context.Context, status Status, limit int) ([]*Dataset, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+datasetCols+` FROM datasets WHERE status = ? AND deleted_at = ''
		 ORDER BY updated_at ASC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CompareAndSetStatus atomically advances uuid from→to. The pair must be in
// the transition table; a mismatch with the stored status returns
// ErrStaleState without modification.
func (c *Catalog) CompareAndSetStatus(ctx context.Context, uuid string, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	res, err := c.Exec(ctx, `
		UPDATE datasets SET status = ?, updated_at = ?
		WHERE uuid = ? AND status = ? AND deleted_at = ''`,
		string(to), nowRFC3339(), uuid, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleState
	}
	return nil
}

// ClaimOne atomically transfers the oldest dataset in from to to, stamping
// claimed_at. Returns ErrNotFound when the queue is empty. Two workers
// racing for the same dataset cannot both succeed: the claiming UPDATE is
// guarded by the status predicate inside one transaction.
func (c *Catalog) ClaimOne(ctx context.Context, from, to Status) (*Dataset, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	var claimed *Dataset
	err := c.RunTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+datasetCols+` FROM datasets
			WHERE status = ? AND deleted_at = ''
			ORDER BY updated_at ASC LIMIT 1`, string(from))
		d, err := scanDataset(row)
		if err != nil {
			return err
		}
		now := nowRFC3339()
		res, err := tx.ExecContext(ctx, `
			UPDATE datasets SET status = ?, claimed_at = ?, updated_at = ?
			WHERE uuid = ? AND status = ?`,
			string(to), now, now, d.UUID, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrStaleState
		}
		d.Status = to
		d.ClaimedAt = now
		d.UpdatedAt = now
		claimed = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RecordConversionResult finishes one conversion attempt: CAS from→to plus
// the attempt counter, error message, and duration, clearing the claim.
func (c *Catalog) RecordConversionResult(ctx context.Context, uuid string, from, to Status, attempts int, errMsg string, seconds float64) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
	}
	res, err := c.Exec(ctx, `
		UPDATE datasets SET status = ?, conversion_attempts = ?, conversion_error = ?,
			conversion_seconds = ?, claimed_at = '', updated_at = ?
		WHERE uuid = ? AND status = ? AND deleted_at = ''`,
		string(to), attempts, errMsg, seconds, nowRFC3339(), uuid, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleState
	}
	return nil
}

// ReleaseStaleClaims reschedules datasets stuck in converting whose claim is
// older than before: the original worker died. Returns the number rescued.
func (c *Catalog) ReleaseStaleClaims(ctx context.Context, before time.Time) (int64, error) {
	res, err := c.Exec(ctx, `
		UPDATE datasets SET status = ?, claimed_at = '', updated_at = ?
		WHERE status = ? AND claimed_at <> '' AND claimed_at < ? AND deleted_at = ''`,
		string(StatusConversionQueued), nowRFC3339(), string(StatusConverting), FormatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AppendFile appends one entry to the dataset's files array. The array is
// append-only; entries are never rewritten here.
func (c *Catalog) AppendFile(ctx context.Context, uuid string, entry FileEntry) error {
	return c.RunTx(ctx, func(tx *sql.Tx) error {
		var filesJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT files FROM datasets WHERE uuid = ? AND deleted_at = ''`, uuid).Scan(&filesJSON)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var files []FileEntry
		if err := json.Unmarshal([]byte(filesJSON), &files); err != nil {
			files = nil
		}
		files = append(files, entry)
		updated, err := json.Marshal(files)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE datasets SET files = ?, updated_at = ? WHERE uuid = ?`,
			string(updated), nowRFC3339(), uuid)
		return err
	})
}

// ReplaceFiles overwrites the dataset's files array. Used when an archive
// entry is expanded into its contents.
func (c *Catalog) ReplaceFiles(ctx context.Context, uuid string, files []FileEntry) error {
	if files == nil {
		files = []FileEntry{}
	}
	updated, err := json.Marshal(files)
	if err != nil {
		return err
	}
	res, err := c.Exec(ctx,
		`UPDATE datasets SET files = ?, updated_at = ? WHERE uuid = ? AND deleted_at = ''`,
		string(updated), nowRFC3339(), uuid)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RequestCancel sets the cancel flag. The running worker observes it
// between steps; a queued dataset is cancelled directly by the caller.
func (c *Catalog) RequestCancel(ctx context.Context, uuid string) error {
	res, err := c.Exec(ctx, `
		UPDATE datasets SET cancel_requested = 1, updated_at = ?
		WHERE uuid = ? AND deleted_at = ''`, nowRFC3339(), uuid)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CancelRequested reads the cancel flag.
func (c *Catalog) CancelRequested(ctx context.Context, uuid string) (bool, error) {
	var flag int
	err := c.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM datasets WHERE uuid = ? AND deleted_at = ''`, uuid).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

// SetSource replaces the persisted remote-source descriptor.
func (c *Catalog) SetSource(ctx context.Context, uuid, source string) error {
	res, err := c.Exec(ctx, `
		UPDATE datasets SET source = ?, updated_at = ?
		WHERE uuid = ? AND deleted_at = ''`, source, nowRFC3339(), uuid)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateDataSize records the aggregate size computed by the reconciler.
func (c *Catalog) UpdateDataSize(ctx context.Context, uuid string, gb float64) error {
	_, err := c.Exec(ctx,
		`UPDATE datasets SET data_size_gb = ? WHERE uuid = ? AND deleted_at = ''`, gb, uuid)
	return err
}

// SoftDelete hides a dataset from all lookups. Only an explicit user
// request reaches here.
func (c *Catalog) SoftDelete(ctx context.Context, uuid string) error {
	res, err := c.Exec(ctx,
		`UPDATE datasets SET deleted_at = ? WHERE uuid = ? AND deleted_at = ''`, nowRFC3339(), uuid)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// NextCounter increments and returns the named monotonic counter.
func (c *Catalog) NextCounter(ctx context.Context, name string) (int64, error) {
	var value int64
	err := c.RunTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO counters (name, value) VALUES (?, 1)
			ON CONFLICT(name) DO UPDATE SET value = value + 1`, name)
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT value FROM counters WHERE name = ?`, name).Scan(&value)
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}
