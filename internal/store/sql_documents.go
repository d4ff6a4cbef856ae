package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/stoneforge-ai/stoneforge/internal/db"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

const documentColumns = `id, title, content_type, content, category, status, immutable,
	previous_version_id, tags, metadata, created_by, version, created_at, updated_at`

func scanDocument(sc scanner) (*entity.Document, error) {
	doc := &entity.Document{}
	var tags, metadata string
	var immutable int
	var previous sql.NullString
	err := sc.Scan(
		&doc.ID, &doc.Title, &doc.ContentType, &doc.Content, &doc.Category,
		&doc.Status, &immutable, &previous, &tags, &metadata, &doc.CreatedBy,
		&doc.Version, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Type = entity.TypeDocument
	doc.Immutable = immutable != 0
	if previous.Valid {
		p := previous.String
		doc.PreviousVersionID = &p
	}
	doc.Tags = unmarshalTags(tags)
	doc.Metadata = unmarshalMap(metadata)
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func getDocumentFrom(ctx context.Context, q rowQuerier, id string) (*entity.Document, error) {
	row := q.QueryRowContext(ctx, q.Rebind(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.NewNotFoundError("document", id)
	}
	return doc, err
}

func documentArgs(doc *entity.Document) []any {
	var previous sql.NullString
	if doc.PreviousVersionID != nil {
		previous = sql.NullString{String: *doc.PreviousVersionID, Valid: true}
	}
	return []any{
		doc.ID, doc.Title, doc.ContentType, doc.Content, doc.Category, doc.Status,
		db.BoolToInt(doc.Immutable), previous, marshalTags(doc.Tags),
		marshalMap(doc.Metadata), doc.CreatedBy, doc.Version, doc.CreatedAt, doc.UpdatedAt,
	}
}

func (s *SQLStore) insertDocumentTx(ctx context.Context, tx *sqlx.Tx, doc *entity.Document) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), documentArgs(doc)...)
	return err
}

func (s *SQLStore) CreateDocument(ctx context.Context, doc *entity.Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return s.execTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.insertDocumentTx(ctx, tx, doc); err != nil {
			return err
		}
		return s.appendEventTx(tx, NewElementEvent(doc.ChainRootID(), entity.TypeDocument, EventCreated, doc.CreatedBy))
	})
}

func (s *SQLStore) GetDocument(ctx context.Context, id string) (*entity.Document, error) {
	return getDocumentFrom(ctx, s.reader(), id)
}

// chainHeadTx resolves the highest version in the chain containing id.
func (s *SQLStore) chainHeadTx(ctx context.Context, tx *sqlx.Tx, id string) (*entity.Document, error) {
	doc, err := getDocumentFrom(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	root := doc.ChainRootID()
	row := tx.QueryRowContext(ctx, tx.Rebind(`
		SELECT `+documentColumns+` FROM documents
		WHERE id = ? OR previous_version_id = ?
		ORDER BY version DESC LIMIT 1
	`), root, root)
	head, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, nil
	}
	return head, err
}

func (s *SQLStore) UpdateDocumentContent(ctx context.Context, id, content, updatedBy string) (*entity.Document, error) {
	var next *entity.Document
	err := s.execTx(ctx, func(tx *sqlx.Tx) error {
		head, err := s.chainHeadTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if head.Immutable {
			return &entity.ImmutableError{ID: head.ID}
		}
		candidate := head.NextVersion(content, updatedBy)
		if err := candidate.Validate(); err != nil {
			return err
		}
		if err := s.insertDocumentTx(ctx, tx, candidate); err != nil {
			return err
		}
		if err := s.appendEventTx(tx, NewElementEvent(candidate.ChainRootID(), entity.TypeDocument, EventUpdated, updatedBy)); err != nil {
			return err
		}
		next = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *SQLStore) PatchDocument(ctx context.Context, id string, mutate func(*entity.Document) error) (*entity.Document, error) {
	var patched *entity.Document
	err := s.execTx(ctx, func(tx *sqlx.Tx) error {
		cur, err := getDocumentFrom(ctx, tx, id)
		if err != nil {
			return err
		}
		work, err := clone(cur)
		if err != nil {
			return err
		}
		if err := mutate(work); err != nil {
			return err
		}
		if err := applyDocumentPatchRules(cur, work); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE documents SET title = ?, category = ?, status = ?, immutable = ?,
				tags = ?, metadata = ?, updated_at = ?
			WHERE id = ?
		`), work.Title, work.Category, work.Status, db.BoolToInt(work.Immutable),
			marshalTags(work.Tags), marshalMap(work.Metadata), work.UpdatedAt, work.ID)
		if err != nil {
			return err
		}
		if err := s.appendEventTx(tx, NewElementEvent(work.ChainRootID(), entity.TypeDocument, classifyDocumentEvent(cur, work), "")); err != nil {
			return err
		}
		patched = work
		return nil
	})
	if err != nil {
		return nil, err
	}
	return patched, nil
}

// headsQuery selects only the latest version of each chain: rows whose
// chain has no higher version.
const headsQuery = `
	SELECT ` + documentColumns + ` FROM documents d
	WHERE NOT EXISTS (
		SELECT 1 FROM documents newer
		WHERE newer.version > d.version
		  AND (
			COALESCE(newer.previous_version_id, newer.id) = COALESCE(d.previous_version_id, d.id)
		  )
	)`

func (s *SQLStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*entity.Document, error) {
	query := headsQuery
	if filter.AllVersions {
		query = `SELECT ` + documentColumns + ` FROM documents d WHERE 1=1`
	}
	var args []any
	if filter.Category != "" {
		query += " AND d.category = ?"
		args = append(args, filter.Category)
	}
	if filter.Status != "" {
		query += " AND d.status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY d.created_at ASC"

	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		if filter.Tag != "" && !doc.HasTag(filter.Tag) {
			continue
		}
		out = append(out, doc)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) ListDocumentVersions(ctx context.Context, id string) ([]*entity.Document, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	root := doc.ChainRootID()
	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT `+documentColumns+` FROM documents
		WHERE id = ? OR previous_version_id = ?
		ORDER BY version ASC
	`), root, root)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListLinkedDocuments(ctx context.Context, provider, project string) ([]*entity.Document, error) {
	query := headsQuery + ` AND ` + db.JSONExtract(s.driver, "d.metadata", "_externalSync.provider") + ` = ?`
	args := []any{provider}
	if project != "" {
		query += ` AND ` + db.JSONExtract(s.driver, "d.metadata", "_externalSync.project") + ` = ?`
		args = append(args, project)
	}
	query += ` ORDER BY d.created_at ASC`

	ro := s.reader()
	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*entity.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
