package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/open-notebook/open-notebook/internal/repo"
	"github.com/open-notebook/open-notebook/pkg/models"
)

// commandChannel is the NOTIFY channel that wakes idle workers.
const commandChannel = "commands"

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// PostgresStore implements Store over the repository. A background
// listener bridges NOTIFY on the commands channel into CommandSignals.
type PostgresStore struct {
	repo    *repo.Repo
	signals chan struct{}
	cancel  context.CancelFunc
}

// NewPostgresStore wraps r and starts the command listener. The store
// takes ownership of r; Close releases it.
func NewPostgresStore(r *repo.Repo) *PostgresStore {
	ctx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		repo:    r,
		signals: make(chan struct{}, 1),
		cancel:  cancel,
	}
	go s.listen(ctx)
	return s
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

func (s *PostgresStore) MigrationVersion(ctx context.Context) (int, error) {
	return s.repo.MigrationVersion(ctx)
}

func (s *PostgresStore) Close() error {
	s.cancel()
	s.repo.Close()
	return nil
}

func (s *PostgresStore) signal() {
	select {
	case s.signals <- struct{}{}:
	default:
	}
}

// listen re-establishes the NOTIFY subscription whenever it drops. The
// worker's ticker covers any notification lost during a reconnect.
func (s *PostgresStore) listen(ctx context.Context) {
	for {
		err := s.repo.Listen(ctx, commandChannel, func(string) { s.signal() })
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Msg("command listener dropped, reconnecting")
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

// ── query helpers ───────────────────────────────────────────

func (s *PostgresStore) queryAll(ctx context.Context, ds *goqu.SelectDataset, scan func(pgx.Rows) error) error {
	sql, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("build select: %w", err)
	}
	return s.repo.Query(ctx, func(rows pgx.Rows) error {
		for rows.Next() {
			if err := scan(rows); err != nil {
				return err
			}
		}
		return nil
	}, sql, args...)
}

// queryFirst scans at most one row; found reports whether one existed.
func (s *PostgresStore) queryFirst(ctx context.Context, ds *goqu.SelectDataset, scan func(pgx.Rows) error) (bool, error) {
	sql, args, err := ds.ToSQL()
	if err != nil {
		return false, fmt.Errorf("build select: %w", err)
	}
	found := false
	err = s.repo.Query(ctx, func(rows pgx.Rows) error {
		if !rows.Next() {
			return nil
		}
		found = true
		return scan(rows)
	}, sql, args...)
	return found, err
}

func ascending(ds *goqu.SelectDataset) *goqu.SelectDataset {
	return ds.Order(goqu.C("created").Asc(), goqu.C("id").Asc())
}

// likePattern escapes LIKE metacharacters and wraps q for substring match.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

// ── User Store ──────────────────────────────────────────────

var userCols = []interface{}{
	"id", "email", "hashed_password", "display_name", "is_active", "is_admin",
	"has_completed_onboarding", "created", "updated",
}

func scanUser(rows pgx.Rows, u *models.User) error {
	return rows.Scan(&u.ID, &u.Email, &u.HashedPassword, &u.DisplayName,
		&u.IsActive, &u.IsAdmin, &u.HasCompletedOnboarding, &u.Created, &u.Updated)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	id = repo.NormalizeID("user", id)
	var u models.User
	found, err := s.queryFirst(ctx,
		repo.Select("users").Select(userCols...).Where(goqu.Ex{"id": id}),
		func(rows pgx.Rows) error { return scanUser(rows, &u) })
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ErrNotFound{Entity: "user", Key: id}
	}
	return &u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(email)
	var u models.User
	found, err := s.queryFirst(ctx,
		repo.Select("users").Select(userCols...).Where(goqu.Ex{"email": email}),
		func(rows pgx.Rows) error { return scanUser(rows, &u) })
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ErrNotFound{Entity: "user", Key: email}
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = models.NewID("user")
	}
	user.Email = strings.ToLower(user.Email)
	user.Created, user.Updated = time.Now().UTC(), time.Now().UTC()
	return s.repo.Insert(ctx, "users", goqu.Record{
		"id":                       user.ID,
		"email":                    user.Email,
		"hashed_password":          user.HashedPassword,
		"display_name":             user.DisplayName,
		"is_active":                user.IsActive,
		"is_admin":                 user.IsAdmin,
		"has_completed_onboarding": user.HasCompletedOnboarding,
		"created":                  user.Created,
		"updated":                  user.Updated,
	})
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user *models.User) error {
	user.Updated = time.Now().UTC()
	n, err := s.repo.Update(ctx, "users", goqu.Record{
		"email":                    strings.ToLower(user.Email),
		"hashed_password":          user.HashedPassword,
		"display_name":             user.DisplayName,
		"is_active":                user.IsActive,
		"is_admin":                 user.IsAdmin,
		"has_completed_onboarding": user.HasCompletedOnboarding,
		"updated":                  user.Updated,
	}, goqu.Ex{"id": user.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "user", Key: user.ID}
	}
	return nil
}

// ── Secret Store ────────────────────────────────────────────

var secretCols = []interface{}{
	"id", "user_id", "provider", "encrypted_value", "display_name", "created", "updated",
}

func scanSecret(rows pgx.Rows, sec *models.UserProviderSecret) error {
	return rows.Scan(&sec.ID, &sec.User, &sec.Provider, &sec.EncryptedValue,
		&sec.DisplayName, &sec.Created, &sec.Updated)
}

func (s *PostgresStore) ListSecrets(ctx context.Context, userID string) ([]models.UserProviderSecret, error) {
	var out []models.UserProviderSecret
	err := s.queryAll(ctx,
		repo.Select("user_provider_secrets").Select(secretCols...).
			Where(goqu.Ex{"user_id": userID}).Order(goqu.C("provider").Asc()),
		func(rows pgx.Rows) error {
			var sec models.UserProviderSecret
			if err := scanSecret(rows, &sec); err != nil {
				return err
			}
			out = append(out, sec)
			return nil
		})
	return out, err
}

func (s *PostgresStore) GetSecret(ctx context.Context, userID string, provider models.Provider) (*models.UserProviderSecret, error) {
	var sec models.UserProviderSecret
	found, err := s.queryFirst(ctx,
		repo.Select("user_provider_secrets").Select(secretCols...).
			Where(goqu.Ex{"user_id": userID, "provider": string(provider)}),
		func(rows pgx.Rows) error { return scanSecret(rows, &sec) })
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ErrNotFound{Entity: "secret", Key: string(provider)}
	}
	return &sec, nil
}

func (s *PostgresStore) UpsertSecret(ctx context.Context, secret *models.UserProviderSecret) error {
	if secret.ID == "" {
		secret.ID = models.NewID("user_provider_secret")
	}
	now := time.Now().UTC()
	secret.Updated = now
	sql, args, err := goqu.Dialect("postgres").Insert("user_provider_secrets").Prepared(true).
		Rows(goqu.Record{
			"id":              secret.ID,
			"user_id":         secret.User,
			"provider":        string(secret.Provider),
			"encrypted_value": secret.EncryptedValue,
			"display_name":    secret.DisplayName,
			"created":         now,
			"updated":         now,
		}).
		OnConflict(goqu.DoUpdate("user_id, provider", goqu.Record{
			"encrypted_value": secret.EncryptedValue,
			"display_name":    secret.DisplayName,
			"updated":         now,
		})).
		Returning("id", "created").
		ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert secret: %w", err)
	}
	return s.repo.QueryRow(ctx, []interface{}{&secret.ID, &secret.Created}, sql, args...)
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, userID string, provider models.Provider) error {
	n, err := s.repo.Delete(ctx, "user_provider_secrets",
		goqu.Ex{"user_id": userID, "provider": string(provider)})
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "secret", Key: string(provider)}
	}
	return nil
}

// ── Notebook Store ──────────────────────────────────────────

var notebookCols = []interface{}{
	"id", "name", "description", "archived", "owner", "created", "updated",
}

func scanNotebook(rows pgx.Rows, n *models.Notebook) error {
	return rows.Scan(&n.ID, &n.Name, &n.Description, &n.Archived, &n.Owner,
		&n.Created, &n.Updated)
}

func (s *PostgresStore) ListNotebooks(ctx context.Context, owner string) ([]models.Notebook, error) {
	ds := ascending(repo.Select("notebooks").Select(notebookCols...))
	if owner != "" {
		ds = ds.Where(goqu.Ex{"owner": owner})
	}
	var out []models.Notebook
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var n models.Notebook
		if err := scanNotebook(rows, &n); err != nil {
			return err
		}
		out = append(out, n)
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetNotebook(ctx context.Context, owner, id string) (*models.Notebook, error) {
	id = repo.NormalizeID("notebook", id)
	var n models.Notebook
	found, err := s.queryFirst(ctx,
		repo.Select("notebooks").Select(notebookCols...).Where(goqu.Ex{"id": id}),
		func(rows pgx.Rows) error { return scanNotebook(rows, &n) })
	if err != nil {
		return nil, err
	}
	if !found || (owner != "" && n.Owner != owner) {
		return nil, &ErrNotFound{Entity: "notebook", Key: id}
	}
	return &n, nil
}

func (s *PostgresStore) CreateNotebook(ctx context.Context, notebook *models.Notebook) error {
	if notebook.ID == "" {
		notebook.ID = models.NewID("notebook")
	}
	notebook.Created, notebook.Updated = time.Now().UTC(), time.Now().UTC()
	return s.repo.Insert(ctx, "notebooks", goqu.Record{
		"id":          notebook.ID,
		"name":        notebook.Name,
		"description": notebook.Description,
		"archived":    notebook.Archived,
		"owner":       notebook.Owner,
		"created":     notebook.Created,
		"updated":     notebook.Updated,
	})
}

func (s *PostgresStore) UpdateNotebook(ctx context.Context, notebook *models.Notebook) error {
	notebook.Updated = time.Now().UTC()
	n, err := s.repo.Update(ctx, "notebooks", goqu.Record{
		"name":        notebook.Name,
		"description": notebook.Description,
		"archived":    notebook.Archived,
		"updated":     notebook.Updated,
	}, goqu.Ex{"id": notebook.ID, "owner": notebook.Owner})
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "notebook", Key: notebook.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteNotebook(ctx context.Context, owner, id string) error {
	id = repo.NormalizeID("notebook", id)
	where := goqu.Ex{"id": id}
	if owner != "" {
		where["owner"] = owner
	}
	n, err := s.repo.Delete(ctx, "notebooks", where)
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "notebook", Key: id}
	}
	_, err = s.repo.Delete(ctx, "notebook_sources", goqu.Ex{"notebook_id": id})
	return err
}

func (s *PostgresStore) AddSourceToNotebook(ctx context.Context, notebookID, sourceID string) error {
	notebookID = repo.NormalizeID("notebook", notebookID)
	sourceID = repo.NormalizeID("source", sourceID)
	if _, err := s.GetNotebook(ctx, "", notebookID); err != nil {
		return err
	}
	if _, err := s.GetSource(ctx, "", sourceID); err != nil {
		return err
	}
	return s.repo.Relate(ctx, "notebook_sources", goqu.Record{
		"notebook_id": notebookID,
		"source_id":   sourceID,
	})
}

func (s *PostgresStore) RemoveSourceFromNotebook(ctx context.Context, notebookID, sourceID string) error {
	_, err := s.repo.Delete(ctx, "notebook_sources", goqu.Ex{
		"notebook_id": repo.NormalizeID("notebook", notebookID),
		"source_id":   repo.NormalizeID("source", sourceID),
	})
	return err
}

func (s *PostgresStore) ListNotebookSources(ctx context.Context, owner, notebookID string) ([]models.Source, error) {
	notebookID = repo.NormalizeID("notebook", notebookID)
	if _, err := s.GetNotebook(ctx, owner, notebookID); err != nil {
		return nil, err
	}
	const q = `SELECT s.id, s.title, s.owner, s.asset_kind, s.asset_file_path,
		s.asset_url, s.asset_inline, s.full_text, s.content_length,
		s.embedded_chunks, s.status, s.error_message, s.command_id,
		s.created, s.updated
	FROM sources s
	JOIN notebook_sources ns ON ns.source_id = s.id
	WHERE ns.notebook_id = $1
	ORDER BY s.created, s.id`
	var out []models.Source
	err := s.repo.Query(ctx, func(rows pgx.Rows) error {
		for rows.Next() {
			var src models.Source
			if err := scanSource(rows, &src); err != nil {
				return err
			}
			out = append(out, src)
		}
		return nil
	}, q, notebookID)
	return out, err
}

// ── Source Store ────────────────────────────────────────────

var sourceCols = []interface{}{
	"id", "title", "owner", "asset_kind", "asset_file_path", "asset_url",
	"asset_inline", "full_text", "content_length", "embedded_chunks",
	"status", "error_message", "command_id", "created", "updated",
}

func scanSource(rows pgx.Rows, src *models.Source) error {
	return rows.Scan(&src.ID, &src.Title, &src.Owner, &src.Asset.Kind,
		&src.Asset.FilePath, &src.Asset.URL, &src.Asset.Inline, &src.FullText,
		&src.ContentLength, &src.EmbeddedChunks, &src.Status, &src.ErrorMessage,
		&src.Command, &src.Created, &src.Updated)
}

func (s *PostgresStore) ListSources(ctx context.Context, owner string) ([]models.Source, error) {
	ds := ascending(repo.Select("sources").Select(sourceCols...))
	if owner != "" {
		ds = ds.Where(goqu.Ex{"owner": owner})
	}
	var out []models.Source
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var src models.Source
		if err := scanSource(rows, &src); err != nil {
			return err
		}
		out = append(out, src)
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetSource(ctx context.Context, owner, id string) (*models.Source, error) {
	id = repo.NormalizeID("source", id)
	var src models.Source
	found, err := s.queryFirst(ctx,
		repo.Select("sources").Select(sourceCols...).Where(goqu.Ex{"id": id}),
		func(rows pgx.Rows) error { return scanSource(rows, &src) })
	if err != nil {
		return nil, err
	}
	if !found || (owner != "" && src.Owner != owner) {
		return nil, &ErrNotFound{Entity: "source", Key: id}
	}
	return &src, nil
}

func (s *PostgresStore) CreateSource(ctx context.Context, source *models.Source) error {
	if source.ID == "" {
		source.ID = models.NewID("source")
	}
	if source.Status == "" {
		source.Status = models.SourceQueued
	}
	source.Created, source.Updated = time.Now().UTC(), time.Now().UTC()
	return s.repo.Insert(ctx, "sources", goqu.Record{
		"id":              source.ID,
		"title":           source.Title,
		"owner":           source.Owner,
		"asset_kind":      string(source.Asset.Kind),
		"asset_file_path": source.Asset.FilePath,
		"asset_url":       source.Asset.URL,
		"asset_inline":    source.Asset.Inline,
		"full_text":       source.FullText,
		"content_length":  source.ContentLength,
		"embedded_chunks": source.EmbeddedChunks,
		"status":          string(source.Status),
		"error_message":   source.ErrorMessage,
		"command_id":      source.Command,
		"created":         source.Created,
		"updated":         source.Updated,
	})
}

func (s *PostgresStore) UpdateSource(ctx context.Context, source *models.Source) error {
	source.Updated = time.Now().UTC()
	n, err := s.repo.Update(ctx, "sources", goqu.Record{
		"title":           source.Title,
		"asset_kind":      string(source.Asset.Kind),
		"asset_file_path": source.Asset.FilePath,
		"asset_url":       source.Asset.URL,
		"asset_inline":    source.Asset.Inline,
		"full_text":       source.FullText,
		"content_length":  source.ContentLength,
		"embedded_chunks": source.EmbeddedChunks,
		"status":          string(source.Status),
		"error_message":   source.ErrorMessage,
		"command_id":      source.Command,
		"updated":         source.Updated,
	}, goqu.Ex{"id": source.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "source", Key: source.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteSource(ctx context.Context, owner, id string) error {
	id = repo.NormalizeID("source", id)
	where := goqu.Ex{"id": id}
	if owner != "" {
		where["owner"] = owner
	}
	n, err := s.repo.Delete(ctx, "sources", where)
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "source", Key: id}
	}
	if _, err := s.repo.Delete(ctx, "chunks", goqu.Ex{"source_id": id}); err != nil {
		return err
	}
	if _, err := s.repo.Delete(ctx, "insights", goqu.Ex{"source_id": id}); err != nil {
		return err
	}
	_, err = s.repo.Delete(ctx, "notebook_sources", goqu.Ex{"source_id": id})
	return err
}

func (s *PostgresStore) SetSourceStatus(ctx context.Context, id string, status models.SourceStatus, errorMessage string) error {
	id = repo.NormalizeID("source", id)
	n, err := s.repo.Update(ctx, "sources", goqu.Record{
		"status":        string(status),
		"error_message": errorMessage,
		"updated":       time.Now().UTC(),
	}, goqu.Ex{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "source", Key: id}
	}
	return nil
}

func (s *PostgresStore) SearchSourcesText(ctx context.Context, owner, query string, limit int) ([]models.Source, error) {
	pattern := likePattern(query)
	ds := ascending(repo.Select("sources").Select(sourceCols...)).
		Where(goqu.Or(goqu.C("title").ILike(pattern), goqu.C("full_text").ILike(pattern)))
	if owner != "" {
		ds = ds.Where(goqu.Ex{"owner": owner})
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	var out []models.Source
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var src models.Source
		if err := scanSource(rows, &src); err != nil {
			return err
		}
		out = append(out, src)
		return nil
	})
	return out, err
}

// ── Chunk Store ─────────────────────────────────────────────

func scanChunk(rows pgx.Rows, c *models.Chunk) error {
	var emb *string
	if err := rows.Scan(&c.ID, &c.Source, &c.Index, &c.Content, &emb); err != nil {
		return err
	}
	if emb != nil {
		v, err := repo.ParseVector(*emb)
		if err != nil {
			return err
		}
		c.Embedding = v
	}
	return nil
}

func (s *PostgresStore) ListChunks(ctx context.Context, sourceID string) ([]models.Chunk, error) {
	sourceID = repo.NormalizeID("source", sourceID)
	ds := repo.Select("chunks").
		Select("id", "source_id", "chunk_index", "content", goqu.L("embedding::text")).
		Where(goqu.Ex{"source_id": sourceID}).
		Order(goqu.C("chunk_index").Asc())
	var out []models.Chunk
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var c models.Chunk
		if err := scanChunk(rows, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (s *PostgresStore) DeleteChunks(ctx context.Context, sourceID string) error {
	_, err := s.repo.Delete(ctx, "chunks", goqu.Ex{"source_id": repo.NormalizeID("source", sourceID)})
	return err
}

func (s *PostgresStore) CreateChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	recs := make([]interface{}, 0, len(chunks))
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			c.ID = models.NewID("chunk")
		}
		var embedding interface{}
		if len(c.Embedding) > 0 {
			embedding = repo.VectorLiteral(c.Embedding)
		}
		recs = append(recs, goqu.Record{
			"id":          c.ID,
			"source_id":   c.Source,
			"chunk_index": c.Index,
			"content":     c.Content,
			"embedding":   embedding,
		})
	}
	sql, args, err := goqu.Dialect("postgres").Insert("chunks").Prepared(true).Rows(recs...).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert chunks: %w", err)
	}
	_, err = s.repo.Exec(ctx, sql, args...)
	return err
}

func (s *PostgresStore) CountEmbeddedChunks(ctx context.Context, sourceID string) (int, error) {
	sourceID = repo.NormalizeID("source", sourceID)
	var count int
	err := s.repo.QueryRow(ctx, []interface{}{&count},
		"SELECT COUNT(*) FROM chunks WHERE source_id = $1 AND embedding IS NOT NULL", sourceID)
	return count, err
}

func (s *PostgresStore) SearchChunksByVector(ctx context.Context, owner string, vector []float32, limit int) ([]ScoredChunk, error) {
	query := `SELECT c.id, c.source_id, c.chunk_index, c.content, c.embedding::text,
		1 - (c.embedding <=> $1) AS score
	FROM chunks c
	JOIN sources s ON s.id = c.source_id
	WHERE c.embedding IS NOT NULL`
	args := []interface{}{repo.VectorLiteral(vector)}
	argIdx := 2
	if owner != "" {
		query += fmt.Sprintf(" AND s.owner = $%d", argIdx)
		args = append(args, owner)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY c.embedding <=> $1 LIMIT $%d", argIdx)
	args = append(args, limit)

	var out []ScoredChunk
	err := s.repo.Query(ctx, func(rows pgx.Rows) error {
		for rows.Next() {
			var sc ScoredChunk
			var emb *string
			if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.Source, &sc.Chunk.Index, &sc.Chunk.Content, &emb, &sc.Score); err != nil {
				return err
			}
			if emb != nil {
				v, err := repo.ParseVector(*emb)
				if err != nil {
					return err
				}
				sc.Chunk.Embedding = v
			}
			out = append(out, sc)
		}
		return nil
	}, query, args...)
	return out, err
}

// ── Insight Store ───────────────────────────────────────────

var insightCols = []interface{}{"id", "source_id", "transformation_id", "content", "created"}

func (s *PostgresStore) ListInsights(ctx context.Context, owner, sourceID string) ([]models.Insight, error) {
	sourceID = repo.NormalizeID("source", sourceID)
	if _, err := s.GetSource(ctx, owner, sourceID); err != nil {
		return nil, err
	}
	ds := ascending(repo.Select("insights").Select(insightCols...).
		Where(goqu.Ex{"source_id": sourceID}))
	var out []models.Insight
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var ins models.Insight
		if err := rows.Scan(&ins.ID, &ins.Source, &ins.Transformation, &ins.Content, &ins.Created); err != nil {
			return err
		}
		out = append(out, ins)
		return nil
	})
	return out, err
}

func (s *PostgresStore) CreateInsight(ctx context.Context, insight *models.Insight) error {
	if insight.ID == "" {
		insight.ID = models.NewID("insight")
	}
	insight.Created = time.Now().UTC()
	return s.repo.Insert(ctx, "insights", goqu.Record{
		"id":                insight.ID,
		"source_id":         insight.Source,
		"transformation_id": insight.Transformation,
		"content":           insight.Content,
		"created":           insight.Created,
	})
}

func (s *PostgresStore) DeleteInsights(ctx context.Context, sourceID string) error {
	_, err := s.repo.Delete(ctx, "insights", goqu.Ex{"source_id": repo.NormalizeID("source", sourceID)})
	return err
}

func (s *PostgresStore) DeleteInsightsByTransformation(ctx context.Context, sourceID, transformationID string) error {
	_, err := s.repo.Delete(ctx, "insights", goqu.Ex{
		"source_id":         repo.NormalizeID("source", sourceID),
		"transformation_id": transformationID,
	})
	return err
}

// ── Transformation Store ────────────────────────────────────

var transformationCols = []interface{}{
	"id", "name", "prompt_template", "owner", "created", "updated",
}

func scanTransformation(rows pgx.Rows, tr *models.Transformation) error {
	return rows.Scan(&tr.ID, &tr.Name, &tr.PromptTemplate, &tr.Owner, &tr.Created, &tr.Updated)
}

func (s *PostgresStore) ListTransformations(ctx context.Context, owner string) ([]models.Transformation, error) {
	ds := ascending(repo.Select("transformations").Select(transformationCols...))
	if owner != "" {
		// System rows (owner '') are visible to everyone.
		ds = ds.Where(goqu.Ex{"owner": []string{"", owner}})
	}
	var out []models.Transformation
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var tr models.Transformation
		if err := scanTransformation(rows, &tr); err != nil {
			return err
		}
		out = append(out, tr)
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetTransformation(ctx context.Context, owner, id string) (*models.Transformation, error) {
	id = repo.NormalizeID("transformation", id)
	var tr models.Transformation
	found, err := s.queryFirst(ctx,
		repo.Select("transformations").Select(transformationCols...).Where(goqu.Ex{"id": id}),
		func(rows pgx.Rows) error { return scanTransformation(rows, &tr) })
	if err != nil {
		return nil, err
	}
	if !found || (tr.Owner != "" && owner != "" && tr.Owner != owner) {
		return nil, &ErrNotFound{Entity: "transformation", Key: id}
	}
	return &tr, nil
}

func (s *PostgresStore) CreateTransformation(ctx context.Context, transformation *models.Transformation) error {
	if transformation.ID == "" {
		transformation.ID = models.NewID("transformation")
	}
	transformation.Created, transformation.Updated = time.Now().UTC(), time.Now().UTC()
	return s.repo.Insert(ctx, "transformations", goqu.Record{
		"id":              transformation.ID,
		"name":            transformation.Name,
		"prompt_template": transformation.PromptTemplate,
		"owner":           transformation.Owner,
		"created":         transformation.Created,
		"updated":         transformation.Updated,
	})
}

func (s *PostgresStore) UpdateTransformation(ctx context.Context, transformation *models.Transformation) error {
	existing, err := s.GetTransformation(ctx, transformation.Owner, transformation.ID)
	if err != nil {
		return err
	}
	if existing.Owner != "" && existing.Owner != transformation.Owner {
		return &ErrNotFound{Entity: "transformation", Key: transformation.ID}
	}
	transformation.Updated = time.Now().UTC()
	_, err = s.repo.Update(ctx, "transformations", goqu.Record{
		"name":            transformation.Name,
		"prompt_template": transformation.PromptTemplate,
		"updated":         transformation.Updated,
	}, goqu.Ex{"id": transformation.ID})
	return err
}

func (s *PostgresStore) DeleteTransformation(ctx context.Context, owner, id string) error {
	id = repo.NormalizeID("transformation", id)
	if _, err := s.GetTransformation(ctx, owner, id); err != nil {
		return err
	}
	_, err := s.repo.Delete(ctx, "transformations", goqu.Ex{"id": id})
	return err
}

// ── Note Store ──────────────────────────────────────────────

var noteCols = []interface{}{
	"id", "title", "content", "owner", "notebook_id", "created", "updated",
}

func scanNote(rows pgx.Rows, n *models.Note) error {
	return rows.Scan(&n.ID, &n.Title, &n.Content, &n.Owner, &n.Notebook, &n.Created, &n.Updated)
}

func (s *PostgresStore) ListNotes(ctx context.Context, owner, notebookID string) ([]models.Note, error) {
	notebookID = repo.NormalizeID("notebook", notebookID)
	ds := ascending(repo.Select("notes").Select(noteCols...).
		Where(goqu.Ex{"notebook_id": notebookID}))
	if owner != "" {
		ds = ds.Where(goqu.Ex{"owner": owner})
	}
	var out []models.Note
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var n models.Note
		if err := scanNote(rows, &n); err != nil {
			return err
		}
		out = append(out, n)
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetNote(ctx context.Context, owner, id string) (*models.Note, error) {
	id = repo.NormalizeID("note", id)
	var n models.Note
	found, err := s.queryFirst(ctx,
		repo.Select("notes").Select(noteCols...).Where(goqu.Ex{"id": id}),
		func(rows pgx.Rows) error { return scanNote(rows, &n) })
	if err != nil {
		return nil, err
	}
	if !found || (owner != "" && n.Owner != owner) {
		return nil, &ErrNotFound{Entity: "note", Key: id}
	}
	return &n, nil
}

func (s *PostgresStore) CreateNote(ctx context.Context, note *models.Note) error {
	if note.ID == "" {
		note.ID = models.NewID("note")
	}
	note.Created, note.Updated = time.Now().UTC(), time.Now().UTC()
	return s.repo.Insert(ctx, "notes", goqu.Record{
		"id":          note.ID,
		"title":       note.Title,
		"content":     note.Content,
		"owner":       note.Owner,
		"notebook_id": note.Notebook,
		"created":     note.Created,
		"updated":     note.Updated,
	})
}

func (s *PostgresStore) UpdateNote(ctx context.Context, note *models.Note) error {
	note.Updated = time.Now().UTC()
	n, err := s.repo.Update(ctx, "notes", goqu.Record{
		"title":   note.Title,
		"content": note.Content,
		"updated": note.Updated,
	}, goqu.Ex{"id": note.ID, "owner": note.Owner})
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "note", Key: note.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteNote(ctx context.Context, owner, id string) error {
	id = repo.NormalizeID("note", id)
	where := goqu.Ex{"id": id}
	if owner != "" {
		where["owner"] = owner
	}
	n, err := s.repo.Delete(ctx, "notes", where)
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "note", Key: id}
	}
	return nil
}

// ── Chat Store ──────────────────────────────────────────────

var sessionCols = []interface{}{
	"id", "owner", "notebook_id", "title", "created", "updated",
}

func scanSession(rows pgx.Rows, sess *models.ChatSession) error {
	return rows.Scan(&sess.ID, &sess.Owner, &sess.Notebook, &sess.Title, &sess.Created, &sess.Updated)
}

func (s *PostgresStore) ListChatSessions(ctx context.Context, owner, notebookID string) ([]models.ChatSession, error) {
	notebookID = repo.NormalizeID("notebook", notebookID)
	ds := ascending(repo.Select("chat_sessions").Select(sessionCols...).
		Where(goqu.Ex{"notebook_id": notebookID}))
	if owner != "" {
		ds = ds.Where(goqu.Ex{"owner": owner})
	}
	var out []models.ChatSession
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var sess models.ChatSession
		if err := scanSession(rows, &sess); err != nil {
			return err
		}
		out = append(out, sess)
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetChatSession(ctx context.Context, owner, id string) (*models.ChatSession, error) {
	id = repo.NormalizeID("chat_session", id)
	var sess models.ChatSession
	found, err := s.queryFirst(ctx,
		repo.Select("chat_sessions").Select(sessionCols...).Where(goqu.Ex{"id": id}),
		func(rows pgx.Rows) error { return scanSession(rows, &sess) })
	if err != nil {
		return nil, err
	}
	if !found || (owner != "" && sess.Owner != owner) {
		return nil, &ErrNotFound{Entity: "chat_session", Key: id}
	}
	return &sess, nil
}

func (s *PostgresStore) CreateChatSession(ctx context.Context, session *models.ChatSession) error {
	if session.ID == "" {
		session.ID = models.NewID("chat_session")
	}
	session.Created, session.Updated = time.Now().UTC(), time.Now().UTC()
	return s.repo.Insert(ctx, "chat_sessions", goqu.Record{
		"id":          session.ID,
		"owner":       session.Owner,
		"notebook_id": session.Notebook,
		"title":       session.Title,
		"created":     session.Created,
		"updated":     session.Updated,
	})
}

func (s *PostgresStore) DeleteChatSession(ctx context.Context, owner, id string) error {
	id = repo.NormalizeID("chat_session", id)
	where := goqu.Ex{"id": id}
	if owner != "" {
		where["owner"] = owner
	}
	n, err := s.repo.Delete(ctx, "chat_sessions", where)
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "chat_session", Key: id}
	}
	_, err = s.repo.Delete(ctx, "chat_messages", goqu.Ex{"session_id": id})
	return err
}

func (s *PostgresStore) AppendChatMessage(ctx context.Context, message *models.ChatMessage) error {
	if _, err := s.GetChatSession(ctx, "", message.Session); err != nil {
		return err
	}
	if message.ID == "" {
		message.ID = models.NewID("chat_message")
	}
	message.Created = time.Now().UTC()
	// The subquery assigns the next sequence number; UNIQUE(session_id,
	// seq) catches a cross-process race.
	const q = `INSERT INTO chat_messages (id, session_id, seq, role, content, created)
	VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE session_id = $2), $3, $4, $5)
	RETURNING seq`
	err := s.repo.QueryRow(ctx, []interface{}{&message.Seq},
		q, message.ID, message.Session, string(message.Role), message.Content, message.Created)
	if err != nil {
		return err
	}
	_, err = s.repo.Update(ctx, "chat_sessions",
		goqu.Record{"updated": time.Now().UTC()}, goqu.Ex{"id": message.Session})
	return err
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	sessionID = repo.NormalizeID("chat_session", sessionID)
	ds := repo.Select("chat_messages").
		Select("id", "session_id", "seq", "role", "content", "created").
		Where(goqu.Ex{"session_id": sessionID}).
		Order(goqu.C("seq").Asc())
	var out []models.ChatMessage
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var msg models.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.Session, &msg.Seq, &msg.Role, &msg.Content, &msg.Created); err != nil {
			return err
		}
		out = append(out, msg)
		return nil
	})
	return out, err
}

// ── Episode Store ───────────────────────────────────────────

var episodeCols = []interface{}{
	"id", "name", "owner", "notebook_id", "profile_id", "transcript",
	"audio_file", "status", "error_message", "command_id", "created", "updated",
}

func scanEpisode(rows pgx.Rows, e *models.Episode) error {
	return rows.Scan(&e.ID, &e.Name, &e.Owner, &e.Notebook, &e.Profile,
		&e.Transcript, &e.AudioFile, &e.Status, &e.ErrorMessage, &e.Command,
		&e.Created, &e.Updated)
}

func (s *PostgresStore) ListEpisodes(ctx context.Context, owner string) ([]models.Episode, error) {
	ds := ascending(repo.Select("episodes").Select(episodeCols...))
	if owner != "" {
		ds = ds.Where(goqu.Ex{"owner": owner})
	}
	var out []models.Episode
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var e models.Episode
		if err := scanEpisode(rows, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetEpisode(ctx context.Context, owner, id string) (*models.Episode, error) {
	id = repo.NormalizeID("episode", id)
	var e models.Episode
	found, err := s.queryFirst(ctx,
		repo.Select("episodes").Select(episodeCols...).Where(goqu.Ex{"id": id}),
		func(rows pgx.Rows) error { return scanEpisode(rows, &e) })
	if err != nil {
		return nil, err
	}
	if !found || (owner != "" && e.Owner != owner) {
		return nil, &ErrNotFound{Entity: "episode", Key: id}
	}
	return &e, nil
}

func (s *PostgresStore) CreateEpisode(ctx context.Context, episode *models.Episode) error {
	if episode.ID == "" {
		episode.ID = models.NewID("episode")
	}
	if episode.Status == "" {
		episode.Status = models.EpisodeQueued
	}
	episode.Created, episode.Updated = time.Now().UTC(), time.Now().UTC()
	return s.repo.Insert(ctx, "episodes", goqu.Record{
		"id":            episode.ID,
		"name":          episode.Name,
		"owner":         episode.Owner,
		"notebook_id":   episode.Notebook,
		"profile_id":    episode.Profile,
		"transcript":    episode.Transcript,
		"audio_file":    episode.AudioFile,
		"status":        string(episode.Status),
		"error_message": episode.ErrorMessage,
		"command_id":    episode.Command,
		"created":       episode.Created,
		"updated":       episode.Updated,
	})
}

func (s *PostgresStore) UpdateEpisode(ctx context.Context, episode *models.Episode) error {
	episode.Updated = time.Now().UTC()
	n, err := s.repo.Update(ctx, "episodes", goqu.Record{
		"name":          episode.Name,
		"transcript":    episode.Transcript,
		"audio_file":    episode.AudioFile,
		"status":        string(episode.Status),
		"error_message": episode.ErrorMessage,
		"command_id":    episode.Command,
		"updated":       episode.Updated,
	}, goqu.Ex{"id": episode.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "episode", Key: episode.ID}
	}
	return nil
}

var episodeProfileCols = []interface{}{
	"id", "name", "description", "speaker_profiles", "briefing",
	"segment_count", "owner", "created", "updated",
}

func scanEpisodeProfile(rows pgx.Rows, p *models.EpisodeProfile) error {
	return rows.Scan(&p.ID, &p.Name, &p.Description, &p.SpeakerProfiles,
		&p.Briefing, &p.SegmentCount, &p.Owner, &p.Created, &p.Updated)
}

func (s *PostgresStore) ListEpisodeProfiles(ctx context.Context, owner string) ([]models.EpisodeProfile, error) {
	ds := ascending(repo.Select("episode_profiles").Select(episodeProfileCols...))
	if owner != "" {
		ds = ds.Where(goqu.Ex{"owner": []string{"", owner}})
	}
	var out []models.EpisodeProfile
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var p models.EpisodeProfile
		if err := scanEpisodeProfile(rows, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetEpisodeProfile(ctx context.Context, owner, id string) (*models.EpisodeProfile, error) {
	id = repo.NormalizeID("episode_profile", id)
	var p models.EpisodeProfile
	found, err := s.queryFirst(ctx,
		repo.Select("episode_profiles").Select(episodeProfileCols...).Where(goqu.Ex{"id": id}),
		func(rows pgx.Rows) error { return scanEpisodeProfile(rows, &p) })
	if err != nil {
		return nil, err
	}
	if !found || (p.Owner != "" && owner != "" && p.Owner != owner) {
		return nil, &ErrNotFound{Entity: "episode_profile", Key: id}
	}
	return &p, nil
}

func (s *PostgresStore) CreateEpisodeProfile(ctx context.Context, profile *models.EpisodeProfile) error {
	if profile.ID == "" {
		profile.ID = models.NewID("episode_profile")
	}
	profile.Created, profile.Updated = time.Now().UTC(), time.Now().UTC()
	speakers := profile.SpeakerProfiles
	if speakers == nil {
		speakers = []string{}
	}
	return s.repo.Insert(ctx, "episode_profiles", goqu.Record{
		"id":               profile.ID,
		"name":             profile.Name,
		"description":      profile.Description,
		"speaker_profiles": speakers,
		"briefing":         profile.Briefing,
		"segment_count":    profile.SegmentCount,
		"owner":            profile.Owner,
		"created":          profile.Created,
		"updated":          profile.Updated,
	})
}

var speakerProfileCols = []interface{}{
	"id", "name", "voice_id", "personality", "owner", "created", "updated",
}

func scanSpeakerProfile(rows pgx.Rows, p *models.SpeakerProfile) error {
	return rows.Scan(&p.ID, &p.Name, &p.VoiceID, &p.Personality, &p.Owner, &p.Created, &p.Updated)
}

func (s *PostgresStore) ListSpeakerProfiles(ctx context.Context, owner string) ([]models.SpeakerProfile, error) {
	ds := ascending(repo.Select("speaker_profiles").Select(speakerProfileCols...))
	if owner != "" {
		ds = ds.Where(goqu.Ex{"owner": []string{"", owner}})
	}
	var out []models.SpeakerProfile
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var p models.SpeakerProfile
		if err := scanSpeakerProfile(rows, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetSpeakerProfile(ctx context.Context, owner, id string) (*models.SpeakerProfile, error) {
	id = repo.NormalizeID("speaker_profile", id)
	var p models.SpeakerProfile
	found, err := s.queryFirst(ctx,
		repo.Select("speaker_profiles").Select(speakerProfileCols...).Where(goqu.Ex{"id": id}),
		func(rows pgx.Rows) error { return scanSpeakerProfile(rows, &p) })
	if err != nil {
		return nil, err
	}
	if !found || (p.Owner != "" && owner != "" && p.Owner != owner) {
		return nil, &ErrNotFound{Entity: "speaker_profile", Key: id}
	}
	return &p, nil
}

func (s *PostgresStore) CreateSpeakerProfile(ctx context.Context, profile *models.SpeakerProfile) error {
	if profile.ID == "" {
		profile.ID = models.NewID("speaker_profile")
	}
	profile.Created, profile.Updated = time.Now().UTC(), time.Now().UTC()
	return s.repo.Insert(ctx, "speaker_profiles", goqu.Record{
		"id":          profile.ID,
		"name":        profile.Name,
		"voice_id":    profile.VoiceID,
		"personality": profile.Personality,
		"owner":       profile.Owner,
		"created":     profile.Created,
		"updated":     profile.Updated,
	})
}

// ── Command Store ───────────────────────────────────────────

const commandSelectCols = `id, namespace, name, input, status, result,
	error_message, claimed_at, claimed_by, attempts, created, updated`

func scanCommand(rows pgx.Rows, c *models.Command) error {
	var inputB, resultB []byte
	if err := rows.Scan(&c.ID, &c.Namespace, &c.Name, &inputB, &c.Status,
		&resultB, &c.ErrorMessage, &c.ClaimedAt, &c.ClaimedBy, &c.Attempts,
		&c.Created, &c.Updated); err != nil {
		return err
	}
	if len(inputB) > 0 {
		if err := json.Unmarshal(inputB, &c.Input); err != nil {
			return fmt.Errorf("decode command input: %w", err)
		}
	}
	if len(resultB) > 0 {
		if err := json.Unmarshal(resultB, &c.Result); err != nil {
			return fmt.Errorf("decode command result: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	id = repo.NormalizeID("command", id)
	var c models.Command
	found := false
	err := s.repo.Query(ctx, func(rows pgx.Rows) error {
		if !rows.Next() {
			return nil
		}
		found = true
		return scanCommand(rows, &c)
	}, "SELECT "+commandSelectCols+" FROM commands WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ErrNotFound{Entity: "command", Key: id}
	}
	return &c, nil
}

func (s *PostgresStore) CreateCommand(ctx context.Context, command *models.Command) error {
	if command.ID == "" {
		command.ID = models.NewID("command")
	}
	if command.Status == "" {
		command.Status = models.CommandNew
	}
	command.Created, command.Updated = time.Now().UTC(), time.Now().UTC()
	input, err := json.Marshal(command.Input)
	if err != nil {
		return fmt.Errorf("encode command input: %w", err)
	}
	if err := s.repo.Insert(ctx, "commands", goqu.Record{
		"id":            command.ID,
		"namespace":     command.Namespace,
		"name":          command.Name,
		"input":         input,
		"status":        string(command.Status),
		"error_message": command.ErrorMessage,
		"claimed_at":    command.ClaimedAt,
		"claimed_by":    command.ClaimedBy,
		"attempts":      command.Attempts,
		"created":       command.Created,
		"updated":       command.Updated,
	}); err != nil {
		return err
	}
	if err := s.repo.Notify(ctx, commandChannel, command.ID); err != nil {
		log.Warn().Err(err).Str("command_id", command.ID).Msg("command notify failed")
	}
	return nil
}

func (s *PostgresStore) ClaimNextCommand(ctx context.Context, workerID string) (*models.Command, error) {
	// SKIP LOCKED keeps concurrent workers from double-claiming without
	// serializing them on the queue head.
	const q = `UPDATE commands SET
		status = 'running', claimed_at = NOW(), claimed_by = $1,
		attempts = attempts + 1, updated = NOW()
	WHERE id = (
		SELECT id FROM commands WHERE status = 'new'
		ORDER BY created, id LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + commandSelectCols
	var c models.Command
	found := false
	err := s.repo.Query(ctx, func(rows pgx.Rows) error {
		if !rows.Next() {
			return nil
		}
		found = true
		return scanCommand(rows, &c)
	}, q, workerID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &c, nil
}

func (s *PostgresStore) ClaimCommand(ctx context.Context, id, workerID string) (*models.Command, error) {
	id = repo.NormalizeID("command", id)
	const q = `UPDATE commands SET
		status = 'running', claimed_at = NOW(), claimed_by = $2,
		attempts = attempts + 1, updated = NOW()
	WHERE id = $1 AND status = 'new'
	RETURNING ` + commandSelectCols
	var c models.Command
	found := false
	err := s.repo.Query(ctx, func(rows pgx.Rows) error {
		if !rows.Next() {
			return nil
		}
		found = true
		return scanCommand(rows, &c)
	}, q, id, workerID)
	if err != nil {
		return nil, err
	}
	if !found {
		// Distinguish a missing command from one already claimed.
		if _, err := s.GetCommand(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &c, nil
}

func (s *PostgresStore) CompleteCommand(ctx context.Context, id string, result map[string]interface{}) error {
	id = repo.NormalizeID("command", id)
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode command result: %w", err)
	}
	n, err := s.repo.Update(ctx, "commands", goqu.Record{
		"status":        string(models.CommandComplete),
		"result":        encoded,
		"error_message": "",
		"updated":       time.Now().UTC(),
	}, goqu.Ex{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "command", Key: id}
	}
	return nil
}

func (s *PostgresStore) FailCommand(ctx context.Context, id, errorMessage string) error {
	id = repo.NormalizeID("command", id)
	n, err := s.repo.Update(ctx, "commands", goqu.Record{
		"status":        string(models.CommandFailed),
		"error_message": errorMessage,
		"updated":       time.Now().UTC(),
	}, goqu.Ex{"id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: "command", Key: id}
	}
	return nil
}

func (s *PostgresStore) CancelCommand(ctx context.Context, id string) error {
	id = repo.NormalizeID("command", id)
	n, err := s.repo.Update(ctx, "commands", goqu.Record{
		"status":        string(models.CommandFailed),
		"error_message": "cancelled",
		"updated":       time.Now().UTC(),
	}, goqu.Ex{"id": id, "status": string(models.CommandNew)})
	if err != nil {
		return err
	}
	if n == 0 {
		// Either gone or already claimed; disambiguate for the caller.
		if _, err := s.GetCommand(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) CountActiveCommandsForSource(ctx context.Context, sourceID string) (int, error) {
	sourceID = repo.NormalizeID("source", sourceID)
	var count int
	err := s.repo.QueryRow(ctx, []interface{}{&count},
		`SELECT COUNT(*) FROM commands
		WHERE status IN ('new', 'running') AND input->>'source_id' = $1`, sourceID)
	return count, err
}

func (s *PostgresStore) ReapExpiredCommands(ctx context.Context, lease time.Duration, maxAttempts int) (int, []models.Command, error) {
	cutoff := time.Now().UTC().Add(-lease)

	var failed []models.Command
	err := s.repo.Query(ctx, func(rows pgx.Rows) error {
		failed = failed[:0]
		for rows.Next() {
			var c models.Command
			if err := scanCommand(rows, &c); err != nil {
				return err
			}
			failed = append(failed, c)
		}
		return nil
	}, `UPDATE commands SET
		status = 'failed', error_message = 'lease expired, retry budget exhausted', updated = NOW()
	WHERE status = 'running' AND claimed_at < $1 AND attempts >= $2
	RETURNING `+commandSelectCols, cutoff, maxAttempts)
	if err != nil {
		return 0, nil, err
	}

	reset, err := s.repo.Exec(ctx, `UPDATE commands SET
		status = 'new', claimed_at = NULL, claimed_by = '', updated = NOW()
	WHERE status = 'running' AND claimed_at < $1 AND attempts < $2`, cutoff, maxAttempts)
	if err != nil {
		return 0, failed, err
	}
	if reset > 0 {
		if err := s.repo.Notify(ctx, commandChannel, ""); err != nil {
			log.Warn().Err(err).Msg("reaper notify failed")
		}
	}
	return int(reset), failed, nil
}

func (s *PostgresStore) CommandSignals() <-chan struct{} { return s.signals }

// ── ModelConfig Store ───────────────────────────────────────

func (s *PostgresStore) GetModelConfig(ctx context.Context, owner string) (*models.ModelConfig, error) {
	var cfg models.ModelConfig
	found, err := s.queryFirst(ctx,
		repo.Select("model_configs").
			Select("id", "owner", "chat_model", "embedding_model", "updated").
			Where(goqu.Ex{"owner": owner}),
		func(rows pgx.Rows) error {
			return rows.Scan(&cfg.ID, &cfg.Owner, &cfg.ChatModel, &cfg.EmbeddingModel, &cfg.Updated)
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ErrNotFound{Entity: "model_config", Key: owner}
	}
	return &cfg, nil
}

func (s *PostgresStore) UpsertModelConfig(ctx context.Context, config *models.ModelConfig) error {
	if config.ID == "" {
		config.ID = models.NewID("model_config")
	}
	config.Updated = time.Now().UTC()
	sql, args, err := goqu.Dialect("postgres").Insert("model_configs").Prepared(true).
		Rows(goqu.Record{
			"id":              config.ID,
			"owner":           config.Owner,
			"chat_model":      config.ChatModel,
			"embedding_model": config.EmbeddingModel,
			"updated":         config.Updated,
		}).
		OnConflict(goqu.DoUpdate("owner", goqu.Record{
			"chat_model":      config.ChatModel,
			"embedding_model": config.EmbeddingModel,
			"updated":         config.Updated,
		})).
		Returning("id").
		ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert model config: %w", err)
	}
	return s.repo.QueryRow(ctx, []interface{}{&config.ID}, sql, args...)
}

// ── Admin Store ─────────────────────────────────────────────

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	ds := ascending(repo.Select("users").Select(userCols...))
	var out []models.User
	err := s.queryAll(ctx, ds, func(rows pgx.Rows) error {
		var u models.User
		if err := scanUser(rows, &u); err != nil {
			return err
		}
		out = append(out, u)
		return nil
	})
	return out, err
}

func (s *PostgresStore) WipeUserData(ctx context.Context, userID string) error {
	userID = repo.NormalizeID("user", userID)

	// Dependents before their parents: the chunk/insight/message deletes
	// subquery on rows the later statements remove.
	statements := []string{
		`DELETE FROM notebook_sources WHERE notebook_id IN (SELECT id FROM notebooks WHERE owner = $1)`,
		`DELETE FROM notebooks WHERE owner = $1`,
		`DELETE FROM chunks WHERE source_id IN (SELECT id FROM sources WHERE owner = $1)`,
		`DELETE FROM insights WHERE source_id IN (SELECT id FROM sources WHERE owner = $1)`,
		`DELETE FROM sources WHERE owner = $1`,
		`DELETE FROM chat_messages WHERE session_id IN (SELECT id FROM chat_sessions WHERE owner = $1)`,
		`DELETE FROM chat_sessions WHERE owner = $1`,
		`DELETE FROM episodes WHERE owner = $1`,
		`DELETE FROM user_provider_secrets WHERE user_id = $1`,
		`DELETE FROM notes WHERE owner = $1`,
		`DELETE FROM model_configs WHERE owner = $1`,
	}
	for _, stmt := range statements {
		if _, err := s.repo.Exec(ctx, stmt, userID); err != nil {
			return err
		}
	}
	return nil
}
