package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
)

// Store PostgreSQL 项目存储。
// 项目文档整体存为 jsonb，upsert 保证不出现半个项目。
type Store struct {
	client *Client
}

// NewStore 创建项目存储
func NewStore(client *Client) *Store {
	return &Store{client: client}
}

// EnsureSchema 建表（幂等），服务启动时调用一次
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS projects (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			stage      TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`
	if _, err := s.client.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, errors.CodeStorageIO, "failed to ensure projects table")
	}
	return nil
}

// Load 加载项目
func (s *Store) Load(ctx context.Context, id string) (*entity.Project, error) {
	ctx, span := tracer.Start(ctx, "postgres.Store.Load")
	defer span.End()

	var doc []byte
	query := `SELECT doc FROM projects WHERE id = $1`
	err := s.client.db.QueryRowContext(ctx, query, id).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrProjectNotFound
		}
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to load project")
	}

	var project entity.Project
	if err := json.Unmarshal(doc, &project); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to decode project doc")
	}
	return &project, nil
}

// Save 整体保存项目
func (s *Store) Save(ctx context.Context, project *entity.Project) error {
	ctx, span := tracer.Start(ctx, "postgres.Store.Save")
	defer span.End()

	doc, err := json.Marshal(project)
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageIO, "failed to encode project")
	}

	query := `
		INSERT INTO projects (id, title, stage, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, stage = EXCLUDED.stage,
			doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
	`
	_, err = s.client.db.ExecContext(ctx, query,
		project.ID, project.Title, project.Stage, doc, project.CreatedAt, project.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, errors.CodeStorageIO, "failed to save project")
	}
	return nil
}

// List 返回项目元信息，按创建时间倒序
func (s *Store) List(ctx context.Context) ([]entity.ProjectMetadata, error) {
	ctx, span := tracer.Start(ctx, "postgres.Store.List")
	defer span.End()

	query := `SELECT id, title, stage, created_at FROM projects ORDER BY created_at DESC`
	rows, err := s.client.db.QueryContext(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to list projects")
	}
	defer rows.Close()

	var out []entity.ProjectMetadata
	for rows.Next() {
		var m entity.ProjectMetadata
		if err := rows.Scan(&m.ID, &m.Title, &m.Stage, &m.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to scan project row")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to iterate project rows")
	}
	return out, nil
}

// Delete 删除项目
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.Store.Delete")
	defer span.End()

	res, err := s.client.db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, errors.CodeStorageIO, "failed to delete project")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.ErrProjectNotFound
	}
	return nil
}
