// Package file 提供基于 JSON 文件的项目存储实现，每个项目一个文件
package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/logger"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/tracer"
)

// Store JSON 文件项目存储
type Store struct {
	dir string
}

// NewStore 创建文件存储，确保数据目录存在
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to create data dir")
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Load 加载项目
func (s *Store) Load(ctx context.Context, id string) (*entity.Project, error) {
	_, span := tracer.Start(ctx, "file.Store.Load")
	defer span.End()

	if !validProjectID(id) {
		return nil, errors.ErrProjectNotFound
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrProjectNotFound
		}
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to read project file")
	}

	var project entity.Project
	if err := json.Unmarshal(data, &project); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to decode project file")
	}
	return &project, nil
}

// Save 整体保存项目。写临时文件后 rename，避免半个项目落盘。
func (s *Store) Save(ctx context.Context, project *entity.Project) error {
	_, span := tracer.Start(ctx, "file.Store.Save")
	defer span.End()

	data, err := json.MarshalIndent(project, "", "    ")
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageIO, "failed to encode project")
	}

	tmp, err := os.CreateTemp(s.dir, project.ID+".tmp-*")
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, errors.CodeStorageIO, "failed to create temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		span.RecordError(err)
		return errors.Wrap(err, errors.CodeStorageIO, "failed to write project file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, errors.CodeStorageIO, "failed to close project file")
	}
	if err := os.Rename(tmpName, s.path(project.ID)); err != nil {
		os.Remove(tmpName)
		span.RecordError(err)
		return errors.Wrap(err, errors.CodeStorageIO, "failed to commit project file")
	}
	return nil
}

// List 返回全部项目元信息，按创建时间倒序。
// 单个损坏文件跳过并告警，不影响整体列表。
func (s *Store) List(ctx context.Context) ([]entity.ProjectMetadata, error) {
	_, span := tracer.Start(ctx, "file.Store.List")
	defer span.End()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to read data dir")
	}

	out := make([]entity.ProjectMetadata, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var project entity.Project
		if err := json.Unmarshal(data, &project); err != nil || project.ID == "" {
			logger.Warn(ctx, "skipping unreadable project file", "file", e.Name())
			continue
		}
		out = append(out, project.Metadata())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Delete 删除项目文件
func (s *Store) Delete(ctx context.Context, id string) error {
	_, span := tracer.Start(ctx, "file.Store.Delete")
	defer span.End()

	if !validProjectID(id) {
		return errors.ErrProjectNotFound
	}
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return errors.ErrProjectNotFound
		}
		span.RecordError(err)
		return errors.Wrap(err, errors.CodeStorageIO, "failed to delete project file")
	}
	return nil
}

// validProjectID 拒绝可能逃出数据目录的 id
func validProjectID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsAny(id, "/\\") && id != "." && id != ".."
}
