// Package repository 定义仓储接口
package repository

import (
	"context"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
)

// ProjectStore 项目持久化接口。
// 实现方须保证 Save 为整体原子写入，不出现半个项目落盘。
type ProjectStore interface {
	// Load 加载项目，不存在时返回 errors.CodeProjectNotFound
	Load(ctx context.Context, id string) (*entity.Project, error)
	// Save 整体保存项目。编排器在每次阶段提交（含进入 failed）后恰好调用一次。
	Save(ctx context.Context, project *entity.Project) error
	// List 返回项目元信息，按创建时间倒序
	List(ctx context.Context) ([]entity.ProjectMetadata, error)
	// Delete 删除项目
	Delete(ctx context.Context, id string) error
}

// ProjectLocker 保证同一项目同一时刻至多一个写入者。
// 多副本部署时由 Redis 实现跨进程互斥，单副本用进程内锁即可。
type ProjectLocker interface {
	// Acquire 获取项目写锁，返回释放函数；已被占用时返回 errors.CodePipelineLocked
	Acquire(ctx context.Context, projectID string) (release func(), err error)
}
