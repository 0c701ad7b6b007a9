package redis

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/logger"
)

// 释放锁时校验持有者，避免误删他人的锁
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// ProjectLocker 基于 SETNX 的项目写锁，保证同一项目至多一个写入者。
// TTL 兜底持有者崩溃后的锁泄漏。
type ProjectLocker struct {
	client *Client
	ttl    time.Duration
}

// NewProjectLocker 创建项目锁
func NewProjectLocker(client *Client, ttl time.Duration) *ProjectLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ProjectLocker{client: client, ttl: ttl}
}

// Acquire 获取项目写锁，返回释放函数
func (l *ProjectLocker) Acquire(ctx context.Context, projectID string) (func(), error) {
	ctx, span := tracer.Start(ctx, "redis.ProjectLocker.Acquire")
	defer span.End()

	key := "story:lock:" + projectID
	token := uuid.New().String()

	ok, err := l.client.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, errors.CodeStorageIO, "failed to acquire project lock")
	}
	if !ok {
		return nil, errors.ErrPipelineLocked
	}

	release := func() {
		// 用后台 context 释放，调用方取消不应遗留锁
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := l.client.rdb.Eval(releaseCtx, releaseScript, []string{key}, token).Err(); err != nil {
			logger.Warn(releaseCtx, "failed to release project lock", "project_id", projectID)
		}
	}
	return release, nil
}
