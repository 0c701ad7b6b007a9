package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/repository"
	"github.com/ou-jiajian/StoryArchitectAI/internal/interfaces/http/dto"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/logger"
)

// ProjectHandler 项目查询与管理处理器
type ProjectHandler struct {
	store repository.ProjectStore
}

// NewProjectHandler 创建项目处理器
func NewProjectHandler(store repository.ProjectStore) *ProjectHandler {
	return &ProjectHandler{store: store}
}

// ListProjects 获取项目列表
func (h *ProjectHandler) ListProjects(c *gin.Context) {
	ctx := c.Request.Context()

	items, err := h.store.List(ctx)
	if err != nil {
		logger.Error(ctx, "failed to list projects", err)
		dto.FromError(c, err)
		return
	}

	resp := make([]dto.ProjectSummaryResponse, 0, len(items))
	for _, m := range items {
		resp = append(resp, dto.ToProjectSummaryResponse(m))
	}
	dto.Success(c, resp)
}

// GetProject 获取项目详情
func (h *ProjectHandler) GetProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := strings.TrimSpace(c.Param("pid"))
	if projectID == "" {
		dto.BadRequest(c, "project id is required")
		return
	}

	project, err := h.store.Load(ctx, projectID)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	dto.Success(c, dto.ToProjectResponse(project))
}

// GetKnowledge 获取项目知识快照
func (h *ProjectHandler) GetKnowledge(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := strings.TrimSpace(c.Param("pid"))
	if projectID == "" {
		dto.BadRequest(c, "project id is required")
		return
	}

	project, err := h.store.Load(ctx, projectID)
	if err != nil {
		dto.FromError(c, err)
		return
	}
	dto.Success(c, dto.ToKnowledgeResponse(&project.Knowledge))
}

// DeleteProject 删除项目
func (h *ProjectHandler) DeleteProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := strings.TrimSpace(c.Param("pid"))
	if projectID == "" {
		dto.BadRequest(c, "project id is required")
		return
	}

	if err := h.store.Delete(ctx, projectID); err != nil {
		logger.Error(ctx, "failed to delete project", err, "project_id", projectID)
		dto.FromError(c, err)
		return
	}
	dto.NoContent(c)
}
