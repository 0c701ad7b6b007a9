package handler

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ou-jiajian/StoryArchitectAI/internal/application/pipeline"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/service"
	"github.com/ou-jiajian/StoryArchitectAI/internal/interfaces/http/dto"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/logger"
)

// PipelineHandler 生成流水线处理器
type PipelineHandler struct {
	orchestrator *pipeline.Orchestrator
}

// NewPipelineHandler 创建流水线处理器
func NewPipelineHandler(orchestrator *pipeline.Orchestrator) *PipelineHandler {
	return &PipelineHandler{orchestrator: orchestrator}
}

// CreateProject 创建项目并生成概念阶段
func (h *PipelineHandler) CreateProject(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	project, err := h.orchestrator.StartProject(ctx, pipeline.StartInput{
		Title:          req.Title,
		Concept:        req.Concept(),
		Provider:       req.Provider,
		TargetChapters: req.TargetChapters,
		Options:        toGenerateOptions(req.GenerationOverrides),
	})
	if err != nil {
		logger.Error(ctx, "failed to create project", err)
		dto.FromError(c, err)
		return
	}
	dto.Created(c, dto.ToProjectResponse(project))
}

// AdvanceStage 推进项目到下一阶段
func (h *PipelineHandler) AdvanceStage(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := strings.TrimSpace(c.Param("pid"))
	if projectID == "" {
		dto.BadRequest(c, "project id is required")
		return
	}

	var req dto.AdvanceStageRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	project, err := h.orchestrator.AdvanceStage(ctx, projectID, toGenerateOptions(req.GenerationOverrides))
	if err != nil {
		// 阻断与失败都携带最新项目状态，便于客户端展示矛盾与错误
		if project != nil && errors.IsAppError(err) {
			appErr := errors.AsAppError(err)
			c.JSON(appErr.HTTPStatus, dto.Response[dto.ProjectResponse]{
				Code:    appErr.HTTPStatus,
				Message: appErr.Message,
				Data:    dto.ToProjectResponse(project),
				TraceID: c.GetString("trace_id"),
			})
			return
		}
		logger.Error(ctx, "failed to advance stage", err, "project_id", projectID)
		dto.FromError(c, err)
		return
	}
	dto.Success(c, dto.ToProjectResponse(project))
}

// RegenerateStage 丢弃目标阶段及下游并重新生成
func (h *PipelineHandler) RegenerateStage(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := strings.TrimSpace(c.Param("pid"))
	if projectID == "" {
		dto.BadRequest(c, "project id is required")
		return
	}

	var req dto.RegenerateStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	ref, ok := req.StageRef()
	if !ok {
		dto.BadRequest(c, "invalid stage: "+req.Stage)
		return
	}

	project, err := h.orchestrator.RegenerateStage(ctx, projectID, ref, toGenerateOptions(req.GenerationOverrides))
	if err != nil {
		if project != nil && errors.IsAppError(err) {
			appErr := errors.AsAppError(err)
			c.JSON(appErr.HTTPStatus, dto.Response[dto.ProjectResponse]{
				Code:    appErr.HTTPStatus,
				Message: appErr.Message,
				Data:    dto.ToProjectResponse(project),
				TraceID: c.GetString("trace_id"),
			})
			return
		}
		logger.Error(ctx, "failed to regenerate stage", err, "project_id", projectID)
		dto.FromError(c, err)
		return
	}
	dto.Success(c, dto.ToProjectResponse(project))
}

// toGenerateOptions 转换生成覆盖项；API Key 包进凭证类型后不再以明文出现
func toGenerateOptions(o dto.GenerationOverrides) pipeline.GenerateOptions {
	return pipeline.GenerateOptions{
		Provider:    o.Provider,
		Model:       o.Model,
		Credential:  service.NewCredential(o.APIKey),
		Temperature: o.Temperature,
		MaxTokens:   o.MaxTokens,
	}
}
