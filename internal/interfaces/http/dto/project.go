package dto

import (
	"time"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
)

// GenerationOverrides 单次生成调用的可选覆盖。
// APIKey 仅在本次请求内使用，不落盘、不回显。
type GenerationOverrides struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// CreateProjectRequest 创建项目请求
type CreateProjectRequest struct {
	Title          string `json:"title" binding:"required"`
	Genre          string `json:"genre"`
	Theme          string `json:"theme"`
	CoreIdea       string `json:"core_idea"`
	Style          string `json:"style"`
	Provider       string `json:"provider"`
	TargetChapters int    `json:"target_chapters"`
	GenerationOverrides
}

// Concept 转为领域概念对象
func (r *CreateProjectRequest) Concept() entity.StoryConcept {
	return entity.StoryConcept{
		Genre:    r.Genre,
		Theme:    r.Theme,
		CoreIdea: r.CoreIdea,
		Style:    r.Style,
	}
}

// AdvanceStageRequest 推进阶段请求
type AdvanceStageRequest struct {
	GenerationOverrides
}

// RegenerateStageRequest 重新生成阶段请求
type RegenerateStageRequest struct {
	Stage   string `json:"stage" binding:"required"`
	Chapter int    `json:"chapter,omitempty"`
	GenerationOverrides
}

// StageRef 转为领域阶段引用
func (r *RegenerateStageRequest) StageRef() (entity.StageRef, bool) {
	switch r.Stage {
	case string(entity.StageKindConcept):
		return entity.StageRef{Kind: entity.StageKindConcept}, true
	case string(entity.StageKindOutline):
		return entity.StageRef{Kind: entity.StageKindOutline}, true
	case string(entity.StageKindChapter):
		if r.Chapter < 1 {
			return entity.StageRef{}, false
		}
		return entity.StageRef{Kind: entity.StageKindChapter, Chapter: r.Chapter}, true
	default:
		return entity.StageRef{}, false
	}
}

// ContradictionResponse 矛盾记录响应
type ContradictionResponse struct {
	ID                 string `json:"id"`
	Kind               string `json:"kind"`
	Severity           string `json:"severity"`
	StageResultID      string `json:"stage_result_id"`
	PriorStageResultID string `json:"prior_stage_result_id,omitempty"`
	EntityName         string `json:"entity_name,omitempty"`
	Attribute          string `json:"attribute,omitempty"`
	PriorValue         string `json:"prior_value,omitempty"`
	NewValue           string `json:"new_value,omitempty"`
	EventA             string `json:"event_a,omitempty"`
	EventB             string `json:"event_b,omitempty"`
	Description        string `json:"description"`
}

// StageResultResponse 阶段结果响应
type StageResultResponse struct {
	ID               string                  `json:"id"`
	Stage            string                  `json:"stage"`
	Chapter          int                     `json:"chapter,omitempty"`
	Text             string                  `json:"text"`
	Summary          string                  `json:"summary,omitempty"`
	Outcome          string                  `json:"outcome"`
	ExtractionFailed bool                    `json:"extraction_failed,omitempty"`
	Contradictions   []ContradictionResponse `json:"contradictions,omitempty"`
	Provider         string                  `json:"provider"`
	Model            string                  `json:"model,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

// ProjectResponse 项目详情响应
type ProjectResponse struct {
	ID             string                `json:"id"`
	Title          string                `json:"title"`
	Concept        entity.StoryConcept   `json:"concept"`
	Provider       string                `json:"provider"`
	Stage          string                `json:"stage"`
	NextChapter    int                   `json:"next_chapter,omitempty"`
	TargetChapters int                   `json:"target_chapters"`
	ResumeStage    string                `json:"resume_stage,omitempty"`
	LastError      *entity.StageError    `json:"last_error,omitempty"`
	Outline        *entity.Outline       `json:"outline,omitempty"`
	StageResults   []StageResultResponse `json:"stage_results"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// ProjectSummaryResponse 项目列表项响应
type ProjectSummaryResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Stage     string    `json:"stage"`
	CreatedAt time.Time `json:"created_at"`
}

// ToContradictionResponse 转换矛盾记录
func ToContradictionResponse(c entity.Contradiction) ContradictionResponse {
	return ContradictionResponse{
		ID:                 c.ID,
		Kind:               string(c.Kind),
		Severity:           string(c.Severity),
		StageResultID:      c.StageResultID,
		PriorStageResultID: c.PriorStageResultID,
		EntityName:         c.EntityName,
		Attribute:          c.Attribute,
		PriorValue:         c.PriorValue,
		NewValue:           c.NewValue,
		EventA:             c.EventA,
		EventB:             c.EventB,
		Description:        c.Description,
	}
}

// ToStageResultResponse 转换阶段结果
func ToStageResultResponse(res entity.StageResult) StageResultResponse {
	out := StageResultResponse{
		ID:               res.ID,
		Stage:            string(res.Kind),
		Chapter:          res.Chapter,
		Text:             res.Text,
		Summary:          res.Summary,
		Outcome:          string(res.Outcome),
		ExtractionFailed: res.ExtractionFailed,
		Provider:         res.Provider,
		Model:            res.Model,
		CreatedAt:        res.CreatedAt,
	}
	for _, c := range res.Contradictions {
		out.Contradictions = append(out.Contradictions, ToContradictionResponse(c))
	}
	return out
}

// ToProjectResponse 转换项目详情
func ToProjectResponse(p *entity.Project) ProjectResponse {
	out := ProjectResponse{
		ID:             p.ID,
		Title:          p.Title,
		Concept:        p.Concept,
		Provider:       p.Provider,
		Stage:          string(p.Stage),
		NextChapter:    p.NextChapter,
		TargetChapters: p.TargetChapters,
		ResumeStage:    string(p.ResumeStage),
		LastError:      p.LastError,
		Outline:        p.Outline,
		StageResults:   make([]StageResultResponse, 0, len(p.StageResults)),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	for _, res := range p.StageResults {
		out.StageResults = append(out.StageResults, ToStageResultResponse(res))
	}
	return out
}

// ToProjectSummaryResponse 转换项目列表项
func ToProjectSummaryResponse(m entity.ProjectMetadata) ProjectSummaryResponse {
	return ProjectSummaryResponse{
		ID:        m.ID,
		Title:     m.Title,
		Stage:     string(m.Stage),
		CreatedAt: m.CreatedAt,
	}
}
