// Package entity 定义领域实体
package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProjectStage 项目流水线状态
type ProjectStage string

const (
	StageIdle           ProjectStage = "idle"
	StageConceptPending ProjectStage = "concept_pending"
	StageOutlinePending ProjectStage = "outline_pending"
	StageChapterPending ProjectStage = "chapter_pending"
	StageComplete       ProjectStage = "complete"
	StageFailed         ProjectStage = "failed"
)

// StageKind 流水线阶段种类
type StageKind string

const (
	StageKindConcept StageKind = "concept"
	StageKindOutline StageKind = "outline"
	StageKindChapter StageKind = "chapter"
)

// StageRef 指向流水线中的一个具体阶段，章节阶段带章节号（1 起）
type StageRef struct {
	Kind    StageKind `json:"kind"`
	Chapter int       `json:"chapter,omitempty"`
}

// String 返回阶段的可读标识
func (r StageRef) String() string {
	if r.Kind == StageKindChapter {
		return fmt.Sprintf("chapter_%d", r.Chapter)
	}
	return string(r.Kind)
}

// StoryConcept 用户给出的初始构思
type StoryConcept struct {
	Genre    string `json:"genre"`
	Theme    string `json:"theme"`
	CoreIdea string `json:"core_idea"`
	Style    string `json:"style"`
}

// ChapterPlan 大纲中的单章规划
type ChapterPlan struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Act 大纲中的一幕
type Act struct {
	Title    string        `json:"title"`
	Chapters []ChapterPlan `json:"chapters"`
}

// Outline 三幕式故事大纲
type Outline struct {
	Acts []Act `json:"acts"`
}

// ChapterCount 返回大纲规划的总章节数
func (o *Outline) ChapterCount() int {
	if o == nil {
		return 0
	}
	n := 0
	for i := range o.Acts {
		n += len(o.Acts[i].Chapters)
	}
	return n
}

// ChapterPlanAt 返回第 n 章（1 起）的规划，越界返回 nil
func (o *Outline) ChapterPlanAt(n int) *ChapterPlan {
	if o == nil || n <= 0 {
		return nil
	}
	idx := n - 1
	for i := range o.Acts {
		if idx < len(o.Acts[i].Chapters) {
			return &o.Acts[i].Chapters[idx]
		}
		idx -= len(o.Acts[i].Chapters)
	}
	return nil
}

// StageError 阶段失败时的最后错误快照
type StageError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Project 小说项目实体。
// 活跃生成期间由编排器独占持有，每次阶段提交后整体持久化。
type Project struct {
	ID             string       `json:"id"`
	Title          string       `json:"title"`
	Concept        StoryConcept `json:"concept"`
	Provider       string       `json:"provider"`
	Stage          ProjectStage `json:"stage"`
	NextChapter    int          `json:"next_chapter,omitempty"`
	TargetChapters int          `json:"target_chapters"`

	// ResumeStage 在 Stage 为 failed 时记录可恢复回的阶段
	ResumeStage ProjectStage `json:"resume_stage,omitempty"`
	LastError   *StageError  `json:"last_error,omitempty"`

	Outline      *Outline       `json:"outline,omitempty"`
	StageResults []StageResult  `json:"stage_results"`
	Knowledge    StoryKnowledge `json:"knowledge"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectMetadata 项目列表所需的元信息
type ProjectMetadata struct {
	ID        string       `json:"id"`
	Title     string       `json:"title"`
	Stage     ProjectStage `json:"stage"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewProject 创建新项目，初始处于概念生成阶段
func NewProject(title string, concept StoryConcept, provider string, targetChapters int) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:             "story_" + uuid.New().String(),
		Title:          title,
		Concept:        concept,
		Provider:       provider,
		Stage:          StageConceptPending,
		TargetChapters: targetChapters,
		StageResults:   []StageResult{},
		Knowledge:      NewStoryKnowledge(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Metadata 返回项目元信息
func (p *Project) Metadata() ProjectMetadata {
	return ProjectMetadata{
		ID:        p.ID,
		Title:     p.Title,
		Stage:     p.Stage,
		CreatedAt: p.CreatedAt,
	}
}

// LatestResult 返回某阶段最近一次的生成结果，没有则返回 nil
func (p *Project) LatestResult(ref StageRef) *StageResult {
	for i := len(p.StageResults) - 1; i >= 0; i-- {
		if p.StageResults[i].Ref() == ref {
			return &p.StageResults[i]
		}
	}
	return nil
}

// PendingRef 返回当前待生成的阶段。
// failed 状态下返回可恢复回的阶段；complete / idle 返回 ok=false。
func (p *Project) PendingRef() (StageRef, bool) {
	stage := p.Stage
	if stage == StageFailed {
		stage = p.ResumeStage
	}
	switch stage {
	case StageConceptPending:
		return StageRef{Kind: StageKindConcept}, true
	case StageOutlinePending:
		return StageRef{Kind: StageKindOutline}, true
	case StageChapterPending:
		ch := p.NextChapter
		if ch <= 0 {
			ch = 1
		}
		return StageRef{Kind: StageKindChapter, Chapter: ch}, true
	default:
		return StageRef{}, false
	}
}

// AppendStageResult 追加阶段结果。StageResults 只增不改。
func (p *Project) AppendStageResult(res StageResult) {
	p.StageResults = append(p.StageResults, res)
	p.UpdatedAt = time.Now().UTC()
}

// AdvanceFrom 在 ref 阶段成功提交后推进状态机
func (p *Project) AdvanceFrom(ref StageRef) {
	p.LastError = nil
	p.ResumeStage = ""
	switch ref.Kind {
	case StageKindConcept:
		p.Stage = StageOutlinePending
	case StageKindOutline:
		p.Stage = StageChapterPending
		p.NextChapter = 1
	case StageKindChapter:
		if ref.Chapter >= p.TargetChapters {
			p.Stage = StageComplete
			p.NextChapter = 0
		} else {
			p.Stage = StageChapterPending
			p.NextChapter = ref.Chapter + 1
		}
	}
	p.UpdatedAt = time.Now().UTC()
}

// MarkFailed 进入失败吸收态，记录最后错误，保留可恢复阶段
func (p *Project) MarkFailed(code, message string) {
	if p.Stage != StageFailed {
		p.ResumeStage = p.Stage
	}
	p.Stage = StageFailed
	p.LastError = &StageError{Code: code, Message: message}
	p.UpdatedAt = time.Now().UTC()
}

// TruncateFrom 丢弃 target 阶段及其后所有阶段结果，用于重新生成。
// 后续章节可能依赖前文事实，因此下游一并丢弃。
func (p *Project) TruncateFrom(target StageRef) []StageResult {
	cut := len(p.StageResults)
	for i := range p.StageResults {
		if stageAtOrAfter(p.StageResults[i].Ref(), target) {
			cut = i
			break
		}
	}
	removed := p.StageResults[cut:]
	p.StageResults = p.StageResults[:cut]

	switch target.Kind {
	case StageKindConcept:
		p.Stage = StageConceptPending
		p.NextChapter = 0
		p.Outline = nil
	case StageKindOutline:
		p.Stage = StageOutlinePending
		p.NextChapter = 0
		p.Outline = nil
	case StageKindChapter:
		p.Stage = StageChapterPending
		p.NextChapter = target.Chapter
	}
	p.LastError = nil
	p.ResumeStage = ""
	p.UpdatedAt = time.Now().UTC()
	return removed
}

// stageAtOrAfter 判断 a 是否处于 b 或其下游
func stageAtOrAfter(a, b StageRef) bool {
	order := func(r StageRef) int {
		switch r.Kind {
		case StageKindConcept:
			return 0
		case StageKindOutline:
			return 1
		default:
			return 1 + r.Chapter
		}
	}
	return order(a) >= order(b)
}
