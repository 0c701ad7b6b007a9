// Package entity 定义领域实体
package entity

import (
	"time"

	"github.com/google/uuid"
)

// ValidationOutcome 阶段校验结论
type ValidationOutcome string

const (
	OutcomePass    ValidationOutcome = "pass"
	OutcomeFlagged ValidationOutcome = "flagged"
)

// StageResult 一次已完成阶段的不可变记录，项目内只追加。
type StageResult struct {
	ID      string    `json:"id"`
	Kind    StageKind `json:"kind"`
	Chapter int       `json:"chapter,omitempty"`

	Text    string `json:"text"`
	Summary string `json:"summary,omitempty"`

	// Facts 是从生成文本中提取出的结构化事实，用于重建知识快照
	Facts            *StageFacts `json:"facts,omitempty"`
	ExtractionFailed bool        `json:"extraction_failed,omitempty"`

	Outcome        ValidationOutcome `json:"outcome"`
	Contradictions []Contradiction   `json:"contradictions,omitempty"`

	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewStageResult 创建阶段结果记录
func NewStageResult(ref StageRef, text, provider, model string) StageResult {
	return StageResult{
		ID:        "stage_" + uuid.New().String(),
		Kind:      ref.Kind,
		Chapter:   ref.Chapter,
		Text:      text,
		Outcome:   OutcomePass,
		Provider:  provider,
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
}

// Ref 返回该结果对应的阶段
func (r *StageResult) Ref() StageRef {
	return StageRef{Kind: r.Kind, Chapter: r.Chapter}
}

// ThreadStatus 情节线状态
type ThreadStatus string

const (
	ThreadOpen     ThreadStatus = "open"
	ThreadResolved ThreadStatus = "resolved"
)

// FactAssertion 一条关于实体属性的断言
type FactAssertion struct {
	Name       string            `json:"name"`
	Category   EntityCategory    `json:"category"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// EventAssertion 一条时间线事件断言。After 列出先于该事件发生的事件名。
type EventAssertion struct {
	Name  string   `json:"name"`
	After []string `json:"after,omitempty"`
}

// ThreadAssertion 一条情节线断言
type ThreadAssertion struct {
	Name   string       `json:"name"`
	Status ThreadStatus `json:"status"`
}

// StageFacts 单个阶段提取出的全部事实
type StageFacts struct {
	Entities []FactAssertion   `json:"entities,omitempty"`
	Events   []EventAssertion  `json:"events,omitempty"`
	Threads  []ThreadAssertion `json:"threads,omitempty"`
}

// Empty 判断是否没有任何事实
func (f *StageFacts) Empty() bool {
	return f == nil || (len(f.Entities) == 0 && len(f.Events) == 0 && len(f.Threads) == 0)
}
