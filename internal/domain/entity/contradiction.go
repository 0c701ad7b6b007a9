// Package entity 定义领域实体
package entity

import (
	"time"

	"github.com/google/uuid"
)

// ContradictionKind 矛盾类别
type ContradictionKind string

const (
	ContradictionAttribute ContradictionKind = "attribute"
	ContradictionTimeline  ContradictionKind = "timeline"
	ContradictionThread    ContradictionKind = "thread"
)

// ContradictionSeverity 矛盾严重级
type ContradictionSeverity string

const (
	SeverityLow  ContradictionSeverity = "low"
	SeverityHigh ContradictionSeverity = "high"
)

// Contradiction 校验器发现的一处前后矛盾。
// 仅由校验器创建，创建后不再修改；新近断言视为矛盾候选，
// 先前断言默认作为基准事实，两者都保留供用户复核。
type Contradiction struct {
	ID       string                `json:"id"`
	Kind     ContradictionKind     `json:"kind"`
	Severity ContradictionSeverity `json:"severity"`

	StageResultID      string `json:"stage_result_id"`
	PriorStageResultID string `json:"prior_stage_result_id,omitempty"`

	EntityName string `json:"entity_name,omitempty"`
	Attribute  string `json:"attribute,omitempty"`
	PriorValue string `json:"prior_value,omitempty"`
	NewValue   string `json:"new_value,omitempty"`

	EventA string `json:"event_a,omitempty"`
	EventB string `json:"event_b,omitempty"`

	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewContradiction 创建矛盾记录
func NewContradiction(kind ContradictionKind, severity ContradictionSeverity, stageResultID string) Contradiction {
	return Contradiction{
		ID:            "contra_" + uuid.New().String(),
		Kind:          kind,
		Severity:      severity,
		StageResultID: stageResultID,
		CreatedAt:     time.Now().UTC(),
	}
}

// AtLeast 判断严重级是否达到阈值
func (s ContradictionSeverity) AtLeast(threshold ContradictionSeverity) bool {
	rank := func(v ContradictionSeverity) int {
		switch v {
		case SeverityHigh:
			return 2
		case SeverityLow:
			return 1
		default:
			return 0
		}
	}
	return rank(s) >= rank(threshold)
}
