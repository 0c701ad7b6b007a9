package dto

import (
	"sort"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
)

// KnowledgeEntityResponse 知识快照中的实体
type KnowledgeEntityResponse struct {
	Name               string            `json:"name"`
	Category           string            `json:"category"`
	Aliases            []string          `json:"aliases,omitempty"`
	Attributes         map[string]string `json:"attributes"`
	LastTouchedChapter int               `json:"last_touched_chapter,omitempty"`
}

// KnowledgeEventResponse 知识快照中的时间线事件
type KnowledgeEventResponse struct {
	Name  string   `json:"name"`
	After []string `json:"after,omitempty"`
}

// KnowledgeThreadResponse 知识快照中的情节线
type KnowledgeThreadResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// KnowledgeResponse 项目知识快照响应
type KnowledgeResponse struct {
	Entities []KnowledgeEntityResponse `json:"entities"`
	Timeline []KnowledgeEventResponse  `json:"timeline"`
	Threads  []KnowledgeThreadResponse `json:"threads"`
}

// ToKnowledgeResponse 转换知识快照，实体按名称排序保证输出稳定
func ToKnowledgeResponse(k *entity.StoryKnowledge) KnowledgeResponse {
	out := KnowledgeResponse{
		Entities: make([]KnowledgeEntityResponse, 0, len(k.Entities)),
		Timeline: make([]KnowledgeEventResponse, 0, len(k.Timeline)),
		Threads:  make([]KnowledgeThreadResponse, 0, len(k.Threads)),
	}

	for _, e := range k.Entities {
		attrs := make(map[string]string, len(e.Attributes))
		for name, v := range e.Attributes {
			attrs[name] = v.Value
		}
		out.Entities = append(out.Entities, KnowledgeEntityResponse{
			Name:               e.Name,
			Category:           string(e.Category),
			Aliases:            e.Aliases,
			Attributes:         attrs,
			LastTouchedChapter: e.LastTouchedChapter,
		})
	}
	sort.Slice(out.Entities, func(i, j int) bool {
		return out.Entities[i].Name < out.Entities[j].Name
	})

	for _, ev := range k.Timeline {
		out.Timeline = append(out.Timeline, KnowledgeEventResponse{
			Name:  ev.Name,
			After: ev.After,
		})
	}
	for _, th := range k.Threads {
		out.Threads = append(out.Threads, KnowledgeThreadResponse{
			Name:   th.Name,
			Status: string(th.Status),
		})
	}
	return out
}
