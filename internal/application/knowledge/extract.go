// Package knowledge 维护故事知识快照：从生成文本提取事实、提交、查询
package knowledge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ou-jiajian/StoryArchitectAI/internal/application/storyutil"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
)

// FactsMarker 提示词约定模型在输出末尾追加的事实块标记
const FactsMarker = "STORY_FACTS"

// Extract 从生成文本中读取结构化事实。
// 尽力而为：输出格式无法完全约束，任何解析失败都降级为空事实集并返回
// 提取错误，由调用方决定是否记录——绝不阻断流水线。
func Extract(text string, stage entity.StageKind) (*entity.StageFacts, error) {
	idx := strings.LastIndex(text, FactsMarker)
	if idx < 0 {
		return &entity.StageFacts{}, errors.ErrExtraction.WithDetail("facts block not found")
	}

	raw := storyutil.StripCodeFences(text[idx+len(FactsMarker):])
	raw = storyutil.ExtractJSONObject(raw)

	var parsed struct {
		Entities []struct {
			Name       string         `json:"name"`
			Category   string         `json:"category"`
			Attributes map[string]any `json:"attributes"`
		} `json:"entities"`
		Events []struct {
			Name  string `json:"name"`
			After any    `json:"after"`
		} `json:"events"`
		Threads []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"threads"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return &entity.StageFacts{}, errors.Wrap(err, errors.CodeExtraction, "failed to parse facts block")
	}

	facts := &entity.StageFacts{}

	for _, e := range parsed.Entities {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		attrs := make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			key := normalizeAttrKey(k)
			val := strings.TrimSpace(stringify(v))
			if key == "" || val == "" {
				continue
			}
			attrs[key] = val
		}
		facts.Entities = append(facts.Entities, entity.FactAssertion{
			Name:       name,
			Category:   entity.NormalizeCategory(e.Category),
			Attributes: attrs,
		})
	}

	for _, ev := range parsed.Events {
		name := strings.TrimSpace(ev.Name)
		if name == "" {
			continue
		}
		facts.Events = append(facts.Events, entity.EventAssertion{
			Name:  name,
			After: stringList(ev.After),
		})
	}

	for _, t := range parsed.Threads {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		status := entity.ThreadOpen
		if strings.EqualFold(strings.TrimSpace(t.Status), string(entity.ThreadResolved)) {
			status = entity.ThreadResolved
		}
		facts.Threads = append(facts.Threads, entity.ThreadAssertion{
			Name:   name,
			Status: status,
		})
	}

	return facts, nil
}

// StripFactsBlock 去掉文本末尾的事实块，返回纯正文
func StripFactsBlock(text string) string {
	idx := strings.LastIndex(text, FactsMarker)
	if idx < 0 {
		return strings.TrimSpace(text)
	}
	head := text[:idx]
	// 标记通常在围栏行内，回退到围栏起始
	if fence := strings.LastIndex(head, "```"); fence >= 0 && strings.TrimSpace(head[fence+3:]) == "" {
		head = head[:fence]
	}
	return strings.TrimSpace(head)
}

// normalizeAttrKey 属性键统一为小写下划线形式
func normalizeAttrKey(k string) string {
	s := strings.ToLower(strings.TrimSpace(k))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '\t'
	}), "_")
}

// stringify 容错：属性值可能是字符串、数字或布尔
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		// 嵌套结构不展开为属性值
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// stringList 容错：after 字段可能是单个字符串或字符串数组
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
		return nil
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	default:
		return nil
	}
}
