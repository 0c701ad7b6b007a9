package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/ou-jiajian/StoryArchitectAI/internal/application/knowledge"
	"github.com/ou-jiajian/StoryArchitectAI/internal/application/storyutil"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
)

// parseOutline 从大纲阶段的生成文本解析三幕结构。
// 模型输出不可完全约束，解析失败由调用方降级处理。
func parseOutline(text string) (*entity.Outline, error) {
	raw := knowledge.StripFactsBlock(text)
	raw = storyutil.StripCodeFences(raw)
	raw = storyutil.ExtractJSONObject(raw)

	var parsed struct {
		Acts []struct {
			Title    string `json:"title"`
			Chapters []struct {
				Title   string `json:"title"`
				Summary string `json:"summary"`
			} `json:"chapters"`
		} `json:"acts"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, errors.Wrap(err, errors.CodeExtraction, "failed to parse outline json")
	}

	outline := &entity.Outline{}
	for _, act := range parsed.Acts {
		a := entity.Act{Title: strings.TrimSpace(act.Title)}
		for _, ch := range act.Chapters {
			title := strings.TrimSpace(ch.Title)
			summary := strings.TrimSpace(ch.Summary)
			if title == "" && summary == "" {
				continue
			}
			a.Chapters = append(a.Chapters, entity.ChapterPlan{Title: title, Summary: summary})
		}
		if a.Title != "" || len(a.Chapters) > 0 {
			outline.Acts = append(outline.Acts, a)
		}
	}
	if outline.ChapterCount() == 0 {
		return nil, errors.ErrExtraction.WithDetail("outline contains no chapters")
	}
	return outline, nil
}

// fallbackOutline 解析失败时的占位大纲，章节数取项目目标
func fallbackOutline(targetChapters int) *entity.Outline {
	act := entity.Act{Title: "Act I"}
	for i := 0; i < targetChapters; i++ {
		act.Chapters = append(act.Chapters, entity.ChapterPlan{})
	}
	return &entity.Outline{Acts: []entity.Act{act}}
}
