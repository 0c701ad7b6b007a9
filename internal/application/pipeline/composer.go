package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/ou-jiajian/StoryArchitectAI/internal/application/knowledge"
	"github.com/ou-jiajian/StoryArchitectAI/internal/application/storyutil"
	"github.com/ou-jiajian/StoryArchitectAI/internal/config"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
	workflowprompt "github.com/ou-jiajian/StoryArchitectAI/internal/workflow/prompt"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
)

// Composer 组装各阶段的提示词消息。
// 知识摘要受字符预算约束：最近窗口内出现过的实体始终保留，
// 其余实体按最近出现章节从新到旧填充，放不下的最旧先丢。
type Composer struct {
	registry     *workflowprompt.Registry
	budgetRunes  int
	recentWindow int
}

func NewComposer(cfg *config.PipelineConfig) *Composer {
	return &Composer{
		registry:     workflowprompt.NewRegistry(),
		budgetRunes:  cfg.PromptBudgetRunes,
		recentWindow: cfg.RecentChapterWindow,
	}
}

// Compose 为指定阶段生成完整消息列表
func (c *Composer) Compose(ctx context.Context, p *entity.Project, ref entity.StageRef) ([]*schema.Message, error) {
	switch ref.Kind {
	case entity.StageKindConcept:
		return c.conceptMessages(ctx, p)
	case entity.StageKindOutline:
		return c.outlineMessages(ctx, p)
	case entity.StageKindChapter:
		return c.chapterMessages(ctx, p, ref.Chapter)
	default:
		return nil, errors.ErrInvalidParam.WithDetail(fmt.Sprintf("unknown stage kind: %s", ref.Kind))
	}
}

func (c *Composer) conceptMessages(ctx context.Context, p *entity.Project) ([]*schema.Message, error) {
	tpl, err := c.registry.ChatTemplate(workflowprompt.PromptConceptV1)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfiguration, "failed to load concept prompt")
	}
	return tpl.Format(ctx, map[string]any{
		"title":     strings.TrimSpace(p.Title),
		"genre":     strings.TrimSpace(p.Concept.Genre),
		"theme":     strings.TrimSpace(p.Concept.Theme),
		"core_idea": strings.TrimSpace(p.Concept.CoreIdea),
		"style":     strings.TrimSpace(p.Concept.Style),
	})
}

func (c *Composer) outlineMessages(ctx context.Context, p *entity.Project) ([]*schema.Message, error) {
	conceptRes := p.LatestResult(entity.StageRef{Kind: entity.StageKindConcept})
	if conceptRes == nil {
		return nil, errors.ErrStageBlocked.WithDetail("concept stage has no result yet")
	}
	tpl, err := c.registry.ChatTemplate(workflowprompt.PromptOutlineV1)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfiguration, "failed to load outline prompt")
	}
	return tpl.Format(ctx, map[string]any{
		"title":            strings.TrimSpace(p.Title),
		"target_chapters":  p.TargetChapters,
		"concept":          knowledge.StripFactsBlock(conceptRes.Text),
		"knowledge_digest": c.knowledgeDigest(&p.Knowledge, 0),
	})
}

func (c *Composer) chapterMessages(ctx context.Context, p *entity.Project, chapter int) ([]*schema.Message, error) {
	if p.Outline == nil {
		return nil, errors.ErrStageBlocked.WithDetail("outline stage has no result yet")
	}
	conceptRes := p.LatestResult(entity.StageRef{Kind: entity.StageKindConcept})
	if conceptRes == nil {
		return nil, errors.ErrStageBlocked.WithDetail("concept stage has no result yet")
	}

	plan := p.Outline.ChapterPlanAt(chapter)
	chapterTitle := fmt.Sprintf("Chapter %d", chapter)
	chapterBrief := "Continue the story according to the concept."
	if plan != nil {
		if strings.TrimSpace(plan.Title) != "" {
			chapterTitle = strings.TrimSpace(plan.Title)
		}
		if strings.TrimSpace(plan.Summary) != "" {
			chapterBrief = strings.TrimSpace(plan.Summary)
		}
	}

	tpl, err := c.registry.ChatTemplate(workflowprompt.PromptChapterV1)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeConfiguration, "failed to load chapter prompt")
	}
	return tpl.Format(ctx, map[string]any{
		"title":            strings.TrimSpace(p.Title),
		"chapter_number":   chapter,
		"chapter_title":    chapterTitle,
		"chapter_brief":    chapterBrief,
		"concept":          knowledge.StripFactsBlock(conceptRes.Text),
		"outline":          outlineDigest(p.Outline),
		"recent_summaries": c.recentSummaries(p, chapter),
		"knowledge_digest": c.knowledgeDigest(&p.Knowledge, chapter),
	})
}

// recentSummaries 汇总全部已生成章节的摘要。
// 摘要在提交阶段已截断，整体规模随章节数线性可控。
func (c *Composer) recentSummaries(p *entity.Project, chapter int) string {
	if chapter <= 1 {
		return "(this is the first chapter)"
	}
	var b strings.Builder
	for ch := 1; ch < chapter; ch++ {
		res := p.LatestResult(entity.StageRef{Kind: entity.StageKindChapter, Chapter: ch})
		if res == nil {
			continue
		}
		summary := res.Summary
		if summary == "" {
			summary = storyutil.Summarize(knowledge.StripFactsBlock(res.Text), 600)
		}
		fmt.Fprintf(&b, "Chapter %d: %s\n", ch, summary)
	}
	if b.Len() == 0 {
		return "(no prior chapters)"
	}
	return strings.TrimRight(b.String(), "\n")
}

// outlineDigest 按幕/章列出大纲规划
func outlineDigest(o *entity.Outline) string {
	if o == nil || len(o.Acts) == 0 {
		return "(no outline)"
	}
	var b strings.Builder
	n := 0
	for i := range o.Acts {
		act := &o.Acts[i]
		title := strings.TrimSpace(act.Title)
		if title == "" {
			title = fmt.Sprintf("Act %d", i+1)
		}
		fmt.Fprintf(&b, "%s:\n", title)
		for j := range act.Chapters {
			n++
			plan := &act.Chapters[j]
			switch {
			case strings.TrimSpace(plan.Summary) != "":
				fmt.Fprintf(&b, "  %d. %s: %s\n", n, strings.TrimSpace(plan.Title), strings.TrimSpace(plan.Summary))
			case strings.TrimSpace(plan.Title) != "":
				fmt.Fprintf(&b, "  %d. %s\n", n, strings.TrimSpace(plan.Title))
			default:
				fmt.Fprintf(&b, "  %d. (unplanned)\n", n)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// knowledgeDigest 渲染知识快照的文本摘要，整体受字符预算约束。
// 情节线只列未解决的；时间线与情节线合计至多占一半预算，
// 超出时最旧的事件先被略去。currentChapter 为 0 表示非章节阶段，不做窗口保留。
func (c *Composer) knowledgeDigest(k *entity.StoryKnowledge, currentChapter int) string {
	openThreads := k.OpenThreads()
	if len(k.Entities) == 0 && len(k.Timeline) == 0 && len(openThreads) == 0 {
		return "(nothing established yet)"
	}

	sectionBudget := c.budgetRunes / 2

	threadLines := make([]string, 0, len(openThreads))
	for _, th := range openThreads {
		line := fmt.Sprintf("- %s\n", th.Name)
		cost := len([]rune(line))
		if cost > sectionBudget {
			break
		}
		sectionBudget -= cost
		threadLines = append(threadLines, line)
	}

	// 从最新事件往回填，预算耗尽后更早的约束被略去
	eventLines := make([]string, 0, len(k.Timeline))
	for i := len(k.Timeline) - 1; i >= 0; i-- {
		ev := k.Timeline[i]
		var line string
		if len(ev.After) > 0 {
			line = fmt.Sprintf("- %s (after: %s)\n", ev.Name, strings.Join(ev.After, ", "))
		} else {
			line = fmt.Sprintf("- %s\n", ev.Name)
		}
		cost := len([]rune(line))
		if cost > sectionBudget {
			break
		}
		sectionBudget -= cost
		eventLines = append(eventLines, line)
	}

	var b strings.Builder

	b.WriteString("Timeline (earliest constraints first):\n")
	if len(k.Timeline) == 0 {
		b.WriteString("- (no events recorded)\n")
	}
	if omitted := len(k.Timeline) - len(eventLines); omitted > 0 {
		fmt.Fprintf(&b, "- (%d earlier events omitted)\n", omitted)
	}
	for i := len(eventLines) - 1; i >= 0; i-- {
		b.WriteString(eventLines[i])
	}

	b.WriteString("Plot threads (open):\n")
	if len(openThreads) == 0 {
		b.WriteString("- (no open threads)\n")
	}
	for _, line := range threadLines {
		b.WriteString(line)
	}
	if omitted := len(openThreads) - len(threadLines); omitted > 0 {
		fmt.Fprintf(&b, "- (%d more threads omitted)\n", omitted)
	}

	b.WriteString("Entities:\n")
	remaining := c.budgetRunes - len([]rune(b.String()))
	minKeep := currentChapter - c.recentWindow
	for _, e := range k.EntitiesByRecency() {
		line := entityLine(e)
		cost := len([]rune(line))
		mustKeep := currentChapter > 0 && e.LastTouchedChapter >= minKeep
		if !mustKeep && cost > remaining {
			// 按新旧排序填充，预算耗尽后更旧的实体被略去
			continue
		}
		b.WriteString(line)
		remaining -= cost
	}

	return strings.TrimRight(b.String(), "\n")
}

func entityLine(e *entity.Entity) string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, e.Attributes[k].Value))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("- %s (%s)\n", e.Name, e.Category)
	}
	return fmt.Sprintf("- %s (%s): %s\n", e.Name, e.Category, strings.Join(parts, ", "))
}
