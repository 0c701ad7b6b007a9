package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/ou-jiajian/StoryArchitectAI/internal/config"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
)

func testComposer(budget int) *Composer {
	return NewComposer(&config.PipelineConfig{
		PromptBudgetRunes:   budget,
		RecentChapterWindow: 2,
		TargetChapters:      12,
	})
}

func TestKnowledgeDigestBudget(t *testing.T) {
	k := entity.NewStoryKnowledge()
	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("character %03d", i)
		k.Entities[entity.EntityKey(entity.CategoryCharacter, name)] = &entity.Entity{
			Name:               name,
			Category:           entity.CategoryCharacter,
			Attributes:         map[string]entity.AttributeValue{"trait": {Value: strings.Repeat("x", 40)}},
			LastTouchedChapter: 1 + i%2,
		}
	}
	// 第 4、5 章出现过的实体必须保留
	recent := []string{"fresh four", "fresh five"}
	k.Entities[entity.EntityKey(entity.CategoryCharacter, recent[0])] = &entity.Entity{
		Name: recent[0], Category: entity.CategoryCharacter, LastTouchedChapter: 4,
	}
	k.Entities[entity.EntityKey(entity.CategoryCharacter, recent[1])] = &entity.Entity{
		Name: recent[1], Category: entity.CategoryCharacter, LastTouchedChapter: 5,
	}

	c := testComposer(2000)
	digest := c.knowledgeDigest(&k, 5)

	if got := len([]rune(digest)); got > 2000+200 {
		t.Errorf("digest length %d far exceeds budget", got)
	}
	for _, name := range recent {
		if !strings.Contains(digest, name) {
			t.Errorf("recently touched entity %q evicted from digest", name)
		}
	}
	// 预算必然装不下全部 200 个旧实体
	evicted := 0
	for i := 0; i < 200; i++ {
		if !strings.Contains(digest, fmt.Sprintf("character %03d", i)) {
			evicted++
		}
	}
	if evicted == 0 {
		t.Error("expected older entities to be evicted under budget pressure")
	}
}

func TestKnowledgeDigestTimelineBudget(t *testing.T) {
	k := entity.NewStoryKnowledge()
	for i := 0; i < 400; i++ {
		k.Timeline = append(k.Timeline, entity.TimelineEvent{
			Name:     fmt.Sprintf("event %03d happens at the old mill", i),
			OrderKey: i + 1,
		})
	}

	c := testComposer(2000)
	digest := c.knowledgeDigest(&k, 0)

	if got := len([]rune(digest)); got > 2000 {
		t.Errorf("digest length %d exceeds budget", got)
	}
	if !strings.Contains(digest, "event 399") {
		t.Error("newest event must survive budget pressure")
	}
	if strings.Contains(digest, "event 000") {
		t.Error("oldest event should be evicted first")
	}
	if !strings.Contains(digest, "earlier events omitted") {
		t.Errorf("omission marker missing: %q", digest)
	}
}

func TestKnowledgeDigestListsOnlyOpenThreads(t *testing.T) {
	k := entity.NewStoryKnowledge()
	k.Threads = []entity.PlotThread{
		{Name: "the missing ledger", Status: entity.ThreadOpen},
		{Name: "the harbor debt", Status: entity.ThreadResolved},
	}

	c := testComposer(2000)
	digest := c.knowledgeDigest(&k, 0)

	if !strings.Contains(digest, "the missing ledger") {
		t.Errorf("open thread missing from digest: %q", digest)
	}
	if strings.Contains(digest, "the harbor debt") {
		t.Errorf("resolved thread should not appear in digest: %q", digest)
	}
}

func TestKnowledgeDigestEmpty(t *testing.T) {
	k := entity.NewStoryKnowledge()
	c := testComposer(1000)
	digest := c.knowledgeDigest(&k, 0)
	if !strings.Contains(digest, "nothing established yet") {
		t.Errorf("unexpected empty digest: %q", digest)
	}
}

func TestComposeConceptMessages(t *testing.T) {
	p := entity.NewProject("Salvage Run", entity.StoryConcept{
		Genre: "sci-fi", Theme: "debt", CoreIdea: "a pilot and a wreck", Style: "noir",
	}, "openai", 3)

	c := testComposer(12000)
	msgs, err := c.Compose(context.Background(), p, entity.StageRef{Kind: entity.StageKindConcept})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != schema.System || msgs[1].Role != schema.User {
		t.Errorf("roles = %s/%s", msgs[0].Role, msgs[1].Role)
	}
	if !strings.Contains(msgs[1].Content, "Salvage Run") || !strings.Contains(msgs[1].Content, "sci-fi") {
		t.Errorf("user message missing concept fields: %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[0].Content, "STORY_FACTS") {
		t.Error("system message must demand the facts block")
	}
}

func TestComposeChapterMessages(t *testing.T) {
	p := entity.NewProject("Salvage Run", entity.StoryConcept{}, "openai", 3)
	conceptRef := entity.StageRef{Kind: entity.StageKindConcept}
	p.AppendStageResult(entity.NewStageResult(conceptRef, "the concept prose", "openai", ""))
	p.Outline = &testOutline3
	for ch := 1; ch <= 2; ch++ {
		res := entity.NewStageResult(entity.StageRef{Kind: entity.StageKindChapter, Chapter: ch}, "chapter body", "openai", "")
		res.Summary = fmt.Sprintf("summary of chapter %d", ch)
		p.AppendStageResult(res)
	}

	c := testComposer(12000)
	msgs, err := c.Compose(context.Background(), p, entity.StageRef{Kind: entity.StageKindChapter, Chapter: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user := msgs[1].Content
	if !strings.Contains(user, "chapter 3") && !strings.Contains(user, "Chapter Three") {
		t.Errorf("user message missing chapter reference: %q", user)
	}
	if !strings.Contains(user, "summary of chapter 2") {
		t.Errorf("recent summary missing: %q", user)
	}
	if !strings.Contains(user, "the concept prose") {
		t.Errorf("concept missing: %q", user)
	}
}

// 章节提示词要带上完整大纲与全部前情摘要，不只是最近几章
func TestComposeChapterCarriesOutlineAndAllSummaries(t *testing.T) {
	p := entity.NewProject("Salvage Run", entity.StoryConcept{}, "openai", 10)
	p.AppendStageResult(entity.NewStageResult(entity.StageRef{Kind: entity.StageKindConcept}, "the concept prose", "openai", ""))
	p.Outline = &entity.Outline{Acts: []entity.Act{
		{Title: "Act I", Chapters: []entity.ChapterPlan{
			{Title: "Departure", Summary: "the pilot leaves port"},
		}},
		{Title: "Act II", Chapters: []entity.ChapterPlan{
			{Title: "The Wreck", Summary: "salvage begins"},
		}},
	}}
	for ch := 1; ch <= 9; ch++ {
		res := entity.NewStageResult(entity.StageRef{Kind: entity.StageKindChapter, Chapter: ch}, "chapter body", "openai", "")
		res.Summary = fmt.Sprintf("summary of chapter %d", ch)
		p.AppendStageResult(res)
	}

	c := testComposer(12000)
	msgs, err := c.Compose(context.Background(), p, entity.StageRef{Kind: entity.StageKindChapter, Chapter: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	user := msgs[1].Content

	// 窗口(2)之外的早期章节摘要也必须在场
	for ch := 1; ch <= 9; ch++ {
		if !strings.Contains(user, fmt.Sprintf("summary of chapter %d", ch)) {
			t.Errorf("summary of chapter %d missing from prompt", ch)
		}
	}
	for _, want := range []string{"Act I", "Act II", "the pilot leaves port", "salvage begins"} {
		if !strings.Contains(user, want) {
			t.Errorf("outline fragment %q missing from prompt", want)
		}
	}
}

// testOutline3 三章测试大纲
var testOutline3 = entity.Outline{Acts: []entity.Act{{
	Title: "Act I",
	Chapters: []entity.ChapterPlan{
		{Title: "Chapter One", Summary: "start"},
		{Title: "Chapter Two", Summary: "middle"},
		{Title: "Chapter Three", Summary: "end"},
	},
}}}

func TestComposeChapterWithoutOutline(t *testing.T) {
	p := entity.NewProject("Salvage Run", entity.StoryConcept{}, "openai", 3)
	c := testComposer(12000)
	if _, err := c.Compose(context.Background(), p, entity.StageRef{Kind: entity.StageKindChapter, Chapter: 1}); err == nil {
		t.Fatal("expected error without outline")
	}
}
