package entity

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func newTestProject(t *testing.T) *Project {
	t.Helper()
	p := NewProject("Salvage Run", StoryConcept{Genre: "sci-fi"}, "openai", 3)
	if !strings.HasPrefix(p.ID, "story_") {
		t.Fatalf("unexpected project id: %s", p.ID)
	}
	if p.Stage != StageConceptPending {
		t.Fatalf("new project stage = %s, want %s", p.Stage, StageConceptPending)
	}
	return p
}

func TestStateMachineFullRun(t *testing.T) {
	p := newTestProject(t)

	ref, ok := p.PendingRef()
	if !ok || ref.Kind != StageKindConcept {
		t.Fatalf("pending = %v/%v, want concept", ref, ok)
	}
	p.AppendStageResult(NewStageResult(ref, "concept text", "openai", "gpt-4o"))
	p.AdvanceFrom(ref)
	if p.Stage != StageOutlinePending {
		t.Fatalf("after concept stage = %s", p.Stage)
	}

	ref, _ = p.PendingRef()
	if ref.Kind != StageKindOutline {
		t.Fatalf("pending kind = %s, want outline", ref.Kind)
	}
	p.AppendStageResult(NewStageResult(ref, "outline text", "openai", "gpt-4o"))
	p.AdvanceFrom(ref)
	if p.Stage != StageChapterPending || p.NextChapter != 1 {
		t.Fatalf("after outline stage = %s next = %d", p.Stage, p.NextChapter)
	}

	for ch := 1; ch <= 3; ch++ {
		ref, ok = p.PendingRef()
		if !ok || ref.Kind != StageKindChapter || ref.Chapter != ch {
			t.Fatalf("pending = %v/%v, want chapter %d", ref, ok, ch)
		}
		p.AppendStageResult(NewStageResult(ref, "chapter text", "openai", "gpt-4o"))
		p.AdvanceFrom(ref)
	}

	if p.Stage != StageComplete {
		t.Fatalf("final stage = %s, want %s", p.Stage, StageComplete)
	}
	if _, ok := p.PendingRef(); ok {
		t.Error("complete project must have no pending stage")
	}
	if len(p.StageResults) != 5 {
		t.Errorf("expected 5 stage results, got %d", len(p.StageResults))
	}
}

func TestMarkFailedKeepsResumeStage(t *testing.T) {
	p := newTestProject(t)
	p.AdvanceFrom(StageRef{Kind: StageKindConcept})

	p.MarkFailed("2004", "provider unavailable")
	if p.Stage != StageFailed {
		t.Fatalf("stage = %s, want failed", p.Stage)
	}
	if p.ResumeStage != StageOutlinePending {
		t.Fatalf("resume stage = %s, want outline_pending", p.ResumeStage)
	}
	if p.LastError == nil || p.LastError.Code != "2004" {
		t.Fatalf("last error = %+v", p.LastError)
	}

	// failed 状态下待生成阶段回到可恢复点
	ref, ok := p.PendingRef()
	if !ok || ref.Kind != StageKindOutline {
		t.Fatalf("pending = %v/%v, want outline", ref, ok)
	}

	// 再次失败不得覆盖可恢复阶段
	p.MarkFailed("2004", "again")
	if p.ResumeStage != StageOutlinePending {
		t.Fatalf("resume stage overwritten: %s", p.ResumeStage)
	}
}

func TestTruncateFrom(t *testing.T) {
	p := newTestProject(t)
	refs := []StageRef{
		{Kind: StageKindConcept},
		{Kind: StageKindOutline},
		{Kind: StageKindChapter, Chapter: 1},
		{Kind: StageKindChapter, Chapter: 2},
		{Kind: StageKindChapter, Chapter: 3},
	}
	for _, ref := range refs {
		p.AppendStageResult(NewStageResult(ref, "text", "openai", ""))
		p.AdvanceFrom(ref)
	}
	p.Outline = &Outline{Acts: []Act{{Title: "Act I", Chapters: []ChapterPlan{{Title: "one"}}}}}

	removed := p.TruncateFrom(StageRef{Kind: StageKindChapter, Chapter: 2})
	if len(removed) != 2 {
		t.Fatalf("removed %d results, want 2", len(removed))
	}
	if len(p.StageResults) != 3 {
		t.Fatalf("retained %d results, want 3", len(p.StageResults))
	}
	if p.Stage != StageChapterPending || p.NextChapter != 2 {
		t.Fatalf("stage = %s next = %d", p.Stage, p.NextChapter)
	}
	if p.Outline == nil {
		t.Error("chapter truncation must keep the outline")
	}

	removed = p.TruncateFrom(StageRef{Kind: StageKindOutline})
	if len(removed) != 2 {
		t.Fatalf("removed %d results, want 2", len(removed))
	}
	if p.Outline != nil {
		t.Error("outline truncation must clear the outline")
	}
	if p.Stage != StageOutlinePending {
		t.Fatalf("stage = %s, want outline_pending", p.Stage)
	}
}

func TestLatestResult(t *testing.T) {
	p := newTestProject(t)
	ref := StageRef{Kind: StageKindConcept}
	first := NewStageResult(ref, "v1", "openai", "")
	second := NewStageResult(ref, "v2", "openai", "")
	p.AppendStageResult(first)
	p.AppendStageResult(second)

	got := p.LatestResult(ref)
	if got == nil || got.ID != second.ID {
		t.Fatalf("LatestResult returned %v, want %s", got, second.ID)
	}
	if p.LatestResult(StageRef{Kind: StageKindChapter, Chapter: 9}) != nil {
		t.Error("missing stage must return nil")
	}
}

// 完整项目（概念 + 大纲 + 3 章 + 2 处矛盾）序列化后逐字段还原
func TestProjectJSONRoundTrip(t *testing.T) {
	p := newTestProject(t)

	concept := NewStageResult(StageRef{Kind: StageKindConcept}, "concept text", "openai", "gpt-4o")
	concept.Facts = &StageFacts{
		Entities: []FactAssertion{{
			Name:       "Mara Voss",
			Category:   CategoryCharacter,
			Attributes: map[string]string{"hair_color": "black"},
		}},
		Threads: []ThreadAssertion{{Name: "who did it", Status: ThreadOpen}},
	}
	p.AppendStageResult(concept)
	p.AdvanceFrom(concept.Ref())

	outline := NewStageResult(StageRef{Kind: StageKindOutline}, "outline text", "openai", "gpt-4o")
	outline.Facts = &StageFacts{Events: []EventAssertion{{Name: "the breach"}}}
	p.AppendStageResult(outline)
	p.AdvanceFrom(outline.Ref())
	p.Outline = &Outline{Acts: []Act{
		{Title: "Act I", Chapters: []ChapterPlan{{Title: "one", Summary: "start"}}},
		{Title: "Act II", Chapters: []ChapterPlan{{Title: "two", Summary: "middle"}, {Title: "three", Summary: "end"}}},
	}}

	for ch := 1; ch <= 3; ch++ {
		ref := StageRef{Kind: StageKindChapter, Chapter: ch}
		res := NewStageResult(ref, "chapter text", "openai", "gpt-4o")
		res.Summary = "summary " + strings.Repeat("x", ch)
		res.Facts = &StageFacts{Events: []EventAssertion{{Name: "dive", After: []string{"the breach"}}}}
		if ch == 2 {
			// 第 2 章被标记：一处属性矛盾、一处时间线矛盾
			attr := NewContradiction(ContradictionAttribute, SeverityHigh, res.ID)
			attr.PriorStageResultID = concept.ID
			attr.EntityName = "Mara Voss"
			attr.Attribute = "hair_color"
			attr.PriorValue = "black"
			attr.NewValue = "blonde"
			attr.Description = "hair_color conflict"
			cycle := NewContradiction(ContradictionTimeline, SeverityHigh, res.ID)
			cycle.EventA = "dive"
			cycle.EventB = "the breach"
			cycle.Description = "timeline cycle"
			res.Contradictions = []Contradiction{attr, cycle}
			res.Outcome = OutcomeFlagged
			res.ExtractionFailed = true
		}
		p.AppendStageResult(res)
		p.AdvanceFrom(ref)
	}

	p.Knowledge.Entities["character/mara voss"] = &Entity{
		Name:     "Mara Voss",
		Category: CategoryCharacter,
		Aliases:  []string{"Dr. Voss"},
		Attributes: map[string]AttributeValue{
			"hair_color": {Value: "black", AssertedBy: concept.ID},
		},
		LastTouchedChapter: 3,
	}
	p.Knowledge.Timeline = []TimelineEvent{
		{Name: "the breach", OrderKey: 1, AssertedBy: outline.ID},
		{Name: "dive", OrderKey: 2, After: []string{"the breach"}, AssertedBy: p.StageResults[2].ID},
	}
	p.Knowledge.Threads = []PlotThread{
		{Name: "who did it", Status: ThreadOpen, OpenedBy: concept.ID},
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Project
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.ID != p.ID || back.Title != p.Title || back.Stage != p.Stage ||
		back.Provider != p.Provider || back.TargetChapters != p.TargetChapters ||
		back.NextChapter != p.NextChapter {
		t.Errorf("header mismatch: %+v", back)
	}
	if len(back.StageResults) != 5 {
		t.Fatalf("stage results = %d, want 5", len(back.StageResults))
	}
	for i := range p.StageResults {
		if !reflect.DeepEqual(back.StageResults[i], p.StageResults[i]) {
			t.Errorf("stage result %d mismatch:\n got %+v\nwant %+v", i, back.StageResults[i], p.StageResults[i])
		}
	}
	flagged := back.StageResults[3]
	if flagged.Outcome != OutcomeFlagged || len(flagged.Contradictions) != 2 || !flagged.ExtractionFailed {
		t.Errorf("flagged chapter lost markers: %+v", flagged)
	}
	if !reflect.DeepEqual(back.Outline, p.Outline) {
		t.Errorf("outline mismatch:\n got %+v\nwant %+v", back.Outline, p.Outline)
	}
	if !reflect.DeepEqual(back.Knowledge.Entities, p.Knowledge.Entities) {
		t.Errorf("knowledge entities mismatch:\n got %+v\nwant %+v", back.Knowledge.Entities, p.Knowledge.Entities)
	}
	if !reflect.DeepEqual(back.Knowledge.Timeline, p.Knowledge.Timeline) {
		t.Errorf("timeline mismatch:\n got %+v\nwant %+v", back.Knowledge.Timeline, p.Knowledge.Timeline)
	}
	if !reflect.DeepEqual(back.Knowledge.Threads, p.Knowledge.Threads) {
		t.Errorf("threads mismatch:\n got %+v\nwant %+v", back.Knowledge.Threads, p.Knowledge.Threads)
	}
}
