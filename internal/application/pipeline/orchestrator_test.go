package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ou-jiajian/StoryArchitectAI/internal/application/validator"
	"github.com/ou-jiajian/StoryArchitectAI/internal/config"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
	"github.com/ou-jiajian/StoryArchitectAI/internal/infrastructure/llm"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
)

const conceptText = "A salvage pilot finds a wreck that should not exist.\n\n" +
	"STORY_FACTS\n" +
	`{"entities":[{"name":"Mara","category":"character","attributes":{"hair_color":"black"}}],"threads":[{"name":"the wreck","status":"open"}]}`

const outlineText = `{"acts":[{"title":"Act I","chapters":[` +
	`{"title":"C1","summary":"first"},{"title":"C2","summary":"second"}]}]}` + "\n" +
	"STORY_FACTS\n" + `{"events":[{"name":"the discovery"}]}`

const chapterText = "Chapter prose goes here.\n\n" +
	"STORY_FACTS\n" + `{"events":[{"name":"the dive","after":["the discovery"]}]}`

type reply struct {
	text string
	err  error
}

type fakeAdapter struct {
	mu    sync.Mutex
	calls int
	queue []reply
}

func (a *fakeAdapter) push(r ...reply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, r...)
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAdapter) Generate(_ context.Context, req *llm.GenerationRequest) (*llm.Generation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.queue) == 0 {
		return &llm.Generation{Text: chapterText, Provider: req.Provider, Model: "fake-model"}, nil
	}
	r := a.queue[0]
	a.queue = a.queue[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Generation{Text: r.text, Provider: req.Provider, Model: "fake-model"}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*entity.Project
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{projects: make(map[string]*entity.Project)}
}

func (s *fakeStore) Load(_ context.Context, id string) (*entity.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, errors.ErrProjectNotFound
	}
	return p, nil
}

func (s *fakeStore) Save(_ context.Context, p *entity.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	s.saves++
	return nil
}

func (s *fakeStore) List(_ context.Context) ([]entity.ProjectMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.ProjectMetadata
	for _, p := range s.projects {
		out = append(out, p.Metadata())
	}
	return out, nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, id)
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func testPipelineConfig() *config.PipelineConfig {
	return &config.PipelineConfig{
		MaxAttempts:         3,
		BackoffBase:         time.Millisecond,
		BackoffMax:          2 * time.Millisecond,
		TargetChapters:      2,
		PromptBudgetRunes:   12000,
		RecentChapterWindow: 2,
		MaxConcurrent:       2,
		BlockSeverity:       "none",
	}
}

func newTestOrchestrator(adapter *fakeAdapter, store *fakeStore, cfg *config.PipelineConfig) *Orchestrator {
	if cfg == nil {
		cfg = testPipelineConfig()
	}
	return NewOrchestrator(store, nil, adapter, NewComposer(cfg), validator.New(nil), cfg)
}

func startTestProject(t *testing.T, o *Orchestrator) *entity.Project {
	t.Helper()
	p, err := o.StartProject(context.Background(), StartInput{
		Title:    "Salvage Run",
		Provider: "openai",
	})
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	return p
}

func TestFullPipelineRun(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.push(reply{text: conceptText}, reply{text: outlineText}, reply{text: chapterText}, reply{text: chapterText})
	store := newFakeStore()
	o := newTestOrchestrator(adapter, store, nil)
	ctx := context.Background()

	p := startTestProject(t, o)
	if p.Stage != entity.StageOutlinePending {
		t.Fatalf("after concept stage = %s", p.Stage)
	}
	if store.saveCount() != 1 {
		t.Fatalf("saves after concept = %d, want 1", store.saveCount())
	}
	if len(p.Knowledge.Entities) != 1 {
		t.Errorf("knowledge entities = %d, want 1", len(p.Knowledge.Entities))
	}

	p, err := o.AdvanceStage(ctx, p.ID, GenerateOptions{})
	if err != nil {
		t.Fatalf("advance outline: %v", err)
	}
	if p.Stage != entity.StageChapterPending || p.NextChapter != 1 {
		t.Fatalf("after outline stage = %s next = %d", p.Stage, p.NextChapter)
	}
	if p.Outline == nil || p.Outline.ChapterCount() != 2 {
		t.Fatalf("outline = %+v", p.Outline)
	}

	for ch := 1; ch <= 2; ch++ {
		p, err = o.AdvanceStage(ctx, p.ID, GenerateOptions{})
		if err != nil {
			t.Fatalf("advance chapter %d: %v", ch, err)
		}
	}
	if p.Stage != entity.StageComplete {
		t.Fatalf("final stage = %s", p.Stage)
	}
	if len(p.StageResults) != 4 {
		t.Fatalf("stage results = %d, want 4", len(p.StageResults))
	}
	if p.StageResults[2].Summary == "" {
		t.Error("chapter result missing summary")
	}
	if store.saveCount() != 4 {
		t.Errorf("saves = %d, want 4 (one per committed stage)", store.saveCount())
	}

	// 完成后的推进是幂等空操作，不发起生成调用
	calls := adapter.callCount()
	p, err = o.AdvanceStage(ctx, p.ID, GenerateOptions{})
	if err != nil {
		t.Fatalf("advance on complete: %v", err)
	}
	if p.Stage != entity.StageComplete {
		t.Errorf("stage changed: %s", p.Stage)
	}
	if adapter.callCount() != calls {
		t.Errorf("adapter called on complete project: %d -> %d", calls, adapter.callCount())
	}
}

func TestTransientErrorsRetryThenFail(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.push(reply{err: errors.ErrTransient}, reply{err: errors.ErrTransient}, reply{err: errors.ErrTransient})
	store := newFakeStore()
	o := newTestOrchestrator(adapter, store, nil)

	_, err := o.StartProject(context.Background(), StartInput{Title: "t", Provider: "openai"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if errors.CodeOf(err) != errors.CodeTransient {
		t.Errorf("code = %s", errors.CodeOf(err))
	}
	if got := adapter.callCount(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	// 概念生成失败的项目不落盘
	if store.saveCount() != 0 {
		t.Errorf("saves = %d, want 0", store.saveCount())
	}
}

// 配置 max_attempts 为 0 时每个阶段仍至少尝试一次
func TestZeroMaxAttemptsStillRunsOnce(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.MaxAttempts = 0
	adapter := &fakeAdapter{}
	adapter.push(reply{text: conceptText})
	o := newTestOrchestrator(adapter, newFakeStore(), cfg)

	p, err := o.StartProject(context.Background(), StartInput{Title: "t", Provider: "openai"})
	if err != nil {
		t.Fatalf("StartProject: %v", err)
	}
	if p.Stage != entity.StageOutlinePending {
		t.Errorf("stage = %s", p.Stage)
	}
	if got := adapter.callCount(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestAuthErrorDoesNotRetry(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.push(reply{err: errors.ErrAuth})
	o := newTestOrchestrator(adapter, newFakeStore(), nil)

	_, err := o.StartProject(context.Background(), StartInput{Title: "t", Provider: "openai"})
	if errors.CodeOf(err) != errors.CodeAuth {
		t.Fatalf("code = %s", errors.CodeOf(err))
	}
	if got := adapter.callCount(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestAdvanceFailureEntersFailedState(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.push(reply{text: conceptText})
	store := newFakeStore()
	o := newTestOrchestrator(adapter, store, nil)
	ctx := context.Background()

	p := startTestProject(t, o)
	savesBefore := store.saveCount()

	adapter.push(reply{err: errors.ErrTransient}, reply{err: errors.ErrTransient}, reply{err: errors.ErrTransient})
	p, err := o.AdvanceStage(ctx, p.ID, GenerateOptions{})
	if err == nil {
		t.Fatal("expected failure")
	}
	if p.Stage != entity.StageFailed {
		t.Fatalf("stage = %s, want failed", p.Stage)
	}
	if p.ResumeStage != entity.StageOutlinePending {
		t.Errorf("resume stage = %s", p.ResumeStage)
	}
	if p.LastError == nil {
		t.Error("last error not recorded")
	}
	// 进入失败态恰好落盘一次
	if got := store.saveCount() - savesBefore; got != 1 {
		t.Errorf("saves on failure = %d, want 1", got)
	}

	// 失败后的推进从可恢复阶段重试
	adapter.push(reply{text: outlineText})
	p, err = o.AdvanceStage(ctx, p.ID, GenerateOptions{})
	if err != nil {
		t.Fatalf("recovery advance: %v", err)
	}
	if p.Stage != entity.StageChapterPending {
		t.Errorf("stage after recovery = %s", p.Stage)
	}
	if p.LastError != nil {
		t.Error("last error not cleared after recovery")
	}
}

func TestExtractionFailureDegrades(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.push(reply{text: "concept prose without a facts block"})
	store := newFakeStore()
	o := newTestOrchestrator(adapter, store, nil)

	p := startTestProject(t, o)
	if p.Stage != entity.StageOutlinePending {
		t.Fatalf("stage = %s, degraded extraction must still advance", p.Stage)
	}
	res := p.StageResults[0]
	if !res.ExtractionFailed {
		t.Error("extraction failure not recorded")
	}
	if res.Facts == nil || !res.Facts.Empty() {
		t.Errorf("facts = %+v, want empty", res.Facts)
	}
}

func TestOutlineParseFallback(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.push(reply{text: conceptText}, reply{text: "I could not produce a JSON outline, sorry."})
	store := newFakeStore()
	o := newTestOrchestrator(adapter, store, nil)
	ctx := context.Background()

	p := startTestProject(t, o)
	p, err := o.AdvanceStage(ctx, p.ID, GenerateOptions{})
	if err != nil {
		t.Fatalf("advance outline: %v", err)
	}
	if p.Outline == nil || p.Outline.ChapterCount() != 2 {
		t.Fatalf("fallback outline = %+v, want target chapter count", p.Outline)
	}
	if !p.LatestResult(entity.StageRef{Kind: entity.StageKindOutline}).ExtractionFailed {
		t.Error("outline parse failure not recorded")
	}
	if p.Stage != entity.StageChapterPending {
		t.Errorf("stage = %s", p.Stage)
	}
}

func TestRegenerateTruncatesDownstream(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.push(reply{text: conceptText}, reply{text: outlineText}, reply{text: chapterText}, reply{text: chapterText})
	store := newFakeStore()
	o := newTestOrchestrator(adapter, store, nil)
	ctx := context.Background()

	p := startTestProject(t, o)
	for i := 0; i < 3; i++ {
		var err error
		p, err = o.AdvanceStage(ctx, p.ID, GenerateOptions{})
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	if p.Stage != entity.StageComplete {
		t.Fatalf("setup stage = %s", p.Stage)
	}

	freshChapter := "A different first chapter.\n\nSTORY_FACTS\n" + `{"events":[{"name":"the new dive"}]}`
	adapter.push(reply{text: freshChapter})
	p, err := o.RegenerateStage(ctx, p.ID, entity.StageRef{Kind: entity.StageKindChapter, Chapter: 1}, GenerateOptions{})
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	// 概念、大纲和新的第 1 章保留，旧的第 1、2 章丢弃
	if len(p.StageResults) != 3 {
		t.Fatalf("stage results = %d, want 3", len(p.StageResults))
	}
	if p.Stage != entity.StageChapterPending || p.NextChapter != 2 {
		t.Fatalf("stage = %s next = %d", p.Stage, p.NextChapter)
	}

	// 知识快照重建：旧章节的事件消失，新事件并入
	if p.Knowledge.FindEvent("the dive") != nil {
		t.Error("stale event survived regeneration")
	}
	if p.Knowledge.FindEvent("the new dive") == nil {
		t.Error("regenerated event missing")
	}
	if p.Knowledge.FindEvent("the discovery") == nil {
		t.Error("outline event lost during rebuild")
	}
}

func TestRegenerateRejectsUnreachedStage(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.push(reply{text: conceptText})
	store := newFakeStore()
	o := newTestOrchestrator(adapter, store, nil)

	p := startTestProject(t, o)
	_, err := o.RegenerateStage(context.Background(), p.ID, entity.StageRef{Kind: entity.StageKindChapter, Chapter: 2}, GenerateOptions{})
	if errors.CodeOf(err) != errors.CodeInvalidParam {
		t.Errorf("code = %s, want invalid param", errors.CodeOf(err))
	}
}

func TestBlockSeverityStopsAdvance(t *testing.T) {
	cfg := testPipelineConfig()
	cfg.BlockSeverity = "high"
	adapter := &fakeAdapter{}
	adapter.push(reply{text: conceptText}, reply{text: outlineText})
	store := newFakeStore()
	o := newTestOrchestrator(adapter, store, cfg)
	ctx := context.Background()

	p := startTestProject(t, o)
	p, err := o.AdvanceStage(ctx, p.ID, GenerateOptions{})
	if err != nil {
		t.Fatalf("advance outline: %v", err)
	}

	// 与概念阶段断言的发色矛盾
	conflicting := "Mara brushes her blonde hair.\n\nSTORY_FACTS\n" +
		`{"entities":[{"name":"Mara","category":"character","attributes":{"hair_color":"blonde"}}]}`
	adapter.push(reply{text: conflicting})
	p, err = o.AdvanceStage(ctx, p.ID, GenerateOptions{})
	if errors.CodeOf(err) != errors.CodeStageBlocked {
		t.Fatalf("code = %s, want stage blocked", errors.CodeOf(err))
	}

	// 结果留痕但状态机不推进
	if p.Stage != entity.StageChapterPending || p.NextChapter != 1 {
		t.Errorf("stage advanced despite block: %s/%d", p.Stage, p.NextChapter)
	}
	last := p.StageResults[len(p.StageResults)-1]
	if last.Outcome != entity.OutcomeFlagged || len(last.Contradictions) != 1 {
		t.Errorf("flagged result = %+v", last)
	}
	// 基准值不被矛盾值覆盖
	e := p.Knowledge.FindEntity(entity.CategoryCharacter, "Mara")
	if e.Attributes["hair_color"].Value != "black" {
		t.Errorf("ground truth overwritten: %v", e.Attributes)
	}
}

func TestConcurrentAdvanceIsLocked(t *testing.T) {
	adapter := &fakeAdapter{}
	adapter.push(reply{text: conceptText})
	store := newFakeStore()
	o := newTestOrchestrator(adapter, store, nil)
	p := startTestProject(t, o)

	unlock, err := o.lockProject(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	_, err = o.AdvanceStage(context.Background(), p.ID, GenerateOptions{})
	if errors.CodeOf(err) != errors.CodePipelineLocked {
		t.Errorf("code = %s, want pipeline locked", errors.CodeOf(err))
	}
}
