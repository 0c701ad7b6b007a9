// Package pipeline 实现分阶段的小说生成流水线：
// 概念 -> 大纲 -> 逐章生成，每次阶段提交后整体持久化项目。
package pipeline

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ou-jiajian/StoryArchitectAI/internal/application/knowledge"
	"github.com/ou-jiajian/StoryArchitectAI/internal/application/storyutil"
	"github.com/ou-jiajian/StoryArchitectAI/internal/application/validator"
	"github.com/ou-jiajian/StoryArchitectAI/internal/config"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/repository"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/service"
	"github.com/ou-jiajian/StoryArchitectAI/internal/infrastructure/llm"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/logger"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/metrics"
)

// chapterSummaryRunes 章节摘要保留的字符数
const chapterSummaryRunes = 600

// GenerateOptions 单次生成调用的可选覆盖。
// Credential 只在本次调用内使用，不落盘、不打日志。
type GenerateOptions struct {
	Provider    string
	Model       string
	Credential  service.Credential
	Temperature *float32
	MaxTokens   *int
}

// StartInput 创建项目的输入
type StartInput struct {
	Title          string
	Concept        entity.StoryConcept
	Provider       string
	TargetChapters int
	Options        GenerateOptions
}

// Orchestrator 流水线编排器。
// 同一项目的生成互斥：本进程内靠项目级互斥锁，多实例部署时
// 可选接入分布式锁。全局并发由信号量约束。
type Orchestrator struct {
	store     repository.ProjectStore
	locker    repository.ProjectLocker
	adapter   llm.Adapter
	composer  *Composer
	validator *validator.Validator
	cfg       *config.PipelineConfig

	sem         *semaphore.Weighted
	maxAttempts int
	projectMus  sync.Map
}

// NewOrchestrator 创建编排器。locker 可为 nil（单实例部署）。
func NewOrchestrator(
	store repository.ProjectStore,
	locker repository.ProjectLocker,
	adapter llm.Adapter,
	composer *Composer,
	v *validator.Validator,
	cfg *config.PipelineConfig,
) *Orchestrator {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	// 配置为 0 或负数时仍保证每个阶段至少尝试一次
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Orchestrator{
		store:       store,
		locker:      locker,
		adapter:     adapter,
		composer:    composer,
		validator:   v,
		cfg:         cfg,
		sem:         semaphore.NewWeighted(maxConcurrent),
		maxAttempts: maxAttempts,
	}
}

// StartProject 创建项目并生成概念阶段。
// 概念生成失败时项目不落盘，调用方可重新发起。
func (o *Orchestrator) StartProject(ctx context.Context, in StartInput) (*entity.Project, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, errors.ErrInvalidParam.WithDetail("title is required")
	}
	provider := strings.TrimSpace(in.Provider)
	if provider == "" {
		return nil, errors.ErrInvalidParam.WithDetail("provider is required")
	}
	target := in.TargetChapters
	if target <= 0 {
		target = o.cfg.TargetChapters
	}

	p := entity.NewProject(title, in.Concept, provider, target)
	ctx = logger.WithContext(ctx, logger.ProjectIDKey, p.ID)

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, errors.CodeTransient, "generation slot unavailable")
	}
	defer o.sem.Release(1)

	ref := entity.StageRef{Kind: entity.StageKindConcept}
	res, err := o.runStage(ctx, p, ref, in.Options)
	if err != nil {
		return nil, err
	}
	return p, o.commitStage(ctx, p, ref, res)
}

// AdvanceStage 推进项目到下一个待生成阶段。
// 项目已完成时为幂等空操作，不发起任何生成调用。
func (o *Orchestrator) AdvanceStage(ctx context.Context, projectID string, opts GenerateOptions) (*entity.Project, error) {
	unlock, err := o.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := o.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithContext(ctx, logger.ProjectIDKey, p.ID)

	ref, ok := p.PendingRef()
	if !ok {
		if p.Stage == entity.StageComplete {
			return p, nil
		}
		return nil, errors.ErrStageBlocked.WithDetail("project has no pending stage")
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return p, errors.Wrap(err, errors.CodeTransient, "generation slot unavailable")
	}
	defer o.sem.Release(1)

	res, err := o.runStage(ctx, p, ref, opts)
	if err != nil {
		return o.absorbFailure(ctx, p, ref, err)
	}
	return p, o.commitStage(ctx, p, ref, res)
}

// RegenerateStage 丢弃目标阶段及其下游的全部结果，重建知识快照后重新生成。
// 后续章节依赖前文事实，不支持只重做中间一段。
func (o *Orchestrator) RegenerateStage(ctx context.Context, projectID string, target entity.StageRef, opts GenerateOptions) (*entity.Project, error) {
	unlock, err := o.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := o.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ctx = logger.WithContext(ctx, logger.ProjectIDKey, p.ID)

	if target.Kind == entity.StageKindChapter {
		if target.Chapter < 1 || target.Chapter > p.TargetChapters {
			return nil, errors.ErrInvalidParam.WithDetail("chapter out of range")
		}
	}
	if p.LatestResult(target) == nil {
		pending, ok := p.PendingRef()
		if !ok || pending != target {
			return nil, errors.ErrInvalidParam.WithDetail("stage has not been generated yet")
		}
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return p, errors.Wrap(err, errors.CodeTransient, "generation slot unavailable")
	}
	defer o.sem.Release(1)

	removed := p.TruncateFrom(target)
	p.Knowledge = knowledge.Rebuild(p.StageResults)
	logger.Info(ctx, "阶段截断完成",
		"target", target.String(), "removed_results", len(removed))

	res, err := o.runStage(ctx, p, target, opts)
	if err != nil {
		return o.absorbFailure(ctx, p, target, err)
	}
	return p, o.commitStage(ctx, p, target, res)
}

// runStage 执行一次阶段生成：组装提示词、带退避重试调用适配器、
// 提取事实并构建阶段结果。只有可恢复错误参与重试。
func (o *Orchestrator) runStage(ctx context.Context, p *entity.Project, ref entity.StageRef, opts GenerateOptions) (*entity.StageResult, error) {
	start := time.Now()
	metrics.ProjectsGenerating.Inc()
	defer metrics.ProjectsGenerating.Dec()

	msgs, err := o.composer.Compose(ctx, p, ref)
	if err != nil {
		return nil, err
	}

	provider := strings.TrimSpace(opts.Provider)
	if provider == "" {
		provider = p.Provider
	}
	ctx = logger.WithContext(ctx, logger.StageKey, ref.String())

	req := &llm.GenerationRequest{
		Provider:    provider,
		Credential:  opts.Credential,
		Messages:    msgs,
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}

	var gen *llm.Generation
	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := o.waitBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			metrics.AdapterRetriesTotal.WithLabelValues(provider, string(errors.CodeOf(lastErr))).Inc()
		}
		gen, lastErr = o.adapter.Generate(ctx, req)
		if lastErr == nil {
			break
		}
		if !errors.Retryable(lastErr) {
			break
		}
		logger.Warn(ctx, "阶段生成失败，准备重试",
			"attempt", attempt+1, "code", string(errors.CodeOf(lastErr)))
	}
	if lastErr != nil {
		metrics.StageGenerationsTotal.WithLabelValues(string(ref.Kind), "failed").Inc()
		return nil, lastErr
	}

	prose := knowledge.StripFactsBlock(gen.Text)
	res := entity.NewStageResult(ref, prose, gen.Provider, gen.Model)

	facts, extractErr := knowledge.Extract(gen.Text, ref.Kind)
	res.Facts = facts
	if extractErr != nil {
		res.ExtractionFailed = true
		logger.Warn(ctx, "事实提取失败，降级为空事实集", "detail", extractErr.Error())
	}
	if ref.Kind == entity.StageKindChapter {
		res.Summary = storyutil.Summarize(prose, chapterSummaryRunes)
	}

	metrics.StageGenerationDuration.WithLabelValues(string(ref.Kind)).Observe(time.Since(start).Seconds())
	return &res, nil
}

// commitStage 校验矛盾并把阶段结果并入项目，恰好持久化一次。
// 矛盾达到阻断阈值时结果仍追加留痕，但状态机不推进。
func (o *Orchestrator) commitStage(ctx context.Context, p *entity.Project, ref entity.StageRef, res *entity.StageResult) error {
	contradictions := o.validator.Validate(res, &p.Knowledge)
	if len(contradictions) > 0 {
		res.Contradictions = contradictions
		res.Outcome = entity.OutcomeFlagged
	}

	if ref.Kind == entity.StageKindOutline {
		outline, err := parseOutline(res.Text)
		if err != nil {
			res.ExtractionFailed = true
			outline = fallbackOutline(p.TargetChapters)
			logger.Warn(ctx, "大纲解析失败，使用占位大纲", "detail", err.Error())
		}
		p.Outline = outline
		if n := outline.ChapterCount(); n > 0 && n != p.TargetChapters {
			p.TargetChapters = n
		}
	}

	p.AppendStageResult(*res)

	if threshold, enabled := o.blockThreshold(); enabled {
		if max, ok := validator.MaxSeverity(contradictions); ok && max.AtLeast(threshold) {
			if err := o.store.Save(ctx, p); err != nil {
				return err
			}
			metrics.StageGenerationsTotal.WithLabelValues(string(ref.Kind), "blocked").Inc()
			return errors.ErrStageBlocked.WithDetail(
				"contradictions at or above severity " + string(threshold))
		}
	}

	knowledge.Commit(&p.Knowledge, res.Facts, res.ID, ref.Chapter)
	p.AdvanceFrom(ref)
	if err := o.store.Save(ctx, p); err != nil {
		return err
	}

	metrics.StageGenerationsTotal.WithLabelValues(string(ref.Kind), "success").Inc()
	logger.Info(ctx, "阶段提交完成",
		"stage", ref.String(), "next", string(p.Stage),
		"contradictions", len(contradictions))
	return nil
}

// absorbFailure 把致命错误吸收进失败态并持久化。
// 取消不算失败：状态不变、不落盘，原样返回错误。
func (o *Orchestrator) absorbFailure(ctx context.Context, p *entity.Project, ref entity.StageRef, cause error) (*entity.Project, error) {
	if stderrors.Is(cause, context.Canceled) || stderrors.Is(cause, context.DeadlineExceeded) {
		return p, cause
	}

	code := errors.CodeOf(cause)
	msg := "stage generation failed"
	if appErr := errors.AsAppError(cause); appErr != nil {
		msg = appErr.Message
	}
	p.MarkFailed(string(code), msg)
	if err := o.store.Save(ctx, p); err != nil {
		logger.Error(ctx, "失败状态持久化失败", err)
	}
	logger.Error(ctx, "阶段生成进入失败态", cause, "stage", ref.String())
	return p, cause
}

// lockProject 获取项目级互斥：先占本进程互斥锁，再取可选的分布式锁
func (o *Orchestrator) lockProject(ctx context.Context, projectID string) (func(), error) {
	muIface, _ := o.projectMus.LoadOrStore(projectID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, errors.ErrPipelineLocked.WithDetail("another generation is in progress for this project")
	}

	if o.locker == nil {
		return mu.Unlock, nil
	}
	release, err := o.locker.Acquire(ctx, projectID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		release()
		mu.Unlock()
	}, nil
}

func (o *Orchestrator) waitBackoff(ctx context.Context, attempt int) error {
	backoff := o.cfg.BackoffBase << (attempt - 1)
	if o.cfg.BackoffMax > 0 && backoff > o.cfg.BackoffMax {
		backoff = o.cfg.BackoffMax
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) blockThreshold() (entity.ContradictionSeverity, bool) {
	switch strings.ToLower(strings.TrimSpace(o.cfg.BlockSeverity)) {
	case "low":
		return entity.SeverityLow, true
	case "high":
		return entity.SeverityHigh, true
	default:
		return "", false
	}
}
