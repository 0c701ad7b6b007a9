package llm

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/service"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/metrics"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/tracer"
)

// GenerationRequest 一次生成调用的全部输入。
// 仅在单次 Adapter 调用期间存在；Credential 不持久化、不打日志。
type GenerationRequest struct {
	Provider   string
	Credential service.Credential

	Messages []*schema.Message

	Model       string
	Temperature *float32
	MaxTokens   *int
}

// Generation 一次生成调用的产出，附带实际使用的提供商与模型
type Generation struct {
	Text     string
	Provider string
	Model    string
}

// Adapter 把不同 LLM 后端归一为一个能力：送入提示词，取回文本。
// 实现约定：每次调用至多一次出站请求，重试策略归编排器。
type Adapter interface {
	Generate(ctx context.Context, req *GenerationRequest) (*Generation, error)
}

// EinoAdapter 基于 Eino OpenAI 兼容客户端的 Adapter 实现
type EinoAdapter struct {
	factory *Factory
}

// NewEinoAdapter 创建 Adapter
func NewEinoAdapter(factory *Factory) *EinoAdapter {
	return &EinoAdapter{factory: factory}
}

// Generate 执行一次生成调用并把提供商错误归入错误分类
func (a *EinoAdapter) Generate(ctx context.Context, req *GenerationRequest) (*Generation, error) {
	if req == nil {
		return nil, errors.ErrInvalidParam.WithDetail("request is nil")
	}
	if len(req.Messages) == 0 {
		return nil, errors.ErrInvalidParam.WithDetail("prompt is empty")
	}

	ctx, span := tracer.Start(ctx, "llm.Generate")
	defer span.End()

	provider, modelName, err := a.factory.Resolve(req.Provider, req.Model)
	if err != nil {
		metrics.AdapterCallsTotal.WithLabelValues(req.Provider, "config_error").Inc()
		return nil, err
	}

	chatModel, err := a.factory.Get(ctx, provider, req.Credential)
	if err != nil {
		metrics.AdapterCallsTotal.WithLabelValues(provider, "config_error").Inc()
		return nil, err
	}

	outMsg, err := chatModel.Generate(ctx, req.Messages, buildModelOptions(req)...)
	if err != nil {
		classified := ClassifyProviderError(err)
		span.RecordError(classified)
		metrics.AdapterCallsTotal.WithLabelValues(provider, string(errors.CodeOf(classified))).Inc()
		return nil, classified
	}
	if outMsg == nil || strings.TrimSpace(outMsg.Content) == "" {
		metrics.AdapterCallsTotal.WithLabelValues(provider, "empty").Inc()
		return nil, errors.ErrTransient.WithDetail("empty llm response")
	}

	metrics.AdapterCallsTotal.WithLabelValues(provider, "ok").Inc()
	return &Generation{Text: outMsg.Content, Provider: provider, Model: modelName}, nil
}

func buildModelOptions(req *GenerationRequest) []model.Option {
	opts := make([]model.Option, 0, 3)
	if req.Temperature != nil {
		opts = append(opts, model.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*req.MaxTokens))
	}
	if strings.TrimSpace(req.Model) != "" {
		opts = append(opts, model.WithModel(strings.TrimSpace(req.Model)))
	}
	return opts
}
