// Package llm 提供面向多家 LLM 提供商的生成网关
package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/ou-jiajian/StoryArchitectAI/internal/config"
	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/service"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
)

// Factory 管理多个提供商的 ChatModel 实例。
// 注册表在启动时确定，未注册的提供商标识快速失败为配置错误。
type Factory struct {
	cfg    *config.LLMConfig
	models map[string]model.BaseChatModel
	mu     sync.RWMutex
}

// NewFactory 创建 LLM 工厂，校验注册表非空
func NewFactory(cfg *config.Config) (*Factory, error) {
	if len(cfg.LLM.Providers) == 0 {
		return nil, errors.ErrConfiguration.WithDetail("no llm providers configured")
	}
	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			return nil, errors.ErrConfiguration.WithDetail("default provider not in registry: " + cfg.LLM.DefaultProvider)
		}
	}
	return &Factory{
		cfg:    &cfg.LLM,
		models: make(map[string]model.BaseChatModel),
	}, nil
}

// Resolve 解析提供商与模型名，空提供商回落到默认值
func (f *Factory) Resolve(provider, modelName string) (string, string, error) {
	p := strings.TrimSpace(provider)
	if p == "" {
		p = strings.TrimSpace(f.cfg.DefaultProvider)
	}
	providerCfg, ok := f.cfg.Providers[p]
	if !ok {
		return "", "", errors.ErrConfiguration.WithDetail("unknown provider: " + p)
	}

	m := strings.TrimSpace(modelName)
	if m == "" {
		m = strings.TrimSpace(providerCfg.Model)
	}
	return p, m, nil
}

// Get 获取指定提供商的 ChatModel。
// 携带调用方凭证时每次新建实例（凭证不进缓存）；否则按配置密钥惰性构建并缓存。
func (f *Factory) Get(ctx context.Context, name string, cred service.Credential) (model.BaseChatModel, error) {
	providerCfg, ok := f.cfg.Providers[name]
	if !ok {
		return nil, errors.ErrConfiguration.WithDetail("unknown provider: " + name)
	}

	if !cred.Empty() {
		return f.build(ctx, name, providerCfg, cred.Reveal())
	}

	f.mu.RLock()
	m, cached := f.models[name]
	f.mu.RUnlock()
	if cached {
		return m, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// 再次检查防止竞态
	if m, cached = f.models[name]; cached {
		return m, nil
	}

	if providerCfg.APIKey == "" {
		return nil, errors.ErrAuth.WithDetail("no credential supplied and provider has no configured key: " + name)
	}

	built, err := f.build(ctx, name, providerCfg, providerCfg.APIKey)
	if err != nil {
		return nil, err
	}
	f.models[name] = built
	return built, nil
}

func (f *Factory) build(ctx context.Context, name string, providerCfg config.ProviderConfig, apiKey string) (model.BaseChatModel, error) {
	temperature := float32(providerCfg.Temperature)
	maxTokens := providerCfg.MaxTokens

	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      apiKey,
		BaseURL:     providerCfg.BaseURL,
		Model:       providerCfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Timeout:     providerCfg.Timeout,
	})
	if err != nil {
		// 构建失败的错误可能带有请求配置，不附带原始错误内容以免凭证外泄
		return nil, errors.ErrConfiguration.WithDetail("failed to build chat model for " + name)
	}
	return chatModel, nil
}
