package llm

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
)

// ClassifyProviderError 把提供商侧错误归入编排器可识别的错误分类。
// OpenAI 兼容端点之间错误格式并不一致，只能按状态码与关键词嗅探。
func ClassifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrTransient.WithError(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "status code: 401", "invalid api key", "incorrect api key", "invalid_api_key", "authentication", "unauthorized", "permission denied"):
		// 不附带原始错误：鉴权类报错可能回显请求头
		return errors.ErrAuth
	case containsAny(msg, "status code: 429", "rate limit", "rate_limit", "too many requests", "quota exceeded", "insufficient_quota"):
		return errors.ErrRateLimit.WithError(err)
	case containsAny(msg, "content policy", "content_policy", "content management policy", "content filter", "refused to generate", "flagged as", "safety system"):
		return errors.ErrContentPolicy.WithError(err)
	case containsAny(msg, "status code: 500", "status code: 502", "status code: 503", "status code: 504", "internal server error", "server overloaded", "timeout", "deadline exceeded", "connection refused", "connection reset", "eof", "no such host"):
		return errors.ErrTransient.WithError(err)
	case containsAny(msg, "status code: 400", "status code: 404", "model not found", "unknown model"):
		return errors.ErrConfiguration.WithError(err)
	default:
		// 未知错误按瞬时处理，由编排器的有限重试兜底
		return errors.ErrTransient.WithError(err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
