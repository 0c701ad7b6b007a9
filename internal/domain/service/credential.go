// Package service 定义领域服务与共享值类型
package service

import "strings"

// Credential 是提供商凭证的不透明句柄。
// 只在一次生成调用期间存在：不持久化、不打日志、不回显到任何错误信息。
type Credential struct {
	value string
}

// NewCredential 包装一个明文凭证，首尾空白视为无凭证
func NewCredential(value string) Credential {
	return Credential{value: strings.TrimSpace(value)}
}

// Reveal 返回明文，仅供 Provider Adapter 构造出站请求时使用
func (c Credential) Reveal() string {
	return c.value
}

// Empty 判断是否未携带凭证
func (c Credential) Empty() bool {
	return c.value == ""
}

// String 实现 fmt.Stringer，防止凭证经格式化输出泄露
func (c Credential) String() string {
	if c.value == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON 序列化时只输出遮蔽值，防止凭证落盘
func (c Credential) MarshalJSON() ([]byte, error) {
	if c.value == "" {
		return []byte(`""`), nil
	}
	return []byte(`"[REDACTED]"`), nil
}

// GoString 防止 %#v 泄露
func (c Credential) GoString() string {
	return "service.Credential{}"
}
