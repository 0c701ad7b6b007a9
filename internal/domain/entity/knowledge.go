// Package entity 定义领域实体
package entity

import (
	"sort"
	"strings"
)

// EntityCategory 实体类别
type EntityCategory string

const (
	CategoryCharacter EntityCategory = "character"
	CategoryLocation  EntityCategory = "location"
	CategoryObject    EntityCategory = "object"
)

// NormalizeCategory 归一化类别，未知类别归入 object
func NormalizeCategory(s string) EntityCategory {
	switch EntityCategory(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryCharacter:
		return CategoryCharacter
	case CategoryLocation:
		return CategoryLocation
	default:
		return CategoryObject
	}
}

// 称谓前缀在名称折叠时剥离，使 "Dr. Smith" 与 "Smith" 指向同一实体
var honorifics = []string{
	"dr", "mr", "mrs", "ms", "miss", "prof", "professor",
	"sir", "lady", "lord", "captain", "sgt", "st",
}

// NormalizeName 折叠实体名：小写、去称谓前缀、去多余空白与标点。
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Trim(s, ".,;:!?\"'")
	for _, h := range honorifics {
		if strings.HasPrefix(s, h+".") {
			s = strings.TrimSpace(s[len(h)+1:])
			break
		}
		if strings.HasPrefix(s, h+" ") {
			s = strings.TrimSpace(s[len(h)+1:])
			break
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

// AttributeValue 属性的当前生效值及其出处
type AttributeValue struct {
	Value      string `json:"value"`
	AssertedBy string `json:"asserted_by"`
	Chapter    int    `json:"chapter,omitempty"`
}

// Entity 故事实体（角色/地点/物品）。
// 每个属性至多一个当前值；冲突以 Contradiction 记录，不做静默覆盖。
type Entity struct {
	Name       string                    `json:"name"`
	Category   EntityCategory            `json:"category"`
	Aliases    []string                  `json:"aliases,omitempty"`
	Attributes map[string]AttributeValue `json:"attributes"`

	FirstAssertedBy    string `json:"first_asserted_by,omitempty"`
	LastTouchedChapter int    `json:"last_touched_chapter,omitempty"`
}

// AddAlias 记录同一实体出现过的别称
func (e *Entity) AddAlias(alias string) {
	a := strings.TrimSpace(alias)
	if a == "" || a == e.Name {
		return
	}
	for _, existing := range e.Aliases {
		if existing == a {
			return
		}
	}
	e.Aliases = append(e.Aliases, a)
}

// TimelineEvent 时间线事件。
// OrderKey 是相对次序键（首次断言的序号），故事时间是虚构的，不用墙钟。
type TimelineEvent struct {
	Name       string   `json:"name"`
	OrderKey   int      `json:"order_key"`
	After      []string `json:"after,omitempty"`
	AssertedBy string   `json:"asserted_by"`
}

// PlotThread 情节线
type PlotThread struct {
	Name       string       `json:"name"`
	Status     ThreadStatus `json:"status"`
	OpenedBy   string       `json:"opened_by"`
	ResolvedBy string       `json:"resolved_by,omitempty"`
}

// StoryKnowledge 到目前为止从全部生成文本中提取出的结构化事实。
// 实体键为 "category/折叠名"，保证类别内名称唯一。
type StoryKnowledge struct {
	Entities map[string]*Entity `json:"entities"`
	Timeline []TimelineEvent    `json:"timeline,omitempty"`
	Threads  []PlotThread       `json:"threads,omitempty"`
}

// NewStoryKnowledge 创建空的知识快照
func NewStoryKnowledge() StoryKnowledge {
	return StoryKnowledge{
		Entities: make(map[string]*Entity),
	}
}

// EntityKey 计算实体在快照中的键
func EntityKey(category EntityCategory, name string) string {
	return string(category) + "/" + NormalizeName(name)
}

// FindEntity 按类别与名称（折叠后）查找实体
func (k *StoryKnowledge) FindEntity(category EntityCategory, name string) *Entity {
	if k.Entities == nil {
		return nil
	}
	return k.Entities[EntityKey(category, name)]
}

// FindEvent 按名称（折叠后）查找时间线事件
func (k *StoryKnowledge) FindEvent(name string) *TimelineEvent {
	folded := NormalizeName(name)
	for i := range k.Timeline {
		if NormalizeName(k.Timeline[i].Name) == folded {
			return &k.Timeline[i]
		}
	}
	return nil
}

// FindThread 按名称（折叠后）查找情节线
func (k *StoryKnowledge) FindThread(name string) *PlotThread {
	folded := NormalizeName(name)
	for i := range k.Threads {
		if NormalizeName(k.Threads[i].Name) == folded {
			return &k.Threads[i]
		}
	}
	return nil
}

// OpenThreads 返回未解决的情节线
func (k *StoryKnowledge) OpenThreads() []PlotThread {
	var open []PlotThread
	for i := range k.Threads {
		if k.Threads[i].Status == ThreadOpen {
			open = append(open, k.Threads[i])
		}
	}
	return open
}

// Precedes 判断事件 a 是否先于事件 b：从 b 沿 After 前置链可达 a。
// 名称按折叠后比较。
func (k *StoryKnowledge) Precedes(a, b string) bool {
	target := NormalizeName(a)
	start := NormalizeName(b)
	if target == "" || start == "" || target == start {
		return false
	}

	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		ev := k.FindEvent(cur)
		if ev == nil {
			continue
		}
		for _, prev := range ev.After {
			folded := NormalizeName(prev)
			if folded == target {
				return true
			}
			if !visited[folded] {
				visited[folded] = true
				queue = append(queue, folded)
			}
		}
	}
	return false
}

// EntitiesByRecency 返回按最近出现章节降序排列的实体。
// 同章内按名称排序，保证遍历顺序稳定。
func (k *StoryKnowledge) EntitiesByRecency() []*Entity {
	out := make([]*Entity, 0, len(k.Entities))
	for _, e := range k.Entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastTouchedChapter != out[j].LastTouchedChapter {
			return out[i].LastTouchedChapter > out[j].LastTouchedChapter
		}
		return out[i].Name < out[j].Name
	})
	return out
}
