package knowledge

import (
	"strings"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
)

// Commit 把一个阶段的事实并入知识快照。
// 永不删除已有属性值：新值与旧值相同则为 no-op，不同则保留旧值为基准，
// 矛盾由校验器另行记录。会制造环的时间线边不并入。
func Commit(k *entity.StoryKnowledge, facts *entity.StageFacts, stageResultID string, chapter int) {
	if facts.Empty() {
		return
	}
	if k.Entities == nil {
		k.Entities = make(map[string]*entity.Entity)
	}

	for _, fact := range facts.Entities {
		key := entity.EntityKey(fact.Category, fact.Name)
		ent := k.Entities[key]
		if ent == nil {
			ent = &entity.Entity{
				Name:            fact.Name,
				Category:        fact.Category,
				Attributes:      make(map[string]entity.AttributeValue),
				FirstAssertedBy: stageResultID,
			}
			k.Entities[key] = ent
		} else {
			ent.AddAlias(fact.Name)
		}
		if chapter > ent.LastTouchedChapter {
			ent.LastTouchedChapter = chapter
		}

		for attr, value := range fact.Attributes {
			if existing, ok := ent.Attributes[attr]; ok {
				// 已有当前值不覆盖；相同值无需动作，不同值留给矛盾记录
				_ = existing
				continue
			}
			ent.Attributes[attr] = entity.AttributeValue{
				Value:      value,
				AssertedBy: stageResultID,
				Chapter:    chapter,
			}
		}
	}

	for _, assertion := range facts.Events {
		commitEvent(k, assertion, stageResultID)
	}

	for _, assertion := range facts.Threads {
		commitThread(k, assertion, stageResultID)
	}
}

func commitEvent(k *entity.StoryKnowledge, assertion entity.EventAssertion, stageResultID string) {
	ev := k.FindEvent(assertion.Name)
	if ev == nil {
		k.Timeline = append(k.Timeline, entity.TimelineEvent{
			Name:       assertion.Name,
			OrderKey:   len(k.Timeline) + 1,
			AssertedBy: stageResultID,
		})
		ev = &k.Timeline[len(k.Timeline)-1]
	}

	for _, prev := range assertion.After {
		if entity.NormalizeName(prev) == entity.NormalizeName(ev.Name) {
			continue
		}
		if hasEdge(ev.After, prev) {
			continue
		}
		// prev 先于 ev；若 ev 已先于 prev，则该边成环，不并入
		if k.Precedes(ev.Name, prev) {
			continue
		}
		ev.After = append(ev.After, strings.TrimSpace(prev))
	}
}

func commitThread(k *entity.StoryKnowledge, assertion entity.ThreadAssertion, stageResultID string) {
	th := k.FindThread(assertion.Name)
	if th == nil {
		k.Threads = append(k.Threads, entity.PlotThread{
			Name:     assertion.Name,
			Status:   assertion.Status,
			OpenedBy: stageResultID,
		})
		if assertion.Status == entity.ThreadResolved {
			k.Threads[len(k.Threads)-1].ResolvedBy = stageResultID
		}
		return
	}
	if th.Status == entity.ThreadOpen && assertion.Status == entity.ThreadResolved {
		th.Status = entity.ThreadResolved
		th.ResolvedBy = stageResultID
	}
	// 已解决的情节线不因后文重新打开，重开由校验器标记
}

func hasEdge(edges []string, name string) bool {
	folded := entity.NormalizeName(name)
	for _, e := range edges {
		if entity.NormalizeName(e) == folded {
			return true
		}
	}
	return false
}

// Rebuild 按阶段结果顺序重放提交，重建知识快照。
// 用于 regenerate 截断下游阶段后回滚知识状态。
func Rebuild(results []entity.StageResult) entity.StoryKnowledge {
	k := entity.NewStoryKnowledge()
	for i := range results {
		res := &results[i]
		if res.Facts == nil {
			continue
		}
		Commit(&k, res.Facts, res.ID, res.Chapter)
	}
	return k
}

// Filter 知识查询条件
type Filter struct {
	// Categories 为空表示全部类别
	Categories []entity.EntityCategory
	// TouchedSince 只要最近出现章节不早于该值的实体；0 表示不限
	TouchedSince int
	// Limit 最多返回的实体数；0 表示不限
	Limit int
}

// Query 按条件查询实体子集，按最近出现章节降序
func Query(k *entity.StoryKnowledge, f Filter) []*entity.Entity {
	var out []*entity.Entity
	for _, e := range k.EntitiesByRecency() {
		if f.TouchedSince > 0 && e.LastTouchedChapter < f.TouchedSince {
			continue
		}
		if len(f.Categories) > 0 && !containsCategory(f.Categories, e.Category) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func containsCategory(cats []entity.EntityCategory, c entity.EntityCategory) bool {
	for _, cat := range cats {
		if cat == c {
			return true
		}
	}
	return false
}
