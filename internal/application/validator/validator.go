package validator

import (
	"fmt"
	"strings"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/logger"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/metrics"
)

// Validator 一致性校验器：在事实并入知识快照前，
// 对照已有快照逐条检查属性冲突、时间线环与情节线重开。
type Validator struct {
	// equivalences 属性值等价类，折叠后值 -> 等价类代表
	equivalences map[string]string
}

// New 创建校验器。groups 为等价值分组，例如 ["auburn","red-brown"]，
// 同组内的值互不构成冲突。
func New(groups [][]string) *Validator {
	eq := make(map[string]string)
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		rep := foldValue(group[0])
		for _, v := range group {
			eq[foldValue(v)] = rep
		}
	}
	return &Validator{equivalences: eq}
}

// Validate 检查阶段结果的事实与快照之间的矛盾。
// 快照中较早的断言是基准，新断言是矛盾候选。返回全部矛盾记录，
// 不修改快照本身。
func (v *Validator) Validate(res *entity.StageResult, k *entity.StoryKnowledge) []entity.Contradiction {
	if res.Facts == nil || res.Facts.Empty() {
		return nil
	}

	var out []entity.Contradiction
	out = append(out, v.checkAttributes(res, k)...)
	out = append(out, v.checkTimeline(res, k)...)
	out = append(out, v.checkThreads(res, k)...)

	for _, c := range out {
		metrics.ContradictionsDetectedTotal.WithLabelValues(string(c.Kind), string(c.Severity)).Inc()
	}
	return out
}

func (v *Validator) checkAttributes(res *entity.StageResult, k *entity.StoryKnowledge) []entity.Contradiction {
	var out []entity.Contradiction
	for _, fact := range res.Facts.Entities {
		ent := k.FindEntity(fact.Category, fact.Name)
		if ent == nil {
			continue
		}
		for attr, newValue := range fact.Attributes {
			prior, ok := ent.Attributes[attr]
			if !ok {
				continue
			}
			if v.equivalent(prior.Value, newValue) {
				continue
			}
			c := entity.NewContradiction(entity.ContradictionAttribute, entity.SeverityHigh, res.ID)
			c.PriorStageResultID = prior.AssertedBy
			c.EntityName = ent.Name
			c.Attribute = attr
			c.PriorValue = prior.Value
			c.NewValue = newValue
			c.Description = fmt.Sprintf("%s 的 %s 先前为 %q，新断言为 %q", ent.Name, attr, prior.Value, newValue)
			out = append(out, c)
			logger.Default().Warn("检测到属性矛盾",
				"entity", ent.Name, "attribute", attr,
				"prior", prior.Value, "new", newValue)
		}
	}
	return out
}

func (v *Validator) checkTimeline(res *entity.StageResult, k *entity.StoryKnowledge) []entity.Contradiction {
	var out []entity.Contradiction
	for _, assertion := range res.Facts.Events {
		for _, prev := range assertion.After {
			if entity.NormalizeName(prev) == entity.NormalizeName(assertion.Name) {
				continue
			}
			// 新边断言 prev 先于 assertion.Name；
			// 若快照已知 assertion.Name 先于 prev，则该边成环
			if !k.Precedes(assertion.Name, prev) {
				continue
			}
			c := entity.NewContradiction(entity.ContradictionTimeline, entity.SeverityHigh, res.ID)
			c.EventA = assertion.Name
			c.EventB = prev
			if prior := k.FindEvent(prev); prior != nil {
				c.PriorStageResultID = prior.AssertedBy
			}
			c.Description = fmt.Sprintf("事件 %q 已先于 %q，新断言的先后顺序成环", assertion.Name, prev)
			out = append(out, c)
		}
	}
	return out
}

func (v *Validator) checkThreads(res *entity.StageResult, k *entity.StoryKnowledge) []entity.Contradiction {
	var out []entity.Contradiction
	for _, assertion := range res.Facts.Threads {
		th := k.FindThread(assertion.Name)
		if th == nil || th.Status != entity.ThreadResolved {
			continue
		}
		if assertion.Status != entity.ThreadOpen {
			continue
		}
		c := entity.NewContradiction(entity.ContradictionThread, entity.SeverityLow, res.ID)
		c.PriorStageResultID = th.ResolvedBy
		c.EntityName = th.Name
		c.Description = fmt.Sprintf("情节线 %q 已解决，新内容又将其重新打开", th.Name)
		out = append(out, c)
	}
	return out
}

// equivalent 判断两个属性值是否视为一致：折叠大小写与空白后相等，
// 或落入同一等价类。
func (v *Validator) equivalent(a, b string) bool {
	fa, fb := foldValue(a), foldValue(b)
	if fa == fb {
		return true
	}
	ra, oka := v.equivalences[fa]
	rb, okb := v.equivalences[fb]
	return oka && okb && ra == rb
}

func foldValue(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// MaxSeverity 返回矛盾列表中的最高严重度；空列表返回 ok=false。
func MaxSeverity(list []entity.Contradiction) (entity.ContradictionSeverity, bool) {
	if len(list) == 0 {
		return "", false
	}
	max := entity.SeverityLow
	for _, c := range list {
		if c.Severity == entity.SeverityHigh {
			max = entity.SeverityHigh
		}
	}
	return max, true
}
