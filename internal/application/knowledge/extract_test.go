package knowledge

import (
	"testing"

	"github.com/ou-jiajian/StoryArchitectAI/internal/domain/entity"
	"github.com/ou-jiajian/StoryArchitectAI/pkg/errors"
)

const sampleOutput = "The reactor hums. Mara checks the gauge.\n\n" +
	"```STORY_FACTS\n" +
	`{
  "entities": [
    {"name": "Mara Voss", "category": "character", "attributes": {"Hair Color": "black", "occupation": "salvage pilot"}}
  ],
  "events": [
    {"name": "the breach", "after": []},
    {"name": "the trial", "after": ["the breach"]}
  ],
  "threads": [
    {"name": "who sabotaged the reactor", "status": "open"}
  ]
}` + "\n```\n"

func TestExtract(t *testing.T) {
	facts, err := Extract(sampleOutput, entity.StageKindChapter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(facts.Entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(facts.Entities))
	}
	e := facts.Entities[0]
	if e.Name != "Mara Voss" || e.Category != entity.CategoryCharacter {
		t.Errorf("entity = %+v", e)
	}
	// 属性键归一为小写下划线
	if e.Attributes["hair_color"] != "black" {
		t.Errorf("attributes = %v", e.Attributes)
	}

	if len(facts.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(facts.Events))
	}
	if facts.Events[1].Name != "the trial" || len(facts.Events[1].After) != 1 {
		t.Errorf("event = %+v", facts.Events[1])
	}

	if len(facts.Threads) != 1 || facts.Threads[0].Status != entity.ThreadOpen {
		t.Errorf("threads = %+v", facts.Threads)
	}
}

func TestExtractDegradesWithoutMarker(t *testing.T) {
	facts, err := Extract("just prose, no facts block", entity.StageKindChapter)
	if err == nil {
		t.Fatal("expected extraction error")
	}
	if errors.CodeOf(err) != errors.CodeExtraction {
		t.Errorf("code = %s, want %s", errors.CodeOf(err), errors.CodeExtraction)
	}
	if facts == nil || !facts.Empty() {
		t.Errorf("expected empty facts, got %+v", facts)
	}
}

func TestExtractDegradesOnBadJSON(t *testing.T) {
	facts, err := Extract("prose\nSTORY_FACTS\nnot json at all", entity.StageKindChapter)
	if err == nil {
		t.Fatal("expected extraction error")
	}
	if !facts.Empty() {
		t.Errorf("expected empty facts, got %+v", facts)
	}
}

func TestExtractTolerantAfterForms(t *testing.T) {
	text := "x\nSTORY_FACTS\n" +
		`{"events": [{"name": "a", "after": "b"}, {"name": "c", "after": [1, "d"]}]}`
	facts, err := Extract(text, entity.StageKindChapter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(facts.Events))
	}
	if len(facts.Events[0].After) != 1 || facts.Events[0].After[0] != "b" {
		t.Errorf("single string after = %v", facts.Events[0].After)
	}
	// 非字符串条目被跳过
	if len(facts.Events[1].After) != 1 || facts.Events[1].After[0] != "d" {
		t.Errorf("mixed after = %v", facts.Events[1].After)
	}
}

func TestStripFactsBlock(t *testing.T) {
	got := StripFactsBlock(sampleOutput)
	want := "The reactor hums. Mara checks the gauge."
	if got != want {
		t.Errorf("StripFactsBlock = %q, want %q", got, want)
	}

	if got := StripFactsBlock("no block here"); got != "no block here" {
		t.Errorf("text without block changed: %q", got)
	}
}
