package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sean85120/ccbot/internal/models"
)

func twoQuestions() map[string]any {
	return map[string]any{
		"questions": []any{
			map[string]any{
				"question": "Which database?",
				"header":   "DB",
				"options": []any{
					map[string]any{"label": "Postgres"},
					map[string]any{"label": "SQLite", "description": "embedded"},
				},
			},
			map[string]any{
				"question":    "Which features?",
				"header":      "Features",
				"multiSelect": true,
				"options":     []any{"Auth", "Billing", "Search"},
			},
		},
	}
}

func TestParseQuestions(t *testing.T) {
	qs, ok := ParseQuestions(twoQuestions())
	require.True(t, ok)
	require.Len(t, qs, 2)
	assert.Equal(t, "DB", qs[0].Header)
	assert.Equal(t, "embedded", qs[0].Options[1].Description)
	assert.True(t, qs[1].MultiSelect)
	assert.Equal(t, "Billing", qs[1].Options[1].Label)
}

func TestParseQuestions_Placeholders(t *testing.T) {
	qs, ok := ParseQuestions(map[string]any{
		"questions": []any{map[string]any{"options": []any{map[string]any{}}}},
	})
	require.True(t, ok)
	assert.Equal(t, "Question 1", qs[0].Question)
	assert.Equal(t, "Q1", qs[0].Header)
	assert.Equal(t, "Option 1", qs[0].Options[0].Label)
}

func TestParseQuestions_NotGuided(t *testing.T) {
	cases := map[string]map[string]any{
		"no questions":  {"command": "ls"},
		"empty list":    {"questions": []any{}},
		"no options":    {"questions": []any{map[string]any{"question": "why?"}}},
		"wrong type":    {"questions": "what"},
		"explicit null": {"questions": nil},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := ParseQuestions(input)
			assert.False(t, ok)
		})
	}
}

func TestRenderStep_SummaryInCompletionOrder(t *testing.T) {
	qs, _ := ParseQuestions(twoQuestions())
	a := NewAskState(qs)
	assert.False(t, record(a, "SQLite"))

	step := RenderStep(a)
	assert.Equal(t, 1, step.Index)
	assert.Equal(t, 2, step.Total)
	assert.Equal(t, []AnsweredQuestion{{Header: "DB", Answer: "SQLite"}}, step.Answered)
	assert.Contains(t, step.Text(), "✓ DB: SQLite")
	assert.Contains(t, step.Text(), "[2/2] Features")
}

func TestGuidedFlow_SingleThenMulti(t *testing.T) {
	g, dir, n := setup(t)
	input := twoQuestions()
	ch := ask(t, context.Background(), g, dir, "AskUserQuestion", input)

	require.Len(t, n.steps, 1)
	assert.Equal(t, 0, n.steps[0].Index)
	assert.Equal(t, 0, n.requestCount(), "guided flow does not post a plain approval")

	require.NoError(t, g.Answer(context.Background(), "t1", QuestionAnswer{QuestionIndex: 0, Kind: AnswerSelect, OptionIndex: 1}))
	p, ok := dir.GetPendingApproval("t1")
	require.True(t, ok)
	assert.Equal(t, 1, p.Ask().CurrentIndex)
	assert.Equal(t, "SQLite", p.Ask().Answers["0"])
	assert.Equal(t, "ref-2", p.NotificationRef, "next step is a new message")

	// Empty submit is rejected without changing state.
	err := g.Answer(context.Background(), "t1", QuestionAnswer{QuestionIndex: 1, Kind: AnswerSubmit})
	assert.ErrorIs(t, err, ErrEmptySelection)

	for _, idx := range []int{2, 0, 1, 1} {
		require.NoError(t, g.Answer(context.Background(), "t1", QuestionAnswer{QuestionIndex: 1, Kind: AnswerSelect, OptionIndex: idx}))
	}
	p, _ = dir.GetPendingApproval("t1")
	assert.Equal(t, map[int]bool{0: true, 2: true}, p.Ask().Selected)
	assert.Equal(t, "ref-2", p.NotificationRef, "toggles edit the step in place")

	// Stale index is ignored.
	assert.ErrorIs(t, g.Answer(context.Background(), "t1", QuestionAnswer{QuestionIndex: 0, Kind: AnswerSelect}), ErrExpired)

	require.NoError(t, g.Answer(context.Background(), "t1", QuestionAnswer{QuestionIndex: 1, Kind: AnswerSubmit}))
	out := wait(t, ch)
	require.True(t, out.Allowed())
	assert.Equal(t, map[string]string{"0": "SQLite", "1": "Auth, Search"}, out.UpdatedInput["answers"])
	assert.Equal(t, input["questions"], out.UpdatedInput["questions"])

	assert.ErrorIs(t, g.Answer(context.Background(), "t1", QuestionAnswer{QuestionIndex: 1, Kind: AnswerSubmit}), ErrExpired)
}

func TestGuidedFlow_Other(t *testing.T) {
	g, dir, _ := setup(t)
	input := map[string]any{
		"questions": []any{map[string]any{"question": "Name?", "options": []any{"foo"}}},
	}
	ch := ask(t, context.Background(), g, dir, "AskUserQuestion", input)

	require.NoError(t, g.Answer(context.Background(), "t1", QuestionAnswer{Kind: AnswerOther, Text: "custom name"}))
	out := wait(t, ch)
	assert.Equal(t, map[string]string{"0": "custom name"}, out.UpdatedInput["answers"])
}

func TestGuidedFlow_InvalidInputLeavesState(t *testing.T) {
	g, dir, _ := setup(t)
	ch := ask(t, context.Background(), g, dir, "AskUserQuestion", twoQuestions())

	assert.ErrorIs(t, g.Answer(context.Background(), "t1", QuestionAnswer{Kind: AnswerSelect, OptionIndex: 9}), ErrInvalidOption)
	assert.ErrorIs(t, g.Answer(context.Background(), "t1", QuestionAnswer{Kind: "bogus"}), ErrInvalidAnswer)
	assert.ErrorIs(t, g.Answer(context.Background(), "t1", QuestionAnswer{Kind: AnswerSelect, NotificationRef: "other"}), ErrExpired)

	p, _ := dir.GetPendingApproval("t1")
	assert.Equal(t, 0, p.Ask().CurrentIndex)
	assert.Empty(t, p.Ask().Answers)

	require.True(t, g.Decide("t1", models.Decision{Behavior: models.BehaviorDeny}))
	assert.Equal(t, models.Deny(models.ReasonUserDenied), wait(t, ch))
}
