package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/sean85120/ccbot/internal/models"
	"github.com/sean85120/ccbot/internal/sessions"
)

var (
	ErrEmptySelection = errors.New("select at least one option before submitting")
	ErrExpired        = errors.New("question is no longer active")
	ErrInvalidOption  = errors.New("option index out of range")
	ErrInvalidAnswer  = errors.New("unknown answer kind")
)

// MultiSelectSeparator joins the labels of a submitted multi-select answer.
const MultiSelectSeparator = ", "

// AnswerKind is the action a user took on a question step.
type AnswerKind string

const (
	AnswerSelect AnswerKind = "select"
	AnswerSubmit AnswerKind = "submit"
	AnswerOther  AnswerKind = "other"
)

// QuestionAnswer is one user interaction with a guided form.
type QuestionAnswer struct {
	NotificationRef string     `json:"notification_ref,omitempty"`
	QuestionIndex   int        `json:"question_index"`
	Kind            AnswerKind `json:"kind"`
	OptionIndex     int        `json:"option_index,omitempty"`
	Text            string     `json:"text,omitempty"`
}

// AnsweredQuestion is a finished step shown above the current one.
type AnsweredQuestion struct {
	Header string `json:"header"`
	Answer string `json:"answer"`
}

// QuestionStep is everything the messaging platform needs to render the
// current question of a guided form.
type QuestionStep struct {
	Index       int                     `json:"index"`
	Total       int                     `json:"total"`
	Header      string                  `json:"header"`
	Question    string                  `json:"question"`
	Options     []models.QuestionOption `json:"options"`
	MultiSelect bool                    `json:"multi_select"`
	Selected    []int                   `json:"selected,omitempty"`
	Answered    []AnsweredQuestion      `json:"answered,omitempty"`

	// ReplaceRef names a message that may be edited in place.
	ReplaceRef string `json:"replace_ref,omitempty"`
}

// Text is a plain-text rendering of the step.
func (s QuestionStep) Text() string {
	var b strings.Builder
	for _, a := range s.Answered {
		fmt.Fprintf(&b, "✓ %s: %s\n", a.Header, a.Answer)
	}
	fmt.Fprintf(&b, "[%d/%d] %s\n%s\n", s.Index+1, s.Total, s.Header, s.Question)
	for i, o := range s.Options {
		mark := "-"
		if s.MultiSelect {
			mark = "[ ]"
			if slices.Contains(s.Selected, i) {
				mark = "[x]"
			}
		}
		line := fmt.Sprintf("%s %d. %s", mark, i+1, o.Label)
		if o.Description != "" {
			line += " (" + o.Description + ")"
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

type rawQuestion struct {
	Question    string            `json:"question"`
	Header      string            `json:"header"`
	Options     []json.RawMessage `json:"options"`
	MultiSelect bool              `json:"multiSelect"`
}

// ParseQuestions extracts a guided form from tool input. It reports false
// unless input carries a non-empty "questions" list whose first question has
// at least one option.
func ParseQuestions(input map[string]any) ([]models.Question, bool) {
	raw, ok := input["questions"]
	if !ok || raw == nil {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var items []rawQuestion
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false
	}
	if len(items) == 0 || len(items[0].Options) == 0 {
		return nil, false
	}

	questions := make([]models.Question, len(items))
	for i, item := range items {
		q := models.Question{
			Question:    strings.TrimSpace(item.Question),
			Header:      strings.TrimSpace(item.Header),
			MultiSelect: item.MultiSelect,
		}
		if q.Question == "" {
			q.Question = fmt.Sprintf("Question %d", i+1)
		}
		if q.Header == "" {
			q.Header = fmt.Sprintf("Q%d", i+1)
		}
		for j, rawOpt := range item.Options {
			q.Options = append(q.Options, parseOption(rawOpt, j))
		}
		questions[i] = q
	}
	return questions, true
}

// parseOption accepts either {"label","description"} or a bare string.
func parseOption(raw json.RawMessage, idx int) models.QuestionOption {
	var opt models.QuestionOption
	if err := json.Unmarshal(raw, &opt); err != nil {
		var label string
		if json.Unmarshal(raw, &label) == nil {
			opt = models.QuestionOption{Label: label}
		}
	}
	opt.Label = strings.TrimSpace(opt.Label)
	if opt.Label == "" {
		opt.Label = fmt.Sprintf("Option %d", idx+1)
	}
	return opt
}

// NewAskState starts a form at its first question.
func NewAskState(questions []models.Question) *models.AskState {
	return &models.AskState{
		Questions: questions,
		Selected:  map[int]bool{},
		Answers:   map[string]string{},
	}
}

// RenderStep builds the current step of ask.
func RenderStep(ask *models.AskState) QuestionStep {
	q := ask.Current()
	step := QuestionStep{
		Index:       ask.CurrentIndex,
		Total:       len(ask.Questions),
		Header:      q.Header,
		Question:    q.Question,
		Options:     q.Options,
		MultiSelect: q.MultiSelect,
	}
	for i := range q.Options {
		if ask.Selected[i] {
			step.Selected = append(step.Selected, i)
		}
	}
	for _, key := range ask.AnswerOrder {
		header := key
		if idx, err := strconv.Atoi(key); err == nil && idx < len(ask.Questions) {
			header = ask.Questions[idx].Header
		}
		step.Answered = append(step.Answered, AnsweredQuestion{Header: header, Answer: ask.Answers[key]})
	}
	return step
}

// Answer applies one interaction to the thread's guided form. Answers for a
// question that is no longer current return ErrExpired and change nothing.
func (g *Gate) Answer(ctx context.Context, threadID string, a QuestionAnswer) error {
	var (
		next      *QuestionStep
		pendingID string
	)
	err := g.dir.WithPendingApproval(threadID, "", func(p *sessions.PendingApproval) (*models.Outcome, error) {
		ask := p.Ask()
		if ask == nil {
			return nil, ErrExpired
		}
		if a.NotificationRef != "" && a.NotificationRef != p.NotificationRef {
			return nil, ErrExpired
		}
		if a.QuestionIndex != ask.CurrentIndex {
			return nil, ErrExpired
		}

		answer, toggled, err := interpret(ask, a)
		if err != nil {
			return nil, err
		}
		pendingID = p.ID
		if toggled {
			step := RenderStep(ask)
			step.ReplaceRef = p.NotificationRef
			next = &step
			return nil, nil
		}
		if record(ask, answer) {
			out := models.Allow(mergeAnswers(p.ToolInput, ask))
			return &out, nil
		}
		step := RenderStep(ask)
		next = &step
		return nil, nil
	})
	switch {
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, sessions.ErrNoPendingApproval):
		return ErrExpired
	case err != nil:
		return err
	}
	if next == nil {
		g.logger.Info("guided form completed", "thread", threadID)
		return nil
	}

	ref, err := g.notifier.NotifyQuestionStep(ctx, threadID, *next)
	if err != nil {
		g.logger.Warn("question step not delivered", "thread", threadID, "error", err)
		return nil
	}
	// The form may have been resolved by a timeout meanwhile; then this is a no-op.
	_ = g.dir.WithPendingApproval(threadID, pendingID, func(p *sessions.PendingApproval) (*models.Outcome, error) {
		p.NotificationRef = ref
		return nil, nil
	})
	return nil
}

// interpret validates a against the current question. It returns the answer
// text to record, or toggled=true when a multi-select option was flipped.
func interpret(ask *models.AskState, a QuestionAnswer) (string, bool, error) {
	q := ask.Current()
	switch a.Kind {
	case AnswerSelect:
		if a.OptionIndex < 0 || a.OptionIndex >= len(q.Options) {
			return "", false, ErrInvalidOption
		}
		if !q.MultiSelect {
			return q.Options[a.OptionIndex].Label, false, nil
		}
		if ask.Selected[a.OptionIndex] {
			delete(ask.Selected, a.OptionIndex)
		} else {
			ask.Selected[a.OptionIndex] = true
		}
		return "", true, nil
	case AnswerSubmit:
		var labels []string
		for i, o := range q.Options {
			if ask.Selected[i] {
				labels = append(labels, o.Label)
			}
		}
		if len(labels) == 0 {
			return "", false, ErrEmptySelection
		}
		return strings.Join(labels, MultiSelectSeparator), false, nil
	case AnswerOther:
		return a.Text, false, nil
	default:
		return "", false, ErrInvalidAnswer
	}
}

// record stores answer for the current question and either advances to the
// next question or reports that the form is complete.
func record(ask *models.AskState, answer string) bool {
	key := strconv.Itoa(ask.CurrentIndex)
	if _, seen := ask.Answers[key]; !seen {
		ask.AnswerOrder = append(ask.AnswerOrder, key)
	}
	ask.Answers[key] = answer
	if ask.CurrentIndex+1 >= len(ask.Questions) {
		return true
	}
	ask.CurrentIndex++
	ask.Selected = map[int]bool{}
	return false
}

func mergeAnswers(input map[string]any, ask *models.AskState) map[string]any {
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	answers := make(map[string]string, len(ask.Answers))
	for k, v := range ask.Answers {
		answers[k] = v
	}
	out["answers"] = answers
	return out
}
