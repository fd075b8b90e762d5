package models

// Behavior is the verdict of a permission decision.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Outcome is what the runtime receives back for a tool permission request.
type Outcome struct {
	Behavior     Behavior       `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Allowed reports whether the outcome permits the tool call.
func (o Outcome) Allowed() bool { return o.Behavior == BehaviorAllow }

// Allow returns an allow outcome carrying input.
func Allow(input map[string]any) Outcome {
	return Outcome{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny returns a deny outcome with the given reason.
func Deny(reason string) Outcome {
	return Outcome{Behavior: BehaviorDeny, Message: reason}
}

// Decision is a human verdict submitted from the messaging platform.
// UpdatedInput and Reason may be omitted; defaults are applied when the
// pending approval resolves.
type Decision struct {
	Behavior        Behavior       `json:"behavior"`
	UpdatedInput    map[string]any `json:"updated_input,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	NotificationRef string         `json:"notification_ref,omitempty"` // empty matches the current request
	AlwaysAllow     bool           `json:"always_allow,omitempty"`
}

// QuestionOption is one selectable choice of a guided question.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one step of a guided multi-question form.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header"`
	Options     []QuestionOption `json:"options"`
	MultiSelect bool             `json:"multiSelect"`
}

// Reasons attached to deny outcomes produced by the engine itself.
const (
	ReasonUserDenied = "User denied"
	ReasonStopped    = "Task has been stopped"
	ReasonTimedOut   = "Approval request timed out"
)

// AskState tracks progress through a guided multi-question form.
type AskState struct {
	Questions    []Question        `json:"questions"`
	CurrentIndex int               `json:"current_index"`
	Selected     map[int]bool      `json:"selected"`
	Answers      map[string]string `json:"answers"`
	AnswerOrder  []string          `json:"answer_order"` // keys of Answers in completion order
}

// Current returns the question being asked.
func (a *AskState) Current() Question {
	return a.Questions[a.CurrentIndex]
}

// Clone returns a deep copy of the state.
func (a *AskState) Clone() *AskState {
	if a == nil {
		return nil
	}
	c := &AskState{
		Questions:    append([]Question(nil), a.Questions...),
		CurrentIndex: a.CurrentIndex,
		Selected:     make(map[int]bool, len(a.Selected)),
		Answers:      make(map[string]string, len(a.Answers)),
		AnswerOrder:  append([]string(nil), a.AnswerOrder...),
	}
	for k, v := range a.Selected {
		c.Selected[k] = v
	}
	for k, v := range a.Answers {
		c.Answers[k] = v
	}
	return c
}
