package sequence

import (
	"strconv"
	"strings"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

// defaultDelayHours applies when a delay_step condition carries no delay.
const defaultDelayHours = 24

// Outcome is what the evaluator tells the sequencer to do next.
type Outcome string

const (
	OutcomeStop     Outcome = "stop"
	OutcomeSkip     Outcome = "skip"
	OutcomeBranch   Outcome = "branch"
	OutcomeDelay    Outcome = "delay"
	OutcomeContinue Outcome = "continue"
)

// Evaluation is the evaluator's verdict for one step of one contact.
type Evaluation struct {
	Outcome Outcome
	// NextStep is the explicit branch target; zero otherwise.
	NextStep   int
	DelayHours int
	Reason     string
}

// Evaluator decides how a contact moves through a sequence. Global halt rules
// run before any step-level condition and always win: a reply, an
// unsubscribe, or two bounces ends the sequence no matter what the step says.
type Evaluator struct {
	now func() time.Time
}

func NewEvaluator() *Evaluator {
	return &Evaluator{now: time.Now}
}

// Evaluate applies the halt rules, then the step's declared conditions in
// order (first match wins), and falls back to continue.
func (e *Evaluator) Evaluate(step *domain.EmailStep, progress *domain.ContactProgress) Evaluation {
	if progress.Replied() {
		return Evaluation{Outcome: OutcomeStop, Reason: "reply_received"}
	}
	if progress.Unsubscribed() {
		return Evaluation{Outcome: OutcomeStop, Reason: "unsubscribed"}
	}
	if progress.BounceCount >= domain.BounceStopThreshold {
		return Evaluation{Outcome: OutcomeStop, Reason: "bounce_threshold"}
	}

	if step != nil {
		for i := range step.Conditions {
			cond := &step.Conditions[i]
			if !e.matches(cond, progress) {
				continue
			}
			return e.evaluationFor(cond)
		}
	}

	return Evaluation{Outcome: OutcomeContinue, Reason: "no_condition_matched"}
}

func (e *Evaluator) evaluationFor(cond *domain.StepCondition) Evaluation {
	reason := "condition_" + string(cond.Trigger)

	switch cond.Action {
	case domain.ActionStopSequence:
		return Evaluation{Outcome: OutcomeStop, Reason: reason}
	case domain.ActionSkipStep:
		return Evaluation{Outcome: OutcomeSkip, Reason: reason}
	case domain.ActionBranchToStep:
		return Evaluation{
			Outcome:    OutcomeBranch,
			NextStep:   cond.TargetStep,
			DelayHours: cond.DelayHours,
			Reason:     reason,
		}
	case domain.ActionDelayStep:
		delay := cond.DelayHours
		if delay <= 0 {
			delay = defaultDelayHours
		}
		return Evaluation{Outcome: OutcomeDelay, DelayHours: delay, Reason: reason}
	}

	return Evaluation{Outcome: OutcomeContinue, Reason: reason}
}

// matches evaluates one condition against the contact's engagement state.
// Boolean triggers accept equals/not_equals; time_elapsed accepts the
// numeric operators with a threshold in hours. Anything else does not match.
func (e *Evaluator) matches(cond *domain.StepCondition, progress *domain.ContactProgress) bool {
	switch cond.Trigger {
	case domain.TriggerReplyReceived:
		return matchBool(cond, progress.Replied())
	case domain.TriggerEmailOpened:
		return matchBool(cond, progress.OpenedCurrentStep())
	case domain.TriggerLinkClicked:
		return matchBool(cond, progress.ClickedCurrentStep())
	case domain.TriggerPrevStepOpened:
		return matchBool(cond, progress.EmailsOpened > 0)
	case domain.TriggerPrevStepClicked:
		return matchBool(cond, progress.EmailsClicked > 0)
	case domain.TriggerTimeElapsed:
		return matchElapsed(cond, progress.HoursSinceLastSend(e.now()))
	}
	return false
}

func matchBool(cond *domain.StepCondition, got bool) bool {
	expected := true
	if v := strings.TrimSpace(cond.Value); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return false
		}
		expected = parsed
	}

	switch cond.Operator {
	case domain.OperatorEquals:
		return got == expected
	case domain.OperatorNotEquals:
		return got != expected
	}
	return false
}

func matchElapsed(cond *domain.StepCondition, hours float64) bool {
	threshold, err := strconv.ParseFloat(strings.TrimSpace(cond.Value), 64)
	if err != nil {
		return false
	}

	switch cond.Operator {
	case domain.OperatorGreaterThan:
		return hours > threshold
	case domain.OperatorLessThan:
		return hours < threshold
	case domain.OperatorEquals:
		return int(hours) == int(threshold)
	case domain.OperatorNotEquals:
		return int(hours) != int(threshold)
	}
	return false
}
