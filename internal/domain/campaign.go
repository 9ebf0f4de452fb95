package domain

import (
	"fmt"
	"strings"
	"time"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignStopped   CampaignStatus = "STOPPED"
	CampaignCompleted CampaignStatus = "COMPLETED"
)

func (s CampaignStatus) String() string { return string(s) }

func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignDraft, CampaignActive, CampaignPaused, CampaignStopped, CampaignCompleted:
		return true
	}
	return false
}

func ParseCampaignStatusFromString(s string) (CampaignStatus, error) {
	st := CampaignStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid campaign status %q", ErrValidation, s)
	}
	return st, nil
}

// ConditionTrigger is the engagement signal a step condition inspects.
type ConditionTrigger string

const (
	TriggerReplyReceived   ConditionTrigger = "reply_received"
	TriggerEmailOpened     ConditionTrigger = "email_opened"
	TriggerLinkClicked     ConditionTrigger = "link_clicked"
	TriggerTimeElapsed     ConditionTrigger = "time_elapsed"
	TriggerPrevStepOpened  ConditionTrigger = "previous_step_opened"
	TriggerPrevStepClicked ConditionTrigger = "previous_step_clicked"
)

func (t ConditionTrigger) IsValid() bool {
	switch t {
	case TriggerReplyReceived, TriggerEmailOpened, TriggerLinkClicked,
		TriggerTimeElapsed, TriggerPrevStepOpened, TriggerPrevStepClicked:
		return true
	}
	return false
}

// Accepts reports whether the operator can ever produce a match for this
// trigger. Boolean triggers compare with equals/not_equals; time_elapsed
// additionally orders with greater_than/less_than. contains would need a
// string-valued trigger and none exists, so no valid condition carries it.
func (t ConditionTrigger) Accepts(o ConditionOperator) bool {
	switch t {
	case TriggerTimeElapsed:
		return o == OperatorEquals || o == OperatorNotEquals ||
			o == OperatorGreaterThan || o == OperatorLessThan
	default:
		return o == OperatorEquals || o == OperatorNotEquals
	}
}

// ConditionOperator compares the trigger's observed value to the condition value.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not_equals"
	OperatorGreaterThan ConditionOperator = "greater_than"
	OperatorLessThan    ConditionOperator = "less_than"
	OperatorContains    ConditionOperator = "contains"
)

func (o ConditionOperator) IsValid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorGreaterThan, OperatorLessThan, OperatorContains:
		return true
	}
	return false
}

// StepAction is what a matched condition does to the sequence.
type StepAction string

const (
	ActionStopSequence StepAction = "stop_sequence"
	ActionSkipStep     StepAction = "skip_step"
	ActionBranchToStep StepAction = "branch_to_step"
	ActionDelayStep    StepAction = "delay_step"
)

func (a StepAction) IsValid() bool {
	switch a {
	case ActionStopSequence, ActionSkipStep, ActionBranchToStep, ActionDelayStep:
		return true
	}
	return false
}

// StepCondition pairs a trigger with an action. Conditions are configuration,
// never mutated at runtime, and evaluated in declared order.
type StepCondition struct {
	ID     string
	StepID string

	Trigger  ConditionTrigger
	Operator ConditionOperator
	// Value holds the comparison operand: threshold hours for time_elapsed,
	// "true"/"false" for boolean triggers (empty means "true").
	Value  string
	Action StepAction
	// TargetStep is required for branch_to_step.
	TargetStep int
	// DelayHours applies to branch_to_step and delay_step.
	DelayHours int
	Position   int
}

func (c *StepCondition) Validate() error {
	if !c.Trigger.IsValid() {
		return fmt.Errorf("%w: invalid condition trigger %q", ErrValidation, c.Trigger)
	}
	if !c.Operator.IsValid() {
		return fmt.Errorf("%w: invalid condition operator %q", ErrValidation, c.Operator)
	}
	if !c.Trigger.Accepts(c.Operator) {
		// A legal-but-inapplicable pairing would persist a condition that can
		// never match; reject it up front instead.
		return fmt.Errorf("%w: operator %q does not apply to trigger %q", ErrValidation, c.Operator, c.Trigger)
	}
	if !c.Action.IsValid() {
		return fmt.Errorf("%w: invalid condition action %q", ErrValidation, c.Action)
	}
	if c.Action == ActionBranchToStep && c.TargetStep < 1 {
		return fmt.Errorf("%w: branch_to_step requires a target step", ErrValidation)
	}
	if c.DelayHours < 0 {
		return fmt.Errorf("%w: condition delay must not be negative", ErrValidation)
	}
	return nil
}

// EmailStep is one templated email within a campaign sequence.
type EmailStep struct {
	ID         string
	CampaignID string

	StepNumber int
	Subject    string
	Body       string
	DelayDays  int
	DelayHours int

	Conditions []StepCondition
}

// Delay is the configured wait before this step fires after the previous one.
func (s *EmailStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// Campaign groups a step sequence with its owner and scheduling priority.
type Campaign struct {
	ID     string
	UserID string
	Name   string
	Status CampaignStatus
	// Priority is applied to every job the campaign schedules.
	Priority Priority

	Steps []EmailStep

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Step returns the step with the given number, or nil when past the end.
func (c *Campaign) Step(number int) *EmailStep {
	for i := range c.Steps {
		if c.Steps[i].StepNumber == number {
			return &c.Steps[i]
		}
	}
	return nil
}

// ValidateSteps enforces the sequence shape: step numbers contiguous from 1,
// step 1 with zero delay, branch targets pointing at real steps.
func (c *Campaign) ValidateSteps() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("%w: campaign has no steps", ErrValidation)
	}

	seen := make(map[int]bool, len(c.Steps))
	for i := range c.Steps {
		step := &c.Steps[i]
		if step.StepNumber < 1 || step.StepNumber > len(c.Steps) {
			return fmt.Errorf("%w: step number %d outside 1..%d", ErrValidation, step.StepNumber, len(c.Steps))
		}
		if seen[step.StepNumber] {
			return fmt.Errorf("%w: duplicate step number %d", ErrValidation, step.StepNumber)
		}
		seen[step.StepNumber] = true

		if step.DelayDays < 0 || step.DelayHours < 0 {
			return fmt.Errorf("%w: step %d delay must not be negative", ErrValidation, step.StepNumber)
		}
		if step.StepNumber == 1 && step.Delay() != 0 {
			return fmt.Errorf("%w: step 1 must have zero delay", ErrValidation)
		}
		if strings.TrimSpace(step.Subject) == "" {
			return fmt.Errorf("%w: step %d subject is required", ErrValidation, step.StepNumber)
		}

		for j := range step.Conditions {
			cond := &step.Conditions[j]
			if err := cond.Validate(); err != nil {
				return fmt.Errorf("step %d condition %d: %w", step.StepNumber, j+1, err)
			}
			if cond.Action == ActionBranchToStep && !stepNumberExists(c.Steps, cond.TargetStep) {
				return fmt.Errorf("%w: step %d branches to missing step %d", ErrValidation, step.StepNumber, cond.TargetStep)
			}
		}
	}

	return nil
}

func stepNumberExists(steps []EmailStep, number int) bool {
	for i := range steps {
		if steps[i].StepNumber == number {
			return true
		}
	}
	return false
}
