package sequence

import (
	"testing"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

func fixedEvaluator(now time.Time) *Evaluator {
	e := NewEvaluator()
	e.now = func() time.Time { return now }
	return e
}

func timePtr(t time.Time) *time.Time { return &t }

func TestEvaluateHaltRules(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	step := &domain.EmailStep{
		StepNumber: 2,
		Subject:    "follow up",
		Conditions: []domain.StepCondition{
			{
				Trigger:  domain.TriggerEmailOpened,
				Operator: domain.OperatorEquals,
				Action:   domain.ActionSkipStep,
			},
		},
	}

	tests := []struct {
		name       string
		progress   *domain.ContactProgress
		wantReason string
	}{
		{
			name:       "reply stops even when a skip condition would match",
			progress:   &domain.ContactProgress{RepliedAt: timePtr(now), LastSentAt: timePtr(now.Add(-time.Hour)), LastOpenedAt: timePtr(now)},
			wantReason: "reply_received",
		},
		{
			name:       "unsubscribe stops",
			progress:   &domain.ContactProgress{UnsubscribedAt: timePtr(now)},
			wantReason: "unsubscribed",
		},
		{
			name:       "two bounces stop",
			progress:   &domain.ContactProgress{BounceCount: 2},
			wantReason: "bounce_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			eval := fixedEvaluator(now).Evaluate(step, tt.progress)
			if eval.Outcome != OutcomeStop {
				t.Fatalf("expected stop, got %s", eval.Outcome)
			}
			if eval.Reason != tt.wantReason {
				t.Errorf("expected reason %q, got %q", tt.wantReason, eval.Reason)
			}
		})
	}
}

func TestEvaluateReplyBeatsBounce(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	progress := &domain.ContactProgress{
		RepliedAt:   timePtr(now),
		BounceCount: 3,
	}

	eval := fixedEvaluator(now).Evaluate(nil, progress)
	if eval.Reason != "reply_received" {
		t.Errorf("expected reply to win, got %q", eval.Reason)
	}
}

func TestEvaluateSingleBounceContinues(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	progress := &domain.ContactProgress{BounceCount: 1}

	eval := fixedEvaluator(now).Evaluate(&domain.EmailStep{StepNumber: 1}, progress)
	if eval.Outcome != OutcomeContinue {
		t.Errorf("expected continue after one bounce, got %s", eval.Outcome)
	}
}

func TestEvaluateDeclaredConditionsFirstMatchWins(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sent := now.Add(-2 * time.Hour)

	step := &domain.EmailStep{
		StepNumber: 2,
		Conditions: []domain.StepCondition{
			{
				Trigger:  domain.TriggerEmailOpened,
				Operator: domain.OperatorEquals,
				Action:   domain.ActionBranchToStep,
				TargetStep: 4,
				DelayHours: 6,
			},
			{
				Trigger:  domain.TriggerLinkClicked,
				Operator: domain.OperatorEquals,
				Action:   domain.ActionStopSequence,
			},
		},
	}

	progress := &domain.ContactProgress{
		LastSentAt:    &sent,
		LastOpenedAt:  timePtr(sent.Add(time.Hour)),
		LastClickedAt: timePtr(sent.Add(time.Hour)),
	}

	eval := fixedEvaluator(now).Evaluate(step, progress)
	if eval.Outcome != OutcomeBranch {
		t.Fatalf("expected first condition to win with branch, got %s", eval.Outcome)
	}
	if eval.NextStep != 4 {
		t.Errorf("expected branch target 4, got %d", eval.NextStep)
	}
	if eval.DelayHours != 6 {
		t.Errorf("expected 6 hour branch delay, got %d", eval.DelayHours)
	}
}

func TestEvaluateInapplicableOperatorNeverMatches(t *testing.T) {
	t.Parallel()

	// Validation rejects these pairings, but a row predating that check must
	// stay inert rather than fire by accident.
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sent := now.Add(-2 * time.Hour)

	step := &domain.EmailStep{
		StepNumber: 2,
		Conditions: []domain.StepCondition{
			{
				Trigger:  domain.TriggerEmailOpened,
				Operator: domain.OperatorContains,
				Action:   domain.ActionStopSequence,
			},
			{
				Trigger:  domain.TriggerLinkClicked,
				Operator: domain.OperatorGreaterThan,
				Action:   domain.ActionStopSequence,
			},
		},
	}

	progress := &domain.ContactProgress{
		LastSentAt:    &sent,
		LastOpenedAt:  timePtr(sent.Add(time.Hour)),
		LastClickedAt: timePtr(sent.Add(time.Hour)),
	}

	eval := fixedEvaluator(now).Evaluate(step, progress)
	if eval.Outcome != OutcomeContinue {
		t.Fatalf("inapplicable operators must not match, got %s", eval.Outcome)
	}
}

func TestEvaluateConditionOutcomes(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sent := now.Add(-72 * time.Hour)

	tests := []struct {
		name        string
		cond        domain.StepCondition
		progress    *domain.ContactProgress
		wantOutcome Outcome
		wantDelay   int
	}{
		{
			name: "not opened with not_equals matches skip",
			cond: domain.StepCondition{
				Trigger:  domain.TriggerEmailOpened,
				Operator: domain.OperatorNotEquals,
				Action:   domain.ActionSkipStep,
			},
			progress:    &domain.ContactProgress{LastSentAt: &sent},
			wantOutcome: OutcomeSkip,
		},
		{
			name: "time elapsed greater_than matches delay with default hours",
			cond: domain.StepCondition{
				Trigger:  domain.TriggerTimeElapsed,
				Operator: domain.OperatorGreaterThan,
				Value:    "48",
				Action:   domain.ActionDelayStep,
			},
			progress:    &domain.ContactProgress{LastSentAt: &sent},
			wantOutcome: OutcomeDelay,
			wantDelay:   defaultDelayHours,
		},
		{
			name: "time elapsed less_than does not match",
			cond: domain.StepCondition{
				Trigger:  domain.TriggerTimeElapsed,
				Operator: domain.OperatorLessThan,
				Value:    "48",
				Action:   domain.ActionStopSequence,
			},
			progress:    &domain.ContactProgress{LastSentAt: &sent},
			wantOutcome: OutcomeContinue,
		},
		{
			name: "previous step opened matches on lifetime opens",
			cond: domain.StepCondition{
				Trigger:  domain.TriggerPrevStepOpened,
				Operator: domain.OperatorEquals,
				Action:   domain.ActionStopSequence,
			},
			progress:    &domain.ContactProgress{EmailsOpened: 1, LastSentAt: &sent},
			wantOutcome: OutcomeStop,
		},
		{
			name: "unparseable bool value never matches",
			cond: domain.StepCondition{
				Trigger:  domain.TriggerEmailOpened,
				Operator: domain.OperatorEquals,
				Value:    "definitely",
				Action:   domain.ActionStopSequence,
			},
			progress:    &domain.ContactProgress{LastSentAt: &sent, LastOpenedAt: timePtr(now)},
			wantOutcome: OutcomeContinue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			step := &domain.EmailStep{StepNumber: 2, Conditions: []domain.StepCondition{tt.cond}}
			eval := fixedEvaluator(now).Evaluate(step, tt.progress)
			if eval.Outcome != tt.wantOutcome {
				t.Fatalf("expected %s, got %s (%s)", tt.wantOutcome, eval.Outcome, eval.Reason)
			}
			if tt.wantDelay != 0 && eval.DelayHours != tt.wantDelay {
				t.Errorf("expected delay %d, got %d", tt.wantDelay, eval.DelayHours)
			}
		})
	}
}

func TestEvaluateNoConditionsDefaultsToContinue(t *testing.T) {
	t.Parallel()

	eval := fixedEvaluator(time.Now()).Evaluate(&domain.EmailStep{StepNumber: 1}, &domain.ContactProgress{})
	if eval.Outcome != OutcomeContinue {
		t.Fatalf("expected continue, got %s", eval.Outcome)
	}
	if eval.Reason != "no_condition_matched" {
		t.Errorf("unexpected reason %q", eval.Reason)
	}
}

func TestHoursSinceLastSendFallsBackToEnrollment(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	progress := &domain.ContactProgress{CreatedAt: now.Add(-30 * time.Hour)}

	step := &domain.EmailStep{
		StepNumber: 1,
		Conditions: []domain.StepCondition{
			{
				Trigger:  domain.TriggerTimeElapsed,
				Operator: domain.OperatorGreaterThan,
				Value:    "24",
				Action:   domain.ActionStopSequence,
			},
		},
	}

	eval := fixedEvaluator(now).Evaluate(step, progress)
	if eval.Outcome != OutcomeStop {
		t.Errorf("expected elapsed time from enrollment to match, got %s", eval.Outcome)
	}
}
