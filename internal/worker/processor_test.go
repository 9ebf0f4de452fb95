package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/outboundhq/sequence-engine/internal/domain"
	"github.com/outboundhq/sequence-engine/internal/mailer"
	"github.com/outboundhq/sequence-engine/internal/queue"
	"github.com/outboundhq/sequence-engine/internal/ratelimit"
)

type fakeJobStore struct {
	jobs map[string]*domain.EmailJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*domain.EmailJob)}
}

func (f *fakeJobStore) Create(_ context.Context, j *domain.EmailJob) error {
	cp := *j
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeJobStore) GetByID(_ context.Context, id string) (*domain.EmailJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) GetDue(_ context.Context, now time.Time, limit int) ([]domain.EmailJob, error) {
	var out []domain.EmailJob
	for _, j := range f.jobs {
		if j.Status == domain.JobStatusPending && !j.ScheduledAt.After(now) && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) MarkQueuedIfPending(_ context.Context, id string) (bool, error) {
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobStatusPending {
		return false, nil
	}
	j.Status = domain.JobStatusQueued
	return true, nil
}

func (f *fakeJobStore) ClaimForProcessing(_ context.Context, id string) (*domain.EmailJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	if j.Status != domain.JobStatusQueued && j.Status != domain.JobStatusPending {
		return nil, nil
	}
	j.Status = domain.JobStatusProcessing
	cp := *j
	return &cp, nil
}

func (f *fakeJobStore) MarkSent(_ context.Context, id, messageID string, sentAt time.Time) error {
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobStatusProcessing {
		return domain.ErrConflict
	}
	j.Status = domain.JobStatusSent
	j.MessageID = &messageID
	j.SentAt = &sentAt
	return nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, id string, errMsg string) error {
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobStatusProcessing {
		return domain.ErrConflict
	}
	j.Status = domain.JobStatusFailed
	j.ErrorMessage = &errMsg
	return nil
}

func (f *fakeJobStore) Requeue(_ context.Context, id string, scheduledAt time.Time, errMsg string) error {
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobStatusProcessing {
		return domain.ErrConflict
	}
	j.Status = domain.JobStatusPending
	j.ScheduledAt = scheduledAt
	j.ErrorMessage = &errMsg
	j.RetryCount++
	return nil
}

func (f *fakeJobStore) Reschedule(_ context.Context, id string, scheduledAt time.Time) error {
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobStatusProcessing {
		return domain.ErrConflict
	}
	j.Status = domain.JobStatusPending
	j.ScheduledAt = scheduledAt
	return nil
}

func (f *fakeJobStore) Cancel(_ context.Context, id string, reason string) error {
	j, ok := f.jobs[id]
	if !ok || j.Status != domain.JobStatusProcessing {
		return domain.ErrConflict
	}
	j.Status = domain.JobStatusCancelled
	j.ErrorMessage = &reason
	return nil
}

func (f *fakeJobStore) CancelPendingByCampaign(_ context.Context, campaignID string) (int64, error) {
	var n int64
	for _, j := range f.jobs {
		if j.CampaignID == campaignID && (j.Status == domain.JobStatusPending || j.Status == domain.JobStatusQueued) {
			j.Status = domain.JobStatusCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakeJobStore) CountOpenByProgress(_ context.Context, progressID string) (int64, error) {
	var n int64
	for _, j := range f.jobs {
		if j.ProgressID != progressID {
			continue
		}
		switch j.Status {
		case domain.JobStatusPending, domain.JobStatusQueued, domain.JobStatusProcessing:
			n++
		}
	}
	return n, nil
}

type fakeCampaignStore struct {
	campaign *domain.Campaign
	contact  *domain.Contact
}

func (f *fakeCampaignStore) GetByID(_ context.Context, id string) (*domain.Campaign, error) {
	if f.campaign == nil || f.campaign.ID != id {
		return nil, domain.ErrNotFound
	}
	cp := *f.campaign
	return &cp, nil
}

func (f *fakeCampaignStore) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	if f.contact == nil || f.contact.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.contact, nil
}

func (f *fakeCampaignStore) UpdateStatus(_ context.Context, _ string, _ domain.CampaignStatus, _ []domain.CampaignStatus) error {
	return nil
}

func (f *fakeCampaignStore) SetStartedAt(_ context.Context, _ string, _ time.Time) error {
	return nil
}

func (f *fakeCampaignStore) SetCompletedAt(_ context.Context, _ string, _ time.Time) error {
	return nil
}

type fakeProgressStore struct {
	records map[string]*domain.ContactProgress
}

func (f *fakeProgressStore) Create(_ context.Context, p *domain.ContactProgress) error {
	f.records[p.ID] = p
	return nil
}

func (f *fakeProgressStore) GetByID(_ context.Context, id string) (*domain.ContactProgress, error) {
	p, ok := f.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProgressStore) GetByCampaignAndContact(_ context.Context, _, _ string) (*domain.ContactProgress, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeProgressStore) ListByCampaign(_ context.Context, _ string, _ []domain.ProgressStatus) ([]domain.ContactProgress, error) {
	return nil, nil
}

func (f *fakeProgressStore) SetStatusIfNotTerminal(_ context.Context, id string, status domain.ProgressStatus) (bool, error) {
	p, ok := f.records[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if p.Status.Terminal() {
		return false, nil
	}
	p.Status = status
	return true, nil
}

func (f *fakeProgressStore) ForceStatusByCampaign(_ context.Context, _ string, _ domain.ProgressStatus) (int64, error) {
	return 0, nil
}

func (f *fakeProgressStore) AdvanceStep(_ context.Context, id string, step int) error {
	p, ok := f.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.CurrentStep = step
	return nil
}

func (f *fakeProgressStore) RecordSend(_ context.Context, id string, sentAt time.Time) error {
	p, ok := f.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if p.Status.Terminal() {
		return domain.ErrConflict
	}
	p.EmailsSent++
	p.LastSentAt = &sentAt
	p.Status = domain.ProgressActive
	return nil
}

func (f *fakeProgressStore) RecordOpen(_ context.Context, _ string, _ time.Time) error  { return nil }
func (f *fakeProgressStore) RecordClick(_ context.Context, _ string, _ time.Time) error { return nil }
func (f *fakeProgressStore) RecordReply(_ context.Context, _ string, _ time.Time) error { return nil }

func (f *fakeProgressStore) RecordBounce(_ context.Context, id string) (*domain.ContactProgress, error) {
	p, ok := f.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	p.BounceCount++
	return p, nil
}

func (f *fakeProgressStore) RecordUnsubscribe(_ context.Context, _ string, _ time.Time) error {
	return nil
}

type fakeAccountStore struct {
	account *domain.SendingAccount
}

func (f *fakeAccountStore) Create(_ context.Context, _ *domain.SendingAccount) error { return nil }

func (f *fakeAccountStore) GetByID(_ context.Context, id string) (*domain.SendingAccount, error) {
	if f.account == nil || f.account.ID != id {
		return nil, domain.ErrNotFound
	}
	return f.account, nil
}

func (f *fakeAccountStore) ListActiveForUser(_ context.Context, _ string) ([]domain.SendingAccount, error) {
	if f.account == nil {
		return nil, nil
	}
	return []domain.SendingAccount{*f.account}, nil
}

func (f *fakeAccountStore) GetPolicy(_ context.Context, _ string) (*domain.RateLimitPolicy, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeAccountStore) SavePolicy(_ context.Context, _ *domain.RateLimitPolicy) error {
	return nil
}

type fakeEventStore struct {
	events []domain.CampaignEvent
}

func (f *fakeEventStore) Append(_ context.Context, e *domain.CampaignEvent) error {
	f.events = append(f.events, *e)
	return nil
}

func (f *fakeEventStore) CampaignStats(_ context.Context, campaignID string) (*domain.CampaignStats, error) {
	return &domain.CampaignStats{CampaignID: campaignID}, nil
}

func (f *fakeEventStore) SendOutcomesForUser(_ context.Context, _ string) (int64, int64, error) {
	return 0, 0, nil
}

type fakeQuotaService struct {
	quota       domain.SendingQuota
	decision    ratelimit.RetryDecision
	recorded    []string
	lastSuccess bool
}

func (f *fakeQuotaService) CheckSendingQuota(_ context.Context, accountID, _ string) domain.SendingQuota {
	q := f.quota
	q.AccountID = accountID
	return q
}

func (f *fakeQuotaService) RecordSend(_ context.Context, accountID, _ string, success bool, _ string) {
	f.recorded = append(f.recorded, accountID)
	f.lastSuccess = success
}

func (f *fakeQuotaService) ScheduleRetry(_ context.Context, _ *domain.EmailJob, _ string) ratelimit.RetryDecision {
	return f.decision
}

type fakeSequenceService struct {
	allowSend   bool
	haltReason  string
	shouldErr   error
	advanced    []string
	bounced     []string
	advanceErr  error
	failureJobs []string
}

func (f *fakeSequenceService) ShouldSend(_ context.Context, _ *domain.EmailJob) (bool, string, error) {
	return f.allowSend, f.haltReason, f.shouldErr
}

func (f *fakeSequenceService) ScheduleNextStep(_ context.Context, progress *domain.ContactProgress, _ *domain.Campaign) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	f.advanced = append(f.advanced, progress.ID)
	return nil
}

func (f *fakeSequenceService) RecordBounce(_ context.Context, progressID string, _ time.Time) error {
	f.bounced = append(f.bounced, progressID)
	return nil
}

func (f *fakeSequenceService) HandleJobFailure(_ context.Context, job *domain.EmailJob, _ string) error {
	f.failureJobs = append(f.failureJobs, job.ID)
	return nil
}

type fakeTransport struct {
	receipt *mailer.Receipt
	err     error
	sent    []mailer.Email
}

func (f *fakeTransport) Send(_ context.Context, _ domain.SendingAccount, email mailer.Email) (*mailer.Receipt, error) {
	f.sent = append(f.sent, email)
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

type procFixture struct {
	jobs      *fakeJobStore
	campaigns *fakeCampaignStore
	progress  *fakeProgressStore
	accounts  *fakeAccountStore
	events    *fakeEventStore
	quotas    *fakeQuotaService
	sequencer *fakeSequenceService
	transport *fakeTransport
	proc      *Processor
	now       time.Time
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	f := &procFixture{
		jobs: newFakeJobStore(),
		campaigns: &fakeCampaignStore{
			campaign: &domain.Campaign{
				ID:     "camp-1",
				UserID: "user-1",
				Status: domain.CampaignActive,
				Steps: []domain.EmailStep{
					{StepNumber: 1, Subject: "one"},
					{StepNumber: 2, Subject: "two", DelayDays: 2},
				},
			},
			contact: &domain.Contact{ID: "contact-1", Email: "jordan@acme.com"},
		},
		progress: &fakeProgressStore{records: map[string]*domain.ContactProgress{
			"prog-1": {ID: "prog-1", CampaignID: "camp-1", ContactID: "contact-1", CurrentStep: 1, Status: domain.ProgressActive},
		}},
		accounts: &fakeAccountStore{account: &domain.SendingAccount{
			ID: "acct-1", FromEmail: "sender@outbound.io", SMTPHost: "smtp.outbound.io", SMTPPort: 587,
		}},
		events:    &fakeEventStore{},
		quotas:    &fakeQuotaService{quota: domain.SendingQuota{Available: true}},
		sequencer: &fakeSequenceService{allowSend: true},
		transport: &fakeTransport{receipt: &mailer.Receipt{MessageID: "<msg-1@outbound.io>"}},
		now:       now,
	}

	proc, err := NewProcessor(
		f.jobs, f.campaigns, f.progress, f.accounts, f.events,
		nil, f.transport, f.quotas, f.sequencer, 1, nil,
	)
	if err != nil {
		t.Fatalf("failed to create processor: %v", err)
	}
	proc.now = func() time.Time { return now }
	proc.newID = func() string { return "event-1" }
	f.proc = proc
	return f
}

func (f *procFixture) seedJob(status domain.JobStatus) *domain.EmailJob {
	job := &domain.EmailJob{
		ID:          "job-1",
		CampaignID:  "camp-1",
		ContactID:   "contact-1",
		ProgressID:  "prog-1",
		AccountID:   "acct-1",
		StepNumber:  1,
		Subject:     "Hi Jordan",
		Body:        "<p>Intro</p>",
		Priority:    domain.PriorityNormal,
		ScheduledAt: f.now,
		Status:      status,
		MaxRetries:  3,
	}
	f.jobs.jobs[job.ID] = job
	return job
}

func message() queue.JobMessage {
	return queue.JobMessage{JobID: "job-1", CampaignID: "camp-1", Priority: domain.PriorityNormal}
}

func TestProcessMessageHappyPath(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.seedJob(domain.JobStatusQueued)

	if err := f.proc.ProcessMessage(context.Background(), message()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusSent {
		t.Fatalf("expected sent, got %s", job.Status)
	}
	if job.MessageID == nil || *job.MessageID != "<msg-1@outbound.io>" {
		t.Errorf("expected message id on job, got %v", job.MessageID)
	}
	if len(f.transport.sent) != 1 || f.transport.sent[0].To != "jordan@acme.com" {
		t.Errorf("unexpected transport calls: %+v", f.transport.sent)
	}
	if len(f.quotas.recorded) != 1 || !f.quotas.lastSuccess {
		t.Error("expected one successful usage record")
	}
	if f.progress.records["prog-1"].EmailsSent != 1 {
		t.Error("expected progress send counter to move")
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != domain.EventSent {
		t.Errorf("expected sent event, got %+v", f.events.events)
	}
	if len(f.sequencer.advanced) != 1 {
		t.Error("expected sequence advancement")
	}
}

func TestProcessMessageSkipsLostClaim(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.seedJob(domain.JobStatusSent)

	if err := f.proc.ProcessMessage(context.Background(), message()); err != nil {
		t.Fatalf("expected ack for lost claim, got %v", err)
	}
	if len(f.transport.sent) != 0 {
		t.Error("no send should happen without a claim")
	}
}

func TestProcessMessageCancelsHaltedJob(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.seedJob(domain.JobStatusQueued)
	f.sequencer.allowSend = false
	f.sequencer.haltReason = "reply_received"

	if err := f.proc.ProcessMessage(context.Background(), message()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if len(f.transport.sent) != 0 {
		t.Error("halted job must not reach the transport")
	}
	if len(f.quotas.recorded) != 0 {
		t.Error("no usage should be booked for a blocked send")
	}
}

func TestProcessMessageDefersOnQuotaDenial(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.seedJob(domain.JobStatusQueued)

	slot := f.now.Add(2 * time.Hour)
	f.quotas.quota = domain.SendingQuota{
		Available:         false,
		Reason:            domain.DenialHourlyExhausted,
		NextAvailableSlot: &slot,
	}

	if err := f.proc.ProcessMessage(context.Background(), message()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusPending {
		t.Fatalf("expected deferred pending, got %s", job.Status)
	}
	if !job.ScheduledAt.Equal(slot) {
		t.Errorf("expected deferral to %s, got %s", slot, job.ScheduledAt)
	}
	if job.RetryCount != 0 {
		t.Error("quota deferral must not consume retry budget")
	}
	if len(f.transport.sent) != 0 {
		t.Error("denied quota must not reach the transport")
	}
}

func TestProcessMessageRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.seedJob(domain.JobStatusQueued)

	f.transport.err = &mailer.SendError{Code: mailer.CodeTemporaryFailure}
	retryAt := f.now.Add(time.Minute)
	f.quotas.decision = ratelimit.RetryDecision{ShouldRetry: true, RetryAt: &retryAt}

	if err := f.proc.ProcessMessage(context.Background(), message()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusPending {
		t.Fatalf("expected requeued pending, got %s", job.Status)
	}
	if job.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", job.RetryCount)
	}
	if !job.ScheduledAt.Equal(retryAt) {
		t.Errorf("expected retry at %s, got %s", retryAt, job.ScheduledAt)
	}
	if len(f.quotas.recorded) != 1 || f.quotas.lastSuccess {
		t.Error("failed attempt must still book usage")
	}
}

func TestProcessMessageFailsPermanentError(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.seedJob(domain.JobStatusQueued)
	f.transport.err = &mailer.SendError{Code: mailer.CodeInvalidRecipient, Permanent: true}

	if err := f.proc.ProcessMessage(context.Background(), message()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := f.jobs.jobs["job-1"]
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if len(f.sequencer.bounced) != 1 {
		t.Error("invalid recipient must book a bounce")
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != domain.EventFailed {
		t.Errorf("expected failed event, got %+v", f.events.events)
	}
}

func TestProcessMessageFailsOnExhaustedRetries(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.seedJob(domain.JobStatusQueued)

	f.transport.err = &mailer.SendError{Code: mailer.CodeTimeout}
	f.quotas.decision = ratelimit.RetryDecision{FinalFailure: true, Reason: "retries_exhausted"}

	if err := f.proc.ProcessMessage(context.Background(), message()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.jobs.jobs["job-1"].Status != domain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", f.jobs.jobs["job-1"].Status)
	}
	if len(f.sequencer.bounced) != 0 {
		t.Error("a timeout is not a bounce")
	}
}

func TestProcessMessageSkipsAdvanceWhenCampaignPaused(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.seedJob(domain.JobStatusQueued)
	f.campaigns.campaign.Status = domain.CampaignPaused

	if err := f.proc.ProcessMessage(context.Background(), message()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.jobs.jobs["job-1"].Status != domain.JobStatusSent {
		t.Fatal("in-flight send still completes on pause")
	}
	if len(f.sequencer.advanced) != 0 {
		t.Error("paused campaign must not advance")
	}
}

func TestProcessMessageNacksOnPreSendCheckError(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.seedJob(domain.JobStatusQueued)
	f.sequencer.shouldErr = errors.New("store down")

	if err := f.proc.ProcessMessage(context.Background(), message()); err == nil {
		t.Fatal("expected error to nack the delivery")
	}
}
