package queue

import (
	"fmt"
	"strings"

	"github.com/outboundhq/sequence-engine/internal/domain"
)

// JobMessage is the broker payload for email job processing. The worker
// re-reads the job row on consume, so the message only carries identity.
type JobMessage struct {
	JobID         string          `json:"jobId"`
	CampaignID    string          `json:"campaignId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Priority      domain.Priority `json:"priority"`
}

func (m JobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}
