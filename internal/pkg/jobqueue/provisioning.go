package jobqueue

import (
	"context"

	"github.com/ManuelReschke/qwork/internal/pkg/entitlements"
)

// ProvisioningScheduler queues responsible account creation that failed right
// after an activation committed.
type ProvisioningScheduler struct {
	queue *Queue
}

func NewProvisioningScheduler(q *Queue) *ProvisioningScheduler {
	return &ProvisioningScheduler{queue: q}
}

func (s *ProvisioningScheduler) ScheduleAccountProvisioning(ctx context.Context, subscriberID uint) error {
	_, err := s.queue.EnqueueJob(ctx, JobTypeProvisionAccount, ProvisionAccountPayload{SubscriberID: subscriberID}.ToMap())
	return err
}

// ProvisionAccountHandler runs queued provisioning jobs through p.
func ProvisionAccountHandler(p entitlements.AccountProvisioner) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, err := ProvisionAccountPayloadFromMap(job.Payload)
		if err != nil {
			return err
		}
		return p.ProvisionResponsibleAccount(ctx, payload.SubscriberID)
	}
}
