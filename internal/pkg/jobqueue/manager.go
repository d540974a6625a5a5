package jobqueue

import (
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/qwork/internal/pkg/entitlements"
	"github.com/ManuelReschke/qwork/internal/pkg/env"
)

// Manager owns the process wide job queue and its handlers
type Manager struct {
	queue   *Queue
	mu      sync.Mutex
	running bool
}

// NewManager builds a queue on client with the handlers for every job type.
// The worker count comes from JOBQUEUE_WORKERS.
func NewManager(client *redis.Client, provisioner entitlements.AccountProvisioner) *Manager {
	q := NewQueue(client, env.GetInt("JOBQUEUE_WORKERS", 3))
	q.Register(JobTypeProvisionAccount, ProvisionAccountHandler(provisioner))
	return &Manager{queue: q}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Scheduler returns the follow-up scheduler used by the activator.
func (m *Manager) Scheduler() *ProvisioningScheduler {
	return NewProvisioningScheduler(m.queue)
}

// Start starts the job queue
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue")
	m.queue.Start()
}

// Stop stops the job queue and waits for running jobs
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	log.Info("[JobQueue Manager] Stopping job queue...")
	m.queue.Stop()
	m.running = false
	log.Info("[JobQueue Manager] Stopped successfully")
}
