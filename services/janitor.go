package services

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor periodically evicts idle controllers from a Registry.
type Janitor struct {
	cron     *cron.Cron
	registry *Registry
	maxIdle  time.Duration
}

func NewJanitor(registry *Registry, maxIdle time.Duration) *Janitor {
	return &Janitor{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		registry: registry,
		maxIdle:  maxIdle,
	}
}

// Start schedules eviction with a cron spec such as "@every 5m".
func (j *Janitor) Start(spec string) error {
	if _, err := j.cron.AddFunc(spec, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	log.Printf("[Janitor] Evicting controllers idle for %s (%s)", j.maxIdle, spec)
	return nil
}

func (j *Janitor) Sweep() {
	if n := j.registry.EvictIdle(j.maxIdle); n > 0 {
		log.Printf("[Janitor] Evicted %d idle controllers", n)
	}
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
