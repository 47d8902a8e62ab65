package redisx

import "time"

const (
	// Dedup marker: dedup:{service}:{id} (id = webhook event id or job id)
	KeyDedup = "dedup:%s:%s"

	// Delayed one-shot jobs: ZSET member=job record json, score=due unix ms
	KeySchedDelayed = "sched:delayed"

	// Recurring jobs: HASH id -> job record json
	KeySchedRecurring = "sched:recurring"

	// Recurring job next-run times: ZSET member=id, score=next due unix ms
	KeySchedRecurringDue = "sched:recurring:due"
)

var (
	TTLDedup    = 48 * time.Hour
	TTLJobDedup = 24 * time.Hour
)
