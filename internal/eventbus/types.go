package eventbus

// Event types published by the reminder pipeline.
const (
	SchedulerScheduled = "scheduler.scheduled"
	SchedulerFired     = "scheduler.fired"
	SchedulerSkipped   = "scheduler.skipped"

	CachePushed       = "cache.pushed"
	CachePopped       = "cache.popped"
	CacheRefillFailed = "cache.refill_failed"

	GenerationOnDemand = "generation.on_demand"
	GenerationFailed   = "generation.failed"

	DeliverySent    = "delivery.sent"
	DeliveryFailed  = "delivery.failed"
	DeliverySkipped = "delivery.skipped"

	ConfigReloaded = "config.reloaded"
)
