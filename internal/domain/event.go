package domain

import "time"

const (
	EventHydrationStarted   = "hydration.started"
	EventHydrationLoaded    = "hydration.loaded"
	EventHydrationEmpty     = "hydration.empty"
	EventHydrationDiscarded = "hydration.discarded"
	EventHydrationFailed    = "hydration.failed"
	EventEngineReady        = "engine.ready"
	EventChangeDetected     = "change.detected"
	EventSaveSkipped        = "save.skipped"
	EventSaveSucceeded      = "save.succeeded"
	EventSaveFailed         = "save.failed"
	EventEnrichStarted      = "enrich.started"
	EventEnrichAssetTimeout = "enrich.asset_timeout"
	EventEnrichFailed       = "enrich.failed"
	EventEnrichApplied      = "enrich.applied"
	EventEnrichResized      = "enrich.resized"
)

// Event is a structured observation emitted by the engine and pipeline.
type Event struct {
	Type     string         `json:"type"`
	Owner    string         `json:"owner"`
	EntityID string         `json:"entityId,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
	Error    string         `json:"error,omitempty"`
	At       time.Time      `json:"at"`
}
