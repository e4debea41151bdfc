// Package triage provides the business boundary for sift's feedback triage queue.
// It defines the Service (ingest, manual triage writes, dispatch), the
// Orchestrator (durable checkpointed analysis job), the Extractor and scoring
// rubric, the queue query model, the Store interface, and domain models.
package triage
