package api

import "github.com/go-chi/chi/v5"

// RegisterRoutes wires every handler under /v1.
func RegisterRoutes(r chi.Router, backend Backend, health HealthChecker) {
	jobH := NewJobHandler(backend)
	queueH := NewQueueHandler(backend)
	mountH := NewMountHandler(backend)
	systemH := NewSystemHandler(health)

	r.Get("/v1/health", systemH.Health)

	r.Post("/v1/archive", jobH.CreateArchive)
	r.Post("/v1/retrieve", jobH.CreateRetrieve)
	r.Get("/v1/jobs/{id}", jobH.Get)

	r.Get("/v1/queues", queueH.List)
	r.Get("/v1/queues/{direction}/{pool}/{type}", queueH.Stats)
	r.Get("/v1/failed/{direction}/{pool}", queueH.Failed)
	r.Post("/v1/failed/{id}/retry", queueH.Retry)
	r.Delete("/v1/failed/{id}", queueH.Delete)
	r.Post("/v1/admin/reconcile", queueH.Reconcile)

	r.Get("/v1/mounts", mountH.List)
	r.Delete("/v1/mounts", mountH.Prune)
	r.Get("/v1/mounts/{id}", mountH.Get)
	r.Post("/v1/mounts/{id}/abort", mountH.Abort)
}
