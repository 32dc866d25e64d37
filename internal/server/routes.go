package server

import (
	"net/http"

	"github.com/ternarybob/geosafe/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket status stream: /ws/analysis/{id}
	mux.HandleFunc("/ws/analysis/", s.app.WSHandler.HandleAnalysisStatus)

	// API routes - Analyses
	mux.HandleFunc("/api/analysis", s.handleAnalysesRoute)   // GET (list), POST (create)
	mux.HandleFunc("/api/analysis/", s.handleAnalysisRoutes) // /{id} and subpaths

	// API routes - Layers
	mux.HandleFunc("/api/layers", s.handleLayersRoute)  // GET (list), POST (register)
	mux.HandleFunc("/api/layers/", s.handleLayerRoutes) // /{id}, /{id}/archive

	// API routes - Broker bridge for remote workers
	mux.HandleFunc("/api/broker/", s.handleBrokerRoutes)

	// API routes - Runtime settings
	mux.HandleFunc("/api/settings", s.app.KVHandler.ListKVHandler)
	mux.HandleFunc("/api/settings/", s.handleSettingRoutes)

	// API routes - Scheduler
	mux.HandleFunc("/api/scheduler/jobs", s.app.SchedulerHandler.ListJobsHandler)
	mux.HandleFunc("/api/scheduler/jobs/", s.app.SchedulerHandler.TriggerJobHandler)

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleAnalysesRoute routes /api/analysis requests (list and create)
func (s *Server) handleAnalysesRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.AnalysisHandler.ListHandler, s.app.AnalysisHandler.CreateHandler)
}

// handleAnalysisRoutes routes /api/analysis/{id}[/action] requests
func (s *Server) handleAnalysisRoutes(w http.ResponseWriter, r *http.Request) {
	h := s.app.AnalysisHandler
	segments := handlers.PathSegments(r, "/api/analysis/")

	switch {
	case len(segments) == 1:
		RouteByMethod(w, r, MethodRouter{"GET": h.GetHandler})
	case len(segments) == 2 && segments[1] == "status":
		RouteByMethod(w, r, MethodRouter{"GET": h.StatusHandler})
	case len(segments) == 2 && segments[1] == "rerun":
		RouteByMethod(w, r, MethodRouter{"POST": h.RerunHandler})
	case len(segments) == 2 && segments[1] == "cancel":
		RouteByMethod(w, r, MethodRouter{"POST": h.CancelHandler})
	case len(segments) == 2 && segments[1] == "keep":
		RouteByMethod(w, r, MethodRouter{"POST": h.ToggleKeepHandler})
	case len(segments) == 3 && segments[1] == "report":
		RouteByMethod(w, r, MethodRouter{"GET": h.ReportHandler})
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleLayersRoute routes /api/layers requests (list and register)
func (s *Server) handleLayersRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.LayerHandler.ListHandler, s.app.LayerHandler.RegisterHandler)
}

// handleLayerRoutes routes /api/layers/{id}[/archive] requests
func (s *Server) handleLayerRoutes(w http.ResponseWriter, r *http.Request) {
	h := s.app.LayerHandler
	segments := handlers.PathSegments(r, "/api/layers/")

	switch {
	case len(segments) == 1:
		RouteByMethod(w, r, MethodRouter{"GET": h.GetHandler})
	case len(segments) == 2 && segments[1] == "archive":
		RouteByMethod(w, r, MethodRouter{"GET": h.ArchiveHandler})
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleBrokerRoutes routes /api/broker/queues/{queue}/receive and
// /api/broker/tasks/{id}[/complete]
func (s *Server) handleBrokerRoutes(w http.ResponseWriter, r *http.Request) {
	h := s.app.BrokerHandler
	segments := handlers.PathSegments(r, "/api/broker/")

	switch {
	case len(segments) == 3 && segments[0] == "queues" && segments[2] == "receive":
		RouteByMethod(w, r, MethodRouter{"POST": h.ReceiveHandler})
	case len(segments) == 2 && segments[0] == "tasks":
		RouteByMethod(w, r, MethodRouter{"GET": h.MetaHandler})
	case len(segments) == 3 && segments[0] == "tasks" && segments[2] == "complete":
		RouteByMethod(w, r, MethodRouter{"POST": h.CompleteHandler})
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

// handleSettingRoutes routes /api/settings/{key}
func (s *Server) handleSettingRoutes(w http.ResponseWriter, r *http.Request) {
	RouteResourceItem(w, r, nil, s.app.KVHandler.UpdateKVHandler, s.app.KVHandler.DeleteKVHandler)
}
