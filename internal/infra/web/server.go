package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/infra/delivery"
	"coach-chat-jobs/internal/infra/logging"
	"coach-chat-jobs/internal/infra/metrics"
	"coach-chat-jobs/internal/usecase"
)

// Server exposes submission, polling and the live channel over HTTP.
type Server struct {
	submitUC usecase.SubmissionUseCase
	queryUC  usecase.JobQueryUseCase
	bridge   *delivery.Bridge
	auth     *AuthManager
	basePath string
	upgrader websocket.Upgrader
	log      *zerolog.Logger
}

func NewServer(
	submitUC usecase.SubmissionUseCase,
	queryUC usecase.JobQueryUseCase,
	bridge *delivery.Bridge,
	auth *AuthManager,
	basePath string,
	logger *zerolog.Logger,
) *Server {
	if basePath == "" {
		basePath = "/api/v1"
	}
	return &Server{
		submitUC: submitUC,
		queryUC:  queryUC,
		bridge:   bridge,
		auth:     auth,
		basePath: basePath,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origins are enforced by the CORS layer and the token
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logging.Component(logger, "HTTPServer"),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(traceID, recoverer(s.log), requestLog(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route(s.basePath, func(r chi.Router) {
		r.Use(s.auth.Require)
		r.Post("/session/{sessionID}/message", s.handleSubmit)
		r.Get("/session/{sessionID}/job", s.handleActiveJob)
		r.Get("/job/{jobID}", s.handleGetJob)
		r.Get("/job/{jobID}/live", s.handleLive)
	})
	return r
}
