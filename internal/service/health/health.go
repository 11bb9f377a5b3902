package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/gorilla/mux"

	"github.com/TulparLabs/tulpar-autopost/autopost"
	"github.com/TulparLabs/tulpar-autopost/version"
)

// Pinger is the storage liveness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type statusResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	DB        string                   `json:"db,omitempty"`
	Scheduler *autopost.SchedulerState `json:"scheduler,omitempty"`
}

type Service struct {
	scheduler autopost.Service
	db        Pinger

	logger  log.Logger
	svcTags metrics.Tags
}

func NewHealthService(scheduler autopost.Service, db Pinger) *Service {
	return &Service{
		scheduler: scheduler,
		db:        db,

		logger: log.WithField("svc", "health"),
		svcTags: metrics.Tags{
			"svc": "health",
		},
	}
}

func (s *Service) Register(router *mux.Router) {
	router.HandleFunc("/healthz", s.handleStatus).Methods(http.MethodGet)
}

// handleStatus reports service liveness. A failing database ping degrades
// the response to 503 but the process itself stays up.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	metrics.ReportFuncCall(s.svcTags)

	resp := statusResponse{
		Status:  "ok",
		Version: version.Version(),
	}

	if s.scheduler != nil {
		state := s.scheduler.State()
		resp.Scheduler = &state
	}

	code := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := s.db.Ping(ctx); err != nil {
			metrics.ReportFuncError(s.svcTags)
			s.logger.WithError(err).Warningln("database ping failed")

			resp.Status = "degraded"
			resp.DB = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp.DB = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(&resp); err != nil {
		s.logger.WithError(err).Warningln("failed to write health response")
	}
}
