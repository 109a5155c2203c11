package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/governor/internal/console/handler"
	"github.com/xela07ax/governor/internal/engine"
	"github.com/xela07ax/governor/internal/infra/auth"
)

type Handlers struct {
	Governance *handler.GovernanceHandler // /v1/tenants/{tenantID}/classify, admission, quota
	Policy     *handler.PolicyHandler     // /v1/tenants/{tenantID}/policy, freeze
	Approval   *handler.ApprovalHandler   // /v1/approvals (HITL)
	Health     *handler.HealthHandler     // /health, /v1/health
	Agent      *handler.AgentHandler      // /v1/agents (pause)
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// nil: auth выключен конфигом (локальный запуск)
	authValidator auth.TokenValidator
	limiter       *rate.Limiter
	h             Handlers
}

// NewConsoleServer собирает HTTP API плоскости управления
func NewConsoleServer(logger *zap.Logger, validator auth.TokenValidator, limiter *rate.Limiter, h Handlers) *ConsoleServer {
	s := &ConsoleServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("console-api"),
		authValidator: validator,
		limiter:       limiter,
		h:             h,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Get("/health", s.h.Health.Live)

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен, если auth включен) ---
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(engine.RateLimitMiddleware(s.limiter, s.logger))
		}
		if s.authValidator != nil {
			r.Use(auth.NewMiddleware(s.authValidator, s.logger))
		}

		r.Route("/v1/tenants/{tenantID}", func(r chi.Router) {
			// Горячий путь агентов
			r.With(auth.RequireScope(auth.ScopeClassify)).Post("/classify", s.h.Governance.Classify)
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(auth.ScopeAdmit))
				r.Post("/admission", s.h.Governance.Admit)
				r.Post("/admission/finish", s.h.Governance.Finish)
				r.Get("/quota", s.h.Governance.Quota)
			})

			// Администрирование автопилота
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(auth.ScopeOperate))
				r.Get("/policy", s.h.Policy.Get)
				r.Put("/policy", s.h.Policy.Update)
				r.Post("/freeze", s.h.Policy.Freeze)
				// Заморозку мог поставить супервизор, снимает ее только оператор платформы
				r.With(auth.RequirePlatform()).Post("/unfreeze", s.h.Policy.Unfreeze)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeOperate))

			// Human-in-the-loop (Approvals)
			r.Route("/v1/approvals", func(r chi.Router) {
				r.Get("/", s.h.Approval.List)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.h.Approval.GetDetails)
					r.Post("/decide", s.h.Approval.Decide)
				})
			})

			// Дальше ручки на всю платформу, токенам тенантов закрыты
			r.Group(func(r chi.Router) {
				r.Use(auth.RequirePlatform())

				// Супервизор
				r.Get("/v1/health", s.h.Health.Report)
				r.Post("/v1/health/evaluate", s.h.Health.Evaluate)

				// Паузы типов агентов
				r.Route("/v1/agents", func(r chi.Router) {
					r.Get("/paused", s.h.Agent.ListPaused)
					r.Post("/{agentType}/pause", s.h.Agent.Pause)
					r.Delete("/{agentType}/pause", s.h.Agent.Resume)
				})
			})
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
