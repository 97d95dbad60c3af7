package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chakulahq/chakula-backend/api/controllers"
	webhookcontrollers "github.com/chakulahq/chakula-backend/api/controllers/webhooks"
	"github.com/chakulahq/chakula-backend/api/middleware"
	"github.com/chakulahq/chakula-backend/internal/orders"
	"github.com/chakulahq/chakula-backend/internal/payments"
	"github.com/chakulahq/chakula-backend/pkg/config"
	"github.com/chakulahq/chakula-backend/pkg/db"
	"github.com/chakulahq/chakula-backend/pkg/logger"
	"github.com/chakulahq/chakula-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisP redis.Pinger,
	ordersSvc orders.Service,
	paymentsSvc payments.Service,
	mpesaWebhookSvc webhookcontrollers.MpesaWebhookService,
) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/mpesa", webhookcontrollers.MpesaWebhook(mpesaWebhookSvc, logg))
	})

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", controllers.OrderCreate(ordersSvc, logg))
		r.Get("/", controllers.OrderList(ordersSvc, logg))

		r.Route("/{orderId}", func(r chi.Router) {
			r.Get("/", controllers.OrderDetail(ordersSvc, logg))
			r.Post("/status", controllers.OrderTransition(ordersSvc, logg))

			r.Route("/payments", func(r chi.Router) {
				r.Post("/", controllers.PaymentInitiate(paymentsSvc, logg))
				r.Get("/status", controllers.PaymentStatus(paymentsSvc, logg))
				r.Post("/cancel", controllers.PaymentCancel(paymentsSvc, logg))
			})
		})
	})

	return r
}
