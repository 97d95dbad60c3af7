package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/chakulahq/chakula-backend/api/responses"
	"github.com/chakulahq/chakula-backend/pkg/config"
	"github.com/chakulahq/chakula-backend/pkg/db"
	pkgerrors "github.com/chakulahq/chakula-backend/pkg/errors"
	"github.com/chakulahq/chakula-backend/pkg/logger"
	"github.com/chakulahq/chakula-backend/pkg/redis"
)

const healthPingTimeout = 2 * time.Second

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Chakula-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports readiness. The database is required; Redis is
// best-effort because order sequencing and the callback burst guard
// degrade without it.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP db.Pinger, redisP redis.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Chakula-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()

		if dbP == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeDependency, "database not configured"))
			return
		}
		if err := dbP.Ping(ctx); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "database unreachable"))
			return
		}

		payload := map[string]string{"status": "ready", "redis": "ok"}
		if redisP == nil {
			payload["redis"] = "disabled"
		} else if err := redisP.Ping(ctx); err != nil {
			payload["redis"] = "degraded"
			if logg != nil {
				logg.Warn(logg.WithField(ctx, "error", err.Error()), "redis ping failed")
			}
		}

		responses.WriteSuccess(w, payload)
	}
}
