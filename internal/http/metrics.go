package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Login and refresh outcomes are labeled individually even though several
// share one external response, so the internal distinction survives the
// merged client-facing message.
var (
	loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traker_login_attempts_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	refreshAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "traker_refresh_attempts_total",
		Help: "Refresh-token rotations by outcome.",
	}, []string{"outcome"})
)
