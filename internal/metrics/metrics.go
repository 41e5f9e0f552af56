// Package metrics defines the Prometheus instruments for the auth service and
// thin helpers that keep label cardinality under control at call sites.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_login_attempts_total",
		Help: "Login attempts by outcome (success, failed, missing_otp, error).",
	}, []string{"outcome"})

	tokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_tokens_issued_total",
		Help: "Tokens issued by kind (login, bot, purpose).",
	}, []string{"kind"})

	tokenDecodes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_token_decodes_total",
		Help: "Token decode results by outcome (ok, invalid, expired, revoked).",
	}, []string{"outcome"})

	banRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_ban_rejections_total",
		Help: "Requests rejected by ban type (user, ip).",
	}, []string{"ban_type"})

	otpOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_otp_operations_total",
		Help: "OTP operations by kind (enroll, verify_totp, verify_recovery, remove) and outcome.",
	}, []string{"kind", "outcome"})

	passwordHashDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auth_password_hash_duration_seconds",
		Help:    "Wall time of Argon2id derivations, queueing included.",
		Buckets: prometheus.DefBuckets,
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_http_requests_total",
		Help: "HTTP requests by method, route pattern, and status code.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auth_http_request_duration_seconds",
		Help:    "HTTP request latency by route pattern.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// RecordLogin counts a login attempt outcome.
func RecordLogin(outcome string) {
	loginAttempts.WithLabelValues(outcome).Inc()
}

// RecordTokenIssued counts a minted token by kind.
func RecordTokenIssued(kind string) {
	tokensIssued.WithLabelValues(kind).Inc()
}

// RecordTokenDecode counts a decode outcome.
func RecordTokenDecode(outcome string) {
	tokenDecodes.WithLabelValues(outcome).Inc()
}

// RecordBanRejection counts a request rejected by a ban.
func RecordBanRejection(banType string) {
	banRejections.WithLabelValues(banType).Inc()
}

// RecordOtp counts an OTP operation outcome.
func RecordOtp(kind, outcome string) {
	otpOperations.WithLabelValues(kind, outcome).Inc()
}

// ObservePasswordHash records one Argon2 derivation duration.
func ObservePasswordHash(d time.Duration) {
	passwordHashDuration.Observe(d.Seconds())
}

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
