package internaldefs

import (
	"github.com/MrEthical07/portalguard"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   portalguard.MetricID
	Name string
	Help string
}

// HistogramDef names one exported latency histogram.
type HistogramDef struct {
	ID   portalguard.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in render order.
var CounterDefs = []CounterDef{
	{ID: portalguard.MetricResolveSuccess, Name: "portalguard_resolve_success_total", Help: "Credentials resolved to a session."},
	{ID: portalguard.MetricResolveUnauthenticated, Name: "portalguard_resolve_unauthenticated_total", Help: "Resolutions without a credential."},
	{ID: portalguard.MetricResolveMalformed, Name: "portalguard_resolve_malformed_total", Help: "Credentials rejected as malformed or badly signed."},
	{ID: portalguard.MetricResolveExpired, Name: "portalguard_resolve_expired_total", Help: "Credentials rejected as expired."},
	{ID: portalguard.MetricResolveMissingSubject, Name: "portalguard_resolve_missing_subject_total", Help: "Credentials without a subject claim."},
	{ID: portalguard.MetricResolveUnknownRole, Name: "portalguard_resolve_unknown_role_total", Help: "Sessions whose role claim fell back to the default role."},
	{ID: portalguard.MetricLoginSuccess, Name: "portalguard_login_success_total", Help: "Successful logins."},
	{ID: portalguard.MetricLoginFailure, Name: "portalguard_login_failure_total", Help: "Failed logins."},
	{ID: portalguard.MetricLoginRateLimited, Name: "portalguard_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: portalguard.MetricRefreshSuccess, Name: "portalguard_refresh_success_total", Help: "Successful refreshes."},
	{ID: portalguard.MetricRefreshFailure, Name: "portalguard_refresh_failure_total", Help: "Failed refreshes."},
	{ID: portalguard.MetricRefreshReuseDetected, Name: "portalguard_refresh_reuse_detected_total", Help: "Refresh tokens presented after rotation."},
	{ID: portalguard.MetricRefreshRateLimited, Name: "portalguard_refresh_rate_limited_total", Help: "Rate-limited refresh attempts."},
	{ID: portalguard.MetricRefreshTimeout, Name: "portalguard_refresh_timeout_total", Help: "Refreshes abandoned after the refresh timeout."},
	{ID: portalguard.MetricSessionCreated, Name: "portalguard_session_created_total", Help: "Created sessions."},
	{ID: portalguard.MetricLogout, Name: "portalguard_logout_total", Help: "Single-session logouts."},
	{ID: portalguard.MetricLogoutAll, Name: "portalguard_logout_all_total", Help: "Logout-all operations."},
	{ID: portalguard.MetricGuardAuthorized, Name: "portalguard_guard_authorized_total", Help: "Guarded requests admitted."},
	{ID: portalguard.MetricGuardUnauthenticated, Name: "portalguard_guard_unauthenticated_total", Help: "Guarded requests sent to sign-in."},
	{ID: portalguard.MetricGuardUnauthorized, Name: "portalguard_guard_unauthorized_total", Help: "Guarded requests denied for role."},
	{ID: portalguard.MetricPermissionDenied, Name: "portalguard_permission_denied_total", Help: "Permission checks that denied access."},
	{ID: portalguard.MetricCacheInvalidated, Name: "portalguard_permission_cache_invalidated_total", Help: "Permission cache invalidations."},
}

// HistogramDefs lists the exported latency histograms.
var HistogramDefs = []HistogramDef{
	{ID: portalguard.MetricResolveLatency, Name: "portalguard_resolve_latency_seconds", Help: "Credential resolution latency."},
	{ID: portalguard.MetricRefreshLatency, Name: "portalguard_refresh_latency_seconds", Help: "Refresh latency."},
}

// AuditDroppedName is the counter for audit events lost to backpressure.
const AuditDroppedName = "portalguard_audit_dropped_total"

// BucketCount is the number of histogram buckets, including +Inf.
const BucketCount = len(portalguard.HistogramBoundsMillis) + 1

// UpperBoundsSeconds returns the finite bucket bounds in seconds.
func UpperBoundsSeconds() []float64 {
	out := make([]float64, len(portalguard.HistogramBoundsMillis))
	for i, ms := range portalguard.HistogramBoundsMillis {
		out[i] = float64(ms) / 1000
	}
	return out
}

// NormalizeBuckets copies raw into a fixed-size array, padding with zeros.
func NormalizeBuckets(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [BucketCount]uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
