package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/getmu/control-plane/internal/envelope"
	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
)

var ingressTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mu_ingress_requests_total",
		Help: "Channel ingress requests by channel and outcome",
	},
	[]string{"channel", "outcome"},
)

// Registry maps routes to channel adapters. A registry is immutable once
// built; reloads construct a new one and swap an atomic pointer.
type Registry struct {
	byRoute map[string]Adapter
	specs   []Spec
}

// NewRegistry indexes adapters by route.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	reg := &Registry{byRoute: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		spec := a.Spec()
		if _, dup := reg.byRoute[spec.Route]; dup {
			return nil, fmt.Errorf("duplicate adapter route %s", spec.Route)
		}
		reg.byRoute[spec.Route] = a
		reg.specs = append(reg.specs, spec)
	}
	return reg, nil
}

// Lookup returns the adapter serving a route.
func (reg *Registry) Lookup(route string) (Adapter, bool) {
	a, ok := reg.byRoute[route]
	return a, ok
}

// Specs returns the declared channel contracts, for capability advertisement.
func (reg *Registry) Specs() []Spec {
	out := make([]Spec, len(reg.specs))
	copy(out, reg.specs)
	return out
}

// Stop drains adapters that hold resources. Adapters without a Stop are
// stateless and drain trivially.
func (reg *Registry) Stop(ctx context.Context) error {
	var firstErr error
	for _, a := range reg.byRoute {
		if stopper, ok := a.(interface{ Stop(context.Context) error }); ok {
			if err := stopper.Stop(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Ingest dispatches a request to the route's adapter, converting panics into
// audit entries so a poison payload cannot take down the server.
func (reg *Registry) Ingest(route string, r *http.Request, audit *Audit, logger *slog.Logger) (result IngressResult) {
	a, ok := reg.byRoute[route]
	if !ok {
		return IngressResult{
			Accepted: false,
			Reason:   "channel_disabled",
			Status:   http.StatusNotFound,
			Body:     errorBody("channel_disabled"),
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("adapter panic",
				slog.String("route", route),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			entry := AuditEntry{
				Channel:    a.Spec().Channel,
				Kind:       AuditIngestPanic,
				Reason:     fmt.Sprint(rec),
				Route:      route,
				RemoteAddr: r.RemoteAddr,
			}
			audit.Record(entry)
			result = IngressResult{
				Channel:  a.Spec().Channel,
				Accepted: false,
				Reason:   "internal_error",
				Status:   http.StatusInternalServerError,
				Body:     errorBody("internal_error"),
				Audit:    &entry,
			}
		}
		outcome := "accepted"
		if !result.Accepted {
			outcome = "rejected"
		}
		ingressTotal.WithLabelValues(string(a.Spec().Channel), outcome).Inc()
	}()

	result = a.Ingest(r)
	if result.Audit != nil {
		result.Audit.Route = route
		result.Audit.RemoteAddr = r.RemoteAddr
		audit.Record(*result.Audit)
	}
	return result
}

// errorBody is the {ok:false,error} envelope adapters return on rejects.
func errorBody(reason string) map[string]any {
	return map[string]any{"ok": false, "error": reason}
}

// rejectVerification builds the 401 result plus audit entry for a failed
// verification.
func rejectVerification(channel envelope.Channel, err *cperrors.ReasonError) IngressResult {
	entry := AuditEntry{
		Channel: channel,
		Kind:    AuditVerificationFailed,
		Reason:  err.Reason,
	}
	return IngressResult{
		Channel:  channel,
		Accepted: false,
		Reason:   err.Reason,
		Status:   err.StatusCode,
		Body:     errorBody(err.Reason),
		Audit:    &entry,
	}
}
