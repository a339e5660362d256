package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"mercator-hq/secretsrouter/pkg/approval"
	"mercator-hq/secretsrouter/pkg/broker"
	"mercator-hq/secretsrouter/pkg/identity"
	"mercator-hq/secretsrouter/pkg/server/types"
	"mercator-hq/secretsrouter/pkg/telemetry/logging"
)

// Caller metadata headers.
const (
	HeaderNamespace = "X-Service-Namespace"
	HeaderLabels    = "X-Service-Labels"
)

// maxDecisionBody bounds approve and deny request bodies.
const maxDecisionBody = 64 << 10

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.broker.Access(r.Context(), broker.AccessRequest{
		RequestID:   logging.GetRequestID(r.Context()),
		Credentials: s.credentials(r),
		SecretName:  r.PathValue("name"),
		Key:         r.PathValue("key"),
		Namespace:   q.Get("namespace"),
		Backend:     q.Get("backend"),
		ApprovalID:  q.Get("approval_id"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, types.SecretResponse{
		Backend:    res.Backend,
		SecretName: res.SecretName,
		SecretKey:  res.SecretKey,
		Value:      res.Value,
	})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := approval.Filter{
		State:     approval.State(q.Get("state")),
		Principal: q.Get("principal"),
		Group:     q.Get("group"),
	}
	if f.State != "" && !f.State.Valid() {
		s.writeError(w, r, &broker.Error{Kind: broker.KindInvalidRequest, Message: "unknown approval state " + strconv.Quote(string(f.State))})
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, &broker.Error{Kind: broker.KindInvalidRequest, Message: "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}

	list, err := s.broker.ListApprovals(r.Context(), s.credentials(r), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, types.ApprovalList{Approvals: list, Count: len(list)})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.broker.GetApproval(r.Context(), s.credentials(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleDecide(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body types.DecisionRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDecisionBody))
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, r, &broker.Error{Kind: broker.KindInvalidRequest, Message: "invalid JSON body", Cause: err})
			return
		}

		req, err := s.broker.Decide(r.Context(), s.credentials(r), r.PathValue("id"), approve, body.Comment)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// credentials collects what the caller presented: a bearer token, the
// verified TLS chain and, when trusted, the metadata headers.
func (s *Server) credentials(r *http.Request) identity.Credentials {
	var cred identity.Credentials
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			cred.BearerToken = strings.TrimSpace(token)
		}
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		cred.PeerCertificates = r.TLS.PeerCertificates
	}
	if s.trustHeaders {
		cred.ClaimedNamespace = strings.TrimSpace(r.Header.Get(HeaderNamespace))
		cred.ClaimedLabels = parseLabels(r.Header.Get(HeaderLabels))
	}
	return cred
}

// parseLabels reads "k1=v1,k2=v2". Malformed pairs are skipped.
func parseLabels(v string) map[string]string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		labels[k] = strings.TrimSpace(val)
	}
	if len(labels) == 0 {
		return nil
	}
	return labels
}

// writeError answers with the status and body for err.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	be := broker.AsError(err)
	status := be.HTTPStatus()
	requestID := logging.GetRequestID(r.Context())

	var resp *types.ErrorResponse
	if status >= http.StatusInternalServerError && be.Kind == broker.KindInternal {
		resp = types.NewServerError(requestID)
	} else {
		resp = types.NewErrorResponse(be.Message, errorType(be, status), string(be.Kind), requestID)
	}

	if be.ApprovalID != "" {
		resp.Error.ApprovalID = be.ApprovalID
		if be.Kind == broker.KindApprovalPending {
			w.Header().Set("Location", "/approvals/"+be.ApprovalID)
		}
	}
	if be.Kind == broker.KindRateLimited && be.RetryAfter > 0 {
		secs := int(math.Ceil(be.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		resp.Error.RetryAfterSeconds = secs
	}

	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"kind", be.Kind,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, resp)
}

func errorType(be *broker.Error, status int) string {
	switch be.Kind {
	case broker.KindInvalidRequest:
		return types.ErrorTypeInvalidRequest
	case broker.KindInvalidIdentity, broker.KindIdentityMismatch:
		return types.ErrorTypeAuthentication
	case broker.KindForbidden, broker.KindApprovalDenied, broker.KindApprovalTimeout:
		return types.ErrorTypePermissionDenied
	case broker.KindRateLimited:
		return types.ErrorTypeRateLimitExceeded
	case broker.KindApprovalPending:
		return types.ErrorTypeApprovalPending
	case broker.KindSecretNotFound, broker.KindApprovalNotFound:
		return types.ErrorTypeNotFound
	case broker.KindApprovalConflict:
		return types.ErrorTypeConflict
	case broker.KindBackendUnavailable:
		if status == http.StatusBadGateway {
			return types.ErrorTypeBadGateway
		}
		return types.ErrorTypeServiceUnavailable
	default:
		return types.ErrorTypeServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
