package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/zhengjr9/chat-relay/internal/errors"
	"github.com/zhengjr9/chat-relay/internal/httputil"
	"github.com/zhengjr9/chat-relay/internal/metrics"
	"github.com/zhengjr9/chat-relay/internal/upstream"
)

// TrailerStreamState is the trailer carrying the final State of a relayed
// stream, so callers can tell an interrupted answer from a finished one.
const TrailerStreamState = "X-Relay-Stream-State"

// maxBodyBytes bounds the inbound chat payload.
const maxBodyBytes = 10 << 20

// Handler relays one chat request to the upstream and streams the text back.
type Handler struct {
	client       *upstream.Client
	timeout      time.Duration
	legacyErrors bool
}

// NewHandler constructs a Handler. With legacyErrors set, failures before
// streaming starts are reported as 200 with a fenced JSON body.
func NewHandler(client *upstream.Client, timeout time.Duration, legacyErrors bool) *Handler {
	return &Handler{client: client, timeout: timeout, legacyErrors: legacyErrors}
}

// ServeHTTP handles POST of a chat completion payload.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := slog.With("request_id", httputil.RequestID(r.Context()))

	creds := httputil.ExtractCredentials(r)
	logger.Info("relay request", "path", creds.Path)

	if creds.Token == "" {
		h.writeError(w, http.StatusUnauthorized, apierrors.ErrMissingToken.Error()+": provide token header or Authorization: Bearer <key>", nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, apierrors.ErrBodyTooLarge.Error(), nil)
			return
		}
		h.writeError(w, http.StatusBadRequest, "read body: "+err.Error(), nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	start := time.Now()
	resp, err := h.client.Send(ctx, creds.Token, bytes.NewReader(body))
	if err != nil {
		metrics.UpstreamLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		h.writeUpstreamError(w, r, logger, err)
		return
	}
	metrics.UpstreamLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	logger.Info("upstream response",
		"upstream", h.client.Endpoint(),
		"status", resp.StatusCode,
		"proto", resp.Proto,
		"content_type", resp.Header.Get("Content-Type"),
		"latency", time.Since(start).String(),
	)

	stream := NewStream(resp.Body, logger)
	defer stream.Close()

	httputil.SetStreamHeaders(w)
	w.Header().Set("Trailer", TrailerStreamState)
	w.WriteHeader(http.StatusOK)

	metrics.StreamsActive.Inc()
	n, err := stream.WriteTo(newFlushWriter(w))
	metrics.StreamsActive.Dec()

	state := stream.State()
	w.Header().Set(TrailerStreamState, state.String())

	metrics.StreamOutcomes.WithLabelValues(state.String()).Inc()
	metrics.FragmentsTotal.Add(float64(stream.Fragments()))
	metrics.MalformedEventsTotal.Add(float64(stream.Malformed()))

	attrs := []any{
		"state", state.String(),
		"bytes", n,
		"fragments", stream.Fragments(),
		"malformed", stream.Malformed(),
		"duration", time.Since(start).String(),
	}
	switch {
	case err != nil && r.Context().Err() != nil:
		logger.Info("client disconnected", attrs...)
	case err != nil:
		logger.Warn("relay stream interrupted", append(attrs, "error", err.Error())...)
	default:
		logger.Info("relay stream finished", attrs...)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string, upstreamBody []byte) {
	if h.legacyErrors {
		apierrors.WriteLegacyError(w, status, message, upstreamBody)
		return
	}
	apierrors.WriteUpstreamError(w, status, message, upstreamBody)
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var statusErr *upstream.StatusError
	switch {
	case errors.As(err, &statusErr):
		logger.Warn("upstream rejected request", "status", statusErr.StatusCode)
		h.writeError(w, statusErr.StatusCode,
			fmt.Sprintf("%s: %d", apierrors.ErrUpstreamStatus.Error(), statusErr.StatusCode),
			statusErr.Body)
	case r.Context().Err() != nil:
		logger.Info("client disconnected before upstream answered")
	case upstream.IsTimeout(err):
		logger.Warn("upstream timeout", "error", err.Error())
		h.writeError(w, http.StatusGatewayTimeout, apierrors.ErrUpstreamTimeout.Error(), nil)
	default:
		logger.Error("upstream request failed", "error", err.Error())
		h.writeError(w, http.StatusBadGateway, "upstream error: "+err.Error(), nil)
	}
}
