package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	docbterrors "github.com/aleenprd/docbt/internal/errors"
)

const defaultHTTPTimeout = 120 * time.Second

// capacityMarkers identify rejections caused by the backend's context
// window rather than a structurally bad request.
var capacityMarkers = []string{
	"context window",
	"context length",
	"context_length_exceeded",
	"maximum context",
	"too many tokens",
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// postJSON sends a JSON request and returns the response body, classifying
// transport and HTTP failures into the backend error taxonomy.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, reqBody interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, docbterrors.Wrap(err, docbterrors.KindInvalidRequest, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, docbterrors.Wrap(err, docbterrors.KindInvalidRequest, "failed to create request")
	}

	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, docbterrors.Wrap(err, docbterrors.KindTransient, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body, resp.Header.Get("Retry-After"))
	}

	return body, nil
}

func classifyTransportError(err error) *docbterrors.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return docbterrors.Wrap(err, docbterrors.KindTransient, "request timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return docbterrors.Wrap(err, docbterrors.KindTransient, "request timed out")
	}

	// Refused connections and DNS failures mean the backend is not there.
	return docbterrors.Wrap(err, docbterrors.KindUnavailable, "backend unreachable")
}

func classifyStatus(status int, body []byte, retryAfterHeader string) *docbterrors.Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return docbterrors.Newf(docbterrors.KindAuth, "authentication failed (status %d): %s", status, msg)

	case status == http.StatusTooManyRequests:
		e := docbterrors.Newf(docbterrors.KindRateLimited, "rate limited (status %d): %s", status, msg)
		e.RetryAfter = parseRetryAfter(retryAfterHeader)

		return e

	case status == http.StatusRequestEntityTooLarge:
		e := docbterrors.Newf(docbterrors.KindInvalidRequest, "request too large (status %d): %s", status, msg)
		e.CapacityLimited = true

		return e

	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e := docbterrors.Newf(docbterrors.KindInvalidRequest, "request rejected (status %d): %s", status, msg)
		e.CapacityLimited = mentionsCapacity(msg)

		return e

	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return docbterrors.Newf(docbterrors.KindUnavailable, "backend unavailable (status %d): %s", status, msg)

	case status >= 500:
		return docbterrors.Newf(docbterrors.KindTransient, "backend error (status %d): %s", status, msg)

	default:
		return docbterrors.Newf(docbterrors.KindTransient, "unexpected status %d: %s", status, msg)
	}
}

func mentionsCapacity(msg string) bool {
	lower := strings.ToLower(msg)

	for _, marker := range capacityMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}

	return false
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	return 0
}
