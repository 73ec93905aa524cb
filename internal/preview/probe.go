package preview

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Score ranks what a probed port answered. Higher is better.
type Score int

const (
	ScoreNone Score = iota
	ScoreNotFound
	ScoreUnknown
	ScoreJSON
	ScoreHTML
)

func (s Score) String() string {
	switch s {
	case ScoreNotFound:
		return "not_found"
	case ScoreUnknown:
		return "unknown"
	case ScoreJSON:
		return "json"
	case ScoreHTML:
		return "html"
	default:
		return "none"
	}
}

// Prober checks a local port once.
type Prober func(ctx context.Context, port int) Score

// HTTPProber probes http://127.0.0.1:port/ with client.
func HTTPProber(client *http.Client) Prober {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return func(ctx context.Context, port int) Score {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://127.0.0.1:"+strconv.Itoa(port)+"/", nil)
		if err != nil {
			return ScoreNone
		}
		resp, err := client.Do(req)
		if err != nil {
			return ScoreNone
		}
		defer resp.Body.Close()
		head, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ScoreResponse(resp.StatusCode, resp.Header.Get("Content-Type"), head)
	}
}

// ScoreResponse grades one HTTP answer from its status, content type and
// the first bytes of its body.
func ScoreResponse(status int, contentType string, head []byte) Score {
	if status == http.StatusNotFound {
		return ScoreNotFound
	}
	if status >= 500 {
		return ScoreUnknown
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(head)
	switch {
	case mediaType == "text/html" || looksLikeHTML(trimmed):
		return ScoreHTML
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return ScoreJSON
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
		return ScoreJSON
	default:
		return ScoreUnknown
	}
}

func looksLikeHTML(head []byte) bool {
	lower := bytes.ToLower(head)
	return bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html"))
}

// readiness decides when a starting server counts as up. HTML or JSON is
// accepted at once; weaker answers must repeat settleProbes times in a row
// so a server still booting behind a placeholder page is given time.
type readiness struct {
	settleProbes int
	weak         int
	best         Score
}

func (r *readiness) observe(s Score) bool {
	if s > r.best {
		r.best = s
	}
	switch {
	case s >= ScoreJSON:
		return true
	case s == ScoreNone:
		r.weak = 0
		return false
	default:
		r.weak++
		return r.weak >= r.settleProbes
	}
}
