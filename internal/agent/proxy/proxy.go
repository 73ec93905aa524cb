// Package proxy is the localhost-only reverse proxy that injects real upstream
// credentials into the API calls of sandboxed agents.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/credentials"
	apperrors "github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/errors"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/httpmw"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
)

// Resolver resolves the upstream of a model.
type Resolver interface {
	Resolve(ctx context.Context, modelID string) (*credentials.Upstream, error)
}

// Proxy relays /m/:modelId/* to the model's upstream.
type Proxy struct {
	resolver  Resolver
	logger    *logger.Logger
	transport http.RoundTripper
	server    *http.Server
}

// New creates a proxy. transport may be nil for http.DefaultTransport.
func New(resolver Resolver, transport http.RoundTripper, log *logger.Logger) *Proxy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Proxy{
		resolver:  resolver,
		logger:    log.Component("credential-proxy"),
		transport: transport,
	}
}

// Router returns the gin engine serving the proxy routes.
func (p *Proxy) Router() *gin.Engine {
	router := gin.New()
	router.Use(httpmw.Recovery(p.logger))
	router.Use(httpmw.LocalhostOnly(p.logger))
	router.Use(httpmw.ErrorHandler(p.logger))
	router.Any("/m/:modelId/*path", p.handle)
	return router
}

func (p *Proxy) handle(c *gin.Context) {
	modelID := c.Param("modelId")
	upstream, err := p.resolver.Resolve(c.Request.Context(), modelID)
	if err != nil {
		if errors.Is(err, credentials.ErrNoCredential) {
			_ = c.Error(apperrors.ServiceUnavailable("upstream credential for " + modelID))
			return
		}
		_ = c.Error(apperrors.BadGateway("cannot resolve upstream for "+modelID, err))
		return
	}

	path := c.Param("path")
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			// joins the upstream base path and rewrites Host
			pr.SetURL(upstream.BaseURL)

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("X-Api-Key")
			pr.Out.Header.Set("Authorization", "Bearer "+upstream.APIKey)
			pr.Out.Header.Set("X-Api-Key", upstream.APIKey)

			if upstream.UpstreamModel != "" {
				p.rewriteModel(pr.Out, upstream.UpstreamModel)
			}
		},
		// stream server-sent events as they arrive
		FlushInterval: -1,
		Transport:     p.transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Warn("Upstream request failed",
				zap.String("model_id", modelID),
				zap.String("path", path),
				zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"code":"BAD_GATEWAY","message":"upstream request failed"}}`))
		},
	}

	p.logger.Debug("Proxying request",
		zap.String("model_id", modelID),
		zap.String("method", c.Request.Method),
		zap.String("path", path))
	rp.ServeHTTP(c.Writer, c.Request)
}

// maxRewriteBody bounds the request bodies buffered for a model rewrite.
const maxRewriteBody = 32 << 20

// rewriteModel replaces the top-level "model" of a JSON request body with the
// upstream's model name. Other bodies pass through untouched.
func (p *Proxy) rewriteModel(req *http.Request, model string) {
	if req.Body == nil || req.Body == http.NoBody {
		return
	}
	mediaType, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		return
	}
	orig := req.Body
	body, err := io.ReadAll(io.LimitReader(orig, maxRewriteBody+1))
	if err != nil || len(body) > maxRewriteBody {
		p.logger.Warn("Forwarding request body without model rewrite", zap.Int("buffered", len(body)), zap.Error(err))
		req.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), orig), orig}
		return
	}
	_ = orig.Close()
	if rewritten, ok := replaceModel(body, model); ok {
		body = rewritten
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Del("Content-Length")
}

func replaceModel(body []byte, model string) ([]byte, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, false
	}
	if _, ok := fields["model"]; !ok {
		return nil, false
	}
	name, err := json.Marshal(model)
	if err != nil {
		return nil, false
	}
	fields["model"] = name
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Start listens on addr in the background. It returns once the listener is up or failed.
func (p *Proxy) Start(addr string) error {
	p.server = &http.Server{
		Addr:              addr,
		Handler:           p.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("Credential proxy listening", zap.String("addr", addr))
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Shutdown stops the proxy server.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}
