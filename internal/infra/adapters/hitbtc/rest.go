package hitbtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/orderlink/errs"
	"github.com/coachpo/orderlink/internal/infra/telemetry"
	"github.com/coachpo/orderlink/internal/observability"
)

const maxResponseBody = 4 << 20

// Client is the HitBTC REST request layer. It is safe for concurrent use.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	logger  observability.Logger
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	symbols map[string]string // canonical pair -> venue symbol
	pairs   map[string]string // venue symbol -> canonical pair
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger injects the logger.
func WithLogger(l observability.Logger) ClientOption {
	return func(cl *Client) { cl.logger = observability.OrNop(l) }
}

// WithMetrics injects venue request metrics.
func WithMetrics(m *telemetry.Metrics) ClientOption {
	return func(cl *Client) { cl.metrics = m }
}

// NewClient constructs a REST client.
func NewClient(opts Options, options ...ClientOption) *Client {
	opts = withDefaults(opts)
	c := &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Config.HTTPTimeout},
		limiter: rate.NewLimiter(rate.Limit(opts.Config.RateLimit), opts.Config.RateBurst),
		logger:  observability.Nop(),
		symbols: make(map[string]string),
		pairs:   make(map[string]string),
	}
	for _, opt := range options {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type apiErrorEnvelope struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	form   url.Values
	auth   bool
}

// call issues req and decodes a successful response into out.
func (c *Client) call(ctx context.Context, req request, out any) error {
	start := time.Now()
	err := c.do(ctx, req, out)
	result := "success"
	if err != nil {
		result = "error"
		c.metrics.VenueError(ctx, req.op, errorType(err))
	}
	c.metrics.RequestObserved(ctx, req.op, result, time.Since(start))
	return err
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	if req.auth && !c.opts.hasCredentials() {
		return errs.New(Name, errs.CodeAuth, errs.WithMessage("api credentials not configured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return transportError(req.op, ctxErr)
		}
		return errs.New(Name, errs.CodeTimeout, errs.WithMessage(req.op+": rate limit wait exceeds deadline"), errs.WithCause(err))
	}

	endpoint := c.opts.restEndpoint(req.path)
	if endpoint == "" {
		return errs.New(Name, errs.CodeInvalid, errs.WithMessage("rest endpoint not configured"))
	}
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}
	var body io.Reader
	if len(req.form) > 0 {
		body = strings.NewReader(req.form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return errs.New(Name, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("create %s request", req.op)), errs.WithCause(err))
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if req.auth {
		httpReq.SetBasicAuth(c.opts.Config.APIKey, c.opts.Config.APISecret)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return transportError(req.op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return transportError(req.op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(req.op, req.path, resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errs.New(Name, errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("decode %s response", req.op)),
			errs.WithHTTP(resp.StatusCode),
			errs.WithCause(err))
	}
	return nil
}

// transportError classifies a failure that happened before a venue response
// was read.
func transportError(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return errs.New(Name, errs.CodeNetwork, errs.WithMessage(op+": request cancelled"), errs.WithCause(err))
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return errs.New(Name, errs.CodeTimeout, errs.WithMessage(op+": request deadline exceeded"), errs.WithCause(err))
	default:
		return errs.New(Name, errs.CodeNetwork, errs.WithMessage(op+": request failed"), errs.WithCause(err))
	}
}

// Remediation hints attached to venue rejections an operator can act on.
const (
	remediationAuth      = "check the HitBTC API key, its secret and its trading permissions"
	remediationRateLimit = "lower venue.rateLimit or venue.rateBurst"
)

func parseAPIError(op, path string, status int, body []byte) error {
	var envelope apiErrorEnvelope
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 {
		_ = json.Unmarshal(trimmed, &envelope)
	}

	rawCode := strconv.Itoa(status)
	message := strings.TrimSpace(string(trimmed))
	description := ""
	if envelope.Error != nil {
		rawCode = strconv.Itoa(envelope.Error.Code)
		message = strings.TrimSpace(envelope.Error.Message)
		description = envelope.Error.Description
	}
	opts := []errs.Option{
		errs.WithOp(op),
		errs.WithHTTP(status),
		errs.WithRawCode(rawCode),
		errs.WithRawMessage(message),
		errs.WithMessage(op + " rejected"),
		errs.WithVenueField("path", path),
		errs.WithVenueField("description", description),
	}

	meta := hitbtcPrivateMetadata
	switch {
	case rawCode == meta.orderNotFound:
		return errs.New(Name, errs.CodeNotFound, append(opts, errs.WithCanonicalCode(errs.CanonicalOrderNotFound))...)
	case rawCode == meta.noFunds:
		return errs.New(Name, errs.CodeExchange, append(opts, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))...)
	case rawCode == meta.symbolNotFound:
		return errs.New(Name, errs.CodeExchange, append(opts, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || meta.isAuthCode(rawCode):
		return errs.New(Name, errs.CodeAuth, append(opts, errs.WithRemediation(remediationAuth))...)
	case status == http.StatusTooManyRequests || rawCode == meta.rateLimited:
		return errs.New(Name, errs.CodeRateLimited, append(opts,
			errs.WithCanonicalCode(errs.CanonicalRateLimited),
			errs.WithRemediation(remediationRateLimit))...)
	case status >= http.StatusInternalServerError:
		return errs.New(Name, errs.CodeUnavailable, opts...)
	default:
		return errs.New(Name, errs.CodeExchange, opts...)
	}
}

func errorType(err error) string {
	if e, ok := errs.As(err); ok {
		return string(e.Code)
	}
	return "unknown"
}
