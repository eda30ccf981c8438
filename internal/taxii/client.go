// Package taxii is a read-only TAXII 2.1 client: server discovery,
// collection listing, and paginated object retrieval.
package taxii

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/BedeschiL/Taxii-client/internal/logging"
	"github.com/BedeschiL/Taxii-client/internal/metrics"
	"github.com/BedeschiL/Taxii-client/internal/stix"
)

const (
	DefaultTimeout = 30 * time.Second

	// maxBodySize bounds a single response body.
	maxBodySize = 64 << 20

	headerDateAddedFirst = "X-TAXII-Date-Added-First"
	headerDateAddedLast  = "X-TAXII-Date-Added-Last"
)

// Client issues TAXII requests. It holds no per-server state and is safe
// for concurrent use.
type Client struct {
	http      *http.Client
	timeout   time.Duration
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:      &http.Client{},
		timeout:   DefaultTimeout,
		userAgent: "taxiiview/1.0",
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logging.Default(c.logger).With("component", "taxii-client")
	return c
}

// DiscoverServer fetches the discovery resource. baseURL may point at the
// server root or directly at its /taxii2/ endpoint.
func (c *Client) DiscoverServer(ctx context.Context, baseURL string, creds Credentials) (*Discovery, error) {
	u, err := discoveryURL(baseURL)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Title       *string  `json:"title"`
		Description string   `json:"description"`
		Contact     string   `json:"contact"`
		Default     string   `json:"default"`
		APIRoots    []string `json:"api_roots"`
	}
	if _, err := c.get(ctx, "discover", u, creds, nil, &raw); err != nil {
		return nil, err
	}
	if raw.Title == nil {
		return nil, &Error{Op: "discover", URL: u.String(), Kind: ErrProtocol, Err: errors.New("not a discovery document: missing title")}
	}

	d := &Discovery{
		Title:       *raw.Title,
		Description: raw.Description,
		Contact:     raw.Contact,
		APIRoots:    make([]string, 0, len(raw.APIRoots)),
	}
	for _, r := range raw.APIRoots {
		resolved, err := resolveRoot(u, r)
		if err != nil {
			return nil, &Error{Op: "discover", URL: u.String(), Kind: ErrProtocol, Err: fmt.Errorf("api root %q: %w", r, err)}
		}
		d.APIRoots = append(d.APIRoots, resolved)
	}
	if raw.Default != "" {
		if resolved, err := resolveRoot(u, raw.Default); err == nil {
			d.Default = resolved
		}
	}
	return d, nil
}

// GetAPIRoot fetches the API root information resource.
func (c *Client) GetAPIRoot(ctx context.Context, apiRootURL string, creds Credentials) (*APIRoot, error) {
	u, err := rootURL(apiRootURL)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Title            *string  `json:"title"`
		Description      string   `json:"description"`
		Versions         []string `json:"versions"`
		MaxContentLength int64    `json:"max_content_length"`
	}
	if _, err := c.get(ctx, "api-root", u, creds, nil, &raw); err != nil {
		return nil, err
	}
	if raw.Title == nil {
		return nil, &Error{Op: "api-root", URL: u.String(), Kind: ErrProtocol, Err: errors.New("not an api root document: missing title")}
	}
	return &APIRoot{
		URL:              u.String(),
		Title:            *raw.Title,
		Description:      raw.Description,
		Versions:         raw.Versions,
		MaxContentLength: raw.MaxContentLength,
	}, nil
}

// ListCollections lists the collections of an API root.
func (c *Client) ListCollections(ctx context.Context, apiRootURL string, creds Credentials) ([]Collection, error) {
	root, err := rootURL(apiRootURL)
	if err != nil {
		return nil, err
	}
	u := root.JoinPath("collections/")

	var raw struct {
		Collections []Collection `json:"collections"`
	}
	_, err = c.get(ctx, "collections", u, creds, nil, &raw)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing API root from a root without a
		// collections endpoint.
		if _, rootErr := c.GetAPIRoot(ctx, root.String(), creds); rootErr != nil {
			return nil, rootErr
		}
		return nil, &Error{Op: "collections", URL: u.String(), StatusCode: http.StatusNotFound, Kind: ErrProtocol,
			Err: errors.New("api root does not advertise a collections endpoint")}
	}
	if err != nil {
		return nil, err
	}

	out := make([]Collection, 0, len(raw.Collections))
	for i, col := range raw.Collections {
		if col.ID == "" {
			return nil, &Error{Op: "collections", URL: u.String(), Kind: ErrProtocol, Err: fmt.Errorf("collection %d has no id", i)}
		}
		out = append(out, col)
	}
	return out, nil
}

// FetchObjectsPage fetches one page of the objects endpoint. A nil cursor
// fetches the first page.
func (c *Client) FetchObjectsPage(ctx context.Context, req ObjectsRequest, cursor *Cursor) (*Page, error) {
	root, err := rootURL(req.APIRoot)
	if err != nil {
		return nil, err
	}
	if req.CollectionID == "" {
		return nil, fmt.Errorf("%w: empty collection id", ErrInvalidURL)
	}
	u := root.JoinPath("collections", req.CollectionID, "objects/")

	addedAfter := req.AddedAfter
	q := url.Values{}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if len(req.Types) > 0 {
		q.Set("match[type]", strings.Join(req.Types, ","))
	}
	if cursor != nil {
		if cursor.AddedAfter != "" {
			addedAfter = cursor.AddedAfter
		}
		if cursor.Next != "" {
			q.Set("next", cursor.Next)
		}
	}
	if addedAfter != "" {
		q.Set("added_after", addedAfter)
	}

	var env envelope
	header, err := c.get(ctx, "objects", u, req.Credentials, q, &env)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Objects:        make([]stix.Object, 0, len(env.Objects)),
		More:           env.More,
		DateAddedFirst: header.Get(headerDateAddedFirst),
		DateAddedLast:  header.Get(headerDateAddedLast),
	}
	for _, raw := range env.Objects {
		obj, err := stix.Parse(raw)
		if err != nil {
			return nil, &Error{Op: "objects", URL: u.String(), Kind: ErrProtocol, Err: err}
		}
		page.Objects = append(page.Objects, obj)
	}

	if env.More {
		switch {
		case env.Next != "":
			// The next token continues the same filtered query.
			page.NextCursor = &Cursor{Next: env.Next, AddedAfter: addedAfter}
		case page.DateAddedLast != "":
			page.NextCursor = &Cursor{AddedAfter: page.DateAddedLast}
		}
	}
	return page, nil
}

// get performs one GET and decodes the JSON body into v.
func (c *Client) get(ctx context.Context, op string, u *url.URL, creds Credentials, q url.Values, v any) (http.Header, error) {
	target := *u
	if len(q) > 0 {
		target.RawQuery = q.Encode()
	}
	endpoint := target.String()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Op: op, URL: endpoint, Kind: ErrNetwork, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &Error{Op: op, URL: endpoint, Kind: ErrProtocol, Err: err}
	}
	req.Header.Set("Accept", MediaType)
	req.Header.Set("User-Agent", c.userAgent)
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.Requests.WithLabelValues(op, "error").Inc()
		return nil, &Error{Op: op, URL: endpoint, Kind: ErrNetwork, Err: err}
	}
	defer resp.Body.Close()
	metrics.Requests.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.logger.Debug("request rejected", "op", op, "url", endpoint, "status", resp.StatusCode)
		return nil, &Error{Op: op, URL: endpoint, StatusCode: resp.StatusCode, Kind: kindForStatus(resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, &Error{Op: op, URL: endpoint, StatusCode: resp.StatusCode, Kind: ErrNetwork, Err: err}
	}
	if len(body) > maxBodySize {
		return nil, &Error{Op: op, URL: endpoint, StatusCode: resp.StatusCode, Kind: ErrProtocol,
			Err: fmt.Errorf("response exceeds %d bytes", maxBodySize)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, &Error{Op: op, URL: endpoint, StatusCode: resp.StatusCode, Kind: ErrProtocol, Err: err}
	}
	return resp.Header, nil
}

// NormalizeRoot validates an API root URL and gives it a trailing slash.
func NormalizeRoot(raw string) (string, error) {
	u, err := rootURL(raw)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func rootURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute http(s) url", ErrInvalidURL, raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func discoveryURL(base string) (*url.URL, error) {
	u, err := rootURL(base)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(u.Path, "/taxii2/") {
		return u, nil
	}
	return u.JoinPath("taxii2/"), nil
}

func resolveRoot(discovery *url.URL, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	abs := discovery.ResolveReference(r)
	if !strings.HasSuffix(abs.Path, "/") {
		abs.Path += "/"
	}
	return abs.String(), nil
}
