// Package remote talks to the document server: authentication, capability
// probe, the filesystem item API used by the synchronization engine,
// chunked resumable uploads and resumable downloads.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/spf13/afero"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"github.com/TheEntropyCollective/docsync/pkg/logging"
	"github.com/TheEntropyCollective/docsync/pkg/model"
)

// ApplicationName identifies the tokens requested by this client
const ApplicationName = "docsync"

const tokenHeader = "X-Authentication-Token"

// TransferStore persists the state of uploads and downloads so they survive
// a restart. The engine state store implements it.
type TransferStore interface {
	GetUpload(docPair int64) (*model.Upload, error)
	SaveUpload(up *model.Upload) error
	UpdateUpload(up *model.Upload) error
	GetDownload(docPair int64) (*model.Download, error)
	SaveDownload(dl *model.Download) error
	SetTransferStatus(nature string, uid int64, status model.TransferStatus) error
	SetTransferProgress(nature string, uid int64, progress float64) error
	RemoveTransfer(nature, path string) error
}

// FilterSet tells which remote paths the user excluded
type FilterSet interface {
	IsFiltered(path string) bool
}

// Options configures a Client
type Options struct {
	ServerURL string
	User      string
	Token     string
	DeviceID  string

	HandshakeTimeout time.Duration
	Timeout          time.Duration
	SSLVerify        bool
	CABundle         string

	// ChunkSize is the size of upload chunks, files up to ChunkLimit are
	// sent in one request
	ChunkSize  int64
	ChunkLimit int64

	// Fs is where uploaded files are read and downloads written, the OS
	// filesystem by default
	Fs afero.Fs

	Transfers TransferStore
	Filters   FilterSet
	EngineUID string
	Logger    *logging.Logger
}

// Client is safe for concurrent use by the engine workers
type Client struct {
	base       *url.URL
	user       string
	deviceID   string
	engineUID  string
	http       *http.Client
	fs         afero.Fs
	transfers  TransferStore
	filters    FilterSet
	chunkSize  int64
	chunkLimit int64
	logger     *logging.Logger

	fsInfo singleflight.Group

	mu           sync.RWMutex
	token        string
	capabilities *Capabilities
}

// New creates a client for the server at opts.ServerURL
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("server URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimSuffix(opts.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 60 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 20 * 1024 * 1024
	}
	if opts.ChunkLimit <= 0 {
		opts.ChunkLimit = opts.ChunkSize
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: !opts.SSLVerify}
	if opts.CABundle != "" {
		pem, err := os.ReadFile(opts.CABundle)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", opts.CABundle)
		}
		tlsConfig.RootCAs = pool
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	// Timeout bounds the wait for the answer headers only, bodies of large
	// transfers can take longer
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.HandshakeTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   opts.HandshakeTimeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		base:       base,
		user:       opts.User,
		deviceID:   opts.DeviceID,
		engineUID:  opts.EngineUID,
		http:       &http.Client{Transport: transport, Jar: jar},
		fs:         opts.Fs,
		transfers:  opts.Transfers,
		filters:    opts.Filters,
		chunkSize:  opts.ChunkSize,
		chunkLimit: opts.ChunkLimit,
		logger:     opts.Logger.WithComponent("remote"),
		token:      opts.Token,
	}, nil
}

// ServerURL returns the base URL of the server
func (c *Client) ServerURL() string { return c.base.String() }

// User returns the remote user name
func (c *Client) User() string { return c.user }

// Token returns the authentication token in use
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken replaces the authentication token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetFilters sets the filter set consulted by IsFiltered
func (c *Client) SetFilters(filters FilterSet) {
	c.filters = filters
}

// IsFiltered reports whether the remote path or one of its ancestors is excluded
func (c *Client) IsFiltered(path string) bool {
	return c.filters != nil && c.filters.IsFiltered(path)
}

// endpoint builds the URL of an already escaped path below the server URL
func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.RawPath = strings.TrimSuffix(c.base.EscapedPath(), "/") + path
	if unescaped, err := url.PathUnescape(u.RawPath); err == nil {
		u.Path = unescaped
	} else {
		u.Path, u.RawPath = u.RawPath, ""
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// newRequest builds an authenticated request. A body that is not an
// io.Reader is sent as JSON.
func (c *Client) newRequest(ctx context.Context, method, target string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case io.Reader:
		reader = b
		contentType = "application/octet-stream"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Application-Name", ApplicationName)
	if token := c.Token(); token != "" {
		req.Header.Set(tokenHeader, token)
	}
	return req, nil
}

// do sends req and turns failures into the package error types. The caller
// closes the body of the returned response.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	op := req.Method + " " + req.URL.Path
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ConnectionError{Op: op, Err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, decodeError(resp)
}

func decodeError(resp *http.Response) error {
	httpErr := &HTTPError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		httpErr.Code = payload.Code
		httpErr.Message = payload.Message
	} else {
		httpErr.Message = strings.TrimSpace(string(raw))
	}
	return httpErr
}

// call sends a JSON request and decodes the JSON answer into out when not nil
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeJSON(resp.Body, out, method+" "+path)
}

// decodeJSON decodes body into out, an empty body leaves out untouched
func decodeJSON(body io.Reader, out interface{}, what string) error {
	if err := json.NewDecoder(body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode answer of %s: %w", what, err)
	}
	return nil
}

// RequestToken exchanges the user password for an application token and
// starts using it
func (c *Client) RequestToken(ctx context.Context, password string) (string, error) {
	query := url.Values{
		"applicationName":   {ApplicationName},
		"deviceId":          {c.deviceID},
		"deviceDescription": {ApplicationName + " client"},
		"permission":        {"ReadWrite"},
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/authentication/token", query), nil)
	if err != nil {
		return "", err
	}
	req.Header.Del(tokenHeader)
	req.SetBasicAuth(c.user, password)

	resp, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("server returned an empty token: %w", ErrUnauthorized)
	}
	c.SetToken(token)
	return token, nil
}

// RevokeToken invalidates the current token on the server
func (c *Client) RevokeToken(ctx context.Context) error {
	query := url.Values{
		"applicationName": {ApplicationName},
		"deviceId":        {c.deviceID},
		"revoke":          {"true"},
	}
	if err := c.call(ctx, http.MethodGet, "/authentication/token", query, nil, nil); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	c.SetToken("")
	return nil
}

// Capabilities describes what the server supports
type Capabilities struct {
	ServerVersion string   `json:"serverVersion"`
	Operations    []string `json:"operations"`

	version *version.Version
}

// FetchCapabilities probes the server and caches the answer
func (c *Client) FetchCapabilities(ctx context.Context) (*Capabilities, error) {
	var caps Capabilities
	if err := c.call(ctx, http.MethodGet, "/api/v1/capabilities", nil, nil, &caps); err != nil {
		return nil, fmt.Errorf("failed to fetch capabilities: %w", err)
	}
	if caps.ServerVersion != "" {
		v, err := version.NewVersion(caps.ServerVersion)
		if err != nil {
			c.logger.WithError(err).Warnf("Unparsable server version %q", caps.ServerVersion)
		}
		caps.version = v
	}

	c.mu.Lock()
	c.capabilities = &caps
	c.mu.Unlock()
	return &caps, nil
}

// CanUse reports whether the server advertised the operation
func (c *Client) CanUse(operation string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.capabilities == nil {
		return false
	}
	for _, op := range c.capabilities.Operations {
		if op == operation {
			return true
		}
	}
	return false
}

// ServerVersionAtLeast compares the probed server version with minimum
func (c *Client) ServerVersionAtLeast(minimum string) bool {
	c.mu.RLock()
	caps := c.capabilities
	c.mu.RUnlock()
	if caps == nil || caps.version == nil {
		return false
	}
	want, err := version.NewVersion(minimum)
	if err != nil {
		return false
	}
	return caps.version.GreaterThanOrEqual(want)
}
