// Package store is a client for the remote patient data store's variant
// file and patient lookup endpoints.
package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Defaults for Config.
const (
	DefaultRefGenome    = "GRCh37"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxFileBytes = 10 << 20
)

// Sentinel errors for request validation.
var (
	// ErrFileTooLarge indicates the upload exceeds the store's size limit.
	ErrFileTooLarge = errors.New("variant file exceeds size limit")

	// ErrInvalidFileName indicates a file name outside [a-zA-Z0-9-_.]+.
	ErrInvalidFileName = errors.New("invalid variant file name")
)

var fileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidFileName reports whether name is accepted by the upload endpoint.
func ValidFileName(name string) bool {
	return fileNamePattern.MatchString(name)
}

// StatusError is an unexpected HTTP status from a read endpoint.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL            string
	RefGenome          string
	Timeout            time.Duration
	RateLimit          float64
	InsecureSkipVerify bool
	MaxFileBytes       int64
	UserAgent          string
}

// Patient is the subset of a patient record the client reads.
type Patient struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
}

// Client talks to one store instance. It is safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	refGenome string
	maxBytes  int64
	userAgent string
	log       *zap.Logger
}

// New builds a client. Auth is applied to every request through the
// transport.
func New(cfg Config, auth Auth, logger *zap.Logger) (*Client, error) {
	if auth == nil {
		return nil, fmt.Errorf("%w: no auth configured", ErrNoCredentials)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid store base URL %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // staging instances use self-signed certificates
	}

	c := &Client{
		base: base,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &authTransport{auth: auth, next: transport},
		},
		refGenome: cfg.RefGenome,
		maxBytes:  cfg.MaxFileBytes,
		userAgent: cfg.UserAgent,
		log:       logger,
	}
	if c.refGenome == "" {
		c.refGenome = DefaultRefGenome
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxFileBytes
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c, nil
}

func (c *Client) endpoint(segments ...string) string {
	u := *c.base
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	u.RawPath = ""
	return u.String()
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("store request failed", zap.String("method", req.Method), zap.String("url", req.URL.Redacted()), zap.Error(err))
		return nil, err
	}
	c.log.Debug("store request",
		zap.String("method", req.Method),
		zap.String("url", req.URL.Redacted()),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp, nil
}

// UploadVariantFile PUTs a variant file for patientID as a multipart form
// with `metadata` and `fileStream` parts. It returns the response status
// code; err is non-nil only when no response was received or the request
// was rejected locally.
func (c *Client) UploadVariantFile(ctx context.Context, patientID, fileName string, content []byte) (int, error) {
	if !ValidFileName(fileName) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	if int64(len(content)) > c.maxBytes {
		return 0, fmt.Errorf("%w: %d bytes > %d", ErrFileTooLarge, len(content), c.maxBytes)
	}

	meta, err := json.Marshal(map[string]string{
		"patientId": patientID,
		"refGenome": c.refGenome,
		"fileName":  fileName,
	})
	if err != nil {
		return 0, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("metadata", string(meta)); err != nil {
		return 0, err
	}
	part, err := mw.CreateFormFile("fileStream", fileName)
	if err != nil {
		return 0, err
	}
	if _, err := part.Write(content); err != nil {
		return 0, err
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.endpoint("rest", "variant-source-files", "patients", patientID, "files", fileName), &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer drain(resp)
	return resp.StatusCode, nil
}

// DeleteVariantFile removes a file association from a patient record. It
// returns the response status code.
func (c *Client) DeleteVariantFile(ctx context.Context, patientID, fileName string) (int, error) {
	if !ValidFileName(fileName) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.endpoint("rest", "variant-source-files", "patients", patientID, "files", fileName), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return 0, err
	}
	defer drain(resp)
	return resp.StatusCode, nil
}

// FetchByExternalID returns every patient whose external id equals eid via
// GET /rest/patients/fetch?eid=. An empty slice means no match.
func (c *Client) FetchByExternalID(ctx context.Context, eid string) ([]Patient, error) {
	u := c.endpoint("rest", "patients", "fetch") + "?" + url.Values{"eid": {eid}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch patients", resp)
	}
	var patients []Patient
	if err := json.NewDecoder(resp.Body).Decode(&patients); err != nil {
		return nil, fmt.Errorf("decode fetch patients response: %w", err)
	}
	return patients, nil
}

// PatientByExternalID resolves eid via GET /rest/patients/eid/{eid}. A 404
// yields (nil, nil). A 300 Multiple Choices is returned as a StatusError so
// callers can treat it as ambiguous.
func (c *Client) PatientByExternalID(ctx context.Context, eid string) (*Patient, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("rest", "patients", "eid", eid), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, statusError("patient by eid", resp)
	}
	var p Patient
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode patient response: %w", err)
	}
	return &p, nil
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
