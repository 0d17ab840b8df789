package store

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Auth decorates outgoing requests with credentials. The method is chosen
// once per run and applied to every call.
type Auth interface {
	Apply(req *http.Request)
	Method() string
}

// BasicAuth sends an HTTP Basic Authorization header.
type BasicAuth struct {
	Username string
	Password string
}

func (a BasicAuth) Apply(req *http.Request) { req.SetBasicAuth(a.Username, a.Password) }
func (a BasicAuth) Method() string          { return "basic" }

// BearerAuth sends an OAuth id-token as a Bearer Authorization header.
type BearerAuth struct {
	Token string
}

func (a BearerAuth) Apply(req *http.Request) { req.Header.Set("Authorization", "Bearer "+a.Token) }
func (a BearerAuth) Method() string          { return "bearer" }

// ErrNoCredentials indicates the selected auth method lacks its inputs.
var ErrNoCredentials = errors.New("missing credentials")

// AuthConfig is the run-level credential configuration.
type AuthConfig struct {
	Method    string
	Username  string
	Password  string
	Token     string
	TokenFile string
}

// NewAuth resolves cfg into an Auth. "auth0" is accepted as an alias for
// bearer. A token file takes precedence over an inline token.
func NewAuth(cfg AuthConfig) (Auth, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Method)) {
	case "basic":
		if cfg.Username == "" || cfg.Password == "" {
			return nil, fmt.Errorf("%w: basic auth needs username and password", ErrNoCredentials)
		}
		return BasicAuth{Username: cfg.Username, Password: cfg.Password}, nil
	case "bearer", "auth0":
		token := cfg.Token
		if cfg.TokenFile != "" {
			b, err := os.ReadFile(cfg.TokenFile)
			if err != nil {
				return nil, fmt.Errorf("read token file: %w", err)
			}
			token = strings.TrimSpace(string(b))
		}
		if token == "" {
			return nil, fmt.Errorf("%w: bearer auth needs a token or token file", ErrNoCredentials)
		}
		return BearerAuth{Token: token}, nil
	case "":
		return nil, fmt.Errorf("%w: auth method not set (basic or bearer)", ErrNoCredentials)
	default:
		return nil, fmt.Errorf("unknown auth method %q (want basic or bearer)", cfg.Method)
	}
}

// authTransport applies Auth to every request before delegating.
type authTransport struct {
	auth Auth
	next http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	t.auth.Apply(r)
	return t.next.RoundTrip(r)
}
