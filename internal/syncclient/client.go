// Package syncclient is the HTTP transport for the four sync stages. It
// wraps resty with the server's URL scheme ({base}/{stage}/{machineID}) and
// the XSRF double-submit challenge.
package syncclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultXSRFTokenHeader carries the token unless the server names a
	// custom header.
	DefaultXSRFTokenHeader = "X-XSRF-TOKEN"

	// XSRFTokenHeaderNameHeader is the response header a server uses to
	// pick that custom header name.
	XSRFTokenHeaderNameHeader = "X-XSRF-TOKEN-HEADER"

	requestTimeout = 30 * time.Second
)

// XSRFState is the token cache threaded through one sync run via the
// session. Once fetched, the token is attached to every later stage request
// in the run.
type XSRFState struct {
	Token      string
	HeaderName string
}

// StatusError reports a non-2xx stage response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sync server returned status %d", e.StatusCode)
}

// Options configures transport details.
type Options struct {
	Proxy          string
	ClientCertFile string
	ClientKeyFile  string
	ServerCAFile   string
}

// Client posts stage requests for one machine against one sync server.
type Client struct {
	rest      *resty.Client
	machineID string
}

// New builds the stage transport.
func New(baseURL, machineID string, opts Options) (*Client, error) {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(requestTimeout)

	if opts.Proxy != "" {
		rest.SetProxy(opts.Proxy)
	}
	if opts.ServerCAFile != "" {
		rest.SetRootCertificate(opts.ServerCAFile)
	}
	if opts.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.ClientCertFile, opts.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		rest.SetCertificates(cert)
	}

	return &Client{rest: rest, machineID: machineID}, nil
}

// PostStage posts one stage request body and returns the response body. A
// 403 on a request that carried no XSRF token triggers the double-submit
// side request, after which the original request is retried once with the
// token attached.
func (c *Client) PostStage(ctx context.Context, stage string, body []byte, xsrf *XSRFState) ([]byte, error) {
	resp, err := c.post(ctx, stage, body, xsrf)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode() == http.StatusForbidden && xsrf.Token == "" {
		logrus.WithField("stage", stage).Debugln("Got 403 without XSRF token, fetching one")
		if err := c.fetchXSRFToken(ctx, xsrf); err != nil {
			return nil, err
		}
		resp, err = c.post(ctx, stage, body, xsrf)
		if err != nil {
			return nil, err
		}
	}

	if resp.IsError() {
		return nil, &StatusError{StatusCode: resp.StatusCode()}
	}
	return resp.Body(), nil
}

func (c *Client) post(ctx context.Context, stage string, body []byte, xsrf *XSRFState) (*resty.Response, error) {
	req := c.rest.R().
		SetContext(ctx).
		SetBody(body)

	if xsrf.Token != "" {
		header := xsrf.HeaderName
		if header == "" {
			header = DefaultXSRFTokenHeader
		}
		req.SetHeader(header, xsrf.Token)
	}

	resp, err := req.Post(fmt.Sprintf("/%s/%s", stage, c.machineID))
	if err != nil {
		return nil, fmt.Errorf("posting %s request: %w", stage, err)
	}
	return resp, nil
}

func (c *Client) fetchXSRFToken(ctx context.Context, xsrf *XSRFState) error {
	resp, err := c.rest.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/xsrf/%s", c.machineID))
	if err != nil {
		return fmt.Errorf("fetching xsrf token: %w", err)
	}
	if resp.IsError() {
		return &StatusError{StatusCode: resp.StatusCode()}
	}

	token := resp.Header().Get(DefaultXSRFTokenHeader)
	if token == "" {
		return fmt.Errorf("xsrf response carried no token header")
	}
	xsrf.Token = token
	// The server may ask for the token back under a custom header name.
	xsrf.HeaderName = resp.Header().Get(XSRFTokenHeaderNameHeader)

	logrus.Debugln("Cached XSRF token for this sync run")
	return nil
}
