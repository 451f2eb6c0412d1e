package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"go-marketpay/payment/errs"
)

const maxBody = 4 << 20

// apiClient is the throttled HTTP client shared by the adapters.
type apiClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

// do sends req and decodes a 2xx JSON body into out. Transport failures and
// non-2xx answers are reported as errs.ErrExternalProvider, except 404 which
// is errs.ErrNotFound. The raw body is returned for auditing.
func (c *apiClient) do(req *http.Request, out any) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", req.Method, req.URL.Path, errs.ErrExternalProvider, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", req.Method, req.URL.Path, errs.ErrExternalProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %v", req.URL.Path, errs.ErrExternalProvider, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return body, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, errs.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return body, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return body, fmt.Errorf("decode %s: %w: %v", req.URL.Path, errs.ErrExternalProvider, err)
		}
	}
	return body, nil
}

// StatusError is a non-2xx answer from a provider API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider answered %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return errs.ErrExternalProvider }
