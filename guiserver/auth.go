package guiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/European-XFEL/Karabo-sub006/errors"
)

// AuthResult is the auth server's verdict on a one-time token.
type AuthResult struct {
	Success    bool   `json:"success"`
	Username   string `json:"username"`
	Visibility int32  `json:"visibility"`
	ErrorMsg   string `json:"error_msg"`
}

// Authenticator validates one-time tokens. The production
// implementation POSTs to the configured auth server.
type Authenticator interface {
	Validate(ctx context.Context, token string) (*AuthResult, error)
}

type httpAuthenticator struct {
	url    string
	client *http.Client
}

// NewHTTPAuthenticator talks to the external auth collaborator.
func NewHTTPAuthenticator(url string) Authenticator {
	return &httpAuthenticator{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *httpAuthenticator) Validate(ctx context.Context, token string) (*AuthResult, error) {
	payload, err := json.Marshal(map[string]string{"tk": token})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.NewTokenInvalid(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewTokenInvalid(fmt.Sprintf("auth server returned %d", resp.StatusCode))
	}

	var result AuthResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.NewTokenInvalid("malformed auth server reply")
	}
	return &result, nil
}
