package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mossy-p/support-signaling/internal/iceconfig"
	"github.com/mossy-p/support-signaling/internal/models"
)

// API is the relay's HTTP surface as seen by a client.
type API struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPI(baseURL string) *API {
	return &API{
		BaseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ICEServers fetches the STUN/TURN list peers are configured with.
func (a *API) ICEServers(ctx context.Context) ([]iceconfig.Server, error) {
	var servers []iceconfig.Server
	if err := a.do(ctx, http.MethodGet, "/api/ice-servers", "", nil, &servers); err != nil {
		return nil, err
	}
	if err := iceconfig.Validate(servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// SubmitRating stores the post-call rating of a session. It implements
// feedback.Submitter.
func (a *API) SubmitRating(ctx context.Context, sessionID string, rating int) error {
	path := "/api/call/sessions/" + url.PathEscape(sessionID) + "/rating"
	return a.do(ctx, http.MethodPost, path, "", models.RatingRequest{Rating: rating}, nil)
}

// Login obtains a profile token. The demo relay accepts any password.
func (a *API) Login(ctx context.Context, username, name, role string) (models.LoginResponse, error) {
	var out models.LoginResponse
	err := a.do(ctx, http.MethodPost, "/api/auth/login", "", models.LoginRequest{
		Username: username,
		Password: username,
		Name:     name,
		Role:     role,
	}, &out)
	return out, err
}

// Queue reads the pending requests and online technicians. It needs a
// technician or admin token.
func (a *API) Queue(ctx context.Context, token string) (models.QueueSnapshot, error) {
	var snap models.QueueSnapshot
	err := a.do(ctx, http.MethodGet, "/api/queue", token, nil, &snap)
	return snap, err
}

func (a *API) do(ctx context.Context, method, path, token string, body, v any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, e.Error, resp.Status)
		}
		return fmt.Errorf("%s %s: status %s", method, path, resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
