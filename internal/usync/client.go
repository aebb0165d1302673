package usync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/jwtsigner"
)

var (
	// ErrQueryFailed is a transient directory failure: transport errors,
	// throttling and server errors.
	ErrQueryFailed = errors.New("usync query failed")
	// ErrQueryRejected means the directory refused the request itself.
	ErrQueryRejected = errors.New("usync query rejected")
)

const tokenTTL = 5 * time.Minute

// Client queries the directory service for identifier pairs and device
// enumerations.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *jwtsigner.Signer
	subject string
}

func NewClient(baseURL string, timeout time.Duration, signer *jwtsigner.Signer, subject string) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
		signer:  signer,
		subject: subject,
	}
}

type queryRequest struct {
	Protocols []string    `json:"protocols"`
	Users     []queryUser `json:"users"`
}

type queryUser struct {
	ID string `json:"id"`
}

type queryResponse struct {
	Users []struct {
		ID      string   `json:"id"`
		LID     string   `json:"lid,omitempty"`
		PN      string   `json:"pn,omitempty"`
		Devices []uint16 `json:"devices,omitempty"`
		Error   string   `json:"error,omitempty"`
	} `json:"users"`
}

// Resolve asks the directory about ids, which may mix both identifier
// spaces. Only users that resolve to a complete pn/lid pair are returned.
func (c *Client) Resolve(ctx context.Context, ids []domain.Identity) ([]domain.Resolution, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req := queryRequest{Protocols: []string{"lid", "devices"}}
	for _, id := range ids {
		req.Users = append(req.Users, queryUser{ID: id.WithDevice(domain.PrimaryDevice).String()})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/usync/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		tok, err := c.signer.Bearer(c.subject, tokenTTL)
		if err != nil {
			return nil, fmt.Errorf("sign usync token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s", ErrQueryFailed, resp.Status)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s: %s", ErrQueryRejected, resp.Status, strings.TrimSpace(string(msg)))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrQueryFailed, err)
	}

	res := make([]domain.Resolution, 0, len(out.Users))
	for _, u := range out.Users {
		if u.Error != "" {
			slog.Default().Debug("usync user error", "id", u.ID, "error", u.Error)
			continue
		}
		r, ok := pairOf(u.ID, u.LID, u.PN)
		if !ok {
			continue
		}
		r.Devices = domain.NormalizeDevices(u.Devices)
		res = append(res, r)
	}
	return res, nil
}

func pairOf(id, lid, pn string) (domain.Resolution, bool) {
	queried, err := domain.ParseIdentity(id)
	if err != nil {
		return domain.Resolution{}, false
	}
	var r domain.Resolution
	switch {
	case queried.IsPN() && lid != "":
		other, err := domain.ParseIdentity(lid)
		if err != nil || !other.IsLID() {
			return r, false
		}
		r.PN, r.LID = queried.User, other.User
	case queried.IsLID() && pn != "":
		other, err := domain.ParseIdentity(pn)
		if err != nil || !other.IsPN() {
			return r, false
		}
		r.PN, r.LID = other.User, queried.User
	default:
		return r, false
	}
	return r, true
}
