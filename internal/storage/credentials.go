package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/disnet/flint-note-sync/internal/broker"
	"github.com/disnet/flint-note-sync/internal/common"
)

// CredentialSource supplies the storage credentials an ObjectStore signs
// requests with.
type CredentialSource interface {
	Credentials(ctx context.Context) (*broker.Credential, error)
}

// StaticCredentials returns the same credential forever. Used for root
// credentials in development and in tests.
type StaticCredentials broker.Credential

func (s StaticCredentials) Credentials(context.Context) (*broker.Credential, error) {
	c := broker.Credential(s)
	return &c, nil
}

// TokenSource supplies a fresh access token for each broker exchange.
// Tokens are single use, so the source must not return the same token twice.
type TokenSource interface {
	AccessToken(ctx context.Context) (token string, devicePublicKey []byte, err error)
}

// BrokerClient talks to the credential broker's HTTP surface.
type BrokerClient struct {
	baseURL string
	httpc   *http.Client
}

func NewBrokerClient(baseURL string, httpc *http.Client) *BrokerClient {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &BrokerClient{baseURL: baseURL, httpc: httpc}
}

// IssueCredentials exchanges an access token for a scoped storage credential,
// announcing requestedBytes of upcoming upload for quota accounting.
func (c *BrokerClient) IssueCredentials(ctx context.Context, token string, devicePublicKey []byte, requestedBytes int64) (*broker.Credential, error) {
	body, err := json.Marshal(map[string]any{
		"token":           token,
		"devicePublicKey": base64.StdEncoding.EncodeToString(devicePublicKey),
		"requestedBytes":  requestedBytes,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/credentials", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		issued := &broker.IssueResponse{}
		if err := json.NewDecoder(resp.Body).Decode(issued); err != nil {
			return nil, fmt.Errorf("decode broker response: %w", err)
		}
		if issued.Credential == nil {
			return nil, fmt.Errorf("broker response carries no credential")
		}
		return issued.Credential, nil
	case http.StatusUnauthorized:
		return nil, common.ErrInvalidToken
	case http.StatusForbidden:
		return nil, common.ErrQuotaExceeded
	default:
		return nil, fmt.Errorf("broker returned status %d", resp.StatusCode)
	}
}

// refreshEarly renews credentials this long before they expire, so an
// in-flight sync never straddles an expiry.
const refreshEarly = 5 * time.Minute

// RefreshingSource caches a broker credential and renews it shortly before
// expiry. Safe for concurrent use.
type RefreshingSource struct {
	client *BrokerClient
	tokens TokenSource
	now    func() time.Time

	mu     sync.Mutex
	cached *broker.Credential
}

func NewRefreshingSource(client *BrokerClient, tokens TokenSource) *RefreshingSource {
	return &RefreshingSource{client: client, tokens: tokens, now: time.Now}
}

func (s *RefreshingSource) Credentials(ctx context.Context) (*broker.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.now().Add(refreshEarly).Before(s.cached.ExpiresAt) {
		return s.cached, nil
	}

	token, devicePub, err := s.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain access token: %w", err)
	}
	cred, err := s.client.IssueCredentials(ctx, token, devicePub, 0)
	if err != nil {
		return nil, err
	}
	s.cached = cred
	return cred, nil
}

// Invalidate drops the cached credential so the next call re-exchanges.
func (s *RefreshingSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}
