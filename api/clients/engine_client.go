package clients

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/confidential-contract-engine/api"
	"github.com/ruteri/confidential-contract-engine/cryptoutils"
	"github.com/ruteri/confidential-contract-engine/interfaces"
)

// EngineClient calls a remote engine over HTTP.
type EngineClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ api.EngineProvider = (*EngineClient)(nil)

// NewEngineClient creates a client for the engine at baseURL
// (e.g. "http://127.0.0.1:8080"). The default timeout is 30 seconds.
func NewEngineClient(baseURL string, timeout ...time.Duration) *EngineClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &EngineClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

func (c *EngineClient) Init(ctx context.Context, req *api.CallRequest) (*api.CallResponse, error) {
	return c.call(ctx, "/api/v1/init", req)
}

func (c *EngineClient) Handle(ctx context.Context, req *api.CallRequest) (*api.CallResponse, error) {
	return c.call(ctx, "/api/v1/handle", req)
}

func (c *EngineClient) Query(ctx context.Context, req *api.CallRequest) (*api.CallResponse, error) {
	return c.call(ctx, "/api/v1/query", req)
}

func (c *EngineClient) call(ctx context.Context, path string, req *api.CallRequest) (*api.CallResponse, error) {
	var res api.CallResponse
	if err := c.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// IOPublicKey fetches the engine's I/O key.
func (c *EngineClient) IOPublicKey(ctx context.Context) (cryptoutils.X25519PublicKey, error) {
	res, err := c.IOPubkeyInfo(ctx)
	if err != nil {
		return cryptoutils.X25519PublicKey{}, err
	}
	raw, err := hex.DecodeString(res.IOPubkey)
	if err != nil {
		return cryptoutils.X25519PublicKey{}, fmt.Errorf("invalid io pubkey in response: %w", err)
	}
	return cryptoutils.NewX25519PublicKeyFromBytes(raw)
}

// IOPubkeyInfo returns the I/O key together with its attestation.
func (c *EngineClient) IOPubkeyInfo(ctx context.Context) (*api.IOPubkeyResponse, error) {
	var res api.IOPubkeyResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/io-pubkey", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitShare sends one administrator share to a node recovering its seed.
// It reports whether the node is unlocked after the submission.
func (c *EngineClient) SubmitShare(ctx context.Context, submission *api.ShareSubmission) (*api.BootstrapStatus, error) {
	var res api.BootstrapStatus
	if err := c.do(ctx, http.MethodPost, "/admin/share", submission, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *EngineClient) BootstrapStatus(ctx context.Context) (*api.BootstrapStatus, error) {
	var res api.BootstrapStatus
	if err := c.do(ctx, http.MethodGet, "/admin/status", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *EngineClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response of %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil || errResp.Kind == "" {
			return &api.CallError{
				StatusCode: resp.StatusCode,
				Kind:       interfaces.KindUnknown,
				Message:    strings.TrimSpace(string(respBody)),
			}
		}
		return &api.CallError{
			StatusCode: resp.StatusCode,
			Kind:       interfaces.ParseErrorKind(errResp.Kind),
			Message:    errResp.Error,
			GasUsed:    errResp.GasUsed,
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response of %s: %w", path, err)
	}
	return nil
}
