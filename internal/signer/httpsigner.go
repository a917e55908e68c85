package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPSigner delegates signing to an external signer daemon over HTTP. It
// holds no key material itself — the daemon at endpoint is the only thing
// that ever sees credentials. This is the one concrete Signer this
// repository provides, wired the way internal/registry/httpclient.go,
// internal/objectstore, and internal/mlservice reach their own external
// collaborators: a plain HTTP+JSON request.
type HTTPSigner struct {
	http     *http.Client
	endpoint string
	identity string
}

// NewHTTPSigner constructs a delegating Signer. identity is the principal
// this process acts as; the daemon at endpoint must recognize it.
func NewHTTPSigner(client *http.Client, endpoint, identity string) *HTTPSigner {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSigner{http: client, endpoint: endpoint, identity: identity}
}

type signRequest struct {
	Identity string `json:"identity"`
	Target   string `json:"target"`
	Method   string `json:"method"`
	Args     []any  `json:"args"`
}

type signResponse struct {
	Payload   []byte `json:"payload"`
	PublicKey string `json:"public_key"`
}

// Sign implements Signer.
func (s *HTTPSigner) Sign(ctx context.Context, target, method string, args []any) (SignedTransaction, error) {
	body, err := json.Marshal(signRequest{Identity: s.identity, Target: target, Method: method, Args: args})
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return SignedTransaction{}, fmt.Errorf("sign request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return SignedTransaction{}, fmt.Errorf("signer daemon returned status %d", resp.StatusCode)
	}

	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return SignedTransaction{}, fmt.Errorf("decode sign response: %w", err)
	}

	return SignedTransaction{
		Target:    target,
		Method:    method,
		Args:      args,
		Payload:   out.Payload,
		PublicKey: out.PublicKey,
	}, nil
}

// Identity implements Signer.
func (s *HTTPSigner) Identity() string { return s.identity }
