package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/identity"
	"github.com/daloraclehub/dalcore/internal/signer"
)

// HTTPGovernance is the default Governance implementation: a JSON/HTTP
// client against a round-robin list of governance node URLs.
type HTTPGovernance struct {
	client *http.Client
	nodes  []string
	next   uint64
}

// NewHTTPGovernance constructs a client over the given node list. Reads
// round-robin across nodes for tolerance of a single unreachable node;
// writes always target the round-robin head (the governance layer itself
// handles leader routing).
func NewHTTPGovernance(client *http.Client, nodes []string) *HTTPGovernance {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPGovernance{client: client, nodes: nodes}
}

func (h *HTTPGovernance) node() string {
	if len(h.nodes) == 0 {
		return ""
	}
	idx := atomic.AddUint64(&h.next, 1) - 1
	return h.nodes[idx%uint64(len(h.nodes))]
}

func (h *HTTPGovernance) ListProjectAddresses(ctx context.Context) ([]string, error) {
	var out struct {
		Addresses []string `json:"addresses"`
	}
	if err := h.getJSON(ctx, "/projects", &out); err != nil {
		return nil, err
	}
	return out.Addresses, nil
}

func (h *HTTPGovernance) ReadProjectRecord(ctx context.Context, address string) (Project, error) {
	var proj Project
	path := fmt.Sprintf("/projects/%s", address)
	if err := h.getJSON(ctx, path, &proj); err != nil {
		return Project{}, err
	}
	return proj, nil
}

func (h *HTTPGovernance) ReadParticipants(ctx context.Context, address string) ([]identity.Participant, error) {
	var out struct {
		Participants []identity.Participant `json:"participants"`
	}
	path := fmt.Sprintf("/projects/%s/participants", address)
	if err := h.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

func (h *HTTPGovernance) ReadJoinRequests(ctx context.Context, address string) ([]JoinRequest, error) {
	var out struct {
		JoinRequests []JoinRequest `json:"join_requests"`
	}
	path := fmt.Sprintf("/projects/%s/join-requests", address)
	if err := h.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.JoinRequests, nil
}

func (h *HTTPGovernance) ReadBatchStatus(ctx context.Context, address string, round int) (BatchStatus, error) {
	var status BatchStatus
	path := fmt.Sprintf("/projects/%s/batches/%d/status", address, round)
	if err := h.getJSON(ctx, path, &status); err != nil {
		return BatchStatus{}, err
	}
	return status, nil
}

func (h *HTTPGovernance) ReadBatchVotes(ctx context.Context, address string, round int) ([]SampleVoteRecord, error) {
	var out struct {
		Votes []SampleVoteRecord `json:"votes"`
	}
	path := fmt.Sprintf("/projects/%s/batches/%d/votes", address, round)
	if err := h.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Votes, nil
}

func (h *HTTPGovernance) SubmitSignedTransaction(ctx context.Context, tx signer.SignedTransaction) (Receipt, error) {
	body, err := json.Marshal(map[string]any{
		"target":     tx.Target,
		"method":     tx.Method,
		"args":       tx.Args,
		"payload":    tx.Payload,
		"public_key": tx.PublicKey,
	})
	if err != nil {
		return Receipt{}, apperrors.Wrap(err, apperrors.ErrorTypeInvalidInput, "marshal transaction")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.node()+"/transactions", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build transaction request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Receipt{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "transaction request failed")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		if resp.StatusCode != http.StatusTooManyRequests && IsSignatureRejectionBody(respBody) {
			return Receipt{}, apperrors.Permanent(fmt.Errorf("signature rejected: %s", respBody), tx.Method)
		}
		return Receipt{}, apperrors.Wrapf(fmt.Errorf("status %d: %s", resp.StatusCode, respBody), classifyStatus(resp.StatusCode), "submit %s", tx.Method)
	}

	var receipt Receipt
	if err := json.Unmarshal(respBody, &receipt); err != nil {
		return Receipt{}, apperrors.Wrap(err, apperrors.ErrorTypePermanent, "decode transaction receipt")
	}
	return receipt, nil
}

func (h *HTTPGovernance) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.node()+path, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "build governance read request")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "governance read request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return apperrors.Wrapf(fmt.Errorf("status %d: %s", resp.StatusCode, body), classifyStatus(resp.StatusCode), "governance read %s", path)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "decode governance response")
	}
	return nil
}

func classifyStatus(status int) apperrors.ErrorType {
	if status == http.StatusTooManyRequests || status >= 500 {
		return apperrors.ErrorTypeTransient
	}
	return apperrors.ErrorTypePermanent
}

// IsSignatureRejectionBody checks a raw response body for a signature
// rejection marker, used before the body is otherwise parsed.
func IsSignatureRejectionBody(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "signature")
}
