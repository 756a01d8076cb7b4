package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/network"
	"github.com/safecoord/safecoord/internal/protocol"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// Client implements ProposalStore over the collection service's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	query   network.Policy
	origin  string
	logger  log.Logger
}

var _ ProposalStore = (*Client)(nil)

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, httpClient *http.Client, query network.Policy, logger log.Logger) *Client {
	if httpClient == nil {
		httpClient = network.NewHTTPClient(network.Config{})
	}
	if query.Attempts == 0 {
		query = network.QueryPolicy
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		query:   query,
		origin:  "safecoord",
		logger:  logger.With("component", "store"),
	}
}

func (c *Client) GetAccountInfo(ctx context.Context, account common.Address) (protocol.AccountState, error) {
	var info SafeInfo
	if err := c.get(ctx, fmt.Sprintf("/api/v1/safes/%s/", account.Hex()), &info); err != nil {
		return protocol.AccountState{}, errors.WithAccount(err, account)
	}
	return info.State()
}

func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*StoredTransaction, error) {
	var tx MultisigTransaction
	if err := c.get(ctx, fmt.Sprintf("/api/v1/multisig-transactions/%s/", hash.Hex()), &tx); err != nil {
		return nil, errors.WithHash(err, hash)
	}
	stored, err := tx.StoredTransaction()
	if err != nil {
		return nil, errors.WithHash(err, hash)
	}
	if stored.Hash != hash {
		return nil, errors.WithHash(errors.ErrValidation.Newf("store returned proposal %s", stored.Hash.Hex()), hash)
	}
	return stored, nil
}

// GetNextNonce returns the first sequence number above both the account's
// executed nonce and every proposal the store has queued.
func (c *Client) GetNextNonce(ctx context.Context, account common.Address) (uint64, error) {
	info, err := c.GetAccountInfo(ctx, account)
	if err != nil {
		return 0, err
	}
	next := info.Nonce

	var page Page[MultisigTransaction]
	path := fmt.Sprintf("/api/v1/safes/%s/multisig-transactions/?%s", account.Hex(), url.Values{
		"ordering": {"-nonce"},
		"limit":    {"1"},
	}.Encode())
	if err := c.get(ctx, path, &page); err != nil {
		return 0, errors.WithAccount(err, account)
	}
	if len(page.Results) > 0 && page.Results[0].Nonce+1 > next {
		next = page.Results[0].Nonce + 1
	}
	return next, nil
}

func (c *Client) Propose(ctx context.Context, account common.Address, desc *protocol.TransactionDescriptor, hash common.Hash, sender common.Address, sig []byte) error {
	body := NewProposeRequest(desc, hash, sender, sig, c.origin)
	err := c.post(ctx, fmt.Sprintf("/api/v1/safes/%s/multisig-transactions/", account.Hex()), body)
	if err != nil {
		return errors.WithHash(errors.WithAccount(err, account), hash)
	}
	c.logger.Debug("Proposal submitted to store", "account", account, "hash", hash, "sender", sender)
	return nil
}

func (c *Client) Confirm(ctx context.Context, hash common.Hash, sig []byte) error {
	body := ConfirmRequest{Signature: hexutil.Encode(sig)}
	if err := c.post(ctx, fmt.Sprintf("/api/v1/multisig-transactions/%s/confirmations/", hash.Hex()), body); err != nil {
		return errors.WithHash(err, hash)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return network.Retry(ctx, c.query, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return errors.Wrap(errors.ErrValidation, err.Error())
		}
		return c.do(req, out)
	})
}

// post is never retried; the service may have stored the first attempt.
func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(errors.ErrValidation, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return errors.Wrap(req.Context().Err(), "store request cancelled")
		}
		return errors.Wrapf(errors.ErrNetwork, "%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if err := statusError(req, resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(errors.ErrNetwork, "decode %s: %v", req.URL.Path, err)
	}
	return nil
}

func statusError(req *http.Request, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.ErrNotFound.New(msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.ErrNetwork.New(msg)
	default:
		return errors.ErrValidation.New(msg)
	}
}
