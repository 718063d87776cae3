package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"cosmossdk.io/math"
	"github.com/gorilla/websocket"
)

// ClientConfig configures the HTTP/WebSocket ledger driver.
type ClientConfig struct {
	BaseURL       string        // e.g. http://ledger:7575
	WebSocketURL  string        // e.g. ws://ledger:7575; derived from BaseURL when empty
	WriteTimeout  time.Duration // submit / execute / withdraw
	ReadTimeout   time.Duration // balance and active-contract reads
	HealthTimeout time.Duration // health probes
}

// DefaultClientConfig returns the default driver configuration.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		WriteTimeout:  30 * time.Second,
		ReadTimeout:   5 * time.Second,
		HealthTimeout: 3 * time.Second,
	}
}

// HTTPClient is the concrete ledger driver: JSON over HTTP for commands
// and queries, WebSocket for the bootstrap and live-update streams.
type HTTPClient struct {
	cfg    ClientConfig
	http   *http.Client
	dialer *websocket.Dialer
	tokens TokenSource
	logger log.Logger

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a ledger driver.
func NewHTTPClient(cfg ClientConfig, tokens TokenSource, logger log.Logger) *HTTPClient {
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.HealthTimeout == 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.WebSocketURL == "" {
		cfg.WebSocketURL = strings.Replace(cfg.BaseURL, "http", "ws", 1)
	}
	return &HTTPClient{
		cfg:      cfg,
		http:     &http.Client{},
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		tokens:   tokens,
		logger:   logger.With("component", "ledger-client"),
		inflight: make(map[string]struct{}),
	}
}

// ---- wire shapes ----

type submitRequest struct {
	ActAs    []string      `json:"actAs"`
	ReadAs   []string      `json:"readAs"`
	Commands []wireCommand `json:"commands"`
}

type wireCommand struct {
	Create   *wireCreate   `json:"create,omitempty"`
	Exercise *wireExercise `json:"exercise,omitempty"`
}

type wireCreate struct {
	TemplateID string          `json:"templateId"`
	Payload    json.RawMessage `json:"payload"`
}

type wireExercise struct {
	ContractID string          `json:"contractId"`
	Choice     string          `json:"choice"`
	Argument   json.RawMessage `json:"argument"`
}

type submitResponse struct {
	TransactionID string     `json:"transactionId"`
	Created       []Contract `json:"created"`
	Archived      []string   `json:"archived"`
}

type queryRequest struct {
	Party       string   `json:"party"`
	TemplateIDs []string `json:"templateIds"`
	PageSize    int      `json:"pageSize"`
}

type queryResponse struct {
	Contracts []Contract `json:"contracts"`
}

type ledgerEndResponse struct {
	Offset string `json:"offset"`
}

type balanceResponse struct {
	Available string `json:"available"`
}

type streamMessage struct {
	Kind       string          `json:"kind,omitempty"` // created | archived; empty on bootstrap
	ContractID string          `json:"contractId"`
	TemplateID string          `json:"templateId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Offset     string          `json:"offset,omitempty"`
}

// ---- Client implementation ----

// SubmitCommand submits one command and waits for commitment. Transport
// failures are retried under the generic write policy. A duplicate of
// an exercise already in flight for the same party is rejected locally
// with ErrAlreadyInFlight instead of being sent.
func (c *HTTPClient) SubmitCommand(ctx context.Context, actAs, readAs []string, cmd Command) (*TxResult, error) {
	wire, err := toWireCommand(cmd)
	if err != nil {
		return nil, err
	}

	if cmd.Kind == CommandExercise {
		key := inflightKey(actAs, cmd)
		c.inflightMu.Lock()
		if _, busy := c.inflight[key]; busy {
			c.inflightMu.Unlock()
			return nil, errors.Wrapf(ErrAlreadyInFlight, "%s on %s", cmd.Choice, cmd.ContractID)
		}
		c.inflight[key] = struct{}{}
		c.inflightMu.Unlock()
		defer func() {
			c.inflightMu.Lock()
			delete(c.inflight, key)
			c.inflightMu.Unlock()
		}()
	}
	req := submitRequest{ActAs: actAs, ReadAs: readAs, Commands: []wireCommand{wire}}

	var resp submitResponse
	err = Retry(ctx, WriteRetryPolicy(), func() error {
		return c.doJSON(ctx, http.MethodPost, "/v1/commands", req, &resp, c.cfg.WriteTimeout)
	})
	if err != nil {
		return nil, err
	}
	return &TxResult{
		TransactionID: resp.TransactionID,
		Created:       resp.Created,
		Archived:      resp.Archived,
	}, nil
}

// QueryActive returns at most pageSize active contracts. The server
// enforces the 200-element REST cap regardless of the requested size.
func (c *HTTPClient) QueryActive(ctx context.Context, party string, templateIDs []string, pageSize int) ([]Contract, error) {
	if pageSize <= 0 || pageSize > MaxQueryPageSize {
		pageSize = MaxQueryPageSize
	}
	req := queryRequest{Party: party, TemplateIDs: templateIDs, PageSize: pageSize}
	var resp queryResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/query", req, &resp, c.cfg.ReadTimeout); err != nil {
		return nil, err
	}
	return resp.Contracts, nil
}

// StreamActiveAtOffset opens a finite bootstrap stream. The returned
// channel closes when the server has drained the snapshot.
func (c *HTTPClient) StreamActiveAtOffset(ctx context.Context, offset string, templateIDs []string) (<-chan Contract, error) {
	conn, err := c.dialStream(ctx, "/v1/streams/active", url.Values{
		"offset":    {offset},
		"templates": templateIDs,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Contract, 256)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var msg streamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if !isNormalClose(err) {
					c.logger.Warn("bootstrap stream closed", "err", err)
				}
				return
			}
			select {
			case out <- Contract{ContractID: msg.ContractID, TemplateID: msg.TemplateID, Payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StreamUpdates opens the live update subscription from an offset.
func (c *HTTPClient) StreamUpdates(ctx context.Context, fromOffset string, templateIDs []string) (<-chan Event, error) {
	conn, err := c.dialStream(ctx, "/v1/streams/updates", url.Values{
		"from":      {fromOffset},
		"templates": templateIDs,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 256)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var msg streamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if !isNormalClose(err) && ctx.Err() == nil {
					c.logger.Warn("update stream closed", "err", err)
				}
				return
			}
			kind := EventCreated
			if msg.Kind == "archived" {
				kind = EventArchived
			}
			ev := Event{
				Kind:     kind,
				Contract: Contract{ContractID: msg.ContractID, TemplateID: msg.TemplateID, Payload: msg.Payload},
				Offset:   msg.Offset,
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ExecuteAllocation exercises the transfer previously authorised by the
// allocation, as the executor. Retried under the allocation policy.
func (c *HTTPClient) ExecuteAllocation(ctx context.Context, allocationRef, executor, ownerHint string) (*TxResult, error) {
	wire, err := toWireCommand(ExerciseCommand(allocationRef, "ExecuteTransfer", map[string]string{
		"executor": executor,
	}))
	if err != nil {
		return nil, err
	}
	req := submitRequest{
		ActAs:    []string{executor},
		ReadAs:   []string{executor, ownerHint},
		Commands: []wireCommand{wire},
	}
	var resp submitResponse
	err = Retry(ctx, AllocationRetryPolicy(), func() error {
		return c.doJSON(ctx, http.MethodPost, "/v1/commands", req, &resp, c.cfg.WriteTimeout)
	})
	if err != nil {
		return nil, err
	}
	return &TxResult{TransactionID: resp.TransactionID, Created: resp.Created, Archived: resp.Archived}, nil
}

// WithdrawAllocation releases an unexecuted allocation to its owner.
func (c *HTTPClient) WithdrawAllocation(ctx context.Context, allocationRef, owner string) (*TxResult, error) {
	wire, err := toWireCommand(ExerciseCommand(allocationRef, "Withdraw", struct{}{}))
	if err != nil {
		return nil, err
	}
	req := submitRequest{
		ActAs:    []string{owner},
		ReadAs:   []string{owner},
		Commands: []wireCommand{wire},
	}
	var resp submitResponse
	err = Retry(ctx, WriteRetryPolicy(), func() error {
		return c.doJSON(ctx, http.MethodPost, "/v1/commands", req, &resp, c.cfg.WriteTimeout)
	})
	if err != nil {
		return nil, err
	}
	return &TxResult{TransactionID: resp.TransactionID, Created: resp.Created, Archived: resp.Archived}, nil
}

// GetLedgerEnd returns a fresh snapshot offset.
func (c *HTTPClient) GetLedgerEnd(ctx context.Context) (string, error) {
	var resp ledgerEndResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/ledger-end", nil, &resp, c.cfg.ReadTimeout); err != nil {
		return "", err
	}
	return resp.Offset, nil
}

// GetAvailableBalance reads a party's available balance of one asset.
func (c *HTTPClient) GetAvailableBalance(ctx context.Context, party, asset string) (math.LegacyDec, error) {
	path := fmt.Sprintf("/v1/parties/%s/balances/%s", url.PathEscape(party), url.PathEscape(asset))
	var resp balanceResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp, c.cfg.ReadTimeout); err != nil {
		return math.LegacyDec{}, err
	}
	dec, err := math.LegacyNewDecFromStr(resp.Available)
	if err != nil {
		return math.LegacyDec{}, errors.Wrap(ErrTransport, "unparseable balance")
	}
	return dec, nil
}

// Ping probes ledger health.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &struct{}{}, c.cfg.HealthTimeout)
}

// ---- internals ----

// inflightKey identifies one logical exercise of one party. Creates
// are excluded: they carry fresh ids, so no duplicate can form.
func inflightKey(actAs []string, cmd Command) string {
	party := ""
	if len(actAs) > 0 {
		party = actAs[0]
	}
	return party + "|" + cmd.ContractID + "|" + cmd.Choice
}

func toWireCommand(cmd Command) (wireCommand, error) {
	arg, err := json.Marshal(cmd.Argument)
	if err != nil {
		return wireCommand{}, errors.Wrap(ErrTransport, "marshal command argument")
	}
	switch cmd.Kind {
	case CommandCreate:
		return wireCommand{Create: &wireCreate{TemplateID: cmd.TemplateID, Payload: arg}}, nil
	case CommandExercise:
		return wireCommand{Exercise: &wireExercise{ContractID: cmd.ContractID, Choice: cmd.Choice, Argument: arg}}, nil
	default:
		return wireCommand{}, errors.Wrap(ErrTransport, "unknown command kind")
	}
}

// doJSON performs one JSON round trip with the per-call timeout. On a
// 401 it invalidates the token cache and retries exactly once.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	err := c.doJSONOnce(ctx, method, path, body, out, timeout)
	if err != nil && errors.IsOf(err, ErrUnauthorized) {
		c.tokens.Invalidate()
		err = c.doJSONOnce(ctx, method, path, body, out, timeout)
	}
	return err
}

func (c *HTTPClient) doJSONOnce(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(ErrTransport, "marshal request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return errors.Wrap(ErrUnauthorized, err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(ErrTransport, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(ErrTransport, "unparseable response")
		}
		return nil
	}

	var eb errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &eb)
	return classify(resp.StatusCode, eb)
}

// dialStream opens a WebSocket stream with a fresh token. A new token
// is fetched per dial so reconnects outlive token expiry.
func (c *HTTPClient) dialStream(ctx context.Context, path string, params url.Values) (*websocket.Conn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, errors.Wrap(ErrUnauthorized, err.Error())
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	endpoint := c.cfg.WebSocketURL + path + "?" + params.Encode()
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			c.tokens.Invalidate()
			return nil, errors.Wrap(ErrUnauthorized, err.Error())
		}
		return nil, errors.Wrap(ErrTransport, err.Error())
	}
	return conn, nil
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
