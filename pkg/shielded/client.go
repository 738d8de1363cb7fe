package shielded

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chainsafe/shielded-broadcaster/pkg/chain"
)

const (
	defaultEngineTimeout = 30 * time.Second
	// UnshieldTimeout bounds proof generation for a top-up.
	UnshieldTimeout = 5 * time.Minute
)

type identityResponse struct {
	ViewingPrivateKey hexutil.Bytes `json:"viewingPrivateKey"`
	ViewingPublicKey  hexutil.Bytes `json:"viewingPublicKey"`
	MasterPublicKey   *hexutil.Big  `json:"masterPublicKey"`
}

type sharedKeyRequest struct {
	ViewingPrivateKey hexutil.Bytes `json:"viewingPrivateKey"`
	EphemeralKey      hexutil.Bytes `json:"ephemeralKey"`
}

type sharedKeyResponse struct {
	SharedKey hexutil.Bytes `json:"sharedKey"`
}

type decryptRequest struct {
	IV        hexutil.Bytes   `json:"iv"`
	Tag       hexutil.Bytes   `json:"tag"`
	Data      []hexutil.Bytes `json:"data"`
	SharedKey hexutil.Bytes   `json:"sharedKey"`
}

type noteResponse struct {
	Hash            common.Hash  `json:"hash"`
	Token           common.Hash  `json:"token"`
	Value           *hexutil.Big `json:"value"`
	MasterPublicKey *hexutil.Big `json:"masterPublicKey"`
}

type tokenAmountJSON struct {
	Token  common.Address `json:"token"`
	Amount *hexutil.Big   `json:"amount"`
}

type unshieldRequest struct {
	To      common.Address    `json:"to"`
	Amounts []tokenAmountJSON `json:"amounts"`
	Native  bool              `json:"native"`
}

type unshieldResponse struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value"`
}

type engineError struct {
	Error string `json:"error"`
}

// Client talks to an engine sidecar over HTTP. Identity is loaded once
// by Dial and served from memory afterwards.
type Client struct {
	client   *resty.Client
	logger   *zap.Logger
	keys     ViewingKeyPair
	identity AddressData
}

var _ Engine = (*Client)(nil)

// Dial connects to the sidecar at baseURL and loads the relay identity.
// Responses are decoded as JSON whatever content type the sidecar declares.
func Dial(ctx context.Context, baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultEngineTimeout
	}
	c := &Client{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		logger: logger,
	}

	var id identityResponse
	if err := c.do(ctx, c.client.R().SetResult(&id), "GET", "/v1/identity"); err != nil {
		return nil, fmt.Errorf("load engine identity: %w", err)
	}
	if len(id.ViewingPrivateKey) == 0 || id.MasterPublicKey == nil {
		return nil, errors.New("engine identity incomplete")
	}
	c.keys = ViewingKeyPair{PrivateKey: id.ViewingPrivateKey, PublicKey: id.ViewingPublicKey}
	c.identity = AddressData{MasterPublicKey: id.MasterPublicKey.ToInt(), ViewingPublicKey: id.ViewingPublicKey}
	return c, nil
}

func (c *Client) ViewingKeyPair() ViewingKeyPair { return c.keys }

func (c *Client) AddressData() AddressData { return c.identity }

func (c *Client) DeriveSharedKey(ctx context.Context, viewingPrivateKey, ephemeralKey []byte) ([]byte, error) {
	var out sharedKeyResponse
	req := c.client.R().
		SetBody(sharedKeyRequest{ViewingPrivateKey: viewingPrivateKey, EphemeralKey: ephemeralKey}).
		SetResult(&out)
	if err := c.do(ctx, req, "POST", "/v1/keys/shared"); err != nil {
		return nil, err
	}
	if len(out.SharedKey) == 0 {
		return nil, errors.New("empty shared key")
	}
	return out.SharedKey, nil
}

func (c *Client) DecryptNote(ctx context.Context, ct Ciphertext, sharedKey []byte) (*Note, error) {
	data := make([]hexutil.Bytes, len(ct.Data))
	for i := range ct.Data {
		data[i] = ct.Data[i][:]
	}
	var out noteResponse
	req := c.client.R().
		SetBody(decryptRequest{IV: ct.IV[:], Tag: ct.Tag[:], Data: data, SharedKey: sharedKey}).
		SetResult(&out)
	if err := c.do(ctx, req, "POST", "/v1/notes/decrypt"); err != nil {
		return nil, err
	}
	if out.Value == nil || out.MasterPublicKey == nil {
		return nil, errors.New("incomplete note")
	}
	return &Note{
		Hash:            out.Hash,
		Token:           out.Token,
		Value:           out.Value.ToInt(),
		MasterPublicKey: out.MasterPublicKey.ToInt(),
	}, nil
}

func (c *Client) ShieldedBalances(ctx context.Context, ch chain.Chain) ([]TokenAmount, error) {
	var out []tokenAmountJSON
	req := c.client.R().SetPathParams(chainParams(ch)).SetResult(&out)
	if err := c.do(ctx, req, "GET", "/v1/chains/{chainType}/{chainID}/balances"); err != nil {
		return nil, err
	}
	balances := make([]TokenAmount, 0, len(out))
	for _, b := range out {
		if b.Amount == nil {
			continue
		}
		balances = append(balances, TokenAmount{Token: b.Token, Amount: b.Amount.ToInt()})
	}
	return balances, nil
}

// PopulateUnshield asks the sidecar to prove the unshield. The sidecar
// answers once the proof is done, so progress is reported at both ends.
func (c *Client) PopulateUnshield(ctx context.Context, r UnshieldRequest) (*UnshieldTx, error) {
	amounts := make([]tokenAmountJSON, len(r.Amounts))
	for i, a := range r.Amounts {
		amounts[i] = tokenAmountJSON{Token: a.Token, Amount: (*hexutil.Big)(a.Amount)}
	}

	Publish(r.Events, ProofEvent{Chain: r.Chain, Progress: 0, Status: "proving"})

	var out unshieldResponse
	req := c.client.R().
		SetPathParams(chainParams(r.Chain)).
		SetBody(unshieldRequest{To: r.To, Amounts: amounts, Native: r.Native}).
		SetResult(&out)
	ctx, cancel := context.WithTimeout(ctx, UnshieldTimeout)
	defer cancel()
	if err := c.do(ctx, req, "POST", "/v1/chains/{chainType}/{chainID}/unshield"); err != nil {
		Publish(r.Events, ProofEvent{Chain: r.Chain, Progress: 0, Status: "failed"})
		return nil, err
	}

	Publish(r.Events, ProofEvent{Chain: r.Chain, Progress: 100, Status: "complete"})

	value := new(big.Int)
	if out.Value != nil {
		value = out.Value.ToInt()
	}
	return &UnshieldTx{To: out.To, Data: out.Data, Value: value}, nil
}

func (c *Client) FullRescan(ctx context.Context, ch chain.Chain) error {
	return c.do(ctx, c.client.R().SetPathParams(chainParams(ch)), "POST", "/v1/chains/{chainType}/{chainID}/rescan")
}

func (c *Client) do(ctx context.Context, req *resty.Request, method, path string) error {
	var failure engineError
	resp, err := req.SetContext(ctx).
		ForceContentType("application/json").
		SetError(&failure).
		Execute(method, path)
	if err != nil {
		return fmt.Errorf("engine %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := failure.Error
		if msg == "" {
			msg = resp.Status()
		}
		c.logger.Debug("Engine request rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()),
			zap.String("error", msg))
		return fmt.Errorf("engine %s %s returned %d: %s", method, path, resp.StatusCode(), msg)
	}
	return nil
}

func chainParams(ch chain.Chain) map[string]string {
	return map[string]string{
		"chainType": strconv.Itoa(int(ch.Type)),
		"chainID":   strconv.FormatUint(ch.ID, 10),
	}
}
