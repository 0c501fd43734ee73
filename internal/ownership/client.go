// Package ownership queries the platform API for the NFT moments a
// wallet holds. Responses are parsed leniently; a missing field yields a
// zero value rather than a parse failure, because the API adds fields
// without versioning.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fastbreakhq/walletsync/internal/session"
)

// defaultTimeout bounds one API round trip.
const defaultTimeout = 10 * time.Second

// maxBodySize caps how much of a response is read. Collections are
// paginated server-side and never approach this.
const maxBodySize = 4 << 20

// Moment is one owned NFT moment.
type Moment struct {
	ID           string `json:"id"`
	PlayerName   string `json:"playerName"`
	SetName      string `json:"setName"`
	SerialNumber int64  `json:"serialNumber"`
}

// Ownership is a wallet's verified moment collection.
type Ownership struct {
	WalletAddress string    `json:"walletAddress"`
	Moments       []Moment  `json:"moments"`
	TotalCount    int64     `json:"totalCount"`
	Eligible      bool      `json:"eligible"`
	FetchedAt     time.Time `json:"fetchedAt"`
}

// StatusError is a non-2xx API response. It carries the status code so
// the error classifier can map it to the right error type.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api responded %d: %s", e.Status, e.Body)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.Status }

// Client calls the platform ownership API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	now     func() time.Time
}

// NewClient creates an ownership client. A zero timeout selects the
// default.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
		now:     time.Now,
	}
}

// FetchCollection returns the wallet's current moment collection.
func (c *Client) FetchCollection(ctx context.Context, address string) (*Ownership, error) {
	address = session.NormalizeAddress(address)
	body, err := c.get(ctx, "/v1/wallets/"+url.PathEscape(address)+"/moments")
	if err != nil {
		return nil, fmt.Errorf("fetching collection for %s: %w", address, err)
	}

	root := gjson.GetBytes(body, "data")
	own := &Ownership{
		WalletAddress: address,
		TotalCount:    root.Get("totalCount").Int(),
		Eligible:      root.Get("eligible").Bool(),
		FetchedAt:     c.now(),
	}
	for _, m := range root.Get("moments").Array() {
		own.Moments = append(own.Moments, Moment{
			ID:           m.Get("id").String(),
			PlayerName:   m.Get("playerName").String(),
			SetName:      m.Get("setName").String(),
			SerialNumber: m.Get("serialNumber").Int(),
		})
	}
	if own.TotalCount == 0 {
		own.TotalCount = int64(len(own.Moments))
	}

	c.logger.Debug("fetched collection",
		slog.String("wallet", address),
		slog.Int("moments", len(own.Moments)),
	)
	return own, nil
}

// VerifyOwnership reports whether the wallet currently holds the moment.
func (c *Client) VerifyOwnership(ctx context.Context, address, momentID string) (bool, error) {
	address = session.NormalizeAddress(address)
	body, err := c.get(ctx, "/v1/wallets/"+url.PathEscape(address)+"/moments/"+url.PathEscape(momentID))
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return false, nil
		}
		return false, fmt.Errorf("verifying ownership of %s: %w", momentID, err)
	}
	return gjson.GetBytes(body, "data.owned").Bool(), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
