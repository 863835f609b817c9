package sapgate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

const keyInquiries = "inquiries"

// SAPClient knows the inquiry service endpoints. Reads go through the
// gateway cache, writes and logins never do.
type SAPClient struct {
	cfg UpstreamConfig
	gw  *Gateway
	log zerolog.Logger
}

func NewSAPClient(cfg UpstreamConfig, gw *Gateway, log zerolog.Logger) *SAPClient {
	return &SAPClient{cfg: cfg, gw: gw, log: log.With().Str("component", "sap").Logger()}
}

func (c *SAPClient) endpoint(path string, params url.Values) string {
	q := url.Values{}
	q.Set("sap-client", c.cfg.SAPClient)
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return c.cfg.BaseURL + path + "?" + q.Encode()
}

func (c *SAPClient) request(method, path string, params url.Values) Request {
	h := http.Header{}
	h.Set("Accept", "application/json")
	return Request{
		Method:   method,
		URL:      c.endpoint(path, params),
		Host:     c.cfg.Host,
		Header:   h,
		Username: c.cfg.User,
		Password: c.cfg.Password,
	}
}

func (c *SAPClient) Inquiries(ctx context.Context) (Result, error) {
	return c.gw.Load(ctx, keyInquiries, c.request(http.MethodGet, c.cfg.Paths.Inquiries, nil))
}

func (c *SAPClient) Inquiry(ctx context.Context, inqno string) (Result, error) {
	inqno = strings.TrimSpace(inqno)
	if inqno == "" {
		return Result{}, invalidRequest("inquiry number is required")
	}
	req := c.request(http.MethodGet, c.cfg.Paths.Inquiries, url.Values{"inqno": {inqno}})
	return c.gw.Load(ctx, "inquiry:"+inqno, req)
}

func (c *SAPClient) Negotiation(ctx context.Context, inqno, item string) (Result, error) {
	inqno = strings.TrimSpace(inqno)
	if inqno == "" {
		return Result{}, invalidRequest("inquiry number is required")
	}
	posnr, err := padPosnr(item)
	if err != nil {
		return Result{}, err
	}
	req := c.request(http.MethodGet, c.cfg.Paths.Negotiation, url.Values{"inqno": {inqno}, "inqitem": {posnr}})
	return c.gw.Load(ctx, "negotiation:"+inqno+":"+posnr, req)
}

// PostNegotiation writes a negotiation row. It is attempted once since SAP
// offers no idempotency key for this call.
func (c *SAPClient) PostNegotiation(ctx context.Context, n Negotiation) (Payload, error) {
	if n.MANDT == "" {
		n.MANDT = c.cfg.SAPClient
	}
	if err := n.Validate(); err != nil {
		return Payload{}, err
	}
	body, err := json.Marshal(n)
	if err != nil {
		return Payload{}, err
	}
	req := c.request(http.MethodPost, c.cfg.Paths.PostNegotiation, nil)
	req.Header.Set("Content-Type", "application/json")
	req.Body = body

	p, err := c.gw.DoOnce(ctx, req)
	if err != nil {
		c.log.Error().Err(err).Str("vbeln", n.VBELN).Float64("posnr", float64(n.POSNR)).Msg("post negotiation failed")
		return Payload{}, err
	}
	return p, nil
}

// Login checks the user's own credentials against SAP.
func (c *SAPClient) Login(ctx context.Context, username, password string) (Payload, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return Payload{}, invalidRequest("username and password are required")
	}
	req := c.request(http.MethodGet, c.cfg.Paths.Login, url.Values{"Username": {username}})
	req.Username = username
	req.Password = password
	return c.gw.Do(ctx, req)
}
