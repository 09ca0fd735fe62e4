package sensorpush

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nimdanitro/humidity-manager-go/pkg/apierr"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://api.sensorpush.com/api/v1"

type Reader interface {
	ReadHumidity(ctx context.Context, sensor string) (Reading, error)
	AlertBand(ctx context.Context, sensor string) (AlertBand, error)
}

type Client struct {
	client   *http.Client
	limit    *rate.Limiter
	log      *zap.Logger
	baseURL  string
	email    string
	password string

	// access token, cleared on auth failures
	token string
}

type Option func(c *Client) error

func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		log:     zap.L(),
		limit:   rate.NewLimiter(rate.Every(5*time.Second), 4),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		baseURL: DefaultBaseURL,
	}

	for _, o := range opts {
		err := o(c)
		if err != nil {
			return nil, err
		}
	}

	if c.email == "" || c.password == "" {
		return nil, errors.New("sensorpush: user and password are required")
	}

	return c, nil
}

func WithCredentials(email, password string) Option {
	return func(c *Client) error {
		c.email = email
		c.password = password
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

func WithBaseURL(u string) Option {
	return func(c *Client) error {
		if u == "" {
			return errors.New("sensorpush: empty base url")
		}
		c.baseURL = u
		return nil
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.client = hc
		return nil
	}
}

func WithRateLimit(every time.Duration, burst int) Option {
	return func(c *Client) error {
		c.limit = rate.NewLimiter(rate.Every(every), burst)
		return nil
	}
}

// ReadHumidity returns the most recent sample of the sensor matching the given id or name.
func (c *Client) ReadHumidity(ctx context.Context, sensor string) (Reading, error) {
	s, err := c.resolve(ctx, sensor)
	if err != nil {
		return Reading{}, err
	}

	c.log.Debug("fetching latest sample", zap.String("sensorId", s.ID))
	var resp samplesResponse
	err = c.post(ctx, "/samples", samplesRequest{Limit: 1, Sensors: []string{s.ID}}, &resp)
	if err != nil {
		return Reading{}, err
	}

	samples := resp.Sensors[s.ID]
	if len(samples) == 0 {
		return Reading{}, apierr.NotFound("fetch samples", fmt.Errorf("no samples for sensor %q", s.ID))
	}

	latest := samples[0]
	return Reading{
		SensorID:    s.ID,
		Name:        s.Name,
		Humidity:    latest.Humidity,
		Temperature: latest.Temperature,
		Observed:    latest.Observed.UTC(),
	}, nil
}

// AlertBand returns the humidity alert limits configured on the sensor.
func (c *Client) AlertBand(ctx context.Context, sensor string) (AlertBand, error) {
	s, err := c.resolve(ctx, sensor)
	if err != nil {
		return AlertBand{}, err
	}
	return s.Alerts.Humidity, nil
}

func (c *Client) resolve(ctx context.Context, ref string) (*sensorInfo, error) {
	var sensors map[string]sensorInfo
	err := c.post(ctx, "/devices/sensors", struct{}{}, &sensors)
	if err != nil {
		return nil, err
	}

	if s, ok := sensors[ref]; ok {
		if s.ID == "" {
			s.ID = ref
		}
		return &s, nil
	}
	for id, s := range sensors {
		if s.Name == ref {
			if s.ID == "" {
				s.ID = id
			}
			return &s, nil
		}
	}
	return nil, apierr.NotFound("resolve sensor", fmt.Errorf("no sensor with id or name %q", ref))
}

func (c *Client) login(ctx context.Context) error {
	if c.token != "" {
		return nil
	}

	c.log.Debug("authorizing with sensorpush")
	var auth authorizeResponse
	err := c.do(ctx, "/oauth/authorize", authorizeRequest{Email: c.email, Password: c.password}, &auth, "")
	if err != nil {
		return asAuth(err)
	}

	var tok accessTokenResponse
	err = c.do(ctx, "/oauth/accesstoken", accessTokenRequest{Authorization: auth.Authorization}, &tok, "")
	if err != nil {
		return asAuth(err)
	}
	if tok.AccessToken == "" {
		return apierr.Auth("access token", errors.New("empty access token"))
	}

	c.token = tok.AccessToken
	return nil
}

// post performs an authenticated call, dropping the cached token when the API rejects it.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	err := c.login(ctx)
	if err != nil {
		return err
	}

	err = c.do(ctx, path, body, out, c.token)
	if errors.Is(err, apierr.ErrAuth) {
		c.log.Warn("sensorpush rejected access token", zap.String("path", path))
		c.token = ""
	}
	return err
}

func (c *Client) do(ctx context.Context, path string, body, out any, token string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	op := "POST " + path
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.log.Error("cannot create request", zap.Error(err))
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	// apply the ratelimit
	err = c.limit.Wait(ctx)
	if err != nil {
		return apierr.Network(op, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apierr.Network(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierr.FromStatus(op, resp.StatusCode)
	}

	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return &apierr.Error{Kind: apierr.ErrAPI, Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// asAuth folds rejections of the login endpoints into ErrAuth; network failures keep their kind.
func asAuth(err error) error {
	if errors.Is(err, apierr.ErrNetwork) || errors.Is(err, apierr.ErrAuth) {
		return err
	}
	return apierr.Auth("login", err)
}
