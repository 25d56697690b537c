// Package rest polls an HTTP endpoint that returns JSON and extracts one
// value from it with a gjson path.
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"hacoordinator/pkg/coordinator"
	"hacoordinator/pkg/integration"
)

const (
	// DefaultInterval is used when the entry sets no scan_interval.
	DefaultInterval = 30 * time.Second

	// DefaultTimeout bounds one request.
	DefaultTimeout = 10 * time.Second

	maxBodySize = 1 << 20
)

// Reading is the coordinator data of a rest entry.
type Reading struct {
	// Value is the extracted value decoded to Go types.
	Value any `json:"value"`
	// Raw is the extracted JSON text.
	Raw string `json:"raw"`
	// StatusCode of the response.
	StatusCode int `json:"status_code"`

	num     float64
	numeric bool
}

// Float returns the value as a number when it is one.
func (r Reading) Float() (float64, bool) {
	return r.num, r.numeric
}

// Options is the options block of a rest entry.
type Options struct {
	URL       string            `yaml:"url"`
	Method    string            `yaml:"method"`
	Headers   map[string]string `yaml:"headers"`
	Body      string            `yaml:"body"`
	ValuePath string            `yaml:"value_path"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// Validate checks the options and fills defaults.
func (o *Options) Validate() error {
	if o.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(o.URL, "http://") && !strings.HasPrefix(o.URL, "https://") {
		return fmt.Errorf("url %q must be http or https", o.URL)
	}
	if o.Method == "" {
		o.Method = http.MethodGet
	}
	o.Method = strings.ToUpper(o.Method)
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return nil
}

// Integration polls one endpoint.
type Integration struct {
	name   string
	logger *zap.Logger
	opts   Options
	client *http.Client
	coord  *coordinator.Coordinator[Reading]
}

// New is the integration.Factory for type "rest".
func New(ctx *integration.Context) (integration.Integration, error) {
	var opts Options
	if err := ctx.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("rest entry %s: %w", ctx.Entry.Name, err)
	}

	r := &Integration{
		name:   ctx.Entry.Name,
		logger: ctx.Logger,
		opts:   opts,
		client: &http.Client{},
	}
	coord, err := coordinator.New(ctx.CoordinatorName(""), r.fetch, ctx.Options(DefaultInterval)...)
	if err != nil {
		return nil, err
	}
	r.coord = coord
	return r, nil
}

// Register adds the rest type to r.
func Register(r *integration.Registry) error {
	return r.Register(integration.TypeInfo{
		Type:                "rest",
		Description:         "JSON value polled from an HTTP endpoint",
		Priority:            integration.PriorityDefault,
		Factory:             New,
		DefaultScanInterval: DefaultInterval,
	})
}

func (r *Integration) fetch(ctx context.Context) (Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	var body io.Reader
	if r.opts.Body != "" {
		body = strings.NewReader(r.opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.opts.Method, r.opts.URL, body)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range r.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to fetch %s: %w", r.opts.URL, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return Reading{}, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read response: %w", err)
	}
	return extract(data, r.opts.ValuePath, resp.StatusCode)
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", coordinator.ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("rate limited: HTTP %d", resp.StatusCode)
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return coordinator.UpdateFailed(err, time.Duration(secs)*time.Second)
		}
		return err
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("unexpected status: HTTP %d", resp.StatusCode)
	}
	return nil
}

var errInvalidJSON = errors.New("response is not valid JSON")

func extract(data []byte, path string, status int) (Reading, error) {
	if !gjson.ValidBytes(data) {
		return Reading{}, errInvalidJSON
	}

	res := gjson.ParseBytes(data)
	if path != "" {
		res = gjson.GetBytes(data, path)
		if !res.Exists() {
			return Reading{}, fmt.Errorf("value path %q not found in response", path)
		}
	}

	reading := Reading{
		Value:      res.Value(),
		Raw:        res.Raw,
		StatusCode: status,
	}
	if res.Type == gjson.Number {
		reading.num = res.Num
		reading.numeric = true
	}
	return reading, nil
}

func (r *Integration) Name() string { return r.name }

func (r *Integration) Setup(ctx context.Context) error {
	if err := r.coord.FirstRefresh(ctx); err != nil {
		return err
	}
	r.logger.Info("Endpoint reachable", zap.String("url", r.opts.URL))
	return nil
}

func (r *Integration) Unload() {
	r.coord.Shutdown()
	r.client.CloseIdleConnections()
}

func (r *Integration) Coordinators() []coordinator.Handle {
	return []coordinator.Handle{r.coord}
}

// Coordinator returns the typed coordinator.
func (r *Integration) Coordinator() *coordinator.Coordinator[Reading] {
	return r.coord
}
