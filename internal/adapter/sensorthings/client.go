package sensorthings

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/uroplatus666/geosensors-app/internal/domain"
	"github.com/uroplatus666/geosensors-app/internal/observability"
)

const (
	defaultPageSize       = 1000
	defaultInitialBackoff = 800 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// Client reads one SensorThings API server. Collections are exposed as lazy
// sequences that follow "@iot.nextLink" page by page; ranging over a
// sequence again restarts it from the first page.
//
// Network errors, 429 and 5xx responses are retried with exponential
// backoff and then reported as domain.ErrRemoteUnavailable. A 404 is
// reported immediately as domain.ErrRemoteNotFound.
type Client struct {
	source         string
	baseURL        string
	httpClient     *http.Client
	maxRetries     int
	pageSize       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics
}

// Option customises a Client.
type Option func(*Client)

// WithPageSize sets $top for collection requests.
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithBackoff sets the first and the largest retry delay.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = maxDelay
	}
}

// NewClient creates a client for the server at baseURL. Every HTTP request
// is bounded by timeout.
func NewClient(source, baseURL string, timeout time.Duration, maxRetries int, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Client {
	c := &Client{
		source:         source,
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{Timeout: timeout},
		maxRetries:     maxRetries,
		pageSize:       defaultPageSize,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
		logger:         logger.With("source", source),
		metrics:        metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Source returns the configured source name.
func (c *Client) Source() string { return c.source }

// Ping checks that the service root answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.getJSON(ctx, c.baseURL, nil)
}

// Locations lists every Location of the source.
func (c *Client) Locations(ctx context.Context) iter.Seq2[domain.RemoteLocation, error] {
	u := c.collectionURL("Locations", url.Values{
		"$select": {"@iot.id,name,description,encodingType,location"},
	})
	return mapSeq(list[locationDTO](ctx, c, u), locationDTO.toDomain)
}

// Things lists every Thing with its current Locations and complete
// HistoricalLocations. A nested history that is itself paginated is
// followed to the end before the Thing is yielded.
func (c *Client) Things(ctx context.Context) iter.Seq2[domain.RemoteThing, error] {
	u := c.collectionURL("Things", url.Values{
		"$select": {"@iot.id,name,description"},
		"$expand": {"Locations($select=@iot.id),HistoricalLocations($select=time;$orderby=time asc;$expand=Locations($select=@iot.id))"},
	})
	return func(yield func(domain.RemoteThing, error) bool) {
		for dto, err := range list[thingDTO](ctx, c, u) {
			if err != nil {
				yield(domain.RemoteThing{}, err)
				return
			}
			history := dto.HistoricalLocations
			if dto.HistoricalLocationsNext != "" {
				next, err := c.resolve(dto.HistoricalLocationsNext)
				if err != nil {
					yield(domain.RemoteThing{}, err)
					return
				}
				for h, err := range list[historicalLocationDTO](ctx, c, next) {
					if err != nil {
						yield(domain.RemoteThing{}, err)
						return
					}
					history = append(history, h)
				}
			}
			if !yield(dto.toDomain(history, c.logger), nil) {
				return
			}
		}
	}
}

// Datastreams lists every Datastream with its Thing id and ObservedProperty.
func (c *Client) Datastreams(ctx context.Context) iter.Seq2[domain.RemoteDatastream, error] {
	u := c.collectionURL("Datastreams", url.Values{
		"$select": {"@iot.id,name,description,unitOfMeasurement"},
		"$expand": {"Thing($select=@iot.id),ObservedProperty($select=@iot.id,name,definition)"},
	})
	return mapSeq(list[datastreamDTO](ctx, c, u), datastreamDTO.toDomain)
}

// MultiDatastreams lists every MultiDatastream with its Thing id and
// ObservedProperties in dimension order.
func (c *Client) MultiDatastreams(ctx context.Context) iter.Seq2[domain.RemoteMultiDatastream, error] {
	u := c.collectionURL("MultiDatastreams", url.Values{
		"$select": {"@iot.id,name,description,unitOfMeasurements"},
		"$expand": {"Thing($select=@iot.id),ObservedProperties($select=@iot.id,name,definition)"},
	})
	return mapSeq(list[multiDatastreamDTO](ctx, c, u), multiDatastreamDTO.toDomain)
}

// Observations lists the observations of a stream with phenomenonTime
// strictly after the given instant, oldest first.
func (c *Client) Observations(ctx context.Context, stream domain.StreamRef, after time.Time) iter.Seq2[domain.RemoteObservation, error] {
	u := c.entityURL(stream.Kind, stream.ID) + "/Observations?" + url.Values{
		"$select":  {"phenomenonTime,result"},
		"$orderby": {"phenomenonTime asc"},
		"$filter":  {"phenomenonTime gt " + after.UTC().Format("2006-01-02T15:04:05.000Z")},
		"$top":     {strconv.Itoa(c.pageSize)},
	}.Encode()
	return mapSeq(list[observationDTO](ctx, c, u), observationDTO.toDomain)
}

func (c *Client) collectionURL(collection string, params url.Values) string {
	params.Set("$top", strconv.Itoa(c.pageSize))
	return c.baseURL + "/" + collection + "?" + params.Encode()
}

// entityURL addresses one entity. Numeric ids are bare, string ids are
// quoted with embedded quotes doubled.
func (c *Client) entityURL(kind domain.StreamKind, id domain.RemoteID) string {
	return c.baseURL + "/" + string(kind) + "(" + idLiteral(id) + ")"
}

func idLiteral(id domain.RemoteID) string {
	if id.IsNumeric() {
		return string(id)
	}
	// Quotes stay literal so the server sees the doubled OData form.
	parts := strings.Split(string(id), "'")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return "'" + strings.Join(parts, "''") + "'"
}

// resolve turns a possibly relative next link into an absolute URL.
func (c *Client) resolve(link string) (string, error) {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("%w: invalid next link %q: %v", domain.ErrRemoteUnavailable, link, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// list follows next links from first until the server stops sending one.
func list[T any](ctx context.Context, c *Client, first string) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		next := first
		for next != "" {
			var p page[T]
			if err := c.getJSON(ctx, next, &p); err != nil {
				yield(zero, err)
				return
			}
			for _, v := range p.Value {
				if !yield(v, nil) {
					return
				}
			}
			if p.NextLink == "" {
				return
			}
			resolved, err := c.resolve(p.NextLink)
			if err != nil {
				yield(zero, err)
				return
			}
			if resolved == next {
				yield(zero, fmt.Errorf("%w: next link repeats %s", domain.ErrRemoteUnavailable, next))
				return
			}
			next = resolved
		}
	}
}

func mapSeq[From, To any](seq iter.Seq2[From, error], fn func(From) To) iter.Seq2[To, error] {
	return func(yield func(To, error) bool) {
		for v, err := range seq {
			if err != nil {
				var zero To
				yield(zero, err)
				return
			}
			if !yield(fn(v), nil) {
				return
			}
		}
	}
}

// getJSON fetches rawURL and decodes the body into v, retrying transient
// failures. A nil v discards the body.
func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialBackoff
	exp.MaxInterval = c.maxBackoff
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxRetries)), ctx)

	return backoff.RetryNotify(func() error {
		return c.do(ctx, rawURL, v)
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("remote request failed, retrying", "url", rawURL, "wait", wait, "error", err)
	})
}

func (c *Client) do(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RemoteRequestDuration.WithLabelValues(c.source).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.metrics.RemoteRequests.WithLabelValues(c.source, "retry").Inc()
		return fmt.Errorf("%w: GET %s: %v", domain.ErrRemoteUnavailable, rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.metrics.RemoteRequests.WithLabelValues(c.source, "not_found").Inc()
		return backoff.Permanent(fmt.Errorf("%w: GET %s", domain.ErrRemoteNotFound, rawURL))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.metrics.RemoteRequests.WithLabelValues(c.source, "retry").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: GET %s: status %d: %s", domain.ErrRemoteUnavailable, rawURL, resp.StatusCode, body)
	case resp.StatusCode != http.StatusOK:
		c.metrics.RemoteRequests.WithLabelValues(c.source, "error").Inc()
		return backoff.Permanent(fmt.Errorf("%w: GET %s: unexpected status %d", domain.ErrRemoteUnavailable, rawURL, resp.StatusCode))
	}

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.metrics.RemoteRequests.WithLabelValues(c.source, "success").Inc()
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		c.metrics.RemoteRequests.WithLabelValues(c.source, "retry").Inc()
		return fmt.Errorf("%w: decode %s: %v", domain.ErrRemoteUnavailable, rawURL, err)
	}
	c.metrics.RemoteRequests.WithLabelValues(c.source, "success").Inc()
	return nil
}
