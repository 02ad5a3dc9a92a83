// Package restapi is the bearer-token HTTP client for the menu backend.
package restapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/astromechza/nego/pkg/model"
	"github.com/astromechza/nego/pkg/ordering"
)

const (
	HeaderIdempotencyKey   = "Idempotency-Key"
	HeaderPartitionVersion = "X-Partition-Version"
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend answered %d", e.StatusCode)
	}
	return fmt.Sprintf("backend answered %d: %s", e.StatusCode, e.Message)
}

// Retryable is true for throttling and server-side failures. Validation and auth failures will not
// change on a second try.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
	logger  *slog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse backend url %q", baseURL)
	}
	c := &Client{baseURL: u, http: &http.Client{Timeout: 30 * time.Second}, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// Session binds the client to one bearer token. It is what call sites pass around instead of
// reading a token from ambient storage.
func (c *Client) Session(token string) *Session {
	return &Session{client: c, token: token}
}

type Session struct {
	client *Client
	token  string
}

func (s *Session) Token() string { return s.token }

func (s *Session) do(ctx context.Context, method, path string, body any, out any, header http.Header) (http.Header, error) {
	var reader io.Reader
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return nil, errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(raw)
	}

	u := s.client.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to call %s %s", method, path)
	}
	defer resp.Body.Close()
	s.client.logger.Debug("called backend", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s %s response", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg model.Message
		if json.Unmarshal(data, &msg) == nil {
			apiErr.Message = msg.Message
		}
		return resp.Header, apiErr
	}
	if out != nil && len(data) > 0 {
		if raw, ok := out.(*[]byte); ok {
			*raw = data
			return resp.Header, nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return resp.Header, errors.Wrapf(err, "failed to decode %s %s response", method, path)
		}
	}
	return resp.Header, nil
}

// IdempotencyKey derives a stable key from a position payload so retries of one write can be
// recognised by the backend.
func IdempotencyKey(partition ordering.Partition, pairs []ordering.Pair[int64]) string {
	h := sha256.New()
	h.Write([]byte(partition.String()))
	for _, p := range pairs {
		h.Write([]byte{'|'})
		h.Write(strconv.AppendInt(nil, p.ID, 10))
		h.Write([]byte{':'})
		h.Write(strconv.AppendInt(nil, int64(p.Position), 10))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func listPath(p ordering.Partition) string {
	id := strconv.FormatInt(p.ParentID, 10)
	switch p.Kind {
	case ordering.KindMenus:
		return "/api/cartas/establecimiento/" + id
	case ordering.KindSections:
		return "/api/secciones/carta/" + id
	default:
		return "/api/productos/seccion/" + id
	}
}

// List returns the partition in the backend's order.
func (s *Session) List(ctx context.Context, p ordering.Partition) ([]model.Entry, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("unknown collection kind %q", p.Kind)
	}
	var raw []byte
	if _, err := s.do(ctx, http.MethodGet, listPath(p), nil, &raw, nil); err != nil {
		return nil, err
	}
	return model.DecodeEntries(p.Kind, raw)
}

func (s *Session) ListMenus(ctx context.Context, establishmentID int64) ([]model.Menu, error) {
	var out []model.Menu
	_, err := s.do(ctx, http.MethodGet, listPath(ordering.Partition{Kind: ordering.KindMenus, ParentID: establishmentID}), nil, &out, nil)
	return out, err
}

func (s *Session) ListSections(ctx context.Context, menuID int64) ([]model.Section, error) {
	var out []model.Section
	_, err := s.do(ctx, http.MethodGet, listPath(ordering.Partition{Kind: ordering.KindSections, ParentID: menuID}), nil, &out, nil)
	return out, err
}

func (s *Session) ListProducts(ctx context.Context, sectionID int64) ([]model.Product, error) {
	var out []model.Product
	_, err := s.do(ctx, http.MethodGet, listPath(ordering.Partition{Kind: ordering.KindProducts, ParentID: sectionID}), nil, &out, nil)
	return out, err
}

// Fetch implements reorder.Fetcher.
func (s *Session) Fetch(ctx context.Context, p ordering.Partition) ([]ordering.Item[int64, model.Entry], error) {
	entries, err := s.List(ctx, p)
	if err != nil {
		return nil, err
	}
	return model.Items(entries), nil
}

// Reorder overwrites the positions of the whole partition and returns the partition version the
// backend committed.
func (s *Session) Reorder(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) (int64, error) {
	header := http.Header{}
	header.Set(HeaderIdempotencyKey, IdempotencyKey(p, pairs))

	var path string
	var body any = pairs
	switch p.Kind {
	case ordering.KindMenus:
		path = "/api/cartas/orden"
		body = model.MenuOrder{EstablishmentID: p.ParentID, Orders: pairs}
	case ordering.KindSections:
		path = "/api/secciones/reordenar/orden"
	case ordering.KindProducts:
		path = "/api/productos/reordenar/orden"
	default:
		return 0, fmt.Errorf("unknown collection kind %q", p.Kind)
	}

	respHeader, err := s.do(ctx, http.MethodPut, path, body, nil, header)
	if err != nil {
		return 0, err
	}
	version, _ := strconv.ParseInt(respHeader.Get(HeaderPartitionVersion), 10, 64)
	return version, nil
}

// Persist implements reorder.Persister.
func (s *Session) Persist(ctx context.Context, p ordering.Partition, pairs []ordering.Pair[int64]) error {
	_, err := s.Reorder(ctx, p, pairs)
	return err
}

func (s *Session) Create(ctx context.Context, kind ordering.Kind, entry model.NewEntry) (model.Entry, error) {
	if !kind.Valid() {
		return model.Entry{}, fmt.Errorf("unknown collection kind %q", kind)
	}
	var raw []byte
	if _, err := s.do(ctx, http.MethodPost, "/api/"+string(kind), entry, &raw, nil); err != nil {
		return model.Entry{}, err
	}
	entries, err := model.DecodeEntries(kind, append(append([]byte{'['}, raw...), ']'))
	if err != nil {
		return model.Entry{}, err
	}
	if len(entries) != 1 {
		return model.Entry{}, fmt.Errorf("expected one created %s, got %d", kind, len(entries))
	}
	return entries[0], nil
}

func (s *Session) Delete(ctx context.Context, kind ordering.Kind, id int64) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown collection kind %q", kind)
	}
	_, err := s.do(ctx, http.MethodDelete, "/api/"+string(kind)+"/"+strconv.FormatInt(id, 10), nil, nil, nil)
	return err
}

// History downloads the raw reorder history document of a partition.
func (s *Session) History(ctx context.Context, p ordering.Partition) ([]byte, error) {
	var raw []byte
	_, err := s.do(ctx, http.MethodGet, "/api/history/"+string(p.Kind)+"/"+strconv.FormatInt(p.ParentID, 10), nil, &raw, nil)
	return raw, err
}
