package restapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/nego/pkg/model"
	"github.com/astromechza/nego/pkg/ordering"
	"github.com/astromechza/nego/pkg/reorder"
)

type captured struct {
	method string
	path   string
	auth   string
	key    string
	body   []byte
}

func newTestSession(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Session, *[]captured) {
	t.Helper()
	var calls []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, captured{
			method: r.Method,
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			key:    r.Header.Get(HeaderIdempotencyKey),
			body:   body,
		})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c.Session("tok"), &calls
}

func TestReorderSectionsPayload(t *testing.T) {
	s, calls := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderPartitionVersion, "4")
		w.WriteHeader(http.StatusNoContent)
	})

	items := []ordering.Item[int64, string]{{ID: 11, Position: 0}, {ID: 12, Position: 1}, {ID: 13, Position: 2}, {ID: 14, Position: 3}}
	items = ordering.Reorder(items, 0, 2)
	p := ordering.Partition{Kind: ordering.KindSections, ParentID: 5}

	version, err := s.Reorder(context.Background(), p, ordering.Pairs(items))
	require.NoError(t, err)
	assert.Equal(t, int64(4), version)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPut, call.method)
	assert.Equal(t, "/api/secciones/reordenar/orden", call.path)
	assert.Equal(t, "Bearer tok", call.auth)
	assert.JSONEq(t, `[{"id":12,"orden":0},{"id":13,"orden":1},{"id":11,"orden":2},{"id":14,"orden":3}]`, string(call.body))
	assert.Equal(t, IdempotencyKey(p, ordering.Pairs(items)), call.key)
}

func TestReorderMenusWrapsEstablishment(t *testing.T) {
	s, calls := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	pairs := []ordering.Pair[int64]{{ID: 2, Position: 0}, {ID: 1, Position: 1}}
	require.NoError(t, s.Persist(context.Background(), ordering.Partition{Kind: ordering.KindMenus, ParentID: 9}, pairs))

	call := (*calls)[0]
	assert.Equal(t, "/api/cartas/orden", call.path)
	var body model.MenuOrder
	require.NoError(t, json.Unmarshal(call.body, &body))
	assert.Equal(t, int64(9), body.EstablishmentID)
	assert.Equal(t, pairs, body.Orders)
}

func TestAPIErrorSurfacesMessage(t *testing.T) {
	s, _ := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"payload must cover the whole partition"}`))
	})

	err := s.Persist(context.Background(), ordering.Partition{Kind: ordering.KindProducts, ParentID: 1}, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "payload must cover the whole partition", apiErr.Message)
	assert.False(t, reorder.IsRetryable(err))

	assert.True(t, reorder.IsRetryable(&APIError{StatusCode: http.StatusBadGateway}))
	assert.True(t, reorder.IsRetryable(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, reorder.IsRetryable(&APIError{StatusCode: http.StatusUnauthorized}))
}

func TestTransportErrorIsRetryable(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	err = c.Session("").Persist(context.Background(), ordering.Partition{Kind: ordering.KindProducts, ParentID: 1}, nil)
	require.Error(t, err)
	assert.True(t, reorder.IsRetryable(err))
}

func TestFetchDecodesKind(t *testing.T) {
	s, calls := newTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":3,"nombre":"Tacos","orden":0,"activo":true,"seccion_id":8,"establecimiento_id":1,"precio":12.5},
			{"id":1,"nombre":"Agua","orden":1,"activo":false,"seccion_id":8,"establecimiento_id":1}
		]`))
	})

	items, err := s.Fetch(context.Background(), ordering.Partition{Kind: ordering.KindProducts, ParentID: 8})
	require.NoError(t, err)
	assert.Equal(t, "/api/productos/seccion/8", (*calls)[0].path)
	require.Len(t, items, 2)
	assert.Equal(t, []int64{3, 1}, ordering.IDs(items))
	assert.Equal(t, "Tacos", items[0].Payload.Name)
	require.NotNil(t, items[0].Payload.Price)
	assert.Equal(t, 12.5, *items[0].Payload.Price)
	assert.Equal(t, int64(8), items[1].Payload.ParentID)
	assert.False(t, items[1].Payload.Active)
}

func TestIdempotencyKeyDependsOnPayload(t *testing.T) {
	p := ordering.Partition{Kind: ordering.KindSections, ParentID: 1}
	a := []ordering.Pair[int64]{{ID: 1, Position: 0}, {ID: 2, Position: 1}}
	b := []ordering.Pair[int64]{{ID: 2, Position: 0}, {ID: 1, Position: 1}}
	assert.Equal(t, IdempotencyKey(p, a), IdempotencyKey(p, a))
	assert.NotEqual(t, IdempotencyKey(p, a), IdempotencyKey(p, b))
	assert.NotEqual(t, IdempotencyKey(p, a), IdempotencyKey(ordering.Partition{Kind: ordering.KindProducts, ParentID: 1}, a))
}
