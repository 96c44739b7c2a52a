// Integration tests for the entitystore gRPC server
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/nainya/entitystore/internal/logger"
	"github.com/nainya/entitystore/internal/metrics"
	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/store"
)

const bufSize = 1024 * 1024

type wireResult struct {
	Data       []map[string]interface{} `json:"data"`
	TotalCount *int                     `json:"totalCount"`
	Errors     []struct {
		Message    string                 `json:"message"`
		Extensions map[string]interface{} `json:"extensions"`
	} `json:"errors"`
	Extensions struct {
		RequestID string `json:"requestId"`
		State     string `json:"state"`
		Telemetry struct {
			Start     int64 `json:"start"`
			SpentTime int64 `json:"spentTime"`
		} `json:"telemetry"`
	} `json:"extensions"`
}

func setupTestServer(t *testing.T) *Client {
	t.Helper()

	st := store.New()
	product := entity.NewSchema("Product").
		WithAttribute(entity.AttributeSchema{Name: "code", Mandatory: true, Unique: true}).
		WithAttribute(entity.AttributeSchema{Name: "name", Localized: true}).
		WithReference(entity.ReferenceSchema{
			Name:       "brand",
			TargetType: "Brand",
			Attributes: map[string]*entity.AttributeSchema{"market": {Name: "market"}},
		})
	product.WithPrice = true
	require.NoError(t, st.DefineCollection(product))
	require.NoError(t, st.DefineCollection(entity.NewSchema("Brand").
		WithAttribute(entity.AttributeSchema{Name: "code", Unique: true})))

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWith(reg)
	t.Cleanup(m.Close)
	log := logger.NewLogger(logger.Config{Level: "error", Output: io.Discard})

	srv := NewServer(st, Options{MaxInFlight: 4, Logger: log, Metrics: m})

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, log)))
	RegisterEntityStoreServer(grpcServer, srv)
	go func() {
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
	})
	return NewClient(conn)
}

func mutate(t *testing.T, client *Client, body string) wireResult {
	t.Helper()
	raw, err := client.Mutate(context.Background(), []byte(body))
	require.NoError(t, err)
	var res wireResult
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

func runQueryBatch(t *testing.T, client *Client, body string) []wireResult {
	t.Helper()
	raw, err := client.Query(context.Background(), []byte(body))
	require.NoError(t, err)
	var out struct {
		Results []wireResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out.Results
}

func seed(t *testing.T, client *Client) {
	t.Helper()
	res := mutate(t, client, `{"collection":"Brand","primaryKey":7,"mutations":[{"upsertAttribute":{"name":"code","value":"acme"}}]}`)
	require.Empty(t, res.Errors)

	res = mutate(t, client, `{
		"collection": "Product",
		"entityExistence": "MUST_NOT_EXIST",
		"locale": "en",
		"mutations": [
			{"upsertAttribute": {"name": "code", "value": "pwoa"}},
			{"upsertAttribute": {"name": "name", "locale": "en", "value": "Product"}},
			{"upsertPrice": {"priceId": 1, "priceList": "basic", "currency": "CZK", "priceWithTax": "121", "priceWithoutTax": "100", "taxRate": "21"}},
			{"insertReference": {"name": "brand", "primaryKey": 7}},
			{"upsertReferenceAttribute": {"name": "brand", "primaryKey": 7, "attribute": {"name": "market", "value": "EU"}}}
		],
		"fetch": ["primaryKey", "version", {"attributes": {"names": ["code", "name"]}},
			{"references": {"name": "brand", "attributes": ["market"], "entity": [{"attributes": {"names": ["code"]}}]}}]
	}`)
	require.Empty(t, res.Errors)
	require.Len(t, res.Data, 1)
	assert.Equal(t, float64(1), res.Data[0]["primaryKey"])
}

func TestMutateAndQuery(t *testing.T) {
	client := setupTestServer(t)
	seed(t, client)

	raw, err := client.Query(context.Background(), []byte(`{"queries":[{
		"collection": "Product",
		"locale": "en",
		"filterBy": {"priceInCurrency": "CZK", "priceInPriceLists": ["basic"]},
		"require": {"totalCount": true, "fetch": [
			{"attributes": {"names": ["name", "code"]}},
			{"priceForSale": {}},
			"primaryKey"
		]}
	}]}`))
	require.NoError(t, err)

	var out struct {
		Results []json.RawMessage `json:"results"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Results, 1)

	// field order follows the request
	var res struct {
		Data []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Results[0], &res))
	require.Len(t, res.Data, 1)
	assert.Regexp(t, `^\{"attributes":\{"name":"Product","code":"pwoa"\},"priceForSale":\{"priceId":1,"priceList":"basic","currency":"CZK",.*\},"primaryKey":1\}$`, string(res.Data[0]))

	var decoded wireResult
	require.NoError(t, json.Unmarshal(out.Results[0], &decoded))
	assert.Equal(t, 1, *decoded.TotalCount)
	assert.Equal(t, "COMPLETED", decoded.Extensions.State)
	assert.NotEmpty(t, decoded.Extensions.RequestID)
	assert.NotZero(t, decoded.Extensions.Telemetry.Start)
}

func TestQueryBatchReportsErrorsInBand(t *testing.T) {
	client := setupTestServer(t)
	seed(t, client)

	results := runQueryBatch(t, client, `{"queries":[
		{"collection": "Product", "filterBy": {"attributeEquals": {"name": "code", "value": "pwoa"}}},
		{"collection": "Product", "filterBy": {"bogus": 1}, "require": {"fetch": [{"whatever": {}}]}},
		{"collection": "Product", "require": {"page": {"number": 1, "size": 5}, "strip": {"offset": 0, "limit": 5},
			"fetch": [{"priceForSale": {"currency": "CZK", "priceLists": ["basic"], "formatted": true}}]}}
	]}`)
	require.Len(t, results, 3)

	assert.Empty(t, results[0].Errors)
	assert.Len(t, results[0].Data, 1)

	assert.Nil(t, results[1].Data)
	assert.Len(t, results[1].Errors, 2)
	assert.Equal(t, "FAILED", results[1].Extensions.State)

	assert.Nil(t, results[2].Data)
	require.Len(t, results[2].Errors, 2)
	for _, e := range results[2].Errors {
		assert.Equal(t, "validation", e.Extensions["classification"])
	}
}

func TestMalformedEntryStaysInBand(t *testing.T) {
	client := setupTestServer(t)
	seed(t, client)

	results := runQueryBatch(t, client, `{"queries":[{"collection":"Product"},{"collection":123}]}`)
	require.Len(t, results, 2)

	assert.Empty(t, results[0].Errors)
	assert.Len(t, results[0].Data, 1)
	assert.Equal(t, "COMPLETED", results[0].Extensions.State)

	assert.Nil(t, results[1].Data)
	require.Len(t, results[1].Errors, 1)
	assert.Equal(t, "queries[1]", results[1].Errors[0].Extensions["field"])
	assert.Equal(t, "FAILED", results[1].Extensions.State)
}

func TestDeleteWithUnboundedStrip(t *testing.T) {
	client := setupTestServer(t)
	seed(t, client)

	raw, err := client.Delete(context.Background(),
		[]byte(`{"collection":"Product","require":{"strip":{"offset":0,"limit":9223372036854775807},"fetch":["primaryKey"]}}`))
	require.NoError(t, err)
	var res wireResult
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Empty(t, res.Errors)
	assert.Len(t, res.Data, 1)

	raw, err = client.Delete(context.Background(),
		[]byte(`{"collection":"Product","require":{"page":{"number":9223372036854775807,"size":9223372036854775807}}}`))
	require.NoError(t, err)
	res = wireResult{}
	require.NoError(t, json.Unmarshal(raw, &res))
	assert.Len(t, res.Errors, 1)
}

func TestInterceptorRecoversPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWith(reg)
	defer m.Close()
	intercept := GrpcMetricsInterceptor(m, logger.NewLogger(logger.Config{Output: io.Discard}))

	info := &grpc.UnaryServerInfo{FullMethod: methodDelete}
	resp, err := intercept(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		panic("boom")
	})
	assert.Nil(t, resp)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GrpcRequestsTotal.WithLabelValues(methodDelete, codes.Internal.String())))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.GrpcRequestsInFlight))
}

func TestMalformedPayload(t *testing.T) {
	client := setupTestServer(t)

	_, err := client.Query(context.Background(), []byte(`{"queries": [`))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Query(context.Background(), []byte(`{"queries": []}`))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Mutate(context.Background(), []byte(`{"collection": 5}`))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestMutationValidation(t *testing.T) {
	client := setupTestServer(t)

	res := mutate(t, client, `{"collection":"Product","mutations":[{"upsertAttribute":{"name":"name","value":"x"}}]}`)
	assert.Nil(t, res.Data)
	require.NotEmpty(t, res.Errors)
	fields := make([]interface{}, len(res.Errors))
	for i, e := range res.Errors {
		fields[i] = e.Extensions["field"]
	}
	assert.Contains(t, fields, "attributes.code")

	res = mutate(t, client, `{"collection":"Product","action":"explode","mutations":[{"teleport":{}}]}`)
	assert.Len(t, res.Errors, 2)
}

func TestDeleteAndStats(t *testing.T) {
	client := setupTestServer(t)
	seed(t, client)

	raw, err := client.Delete(context.Background(), []byte(`{"collection":"Product","filterBy":{"primaryKeyInSet":[1]},"require":{"fetch":["primaryKey"]}}`))
	require.NoError(t, err)
	var res wireResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Len(t, res.Data, 1)

	results := runQueryBatch(t, client, `{"queries":[{"collection":"Product"}]}`)
	assert.Empty(t, results[0].Data)
	assert.Empty(t, results[0].Errors)

	stats, err := client.Stats(context.Background())
	require.NoError(t, err)
	collections := stats.AsMap()["collections"].([]interface{})
	require.Len(t, collections, 2)
	brand := collections[0].(map[string]interface{})
	assert.Equal(t, "Brand", brand["name"])
	assert.Equal(t, float64(1), brand["live"])
	product := collections[1].(map[string]interface{})
	assert.Equal(t, float64(0), product["live"])
	assert.Equal(t, float64(4), stats.AsMap()["maxInFlight"])
}

func TestArchiveOverWire(t *testing.T) {
	client := setupTestServer(t)
	seed(t, client)

	res := mutate(t, client, `{"collection":"Product","primaryKey":1,"action":"archive","fetch":["scope"]}`)
	require.Empty(t, res.Errors)
	assert.Equal(t, "ARCHIVED", res.Data[0]["scope"])

	results := runQueryBatch(t, client, `{"queries":[
		{"collection":"Product"},
		{"collection":"Product","filterBy":{"scope":["ARCHIVED"]}}
	]}`)
	assert.Empty(t, results[0].Data)
	assert.Len(t, results[1].Data, 1)
}

func TestObservabilityEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWith(reg)
	defer m.Close()
	m.RecordQuery("Product", "completed", 0)

	o := NewObservabilityServer(0, reg, logger.NewLogger(logger.Config{Output: io.Discard}))
	ts := httptest.NewServer(o.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	o.SetReady(true)
	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "entitystore_queries_total")
}
