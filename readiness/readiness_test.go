package readiness_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/vitwit/payfinder/mocks"
	"github.com/vitwit/payfinder/readiness"
	"github.com/vitwit/payfinder/types"
)

const bobPay = types.MethodID("https://bobpay.test/pay")

func bobPayApp(service string) *types.PaymentApp {
	candidate := &types.CandidateApp{
		PackageName:       "com.bobpay",
		Label:             "Bob Pay",
		DefaultMethod:     types.SomeMethod(bobPay),
		ReadyToPayService: service,
	}
	app := types.NewNativePaymentApp(candidate, "native")
	app.AddMethod(bobPay)
	return app
}

func testParams() *types.FactoryParams {
	return &types.FactoryParams{
		TopLevelOrigin:       "https://merchant.test",
		PaymentRequestOrigin: "https://merchant.test",
		MethodData: map[string]types.MethodData{
			"https://bobpay.test/pay/":  {SupportedMethod: "https://bobpay.test/pay/", Data: json.RawMessage(`{"merchantId":"42"}`)},
			"https://alicepay.test/pay": {SupportedMethod: "https://alicepay.test/pay"},
		},
	}
}

func TestClientIsReadyToPay(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockConnector(ctrl)

	connector.EXPECT().
		Call(gomock.Any(), "com.bobpay", "com.bobpay.IsReadyToPay", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, req *readiness.Request) (*readiness.Response, error) {
			assert.Equal(t, []string{string(bobPay)}, req.MethodNames)
			assert.JSONEq(t, `{"merchantId":"42"}`, string(req.MethodData[string(bobPay)]))
			assert.Equal(t, "https://merchant.test", req.TopLevelOrigin)
			return &readiness.Response{ReadyToPay: true}, nil
		})

	ready, err := readiness.NewClient(connector).IsReadyToPay(context.Background(), bobPayApp("com.bobpay.IsReadyToPay"), testParams())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestClientWithoutServiceIsReady(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockConnector(ctrl)

	ready, err := readiness.NewClient(connector).IsReadyToPay(context.Background(), bobPayApp(""), testParams())
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestClientRetriesUnavailableService(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockConnector(ctrl)

	gomock.InOrder(
		connector.EXPECT().Call(gomock.Any(), "com.bobpay", "svc", gomock.Any()).Return(nil, readiness.ErrServiceUnavailable),
		connector.EXPECT().Call(gomock.Any(), "com.bobpay", "svc", gomock.Any()).Return(&readiness.Response{ReadyToPay: false}, nil),
	)

	client := readiness.NewClient(connector, readiness.WithInitialInterval(time.Millisecond))
	ready, err := client.IsReadyToPay(context.Background(), bobPayApp("svc"), testParams())
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockConnector(ctrl)

	connector.EXPECT().Call(gomock.Any(), "com.bobpay", "svc", gomock.Any()).Return(nil, readiness.ErrServiceUnavailable).Times(3)

	client := readiness.NewClient(connector, readiness.WithInitialInterval(time.Millisecond), readiness.WithMaxRetries(2))
	_, err := client.IsReadyToPay(context.Background(), bobPayApp("svc"), testParams())
	require.Error(t, err)
	assert.Equal(t, types.ErrReadinessFailed, types.ErrorCode(err))
	assert.ErrorIs(t, err, readiness.ErrServiceUnavailable)
}

func TestClientDoesNotRetryPermanentErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockConnector(ctrl)

	connector.EXPECT().Call(gomock.Any(), "com.bobpay", "svc", gomock.Any()).Return(nil, errors.New("bad response")).Times(1)

	_, err := readiness.NewClient(connector).IsReadyToPay(context.Background(), bobPayApp("svc"), testParams())
	assert.Equal(t, types.ErrReadinessFailed, types.ErrorCode(err))
}

func TestClientTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	connector := mocks.NewMockConnector(ctrl)

	connector.EXPECT().
		Call(gomock.Any(), "com.bobpay", "svc", gomock.Any()).
		DoAndReturn(func(ctx context.Context, _, _ string, _ *readiness.Request) (*readiness.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		Times(1)

	client := readiness.NewClient(connector, readiness.WithTimeout(10*time.Millisecond), readiness.WithMaxRetries(0))
	_, err := client.IsReadyToPay(context.Background(), bobPayApp("svc"), testParams())
	assert.Equal(t, types.ErrReadinessFailed, types.ErrorCode(err))
}

func TestHTTPConnector(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bob/IsReadyToPay", func(w http.ResponseWriter, r *http.Request) {
		var req readiness.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(readiness.Response{ReadyToPay: len(req.MethodNames) == 1})
	})
	mux.HandleFunc("/busy/IsReadyToPay", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := readiness.NewHTTPConnector(map[string]string{"com.bobpay": srv.URL + "/bob/"})
	c.SetEndpoint("com.busy", srv.URL+"/busy")

	resp, err := c.Call(context.Background(), "com.bobpay", "IsReadyToPay", &readiness.Request{MethodNames: []string{string(bobPay)}})
	require.NoError(t, err)
	assert.True(t, resp.ReadyToPay)

	_, err = c.Call(context.Background(), "com.busy", "IsReadyToPay", &readiness.Request{})
	assert.ErrorIs(t, err, readiness.ErrServiceUnavailable)

	_, err = c.Call(context.Background(), "com.unknown", "IsReadyToPay", &readiness.Request{})
	assert.Error(t, err)
}
