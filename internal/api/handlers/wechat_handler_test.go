package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sillymd/hub/internal/models"
	"github.com/sillymd/hub/internal/service"
)

type fakePayloadDecoder struct {
	result    *service.DecodeResult
	decodeErr error

	verifyPlain string
	verifyErr   error
	gotEchostr  string
}

func (f *fakePayloadDecoder) DecodeEvent(_ context.Context, _ *models.Tenant, body []byte, _ service.SignatureParams) (*service.DecodeResult, error) {
	if f.decodeErr != nil {
		return nil, f.decodeErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &service.DecodeResult{Plaintext: string(body)}, nil
}

func (f *fakePayloadDecoder) VerifyURL(_ context.Context, _ *models.Tenant, echostr string, _ service.SignatureParams) (string, error) {
	f.gotEchostr = echostr
	return f.verifyPlain, f.verifyErr
}

func wechatMux(h *WeChatHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook/wechat/{apiKey}", h.Verify)
	mux.HandleFunc("POST /webhook/wechat/{apiKey}", h.Event)
	return mux
}

func wechatTenant() *models.Tenant {
	return &models.Tenant{
		ID:        uuid.Must(uuid.NewV7()),
		AccountID: 1,
		APIKey:    "wxkey",
		Crypto:    &models.ProviderCrypto{Token: "t", EncodingKey: "k", CorpID: "c"},
	}
}

func newWeChatHandler(tenant *models.Tenant, decoder *fakePayloadDecoder, records *fakeRecordInserter, quota *fakeQuotaChecker, dispatcher *fakeDispatcher) *WeChatHandler {
	tenants := map[string]*models.Tenant{}
	if tenant != nil {
		tenants[tenant.APIKey] = tenant
	}
	return NewWeChatHandler(&fakeTenantResolver{tenants: tenants}, records, quota, decoder, dispatcher, nil)
}

func TestWeChatVerify(t *testing.T) {
	decoder := &fakePayloadDecoder{verifyPlain: "echo-plain"}
	h := newWeChatHandler(wechatTenant(), decoder, &fakeRecordInserter{}, &fakeQuotaChecker{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodGet,
		"/webhook/wechat/wxkey?msg_signature=sig&timestamp=1&nonce=n&echostr=abc%2Bdef", nil)
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "echo-plain", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/plain")
	// %2B decodes to '+' and must survive.
	assert.Equal(t, "abc+def", decoder.gotEchostr)
}

func TestWeChatVerifyRepairsPlusSigns(t *testing.T) {
	decoder := &fakePayloadDecoder{verifyPlain: "ok"}
	h := newWeChatHandler(wechatTenant(), decoder, &fakeRecordInserter{}, &fakeQuotaChecker{}, &fakeDispatcher{})

	// A raw '+' in the query decodes to a space; the handler repairs it.
	req := httptest.NewRequest(http.MethodGet,
		"/webhook/wechat/wxkey?msg_signature=sig&timestamp=1&nonce=n&echostr=abc+def", nil)
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "abc+def", decoder.gotEchostr)
}

func TestWeChatVerifyDecryptFailureIs403(t *testing.T) {
	decoder := &fakePayloadDecoder{verifyErr: errors.New("bad key")}
	h := newWeChatHandler(wechatTenant(), decoder, &fakeRecordInserter{}, &fakeQuotaChecker{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/webhook/wechat/wxkey?echostr=abc", nil)
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestWeChatVerifyUnconfiguredTenantIs400(t *testing.T) {
	tenant := wechatTenant()
	tenant.Crypto = nil

	h := newWeChatHandler(tenant, &fakePayloadDecoder{}, &fakeRecordInserter{}, &fakeQuotaChecker{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/webhook/wechat/wxkey?echostr=abc", nil)
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWeChatEventAcksAndDispatches(t *testing.T) {
	decoder := &fakePayloadDecoder{result: &service.DecodeResult{
		Decrypted: true,
		Plaintext: "<xml>decoded</xml>",
		Event:     &models.ProviderEvent{MsgType: "text", Content: "hi"},
	}}
	records := &fakeRecordInserter{}
	quota := &fakeQuotaChecker{status: allowedStatus(30_000, 10)}
	dispatcher := &fakeDispatcher{}

	h := newWeChatHandler(wechatTenant(), decoder, records, quota, dispatcher)

	req := httptest.NewRequest(http.MethodPost,
		"/webhook/wechat/wxkey?msg_signature=sig&timestamp=1&nonce=n",
		strings.NewReader("<xml><Encrypt>opaque</Encrypt></xml>"))
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `<xml><ReturnCode>0</ReturnCode></xml>`, rr.Body.String())
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))

	require.Len(t, records.records, 1)
	require.Len(t, dispatcher.tasks, 1)
	require.NotNil(t, dispatcher.tasks[0].Decode)
	assert.True(t, dispatcher.tasks[0].Decode.Decrypted)
	assert.Equal(t, 1, quota.recorded)
}

func TestWeChatEventMissingSignatureParamsIs422(t *testing.T) {
	h := newWeChatHandler(wechatTenant(), &fakePayloadDecoder{}, &fakeRecordInserter{}, &fakeQuotaChecker{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/wechat/wxkey?msg_signature=sig",
		strings.NewReader("<xml/>"))
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestWeChatEventFallsBackToSignatureParam(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	h := newWeChatHandler(wechatTenant(), &fakePayloadDecoder{}, &fakeRecordInserter{},
		&fakeQuotaChecker{status: allowedStatus(30_000, 10)}, dispatcher)

	req := httptest.NewRequest(http.MethodPost,
		"/webhook/wechat/wxkey?signature=sig&timestamp=1&nonce=n", strings.NewReader("<xml/>"))
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, dispatcher.tasks, 1)
}

func TestWeChatEventOverQuotaStillAcks(t *testing.T) {
	limit := int64(30_000)
	quota := &fakeQuotaChecker{status: &models.QuotaStatus{Allowed: false, Tier: models.TierNormal, Limit: &limit, Used: limit}}
	records := &fakeRecordInserter{}
	dispatcher := &fakeDispatcher{}

	h := newWeChatHandler(wechatTenant(), &fakePayloadDecoder{}, records, quota, dispatcher)

	req := httptest.NewRequest(http.MethodPost,
		"/webhook/wechat/wxkey?msg_signature=sig&timestamp=1&nonce=n", strings.NewReader("<xml/>"))
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	// The provider is acknowledged but nothing is stored or delivered.
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `<xml><ReturnCode>0</ReturnCode></xml>`, rr.Body.String())
	assert.Empty(t, records.records)
	assert.Empty(t, dispatcher.tasks)
}

func TestWeChatEventStrictDecodeErrorStillAcks(t *testing.T) {
	decoder := &fakePayloadDecoder{decodeErr: errors.New("signature mismatch")}
	records := &fakeRecordInserter{}
	dispatcher := &fakeDispatcher{}

	h := newWeChatHandler(wechatTenant(), decoder, records,
		&fakeQuotaChecker{status: allowedStatus(30_000, 10)}, dispatcher)

	req := httptest.NewRequest(http.MethodPost,
		"/webhook/wechat/wxkey?msg_signature=sig&timestamp=1&nonce=n", strings.NewReader("<xml/>"))
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `<xml><ReturnCode>0</ReturnCode></xml>`, rr.Body.String())
	assert.Empty(t, dispatcher.tasks)
}

func TestWeChatEventUnknownKeyIs404(t *testing.T) {
	h := newWeChatHandler(nil, &fakePayloadDecoder{}, &fakeRecordInserter{}, &fakeQuotaChecker{}, &fakeDispatcher{})

	req := httptest.NewRequest(http.MethodPost,
		"/webhook/wechat/nope?msg_signature=sig&timestamp=1&nonce=n", strings.NewReader("<xml/>"))
	rr := httptest.NewRecorder()

	wechatMux(h).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
