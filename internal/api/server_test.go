package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/auth"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/dispatcher"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRegistry struct {
	identities  map[string]*registry.Identity
	code        string
	adminHash   string
	registerErr error
	checkErr    error
}

func (r *fakeRegistry) Register(ctx context.Context, in registry.RegisterInput) (*registry.Identity, error) {
	if r.registerErr != nil {
		return nil, r.registerErr
	}
	cpf := registry.NormalizeCPF(in.CPF)
	if !registry.ValidCPF(cpf) {
		return nil, registry.ErrInvalidCPF
	}
	if _, ok := r.identities[cpf]; ok {
		return nil, registry.ErrAlreadyRegistered
	}
	id := &registry.Identity{ID: "id-1", FullName: in.FullName, Phone: in.Phone, DOB: in.DOB, CPF: cpf, Email: in.Email}
	if r.identities == nil {
		r.identities = map[string]*registry.Identity{}
	}
	r.identities[cpf] = id
	return id, nil
}

func (r *fakeRegistry) ListResidents(ctx context.Context, page, pageSize int) ([]*registry.Identity, error) {
	if r.checkErr != nil {
		return nil, r.checkErr
	}
	var out []*registry.Identity
	for _, id := range r.identities {
		out = append(out, id)
	}
	return out, nil
}

func (r *fakeRegistry) ResidentCount(ctx context.Context) (int64, error) {
	if r.checkErr != nil {
		return 0, r.checkErr
	}
	return int64(len(r.identities)), nil
}

func (r *fakeRegistry) AccessCode(ctx context.Context) (string, error) {
	if r.checkErr != nil {
		return "", r.checkErr
	}
	if r.code == "" {
		return "", registry.ErrNoAccessCode
	}
	return r.code, nil
}

func (r *fakeRegistry) SetAccessCode(ctx context.Context, code string) error {
	if r.checkErr != nil {
		return r.checkErr
	}
	r.code = code
	return nil
}

func (r *fakeRegistry) AdminPasswordHash(ctx context.Context) (string, error) {
	if r.checkErr != nil {
		return "", r.checkErr
	}
	if r.adminHash == "" {
		return "", registry.ErrNotFound
	}
	return r.adminHash, nil
}

func (r *fakeRegistry) SetAdminPasswordHash(ctx context.Context, hash string) error {
	if r.checkErr != nil {
		return r.checkErr
	}
	r.adminHash = hash
	return nil
}

type fakeChecker struct {
	summary dispatcher.Summary
	err     error
	runs    int
	window  time.Duration
}

func (f *fakeChecker) Run(ctx context.Context, window time.Duration) (dispatcher.Summary, error) {
	f.runs++
	f.window = window
	return f.summary, f.err
}

func newTestServer(reg *fakeRegistry, checker *fakeChecker) (*Server, *gin.Engine) {
	s := NewServer(reg, checker, auth.NewJWTManager("test-secret", time.Hour))
	return s, s.Router()
}

func doJSON(router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.NewJWTManager("test-secret", time.Hour).GenerateToken()
	require.NoError(t, err)
	return token
}

func TestHealthz(t *testing.T) {
	_, router := newTestServer(&fakeRegistry{}, &fakeChecker{})
	w := doJSON(router, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterCreatesResident(t *testing.T) {
	reg := &fakeRegistry{}
	_, router := newTestServer(reg, &fakeChecker{})

	w := doJSON(router, http.MethodPost, "/api/register", "", gin.H{
		"fullName": "Maria Souza",
		"phone":    "11-99999-0000",
		"dob":      "1990-04-12",
		"cpf":      "529.982.247-25",
		"email":    "maria@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var got struct {
		Identity registry.Identity `json:"identity"`
		Code     string            `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, "52998224725", got.Identity.CPF)
	require.Empty(t, got.Code, "no code configured, none returned")
	require.Contains(t, reg.identities, "52998224725")
}

func TestRegisterReturnsCurrentCode(t *testing.T) {
	reg := &fakeRegistry{code: "4821"}
	_, router := newTestServer(reg, &fakeChecker{})

	w := doJSON(router, http.MethodPost, "/api/register", "", gin.H{
		"fullName": "Maria Souza",
		"phone":    "11-99999-0000",
		"dob":      "1990-04-12",
		"cpf":      "529.982.247-25",
		"email":    "maria@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), `"code":"4821"`)
}

func TestRegisterRejectsInvalidCPF(t *testing.T) {
	// Code configured: a rejected registration must never reveal it.
	reg := &fakeRegistry{code: "4821"}
	_, router := newTestServer(reg, &fakeChecker{})
	w := doJSON(router, http.MethodPost, "/api/register", "", gin.H{
		"fullName": "Maria", "phone": "1", "dob": "1990-01-01",
		"cpf": "111.111.111-11", "email": "m@example.com",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "CPF inválido")
	require.NotContains(t, w.Body.String(), "4821")
	require.NotContains(t, w.Body.String(), `"code"`)
	require.NotContains(t, w.Body.String(), `"identity"`)
}

func TestRegisterConflictOnDuplicate(t *testing.T) {
	reg := &fakeRegistry{
		identities: map[string]*registry.Identity{
			"52998224725": {CPF: "52998224725"},
		},
		code: "4821",
	}
	_, router := newTestServer(reg, &fakeChecker{})
	w := doJSON(router, http.MethodPost, "/api/register", "", gin.H{
		"fullName": "Maria", "phone": "1", "dob": "1990-01-01",
		"cpf": "529.982.247-25", "email": "m@example.com",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Contains(t, w.Body.String(), "CPF já cadastrado")
	require.NotContains(t, w.Body.String(), "4821")
	require.NotContains(t, w.Body.String(), `"identity"`)
}

func TestRegisterStorageDownLeaksNothing(t *testing.T) {
	reg := &fakeRegistry{
		registerErr: fmt.Errorf("%w: timeout", registry.ErrUnavailable),
		code:        "4821",
	}
	_, router := newTestServer(reg, &fakeChecker{})
	w := doJSON(router, http.MethodPost, "/api/register", "", gin.H{
		"fullName": "Maria", "phone": "1", "dob": "1990-01-01",
		"cpf": "529.982.247-25", "email": "m@example.com",
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NotContains(t, w.Body.String(), "4821")
	require.NotContains(t, w.Body.String(), `"identity"`)
}

func TestRegisterMissingFields(t *testing.T) {
	_, router := newTestServer(&fakeRegistry{}, &fakeChecker{})
	w := doJSON(router, http.MethodPost, "/api/register", "", gin.H{"fullName": "Maria"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminLoginIssuesToken(t *testing.T) {
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	reg := &fakeRegistry{adminHash: hash}
	_, router := newTestServer(reg, &fakeChecker{})

	w := doJSON(router, http.MethodPost, "/api/admin/login", "", gin.H{"password": "s3cret-pass"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	// The issued token opens the admin surface.
	w = doJSON(router, http.MethodGet, "/api/admin/access-code", resp.Token, nil)
	require.Equal(t, http.StatusNotFound, w.Code, "no code configured yet")
}

func TestAdminLoginWrongPassword(t *testing.T) {
	hash, err := auth.HashPassword("s3cret-pass")
	require.NoError(t, err)
	_, router := newTestServer(&fakeRegistry{adminHash: hash}, &fakeChecker{})

	w := doJSON(router, http.MethodPost, "/api/admin/login", "", gin.H{"password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminLoginUnconfigured(t *testing.T) {
	_, router := newTestServer(&fakeRegistry{}, &fakeChecker{})
	w := doJSON(router, http.MethodPost, "/api/admin/login", "", gin.H{"password": "anything"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	_, router := newTestServer(&fakeRegistry{}, &fakeChecker{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/admin/access-code"},
		{http.MethodPut, "/api/admin/access-code"},
		{http.MethodGet, "/api/admin/residents"},
		{http.MethodPost, "/api/check-inbox"},
	} {
		w := doJSON(router, tc.method, tc.path, "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", tc.method, tc.path)

		w = doJSON(router, tc.method, tc.path, "bogus-token", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, "%s %s with bad token", tc.method, tc.path)
	}
}

func TestAccessCodeRoundTrip(t *testing.T) {
	reg := &fakeRegistry{}
	_, router := newTestServer(reg, &fakeChecker{})
	token := adminToken(t)

	w := doJSON(router, http.MethodPut, "/api/admin/access-code", token, gin.H{"code": "7741"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/admin/access-code", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "7741", resp.Code)
}

func TestSetAdminPasswordEnforcesMinLength(t *testing.T) {
	_, router := newTestServer(&fakeRegistry{}, &fakeChecker{})

	w := doJSON(router, http.MethodPost, "/api/admin/password", "", gin.H{"password": "short"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/api/admin/password", "", gin.H{"password": "long-enough-pass"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestFirstBootPasswordSetThenLogin(t *testing.T) {
	reg := &fakeRegistry{}
	_, router := newTestServer(reg, &fakeChecker{})

	// No password stored yet: the initial set needs no token.
	w := doJSON(router, http.MethodPost, "/api/admin/password", "", gin.H{"password": "nova-senha-123"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/api/admin/login", "", gin.H{"password": "nova-senha-123"})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestChangePasswordRequiresToken(t *testing.T) {
	hash, err := auth.HashPassword("senha-antiga-1")
	require.NoError(t, err)
	reg := &fakeRegistry{adminHash: hash}
	_, router := newTestServer(reg, &fakeChecker{})

	w := doJSON(router, http.MethodPost, "/api/admin/password", "", gin.H{"password": "senha-nova-1234"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, http.MethodPost, "/api/admin/password", "bogus", gin.H{"password": "senha-nova-1234"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, http.MethodPost, "/api/admin/password", adminToken(t), gin.H{"password": "senha-nova-1234"})
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, auth.VerifyPassword("senha-nova-1234", reg.adminHash))
}

func TestListResidents(t *testing.T) {
	reg := &fakeRegistry{identities: map[string]*registry.Identity{
		"52998224725": {ID: "a", FullName: "Maria", CPF: "52998224725"},
		"12345678909": {ID: "b", FullName: "João", CPF: "12345678909"},
	}}
	_, router := newTestServer(reg, &fakeChecker{})

	w := doJSON(router, http.MethodGet, "/api/admin/residents?page=1&limit=10", adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Residents []*registry.Identity `json:"residents"`
		Total     int64                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Residents, 2)
	require.EqualValues(t, 2, resp.Total)
}

func TestCheckInboxReportsSummary(t *testing.T) {
	checker := &fakeChecker{summary: dispatcher.Summary{
		Searched: 3,
		Counts: map[dispatcher.Outcome]int{
			dispatcher.OutcomeRepliedSuccess: 1,
			dispatcher.OutcomeSkippedNoTag:   2,
		},
		Elapsed: 250 * time.Millisecond,
	}}
	_, router := newTestServer(&fakeRegistry{}, checker)

	w := doJSON(router, http.MethodPost, "/api/check-inbox", adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, checker.runs)
	require.Contains(t, w.Body.String(), `"searched":3`)
	require.Contains(t, w.Body.String(), "replied_success")
}

func TestCheckInboxMailboxDown(t *testing.T) {
	checker := &fakeChecker{err: fmt.Errorf("imap connect: refused")}
	_, router := newTestServer(&fakeRegistry{}, checker)

	w := doJSON(router, http.MethodPost, "/api/check-inbox", adminToken(t), nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestStorageUnavailableMapsTo503(t *testing.T) {
	reg := &fakeRegistry{checkErr: fmt.Errorf("%w: timeout", registry.ErrUnavailable)}
	_, router := newTestServer(reg, &fakeChecker{})
	token := adminToken(t)

	w := doJSON(router, http.MethodGet, "/api/admin/access-code", token, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doJSON(router, http.MethodGet, "/api/admin/residents", token, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
