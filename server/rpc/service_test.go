package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"connectrpc.com/connect"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/holos-run/token-verifier/verifier"
)

// recordingVerifier accepts exactly one token and records every call.
type recordingVerifier struct {
	valid string

	mu    sync.Mutex
	calls []verifyCall
}

type verifyCall struct {
	Token string
	Opts  verifier.Options
}

func (r *recordingVerifier) Verify(_ context.Context, token string, opts verifier.Options) verifier.Result {
	r.mu.Lock()
	r.calls = append(r.calls, verifyCall{Token: token, Opts: opts})
	r.mu.Unlock()
	if token != "" && token == r.valid {
		return verifier.Valid()
	}
	return verifier.Invalid()
}

func (r *recordingVerifier) lastCall(t *testing.T) verifyCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		t.Fatal("verifier was not called")
	}
	return r.calls[len(r.calls)-1]
}

func newTestService(t *testing.T, v TokenVerifier, opts ...connect.HandlerOption) *httptest.Server {
	t.Helper()
	path, handler := NewHandler(v, VersionInfo{Version: "1.2.3", GitCommit: "abc123"}, opts...)
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVerify(t *testing.T) {
	fake := &recordingVerifier{valid: "good-token"}
	srv := newTestService(t, fake)
	client := NewClient(srv.Client(), srv.URL)

	tests := []struct {
		name     string
		req      VerifyRequest
		want     verifier.Result
		wantCall verifyCall
	}{
		{
			name:     "valid token",
			req:      VerifyRequest{Token: "good-token", ExpectedAudience: "c:n:a"},
			want:     verifier.Result{Valid: true},
			wantCall: verifyCall{Token: "good-token", Opts: verifier.Options{ExpectedAudience: "c:n:a"}},
		},
		{
			name: "invalid token",
			req:  VerifyRequest{Token: "foo", ExpectedAudience: "c:n:a", ExpectedIssuer: "default"},
			want: verifier.Result{Valid: false, Error: verifier.FailureMessage},
			wantCall: verifyCall{
				Token: "foo",
				Opts:  verifier.Options{ExpectedAudience: "c:n:a", ExpectedIssuer: "default"},
			},
		},
		{
			name:     "empty token",
			req:      VerifyRequest{},
			want:     verifier.Result{Valid: false, Error: verifier.FailureMessage},
			wantCall: verifyCall{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.Verify(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Verify() mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantCall, fake.lastCall(t)); diff != "" {
				t.Errorf("verifier call mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestVerify_BearerToken(t *testing.T) {
	fake := &recordingVerifier{valid: "good-token"}
	srv := newTestService(t, fake)
	client := NewClient(srv.Client(), srv.URL)

	// Given a request with an empty body token and a bearer credential
	// When Verify is called
	got, err := client.VerifyBearer(context.Background(), "good-token", verifier.Options{ExpectedAudience: "c:n:a"})
	if err != nil {
		t.Fatalf("VerifyBearer() error = %v", err)
	}

	// Then the header token is verified
	if !got.Valid {
		t.Errorf("VerifyBearer() = %+v, want valid", got)
	}
	if call := fake.lastCall(t); call.Token != "good-token" {
		t.Errorf("verified token = %q, want %q", call.Token, "good-token")
	}
}

func TestVerify_BodyTokenWins(t *testing.T) {
	fake := &recordingVerifier{valid: "good-token"}
	srv := newTestService(t, fake)
	client := NewClient(srv.Client(), srv.URL)

	req := connect.NewRequest(&VerifyRequest{Token: "body-token"})
	req.Header().Set("Authorization", "Bearer good-token")
	resp, err := client.verify.CallUnary(context.Background(), req)
	if err != nil {
		t.Fatalf("CallUnary() error = %v", err)
	}
	if resp.Msg.Valid {
		t.Error("expected the body token to be verified, not the header token")
	}
	if call := fake.lastCall(t); call.Token != "body-token" {
		t.Errorf("verified token = %q, want %q", call.Token, "body-token")
	}
}

func TestVerify_PlainJSON(t *testing.T) {
	fake := &recordingVerifier{valid: "good-token"}
	srv := newTestService(t, fake)

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "valid",
			body: `{"token":"good-token","expected_audience":"c:n:a"}`,
			want: `{"valid":true}`,
		},
		{
			name: "invalid",
			body: `{"token":"foo"}`,
			want: `{"valid":false,"error":"token verification failed"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := srv.Client().Post(srv.URL+VerifyProcedure, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("reading body: %v", err)
			}
			if got := string(bytes.TrimSpace(body)); got != tt.want {
				t.Errorf("body = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGetVersion(t *testing.T) {
	srv := newTestService(t, &recordingVerifier{})
	client := NewClient(srv.Client(), srv.URL)

	got, err := client.GetVersion(context.Background())
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	want := VersionInfo{Version: "1.2.3", GitCommit: "abc123"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetVersion() mismatch (-want +got):\n%s", diff)
	}
}

func TestInterceptors(t *testing.T) {
	reg := prometheus.NewRegistry()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	srv := newTestService(t, &recordingVerifier{valid: "good-token"},
		connect.WithInterceptors(LoggingInterceptor(logger), MetricsInterceptor(reg)),
	)
	client := NewClient(srv.Client(), srv.URL)

	for _, token := range []string{"good-token", "bad-token"} {
		if _, err := client.Verify(context.Background(), VerifyRequest{Token: token}); err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
	}

	t.Run("metrics", func(t *testing.T) {
		// Invalid tokens are successful calls.
		expected := `
# HELP rpc_requests_total Total number of RPC requests by procedure and code.
# TYPE rpc_requests_total counter
rpc_requests_total{code="ok",procedure="/tokenverifier.v1.VerifierService/Verify"} 2
`
		if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "rpc_requests_total"); err != nil {
			t.Error(err)
		}
		n, err := testutil.GatherAndCount(reg, "rpc_request_duration_seconds")
		if err != nil {
			t.Fatalf("GatherAndCount() error = %v", err)
		}
		if n != 1 {
			t.Errorf("rpc_request_duration_seconds series = %d, want 1", n)
		}
	})

	t.Run("logs", func(t *testing.T) {
		lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("got %d log lines, want 2:\n%s", len(lines), logs.String())
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		if entry["msg"] != "rpc call" {
			t.Errorf("msg = %v, want %q", entry["msg"], "rpc call")
		}
		if entry["procedure"] != VerifyProcedure {
			t.Errorf("procedure = %v, want %q", entry["procedure"], VerifyProcedure)
		}
		// Tokens are credentials and never logged.
		if strings.Contains(logs.String(), "good-token") {
			t.Error("log output contains the token")
		}
	})
}

func TestMetricsInterceptor_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	MetricsInterceptor(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	MetricsInterceptor(reg)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "absent", header: "", want: ""},
		{name: "bearer", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "lowercase scheme", header: "bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", want: ""},
		{name: "empty bearer", header: "Bearer ", want: ""},
		{name: "scheme only", header: "Bearer", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Authorization", tt.header)
			}
			if got := bearerToken(h); got != tt.want {
				t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}
