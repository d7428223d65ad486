package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/campushq/messaging/pkg/logger"
)

const loggingTestSecret = "logging-test-secret"

func signTestToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(loggingTestSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func completionLog(t *testing.T, logs *observer.ObservedLogs) map[string]any {
	t.Helper()
	entries := logs.FilterMessage("request completed").All()
	if len(entries) != 1 {
		t.Fatalf("got %d completion logs, want 1", len(entries))
	}
	return entries[0].ContextMap()
}

func TestLoggingCarriesAuthenticatedUser(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := &logger.Logger{Logger: zap.New(core)}

	handler := Logging(log)(Auth(loggingTestSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "alice"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	fields := completionLog(t, logs)
	if fields["user_id"] != "alice" {
		t.Fatalf("user_id logged as %v, want alice", fields["user_id"])
	}
	if fields["status"] != int64(http.StatusOK) {
		t.Fatalf("status logged as %v", fields["status"])
	}
}

func TestLoggingWithoutCredential(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	log := &logger.Logger{Logger: zap.New(core)}

	handler := Logging(log)(Auth(loggingTestSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil))

	fields := completionLog(t, logs)
	if fields["user_id"] != "" {
		t.Fatalf("user_id logged as %v for an unauthenticated request", fields["user_id"])
	}
	if fields["status"] != int64(http.StatusUnauthorized) {
		t.Fatalf("status logged as %v, want 401", fields["status"])
	}
}
