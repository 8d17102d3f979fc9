package transmit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gr33njj/lis-mini/internal/domain/model"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupDownstream создаёт mock внешней системы.
func setupDownstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

// recordingSleeper запоминает запрошенные паузы, не ожидая реально.
type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestRecord(t *testing.T, content string) *model.ProcessingRecord {
	t.Helper()
	path := filepath.Join(t.TempDir(), "A-100.pdf")
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
	return &model.ProcessingRecord{
		ID:       "rec-1",
		OrderRef: "A-100",
		FileName: "A-100.pdf",
		FilePath: path,
	}
}

func newTestClient(t *testing.T, url string, maxRetries int) (*Client, *recordingSleeper) {
	t.Helper()
	c, err := New(Options{
		URL:        url,
		Token:      "secret",
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
		BaseDelay:  5 * time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("New() ошибка: %v", err)
	}
	s := &recordingSleeper{}
	c.SetSleeper(s.sleep)
	return c, s
}

// TestSend_Payload проверяет формат запроса и разбор ответа.
func TestSend_Payload(t *testing.T) {
	server := setupDownstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("метод = %s, хотели POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}

		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("декодирование тела: %v", err)
			return
		}
		if p.OrderNo != "A-100" || p.FileName != "A-100.pdf" || !p.SendEmail {
			t.Errorf("payload = %+v", p)
		}
		raw, _ := base64.StdEncoding.DecodeString(p.FileBase64)
		if string(raw) != "%PDF-1.4" {
			t.Errorf("содержимое = %q", raw)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{DocRef: "DOC-77", Email: "patient@example.com"})
	})

	c, _ := newTestClient(t, server.URL, 0)
	resp, err := c.Send(context.Background(), newTestRecord(t, "%PDF-1.4"))
	if err != nil {
		t.Fatalf("Send() ошибка: %v", err)
	}
	if resp.DocRef != "DOC-77" || resp.Email != "patient@example.com" {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "статус 500",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.StatusCode != 500 {
					t.Errorf("ожидали StatusError 500, получили %v", err)
				}
			},
		},
		{
			name: "без docRef",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{"email":"x@example.com"}`))
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrEmptyReference) {
					t.Errorf("ожидали ErrEmptyReference, получили %v", err)
				}
			},
		},
		{
			name: "невалидный JSON",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`not json`))
			},
			check: func(t *testing.T, err error) {
				if err == nil {
					t.Error("ожидалась ошибка декодирования")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupDownstream(t, tt.handler)
			c, _ := newTestClient(t, server.URL, 0)
			_, err := c.Send(context.Background(), newTestRecord(t, "x"))
			tt.check(t, err)
		})
	}
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := setupDownstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c, _ := newTestClient(t, server.URL, 0)
	c.opts.Timeout = 50 * time.Millisecond

	if _, err := c.Send(context.Background(), newTestRecord(t, "x")); err == nil {
		t.Fatal("ожидалась ошибка по таймауту")
	}
}

// TestSendWithRetry_ExhaustsWithLinearDelays проверяет границу числа попыток
// и линейные паузы BaseDelay×k.
func TestSendWithRetry_ExhaustsWithLinearDelays(t *testing.T) {
	var calls atomic.Int32
	server := setupDownstream(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	c, sleeper := newTestClient(t, server.URL, 3)

	var attempts []int
	result, err := c.SendWithRetry(context.Background(), newTestRecord(t, "x"), func(n int, _ error) {
		attempts = append(attempts, n)
	})
	if err == nil {
		t.Fatal("ожидалась ошибка после исчерпания попыток")
	}
	if result.Attempts != 4 || calls.Load() != 4 {
		t.Errorf("Attempts = %d, вызовов = %d, хотели 4", result.Attempts, calls.Load())
	}
	if result.Response != nil {
		t.Error("Response должен быть nil")
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	if len(sleeper.delays) != len(want) {
		t.Fatalf("пауз %d, хотели %d", len(sleeper.delays), len(want))
	}
	for i := range want {
		if sleeper.delays[i] != want[i] {
			t.Errorf("пауза %d = %v, хотели %v", i+1, sleeper.delays[i], want[i])
		}
	}
	if len(attempts) != 4 || attempts[0] != 1 || attempts[3] != 4 {
		t.Errorf("номера попыток = %v", attempts)
	}
}

func TestSendWithRetry_SucceedsOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	server := setupDownstream(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Response{DocRef: "DOC-2"})
	})

	c, sleeper := newTestClient(t, server.URL, 3)
	result, err := c.SendWithRetry(context.Background(), newTestRecord(t, "x"), nil)
	if err != nil {
		t.Fatalf("SendWithRetry() ошибка: %v", err)
	}
	if result.Attempts != 2 || result.Response.DocRef != "DOC-2" {
		t.Errorf("result = %+v", result)
	}
	if len(sleeper.delays) != 1 || sleeper.delays[0] != 5*time.Second {
		t.Errorf("паузы = %v", sleeper.delays)
	}
}

// TestSendWithRetry_SourceMissing проверяет, что отсутствие файла не повторяется.
func TestSendWithRetry_SourceMissing(t *testing.T) {
	var calls atomic.Int32
	server := setupDownstream(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	})

	c, sleeper := newTestClient(t, server.URL, 3)
	rec := newTestRecord(t, "x")
	rec.FilePath = filepath.Join(t.TempDir(), "gone.pdf")

	result, err := c.SendWithRetry(context.Background(), rec, nil)
	if !errors.Is(err, ErrSourceMissing) {
		t.Fatalf("ожидали ErrSourceMissing, получили %v", err)
	}
	if result.Attempts != 1 || len(sleeper.delays) != 0 || calls.Load() != 0 {
		t.Errorf("attempts=%d delays=%v calls=%d", result.Attempts, sleeper.delays, calls.Load())
	}
}

// TestSendWithRetry_SleepCancelled проверяет прерывание ожидания повтора.
func TestSendWithRetry_SleepCancelled(t *testing.T) {
	server := setupDownstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c, _ := newTestClient(t, server.URL, 3)
	c.SetSleeper(func(context.Context, time.Duration) error { return context.Canceled })

	result, err := c.SendWithRetry(context.Background(), newTestRecord(t, "x"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали context.Canceled, получили %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, хотели 1", result.Attempts)
	}
}

func TestNew_BadCACert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	os.WriteFile(path, []byte("not a cert"), 0o640)

	if _, err := New(Options{URL: "https://x", CACertPath: path}, testLogger()); err == nil {
		t.Error("ожидалась ошибка для невалидного CA")
	}
	if _, err := New(Options{URL: "https://x", CACertPath: path + ".missing"}, testLogger()); err == nil {
		t.Error("ожидалась ошибка для отсутствующего CA")
	}
}
