package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newDownstreamMock() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func TestNewDephealthService_ValidURL(t *testing.T) {
	mockServer := newDownstreamMock()
	defer mockServer.Close()

	// Используем изолированный Prometheus registry для тестов
	reg := prometheus.NewRegistry()

	ds, err := NewDephealthServiceWithRegisterer(DephealthOptions{
		ServiceID:            "test-lis-01",
		Group:                "lis",
		DownstreamURL:        mockServer.URL + "/lab/attachResult",
		DownstreamHealthPath: "/",
		CheckInterval:        5 * time.Second,
	}, testLogger(), reg)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}
	if ds == nil {
		t.Fatal("DephealthService nil")
	}
}

func TestDephealthService_StartStop(t *testing.T) {
	mockServer := newDownstreamMock()
	defer mockServer.Close()

	reg := prometheus.NewRegistry()

	ds, err := NewDephealthServiceWithRegisterer(DephealthOptions{
		ServiceID:            "test-lis-02",
		Group:                "lis",
		DownstreamURL:        mockServer.URL,
		DownstreamHealthPath: "/",
		CheckInterval:        1 * time.Second,
	}, testLogger(), reg)
	if err != nil {
		t.Fatalf("Ошибка создания DephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start не должен блокировать
	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Ошибка запуска DephealthService: %v", err)
	}

	// Даём время на первую проверку (интервал 1s + запас)
	time.Sleep(3 * time.Second)

	// Health возвращает map с ключами формата "dependency:host:port"
	health := ds.Health()
	found := false
	for key, val := range health {
		if strings.HasPrefix(key, "downstream:") {
			found = true
			if !val {
				t.Errorf("downstream health = false для ключа %q, ожидалось true", key)
			}
		}
	}
	if !found {
		t.Errorf("Нет записи для downstream в Health(), keys=%v", healthKeys(health))
	}

	// Stop не должен паниковать
	ds.Stop()
}

// healthKeys возвращает ключи карты health для вывода в сообщениях об ошибках.
func healthKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
