// Пакет transmit — клиент передачи файлов результатов во внешнюю систему.
//
// Одна попытка: POST JSON {orderNo, fileBase64, fileName, sendEmail} с
// Bearer-токеном и ограничением времени. Повторы: до MaxRetries
// дополнительных попыток, перед k-й паузой BaseDelay×k (линейно).
// Поддерживает TLS с кастомным CA.
package transmit

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gr33njj/lis-mini/internal/domain/model"
)

// maxErrorBody — сколько байт тела ответа попадает в текст ошибки.
const maxErrorBody = 512

var (
	// ErrSourceMissing — исходный файл записи отсутствует; повтор бессмысленен.
	ErrSourceMissing = errors.New("исходный файл отсутствует")
	// ErrEmptyReference — успешный ответ без ссылки на документ.
	ErrEmptyReference = errors.New("ответ не содержит docRef")
)

// Prometheus-метрики передачи.
var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lis_transmit_attempts_total",
		Help: "Количество попыток передачи по результату.",
	}, []string{"result"})

	attemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lis_transmit_attempt_duration_seconds",
		Help:    "Длительность одной попытки передачи в секундах.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// StatusError — ответ внешней системы с неуспешным HTTP-статусом.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Payload — тело запроса к внешней системе.
type Payload struct {
	OrderNo    string `json:"orderNo"`
	FileBase64 string `json:"fileBase64"`
	FileName   string `json:"fileName"`
	SendEmail  bool   `json:"sendEmail"`
}

// Response — подтверждение внешней системы.
type Response struct {
	DocRef string `json:"docRef"`
	// Email — адрес получателя уведомления, может отсутствовать
	Email string `json:"email,omitempty"`
}

// Result — итог цепочки попыток.
type Result struct {
	// Response — подтверждение; nil при неудаче
	Response *Response
	// Attempts — сколько попыток выполнено в этой цепочке (включая успешную)
	Attempts int
}

// Sleeper ожидает d или отмены ctx. Подменяется в тестах.
type Sleeper func(ctx context.Context, d time.Duration) error

// Options — параметры клиента.
type Options struct {
	URL        string
	Token      string
	CACertPath string
	// Timeout — ограничение одной попытки
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// Client — HTTP-клиент внешней системы.
type Client struct {
	httpClient *http.Client
	opts       Options
	sleep      Sleeper
	logger     *slog.Logger
}

// New создаёт клиент. caCertPath в Options — путь к CA (пусто — системный пул).
func New(opts Options, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{}

	if opts.CACertPath != "" {
		tlsConfig, err := buildTLSConfig(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата внешней системы: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		logger.Info("CA-сертификат внешней системы добавлен в пул доверия",
			slog.String("ca_cert", opts.CACertPath),
		)
	}

	return &Client{
		httpClient: httpClient,
		opts:       opts,
		sleep:      sleepContext,
		logger:     logger.With(slog.String("component", "transmit")),
	}, nil
}

// SetSleeper подменяет ожидание между попытками.
func (c *Client) SetSleeper(s Sleeper) {
	c.sleep = s
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("файл %s не содержит PEM-сертификатов", caCertPath)
	}

	return &tls.Config{RootCAs: pool}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay возвращает паузу перед повтором номер retry (1..MaxRetries).
func (c *Client) Delay(retry int) time.Duration {
	return c.opts.BaseDelay * time.Duration(retry)
}

// Send выполняет одну попытку передачи файла записи.
// Отсутствующий файл — ErrSourceMissing, остальные ошибки допускают повтор.
func (c *Client) Send(ctx context.Context, rec *model.ProcessingRecord) (*Response, error) {
	data, err := os.ReadFile(rec.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, rec.FilePath)
		}
		return nil, fmt.Errorf("чтение файла %s: %w", rec.FilePath, err)
	}

	body, err := json.Marshal(Payload{
		OrderNo:    rec.OrderRef,
		FileBase64: base64.StdEncoding.EncodeToString(data),
		FileName:   rec.FileName,
		SendEmail:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("сериализация запроса: %w", err)
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	attemptDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("запрос к внешней системе: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(msg)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("декодирование ответа: %w", err)
	}
	if out.DocRef == "" {
		return nil, ErrEmptyReference
	}
	return &out, nil
}

// SendWithRetry выполняет попытку и до MaxRetries повторов.
// onAttempt вызывается после каждой неудачной попытки с её номером (с 1).
// Result возвращается всегда: Attempts — число выполненных попыток.
// ErrSourceMissing прерывает цепочку без повторов.
func (c *Client) SendWithRetry(
	ctx context.Context,
	rec *model.ProcessingRecord,
	onAttempt func(attempt int, err error),
) (*Result, error) {
	result := &Result{}
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxRetries+1; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.Delay(attempt-1)); err != nil {
				return result, fmt.Errorf("ожидание повтора прервано: %w (последняя ошибка: %v)", err, lastErr)
			}
		}

		result.Attempts = attempt
		resp, err := c.Send(ctx, rec)
		if err == nil {
			attemptsTotal.WithLabelValues("success").Inc()
			result.Response = resp
			return result, nil
		}

		lastErr = err
		attemptsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("Попытка передачи не удалась",
			slog.String("record_id", rec.ID),
			slog.String("order_ref", rec.OrderRef),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if onAttempt != nil {
			onAttempt(attempt, err)
		}

		if errors.Is(err, ErrSourceMissing) {
			return result, err
		}
	}

	return result, lastErr
}
