package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

const defaultCheckTimeout = 3 * time.Second

// Check описывает результат одной проверки
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response описывает сводный ответ health check
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет здоровье одной зависимости сервиса
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler выполняет зарегистрированные проверки и отдаёт их по HTTP
type Handler struct {
	mu           sync.RWMutex
	checkers     map[string]Checker
	version      string
	startedAt    time.Time
	checkTimeout time.Duration
}

// NewHandler создаёт health handler
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:     make(map[string]Checker),
		version:      version,
		startedAt:    time.Now(),
		checkTimeout: defaultCheckTimeout,
	}
}

// RegisterChecker регистрирует проверку под именем зависимости
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) snapshot() map[string]Checker {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checkers := make(map[string]Checker, len(h.checkers))
	for name, checker := range h.checkers {
		checkers[name] = checker
	}
	return checkers
}

// runChecks выполняет все проверки параллельно под общим таймаутом
func (h *Handler) runChecks(ctx context.Context) (map[string]Check, Status) {
	checkers := h.snapshot()

	ctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		checks  = make(map[string]Check, len(checkers))
		overall = StatusHealthy
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()
			check := checker.Check(ctx)
			mu.Lock()
			checks[name] = check
			overall = worseOf(overall, check.Status)
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	return checks, overall
}

func worseOf(a, b Status) Status {
	if a == StatusUnhealthy || b == StatusUnhealthy {
		return StatusUnhealthy
	}
	if a == StatusDegraded || b == StatusDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// ServeHTTP отдаёт сводный статус всех зависимостей
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks, overall := h.runChecks(r.Context())

	response := Response{
		Status:        overall,
		Timestamp:     time.Now(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler отвечает 200, пока процесс жив
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503, если хотя бы одна зависимость недоступна.
// Degraded не блокирует готовность.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	_, overall := h.runChecks(r.Context())

	if overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// SimpleChecker проверяет зависимость функцией без собственного статуса:
// ошибка означает unhealthy
type SimpleChecker struct {
	name string
	fn   func(ctx context.Context) error
}

// NewSimpleChecker создаёт проверку из функции
func NewSimpleChecker(name string, fn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{name: name, fn: fn}
}

// Check выполняет проверку
func (c *SimpleChecker) Check(ctx context.Context) Check {
	started := time.Now()
	err := c.fn(ctx)
	elapsed := time.Since(started)

	check := Check{
		Name:       c.name,
		Status:     StatusHealthy,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// Pinger — зависимость, доступность которой проверяется ping'ом
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingChecker создаёт проверку поверх Ping зависимости
func NewPingChecker(name string, pinger Pinger) *SimpleChecker {
	return NewSimpleChecker(name, pinger.Ping)
}

// StatusChecker позволяет зависимости самостоятельно сообщать свой статус,
// включая degraded
type StatusChecker struct {
	name string
	fn   func(ctx context.Context) (Status, string)
}

// NewStatusChecker создаёт проверку с собственной градацией статуса
func NewStatusChecker(name string, fn func(ctx context.Context) (Status, string)) *StatusChecker {
	return &StatusChecker{name: name, fn: fn}
}

// Check выполняет проверку
func (c *StatusChecker) Check(ctx context.Context) Check {
	started := time.Now()
	status, message := c.fn(ctx)
	elapsed := time.Since(started)

	return Check{
		Name:       c.name,
		Status:     status,
		Message:    message,
		DurationMs: elapsed.Milliseconds(),
	}
}
