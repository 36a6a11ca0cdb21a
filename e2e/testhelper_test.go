package e2e

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/modelpanel/api/internal/auth"
	"github.com/modelpanel/api/internal/client"
	"github.com/modelpanel/api/internal/handler"
	"github.com/modelpanel/api/internal/middleware"
	"github.com/modelpanel/api/internal/scheduler"
	"github.com/modelpanel/api/internal/service"
	"github.com/modelpanel/api/internal/websocket"
	"github.com/modelpanel/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app *fiber.App
	svc *service.QueryService
}

// setupApp creates a Fiber app identical to main.go but with mock
// backends and no job store, so tests run without Redis or API keys.
// The rate limiter still gets a Redis client; it fails open when none
// is listening.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid collision
	})
	t.Cleanup(func() { redisClient.Close() })

	validate := validator.New()

	hub := websocket.NewHub()
	go hub.Run()

	// Mock panel with short delays so jobs finish within test timeouts
	backends := []client.Backend{
		client.NewMockBackend("mock-alpha", 20*time.Millisecond),
		client.NewMockBackend("mock-beta", 30*time.Millisecond),
	}
	backendNames := make([]string, len(backends))
	for i, b := range backends {
		backendNames[i] = b.Name()
	}

	queryWorker := worker.NewQueryWorker(backends, hub)
	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:     3,
		PerTargetEstimate: time.Second,
	}, queryWorker.Handle)
	queryWorker.Bind(sched)

	queryService := service.NewQueryService(sched, nil, backendNames)
	queryHandler := handler.NewQueryHandler(queryService, validate)

	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New()

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":    false,
				"backends": backendNames,
				"auth":     true,
			},
		})
	})

	api := app.Group("/api", authMiddleware.Authenticate())

	query := api.Group("/query")
	// Very high limit so tests never trip throttling
	query.Post("/start", rateLimiter.QueryLimit(100000), queryHandler.Start)
	query.Get("/status/:jobId", queryHandler.Status)
	query.Get("/result/:jobId", queryHandler.Result)
	query.Post("/cancel/:jobId", queryHandler.Cancel)
	query.Get("/stats", queryHandler.Stats)

	return &testApp{app: app, svc: queryService}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken("test-user-123", "test@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// waitForStatus polls the status endpoint until the job reaches the
// wanted status or the deadline passes.
func waitForStatus(t *testing.T, app *fiber.App, jobID, wanted string) map[string]interface{} {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	var last map[string]interface{}
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, app, "GET", "/api/query/status/"+jobID, "")
		if err != nil {
			t.Fatalf("status request failed: %v", err)
		}
		last = parseJSON(t, resp)
		if last["status"] == wanted {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %q, last: %v", jobID, wanted, last)
	return nil
}
