package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joao-fontenele/fruit-orders/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	orders    []domain.Order
	nextID    int64
	createErr error
	listErr   error
	creates   int
	lastPage  *Page
}

func (s *fakeStore) Create(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creates++
	if s.createErr != nil {
		return nil, s.createErr
	}

	s.nextID++
	order.ID = s.nextID
	order.CreatedAt = time.Date(2026, 1, 1, 0, 0, int(s.nextID), 0, time.UTC)
	items := make([]domain.OrderItem, len(order.Items))
	for i, item := range order.Items {
		item.ID = s.nextID*100 + int64(i)
		items[i] = item
	}
	order.Items = items
	s.orders = append(s.orders, order)
	return &order, nil
}

func (s *fakeStore) List(_ context.Context, page Page) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPage = &page
	if s.listErr != nil {
		return nil, s.listErr
	}

	out := []domain.Order{}
	for i := len(s.orders) - 1 - page.Skip; i >= 0 && len(out) < page.Limit; i-- {
		out = append(out, s.orders[i])
	}
	return out, nil
}

// blockingPublisher never completes on its own; it returns once the publish
// context is done or after a safety cap.
type blockingPublisher struct {
	done chan error
}

func (p *blockingPublisher) Publish(ctx context.Context, _ string, _ any) error {
	select {
	case <-ctx.Done():
		p.done <- ctx.Err()
		return ctx.Err()
	case <-time.After(3 * time.Second):
		p.done <- nil
		return errors.New("publish was not cancelled")
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	keys    []string
	events  []any
	ctxErrs []error
	err     error
}

func (p *fakePublisher) Publish(ctx context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	return p.err
}

func newTestMux(t *testing.T, store OrderStore, publisher EventPublisher) *http.ServeMux {
	t.Helper()
	handler, err := NewHandler(store, publisher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	return mux
}

const parkOrder = `{
	"receiver_name": "Park",
	"phone": "010-0000-0000",
	"address": "Seoul",
	"items": [
		{"item_type": "mixed", "kg": 10, "box_count": 1},
		{"item_type": "mixed", "kg": 5, "box_count": 2}
	]
}`

func doRequest(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_HandleHealth(t *testing.T) {
	store := &fakeStore{listErr: errors.New("db down"), createErr: errors.New("db down")}
	mux := newTestMux(t, store, nil)

	rec := doRequest(mux, http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
	if store.creates != 0 || store.lastPage != nil {
		t.Error("health check must not touch the store")
	}
}

func TestHandler_HandleCreate(t *testing.T) {
	t.Run("creates order and publishes event", func(t *testing.T) {
		store := &fakeStore{}
		publisher := &fakePublisher{}
		mux := newTestMux(t, store, publisher)

		rec := doRequest(mux, http.MethodPost, "/orders", parkOrder)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Content-Type") != "application/json" {
			t.Errorf("expected application/json, got %s", rec.Header().Get("Content-Type"))
		}

		var order domain.Order
		if err := json.NewDecoder(rec.Body).Decode(&order); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if order.ID == 0 {
			t.Error("expected generated id")
		}
		if order.CreatedAt.IsZero() {
			t.Error("expected generated created_at")
		}
		if order.RawMessage != nil {
			t.Errorf("expected null raw_message, got %q", *order.RawMessage)
		}
		if len(order.Items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(order.Items))
		}
		if order.Items[0].Kg != 10 || order.Items[1].BoxCount != 2 {
			t.Errorf("items do not match input: %+v", order.Items)
		}

		if len(publisher.events) != 1 {
			t.Fatalf("expected 1 published event, got %d", len(publisher.events))
		}
		event, ok := publisher.events[0].(domain.OrderCreatedEvent)
		if !ok {
			t.Fatalf("expected OrderCreatedEvent, got %T", publisher.events[0])
		}
		if event.OrderID != order.ID || event.EventID == "" {
			t.Errorf("unexpected event: %+v", event)
		}
		if publisher.keys[0] != fmt.Sprint(order.ID) {
			t.Errorf("expected event key %d, got %s", order.ID, publisher.keys[0])
		}
	})

	t.Run("raw message is echoed", func(t *testing.T) {
		mux := newTestMux(t, &fakeStore{}, nil)

		body := `{"receiver_name":"a","phone":"b","address":"c","raw_message":"hello","items":[]}`
		rec := doRequest(mux, http.MethodPost, "/orders", body)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rec.Code)
		}
		var resp map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp["raw_message"] != "hello" {
			t.Errorf("expected raw_message hello, got %v", resp["raw_message"])
		}
		if items, ok := resp["items"].([]any); !ok || len(items) != 0 {
			t.Errorf("expected empty items array, got %v", resp["items"])
		}
	})

	t.Run("publish failure does not fail the request", func(t *testing.T) {
		mux := newTestMux(t, &fakeStore{}, &fakePublisher{err: errors.New("broker down")})

		rec := doRequest(mux, http.MethodPost, "/orders", parkOrder)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rec.Code)
		}
	})

	t.Run("slow publisher does not hold the response", func(t *testing.T) {
		publisher := &blockingPublisher{done: make(chan error, 1)}
		handler, err := NewHandler(&fakeStore{}, publisher, slog.New(slog.NewTextHandler(io.Discard, nil)),
			WithPublishTimeout(50*time.Millisecond))
		if err != nil {
			t.Fatalf("failed to create handler: %v", err)
		}
		mux := http.NewServeMux()
		handler.Register(mux)

		start := time.Now()
		rec := doRequest(mux, http.MethodPost, "/orders", parkOrder)
		elapsed := time.Since(start)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rec.Code)
		}
		if elapsed > time.Second {
			t.Errorf("expected response within the publish timeout, took %v", elapsed)
		}
		if err := <-publisher.done; !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected publish context to hit its deadline, got %v", err)
		}
	})

	t.Run("publish is not cancelled by client disconnect", func(t *testing.T) {
		publisher := &fakePublisher{}
		mux := newTestMux(t, &fakeStore{}, publisher)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(parkOrder)).WithContext(ctx)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rec.Code)
		}
		if len(publisher.ctxErrs) != 1 || publisher.ctxErrs[0] != nil {
			t.Errorf("expected live publish context, got %v", publisher.ctxErrs)
		}
	})

	t.Run("missing receiver name is rejected before storage", func(t *testing.T) {
		store := &fakeStore{}
		publisher := &fakePublisher{}
		mux := newTestMux(t, store, publisher)

		body := `{"phone":"010-0000-0000","address":"Seoul","items":[]}`
		rec := doRequest(mux, http.MethodPost, "/orders", body)

		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status 422, got %d", rec.Code)
		}

		var resp validationResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Fields) != 1 || resp.Fields[0].Field != "receiver_name" {
			t.Errorf("expected receiver_name violation, got %+v", resp.Fields)
		}
		if store.creates != 0 {
			t.Errorf("expected no store calls, got %d", store.creates)
		}
		if len(publisher.events) != 0 {
			t.Error("expected no published events")
		}

		list := doRequest(mux, http.MethodGet, "/orders", "")
		if strings.TrimSpace(list.Body.String()) != "[]" {
			t.Errorf("expected no orders after rejected create, got %s", list.Body.String())
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		store := &fakeStore{}
		mux := newTestMux(t, store, nil)

		rec := doRequest(mux, http.MethodPost, "/orders", `{"receiver_name":`)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rec.Code)
		}
		if store.creates != 0 {
			t.Error("expected no store calls")
		}
	})

	t.Run("oversized body", func(t *testing.T) {
		mux := newTestMux(t, &fakeStore{}, nil)

		body := `{"receiver_name":"` + strings.Repeat("a", maxBodyBytes) + `"}`
		rec := doRequest(mux, http.MethodPost, "/orders", body)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("expected status 413, got %d", rec.Code)
		}
	})

	t.Run("integrity violation maps to conflict", func(t *testing.T) {
		store := &fakeStore{createErr: fmt.Errorf("insert order item 1: %w", ErrIntegrity)}
		publisher := &fakePublisher{}
		mux := newTestMux(t, store, publisher)

		rec := doRequest(mux, http.MethodPost, "/orders", parkOrder)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected status 409, got %d", rec.Code)
		}
		if len(publisher.events) != 0 {
			t.Error("expected no published events")
		}
	})

	t.Run("storage failure maps to internal error", func(t *testing.T) {
		mux := newTestMux(t, &fakeStore{createErr: errors.New("connection refused")}, nil)

		rec := doRequest(mux, http.MethodPost, "/orders", parkOrder)

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", rec.Code)
		}
		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp["error"] != "internal server error" {
			t.Errorf("unexpected error message: %s", resp["error"])
		}
	})
}

func TestHandler_HandleList(t *testing.T) {
	t.Run("uses default pagination", func(t *testing.T) {
		store := &fakeStore{}
		mux := newTestMux(t, store, nil)

		rec := doRequest(mux, http.MethodGet, "/orders", "")

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if strings.TrimSpace(rec.Body.String()) != "[]" {
			t.Errorf("expected empty array, got %s", rec.Body.String())
		}
		if store.lastPage == nil || *store.lastPage != (Page{Skip: 0, Limit: 50}) {
			t.Errorf("expected default page, got %+v", store.lastPage)
		}
	})

	t.Run("newest order first with limit", func(t *testing.T) {
		store := &fakeStore{}
		mux := newTestMux(t, store, nil)

		for i := 0; i < 3; i++ {
			body := fmt.Sprintf(`{"receiver_name":"r%d","phone":"p","address":"a","items":[]}`, i)
			if rec := doRequest(mux, http.MethodPost, "/orders", body); rec.Code != http.StatusCreated {
				t.Fatalf("create %d failed: %d", i, rec.Code)
			}
		}

		rec := doRequest(mux, http.MethodGet, "/orders?limit=1", "")

		var orders []domain.Order
		if err := json.NewDecoder(rec.Body).Decode(&orders); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(orders) != 1 || orders[0].ReceiverName != "r2" {
			t.Errorf("expected only the newest order, got %+v", orders)
		}
		if *store.lastPage != (Page{Skip: 0, Limit: 1}) {
			t.Errorf("unexpected page: %+v", *store.lastPage)
		}
	})

	t.Run("rejects invalid pagination", func(t *testing.T) {
		store := &fakeStore{}
		mux := newTestMux(t, store, nil)

		for _, target := range []string{"/orders?limit=abc", "/orders?skip=-5"} {
			rec := doRequest(mux, http.MethodGet, target, "")
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("%s: expected status 422, got %d", target, rec.Code)
			}
		}
		if store.lastPage != nil {
			t.Error("expected no store calls")
		}
	})

	t.Run("storage failure maps to internal error", func(t *testing.T) {
		mux := newTestMux(t, &fakeStore{listErr: errors.New("connection refused")}, nil)

		rec := doRequest(mux, http.MethodGet, "/orders", "")

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("expected status 500, got %d", rec.Code)
		}
	})
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	mux := newTestMux(t, &fakeStore{}, nil)

	rec := doRequest(mux, http.MethodDelete, "/orders", "")

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
}
