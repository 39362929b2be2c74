package venue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/quanterra/optiondesk/internal/schema"
)

func TestPushClientSubscribesAndDeliversEvents(t *testing.T) {
	frame := `{"type":"quote","seq":1,"symbol":"SPXW  240621P05300000","bid":"1.50","ask":"1.60","timestamp":"2024-06-21T14:00:00Z"}`

	var subMu sync.Mutex
	var subscribed []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err == nil {
			subMu.Lock()
			subscribed = req.Symbols
			subMu.Unlock()
		}
		if err := conn.Write(r.Context(), websocket.MessageText, []byte(frame)); err != nil {
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	var mu sync.Mutex
	var received []schema.Event
	handler := func(_ context.Context, evt schema.Event) {
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := NewPushClient(PushConfig{URL: wsURL, Symbols: []string{"SPXW"}}, nil, handler, nil, nil)

	done := make(chan struct{})
	go func() {
		_ = client.Run(ctx)
		close(done)
	}()

	select {
	case <-client.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	if len(received) != 1 {
		mu.Unlock()
		t.Fatal("no event delivered")
	}
	evt := received[0]
	mu.Unlock()
	if evt.Kind != schema.KindPriceUpdate || evt.Source != schema.SourcePush {
		t.Fatalf("unexpected event %+v", evt)
	}

	subMu.Lock()
	subs := subscribed
	subMu.Unlock()
	if len(subs) != 1 || subs[0] != "SPXW" {
		t.Fatalf("subscribe not sent, got %v", subs)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
