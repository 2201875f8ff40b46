package ingestion_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schulmacher/krupton-sub002/internal/ingestion"
	"github.com/schulmacher/krupton-sub002/internal/testutil"
)

func TestWSSource_RecordsValidMessagesAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connects := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case connects <- r.URL.Path:
		default:
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(wsTradeMsg))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(wsTradeMsg))
	}))
	defer srv.Close()

	log := testutil.NewMemoryLog[json.RawMessage]()
	rec := ingestion.NewRecorder(log, nil, nil, zerolog.Nop(), nil)
	src := ingestion.NewWSSource(ingestion.WSConfig{
		BaseURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
	}, wsTradeKey, rec, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool { return log.Len(wsTradeKey) >= 4 }, 5*time.Second, 5*time.Millisecond,
		"two valid messages per connection across a reconnect")
	assert.Equal(t, "/btcusdt@trade", <-connects)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop")
	}
}
