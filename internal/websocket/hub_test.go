package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hypertrophy-rankings/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBoard(t *testing.T) {
	board, err := ParseBoard("allTime:chest")
	require.NoError(t, err)
	assert.Equal(t, domain.Board{Period: domain.PeriodAllTime, Category: domain.CategoryChest}, board)

	for _, bad := range []string{"weekly", "daily:overall", "weekly:calves", ""} {
		_, err := ParseBoard(bad)
		assert.Error(t, err, bad)
	}
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, logger, w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestSubscriberReceivesBoardUpdate(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	board := domain.Board{Period: domain.PeriodWeekly, Category: domain.CategoryOverall}

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Board: "weekly:overall"}))
	ack := readMessage(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, "weekly:overall", ack.Board)

	require.Eventually(t, func() bool { return hub.HasSubscribers(board) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.TotalConnections())

	// other boards are not delivered
	hub.BroadcastBoard(domain.LeaderboardPage{Period: domain.PeriodMonthly, Category: domain.CategoryOverall}, 1)
	hub.BroadcastBoard(domain.LeaderboardPage{
		Period:   domain.PeriodWeekly,
		Category: domain.CategoryOverall,
		Entries:  []domain.RankingRow{{UserID: "u1", Period: domain.PeriodWeekly, Score: 150, Rank: 1}},
	}, 2)

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeBoardUpdate, msg.Type)
	assert.Equal(t, "weekly:overall", msg.Board)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, float64(2), data["ranks_changed"])
	assert.Len(t, data["entries"], 1)
}

func TestClientErrorsAndUnsubscribe(t *testing.T) {
	hub, srv := newTestHub(t)
	conn := dial(t, srv)
	board := domain.Board{Period: domain.PeriodMonthly, Category: domain.CategoryLegs}

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Board: "monthly"}))
	assert.Equal(t, MessageTypeError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Board: "monthly:legs"}))
	readMessage(t, conn)
	require.Eventually(t, func() bool { return hub.HasSubscribers(board) }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeUnsubscribe, Board: "monthly:legs"}))
	assert.Equal(t, "unsubscribed", readMessage(t, conn).Type)
	require.Eventually(t, func() bool { return !hub.HasSubscribers(board) }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.TotalConnections() == 0 }, time.Second, 10*time.Millisecond)
}
