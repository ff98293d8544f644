package socket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowbridge/snowbridge/pkg/config"
	"github.com/snowbridge/snowbridge/pkg/types"
)

func testLimits() config.TransportLimits {
	return config.TransportLimits{
		MaxConnections:         10,
		MaxMessageSize:         4096,
		HeartbeatInterval:      time.Minute,
		IdleTimeout:            time.Minute,
		SubscriptionsPerClient: 5,
		ConnectionsPerIP:       5,
		MessagesPerMinute:      100,
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg serverMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, cmd clientCommand) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string, filter *Filter) {
	t.Helper()
	send(t, conn, clientCommand{Action: "subscribe", Topic: topic, Filter: filter})
	msg := readMsg(t, conn)
	require.Equal(t, "subscribed", msg.Kind)
	require.Equal(t, topic, msg.Topic)
}

func TestWelcomeAndSubscribe(t *testing.T) {
	hub := NewHub(testLimits())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	welcome := readMsg(t, conn)
	assert.Equal(t, "welcome", welcome.Kind)
	assert.NotEmpty(t, welcome.ClientID)
	assert.Equal(t, Topics, welcome.Topics)

	subscribe(t, conn, TopicTasksAll, nil)

	send(t, conn, clientCommand{Action: "ping"})
	assert.Equal(t, "pong", readMsg(t, conn).Kind)
}

func TestUnknownTopicRejected(t *testing.T) {
	hub := NewHub(testLimits())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readMsg(t, conn) // welcome

	send(t, conn, clientCommand{Action: "subscribe", Topic: "no.such.topic"})
	msg := readMsg(t, conn)
	assert.Equal(t, "error", msg.Kind)
	assert.Equal(t, "unknown topic", msg.Error)
}

func TestSubscriptionLimit(t *testing.T) {
	limits := testLimits()
	limits.SubscriptionsPerClient = 1
	hub := NewHub(limits)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readMsg(t, conn) // welcome

	subscribe(t, conn, TopicTasksAll, nil)
	send(t, conn, clientCommand{Action: "subscribe", Topic: TopicSystemHealth})
	msg := readMsg(t, conn)
	assert.Equal(t, "error", msg.Kind)
	assert.Equal(t, "subscription limit reached", msg.Error)
}

func TestConnectionCap(t *testing.T) {
	limits := testLimits()
	limits.MaxConnections = 1
	hub := NewHub(limits)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readMsg(t, conn) // welcome

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestBroadcastAppliesFilters(t *testing.T) {
	hub := NewHub(testLimits())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	// A filters to critical only; B takes everything
	connA := dial(t, srv)
	readMsg(t, connA)
	subscribe(t, connA, TopicTasksAll, &Filter{Priorities: []types.NotificationPriority{types.PriorityCritical}})

	connB := dial(t, srv)
	readMsg(t, connB)
	subscribe(t, connB, TopicTasksAll, nil)

	n := &types.Notification{
		ID:       "n1",
		Type:     types.NotifyTaskProgress,
		Priority: types.PriorityMedium,
		Source:   "sync",
	}
	assert.Equal(t, 1, hub.Broadcast(n))

	msg := readMsg(t, connB)
	assert.Equal(t, "notification", msg.Kind)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "n1", msg.Notification.ID)

	connA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := connA.ReadMessage()
	assert.Error(t, err) // nothing for A
}

func TestBroadcastSendsOncePerClient(t *testing.T) {
	hub := NewHub(testLimits())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	readMsg(t, conn)
	// a task-progress notification maps to both of these topics
	subscribe(t, conn, TopicTasksAll, nil)
	subscribe(t, conn, TopicTasksUpdates, nil)

	n := &types.Notification{
		ID:       "n1",
		Type:     types.NotifyTaskProgress,
		Priority: types.PriorityLow,
		Source:   "sync",
	}
	assert.Equal(t, 1, hub.Broadcast(n))

	msg := readMsg(t, conn)
	assert.Equal(t, "notification", msg.Kind)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err) // no duplicate
}

func TestBroadcastDuringDisconnectDoesNotPanic(t *testing.T) {
	hub := NewHub(testLimits())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	n := &types.Notification{
		ID:       "n1",
		Type:     types.NotifyTaskUpdated,
		Priority: types.PriorityMedium,
		Source:   "sync",
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					hub.Broadcast(n)
				}
			}
		}()
	}

	// clients that subscribe and drop while broadcasts are in flight
	for i := 0; i < 25; i++ {
		conn := dial(t, srv)
		readMsg(t, conn) // welcome
		send(t, conn, clientCommand{Action: "subscribe", Topic: TopicTasksAll})
		for readMsg(t, conn).Kind != "subscribed" {
			// broadcasts may interleave before the ack
		}
		conn.Close()
	}

	close(stop)
	wg.Wait()
}

func TestTopicsFor(t *testing.T) {
	tests := []struct {
		name string
		n    *types.Notification
		want []string
	}{
		{
			"sla breach",
			&types.Notification{Type: types.NotifySLABreach},
			[]string{TopicSLABreaches, TopicUpstreamAll},
		},
		{
			"critical task",
			&types.Notification{Type: types.NotifyTaskCreated, Priority: types.PriorityCritical},
			[]string{TopicTasksAll, TopicUpstreamAll, TopicTasksCritical},
		},
		{
			"incident update routes by table",
			&types.Notification{
				Type:     types.NotifyTaskUpdated,
				Priority: types.PriorityMedium,
				Data:     map[string]string{"table": "incident"},
			},
			[]string{TopicTasksAll, TopicUpstreamAll, TopicTasksUpdates, TopicIncidents},
		},
		{
			"health",
			&types.Notification{Type: types.NotifySystemHealth},
			[]string{TopicSystemHealth},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicsFor(tt.n))
		})
	}
}
