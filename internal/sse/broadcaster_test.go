package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gentrack/internal/domain"
	"gentrack/internal/session"
)

type BroadcasterSuite struct {
	suite.Suite
	broadcaster *Broadcaster
}

func (s *BroadcasterSuite) SetupTest() {
	s.broadcaster = NewBroadcaster(zerolog.Nop())
}

func TestBroadcasterSuite(t *testing.T) {
	suite.Run(t, new(BroadcasterSuite))
}

func (s *BroadcasterSuite) TestAddRemoveClient() {
	c := s.broadcaster.AddClient()
	s.NotEmpty(c.ID)
	s.Equal(1, s.broadcaster.ClientCount())

	s.broadcaster.RemoveClient(c)
	s.broadcaster.RemoveClient(c)
	s.Equal(0, s.broadcaster.ClientCount())

	select {
	case <-c.done:
	default:
		s.Fail("done channel should be closed")
	}
}

func (s *BroadcasterSuite) TestBroadcastQueuesNamedEvent() {
	c := s.broadcaster.AddClient()
	s.broadcaster.Observe(session.Event{
		Type:      session.EventGenerationCompleted,
		SessionID: "s1",
		Aggregate: domain.Aggregate{Status: domain.SessionCompleted},
	})

	select {
	case msg := <-c.send:
		body := string(msg)
		s.True(strings.HasPrefix(body, "event: generation_completed\ndata: "))
		s.Contains(body, `"session_id":"s1"`)
		s.True(strings.HasSuffix(body, "\n\n"))
	default:
		s.Fail("expected a queued message")
	}
}

func (s *BroadcasterSuite) TestSlowClientIsDropped() {
	c := s.broadcaster.AddClient()
	for i := 0; i <= ClientBuffer; i++ {
		s.broadcaster.Broadcast("tick", map[string]int{"i": i})
	}
	s.Equal(0, s.broadcaster.ClientCount())
	select {
	case <-c.done:
	default:
		s.Fail("slow client should be closed")
	}
}

func TestServeHTTPStreamsEvents(t *testing.T) {
	b := NewBroadcaster(zerolog.Nop())
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: connected\n", line)

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	b.Observe(session.Event{Type: session.EventSlotUpdated, SessionID: "s1"})

	var got []string
	for len(got) < 4 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		got = append(got, line)
	}
	// got[0] is the connected payload, got[1] the blank separator.
	assert.Equal(t, "event: slot_updated\n", got[2])
	assert.Contains(t, got[3], `"type":"slot_updated"`)

	cancel()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
