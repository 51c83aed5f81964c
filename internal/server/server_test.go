package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"safestream/internal/engine"
	"safestream/internal/metrics"
	"safestream/internal/session"
	"safestream/pkg/client"
	sig "safestream/pkg/signal"
)

const (
	playbackBase = "http://localhost:3000/stream"
	minimalSDP   = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
)

type testRelay struct {
	server   *Server
	registry *session.Registry
	media    *engine.MemoryEngine
	url      string
	http     *httptest.Server
}

func newTestRelay(t *testing.T, start bool) *testRelay {
	t.Helper()
	logger := zap.NewNop().Sugar()
	registry := session.NewRegistry(logger)
	media := engine.NewMemoryEngine("127.0.0.1")
	if start {
		require.NoError(t, media.Start(context.Background()))
	}
	eng := engine.New(engine.Config{PlaybackBaseURL: playbackBase}, media, registry, logger)
	s := NewServer(DefaultConfig, registry, eng, logger)

	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))

	ts := httptest.NewServer(NewHandler(s, reg))
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return &testRelay{
		server:   s,
		registry: registry,
		media:    media,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		http:     ts,
	}
}

func (r *testRelay) dial(t *testing.T, token string) *client.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, r.url, token)
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var se *client.ServerError
	require.True(t, errors.As(err, &se), "expected server error, got %v", err)
	require.Equal(t, code, se.Code)
}

// requireSilent 确认连接在短时间内没有收到任何消息
func requireSilent(t *testing.T, c *client.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	msg, err := c.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected message %+v", msg)
}

func TestBroadcastAndConsume(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	a := relay.dial(t, "")
	b := relay.dial(t, "")
	require.NotEqual(t, a.ID, b.ID)

	sendTransport, err := a.CreateRoom(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sendTransport.ID)
	require.NotEmpty(t, sendTransport.ICEParameters.UsernameFragment)
	require.NotEmpty(t, sendTransport.ICECandidates)
	require.NotEmpty(t, sendTransport.DTLSParameters.Fingerprints)

	ready, err := a.Produce(ctx, sig.KindVideo, client.DefaultVideoParameters())
	require.NoError(t, err)
	require.Equal(t, playbackBase+"/"+ready.ProducerID+".m3u8", ready.PlaybackURL)

	announced, err := b.WaitForStream(ctx)
	require.NoError(t, err)
	require.Equal(t, ready.ProducerID, announced.ProducerID)
	require.Equal(t, ready.PlaybackURL, announced.PlaybackURL)
	require.Equal(t, engine.DefaultRoomID, announced.RoomID)

	// 推流方自己收不到 new-stream
	require.NoError(t, a.Ping(ctx))
	requireSilent(t, a)

	consumed, err := b.Consume(ctx, client.DefaultVideoCapabilities())
	require.NoError(t, err)
	require.NotEqual(t, sendTransport.ID, consumed.ID)
	require.Equal(t, ready.ProducerID, consumed.ProducerID)
	require.Equal(t, sig.KindVideo, consumed.Kind)
	require.NotEmpty(t, consumed.ConsumerID)

	conn, ok := relay.registry.Lookup(a.ID)
	require.True(t, ok)
	require.Equal(t, session.RoleBroadcaster, conn.Role())
	conn, ok = relay.registry.Lookup(b.ID)
	require.True(t, ok)
	require.Equal(t, session.RoleViewer, conn.Role())
}

func TestNewStreamReachesEveryOtherConnection(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	a := relay.dial(t, "")
	viewers := []*client.Conn{relay.dial(t, ""), relay.dial(t, ""), relay.dial(t, "")}

	_, err := a.CreateRoom(ctx)
	require.NoError(t, err)
	ready, err := a.Produce(ctx, sig.KindVideo, client.DefaultVideoParameters())
	require.NoError(t, err)

	for _, v := range viewers {
		ns, err := v.WaitForStream(ctx)
		require.NoError(t, err)
		require.Equal(t, ready.ProducerID, ns.ProducerID)
	}
}

func TestRequestErrors(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	a := relay.dial(t, "")
	b := relay.dial(t, "")
	c := relay.dial(t, "")

	// 没有推流时订阅
	_, err := b.Consume(ctx, client.DefaultVideoCapabilities())
	requireCode(t, err, CodeNoActiveStream)

	// 未建立发送传输就推流
	_, err = a.Produce(ctx, sig.KindVideo, client.DefaultVideoParameters())
	requireCode(t, err, CodeNoTransport)

	// 参数不合法
	_, err = a.Produce(ctx, sig.KindVideo, sig.RTPParameters{})
	requireCode(t, err, CodeInvalidParameters)

	_, err = a.CreateRoom(ctx)
	require.NoError(t, err)
	_, err = a.Produce(ctx, sig.KindVideo, client.DefaultVideoParameters())
	require.NoError(t, err)

	// b 已经是 viewer
	_, err = b.CreateRoom(ctx)
	requireCode(t, err, CodeRoleConflict)

	// 第二个 broadcaster 可以建传输，但不能推流
	_, err = c.CreateRoom(ctx)
	require.NoError(t, err)
	_, err = c.Produce(ctx, sig.KindVideo, client.DefaultVideoParameters())
	requireCode(t, err, CodeProducerAlreadyActive)

	d := relay.dial(t, "")
	_, err = d.Consume(ctx, sig.RTPCapabilities{Codecs: []sig.RTPCodecCapability{
		{Kind: sig.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	}})
	requireCode(t, err, CodeIncompatibleCapabilities)
}

func TestConsumeEmptyCapabilities(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	a := relay.dial(t, "")
	b := relay.dial(t, "")

	_, err := b.Consume(ctx, sig.RTPCapabilities{})
	requireCode(t, err, CodeNoActiveStream)
	conn, ok := relay.registry.Lookup(b.ID)
	require.True(t, ok)
	require.Equal(t, session.RoleViewer, conn.Role())

	_, err = a.CreateRoom(ctx)
	require.NoError(t, err)
	_, err = a.Produce(ctx, sig.KindVideo, client.DefaultVideoParameters())
	require.NoError(t, err)

	_, err = b.Consume(ctx, sig.RTPCapabilities{})
	requireCode(t, err, CodeIncompatibleCapabilities)
}

func TestProduceUnsupportedCodec(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	a := relay.dial(t, "")

	_, err := a.CreateRoom(ctx)
	require.NoError(t, err)
	_, err = a.Produce(ctx, sig.KindVideo, sig.RTPParameters{
		Codecs: []sig.RTPCodecParameters{{MimeType: "video/FOO", PayloadType: 101, ClockRate: 12345}},
	})
	requireCode(t, err, CodeInvalidParameters)
}

func TestForwardSignaling(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	a := relay.dial(t, "")
	b := relay.dial(t, "")

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: minimalSDP}
	require.NoError(t, b.SendOffer(a.ID, offer))

	msg, err := a.Await(ctx, sig.EventOffer)
	require.NoError(t, err)
	var got sig.SessionDescription
	require.NoError(t, msg.Unmarshal(&got))
	require.Equal(t, b.ID, got.From)
	require.Equal(t, minimalSDP, got.SDP.SDP)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: minimalSDP}
	require.NoError(t, a.SendAnswer(b.ID, answer))
	msg, err = b.Await(ctx, sig.EventAnswer)
	require.NoError(t, err)
	require.NoError(t, msg.Unmarshal(&got))
	require.Equal(t, a.ID, got.From)
	require.Equal(t, webrtc.SDPTypeAnswer, got.SDP.Type)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 40000 typ host"}
	require.NoError(t, a.SendCandidate(b.ID, cand))
	msg, err = b.Await(ctx, sig.EventCandidate)
	require.NoError(t, err)
	var gotCand sig.Candidate
	require.NoError(t, msg.Unmarshal(&gotCand))
	require.Equal(t, a.ID, gotCand.From)
	require.Equal(t, cand.Candidate, gotCand.Candidate.Candidate)

	// 目标不存在或是自己
	_, err = b.Request(ctx, sig.EventOffer, &sig.SessionDescription{TargetID: "CO_missing", SDP: offer}, sig.EventOffer)
	requireCode(t, err, CodeUnknownPeer)
	_, err = b.Request(ctx, sig.EventOffer, &sig.SessionDescription{TargetID: b.ID, SDP: offer}, sig.EventOffer)
	requireCode(t, err, CodeUnknownPeer)
}

func TestBadMessage(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	c := relay.dial(t, "")

	_, err := c.Request(ctx, sig.Event("dance"), nil, sig.EventPong)
	requireCode(t, err, CodeBadMessage)

	// 连接在出错后仍然可用
	require.NoError(t, c.Ping(ctx))
}

func TestUnparseableFrame(t *testing.T) {
	relay := newTestRelay(t, true)
	ws, _, err := websocket.DefaultDialer.Dial(relay.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	var welcome sig.Message
	require.NoError(t, ws.ReadJSON(&welcome))
	require.Equal(t, sig.EventWelcome, welcome.Event)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	var reply sig.Message
	require.NoError(t, ws.ReadJSON(&reply))
	require.Equal(t, sig.EventError, reply.Event)
	var payload sig.ErrorPayload
	require.NoError(t, reply.Unmarshal(&payload))
	require.Equal(t, CodeBadMessage, payload.Code)
	require.Equal(t, "unknown", payload.Request)

	// 错误回执通过 requestId 关联
	require.NoError(t, ws.WriteJSON(&sig.Message{Event: sig.EventProduce, Data: []byte(`{"kind":"video"}`), RequestID: "req-7"}))
	require.NoError(t, ws.ReadJSON(&reply))
	require.NoError(t, reply.Unmarshal(&payload))
	require.Equal(t, CodeInvalidParameters, payload.Code)
	require.Equal(t, "req-7", payload.Request)
	require.Equal(t, "req-7", reply.RequestID)
}

func TestBroadcasterDisconnect(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	a := relay.dial(t, "")
	b := relay.dial(t, "")

	_, err := a.CreateRoom(ctx)
	require.NoError(t, err)
	ready, err := a.Produce(ctx, sig.KindVideo, client.DefaultVideoParameters())
	require.NoError(t, err)
	_, err = b.Consume(ctx, client.DefaultVideoCapabilities())
	require.NoError(t, err)

	require.NoError(t, a.Close())

	ended, err := b.WaitForStreamEnd(ctx)
	require.NoError(t, err)
	require.Equal(t, ready.ProducerID, ended.ProducerID)

	require.Eventually(t, func() bool { return !relay.registry.IsRegistered(a.ID) }, 2*time.Second, 10*time.Millisecond)
	_, err = b.Consume(ctx, client.DefaultVideoCapabilities())
	requireCode(t, err, CodeNoActiveStream)

	// 新的 broadcaster 可以接手
	c := relay.dial(t, "")
	_, err = c.CreateRoom(ctx)
	require.NoError(t, err)
	next, err := c.Produce(ctx, sig.KindVideo, client.DefaultVideoParameters())
	require.NoError(t, err)
	require.NotEqual(t, ready.ProducerID, next.ProducerID)
}

func TestLeave(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	a := relay.dial(t, "")
	_, err := a.CreateRoom(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Leave())
	_, err = a.Next(ctx)
	require.ErrorIs(t, err, client.ErrClosed)
	require.False(t, relay.registry.IsRegistered(a.ID))
	require.Eventually(t, func() bool { return relay.media.OpenTransports() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestUserToken(t *testing.T) {
	relay := newTestRelay(t, true)
	c := relay.dial(t, "token-abc")
	conn, ok := relay.registry.Lookup(c.ID)
	require.True(t, ok)
	require.Equal(t, "token-abc", conn.UserToken)

	ctx := testCtx(t)
	q, err := client.Dial(ctx, relay.url+"?token=from-query", "")
	require.NoError(t, err)
	defer q.Close()
	conn, ok = relay.registry.Lookup(q.ID)
	require.True(t, ok)
	require.Equal(t, "from-query", conn.UserToken)
}

func TestEngineNotReady(t *testing.T) {
	relay := newTestRelay(t, false)

	resp, err := http.Get(relay.http.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(relay.http.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(relay.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, relay.media.Start(context.Background()))
	relay.dial(t, "")
}

func TestMetricsEndpoint(t *testing.T) {
	relay := newTestRelay(t, true)
	ctx := testCtx(t)
	c := relay.dial(t, "")
	require.NoError(t, c.Ping(ctx))

	resp, err := http.Get(relay.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "safestream_signal_messages_total")
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, CodeTimeout, errorCode(errors.Wrap(engine.ErrNegotiationTimeout, "create transport")))
	require.Equal(t, CodeConnectionClosed, errorCode(engine.ErrConnectionClosed))
	require.Equal(t, CodeEngineNotReady, errorCode(engine.ErrEngineNotReady))
	require.Equal(t, CodeBadMessage, errorCode(errors.Wrap(sig.ErrMalformed, "x")))
	require.Equal(t, CodeInternal, errorCode(errors.New("boom")))
}
