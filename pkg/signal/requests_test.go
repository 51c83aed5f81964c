package signal

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const minimalSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func raw(t *testing.T, event Event, data string) *Message {
	t.Helper()
	msg := &Message{Event: event}
	if data != "" {
		msg.Data = json.RawMessage(data)
	}
	return msg
}

func TestDecodeProduce(t *testing.T) {
	req, err := Decode(raw(t, EventProduce,
		`{"kind":"video","rtpParameters":{"codecs":[{"mimeType":"video/VP8","payloadType":100,"clockRate":90000}]}}`))
	require.NoError(t, err)

	produce, ok := req.(*ProduceRequest)
	require.True(t, ok)
	require.Equal(t, KindVideo, produce.Kind)
	require.Len(t, produce.RTPParameters.Codecs, 1)
	require.Equal(t, "video/VP8", produce.RTPParameters.Codecs[0].MimeType)
	require.Equal(t, 90000, produce.RTPParameters.Codecs[0].ClockRate)
}

func TestRTPParametersValidate(t *testing.T) {
	cases := []struct {
		name   string
		params RTPParameters
		valid  bool
	}{
		{"vp8", RTPParameters{Codecs: []RTPCodecParameters{{MimeType: "video/VP8", ClockRate: 90000}}}, true},
		{"opus", RTPParameters{Codecs: []RTPCodecParameters{{MimeType: "audio/opus", ClockRate: 48000, Channels: 2}}}, true},
		{"no codecs", RTPParameters{}, false},
		{"empty mime", RTPParameters{Codecs: []RTPCodecParameters{{MimeType: " ", ClockRate: 90000}}}, false},
		{"zero clock", RTPParameters{Codecs: []RTPCodecParameters{{MimeType: "video/VP8"}}}, false},
		{"negative clock", RTPParameters{Codecs: []RTPCodecParameters{{MimeType: "video/VP8", ClockRate: -1}}}, false},
		{"second codec bad", RTPParameters{Codecs: []RTPCodecParameters{
			{MimeType: "video/VP8", ClockRate: 90000},
			{MimeType: "video/H264", ClockRate: 0},
		}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate()
			if tc.valid {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, ErrInvalidParameters), "got %v", err)
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
		want error
	}{
		{"unknown event", raw(t, "subscribe", `{}`), ErrMalformed},
		{"produce without data", raw(t, EventProduce, ""), ErrMalformed},
		{"produce bad json", raw(t, EventProduce, `{"kind":`), ErrMalformed},
		{"produce bad kind", raw(t, EventProduce, `{"kind":"screen","rtpParameters":{"codecs":[{"mimeType":"video/VP8","clockRate":90000}]}}`), ErrInvalidParameters},
		{"produce empty codecs", raw(t, EventProduce, `{"kind":"video","rtpParameters":{"codecs":[]}}`), ErrInvalidParameters},
		{"answer no target", raw(t, EventAnswer, `{"sdp":{"type":"answer","sdp":"v=0"}}`), ErrInvalidParameters},
		{"answer wrong type", raw(t, EventAnswer, `{"targetId":"CO_1","sdp":{"type":"offer","sdp":"v=0"}}`), ErrInvalidParameters},
		{"offer garbage sdp", raw(t, EventOffer, `{"targetId":"CO_1","sdp":{"type":"offer","sdp":"hello"}}`), ErrInvalidParameters},
		{"candidate empty", raw(t, EventCandidate, `{"targetId":"CO_1","candidate":{"candidate":""}}`), ErrInvalidParameters},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.msg)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestDecodeForwarded(t *testing.T) {
	offer := map[string]interface{}{
		"targetId": "CO_b",
		"sdp":      map[string]string{"type": "offer", "sdp": minimalSDP},
	}
	b, err := json.Marshal(offer)
	require.NoError(t, err)

	req, err := Decode(&Message{Event: EventOffer, Data: b})
	require.NoError(t, err)
	require.Equal(t, "CO_b", req.(*OfferRequest).TargetID)

	req, err = Decode(raw(t, EventCandidate,
		`{"targetId":"CO_b","candidate":{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":"0"}}`))
	require.NoError(t, err)
	cand := req.(*CandidateRequest)
	require.Equal(t, "CO_b", cand.TargetID)
	require.Equal(t, "0", *cand.Candidate.Candidate.SDPMid)
}

func TestDecodeNoPayloadEvents(t *testing.T) {
	for _, event := range []Event{EventCreateRoom, EventLeave, EventPing} {
		req, err := Decode(raw(t, event, `{"ignored":true}`))
		require.NoError(t, err)
		require.Equal(t, event, req.Event())
	}
}

// 空能力集交给引擎判断，解码阶段不拒绝
func TestDecodeConsumeEmptyCapabilities(t *testing.T) {
	req, err := Decode(raw(t, EventConsume, `{"rtpCapabilities":{"codecs":[]}}`))
	require.NoError(t, err)
	consume, ok := req.(*ConsumeRequest)
	require.True(t, ok)
	require.Empty(t, consume.RTPCapabilities.Codecs)
}

func TestCorrelation(t *testing.T) {
	require.Equal(t, "create-room", (&Message{Event: EventCreateRoom}).Correlation())
	require.Equal(t, "r-1", (&Message{Event: EventCreateRoom, RequestID: "r-1"}).Correlation())
}
