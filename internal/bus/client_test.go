package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/bus/bustest"
	"github.com/loqalabs/loqa-voicebridge/internal/protocol"
	"github.com/nats-io/nats.go"
)

func TestRequestJSONRoundTrip(t *testing.T) {
	client := bustest.Connect(t)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}
	sub, err := client.Conn().Subscribe(protocol.SubjectVoiceConnect, func(msg *nats.Msg) {
		var req protocol.VoiceConnectRequest
		_ = json.Unmarshal(msg.Data, &req)
		data, _ := json.Marshal(protocol.VoiceAck{OK: true, ChannelID: req.ChannelID})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	var ack protocol.VoiceAck
	err = client.RequestJSON(context.Background(), protocol.SubjectVoiceConnect, protocol.VoiceConnectRequest{RoomID: "R1", ChannelID: "V1"}, &ack)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !ack.OK || ack.ChannelID != "V1" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestRequestJSONNoResponder(t *testing.T) {
	client := bustest.Connect(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var ack protocol.VoiceAck
	if err := client.RequestJSON(ctx, "nobody.home", struct{}{}, &ack); err == nil {
		t.Fatal("expected error without responder")
	}
}

func TestPublishJSON(t *testing.T) {
	client := bustest.Connect(t)
	got := make(chan protocol.Reply, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectChatReply, func(msg *nats.Msg) {
		var reply protocol.Reply
		if err := json.Unmarshal(msg.Data, &reply); err == nil {
			got <- reply
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON(protocol.SubjectChatReply, protocol.Reply{RoomID: "R1", Content: "ok"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case reply := <-got:
		if reply.Content != "ok" {
			t.Fatalf("unexpected reply %+v", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply not delivered")
	}
}
