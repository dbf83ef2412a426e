package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/watmarket/market-engine/internal/money"
)

type recorder struct {
	got []Event
}

func (r *recorder) Publish(_ context.Context, e Event) {
	r.got = append(r.got, e)
}

func TestMulti_PublishesToAll(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, Nop{}, b}.Publish(context.Background(), Event{Type: TradeExecuted, MarketID: "m1"})

	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected one event each, got %d and %d", len(a.got), len(b.got))
	}
	if a.got[0].MarketID != "m1" {
		t.Errorf("unexpected event: %+v", a.got[0])
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		e    Event
		want string
	}{
		{Event{Type: TradeExecuted, MarketID: "m1"}, "market.engine.events.trade_executed.m1"},
		{Event{Type: MarketResolved}, "market.engine.events.market_resolved"},
	}
	for _, tt := range tests {
		if got := Subject(tt.e); got != tt.want {
			t.Errorf("Subject(%+v) = %q, want %q", tt.e, got, tt.want)
		}
	}
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(ctx, Event{
		Type:     TradeExecuted,
		MarketID: "m1",
		Shares:   Amount(money.MustParse("36.666666")),
		YesPrice: money.MustParse("0.590164"),
		NoPrice:  money.MustParse("0.409836"),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TradeExecuted || got.MarketID != "m1" {
		t.Errorf("unexpected event: %+v", got)
	}
	if got.Shares == nil || *got.Shares != money.MustParse("36.666666") {
		t.Errorf("unexpected shares: %v", got.Shares)
	}
	if got.YesPrice != money.MustParse("0.590164") {
		t.Errorf("unexpected yes price: %s", got.YesPrice)
	}
}

func TestHub_FiltersByMarket(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?market=m2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish(ctx, Event{Type: TradeExecuted, MarketID: "m1"})
	hub.Publish(ctx, Event{Type: MarketResolved, MarketID: "m2"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MarketID != "m2" || got.Type != MarketResolved {
		t.Errorf("expected only m2 events, got %+v", got)
	}
}
