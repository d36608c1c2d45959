// Copyright 2025 James Ross
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSignatureDeterminism(t *testing.T) {
	body := []byte(`{"instanceId":"inst-1","status":"ready"}`)
	secret := "s3cr3t"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	got := sign(body, secret)
	if got != want {
		t.Fatalf("signature mismatch: got %s want %s", got, want)
	}
}

func TestDeliverRetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	var receivedSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		receivedSig = r.Header.Get("X-Webhook-Signature")
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(5*time.Second, 5, zap.NewNop())
	start := time.Now()
	err := d.Deliver(context.Background(), srv.URL, "s3cr3t", Payload{InstanceID: "inst-1", Status: StatusReady, Timestamp: time.Now().Format(time.RFC3339)})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 POSTs, got %d", calls)
	}
	if elapsed < 2700*time.Millisecond {
		t.Fatalf("expected at least 1s+2s backoff less 10%% jitter, got %v", elapsed)
	}
	if !strings.HasPrefix(receivedSig, "") || receivedSig == "" {
		t.Fatal("expected a non-empty signature header")
	}
}

func TestDeliverStopsOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := New(time.Second, 5, zap.NewNop())
	err := d.Deliver(context.Background(), srv.URL, "", Payload{InstanceID: "inst-1", Status: StatusFailed})
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call for a 4xx response, got %d", calls)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	p := Payload{InstanceID: "inst-1", UpstreamID: "u1", Status: StatusStartupFailed, Reason: "timeout waiting for startup"}
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	var got Payload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got.InstanceID != p.InstanceID || got.UpstreamID != p.UpstreamID || got.Status != p.Status || got.Reason != p.Reason {
		t.Fatalf("got %+v want %+v", got, p)
	}
}
