package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/config"
	"github.com/user/bluecore/radio/sim"
	"github.com/user/bluecore/service"
)

const headsetPath = "/api/devices/00:11:22:33:44:55"

func newTestAPI(t *testing.T) (*service.Service, http.Handler) {
	t.Helper()
	radio := sim.New()
	radio.AddPeer(sim.Peer{
		Address:  "00:11:22:33:44:55",
		Name:     "Headset",
		Class:    0x240404,
		Profiles: []bt.Profile{bt.ProfileVoice, bt.ProfileMedia},
		Bonded:   true,
	})
	svc := service.New(service.Options{Config: config.Default(), Driver: radio})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	svc.Drain()
	return svc, newAPI(svc)
}

func do(t *testing.T, svc *service.Service, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	svc.Drain()
	return rec
}

func TestAPI_AdapterAndConnect(t *testing.T) {
	svc, h := newTestAPI(t)

	if rec := do(t, svc, h, "POST", headsetPath+"/profiles/media/connect", ""); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 while the adapter is off, got %d", rec.Code)
	}

	if rec := do(t, svc, h, "POST", "/api/adapter/enable", ""); rec.Code != http.StatusOK {
		t.Fatalf("Failed to enable: %d %s", rec.Code, rec.Body.String())
	}

	var adapter adapterView
	rec := do(t, svc, h, "GET", "/api/adapter", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &adapter); err != nil {
		t.Fatalf("Failed to decode adapter: %v", err)
	}
	if adapter.State != "ON" {
		t.Errorf("Expected adapter ON, got %s", adapter.State)
	}

	if rec := do(t, svc, h, "POST", headsetPath+"/profiles/a2dp/connect", ""); rec.Code != http.StatusOK {
		t.Fatalf("Failed to connect: %d", rec.Code)
	}

	var dev deviceView
	rec = do(t, svc, h, "GET", headsetPath, "")
	if err := json.Unmarshal(rec.Body.Bytes(), &dev); err != nil {
		t.Fatalf("Failed to decode device: %v", err)
	}
	if dev.Bond != "BONDED" || dev.Name != "Headset" {
		t.Errorf("Expected bonded Headset, got %+v", dev)
	}
	if dev.Lanes["media"] != "CONNECTED" {
		t.Errorf("Expected media CONNECTED, got %s", dev.Lanes["media"])
	}

	var list []deviceView
	rec = do(t, svc, h, "GET", "/api/devices", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to decode devices: %v", err)
	}
	if len(list) != 1 || list[0].Address != "00:11:22:33:44:55" {
		t.Errorf("Expected one bonded device, got %+v", list)
	}
}

func TestAPI_BadRequests(t *testing.T) {
	svc, h := newTestAPI(t)
	do(t, svc, h, "POST", "/api/adapter/enable", "")

	cases := []struct {
		name, method, path, body string
		want                     int
	}{
		{"unknown profile", "POST", headsetPath + "/profiles/fax/connect", "", http.StatusNotFound},
		{"bad scan mode", "POST", "/api/adapter/scan-mode", `{"mode":"INVISIBLE"}`, http.StatusBadRequest},
		{"empty pairing answer", "POST", headsetPath + "/pairing", `{}`, http.StatusBadRequest},
		{"broken json", "PUT", headsetPath + "/trust", `{`, http.StatusBadRequest},
		{"bad address", "GET", "/api/devices/nope", "", http.StatusBadRequest},
		{"invalid priority", "PUT", headsetPath + "/profiles/media/priority", `{"priority":7}`, http.StatusConflict},
		{"no pending request", "POST", headsetPath + "/pairing", `{"pin":"0000"}`, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(t, svc, h, tc.method, tc.path, tc.body); rec.Code != tc.want {
				t.Errorf("Expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAPI_PriorityAndTrust(t *testing.T) {
	svc, h := newTestAPI(t)
	do(t, svc, h, "POST", "/api/adapter/enable", "")

	if rec := do(t, svc, h, "PUT", headsetPath+"/profiles/voice/priority", `{"priority":1000}`); rec.Code != http.StatusOK {
		t.Fatalf("Failed to set priority: %d", rec.Code)
	}
	if got := svc.Priority("00:11:22:33:44:55", bt.ProfileVoice); got != bt.PriorityAutoConnect {
		t.Errorf("Expected auto-connect priority, got %d", got)
	}

	if rec := do(t, svc, h, "PUT", headsetPath+"/trust", `{"trusted":true}`); rec.Code != http.StatusOK {
		t.Fatalf("Failed to set trust: %d", rec.Code)
	}
	if !svc.Trusted("00:11:22:33:44:55") {
		t.Error("Expected device trusted")
	}
}
