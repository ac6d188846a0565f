package main

import (
	"encoding/json"
	"net/http"

	"github.com/user/bluecore/bt"
	"github.com/user/bluecore/logger"
	"github.com/user/bluecore/props"
	"github.com/user/bluecore/service"
)

// api exposes the control plane operations over HTTP. Commands answer
// 200 when accepted and 409 when the core refused them.
type api struct {
	svc *service.Service
}

type adapterView struct {
	State     string `json:"state"`
	ScanMode  string `json:"scan_mode"`
	Aggregate string `json:"connection_state"`
}

type deviceView struct {
	Address  string            `json:"address"`
	Name     string            `json:"name,omitempty"`
	Bond     string            `json:"bond_state"`
	Trusted  bool              `json:"trusted"`
	Playing  bool              `json:"playing"`
	Lanes    map[string]string `json:"lanes,omitempty"`
	Priority map[string]int    `json:"priority,omitempty"`
}

type result struct {
	OK bool `json:"ok"`
}

func newAPI(svc *service.Service) http.Handler {
	a := &api{svc: svc}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/adapter", a.adapter)
	mux.HandleFunc("POST /api/adapter/enable", a.command(func(*http.Request) bool { return svc.Enable() }))
	mux.HandleFunc("POST /api/adapter/disable", a.command(func(*http.Request) bool { return svc.Disable() }))
	mux.HandleFunc("POST /api/adapter/airplane", a.airplane)
	mux.HandleFunc("POST /api/adapter/scan-mode", a.scanMode)
	mux.HandleFunc("POST /api/call", a.call)

	mux.HandleFunc("GET /api/devices", a.devices)
	mux.HandleFunc("GET /api/devices/{address}", a.device)
	mux.HandleFunc("POST /api/devices/{address}/bond", a.command(func(r *http.Request) bool {
		return svc.CreateBond(r.PathValue("address"))
	}))
	mux.HandleFunc("DELETE /api/devices/{address}/bond", a.command(func(r *http.Request) bool {
		return svc.RemoveBond(r.PathValue("address"))
	}))
	mux.HandleFunc("POST /api/devices/{address}/bond/cancel", a.command(func(r *http.Request) bool {
		return svc.CancelBond(r.PathValue("address"))
	}))
	mux.HandleFunc("POST /api/devices/{address}/pairing", a.pairing)
	mux.HandleFunc("PUT /api/devices/{address}/trust", a.trust)
	mux.HandleFunc("POST /api/devices/{address}/profiles/{profile}/connect", a.profile(svc.Connect))
	mux.HandleFunc("POST /api/devices/{address}/profiles/{profile}/disconnect", a.profile(svc.Disconnect))
	mux.HandleFunc("PUT /api/devices/{address}/profiles/{profile}/priority", a.priority)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("api", "failed to write response: %v", err)
	}
}

func writeResult(w http.ResponseWriter, ok bool) {
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, result{OK: ok})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (a *api) command(fn func(*http.Request) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, fn(r))
	}
}

func (a *api) adapter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, adapterView{
		State:     a.svc.AdapterState().String(),
		ScanMode:  a.svc.ScanMode().String(),
		Aggregate: a.svc.AggregateConnectionState().String(),
	})
}

func (a *api) airplane(w http.ResponseWriter, r *http.Request) {
	var body struct {
		On bool `json:"on"`
	}
	if decode(w, r, &body) {
		writeResult(w, a.svc.SetAirplaneMode(body.On))
	}
}

func (a *api) scanMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if !decode(w, r, &body) {
		return
	}
	mode, ok := bt.ParseScanMode(body.Mode)
	if !ok {
		http.Error(w, "unknown scan mode "+body.Mode, http.StatusBadRequest)
		return
	}
	writeResult(w, a.svc.SetScanMode(mode))
}

func (a *api) call(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if decode(w, r, &body) {
		a.svc.SetCallActive(body.Active)
		writeResult(w, true)
	}
}

func (a *api) view(address string, detail bool) deviceView {
	v := deviceView{
		Address: address,
		Bond:    a.svc.BondState(address).String(),
		Trusted: a.svc.Trusted(address),
		Playing: a.svc.Playing(address),
	}
	v.Name, _ = a.svc.RemoteProperty(address, props.Name)
	if !detail {
		return v
	}
	v.Lanes = make(map[string]string, bt.NumProfiles)
	v.Priority = make(map[string]int, bt.NumProfiles)
	for _, p := range bt.Profiles {
		v.Lanes[p.String()] = a.svc.ConnectionState(address, p).String()
		v.Priority[p.String()] = a.svc.Priority(address, p)
	}
	return v
}

func (a *api) devices(w http.ResponseWriter, r *http.Request) {
	bonded := a.svc.BondedDevices()
	out := make([]deviceView, 0, len(bonded))
	for _, addr := range bonded {
		out = append(out, a.view(string(addr), false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) device(w http.ResponseWriter, r *http.Request) {
	addr, err := bt.ParseAddress(r.PathValue("address"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, a.view(string(addr), true))
}

// pairing answers the outstanding pairing request of a device. Exactly one
// of the fields is expected.
func (a *api) pairing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pin     *string `json:"pin"`
		Passkey *int    `json:"passkey"`
		Confirm *bool   `json:"confirm"`
		Cancel  bool    `json:"cancel"`
	}
	if !decode(w, r, &body) {
		return
	}
	address := r.PathValue("address")
	switch {
	case body.Cancel:
		writeResult(w, a.svc.CancelPairingUserInput(address))
	case body.Pin != nil:
		writeResult(w, a.svc.SetPin(address, *body.Pin))
	case body.Passkey != nil:
		writeResult(w, a.svc.SetPasskey(address, *body.Passkey))
	case body.Confirm != nil:
		writeResult(w, a.svc.SetPairingConfirmation(address, *body.Confirm))
	default:
		http.Error(w, "expected pin, passkey, confirm or cancel", http.StatusBadRequest)
	}
}

func (a *api) trust(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Trusted bool `json:"trusted"`
	}
	if decode(w, r, &body) {
		writeResult(w, a.svc.SetTrust(r.PathValue("address"), body.Trusted))
	}
}

func pathProfile(w http.ResponseWriter, r *http.Request) (bt.Profile, bool) {
	p, ok := bt.ParseProfile(r.PathValue("profile"))
	if !ok {
		http.Error(w, "unknown profile "+r.PathValue("profile"), http.StatusNotFound)
	}
	return p, ok
}

func (a *api) profile(fn func(string, bt.Profile) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p, ok := pathProfile(w, r); ok {
			writeResult(w, fn(r.PathValue("address"), p))
		}
	}
}

func (a *api) priority(w http.ResponseWriter, r *http.Request) {
	p, ok := pathProfile(w, r)
	if !ok {
		return
	}
	var body struct {
		Priority int `json:"priority"`
	}
	if decode(w, r, &body) {
		writeResult(w, a.svc.SetPriority(r.PathValue("address"), p, body.Priority))
	}
}
