package node

import (
	"encoding/json"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"swarmcache/nodeid"
)

type stubRegistrationTarget struct {
	registered []nodeid.Contact
	dump       []TableDump
}

func (s *stubRegistrationTarget) RegisterContact(c nodeid.Contact) error {
	s.registered = append(s.registered, c)
	return nil
}

func (s *stubRegistrationTarget) Dump() []TableDump { return s.dump }

func TestRegistrationServerPost(t *testing.T) {
	target := &stubRegistrationTarget{}
	srv := NewRegistrationServer(target, nil)

	id := nodeid.HashInfoHash("registered-node")
	body, _ := json.Marshal(Registration{Nodeid: id.String(), NodeAddr: "192.0.2.5:6881"})
	req := httptest.NewRequest("POST", "/update", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Fatalf("POST /update = %d, want 204", w.Code)
	}
	if len(target.registered) != 1 {
		t.Fatalf("registered %d contacts, want 1", len(target.registered))
	}
	want := nodeid.Contact{ID: id, Addr: netip.MustParseAddrPort("192.0.2.5:6881")}
	if !target.registered[0].Equal(want) {
		t.Errorf("registered %v, want %v", target.registered[0], want)
	}
}

func TestRegistrationServerPostRejectsBadBody(t *testing.T) {
	srv := NewRegistrationServer(&stubRegistrationTarget{}, nil)

	for _, body := range []string{
		"not json",
		`{"Nodeid":"zz","NodeAddr":"192.0.2.5:6881"}`,
		`{"Nodeid":"` + nodeid.HashInfoHash("x").String() + `","NodeAddr":"no-port"}`,
	} {
		req := httptest.NewRequest("POST", "/update", strings.NewReader(body))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != 400 {
			t.Errorf("POST %q = %d, want 400", body, w.Code)
		}
	}
}

func TestRegistrationServerGetDumpsState(t *testing.T) {
	target := &stubRegistrationTarget{
		dump: []TableDump{{
			LocalAddr: "127.0.0.1:6881",
			State:     "started",
			Contacts:  []ContactDump{{ID: nodeid.HashInfoHash("c").String(), Addr: "192.0.2.1:1"}},
		}},
	}
	srv := NewRegistrationServer(target, nil)

	req := httptest.NewRequest("GET", "/update", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("GET /update = %d, want 200", w.Code)
	}
	var got []TableDump
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("GET /update returned invalid JSON: %v", err)
	}
	if len(got) != 1 || got[0].LocalAddr != "127.0.0.1:6881" || len(got[0].Contacts) != 1 {
		t.Errorf("dump = %+v", got)
	}
}

func TestRegistrationServerRejectsOtherMethods(t *testing.T) {
	srv := NewRegistrationServer(&stubRegistrationTarget{}, nil)
	req := httptest.NewRequest("DELETE", "/update", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != 405 {
		t.Errorf("DELETE /update = %d, want 405", w.Code)
	}
}
