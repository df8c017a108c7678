package krpc

import (
	"testing"
)

func TestQueryRoundTrip(t *testing.T) {
	raw, err := Encode(Query{
		T: "aa",
		Y: TypeQuery,
		Q: QueryPing,
		A: map[string]interface{}{"id": "abcdefghij0123456789"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Y != TypeQuery || env.Q != QueryPing || env.T != "aa" {
		t.Errorf("decoded envelope = %+v", env)
	}
	if id, _ := env.A["id"].(string); id != "abcdefghij0123456789" {
		t.Errorf("args id = %q", id)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	raw, err := Encode(Reply{
		T: "bb",
		Y: TypeResponse,
		R: map[string]interface{}{"id": "mnopqrstuvwxyz123456", "token": "tok"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Y != TypeResponse {
		t.Errorf("y = %q, want %q", env.Y, TypeResponse)
	}
	if tok, _ := env.R["token"].(string); tok != "tok" {
		t.Errorf("token = %q", tok)
	}
}

func TestErrorReplyRoundTrip(t *testing.T) {
	raw, err := Encode(ErrorReply{
		T: "cc",
		Y: TypeError,
		E: []interface{}{ErrNotResponsible, "This infohash is not my responsibility"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Y != TypeError {
		t.Errorf("y = %q, want %q", env.Y, TypeError)
	}
	if len(env.E) != 2 {
		t.Fatalf("e = %v, want [code, message]", env.E)
	}
	if code, _ := env.E[0].(int64); code != ErrNotResponsible {
		t.Errorf("error code = %v, want %d", env.E[0], ErrNotResponsible)
	}
}

func TestDecodeRejectsMissingKeys(t *testing.T) {
	// A well-formed bencoded dict without "y".
	if _, err := Decode([]byte("d1:t2:aae")); err == nil {
		t.Errorf("Decode accepted a message without y")
	}
	// And one without "t".
	if _, err := Decode([]byte("d1:y1:qe")); err == nil {
		t.Errorf("Decode accepted a message without t")
	}
}

func TestDecodeRejectsMalformedBencoding(t *testing.T) {
	for _, raw := range []string{"", "garbage", "d1:t2:aa"} {
		if _, err := Decode([]byte(raw)); err == nil {
			t.Errorf("Decode(%q) succeeded on malformed input", raw)
		}
	}
}

func TestNewTransactionIDLength(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		tid, err := NewTransactionID()
		if err != nil {
			t.Fatalf("NewTransactionID: %v", err)
		}
		if len(tid) < 1 || len(tid) > 4 {
			t.Fatalf("transaction id length %d out of the 1-4 byte range", len(tid))
		}
		seen[tid] = true
	}
	if len(seen) < 32 {
		t.Errorf("only %d distinct ids in 64 draws", len(seen))
	}
}
