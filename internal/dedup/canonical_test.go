package dedup

import "testing"

func TestCanonicalKey_KeyOrderInsensitive(t *testing.T) {
	a := []byte(`{"model":"m","messages":[{"role":"user","content":"hi"}],"temperature":0.5}`)
	b := []byte(`{"temperature":0.5,"messages":[{"content":"hi","role":"user"}],"model":"m"}`)

	ka, err := CanonicalKey(a)
	if err != nil {
		t.Fatalf("key a: %v", err)
	}
	kb, err := CanonicalKey(b)
	if err != nil {
		t.Fatalf("key b: %v", err)
	}
	if ka != kb {
		t.Error("reordered object keys must produce the same key")
	}
}

func TestCanonicalKey_ArrayOrderSignificant(t *testing.T) {
	a := []byte(`{"messages":[{"role":"user","content":"one"},{"role":"user","content":"two"}]}`)
	b := []byte(`{"messages":[{"role":"user","content":"two"},{"role":"user","content":"one"}]}`)

	ka, _ := CanonicalKey(a)
	kb, _ := CanonicalKey(b)
	if ka == kb {
		t.Error("message order must be significant")
	}
}

func TestCanonicalKey_StripsStream(t *testing.T) {
	a := []byte(`{"model":"m","messages":[],"stream":true}`)
	b := []byte(`{"model":"m","messages":[],"stream":false}`)
	c := []byte(`{"model":"m","messages":[]}`)

	ka, _ := CanonicalKey(a)
	kb, _ := CanonicalKey(b)
	kc, _ := CanonicalKey(c)
	if ka != kb || kb != kc {
		t.Error("streaming and non-streaming variants must share a key")
	}
}

func TestCanonicalKey_ModelSignificant(t *testing.T) {
	a := []byte(`{"model":"m1","messages":[]}`)
	b := []byte(`{"model":"m2","messages":[]}`)

	ka, _ := CanonicalKey(a)
	kb, _ := CanonicalKey(b)
	if ka == kb {
		t.Error("full key must keep the model field")
	}
}

func TestContentKey_StripsModelAndStream(t *testing.T) {
	a := []byte(`{"model":"m1","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	b := []byte(`{"model":"m2","messages":[{"role":"user","content":"hi"}]}`)

	ka, err := ContentKey(a)
	if err != nil {
		t.Fatalf("key a: %v", err)
	}
	kb, err := ContentKey(b)
	if err != nil {
		t.Fatalf("key b: %v", err)
	}
	if ka != kb {
		t.Error("content key must ignore model and stream")
	}
}

func TestCanonicalKey_InvalidJSON(t *testing.T) {
	if _, err := CanonicalKey([]byte("{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
