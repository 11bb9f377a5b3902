package payment

import (
	"encoding/json"
	"testing"
)

func TestSignerRoundTrip(t *testing.T) {
	signer := NewSigner("secret-key")

	env := &envelope{
		Cmd:     "createInvoice",
		Version: 1005,
		Lang:    "ru",
		Sid:     "merchant-1",
		Mktime:  "1724428800",
		Data: map[string]interface{}{
			"order_id": "TLP-5002-20260824120000-deadbeef",
			"desc":     "Доставка посылки №42",
			"amount":   150000,
		},
	}

	_, hash, err := signer.Sign(env)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(hash) != 32 {
		t.Fatalf("hash length = %d; want 32 hex chars", len(hash))
	}

	env.Hash = hash
	signed, err := compactJSON(env)
	if err != nil {
		t.Fatal(err)
	}

	ok, found, err := signer.VerifyBody(signed)
	if err != nil {
		t.Fatalf("VerifyBody: %v", err)
	}
	if !found {
		t.Fatal("hash member not found in signed body")
	}
	if !ok {
		t.Fatal("round-tripped signature did not verify")
	}
}

func TestVerifyBodyRejectsTampering(t *testing.T) {
	signer := NewSigner("secret-key")

	env := &envelope{
		Cmd:     "statusPayment",
		Version: 1005,
		Lang:    "ru",
		Sid:     "merchant-1",
		Mktime:  "1724428800",
		Data:    map[string]interface{}{"invoice_id": "777"},
	}

	_, hash, err := signer.Sign(env)
	if err != nil {
		t.Fatal(err)
	}
	env.Hash = hash
	env.Sid = "merchant-2"

	signed, err := compactJSON(env)
	if err != nil {
		t.Fatal(err)
	}

	ok, found, err := signer.VerifyBody(signed)
	if err != nil {
		t.Fatalf("VerifyBody: %v", err)
	}
	if !found {
		t.Fatal("hash member not found")
	}
	if ok {
		t.Fatal("tampered payload must not verify")
	}
}

func TestVerifyBodyWrongSecret(t *testing.T) {
	env := &envelope{Cmd: "x", Version: 1, Lang: "ru", Sid: "s", Mktime: "0", Data: map[string]string{}}

	_, hash, err := NewSigner("key-a").Sign(env)
	if err != nil {
		t.Fatal(err)
	}
	env.Hash = hash

	signed, err := compactJSON(env)
	if err != nil {
		t.Fatal(err)
	}

	ok, _, err := NewSigner("key-b").VerifyBody(signed)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("signature from a different secret must not verify")
	}
}

func TestExtractHash(t *testing.T) {
	t.Run("trailing member", func(t *testing.T) {
		payload, hash, found, err := ExtractHash([]byte(`{"cmd":"x","hash":"abcdef0123456789"}`))
		if err != nil {
			t.Fatal(err)
		}
		if !found || hash != "abcdef0123456789" {
			t.Fatalf("hash = %q found = %v", hash, found)
		}
		if !json.Valid(payload) {
			t.Errorf("stripped payload is not valid JSON: %s", payload)
		}
		if string(payload) != `{"cmd":"x"}` {
			t.Errorf("payload = %s", payload)
		}
	})

	t.Run("leading member", func(t *testing.T) {
		payload, _, found, err := ExtractHash([]byte(`{"hash":"00ff","cmd":"x"}`))
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("hash not found")
		}
		if string(payload) != `{"cmd":"x"}` {
			t.Errorf("payload = %s", payload)
		}
	})

	t.Run("absent member", func(t *testing.T) {
		_, _, found, err := ExtractHash([]byte(`{"cmd":"x"}`))
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("found a hash where there is none")
		}
	})

	t.Run("nested hash left intact", func(t *testing.T) {
		body := []byte(`{"cmd":"x","data":{"hash":"deadbeef","n":1},"hash":"00ff"}`)

		payload, hash, found, err := ExtractHash(body)
		if err != nil {
			t.Fatal(err)
		}
		if !found || hash != "00ff" {
			t.Fatalf("hash = %q found = %v; want the top-level member", hash, found)
		}
		if string(payload) != `{"cmd":"x","data":{"hash":"deadbeef","n":1}}` {
			t.Errorf("payload = %s", payload)
		}
	})

	t.Run("nested hash only", func(t *testing.T) {
		_, _, found, err := ExtractHash([]byte(`{"cmd":"x","data":{"hash":"deadbeef"}}`))
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("nested hash must not count as the envelope signature")
		}
	})

	t.Run("whitespace normalised", func(t *testing.T) {
		signer := NewSigner("k")
		compact := []byte(`{"cmd":"x","n":1}`)
		hash := signer.SignBytes(compact)

		pretty := []byte("{\n  \"cmd\": \"x\",\n  \"n\": 1,\n  \"hash\": \"" + hash + "\"\n}")
		ok, found, err := signer.VerifyBody(pretty)
		if err != nil {
			t.Fatal(err)
		}
		if !found || !ok {
			t.Fatalf("ok = %v found = %v; want both true", ok, found)
		}
	})
}

func TestVerifyBodyWithNestedHashMember(t *testing.T) {
	signer := NewSigner("secret-key")

	env := &envelope{
		Cmd:     "payWindow",
		Version: 1005,
		Lang:    "ru",
		Sid:     "merchant-1",
		Mktime:  "1724428800",
		Data: map[string]interface{}{
			"invoice_id": "777",
			"hash":       "feedface00",
		},
	}

	_, hash, err := signer.Sign(env)
	if err != nil {
		t.Fatal(err)
	}
	env.Hash = hash

	signed, err := compactJSON(env)
	if err != nil {
		t.Fatal(err)
	}

	ok, found, err := signer.VerifyBody(signed)
	if err != nil {
		t.Fatalf("VerifyBody: %v", err)
	}
	if !found || !ok {
		t.Fatalf("ok = %v found = %v; data-level hash must not break verification", ok, found)
	}
}

func TestCompactJSONKeepsUTF8(t *testing.T) {
	payload, err := compactJSON(map[string]string{"desc": "Доставка & приём <посылок>"})
	if err != nil {
		t.Fatal(err)
	}

	got := string(payload)
	if got != `{"desc":"Доставка & приём <посылок>"}` {
		t.Errorf("compactJSON escaped content: %s", got)
	}
}
