package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRecordJSONRoundTripFileMode(t *testing.T) {
	t.Parallel()

	rec := TunnelRecord{
		ID:           "tun-1",
		Name:         "api",
		AccountID:    "acc-1",
		ZoneID:       "zone-1",
		Credential:   CredentialsFile("/data/run/tun-1.json"),
		Ingress:      []IngressRule{{Hostname: "api.example.com", Service: "http://api:8080"}},
		ContainerIDs: []string{"c1", "c2"},
		AutoStart:    true,
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), `"token"`) {
		t.Fatalf("file-mode record must not serialize a token field: %s", raw)
	}

	var got TunnelRecord
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	path, ok := got.Credential.File()
	if !ok || path != "/data/run/tun-1.json" {
		t.Fatalf("credentials path lost in round trip: %q, %v", path, ok)
	}
	if _, ok := got.Credential.Token(); ok {
		t.Fatal("file-mode credential must not report a token")
	}
	if !got.HasContainer("c2") || got.HasContainer("c3") {
		t.Fatal("container associations lost in round trip")
	}
}

func TestRecordJSONRoundTripTokenMode(t *testing.T) {
	t.Parallel()

	rec := TunnelRecord{
		ID:         "tun-2",
		Name:       "web",
		AccountID:  "acc-1",
		Credential: RuntimeToken("eyJhIjoi..."),
		CreatedAt:  time.Now().UTC(),
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "credentialsPath") {
		t.Fatalf("token-mode record must omit credentialsPath: %s", raw)
	}

	var got TunnelRecord
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	tok, ok := got.Credential.Token()
	if !ok || tok != "eyJhIjoi..." {
		t.Fatalf("token lost in round trip: %q, %v", tok, ok)
	}
}

func TestRecordUnmarshalRejectsAmbiguousCredential(t *testing.T) {
	t.Parallel()

	raw := `{"id":"t","name":"n","accountId":"a","credentialsPath":"/x","token":"y","createdAt":"2026-01-01T00:00:00Z"}`
	var rec TunnelRecord
	err := json.Unmarshal([]byte(raw), &rec)
	if !errors.Is(err, ErrAmbiguousCredential) {
		t.Fatalf("expected ErrAmbiguousCredential, got %v", err)
	}
}

func TestCredentialZeroValue(t *testing.T) {
	t.Parallel()

	var c RuntimeCredential
	if !c.IsZero() {
		t.Fatal("zero credential must report IsZero")
	}
	if _, ok := c.File(); ok {
		t.Fatal("zero credential must not report a file")
	}
	if _, ok := c.Token(); ok {
		t.Fatal("zero credential must not report a token")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	rec := &TunnelRecord{
		ID:           "t",
		Ingress:      []IngressRule{{Hostname: "a.example.com", Service: "http://a:80"}},
		ContainerIDs: []string{"c1"},
	}
	cp := rec.Clone()
	cp.Ingress[0].Hostname = "changed.example.com"
	cp.ContainerIDs[0] = "changed"

	if rec.Ingress[0].Hostname != "a.example.com" || rec.ContainerIDs[0] != "c1" {
		t.Fatal("Clone must not share slice backing arrays")
	}
}
