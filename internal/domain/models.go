// Package domain defines the core data types shared across the tunneld
// orchestrator, supervisor, reconciler, and persistence layers.
package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Status values describe the lifecycle of a supervised tunnel.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusError    Status = "error"
)

// IngressRule routes a public hostname (and optional path prefix) to a local
// service URL.  Rules are evaluated in order, first match wins.
type IngressRule struct {
	Hostname string `json:"hostname"`
	Service  string `json:"service"`
	Path     string `json:"path,omitempty"`
}

// CatchAllService is the implicit terminal ingress target appended after all
// user rules in every rendered and remotely pushed configuration.
const CatchAllService = "http_status:404"

// RuntimeCredential is a tagged union of the two mutually exclusive ways the
// tunnel process authenticates: a credentials file on disk, or an opaque
// runtime token.  The zero value means no credential.
type RuntimeCredential struct {
	path  string
	token string
}

// ErrAmbiguousCredential is returned when a persisted record carries both a
// credentials path and a runtime token.
var ErrAmbiguousCredential = errors.New("tunnel record has both credentials file and runtime token")

// CredentialsFile returns a credential backed by a cloudflared credentials
// file at path.
func CredentialsFile(path string) RuntimeCredential {
	return RuntimeCredential{path: path}
}

// RuntimeToken returns a credential backed by an opaque runtime token.
func RuntimeToken(secret string) RuntimeCredential {
	return RuntimeCredential{token: secret}
}

// File returns the credentials file path, if this credential is file-backed.
func (c RuntimeCredential) File() (string, bool) {
	return c.path, c.path != ""
}

// Token returns the runtime token, if this credential is token-backed.
func (c RuntimeCredential) Token() (string, bool) {
	return c.token, c.token != ""
}

// IsZero reports whether no credential is present.
func (c RuntimeCredential) IsZero() bool {
	return c.path == "" && c.token == ""
}

// TunnelRecord is the persisted description of one managed tunnel; one JSON
// document per record in the data directory.  Runtime state (process handle,
// logs, restart counter) is never part of the record.
type TunnelRecord struct {
	ID           string
	Name         string
	AccountID    string
	ZoneID       string
	Credential   RuntimeCredential
	Ingress      []IngressRule
	ContainerIDs []string
	AutoStart    bool
	CreatedAt    time.Time
}

// recordJSON is the wire form of a TunnelRecord.  The credential union is
// flattened into the mutually exclusive credentialsPath/token fields.
type recordJSON struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	AccountID       string        `json:"accountId"`
	ZoneID          string        `json:"zoneId,omitempty"`
	CredentialsPath string        `json:"credentialsPath,omitempty"`
	Token           string        `json:"token,omitempty"`
	Ingress         []IngressRule `json:"ingress"`
	ContainerIDs    []string      `json:"containerIds,omitempty"`
	AutoStart       bool          `json:"autoStart"`
	CreatedAt       time.Time     `json:"createdAt"`
}

func (r TunnelRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:           r.ID,
		Name:         r.Name,
		AccountID:    r.AccountID,
		ZoneID:       r.ZoneID,
		Ingress:      r.Ingress,
		ContainerIDs: r.ContainerIDs,
		AutoStart:    r.AutoStart,
		CreatedAt:    r.CreatedAt,
	}
	out.CredentialsPath, _ = r.Credential.File()
	out.Token, _ = r.Credential.Token()
	return json.Marshal(out)
}

func (r *TunnelRecord) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.CredentialsPath != "" && in.Token != "" {
		return ErrAmbiguousCredential
	}
	*r = TunnelRecord{
		ID:           in.ID,
		Name:         in.Name,
		AccountID:    in.AccountID,
		ZoneID:       in.ZoneID,
		Ingress:      in.Ingress,
		ContainerIDs: in.ContainerIDs,
		AutoStart:    in.AutoStart,
		CreatedAt:    in.CreatedAt,
	}
	if in.CredentialsPath != "" {
		r.Credential = CredentialsFile(in.CredentialsPath)
	} else if in.Token != "" {
		r.Credential = RuntimeToken(in.Token)
	}
	return nil
}

// HasContainer reports whether id is associated with this record.
func (r *TunnelRecord) HasContainer(id string) bool {
	for _, c := range r.ContainerIDs {
		if c == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate without affecting the original.
func (r *TunnelRecord) Clone() *TunnelRecord {
	out := *r
	out.Ingress = append([]IngressRule(nil), r.Ingress...)
	out.ContainerIDs = append([]string(nil), r.ContainerIDs...)
	return &out
}
