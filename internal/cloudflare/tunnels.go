package cloudflare

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hostbound/tunneld/internal/domain"
)

// Tunnel is a provider-registered tunnel resource.
type Tunnel struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Connection is one registered connector connection for a tunnel.  A
// connection with no closed timestamp is live.
type Connection struct {
	ID       string     `json:"id"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at"`
	OriginIP string     `json:"origin_ip"`
}

// Live reports whether the connection has not been closed.
func (c Connection) Live() bool {
	return c.ClosedAt == nil
}

// credentialsFile is the document the cloudflared process reads to
// authenticate as a specific tunnel.
type credentialsFile struct {
	AccountTag   string `json:"AccountTag"`
	TunnelSecret string `json:"TunnelSecret"`
	TunnelID     string `json:"TunnelID"`
}

// ListTunnels returns the account's non-deleted tunnels.
func (c *Client) ListTunnels(ctx context.Context) ([]Tunnel, error) {
	var out []Tunnel
	path := "/accounts/" + c.accountID + "/cfd_tunnel?is_deleted=false"
	if err := c.do(ctx, "list_tunnels", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTunnel registers a new tunnel under the working account and returns
// it together with the credentials blob cloudflared needs to run it.
func (c *Client) CreateTunnel(ctx context.Context, name string) (Tunnel, []byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return Tunnel{}, nil, fmt.Errorf("generate tunnel secret: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(secret)

	body := map[string]string{
		"name":          name,
		"tunnel_secret": encoded,
	}
	var out Tunnel
	path := "/accounts/" + c.accountID + "/cfd_tunnel"
	if err := c.do(ctx, "create_tunnel", http.MethodPost, path, body, &out); err != nil {
		return Tunnel{}, nil, err
	}

	blob, err := json.Marshal(credentialsFile{
		AccountTag:   c.accountID,
		TunnelSecret: encoded,
		TunnelID:     out.ID,
	})
	if err != nil {
		return Tunnel{}, nil, fmt.Errorf("encode tunnel credentials: %w", err)
	}
	return out, blob, nil
}

// GetTunnel fetches one tunnel by id.
func (c *Client) GetTunnel(ctx context.Context, tunnelID string) (Tunnel, error) {
	var out Tunnel
	path := "/accounts/" + c.accountID + "/cfd_tunnel/" + tunnelID
	err := c.do(ctx, "get_tunnel", http.MethodGet, path, nil, &out)
	return out, err
}

// DeleteTunnel removes a tunnel from the control plane.
func (c *Client) DeleteTunnel(ctx context.Context, tunnelID string) error {
	path := "/accounts/" + c.accountID + "/cfd_tunnel/" + tunnelID
	return c.do(ctx, "delete_tunnel", http.MethodDelete, path, nil, nil)
}

// TunnelToken fetches the opaque runtime token authorizing a connector to
// register connections for the tunnel.
func (c *Client) TunnelToken(ctx context.Context, tunnelID string) (string, error) {
	var token string
	path := "/accounts/" + c.accountID + "/cfd_tunnel/" + tunnelID + "/token"
	if err := c.do(ctx, "tunnel_token", http.MethodGet, path, nil, &token); err != nil {
		return "", err
	}
	return token, nil
}

// ListConnections returns the connector connections currently registered for
// the tunnel.
func (c *Client) ListConnections(ctx context.Context, tunnelID string) ([]Connection, error) {
	var out []Connection
	path := "/accounts/" + c.accountID + "/cfd_tunnel/" + tunnelID + "/connections"
	if err := c.do(ctx, "list_connections", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// tunnelConfiguration mirrors the remote configuration document.
type tunnelConfiguration struct {
	Config struct {
		Ingress []ingressEntry `json:"ingress"`
	} `json:"config"`
}

type ingressEntry struct {
	Hostname string `json:"hostname,omitempty"`
	Service  string `json:"service"`
	Path     string `json:"path,omitempty"`
}

// GetConfiguration reads the remote-confirmed ingress rules for a tunnel,
// with the terminal catch-all stripped.
func (c *Client) GetConfiguration(ctx context.Context, tunnelID string) ([]domain.IngressRule, error) {
	var out tunnelConfiguration
	path := "/accounts/" + c.accountID + "/cfd_tunnel/" + tunnelID + "/configurations"
	if err := c.do(ctx, "get_configuration", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	rules := make([]domain.IngressRule, 0, len(out.Config.Ingress))
	for _, e := range out.Config.Ingress {
		if e.Hostname == "" && e.Service == domain.CatchAllService {
			continue
		}
		rules = append(rules, domain.IngressRule{
			Hostname: e.Hostname,
			Service:  e.Service,
			Path:     e.Path,
		})
	}
	return rules, nil
}

// PutConfiguration replaces the remote ingress rules for a tunnel, always
// appending the implicit terminal catch-all after the caller's rules.
func (c *Client) PutConfiguration(ctx context.Context, tunnelID string, rules []domain.IngressRule) error {
	var body tunnelConfiguration
	body.Config.Ingress = make([]ingressEntry, 0, len(rules)+1)
	for _, r := range rules {
		body.Config.Ingress = append(body.Config.Ingress, ingressEntry{
			Hostname: r.Hostname,
			Service:  r.Service,
			Path:     r.Path,
		})
	}
	body.Config.Ingress = append(body.Config.Ingress, ingressEntry{Service: domain.CatchAllService})

	path := "/accounts/" + c.accountID + "/cfd_tunnel/" + tunnelID + "/configurations"
	return c.do(ctx, "put_configuration", http.MethodPut, path, body, nil)
}
