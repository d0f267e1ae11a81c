package cloudflare

import (
	"context"
	"net/http"
	"net/url"
)

// Zone is a DNS zone visible to the API token.
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DNSRecord is a DNS record within a zone.
type DNSRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl,omitempty"`
}

// tunnelDNSSuffix is the CNAME target domain Cloudflare routes tunnel
// traffic through.
const tunnelDNSSuffix = ".cfargotunnel.com"

// ListZones returns every zone visible to the API token, across accounts.
func (c *Client) ListZones(ctx context.Context) ([]Zone, error) {
	var out []Zone
	if err := c.do(ctx, "list_zones", http.MethodGet, "/zones?per_page=100", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAccountZones returns the zones owned by the working account.
func (c *Client) ListAccountZones(ctx context.Context) ([]Zone, error) {
	var out []Zone
	path := "/zones?per_page=100&account.id=" + url.QueryEscape(c.accountID)
	if err := c.do(ctx, "list_zones", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertTunnelDNS points hostname at the tunnel via a proxied CNAME,
// updating the existing record when one is present.
func (c *Client) UpsertTunnelDNS(ctx context.Context, zoneID, hostname, tunnelID string) error {
	record := DNSRecord{
		Type:    "CNAME",
		Name:    hostname,
		Content: tunnelID + tunnelDNSSuffix,
		Proxied: true,
		TTL:     1, // automatic
	}

	var existing []DNSRecord
	listPath := "/zones/" + zoneID + "/dns_records?type=CNAME&name=" + url.QueryEscape(hostname)
	if err := c.do(ctx, "list_dns_records", http.MethodGet, listPath, nil, &existing); err != nil {
		return err
	}

	if len(existing) > 0 {
		path := "/zones/" + zoneID + "/dns_records/" + existing[0].ID
		return c.do(ctx, "update_dns_record", http.MethodPut, path, record, nil)
	}
	path := "/zones/" + zoneID + "/dns_records"
	return c.do(ctx, "create_dns_record", http.MethodPost, path, record, nil)
}
