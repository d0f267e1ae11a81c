// Package ingress renders and validates the routing configuration consumed
// by the cloudflared process.
package ingress

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hostbound/tunneld/internal/domain"
	"github.com/hostbound/tunneld/internal/netutil"
)

// Options control the per-tunnel header of the rendered configuration.
// CredentialsPath is empty in runtime-token mode, which omits the
// tunnel/credentials-file header pair entirely (the token already pins the
// tunnel identity).
type Options struct {
	TunnelID        string
	CredentialsPath string
	MetricsPort     int
}

type configFile struct {
	Tunnel          string  `yaml:"tunnel,omitempty"`
	CredentialsFile string  `yaml:"credentials-file,omitempty"`
	Metrics         string  `yaml:"metrics,omitempty"`
	Ingress         []entry `yaml:"ingress"`
}

type entry struct {
	Hostname string `yaml:"hostname,omitempty"`
	Path     string `yaml:"path,omitempty"`
	Service  string `yaml:"service"`
}

// Render produces the YAML configuration for a tunnel.  It is a pure
// function: the same inputs always yield the same output.  The caller's
// rules keep their order (first match wins) and are always terminated by
// exactly one catch-all rule.
func Render(opts Options, rules []domain.IngressRule) (string, error) {
	cfg := configFile{
		Ingress: make([]entry, 0, len(rules)+1),
	}
	if opts.CredentialsPath != "" {
		cfg.Tunnel = opts.TunnelID
		cfg.CredentialsFile = opts.CredentialsPath
	}
	if opts.MetricsPort > 0 {
		cfg.Metrics = "localhost:" + strconv.Itoa(opts.MetricsPort)
	}
	for _, r := range rules {
		cfg.Ingress = append(cfg.Ingress, entry{
			Hostname: r.Hostname,
			Path:     r.Path,
			Service:  r.Service,
		})
	}
	cfg.Ingress = append(cfg.Ingress, entry{Service: domain.CatchAllService})

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal ingress config: %w", err)
	}
	return string(out), nil
}

var hostnameRe = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

var httpStatusRe = regexp.MustCompile(`^http_status:[1-5][0-9]{2}$`)

// serviceSchemes lists the origin URL schemes cloudflared accepts.
var serviceSchemes = map[string]bool{
	"http":     true,
	"https":    true,
	"tcp":      true,
	"ssh":      true,
	"rdp":      true,
	"unix":     true,
	"unix+tls": true,
}

// ValidateRules rejects malformed hostnames and service URLs before any
// remote or process side effect takes place.
func ValidateRules(rules []domain.IngressRule) error {
	for i, r := range rules {
		host := netutil.NormalizeHost(r.Hostname)
		if host == "" || !hostnameRe.MatchString(host) {
			return domain.E(domain.CodeInvalidArgument, "ingress rule %d: invalid hostname %q", i, r.Hostname)
		}
		if err := validateService(r.Service); err != nil {
			return domain.E(domain.CodeInvalidArgument, "ingress rule %d: %v", i, err)
		}
		if r.Path != "" && !strings.HasPrefix(r.Path, "/") {
			return domain.E(domain.CodeInvalidArgument, "ingress rule %d: path must start with /", i)
		}
	}
	return nil
}

func validateService(service string) error {
	service = strings.TrimSpace(service)
	if service == "" {
		return fmt.Errorf("empty service")
	}
	if httpStatusRe.MatchString(service) {
		return nil
	}
	switch service {
	case "bastion", "hello_world", "hello-world":
		return nil
	}
	u, err := url.Parse(service)
	if err != nil {
		return fmt.Errorf("invalid service URL %q", service)
	}
	if !serviceSchemes[u.Scheme] {
		return fmt.Errorf("unsupported service scheme %q", u.Scheme)
	}
	if u.Scheme != "unix" && u.Scheme != "unix+tls" && u.Host == "" {
		return fmt.Errorf("service URL %q has no host", service)
	}
	return nil
}
