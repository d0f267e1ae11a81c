package ingress

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/hostbound/tunneld/internal/domain"
)

func TestRenderFileMode(t *testing.T) {
	t.Parallel()

	out, err := Render(Options{
		TunnelID:        "tun-1",
		CredentialsPath: "/data/run/tun-1.json",
		MetricsPort:     20241,
	}, []domain.IngressRule{
		{Hostname: "api.example.com", Service: "http://api:8080"},
		{Hostname: "app.example.com", Path: "/ws", Service: "http://app:3000"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var cfg struct {
		Tunnel          string `yaml:"tunnel"`
		CredentialsFile string `yaml:"credentials-file"`
		Metrics         string `yaml:"metrics"`
		Ingress         []struct {
			Hostname string `yaml:"hostname"`
			Path     string `yaml:"path"`
			Service  string `yaml:"service"`
		} `yaml:"ingress"`
	}
	if err := yaml.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatal(err)
	}

	if cfg.Tunnel != "tun-1" || cfg.CredentialsFile != "/data/run/tun-1.json" {
		t.Fatalf("header lost: %+v", cfg)
	}
	if cfg.Metrics != "localhost:20241" {
		t.Fatalf("metrics: got %q", cfg.Metrics)
	}
	if len(cfg.Ingress) != 3 {
		t.Fatalf("expected 2 rules + catch-all, got %d entries", len(cfg.Ingress))
	}
	if cfg.Ingress[0].Hostname != "api.example.com" || cfg.Ingress[1].Path != "/ws" {
		t.Fatalf("rule order lost: %+v", cfg.Ingress)
	}
	last := cfg.Ingress[len(cfg.Ingress)-1]
	if last.Hostname != "" || last.Service != domain.CatchAllService {
		t.Fatalf("last entry must be the bare catch-all, got %+v", last)
	}
}

func TestRenderTokenModeOmitsHeader(t *testing.T) {
	t.Parallel()

	out, err := Render(Options{TunnelID: "tun-1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "tunnel:") || strings.Contains(out, "credentials-file:") {
		t.Fatalf("token-mode config must omit the tunnel header:\n%s", out)
	}
	if !strings.Contains(out, domain.CatchAllService) {
		t.Fatalf("catch-all missing even with no rules:\n%s", out)
	}
}

func TestRenderAppendsExactlyOneCatchAll(t *testing.T) {
	t.Parallel()

	// A caller-supplied catch-all-looking rule keeps its position; the
	// terminal rule is still appended.
	out, err := Render(Options{TunnelID: "t"}, []domain.IngressRule{
		{Hostname: "a.example.com", Service: "http_status:503"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(out, domain.CatchAllService); n != 1 {
		t.Fatalf("expected exactly one catch-all entry, got %d:\n%s", n, out)
	}
}

func TestRenderDeterministic(t *testing.T) {
	t.Parallel()

	opts := Options{TunnelID: "t", CredentialsPath: "/c.json"}
	rules := []domain.IngressRule{{Hostname: "a.example.com", Service: "http://a:80"}}
	first, err := Render(opts, rules)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Render(opts, rules)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Fatal("Render output is not deterministic")
		}
	}
}

func TestValidateRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		rule    domain.IngressRule
		wantErr bool
	}{
		{"http service", domain.IngressRule{Hostname: "a.example.com", Service: "http://svc:8080"}, false},
		{"https service", domain.IngressRule{Hostname: "a.example.com", Service: "https://svc:8443"}, false},
		{"tcp service", domain.IngressRule{Hostname: "a.example.com", Service: "tcp://db:5432"}, false},
		{"ssh service", domain.IngressRule{Hostname: "a.example.com", Service: "ssh://host:22"}, false},
		{"unix socket", domain.IngressRule{Hostname: "a.example.com", Service: "unix:/run/app.sock"}, false},
		{"http_status", domain.IngressRule{Hostname: "a.example.com", Service: "http_status:404"}, false},
		{"hello world", domain.IngressRule{Hostname: "a.example.com", Service: "hello_world"}, false},
		{"with path", domain.IngressRule{Hostname: "a.example.com", Service: "http://svc:80", Path: "/api"}, false},
		{"hostname with port is normalized", domain.IngressRule{Hostname: "a.example.com:443", Service: "http://svc:80"}, false},
		{"empty hostname", domain.IngressRule{Service: "http://svc:80"}, true},
		{"bare label hostname", domain.IngressRule{Hostname: "localhost", Service: "http://svc:80"}, true},
		{"underscore hostname", domain.IngressRule{Hostname: "bad_host.example.com", Service: "http://svc:80"}, true},
		{"empty service", domain.IngressRule{Hostname: "a.example.com"}, true},
		{"bad scheme", domain.IngressRule{Hostname: "a.example.com", Service: "ftp://svc:21"}, true},
		{"bad status code", domain.IngressRule{Hostname: "a.example.com", Service: "http_status:999"}, true},
		{"no host in url", domain.IngressRule{Hostname: "a.example.com", Service: "http://"}, true},
		{"relative path", domain.IngressRule{Hostname: "a.example.com", Service: "http://svc:80", Path: "api"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRules([]domain.IngressRule{tt.rule})
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRules(%+v): err=%v, wantErr=%v", tt.rule, err, tt.wantErr)
			}
			if err != nil && !domain.IsCode(err, domain.CodeInvalidArgument) {
				t.Fatalf("validation errors must carry invalid_argument, got %v", err)
			}
		})
	}
}

func TestValidateRulesReportsRuleIndex(t *testing.T) {
	t.Parallel()

	err := ValidateRules([]domain.IngressRule{
		{Hostname: "ok.example.com", Service: "http://svc:80"},
		{Hostname: "bad", Service: "http://svc:80"},
	})
	if err == nil || !strings.Contains(err.Error(), "rule 1") {
		t.Fatalf("expected failing rule index in error, got %v", err)
	}
}
