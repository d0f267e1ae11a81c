package cli

import "fmt"

// Version is set at build time via -ldflags.
var Version = "dev"

func printVersion() {
	fmt.Println("tunneld", Version)
}

func printUsage() {
	fmt.Println(`tunneld - Cloudflare Tunnel lifecycle daemon

Provision tunnels, render ingress configuration, and supervise the local
cloudflared connector processes.

Usage:
  tunneld serve                      Start the daemon and management API
  tunneld version                    Print version
  tunneld help                       Show this help

Serve Flags:
  --listen ADDR                      HTTP API listen address (default :8642)
  --data-dir DIR                     Directory for tunnel records and credentials
  --api-token TOKEN                  Cloudflare API token
  --account ID                       Preferred Cloudflare account id
  --cloudflared PATH                 Path to the cloudflared binary
  --credential-mode file|token       How new tunnels authenticate (default file)
  --master-key KEY                   Passphrase for at-rest credential encryption
  --debug-addr ADDR                  Optional pprof listen address

Environment Variables:
  TUNNELD_LISTEN                     HTTP API listen address
  TUNNELD_DATA_DIR                   Data directory
  TUNNELD_LOG_LEVEL                  Log level: debug|info|warn|error (default: info)
  TUNNELD_CLOUDFLARED                cloudflared binary path
  TUNNELD_CREDENTIAL_MODE            file|token
  TUNNELD_MASTER_KEY                 At-rest encryption passphrase
  CLOUDFLARE_API_TOKEN               Cloudflare API token
  CLOUDFLARE_ACCOUNT_ID              Preferred account id`)
}
