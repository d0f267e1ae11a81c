package supervise

import "regexp"

// connectionRegisteredRe matches the connector log line confirming a tunnel
// connection was registered with the edge, e.g.
// "INF Registered tunnel connection connIndex=0".
var connectionRegisteredRe = regexp.MustCompile(`(?i)registered tunnel connection`)

// quickTunnelURLRe matches the ephemeral public URL printed in quick-tunnel
// mode.
var quickTunnelURLRe = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)
