package supervisor

// MonitorUnit returns the systemd unit that runs the control plane's serve
// loop (gRPC health, policy reload and scheduled monitor).
func MonitorUnit() string {
	return `[Unit]
Description=shieldclaw security control plane
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/usr/local/bin/shieldclaw serve
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ReadWritePaths=/var/lib/shieldclaw
Environment=SHIELDCLAW_STATE_DIR=/var/lib/shieldclaw

[Install]
WantedBy=multi-user.target
`
}
