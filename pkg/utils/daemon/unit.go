package daemon

import "strings"

// UnitPath is where the systemd unit is installed.
var UnitPath = "/etc/systemd/system/autobim.service"

const unitName = "autobim.service"

const unitTemplate = `[Unit]
Description=autobim bed leveling daemon
After=network.target

[Service]
Type=simple
ExecStart=/path/to/autobim daemon --config /path/to/config --daemon-socket /path/to/socket
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

// RenderUnit returns the systemd unit that runs exePath as the daemon.
func RenderUnit(exePath, configPath, socketPath string) string {
	return strings.NewReplacer(
		"/path/to/autobim", exePath,
		"/path/to/config", configPath,
		"/path/to/socket", socketPath,
	).Replace(unitTemplate)
}
