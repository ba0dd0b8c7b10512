package nats

import "fmt"

// Command subjects, relative to the device root
const (
	CmdPing      = "cmd.ping"
	CmdService   = "cmd.service"
	CmdInstall   = "cmd.install"
	CmdUninstall = "cmd.uninstall"
	CmdWatch     = "cmd.watch"
	CmdHealth    = "cmd.health"
	CmdMetrics   = "cmd.metrics"
)

// Telemetry subjects, relative to the device root
const (
	TelemetryHeartbeat     = "telemetry.heartbeat"
	TelemetryServices      = "telemetry.services"
	TelemetryServiceStatus = "telemetry.service_status"
)

// Subjects builds the full subjects of one device
type Subjects struct {
	prefix   string
	deviceID string
}

// NewSubjects returns the subject builder for {prefix}.{deviceID}
func NewSubjects(prefix, deviceID string) Subjects {
	return Subjects{prefix: prefix, deviceID: deviceID}
}

// Subject returns {prefix}.{deviceID}.{suffix}
func (s Subjects) Subject(suffix string) string {
	return fmt.Sprintf("%s.%s.%s", s.prefix, s.deviceID, suffix)
}
