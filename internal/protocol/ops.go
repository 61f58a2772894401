package protocol

import "fmt"

// Op names an operation module and action. The high byte is the module.
type Op uint16

const (
	OpCommandExec  Op = 0x0101
	OpDaemonStart  Op = 0x0102
	OpDaemonStop   Op = 0x0103
	OpDaemonStatus Op = 0x0104

	OpFileStat   Op = 0x0201
	OpFileRemove Op = 0x0202
	OpFileMove   Op = 0x0203
	OpFileCopy   Op = 0x0204
	OpFileChown  Op = 0x0205
	OpFileChmod  Op = 0x0206
	OpFileRead   Op = 0x0207
	OpFileWrite  Op = 0x0208
	OpFileUpload Op = 0x0209

	OpDirCreate Op = 0x0301
	OpDirRemove Op = 0x0302
	OpDirCopy   Op = 0x0303
	OpDirChown  Op = 0x0304
	OpDirChmod  Op = 0x0305
	OpDirList   Op = 0x0306

	OpPackageQuery     Op = 0x0401
	OpPackageInstall   Op = 0x0402
	OpPackageUninstall Op = 0x0403
	OpPackageProvider  Op = 0x0404

	OpServiceStatus  Op = 0x0501
	OpServiceStart   Op = 0x0502
	OpServiceStop    Op = 0x0503
	OpServiceRestart Op = 0x0504
	OpServiceEnable  Op = 0x0505
	OpServiceDisable Op = 0x0506

	OpTemplateRender Op = 0x0601

	OpPayloadUpload Op = 0x0701
	OpPayloadExec   Op = 0x0702

	OpTelemetry Op = 0x0801
)

var opNames = map[Op]string{
	OpCommandExec:      "command.exec",
	OpDaemonStart:      "daemon.start",
	OpDaemonStop:       "daemon.stop",
	OpDaemonStatus:     "daemon.status",
	OpFileStat:         "file.stat",
	OpFileRemove:       "file.remove",
	OpFileMove:         "file.move",
	OpFileCopy:         "file.copy",
	OpFileChown:        "file.chown",
	OpFileChmod:        "file.chmod",
	OpFileRead:         "file.read",
	OpFileWrite:        "file.write",
	OpFileUpload:       "file.upload",
	OpDirCreate:        "dir.create",
	OpDirRemove:        "dir.remove",
	OpDirCopy:          "dir.copy",
	OpDirChown:         "dir.chown",
	OpDirChmod:         "dir.chmod",
	OpDirList:          "dir.list",
	OpPackageQuery:     "package.query",
	OpPackageInstall:   "package.install",
	OpPackageUninstall: "package.uninstall",
	OpPackageProvider:  "package.provider",
	OpServiceStatus:    "service.status",
	OpServiceStart:     "service.start",
	OpServiceStop:      "service.stop",
	OpServiceRestart:   "service.restart",
	OpServiceEnable:    "service.enable",
	OpServiceDisable:   "service.disable",
	OpTemplateRender:   "template.render",
	OpPayloadUpload:    "payload.upload",
	OpPayloadExec:      "payload.exec",
	OpTelemetry:        "telemetry",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(0x%04x)", uint16(o))
}

// Known reports whether o is an operation this build understands.
func (o Op) Known() bool {
	_, ok := opNames[o]
	return ok
}

// RunState is the wire form of a runnable's state.
type RunState uint8

const (
	RunUnknown RunState = iota
	RunRunning
	RunStopped
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunRunning:
		return "running"
	case RunStopped:
		return "stopped"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}
