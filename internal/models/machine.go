package models

import "time"

type MachineStatus string

const (
	MachineProvisioned  MachineStatus = "PROVISIONED"
	MachineInitializing MachineStatus = "INITIALIZING"
	MachineRunning      MachineStatus = "RUNNING"
	MachineTerminated   MachineStatus = "TERMINATED"
	MachineFailed       MachineStatus = "FAILED"
	MachineExpired      MachineStatus = "EXPIRED"
)

var machineStatusRank = map[MachineStatus]int{
	MachineProvisioned:  0,
	MachineInitializing: 1,
	MachineRunning:      2,
	MachineTerminated:   3,
	MachineFailed:       4,
	MachineExpired:      5,
}

// Rank orders statuses along the machine lifecycle. Unknown statuses rank last.
func (s MachineStatus) Rank() int {
	if r, ok := machineStatusRank[s]; ok {
		return r
	}
	return len(machineStatusRank)
}

// Active is true for every status up to and including RUNNING.
func (s MachineStatus) Active() bool {
	return s.Rank() <= MachineRunning.Rank()
}

// ActiveMachineStatuses lists the statuses Active reports true for.
var ActiveMachineStatuses = []MachineStatus{MachineProvisioned, MachineInitializing, MachineRunning}

var AllMachineStatuses = []MachineStatus{
	MachineProvisioned, MachineInitializing, MachineRunning,
	MachineTerminated, MachineFailed, MachineExpired,
}

const (
	VMServiceEC2  = "EC2"
	VMServiceFake = "FAKE"
)

const (
	MaxMachineRetries      = 10
	MaxUnresponsiveMinutes = 20
)

type Machine struct {
	ClientID       string        `db:"client_id" json:"client_id"`
	VMService      string        `db:"vm_service" json:"vm_service"`
	OS             string        `db:"os" json:"os"`
	Browser        string        `db:"browser" json:"browser"`
	Channel        string        `db:"channel" json:"channel"`
	BrowserVersion string        `db:"browser_version" json:"browser_version"`
	Status         MachineStatus `db:"status" json:"status"`
	RetryCount     int           `db:"retry_count" json:"retry_count"`
	Token          string        `db:"token" json:"token"`
	InstallerURL   string        `db:"installer_url" json:"installer_url"`
	ProvisionKey   string        `db:"provision_key" json:"provision_key"`
	InitLogKey     string        `db:"init_log_key" json:"init_log_key,omitempty"`
	RunLogKey      string        `db:"run_log_key" json:"run_log_key,omitempty"`
	CreationTime   time.Time     `db:"creation_time" json:"creation_time"`
	UpdatedTime    time.Time     `db:"updated_time" json:"updated_time"`
}
