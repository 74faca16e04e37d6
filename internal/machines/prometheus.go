package machines

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	machinesProvisioned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualitybots_machines_provisioned_total",
		Help: "Machines created at the VM provider",
	}, []string{"vm_service", "os", "browser"})

	provisionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualitybots_machine_provision_failures_total",
		Help: "Provisioning requests that created no machine",
	}, []string{"os", "browser"})

	machineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qualitybots_machine_transitions_total",
		Help: "Machine status changes by new status",
	}, []string{"status"})
)
