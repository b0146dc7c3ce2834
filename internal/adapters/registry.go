package adapters

import (
	"fmt"
	"sync"

	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/pkg/types"
)

// capabilityPlan maps each job type to the ordered capabilities it runs.
// Order matters: dns_enum resolves records first so the certificate search
// can enrich what resolution found.
var capabilityPlan = map[types.JobType][]string{
	types.JobTypeDNSEnum:  {CapDNSEnum, CapCrtSh},
	types.JobTypePortScan: {CapNaabu},
	types.JobTypeWebCrawl: {CapHTTPX},
	types.JobTypeCertScan: {CapCrtSh},
	types.JobTypeVulnScan: {CapNuclei},
}

const (
	CapDNSEnum = "dnsenum"
	CapNaabu   = "naabu"
	CapHTTPX   = "httpx"
	CapCrtSh   = "crtsh"
	CapNuclei  = "nuclei"
)

// Registry holds the available tool adapters keyed by capability.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]core.ToolAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]core.ToolAdapter)}
}

func (r *Registry) Register(adapter core.ToolAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Capability()] = adapter
}

func (r *Registry) Get(capability string) (core.ToolAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[capability]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for capability %q", capability)
	}
	return adapter, nil
}

// ForJobType returns the adapters a job type requires, in execution order.
// Every capability in the plan must be registered; a missing one is a
// deployment error, not a per-job condition.
func (r *Registry) ForJobType(jobType types.JobType) ([]core.ToolAdapter, error) {
	capabilities, ok := capabilityPlan[jobType]
	if !ok {
		return nil, fmt.Errorf("no capability plan for job type %q", jobType)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ToolAdapter, 0, len(capabilities))
	for _, capability := range capabilities {
		adapter, ok := r.adapters[capability]
		if !ok {
			return nil, fmt.Errorf("capability %q required by %s is not registered", capability, jobType)
		}
		out = append(out, adapter)
	}
	return out, nil
}

func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for capability := range r.adapters {
		out = append(out, capability)
	}
	return out
}
