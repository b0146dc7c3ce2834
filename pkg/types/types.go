package types

import (
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

type JobType string

const (
	JobTypeDNSEnum  JobType = "dns_enum"
	JobTypePortScan JobType = "port_scan"
	JobTypeWebCrawl JobType = "web_crawl"
	JobTypeCertScan JobType = "cert_scan"
	JobTypeVulnScan JobType = "vuln_scan"
)

// ValidJobType reports whether t names a supported discovery task type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeDNSEnum, JobTypePortScan, JobTypeWebCrawl, JobTypeCertScan, JobTypeVulnScan:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final job state. Terminal jobs are never
// resurrected; retrying a target means enqueueing a new job.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// DiscoveryJob is one request to run a scan task against a target. The
// scheduler is the only writer of Status and the lifecycle timestamps:
// StartedAt is stamped exactly once on the pending->running transition and
// CompletedAt exactly once on entering a terminal state.
type DiscoveryJob struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	OrganizationID  uuid.UUID         `json:"organization_id" db:"organization_id"`
	Type            JobType           `json:"type" db:"job_type"`
	Target          string            `json:"target" db:"target"`
	Status          JobStatus         `json:"status" db:"status"`
	StartedAt       *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	Config          map[string]string `json:"config,omitempty"`
	Logs            string            `json:"logs,omitempty" db:"logs"`
	CancelRequested bool              `json:"cancel_requested,omitempty" db:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

type AssetType string

const (
	AssetTypeDomain AssetType = "domain"
	AssetTypeIP     AssetType = "ip"
	AssetTypeURL    AssetType = "url"
)

type AssetStatus string

const (
	AssetStatusActive   AssetStatus = "active"
	AssetStatusInactive AssetStatus = "inactive"
)

// AssetKey is the natural key of an asset. Two discoveries of the same
// (organization, type, value) triple always resolve to one inventory row.
type AssetKey struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Type           AssetType `json:"type"`
	Value          string    `json:"value"`
}

type Asset struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	OrganizationID uuid.UUID         `json:"organization_id" db:"organization_id"`
	Type           AssetType         `json:"type" db:"asset_type"`
	Value          string            `json:"value" db:"value"`
	Status         AssetStatus       `json:"status" db:"status"`
	FirstSeen      time.Time         `json:"first_seen" db:"first_seen"`
	LastSeen       time.Time         `json:"last_seen" db:"last_seen"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

type PortStatus string

const (
	PortStatusOpen     PortStatus = "open"
	PortStatusClosed   PortStatus = "closed"
	PortStatusFiltered PortStatus = "filtered"
)

type Port struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	AssetID   uuid.UUID  `json:"asset_id" db:"asset_id"`
	Number    int        `json:"number" db:"port_number"`
	Protocol  string     `json:"protocol" db:"protocol"`
	Service   string     `json:"service,omitempty" db:"service"`
	Banner    string     `json:"banner,omitempty" db:"banner"`
	Status    PortStatus `json:"status" db:"status"`
	FirstSeen time.Time  `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time  `json:"last_seen" db:"last_seen"`
}

type Technology struct {
	ID        uuid.UUID `json:"id" db:"id"`
	AssetID   uuid.UUID `json:"asset_id" db:"asset_id"`
	Name      string    `json:"name" db:"name"`
	Version   string    `json:"version,omitempty" db:"version"`
	Category  string    `json:"category,omitempty" db:"category"`
	FirstSeen time.Time `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
}

type VulnStatus string

const (
	VulnStatusOpen   VulnStatus = "open"
	VulnStatusClosed VulnStatus = "closed"
)

type Vulnerability struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	AssetID     uuid.UUID  `json:"asset_id" db:"asset_id"`
	PortID      *uuid.UUID `json:"port_id,omitempty" db:"port_id"`
	TemplateID  string     `json:"template_id" db:"template_id"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description,omitempty" db:"description"`
	Severity    Severity   `json:"severity" db:"severity"`
	CVE         string     `json:"cve,omitempty" db:"cve"`
	CVSS        *float64   `json:"cvss,omitempty" db:"cvss"`
	References  []string   `json:"references,omitempty"`
	MatchedAt   string     `json:"matched_at,omitempty" db:"matched_at"`
	Status      VulnStatus `json:"status" db:"status"`
	FirstSeen   time.Time  `json:"first_seen" db:"first_seen"`
	LastSeen    time.Time  `json:"last_seen" db:"last_seen"`
}

// JobAssetLink records that a job touched an asset. Append-only.
type JobAssetLink struct {
	JobID   uuid.UUID `json:"job_id" db:"job_id"`
	AssetID uuid.UUID `json:"asset_id" db:"asset_id"`
}

// RawFindings is the unnormalized output of one adapter invocation. Each
// adapter fills only the slices its tool produces; the normalizer is the
// only consumer. Partial output recovered before a timeout or cancellation
// is still returned here rather than discarded.
type RawFindings struct {
	Capability string `json:"capability"`
	Target     string `json:"target"`

	// Attributes are target-level facts (TXT records, CNAME chains) that
	// belong on the target's own asset row rather than a discovered entity.
	Attributes map[string]string `json:"attributes,omitempty"`

	IPs          []RawIP          `json:"ips,omitempty"`
	Domains      []RawDomain      `json:"domains,omitempty"`
	Ports        []RawPort        `json:"ports,omitempty"`
	WebResources []RawWebResource `json:"web_resources,omitempty"`
	Vulns        []RawVuln        `json:"vulns,omitempty"`

	// Stderr captured from the external tool, retained for the job log.
	ToolOutput string `json:"tool_output,omitempty"`
}

func (r *RawFindings) Empty() bool {
	return len(r.IPs) == 0 && len(r.Domains) == 0 && len(r.Ports) == 0 &&
		len(r.WebResources) == 0 && len(r.Vulns) == 0
}

type RawIP struct {
	Address string `json:"address"`
	Source  string `json:"source"`
}

type RawDomain struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

type RawPort struct {
	Host     string `json:"host"`
	Number   int    `json:"number"`
	Protocol string `json:"protocol"`
	Status   string `json:"status"`
	Service  string `json:"service,omitempty"`
	Banner   string `json:"banner,omitempty"`
}

type RawWebResource struct {
	URL          string   `json:"url"`
	StatusCode   int      `json:"status_code"`
	Title        string   `json:"title,omitempty"`
	Server       string   `json:"server,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
}

type RawVuln struct {
	TemplateID  string   `json:"template_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Severity    string   `json:"severity"`
	Host        string   `json:"host"`
	MatchedAt   string   `json:"matched_at"`
	CVE         string   `json:"cve,omitempty"`
	CVSS        *float64 `json:"cvss,omitempty"`
	References  []string `json:"references,omitempty"`
}

type DeltaKind string

const (
	DeltaUpsertAsset         DeltaKind = "upsert_asset"
	DeltaUpsertPort          DeltaKind = "upsert_port"
	DeltaUpsertTechnology    DeltaKind = "upsert_technology"
	DeltaUpsertVulnerability DeltaKind = "upsert_vulnerability"
)

// EntityDelta is one normalized upsert instruction against the inventory.
// Every delta names the asset it belongs to by natural key; port,
// technology and vulnerability deltas are resolved against the asset row
// after the asset itself has been upserted.
type EntityDelta struct {
	Kind       DeltaKind `json:"kind"`
	AssetKey   AssetKey  `json:"asset_key"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`

	AssetStatus AssetStatus       `json:"asset_status,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`

	Port *PortObservation `json:"port,omitempty"`
	Tech *TechObservation `json:"tech,omitempty"`
	Vuln *VulnObservation `json:"vuln,omitempty"`
}

type PortObservation struct {
	Number   int        `json:"number"`
	Protocol string     `json:"protocol"`
	Status   PortStatus `json:"status"`
	Service  string     `json:"service,omitempty"`
	Banner   string     `json:"banner,omitempty"`
}

type TechObservation struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Category string `json:"category,omitempty"`
}

type VulnObservation struct {
	TemplateID  string   `json:"template_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Severity    Severity `json:"severity"`
	CVE         string   `json:"cve,omitempty"`
	CVSS        *float64 `json:"cvss,omitempty"`
	References  []string `json:"references,omitempty"`
	MatchedAt   string   `json:"matched_at,omitempty"`
	Port        *PortRef `json:"port,omitempty"`
}

// PortRef ties a vulnerability observation to a port by natural key.
type PortRef struct {
	Number   int    `json:"number"`
	Protocol string `json:"protocol"`
}

// ExecutionOutcome summarizes one job execution for finalize.
type ExecutionOutcome struct {
	JobID          uuid.UUID     `json:"job_id"`
	AdaptersRun    int           `json:"adapters_run"`
	AdaptersFailed int           `json:"adapters_failed"`
	AssetsTouched  int           `json:"assets_touched"`
	DeltasApplied  int           `json:"deltas_applied"`
	Cancelled      bool          `json:"cancelled"`
	Duration       time.Duration `json:"duration"`
	Log            string        `json:"log"`
}

// Failed reports whether the execution produced nothing usable: every
// required adapter failed. A single failing tool does not fail the job
// unless it was the only required capability.
func (o *ExecutionOutcome) Failed() bool {
	return o.AdaptersRun > 0 && o.AdaptersFailed == o.AdaptersRun
}

// WorkerStatus describes one polling worker, surfaced over the API and
// recorded by telemetry.
type WorkerStatus struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	Status       string    `json:"status"`
	CurrentJob   string    `json:"current_job,omitempty"`
	JobsComplete int       `json:"jobs_complete"`
	LastPing     time.Time `json:"last_ping"`
}
