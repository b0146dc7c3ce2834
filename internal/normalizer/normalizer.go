package normalizer

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/outpost-sec/outpost/internal/adapters"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/pkg/types"
)

// Normalizer converts raw adapter output into inventory upsert deltas.
// Dropping garbage happens here so the merger only ever sees canonical
// entities: lowercased domains without trailing dots, parseable IPs, and
// URLs with a scheme and host.
type Normalizer struct {
	logger *logger.Logger
}

func New(log *logger.Logger) *Normalizer {
	return &Normalizer{logger: log.WithComponent("normalizer")}
}

// Normalize flattens one adapter's findings into deltas for the given
// organization. Asset deltas come first so dependent port, technology and
// vulnerability deltas always follow the asset they attach to.
func (n *Normalizer) Normalize(orgID uuid.UUID, findings *types.RawFindings, observedAt time.Time) []types.EntityDelta {
	if findings == nil {
		return nil
	}

	b := &deltaBatch{
		orgID:      orgID,
		source:     findings.Capability,
		observedAt: observedAt,
		seenAssets: make(map[types.AssetKey]int),
	}

	// The scan target itself is always part of the inventory, carrying any
	// target-level attributes the adapter collected.
	if key, ok := classify(findings.Target); ok {
		b.upsertAsset(key, findings.Attributes)
	}

	for _, ip := range findings.IPs {
		if key, ok := classifyIP(ip.Address); ok {
			b.upsertAsset(key, nil)
		} else {
			n.logger.Debugw("Dropping unparseable IP", "address", ip.Address, "source", ip.Source)
		}
	}

	for _, domain := range findings.Domains {
		key, ok := classifyHost(domain.Name)
		if !ok {
			n.logger.Debugw("Dropping invalid domain", "name", domain.Name, "source", domain.Source)
			continue
		}
		attrs := map[string]string{}
		if key.Type == types.AssetTypeDomain {
			if registered, err := publicsuffix.EffectiveTLDPlusOne(key.Value); err == nil {
				attrs["registered_domain"] = registered
			}
		}
		b.upsertAsset(key, attrs)
	}

	for _, port := range findings.Ports {
		key, ok := classifyHost(port.Host)
		if !ok {
			n.logger.Debugw("Dropping port on invalid host", "host", port.Host, "port", port.Number)
			continue
		}
		if port.Number < 1 || port.Number > 65535 {
			n.logger.Debugw("Dropping out-of-range port", "host", port.Host, "port", port.Number)
			continue
		}
		b.upsertAsset(key, nil)
		b.add(types.EntityDelta{
			Kind:     types.DeltaUpsertPort,
			AssetKey: key,
			Port: &types.PortObservation{
				Number:   port.Number,
				Protocol: normalizeProtocol(port.Protocol),
				Status:   portStatus(port.Status),
				Service:  port.Service,
				Banner:   port.Banner,
			},
		})
	}

	for _, res := range findings.WebResources {
		key, ok := classifyURL(res.URL)
		if !ok {
			n.logger.Debugw("Dropping invalid web resource", "url", res.URL)
			continue
		}
		attrs := map[string]string{}
		if res.Title != "" {
			attrs["title"] = res.Title
		}
		if res.Server != "" {
			attrs["server"] = res.Server
		}
		if res.StatusCode != 0 {
			attrs["status_code"] = strconv.Itoa(res.StatusCode)
		}
		b.upsertAsset(key, attrs)

		// The URL's host is itself an asset.
		if hostKey, ok := classifyHost(hostOfURL(res.URL)); ok {
			b.upsertAsset(hostKey, nil)
		}

		for _, tech := range res.Technologies {
			name, version := splitTech(tech)
			if name == "" {
				continue
			}
			b.add(types.EntityDelta{
				Kind:     types.DeltaUpsertTechnology,
				AssetKey: key,
				Tech:     &types.TechObservation{Name: name, Version: version},
			})
		}
	}

	for _, vuln := range findings.Vulns {
		if vuln.TemplateID == "" {
			n.logger.Debugw("Dropping vulnerability without template id", "host", vuln.Host)
			continue
		}
		key, ok := classify(vuln.Host)
		if !ok {
			n.logger.Debugw("Dropping vulnerability on invalid host", "host", vuln.Host)
			continue
		}
		b.upsertAsset(key, nil)
		b.add(types.EntityDelta{
			Kind:     types.DeltaUpsertVulnerability,
			AssetKey: key,
			Vuln: &types.VulnObservation{
				TemplateID:  vuln.TemplateID,
				Title:       vuln.Name,
				Description: vuln.Description,
				Severity:    adapters.MapSeverity(vuln.Severity),
				CVE:         vuln.CVE,
				CVSS:        vuln.CVSS,
				References:  vuln.References,
				MatchedAt:   vuln.MatchedAt,
			},
		})
	}

	return b.deltas
}

// deltaBatch accumulates deltas, merging repeated asset upserts for the
// same natural key instead of emitting duplicates.
type deltaBatch struct {
	orgID      uuid.UUID
	source     string
	observedAt time.Time
	deltas     []types.EntityDelta
	seenAssets map[types.AssetKey]int
}

func (b *deltaBatch) add(d types.EntityDelta) {
	d.AssetKey.OrganizationID = b.orgID
	d.Source = b.source
	d.ObservedAt = b.observedAt
	b.deltas = append(b.deltas, d)
}

func (b *deltaBatch) upsertAsset(key types.AssetKey, attrs map[string]string) {
	key.OrganizationID = b.orgID

	if idx, ok := b.seenAssets[key]; ok {
		existing := &b.deltas[idx]
		for k, v := range attrs {
			if v == "" {
				continue
			}
			if existing.Attributes == nil {
				existing.Attributes = map[string]string{}
			}
			existing.Attributes[k] = v
		}
		return
	}

	clean := map[string]string{}
	for k, v := range attrs {
		if v != "" {
			clean[k] = v
		}
	}
	if len(clean) == 0 {
		clean = nil
	}

	b.seenAssets[key] = len(b.deltas)
	b.add(types.EntityDelta{
		Kind:        types.DeltaUpsertAsset,
		AssetKey:    key,
		AssetStatus: types.AssetStatusActive,
		Attributes:  clean,
	})
}

// classify maps an arbitrary target string to an asset natural key.
func classify(value string) (types.AssetKey, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return types.AssetKey{}, false
	}
	if strings.Contains(value, "://") {
		return classifyURL(value)
	}
	return classifyHost(value)
}

func classifyHost(host string) (types.AssetKey, bool) {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return types.AssetKey{}, false
	}
	if key, ok := classifyIP(host); ok {
		return key, true
	}
	if !validDomain(host) {
		return types.AssetKey{}, false
	}
	return types.AssetKey{Type: types.AssetTypeDomain, Value: host}, true
}

func classifyIP(addr string) (types.AssetKey, bool) {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return types.AssetKey{}, false
	}
	return types.AssetKey{Type: types.AssetTypeIP, Value: ip.String()}, true
}

func classifyURL(rawURL string) (types.AssetKey, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return types.AssetKey{}, false
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return types.AssetKey{Type: types.AssetTypeURL, Value: u.String()}, true
}

// validDomain requires a public suffix: bare labels and made-up TLDs do
// not become inventory rows.
func validDomain(host string) bool {
	if !strings.Contains(host, ".") || strings.ContainsAny(host, " /\\") {
		return false
	}
	suffix, icann := publicsuffix.PublicSuffix(host)
	if !icann {
		return false
	}
	return host != suffix
}

func hostOfURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func normalizeProtocol(protocol string) string {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	if protocol == "" {
		return "tcp"
	}
	return protocol
}

func portStatus(status string) types.PortStatus {
	switch strings.ToLower(status) {
	case "closed":
		return types.PortStatusClosed
	case "filtered":
		return types.PortStatusFiltered
	default:
		return types.PortStatusOpen
	}
}

// splitTech splits httpx tech strings like "Nginx:1.25.3" into name and
// version.
func splitTech(tech string) (string, string) {
	tech = strings.TrimSpace(tech)
	if idx := strings.IndexByte(tech, ':'); idx > 0 {
		return tech[:idx], strings.TrimSpace(tech[idx+1:])
	}
	return tech, ""
}
