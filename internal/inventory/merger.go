package inventory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/murmur3"

	"github.com/outpost-sec/outpost/internal/core"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/pkg/types"
)

// adapterTrust ranks sources for tie-breaking when two adapters report
// conflicting values for the same entity in one batch. Active scanners
// outrank passive sources.
var adapterTrust = map[string]int{
	"nuclei":  5,
	"naabu":   4,
	"httpx":   3,
	"dnsenum": 2,
	"crtsh":   1,
}

// Merger folds normalized deltas into the asset inventory. Within a batch,
// deltas targeting the same natural key are resolved before any write: the
// later observation wins, with adapter trust breaking timestamp ties.
// Assets are written before the ports, technologies and vulnerabilities
// that hang off them, and every touched asset is linked to the job.
type Merger struct {
	store  core.AssetStore
	logger *logger.Logger
}

// MergeStats summarizes one merge batch.
type MergeStats struct {
	AssetsTouched   int
	PortsTouched    int
	TechsTouched    int
	VulnsTouched    int
	DeltasApplied   int
	ConflictsSolved int
}

func NewMerger(store core.AssetStore, log *logger.Logger) *Merger {
	return &Merger{store: store, logger: log.WithComponent("merger")}
}

// Merge applies one job's deltas. It is idempotent: replaying the same
// batch converges on the same inventory rows.
func (m *Merger) Merge(ctx context.Context, jobID uuid.UUID, deltas []types.EntityDelta) (*MergeStats, error) {
	start := time.Now()
	stats := &MergeStats{}
	if len(deltas) == 0 {
		return stats, nil
	}

	assetGroups := make(map[uint64][]types.EntityDelta)
	portGroups := make(map[uint64][]types.EntityDelta)
	techGroups := make(map[uint64][]types.EntityDelta)
	vulnGroups := make(map[uint64][]types.EntityDelta)
	var assetOrder, portOrder, techOrder, vulnOrder []uint64

	appendGroup := func(groups map[uint64][]types.EntityDelta, order *[]uint64, fp uint64, d types.EntityDelta) {
		if _, seen := groups[fp]; !seen {
			*order = append(*order, fp)
		}
		groups[fp] = append(groups[fp], d)
	}

	for _, d := range deltas {
		switch d.Kind {
		case types.DeltaUpsertAsset:
			appendGroup(assetGroups, &assetOrder, assetFingerprint(d.AssetKey), d)
		case types.DeltaUpsertPort:
			if d.Port == nil {
				continue
			}
			appendGroup(portGroups, &portOrder, portFingerprint(d.AssetKey, d.Port.Number, d.Port.Protocol), d)
		case types.DeltaUpsertTechnology:
			if d.Tech == nil {
				continue
			}
			appendGroup(techGroups, &techOrder, techFingerprint(d.AssetKey, d.Tech.Name, d.Tech.Version), d)
		case types.DeltaUpsertVulnerability:
			if d.Vuln == nil {
				continue
			}
			appendGroup(vulnGroups, &vulnOrder, vulnFingerprint(d.AssetKey, d.Vuln.TemplateID), d)
		default:
			m.logger.Warnw("Skipping delta of unknown kind", "kind", d.Kind)
		}
	}

	// Dependent deltas imply their asset even if no explicit asset delta
	// arrived for it.
	implied := func(d types.EntityDelta) {
		fp := assetFingerprint(d.AssetKey)
		if _, ok := assetGroups[fp]; !ok {
			appendGroup(assetGroups, &assetOrder, fp, types.EntityDelta{
				Kind:        types.DeltaUpsertAsset,
				AssetKey:    d.AssetKey,
				Source:      d.Source,
				ObservedAt:  d.ObservedAt,
				AssetStatus: types.AssetStatusActive,
			})
		}
	}
	for _, fp := range portOrder {
		implied(portGroups[fp][0])
	}
	for _, fp := range techOrder {
		implied(techGroups[fp][0])
	}
	for _, fp := range vulnOrder {
		implied(vulnGroups[fp][0])
	}

	assetIDs := make(map[uint64]uuid.UUID)
	portIDs := make(map[uint64]uuid.UUID)

	for _, fp := range assetOrder {
		group := resolveGroup(assetGroups[fp], stats)
		winner := group[len(group)-1]

		attrs := map[string]string{}
		for _, d := range group {
			for k, v := range d.Attributes {
				if v != "" {
					attrs[k] = v
				}
			}
		}

		asset, err := m.store.UpsertAsset(ctx, &types.Asset{
			OrganizationID: winner.AssetKey.OrganizationID,
			Type:           winner.AssetKey.Type,
			Value:          winner.AssetKey.Value,
			Status:         assetStatus(winner.AssetStatus),
			LastSeen:       latestObservation(group),
			Attributes:     attrs,
		})
		if err != nil {
			return stats, fmt.Errorf("upsert asset %s: %w", winner.AssetKey.Value, err)
		}
		assetIDs[fp] = asset.ID
		stats.AssetsTouched++
		stats.DeltasApplied += len(group)
		m.logger.LogDiscoveryEvent(ctx, string(asset.Type), asset.Value, winner.Source)

		if err := m.store.LinkJobAsset(ctx, jobID, asset.ID); err != nil {
			return stats, fmt.Errorf("link job to asset %s: %w", winner.AssetKey.Value, err)
		}
	}

	for _, fp := range portOrder {
		group := resolveGroup(portGroups[fp], stats)
		winner := group[len(group)-1]
		assetID, ok := assetIDs[assetFingerprint(winner.AssetKey)]
		if !ok {
			return stats, fmt.Errorf("port delta references unresolved asset %s", winner.AssetKey.Value)
		}

		port, err := m.store.UpsertPort(ctx, &types.Port{
			AssetID:  assetID,
			Number:   winner.Port.Number,
			Protocol: winner.Port.Protocol,
			Service:  mergedPortField(group, func(o *types.PortObservation) string { return o.Service }),
			Banner:   mergedPortField(group, func(o *types.PortObservation) string { return o.Banner }),
			Status:   winner.Port.Status,
			LastSeen: latestObservation(group),
		})
		if err != nil {
			return stats, fmt.Errorf("upsert port %d/%s: %w", winner.Port.Number, winner.Port.Protocol, err)
		}
		portIDs[fp] = port.ID
		stats.PortsTouched++
		stats.DeltasApplied += len(group)
	}

	for _, fp := range techOrder {
		group := resolveGroup(techGroups[fp], stats)
		winner := group[len(group)-1]
		assetID, ok := assetIDs[assetFingerprint(winner.AssetKey)]
		if !ok {
			return stats, fmt.Errorf("technology delta references unresolved asset %s", winner.AssetKey.Value)
		}

		if _, err := m.store.UpsertTechnology(ctx, &types.Technology{
			AssetID:  assetID,
			Name:     winner.Tech.Name,
			Version:  winner.Tech.Version,
			Category: winner.Tech.Category,
			LastSeen: latestObservation(group),
		}); err != nil {
			return stats, fmt.Errorf("upsert technology %s: %w", winner.Tech.Name, err)
		}
		stats.TechsTouched++
		stats.DeltasApplied += len(group)
	}

	for _, fp := range vulnOrder {
		group := resolveGroup(vulnGroups[fp], stats)
		winner := group[len(group)-1]
		assetID, ok := assetIDs[assetFingerprint(winner.AssetKey)]
		if !ok {
			return stats, fmt.Errorf("vulnerability delta references unresolved asset %s", winner.AssetKey.Value)
		}

		var portID *uuid.UUID
		if winner.Vuln.Port != nil {
			if id, ok := portIDs[portFingerprint(winner.AssetKey, winner.Vuln.Port.Number, winner.Vuln.Port.Protocol)]; ok {
				portID = &id
			}
		}

		if _, err := m.store.UpsertVulnerability(ctx, &types.Vulnerability{
			AssetID:     assetID,
			PortID:      portID,
			TemplateID:  winner.Vuln.TemplateID,
			Title:       winner.Vuln.Title,
			Description: winner.Vuln.Description,
			Severity:    winner.Vuln.Severity,
			CVE:         winner.Vuln.CVE,
			CVSS:        winner.Vuln.CVSS,
			References:  winner.Vuln.References,
			MatchedAt:   winner.Vuln.MatchedAt,
			Status:      types.VulnStatusOpen,
			LastSeen:    latestObservation(group),
		}); err != nil {
			return stats, fmt.Errorf("upsert vulnerability %s: %w", winner.Vuln.TemplateID, err)
		}
		stats.VulnsTouched++
		stats.DeltasApplied += len(group)
	}

	m.logger.LogDuration(ctx, "merger.merge", start,
		"job_id", jobID.String(),
		"assets", stats.AssetsTouched,
		"ports", stats.PortsTouched,
		"technologies", stats.TechsTouched,
		"vulnerabilities", stats.VulnsTouched,
		"conflicts", stats.ConflictsSolved,
	)

	return stats, nil
}

// resolveGroup orders a group of deltas for the same natural key so the
// winner sits last: earlier observations first, adapter trust breaking
// equal timestamps.
func resolveGroup(group []types.EntityDelta, stats *MergeStats) []types.EntityDelta {
	if len(group) > 1 {
		stats.ConflictsSolved += len(group) - 1
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].ObservedAt.Equal(group[j].ObservedAt) {
				return group[i].ObservedAt.Before(group[j].ObservedAt)
			}
			return adapterTrust[group[i].Source] < adapterTrust[group[j].Source]
		})
	}
	return group
}

func latestObservation(group []types.EntityDelta) time.Time {
	latest := group[0].ObservedAt
	for _, d := range group[1:] {
		if d.ObservedAt.After(latest) {
			latest = d.ObservedAt
		}
	}
	return latest
}

// mergedPortField takes the winner's value, falling back through earlier
// observations so a loser's non-empty banner is not lost to a winner that
// never saw one.
func mergedPortField(group []types.EntityDelta, field func(*types.PortObservation) string) string {
	for i := len(group) - 1; i >= 0; i-- {
		if v := field(group[i].Port); v != "" {
			return v
		}
	}
	return ""
}

func assetStatus(status types.AssetStatus) types.AssetStatus {
	if status == "" {
		return types.AssetStatusActive
	}
	return status
}

func assetFingerprint(key types.AssetKey) uint64 {
	return fingerprint(key.OrganizationID.String(), string(key.Type), key.Value)
}

func portFingerprint(key types.AssetKey, number int, protocol string) uint64 {
	return fingerprint(key.OrganizationID.String(), string(key.Type), key.Value,
		"port", strconv.Itoa(number), strings.ToLower(protocol))
}

func techFingerprint(key types.AssetKey, name, version string) uint64 {
	return fingerprint(key.OrganizationID.String(), string(key.Type), key.Value,
		"tech", strings.ToLower(name), version)
}

func vulnFingerprint(key types.AssetKey, templateID string) uint64 {
	return fingerprint(key.OrganizationID.String(), string(key.Type), key.Value,
		"vuln", templateID)
}

func fingerprint(parts ...string) uint64 {
	h := murmur3.New64()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
