package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/internal/validation"
	"github.com/outpost-sec/outpost/pkg/types"
)

// nucleiAdapter runs projectdiscovery's nuclei template scanner against a
// single target and converts matches into raw vulnerability findings.
type nucleiAdapter struct {
	cfg    config.NucleiConfig
	logger *logger.Logger
}

// nucleiOutput is one JSONL record emitted by nuclei.
type nucleiOutput struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name           string   `json:"name"`
		Description    string   `json:"description"`
		Severity       string   `json:"severity"`
		Reference      []string `json:"reference,omitempty"`
		Classification struct {
			CVEID     []string `json:"cve-id,omitempty"`
			CVSSScore float64  `json:"cvss-score,omitempty"`
		} `json:"classification,omitempty"`
	} `json:"info"`
	Host      string `json:"host"`
	MatchedAt string `json:"matched-at"`
}

func NewNuclei(cfg config.NucleiConfig, log *logger.Logger) *nucleiAdapter {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "nuclei"
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 150
	}
	if cfg.BulkSize == 0 {
		cfg.BulkSize = 25
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 25
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &nucleiAdapter{cfg: cfg, logger: log.WithComponent("nuclei")}
}

func (a *nucleiAdapter) Capability() string {
	return CapNuclei
}

func (a *nucleiAdapter) Validate(target string) error {
	result := validation.ValidateTarget(target)
	if !result.Valid {
		return result.Error
	}
	if _, err := exec.LookPath(a.cfg.BinaryPath); err != nil {
		return fmt.Errorf("nuclei binary not found: %w", err)
	}
	return nil
}

func (a *nucleiAdapter) Run(ctx context.Context, target string, options map[string]string) (*types.RawFindings, error) {
	args := []string{
		"-u", target,
		"-jsonl",
		"-silent",
		"-rate-limit", fmt.Sprintf("%d", a.cfg.RateLimit),
		"-bulk-size", fmt.Sprintf("%d", a.cfg.BulkSize),
		"-c", fmt.Sprintf("%d", a.cfg.Concurrency),
	}

	if severity := options["severity"]; severity != "" {
		args = append(args, "-severity", severity)
	}
	if tags := options["tags"]; tags != "" {
		args = append(args, "-tags", tags)
	}
	if templates := options["templates"]; templates != "" {
		for _, template := range strings.Split(templates, ",") {
			args = append(args, "-t", strings.TrimSpace(template))
		}
	} else if a.cfg.TemplatesPath != "" {
		args = append(args, "-t", a.cfg.TemplatesPath)
	}

	result, runErr := runCommand(ctx, a.logger, CapNuclei, a.cfg.BinaryPath, args)

	// Nuclei exits non-zero when it matches templates; that is a result,
	// not a failure.
	if runErr != nil {
		if ae, ok := runErr.(*AdapterError); ok && ae.Kind == ErrTransient && result != nil && len(result.Lines) > 0 {
			runErr = nil
		}
	}

	findings := &types.RawFindings{Capability: CapNuclei, Target: target}
	if result != nil {
		findings.ToolOutput = result.Stderr
		a.parseLines(result.Lines, findings)
	}

	return findings, runErr
}

func (a *nucleiAdapter) parseLines(lines []string, findings *types.RawFindings) {
	for _, line := range lines {
		var out nucleiOutput
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			a.logger.Debugw("Skipping unparseable nuclei line", "line", line, "error", err)
			continue
		}
		vuln := types.RawVuln{
			TemplateID:  out.TemplateID,
			Name:        out.Info.Name,
			Description: out.Info.Description,
			Severity:    strings.ToLower(out.Info.Severity),
			Host:        out.Host,
			MatchedAt:   out.MatchedAt,
			References:  out.Info.Reference,
		}
		if len(out.Info.Classification.CVEID) > 0 {
			vuln.CVE = strings.ToUpper(out.Info.Classification.CVEID[0])
		}
		if out.Info.Classification.CVSSScore > 0 {
			score := out.Info.Classification.CVSSScore
			vuln.CVSS = &score
		}
		findings.Vulns = append(findings.Vulns, vuln)
	}
}

// MapSeverity converts a nuclei severity string to the engine's scale.
// Unknown strings degrade to info rather than dropping the finding.
func MapSeverity(severity string) types.Severity {
	switch strings.ToLower(severity) {
	case "critical":
		return types.SeverityCritical
	case "high":
		return types.SeverityHigh
	case "medium":
		return types.SeverityMedium
	case "low":
		return types.SeverityLow
	default:
		return types.SeverityInfo
	}
}
