package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/internal/validation"
	"github.com/outpost-sec/outpost/pkg/types"
)

// naabuAdapter shells out to projectdiscovery's naabu port scanner and
// parses its JSONL output.
type naabuAdapter struct {
	cfg    config.NaabuConfig
	logger *logger.Logger
}

// naabuOutput is one JSONL record emitted by naabu.
type naabuOutput struct {
	Host      string `json:"host"`
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
	Timestamp string `json:"timestamp"`
}

func NewNaabu(cfg config.NaabuConfig, log *logger.Logger) *naabuAdapter {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "naabu"
	}
	if cfg.TopPorts == 0 {
		cfg.TopPorts = 1000
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &naabuAdapter{cfg: cfg, logger: log.WithComponent("naabu")}
}

func (a *naabuAdapter) Capability() string {
	return CapNaabu
}

func (a *naabuAdapter) Validate(target string) error {
	result := validation.ValidateTarget(target)
	if !result.Valid {
		return result.Error
	}
	if _, err := exec.LookPath(a.cfg.BinaryPath); err != nil {
		return fmt.Errorf("naabu binary not found: %w", err)
	}
	return nil
}

func (a *naabuAdapter) Run(ctx context.Context, target string, options map[string]string) (*types.RawFindings, error) {
	args := []string{
		"-host", target,
		"-json",
		"-silent",
		"-top-ports", fmt.Sprintf("%d", a.cfg.TopPorts),
	}
	if ports := options["ports"]; ports != "" {
		args = append(args, "-p", ports)
	}

	result, runErr := runCommand(ctx, a.logger, CapNaabu, a.cfg.BinaryPath, args)

	findings := &types.RawFindings{Capability: CapNaabu, Target: target}
	if result != nil {
		findings.ToolOutput = result.Stderr
		a.parseLines(result.Lines, findings)
	}

	// Partial findings ride along with the error; the executor decides
	// whether they are worth merging.
	return findings, runErr
}

func (a *naabuAdapter) parseLines(lines []string, findings *types.RawFindings) {
	for _, line := range lines {
		var out naabuOutput
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			a.logger.Debugw("Skipping unparseable naabu line", "line", line, "error", err)
			continue
		}
		host := out.IP
		if host == "" {
			host = out.Host
		}
		protocol := out.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		findings.Ports = append(findings.Ports, types.RawPort{
			Host:     host,
			Number:   out.Port,
			Protocol: protocol,
			Status:   string(types.PortStatusOpen),
		})
		// naabu only reports hosts it reached, so every port row also
		// implies a live IP.
		if out.IP != "" {
			findings.IPs = append(findings.IPs, types.RawIP{Address: out.IP, Source: CapNaabu})
		}
	}
}
