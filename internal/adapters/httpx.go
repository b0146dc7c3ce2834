package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/internal/validation"
	"github.com/outpost-sec/outpost/pkg/types"
)

// httpxAdapter probes web surfaces with projectdiscovery's httpx. Targets
// are passed through a temp list file, matching how httpx expects bulk
// input.
type httpxAdapter struct {
	cfg    config.HTTPXConfig
	logger *logger.Logger
}

// httpxOutput is one JSONL record emitted by httpx.
type httpxOutput struct {
	URL          string   `json:"url"`
	Host         string   `json:"host"`
	StatusCode   int      `json:"status_code"`
	Title        string   `json:"title"`
	WebServer    string   `json:"webserver"`
	Technologies []string `json:"tech,omitempty"`
	A            []string `json:"a,omitempty"`
	Failed       bool     `json:"failed"`
}

func NewHTTPX(cfg config.HTTPXConfig, log *logger.Logger) *httpxAdapter {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "httpx"
	}
	if cfg.Threads == 0 {
		cfg.Threads = 50
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &httpxAdapter{cfg: cfg, logger: log.WithComponent("httpx")}
}

func (a *httpxAdapter) Capability() string {
	return CapHTTPX
}

func (a *httpxAdapter) Validate(target string) error {
	result := validation.ValidateTarget(target)
	if !result.Valid {
		return result.Error
	}
	if _, err := exec.LookPath(a.cfg.BinaryPath); err != nil {
		return fmt.Errorf("httpx binary not found: %w", err)
	}
	return nil
}

func (a *httpxAdapter) Run(ctx context.Context, target string, options map[string]string) (*types.RawFindings, error) {
	listFile, err := os.CreateTemp("", "httpx_targets_*.txt")
	if err != nil {
		return nil, permanentErr(CapHTTPX, fmt.Errorf("create target list: %w", err))
	}
	defer os.Remove(listFile.Name())

	if _, err := listFile.WriteString(target + "\n"); err != nil {
		listFile.Close()
		return nil, permanentErr(CapHTTPX, fmt.Errorf("write target list: %w", err))
	}
	listFile.Close()

	args := []string{
		"-l", listFile.Name(),
		"-json",
		"-silent",
		"-tech-detect",
		"-title",
		"-status-code",
		"-server",
		"-threads", fmt.Sprintf("%d", a.cfg.Threads),
	}
	if options["follow_redirects"] == "true" {
		args = append(args, "-follow-redirects")
	}

	result, runErr := runCommand(ctx, a.logger, CapHTTPX, a.cfg.BinaryPath, args)

	findings := &types.RawFindings{Capability: CapHTTPX, Target: target}
	if result != nil {
		findings.ToolOutput = result.Stderr
		a.parseLines(result.Lines, findings)
	}

	return findings, runErr
}

func (a *httpxAdapter) parseLines(lines []string, findings *types.RawFindings) {
	for _, line := range lines {
		var out httpxOutput
		if err := json.Unmarshal([]byte(line), &out); err != nil {
			a.logger.Debugw("Skipping unparseable httpx line", "line", line, "error", err)
			continue
		}
		if out.Failed || out.URL == "" {
			continue
		}
		findings.WebResources = append(findings.WebResources, types.RawWebResource{
			URL:          out.URL,
			StatusCode:   out.StatusCode,
			Title:        strings.TrimSpace(out.Title),
			Server:       out.WebServer,
			Technologies: out.Technologies,
		})
		if host := hostOf(out.URL, out.Host); host != "" {
			findings.Domains = append(findings.Domains, types.RawDomain{Name: host, Source: CapHTTPX})
		}
		for _, addr := range out.A {
			findings.IPs = append(findings.IPs, types.RawIP{Address: addr, Source: CapHTTPX})
		}
	}
}

func hostOf(rawURL, fallback string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return strings.ToLower(fallback)
}
