package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/internal/ratelimit"
	"github.com/outpost-sec/outpost/pkg/types"
)

// crtshAdapter queries the crt.sh certificate transparency aggregator for
// domains seen in issued certificates. Wildcard names are skipped and
// results are lowercased and deduplicated before they leave the adapter.
type crtshAdapter struct {
	baseURL string
	client  *http.Client
	limiter *ratelimit.Limiter
	logger  *logger.Logger
}

// crtshEntry is one record from the crt.sh JSON API.
type crtshEntry struct {
	IssuerName     string `json:"issuer_name"`
	CommonName     string `json:"common_name"`
	NameValue      string `json:"name_value"`
	ID             int64  `json:"id"`
	EntryTimestamp string `json:"entry_timestamp"`
	NotBefore      string `json:"not_before"`
	NotAfter       string `json:"not_after"`
	SerialNumber   string `json:"serial_number"`
}

func NewCrtSh(cfg config.CrtShConfig, limiter *ratelimit.Limiter, log *logger.Logger) *crtshAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://crt.sh"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &crtshAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  log.WithComponent("crtsh"),
	}
}

func (a *crtshAdapter) Capability() string {
	return CapCrtSh
}

func (a *crtshAdapter) Validate(target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("target cannot be empty")
	}
	return nil
}

func (a *crtshAdapter) Run(ctx context.Context, target string, options map[string]string) (*types.RawFindings, error) {
	findings := &types.RawFindings{Capability: CapCrtSh, Target: target}

	if a.limiter != nil {
		if err := a.limiter.WaitForHost(ctx, "crt.sh"); err != nil {
			return findings, err
		}
	}

	apiURL := fmt.Sprintf("%s/?q=%s&output=json", a.baseURL, url.QueryEscape(target))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return findings, permanentErr(CapCrtSh, err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return findings, timeoutErr(CapCrtSh, err)
		}
		return findings, transientErr(CapCrtSh, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// crt.sh sheds load with 5xx when busy; worth retrying.
		if resp.StatusCode >= 500 {
			return findings, transientErr(CapCrtSh, fmt.Errorf("crt.sh returned status %d", resp.StatusCode))
		}
		return findings, permanentErr(CapCrtSh, fmt.Errorf("crt.sh returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return findings, transientErr(CapCrtSh, fmt.Errorf("read crt.sh response: %w", err))
	}

	var entries []crtshEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return findings, permanentErr(CapCrtSh, fmt.Errorf("parse crt.sh response: %w", err))
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		names := strings.Split(entry.NameValue, "\n")
		names = append(names, entry.CommonName)
		for _, name := range names {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" || strings.HasPrefix(name, "*.") || strings.Contains(name, "*") {
				continue
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			findings.Domains = append(findings.Domains, types.RawDomain{Name: name, Source: CapCrtSh})
		}
	}

	a.logger.WithContext(ctx).Debugw("Certificate transparency search finished",
		"target", target, "entries", len(entries), "unique_names", len(findings.Domains))

	return findings, nil
}
