package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/pkg/types"
)

// dnsEnumAdapter resolves A, AAAA, CNAME, MX and TXT records for a domain
// in-process. Lookups are lossy per record type: a failing TXT query does
// not discard the A records already resolved.
type dnsEnumAdapter struct {
	resolver string
	client   *dns.Client
	logger   *logger.Logger
}

func NewDNSEnum(cfg config.DNSConfig, log *logger.Logger) *dnsEnumAdapter {
	if cfg.Resolver == "" {
		cfg.Resolver = "8.8.8.8:53"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &dnsEnumAdapter{
		resolver: cfg.Resolver,
		client:   &dns.Client{Timeout: cfg.Timeout},
		logger:   log.WithComponent("dnsenum"),
	}
}

func (a *dnsEnumAdapter) Capability() string {
	return CapDNSEnum
}

func (a *dnsEnumAdapter) Validate(target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("target cannot be empty")
	}
	return nil
}

func (a *dnsEnumAdapter) Run(ctx context.Context, target string, options map[string]string) (*types.RawFindings, error) {
	findings := &types.RawFindings{
		Capability: CapDNSEnum,
		Target:     target,
		Attributes: map[string]string{},
	}

	var lookupErrs []string

	answers, err := a.query(ctx, target, dns.TypeA)
	if err != nil {
		lookupErrs = append(lookupErrs, fmt.Sprintf("A: %v", err))
	}
	for _, rr := range answers {
		switch v := rr.(type) {
		case *dns.A:
			findings.IPs = append(findings.IPs, types.RawIP{Address: v.A.String(), Source: CapDNSEnum})
		case *dns.CNAME:
			findings.Attributes["cname"] = strings.TrimSuffix(v.Target, ".")
			findings.Domains = append(findings.Domains, types.RawDomain{
				Name:   strings.TrimSuffix(v.Target, "."),
				Source: CapDNSEnum,
			})
		}
	}

	answers, err = a.query(ctx, target, dns.TypeAAAA)
	if err != nil {
		lookupErrs = append(lookupErrs, fmt.Sprintf("AAAA: %v", err))
	}
	for _, rr := range answers {
		if v, ok := rr.(*dns.AAAA); ok {
			findings.IPs = append(findings.IPs, types.RawIP{Address: v.AAAA.String(), Source: CapDNSEnum})
		}
	}

	answers, err = a.query(ctx, target, dns.TypeMX)
	if err != nil {
		lookupErrs = append(lookupErrs, fmt.Sprintf("MX: %v", err))
	}
	for _, rr := range answers {
		if v, ok := rr.(*dns.MX); ok {
			findings.Domains = append(findings.Domains, types.RawDomain{
				Name:   strings.TrimSuffix(v.Mx, "."),
				Source: CapDNSEnum,
			})
		}
	}

	answers, err = a.query(ctx, target, dns.TypeTXT)
	if err != nil {
		lookupErrs = append(lookupErrs, fmt.Sprintf("TXT: %v", err))
	}
	var txt []string
	for _, rr := range answers {
		if v, ok := rr.(*dns.TXT); ok {
			txt = append(txt, strings.Join(v.Txt, ""))
		}
	}
	if len(txt) > 0 {
		findings.Attributes["txt_records"] = strings.Join(txt, "\n")
	}

	if len(lookupErrs) > 0 {
		findings.ToolOutput = strings.Join(lookupErrs, "\n")
		a.logger.WithContext(ctx).Debugw("Partial DNS resolution failures",
			"target", target, "failures", len(lookupErrs))
	}

	// Only a total failure counts as an adapter error.
	if findings.Empty() && len(lookupErrs) == 4 {
		return findings, transientErr(CapDNSEnum, fmt.Errorf("all record lookups failed for %s", target))
	}

	return findings, nil
}

func (a *dnsEnumAdapter) query(ctx context.Context, domain string, qtype uint16) ([]dns.RR, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true

	r, _, err := a.client.ExchangeContext(ctx, m, a.resolver)
	if err != nil {
		return nil, err
	}
	if r.Rcode != dns.RcodeSuccess && r.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("resolver returned %s", dns.RcodeToString[r.Rcode])
	}
	return r.Answer, nil
}
