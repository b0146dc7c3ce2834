package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-sec/outpost/internal/config"
	"github.com/outpost-sec/outpost/internal/logger"
	"github.com/outpost-sec/outpost/internal/ratelimit"
	"github.com/outpost-sec/outpost/pkg/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestNaabuParseLines(t *testing.T) {
	a := NewNaabu(config.NaabuConfig{}, testLogger(t))

	lines := []string{
		`{"host":"example.com","ip":"93.184.216.34","port":443,"protocol":"tcp"}`,
		`{"host":"example.com","ip":"93.184.216.34","port":80}`,
		`not json at all`,
		`{"host":"example.com","port":8080}`,
	}

	findings := &types.RawFindings{Capability: CapNaabu, Target: "example.com"}
	a.parseLines(lines, findings)

	require.Len(t, findings.Ports, 3, "malformed line should be skipped, not fatal")
	assert.Equal(t, "93.184.216.34", findings.Ports[0].Host)
	assert.Equal(t, 443, findings.Ports[0].Number)
	assert.Equal(t, "tcp", findings.Ports[0].Protocol)
	assert.Equal(t, string(types.PortStatusOpen), findings.Ports[0].Status)

	assert.Equal(t, "tcp", findings.Ports[1].Protocol, "missing protocol defaults to tcp")
	assert.Equal(t, "example.com", findings.Ports[2].Host, "missing ip falls back to host")
	assert.Len(t, findings.IPs, 2)
}

func TestHTTPXParseLines(t *testing.T) {
	a := NewHTTPX(config.HTTPXConfig{}, testLogger(t))

	lines := []string{
		`{"url":"https://app.example.com","host":"app.example.com","status_code":200,"title":" Login ","webserver":"nginx/1.25.3","tech":["Nginx","React"],"a":["93.184.216.34"]}`,
		`{"url":"https://dead.example.com","failed":true}`,
		`{"status_code":301}`,
	}

	findings := &types.RawFindings{Capability: CapHTTPX, Target: "example.com"}
	a.parseLines(lines, findings)

	require.Len(t, findings.WebResources, 1, "failed probes and empty URLs are dropped")
	res := findings.WebResources[0]
	assert.Equal(t, "https://app.example.com", res.URL)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "Login", res.Title, "title should be trimmed")
	assert.Equal(t, "nginx/1.25.3", res.Server)
	assert.Equal(t, []string{"Nginx", "React"}, res.Technologies)

	require.Len(t, findings.Domains, 1)
	assert.Equal(t, "app.example.com", findings.Domains[0].Name)
	require.Len(t, findings.IPs, 1)
	assert.Equal(t, "93.184.216.34", findings.IPs[0].Address)
}

func TestNucleiParseLines(t *testing.T) {
	a := NewNuclei(config.NucleiConfig{}, testLogger(t))

	lines := []string{
		`{"template-id":"CVE-2021-44228","info":{"name":"Log4j RCE","severity":"Critical","reference":["https://nvd.nist.gov/vuln/detail/CVE-2021-44228"],"classification":{"cve-id":["cve-2021-44228"],"cvss-score":10.0}},"host":"https://app.example.com","matched-at":"https://app.example.com/api"}`,
		`{"template-id":"tech-detect","info":{"name":"Tech Detect","severity":"unknown-level"},"host":"https://app.example.com","matched-at":"https://app.example.com"}`,
	}

	findings := &types.RawFindings{Capability: CapNuclei, Target: "https://app.example.com"}
	a.parseLines(lines, findings)

	require.Len(t, findings.Vulns, 2)
	vuln := findings.Vulns[0]
	assert.Equal(t, "CVE-2021-44228", vuln.TemplateID)
	assert.Equal(t, "critical", vuln.Severity)
	assert.Equal(t, "CVE-2021-44228", vuln.CVE)
	require.NotNil(t, vuln.CVSS)
	assert.Equal(t, 10.0, *vuln.CVSS)
	assert.Equal(t, "https://app.example.com/api", vuln.MatchedAt)

	assert.Nil(t, findings.Vulns[1].CVSS)
}

func TestMapSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want types.Severity
	}{
		{"critical", types.SeverityCritical},
		{"HIGH", types.SeverityHigh},
		{"Medium", types.SeverityMedium},
		{"low", types.SeverityLow},
		{"info", types.SeverityInfo},
		{"bogus", types.SeverityInfo},
		{"", types.SeverityInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapSeverity(tt.in), "severity %q", tt.in)
	}
}

func TestCrtShRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "example.com", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("output"))
		fmt.Fprint(w, `[
			{"common_name":"Example.COM","name_value":"example.com\nwww.example.com"},
			{"common_name":"*.example.com","name_value":"*.example.com\napi.example.com"},
			{"common_name":"www.example.com","name_value":"WWW.EXAMPLE.COM"}
		]`)
	}))
	defer server.Close()

	a := NewCrtSh(config.CrtShConfig{BaseURL: server.URL}, nil, testLogger(t))
	findings, err := a.Run(context.Background(), "example.com", nil)
	require.NoError(t, err)

	var names []string
	for _, d := range findings.Domains {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"example.com", "www.example.com", "api.example.com"}, names,
		"wildcards dropped, names lowercased and deduplicated")
}

func TestCrtShRun_ServerErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantKind ErrorKind
	}{
		{"service overloaded", http.StatusBadGateway, ErrTransient},
		{"bad request", http.StatusBadRequest, ErrPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			a := NewCrtSh(config.CrtShConfig{BaseURL: server.URL}, nil, testLogger(t))
			_, err := a.Run(context.Background(), "example.com", nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
		})
	}
}

func TestCrtShRun_RespectsRateLimiter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer server.Close()

	limiter := ratelimit.NewLimiter(config.RateLimitConfig{
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		MinDelay:          50 * time.Millisecond,
	})
	a := NewCrtSh(config.CrtShConfig{BaseURL: server.URL}, limiter, testLogger(t))

	ctx := context.Background()
	_, err := a.Run(ctx, "example.com", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = a.Run(ctx, "example.com", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRegistryForJobType(t *testing.T) {
	log := testLogger(t)
	registry := NewRegistry()
	registry.Register(NewDNSEnum(config.DNSConfig{}, log))
	registry.Register(NewNaabu(config.NaabuConfig{}, log))
	registry.Register(NewHTTPX(config.HTTPXConfig{}, log))
	registry.Register(NewCrtSh(config.CrtShConfig{}, nil, log))
	registry.Register(NewNuclei(config.NucleiConfig{}, log))

	tests := []struct {
		jobType types.JobType
		want    []string
	}{
		{types.JobTypeDNSEnum, []string{CapDNSEnum, CapCrtSh}},
		{types.JobTypePortScan, []string{CapNaabu}},
		{types.JobTypeWebCrawl, []string{CapHTTPX}},
		{types.JobTypeCertScan, []string{CapCrtSh}},
		{types.JobTypeVulnScan, []string{CapNuclei}},
	}

	for _, tt := range tests {
		t.Run(string(tt.jobType), func(t *testing.T) {
			adapters, err := registry.ForJobType(tt.jobType)
			require.NoError(t, err)
			var got []string
			for _, a := range adapters {
				got = append(got, a.Capability())
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := registry.ForJobType(types.JobType("banner_grab"))
	assert.Error(t, err)
}

func TestRegistryForJobType_MissingCapability(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewDNSEnum(config.DNSConfig{}, testLogger(t)))

	_, err := registry.ForJobType(types.JobTypeDNSEnum)
	require.Error(t, err, "dns_enum also needs crtsh registered")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrTimeout, KindOf(timeoutErr("naabu", errors.New("deadline"))))
	assert.Equal(t, ErrPermanent, KindOf(permanentErr("httpx", errors.New("bad target"))))
	assert.Equal(t, ErrTransient, KindOf(transientErr("crtsh", errors.New("502"))))
	assert.Equal(t, ErrTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, ErrTransient, KindOf(errors.New("unclassified")))

	wrapped := fmt.Errorf("running adapter: %w", permanentErr("nuclei", errors.New("no binary")))
	assert.Equal(t, ErrPermanent, KindOf(wrapped))
}
