package risk

import (
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// PassiveInput is everything the header/IP analyzer looks at. HeaderOrder
// carries the header names in wire order so ordering anomalies survive the
// canonicalization net/http applies to the Header map.
type PassiveInput struct {
	UserAgent   string
	Headers     http.Header
	HeaderOrder []string
	ClientIP    string
}

var botUAPatterns = compileUAPatterns()

func compileUAPatterns() []*regexp.Regexp {
	patterns := []string{
		`(?i)headless`,
		`(?i)phantomjs`,
		`(?i)selenium`,
		`(?i)webdriver`,
		`(?i)puppeteer`,
		`(?i)playwright`,
		`(?i)cypress`,
		`(?i)nightwatch`,
		`(?i)zombie`,
		`(?i)electron`,
		`(?i)python-requests`,
		`(?i)curl/`,
		`(?i)wget/`,
		`(?i)\bbot\b`,
		`(?i)crawler`,
		`(?i)spider`,
		`(?i)scrapy`,
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}
	return compiled
}

// Known datacenter/cloud ranges, tagged with their provider. A proper IP
// intelligence database would replace this in a larger deployment.
var datacenterCIDRs = map[string][]string{
	"aws": {
		"3.0.0.0/8", "13.0.0.0/8", "18.0.0.0/8", "52.0.0.0/8", "54.0.0.0/8",
	},
	"gcp": {
		"34.64.0.0/10", "35.184.0.0/13", "104.154.0.0/15", "104.196.0.0/14",
	},
	"azure": {
		"13.64.0.0/11", "20.0.0.0/8", "40.64.0.0/10", "52.224.0.0/11",
	},
	"digitalocean": {
		"64.225.0.0/16", "68.183.0.0/16", "104.131.0.0/16", "134.209.0.0/16",
		"138.68.0.0/16", "139.59.0.0/16", "142.93.0.0/16", "157.245.0.0/16",
		"159.65.0.0/16", "159.89.0.0/16", "161.35.0.0/16", "165.227.0.0/16",
		"167.99.0.0/16", "178.128.0.0/16", "188.166.0.0/16", "206.189.0.0/16",
	},
	"linode": {
		"45.33.0.0/16", "45.56.0.0/16", "45.79.0.0/16", "139.162.0.0/16",
		"172.104.0.0/15", "173.255.192.0/18",
	},
	"vultr": {
		"45.32.0.0/16", "45.63.0.0/16", "45.76.0.0/16", "45.77.0.0/16",
		"108.61.0.0/16", "140.82.0.0/16", "144.202.0.0/16", "149.28.0.0/16",
	},
	"hetzner": {
		"5.9.0.0/16", "46.4.0.0/14", "78.46.0.0/15", "88.99.0.0/16",
		"95.216.0.0/14", "116.202.0.0/15", "135.181.0.0/16", "138.201.0.0/16",
		"144.76.0.0/16", "148.251.0.0/16", "157.90.0.0/16", "159.69.0.0/16",
		"168.119.0.0/16", "176.9.0.0/16", "178.63.0.0/16", "188.40.0.0/16",
	},
	"ovh": {
		"51.38.0.0/16", "51.68.0.0/16", "51.75.0.0/16", "51.77.0.0/16",
		"51.83.0.0/16", "51.91.0.0/16", "137.74.0.0/16", "139.99.0.0/16",
		"141.94.0.0/16", "145.239.0.0/16", "147.135.0.0/16", "149.56.0.0/16",
		"158.69.0.0/16", "164.132.0.0/16", "167.114.0.0/16", "188.165.0.0/16",
		"192.99.0.0/16", "193.70.0.0/16",
	},
}

type providerNet struct {
	provider string
	net      *net.IPNet
}

var datacenterNets []providerNet

func init() {
	for provider, cidrs := range datacenterCIDRs {
		for _, cidr := range cidrs {
			if _, ipNet, err := net.ParseCIDR(cidr); err == nil {
				datacenterNets = append(datacenterNets, providerNet{provider: provider, net: ipNet})
			}
		}
	}
}

// datacenterProvider returns the provider tag for a datacenter IP, or "".
func datacenterProvider(ip net.IP) string {
	for _, pn := range datacenterNets {
		if pn.net.Contains(ip) {
			return pn.provider
		}
	}
	return ""
}

// Headers whose presence suggests the request traversed a proxy.
var proxyIndicatorHeaders = []string{
	"X-Forwarded-For",
	"X-Real-Ip",
	"Forwarded",
	"X-Forwarded-Host",
	"X-Proxy-Id",
	"Client-Ip",
}

// Via tokens of well-known proxy software.
var knownProxyTokens = []string{"squid", "varnish", "nginx", "haproxy", "cloudfront", "traefik"}

// AnalyzePassive scores request headers and source IP without any client
// cooperation. Pure: same input, same output.
func AnalyzePassive(in PassiveInput) Analysis {
	a := Analysis{Details: map[string]string{}}

	analyzeHeaders(&a, in)
	analyzeIP(&a, in)

	a.Score = clamp(a.Score, 0, 100)
	return a
}

func analyzeHeaders(a *Analysis, in PassiveInput) {
	ua := in.UserAgent

	for _, re := range botUAPatterns {
		if re.MatchString(ua) {
			a.add(40, "bot_user_agent")
			a.Details["ua_pattern"] = re.String()
			break
		}
	}

	if in.Headers.Get("Accept-Language") == "" {
		a.add(15, "missing_accept_language")
	}
	if in.Headers.Get("Accept-Encoding") == "" {
		a.add(10, "missing_accept_encoding")
	}
	if in.Headers.Get("Accept") == "" {
		a.add(10, "missing_accept")
	}

	if userAgentBeforeHost(in.HeaderOrder) {
		a.add(8, "header_order_anomaly")
	}

	if strings.Contains(in.Headers.Get("Sec-Ch-Ua"), "Headless") {
		a.add(35, "headless_client_hint")
	}

	if in.Headers.Get("Sec-Fetch-Mode") == "" && in.Headers.Get("Sec-Fetch-Site") == "" {
		a.add(12, "missing_sec_fetch")
	}

	if len(ua) > 0 && len(ua) < 30 {
		a.add(20, "short_user_agent")
	}
}

func analyzeIP(a *Analysis, in PassiveInput) {
	ip := net.ParseIP(in.ClientIP)
	if ip == nil {
		return
	}
	// Local traffic carries no IP signal.
	if ip.IsLoopback() || ip.IsPrivate() {
		return
	}

	provider := datacenterProvider(ip)
	if provider != "" {
		a.add(30, "datacenter_ip")
		a.Details["datacenter_provider"] = provider
	}

	proxyHeaders := 0
	for _, name := range proxyIndicatorHeaders {
		if in.Headers.Get(name) != "" {
			proxyHeaders++
		}
	}
	if proxyHeaders >= 2 {
		a.add(20, "multiple_proxy_headers")
		a.Details["proxy_header_count"] = fmt.Sprintf("%d", proxyHeaders)
	}

	if xff := in.Headers.Get("X-Forwarded-For"); xff != "" {
		if len(strings.Split(xff, ",")) > 2 {
			a.add(15, "long_forward_chain")
		}
	}

	if via := in.Headers.Get("Via"); via != "" {
		a.add(10, "via_header")
		lower := strings.ToLower(via)
		for _, token := range knownProxyTokens {
			if strings.Contains(lower, token) {
				a.Flags = append(a.Flags, "known_proxy_software")
				a.Details["proxy_software"] = token
				break
			}
		}
	}

	if strings.Contains(in.UserAgent, "Tor") {
		a.add(40, "tor_browser")
	}

	if provider != "" && !strings.EqualFold(in.Headers.Get("Connection"), "keep-alive") {
		a.add(10, "datacenter_no_keepalive")
	}
}

// userAgentBeforeHost reports whether User-Agent preceded Host on the wire.
// Browsers send Host first; many HTTP libraries do not.
func userAgentBeforeHost(order []string) bool {
	uaIdx, hostIdx := -1, -1
	for i, name := range order {
		switch {
		case strings.EqualFold(name, "User-Agent") && uaIdx == -1:
			uaIdx = i
		case strings.EqualFold(name, "Host") && hostIdx == -1:
			hostIdx = i
		}
	}
	return uaIdx != -1 && hostIdx != -1 && uaIdx < hostIdx
}
