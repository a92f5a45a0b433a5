// Package envdetect decides, per request, whether the service is being hit
// through a production, test or local host. The kiosk UI uses the answer to
// pick its live or test payment keys, so the decision and its reason are
// reported verbatim to the caller.
package envdetect

import (
	"net/http"
	"regexp"
	"strings"

	"kiosk-auth/internal/util"
)

const (
	EnvProduction = "production"
	EnvTest       = "test"
	EnvLocal      = "local"
)

// Result explains one detection, including which rule decided it
type Result struct {
	Environment   string `json:"environment"`
	Reason        string `json:"reason"`
	Host          string `json:"host"`
	ForwardedHost string `json:"forwarded_host,omitempty"`
}

// Detector resolves the environment in priority order: explicit APP_ENV
// override, custom kiosk domains, hosting-platform domain patterns,
// localhost, then a local fallback.
type Detector struct {
	override    string
	prodDomain  string
	testDomain  string
	prodPattern *regexp.Regexp
	testPattern *regexp.Regexp
}

var localhostPattern = regexp.MustCompile(`^(localhost|127\.0\.0\.1|\[?::1\]?)(:\d+)?$`)

func NewDetector() *Detector {
	prodDomain := util.GetEnv("KIOSK_DOMAIN", "")
	testDomain := util.GetEnv("KIOSK_TEST_DOMAIN", "")
	if testDomain == "" && prodDomain != "" {
		testDomain = "test." + prodDomain
	}

	appName := regexp.QuoteMeta(util.GetEnv("PLATFORM_APP_NAME", "kiosk-pin-service"))

	return &Detector{
		override:    strings.ToLower(util.GetEnv("APP_ENV", "")),
		prodDomain:  prodDomain,
		testDomain:  testDomain,
		prodPattern: regexp.MustCompile(`^prod-` + appName + `.*\.up\.railway\.app$`),
		testPattern: regexp.MustCompile(`^test-` + appName + `.*\.up\.railway\.app$`),
	}
}

func (d *Detector) Detect(r *http.Request) Result {
	forwarded := strings.ToLower(r.Header.Get("X-Forwarded-Host"))
	host := forwarded
	if host == "" {
		host = strings.ToLower(r.Host)
	}
	if host == "" {
		host = "unknown-host"
	}

	result := func(env, reason string) Result {
		return Result{Environment: env, Reason: reason, Host: host, ForwardedHost: forwarded}
	}

	switch d.override {
	case "production", "prod":
		return result(EnvProduction, "APP_ENV override")
	case "test", "staging":
		return result(EnvTest, "APP_ENV override")
	}

	if d.prodDomain != "" && host == d.prodDomain {
		return result(EnvProduction, "custom domain match")
	}
	if d.testDomain != "" && host == d.testDomain {
		return result(EnvTest, "test subdomain match")
	}

	if d.testPattern.MatchString(host) {
		return result(EnvTest, "platform test pattern")
	}
	if d.prodPattern.MatchString(host) {
		return result(EnvProduction, "platform prod pattern")
	}

	if localhostPattern.MatchString(host) {
		return result(EnvLocal, "localhost host")
	}
	return result(EnvLocal, "default fallback")
}
