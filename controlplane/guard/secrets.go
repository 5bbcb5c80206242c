package guard

import (
	"regexp"
	"strings"
)

// =============================================================================
// Secret Scanning
// =============================================================================

// secretPatterns detect credential material in content. Key material and
// provider secrets are HIGH; bearer-shaped tokens are MEDIUM because they
// are frequently short-lived or already public.
var secretPatterns = []namedPattern{
	{
		name:        "aws_key",
		re:          regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`),
		severity:    RiskHigh,
		description: "AWS access key ID",
	},
	{
		name:        "github_token",
		re:          regexp.MustCompile(`\b(ghp_[A-Za-z0-9]{36}|gho_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})`),
		severity:    RiskHigh,
		description: "GitHub personal access token",
	},
	{
		name:        "stripe_key",
		re:          regexp.MustCompile(`\b(sk|rk)_live_[A-Za-z0-9]{16,}\b`),
		severity:    RiskHigh,
		description: "Stripe secret key",
	},
	{
		name:        "generic_secret_assignment",
		re:          regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|passwd|token)\b\s*[:=]\s*["'][^"']{8,}["']`),
		severity:    RiskHigh,
		description: "hardcoded secret assignment",
	},
	{
		name:        "private_key",
		re:          regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY( BLOCK)?-----`),
		severity:    RiskHigh,
		description: "PEM private key material",
	},
	{
		name:        "bearer_token",
		re:          regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}`),
		severity:    RiskMedium,
		description: "bearer token",
	},
	{
		name:        "jwt",
		re:          regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
		severity:    RiskMedium,
		description: "JWT-shaped token",
	},
}

// isEnvFilePath reports whether a path names an environment file.
func isEnvFilePath(path string) bool {
	if path == "" {
		return false
	}
	base := strings.ToLower(path[strings.LastIndexByte(path, '/')+1:])
	return base == ".env" || strings.HasPrefix(base, ".env.") || strings.HasSuffix(base, ".env")
}

// secretFactors collects secret findings for content, adding the env-file
// factor when the path indicates environment configuration.
func (g *Guard) secretFactors(content, path string) []RiskFactor {
	factors := matchPatterns(secretPatterns, content)
	if len(factors) > 0 && isEnvFilePath(path) {
		factors = append(factors, RiskFactor{
			Factor:      "secrets_in_env_file",
			Severity:    RiskHigh,
			Description: "secret material in an environment file",
		})
	}
	return factors
}

// ScanForSecrets scans content for credential material. The optional path
// sharpens the assessment: any finding inside an environment file adds a
// HIGH env-file factor.
func (g *Guard) ScanForSecrets(content, path string) *RiskAssessment {
	subject := "content"
	if path != "" {
		subject = path
	}
	return g.assess(CategoryContent, g.secretFactors(content, path), subject)
}
