// Package format renders analysis reports as the plain-text string accepted
// by the purchaser dashboard and by result submission.
package format

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/dunamismax/risklens/internal/domain"
)

const title = "BLOCKCHAIN WALLET RISK ANALYSIS REPORT"

// Top-level keys rendered in dedicated sections. Anything else ends up under
// ADDITIONAL FINDINGS.
var knownKeys = map[string]struct{}{
	"wallet_address":        {},
	"analysis_timestamp":    {},
	"risk_score":            {},
	"risk_category":         {},
	"trust_score":           {},
	"compliance_status":     {},
	"confidence_level":      {},
	"executive_summary":     {},
	"transaction_summary":   {},
	"risk_factors":          {},
	"suspicious_activities": {},
	"recommendations":       {},
	"report_hash":           {},
}

// Report renders v. Missing sections are skipped; input that is not a JSON
// object is rendered with fmt.Sprint. Report never panics on decoded JSON.
func Report(v any) string {
	var report map[string]any
	switch r := v.(type) {
	case domain.Report:
		report = r
	case map[string]any:
		report = r
	default:
		return fmt.Sprint(v)
	}
	if report == nil {
		return fmt.Sprint(v)
	}

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}

	line(title)
	line("")

	if v, ok := report["wallet_address"]; ok {
		line("Wallet Address: %s", text(v))
	}
	if v, ok := report["analysis_timestamp"]; ok {
		line("Analysis Date: %s", text(v))
	}
	line("")

	if hasAny(report, "risk_score", "risk_category", "trust_score", "compliance_status", "confidence_level") {
		line("RISK ASSESSMENT")
		if v, ok := report["risk_score"]; ok {
			line("   Risk Score: %s/100", text(v))
		}
		if v, ok := report["risk_category"]; ok {
			line("   Risk Category: %s", text(v))
		}
		if v, ok := report["trust_score"]; ok {
			line("   Trust Score: %s/100", text(v))
		}
		if v, ok := report["compliance_status"]; ok {
			line("   Compliance Status: %s", text(v))
		}
		if v, ok := report["confidence_level"]; ok {
			line("   Confidence Level: %s", text(v))
		}
		line("")
	}

	if v, ok := report["executive_summary"]; ok {
		line("EXECUTIVE SUMMARY")
		line("%s", text(v))
		line("")
	}

	if v, ok := report["transaction_summary"]; ok {
		line("TRANSACTION SUMMARY")
		if ts, isMap := v.(map[string]any); isMap {
			for _, field := range []struct{ key, label string }{
				{"total_transactions", "Total Transactions"},
				{"total_volume", "Total Volume"},
				{"active_period", "Active Period"},
				{"counterparties", "Counterparties"},
			} {
				if fv, ok := ts[field.key]; ok {
					line("   %s: %s", field.label, text(fv))
				}
			}
		} else {
			line("   %s", text(v))
		}
		line("")
	}

	if factors := list(report["risk_factors"]); len(factors) > 0 {
		line("RISK FACTORS")
		for i, f := range factors {
			factor, isMap := f.(map[string]any)
			if !isMap {
				line("%d. %s", i+1, text(f))
				continue
			}
			line("%d. %s", i+1, field(factor, "factor", "Unknown Factor"))
			line("   Severity: %s", field(factor, "severity", "N/A"))
			line("   Description: %s", field(factor, "description", "N/A"))
			line("   Impact: %s", field(factor, "impact", "N/A"))
		}
		line("")
	}

	if v, ok := report["suspicious_activities"]; ok {
		line("SUSPICIOUS ACTIVITIES")
		activities := list(v)
		if len(activities) == 0 {
			line("   No suspicious activities detected.")
		}
		for i, a := range activities {
			line("%d. %s", i+1, text(a))
		}
		line("")
	}

	if recs := list(report["recommendations"]); len(recs) > 0 {
		line("RECOMMENDATIONS")
		for i, r := range recs {
			line("%d. %s", i+1, text(r))
		}
		line("")
	}

	if v, ok := report["report_hash"]; ok {
		line("VERIFICATION")
		line("   Report Hash: %s", text(v))
		line("")
	}

	extra := make([]string, 0)
	for key := range report {
		if _, known := knownKeys[key]; !known {
			extra = append(extra, key)
		}
	}
	if len(extra) > 0 {
		slices.Sort(extra)
		line("ADDITIONAL FINDINGS")
		for _, key := range extra {
			line("   %s: %s", key, text(report[key]))
		}
		line("")
	}

	b.WriteString("End of Report")
	return b.String()
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func field(m map[string]any, key, fallback string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return fallback
	}
	return text(v)
}

// list accepts any slice, not only the []any JSON decoding produces. A
// present non-slice value becomes a single item so the section still shows.
func list(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []any{t}
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items
}

// text renders decoded JSON scalars without float noise: 42 not 4.2e+01.
func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
