package types

import (
	"testing"
)

func TestReportKeyRoundTrip(t *testing.T) {
	keys := []ReportKey{
		{Code: DataSourceSummary, Statistic: StatEntityCount, DataSource1: "FOO"},
		{Code: DataSourceSummary, Statistic: StatRecordCount, DataSource1: "CUSTOMERS"},
		{Code: CrossSourceSummary, Statistic: StatMatchedCount, DataSource1: "FOO", DataSource2: "BAR"},
		{Code: CrossSourceSummary, Statistic: FormatStatistic(StatPossibleRelation, "SF1", "PHONE"), DataSource1: "FOO", DataSource2: "FOO"},
		{Code: EntitySizeBreakdown, Statistic: StatEntityCount, DataSource1: "3"},
		{Code: EntityRelationBreakdown, Statistic: StatEntityCount, DataSource1: "12"},
		{Code: CrossSourceSummary, Statistic: FormatStatistic(StatAmbiguousCount, "", "NAME+DOB"), DataSource1: "A B", DataSource2: "C:D"},
	}

	for _, key := range keys {
		text := key.String()
		parsed, err := ParseReportKey(text)
		if err != nil {
			t.Fatalf("ParseReportKey(%q) returned error: %v", text, err)
		}
		if parsed != key {
			t.Errorf("round trip mismatch: %+v -> %q -> %+v", key, text, parsed)
		}
	}
}

func TestReportKeyEscaping(t *testing.T) {
	key := ReportKey{
		Code:        CrossSourceSummary,
		Statistic:   FormatStatistic(StatMatchedCount, "CNAME_CFF", "NAME+DOB"),
		DataSource1: "DATA SOURCE",
		DataSource2: "OTHER:SOURCE",
	}
	text := key.String()
	// Raw colon and space must not survive escaping inside tokens.
	parsed, err := ParseReportKey(text)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.DataSource2 != "OTHER:SOURCE" {
		t.Errorf("data source 2 = %q, want OTHER:SOURCE", parsed.DataSource2)
	}
	if parsed.Statistic != "MATCHED_COUNT:CNAME_CFF:NAME+DOB" {
		t.Errorf("statistic = %q", parsed.Statistic)
	}
}

func TestParseReportKeyErrors(t *testing.T) {
	cases := []string{
		"",
		"DSS",                    // too few tokens
		"DSS:A:B:C:D",            // too many tokens
		"XXX:ENTITY_COUNT:FOO",   // bad code
		"DSS::FOO",               // blank statistic
		"DSS:ENTITY_COUNT:%zz",   // bad escape
		"CSS:MATCHED_COUNT::BAR", // ds2 without ds1 after decode
	}
	for _, c := range cases {
		if _, err := ParseReportKey(c); err == nil {
			t.Errorf("ParseReportKey(%q) succeeded, want error", c)
		}
	}
}

func TestFormatStatistic(t *testing.T) {
	cases := []struct {
		base, principle, matchKey, want string
	}{
		{StatMatchedCount, "", "", "MATCHED_COUNT"},
		{StatMatchedCount, "CNAME", "", "MATCHED_COUNT:CNAME"},
		{StatMatchedCount, "CNAME", "NAME+DOB", "MATCHED_COUNT:CNAME:NAME+DOB"},
		{StatMatchedCount, "", "NAME+DOB", "MATCHED_COUNT::NAME+DOB"},
		{StatMatchedCount, "  ", "  ", "MATCHED_COUNT"},
	}
	for _, c := range cases {
		got := FormatStatistic(c.base, c.principle, c.matchKey)
		if got != c.want {
			t.Errorf("FormatStatistic(%q,%q,%q) = %q, want %q", c.base, c.principle, c.matchKey, got, c.want)
		}
		base, principle, matchKey, err := ParseStatistic(got)
		if err != nil {
			t.Fatalf("ParseStatistic(%q): %v", got, err)
		}
		if base != c.base {
			t.Errorf("base = %q, want %q", base, c.base)
		}
		wantPrin := c.principle
		wantMK := c.matchKey
		if wantPrin == "  " {
			wantPrin = ""
		}
		if wantMK == "  " {
			wantMK = ""
		}
		if principle != wantPrin || matchKey != wantMK {
			t.Errorf("ParseStatistic(%q) = (%q,%q), want (%q,%q)", got, principle, matchKey, wantPrin, wantMK)
		}
	}
}

func TestDetectMatchType(t *testing.T) {
	cases := []struct {
		ambiguous, disclosed bool
		level                int
		want                 MatchType
	}{
		{true, false, 2, AmbiguousMatch},
		{true, true, 3, AmbiguousMatch},
		{false, true, 2, DisclosedRelation},
		{false, false, 2, PossibleMatch},
		{false, false, 3, PossibleRelation},
		{false, false, 0, PossibleRelation},
	}
	for _, c := range cases {
		got := DetectMatchType(c.ambiguous, c.disclosed, c.level)
		if got != c.want {
			t.Errorf("DetectMatchType(%v,%v,%d) = %s, want %s", c.ambiguous, c.disclosed, c.level, got, c.want)
		}
	}
}

func TestReverseMatchKey(t *testing.T) {
	cases := []struct{ in, want string }{
		{"ADDRESS+PHONE_NUMBER", "ADDRESS+PHONE_NUMBER"},
		{"PHONE_NUMBER+ADDRESS", "ADDRESS+PHONE_NUMBER"},
		{"NAME+DOB", "DOB+NAME"},
		{"NAME", "NAME"},
		{"", ""},
		{"NAME+-DOB", "-DOB+NAME"},
	}
	for _, c := range cases {
		if got := ReverseMatchKey(c.in); got != c.want {
			t.Errorf("ReverseMatchKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
