package subscription

import "testing"

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter string
		ok     bool
	}{
		{"a/b", true},
		{"#", true},
		{"+", true},
		{"a/+/c", true},
		{"a/#", true},
		{"/", true},
		{"", false},
		{"a/#/c", false},
		{"a/b#", false},
		{"a+/b", false},
	}
	for _, tt := range tests {
		err := ValidateFilter(tt.filter)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateFilter(%q): expected ok=%v, got %v", tt.filter, tt.ok, err)
		}
	}
}

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		topic string
		ok    bool
	}{
		{"a/b", true},
		{"/a", true},
		{"", false},
		{"a/+", false},
		{"a/#", false},
	}
	for _, tt := range tests {
		err := ValidateTopic(tt.topic)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateTopic(%q): expected ok=%v, got %v", tt.topic, tt.ok, err)
		}
	}
}

func TestMatchFilter(t *testing.T) {
	tests := []struct {
		filter, topic string
		expect        bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/c", false},
		{"a/+", "a/b", true},
		{"a/+", "a/b/c", false},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"#", "", true},
		{"+", "", true},
		{"+/+", "a", false},
		{"a/b", "a/b/c", false},
	}
	for _, tt := range tests {
		if got := MatchFilter(tt.filter, tt.topic); got != tt.expect {
			t.Errorf("MatchFilter(%q, %q): expected %v, got %v", tt.filter, tt.topic, tt.expect, got)
		}
	}
}

func TestTranslate(t *testing.T) {
	from := DefaultOptions()
	to := Options{WildcardOne: "*", WildcardSome: ">"}
	if got := from.Translate("a/+/b/#", to); got != "a/*/b/>" {
		t.Errorf("unexpected translation %q", got)
	}
	if got := to.Translate("a/*/>", from); got != "a/+/#" {
		t.Errorf("unexpected reverse translation %q", got)
	}
}
