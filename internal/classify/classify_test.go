package classify

import (
	"testing"

	"commaudit/internal/model"
)

func TestClassify_DefaultRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		file     string
		endpoint string
		want     string
	}{
		{"storage/cc.json", "/download", model.TypeConfig},
		{"", "/get/cc.json", model.TypeConfig},
		{"keys/Public_Key.txt", "/upload", model.TypePubKey},
		{"client_1_rekey.txt", "/upload", model.TypeReKey},
		{"re-key.bin", "/upload", model.TypeReKey},
		{"", "/rekey", model.TypeReKey},
		{"encrypted_weights_r3.json", "/upload", model.TypeWeights},
		{"aggregated.json", "/download", model.TypeWeights},
		{"DomainChange_out.json", "/download", model.TypeWeights},
		{"domain_change.json", "/download", model.TypeWeights},
		{"notes.txt", "/ping", model.TypeUnknown},
		{"", "", model.TypeUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.file, tt.endpoint, DefaultRules); got != tt.want {
			t.Errorf("Classify(%q, %q)=%q, want %q", tt.file, tt.endpoint, got, tt.want)
		}
	}
}

func TestClassify_EarlierRuleWins(t *testing.T) {
	t.Parallel()

	if got := Classify("cc.json_weight_public", "", DefaultRules); got != model.TypeConfig {
		t.Fatalf("got=%q", got)
	}
	if got := Classify("public_weights.bin", "", DefaultRules); got != model.TypePubKey {
		t.Fatalf("got=%q", got)
	}
	if got := Classify("weights.bin", "/rekey", DefaultRules); got != model.TypeReKey {
		t.Fatalf("got=%q", got)
	}
}

func TestClassify_CustomRuleOrder(t *testing.T) {
	t.Parallel()

	rules := []Rule{
		{Type: model.TypeWeights, Needles: []string{"weight"}},
		{Type: model.TypeConfig, Needles: []string{"cc.json"}},
	}
	if got := Classify("cc.json_weight", "", rules); got != model.TypeWeights {
		t.Fatalf("got=%q", got)
	}
}

func TestApply_KeepsExplicitTypeAndDoesNotMutate(t *testing.T) {
	t.Parallel()

	in := []model.Record{
		{Type: "metrics", File: "weights.json"},
		{File: "weights.json"},
		{Type: "  ", File: "cc.json"},
	}
	out := Apply(in, DefaultRules)
	if out[0].Type != "metrics" || out[1].Type != model.TypeWeights || out[2].Type != model.TypeConfig {
		t.Fatalf("types=%q,%q,%q", out[0].Type, out[1].Type, out[2].Type)
	}
	if in[1].Type != "" {
		t.Fatalf("input mutated: %+v", in[1])
	}
}
