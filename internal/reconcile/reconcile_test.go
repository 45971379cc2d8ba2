package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hornwind/l3-rule-cleanup/internal/models"
)

func rule(comment, destCidr string) models.Rule {
	return models.Rule{
		Comment:  comment,
		Policy:   models.PolicyDeny,
		Protocol: "tcp",
		SrcPort:  "Any",
		SrcCidr:  "Any",
		DestPort: "443",
		DestCidr: destCidr,
	}
}

func terminal() *models.Rule {
	return &models.Rule{
		Comment:  "Default rule",
		Policy:   models.PolicyAllow,
		Protocol: "Any",
		SrcPort:  "Any",
		SrcCidr:  "Any",
		DestPort: "Any",
		DestCidr: "Any",
	}
}

func set(rules ...models.Rule) models.RuleSet {
	return models.RuleSet{Rules: rules, Terminal: terminal()}
}

func TestReconcile_ExactCopyKeepsFirst(t *testing.T) {
	r1 := rule("web", "10.0.0.1/32")
	r2 := rule("db", "10.0.0.2/32")

	res, err := Reconcile(set(r1, r2, r1))
	require.NoError(t, err)

	assert.Equal(t, []models.Rule{r1, r2}, res.Cleaned)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.ExactRemoved)
	assert.Equal(t, 0, res.SemanticRemoved)
	assert.Equal(t, []int{2}, res.Duplicates)
	assert.True(t, res.Changed)
}

func TestReconcile_CommentOnlyDifferenceKeepsLast(t *testing.T) {
	a := rule("a", "10.0.0.1/32")
	b := rule("b", "10.0.0.1/32")

	res, err := Reconcile(set(a, b))
	require.NoError(t, err)

	assert.Equal(t, []models.Rule{b}, res.Cleaned)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.SemanticRemoved)
	assert.True(t, res.Changed)
}

func TestReconcile_FirstTieBreak(t *testing.T) {
	a := rule("a", "10.0.0.1/32")
	other := rule("other", "10.0.0.9/32")
	b := rule("b", "10.0.0.1/32")

	res, err := Reconcile(set(a, other, b), WithSemanticTieBreak(TieBreakFirst))
	require.NoError(t, err)
	assert.Equal(t, []models.Rule{a, other}, res.Cleaned)

	res, err = Reconcile(set(a, other, b))
	require.NoError(t, err)
	assert.Equal(t, []models.Rule{other, b}, res.Cleaned)
}

func TestReconcile_NoDuplicates(t *testing.T) {
	r1 := rule("web", "10.0.0.1/32")
	r2 := rule("db", "10.0.0.2/32")

	res, err := Reconcile(set(r1, r2))
	require.NoError(t, err)

	assert.Equal(t, []models.Rule{r1, r2}, res.Cleaned)
	assert.Zero(t, res.Removed)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Duplicates)
}

func TestReconcile_Empty(t *testing.T) {
	_, err := Reconcile(models.RuleSet{Terminal: terminal()})
	assert.ErrorIs(t, err, ErrEmptyRuleSet)

	_, err = Reconcile(models.RuleSet{})
	assert.ErrorIs(t, err, ErrEmptyRuleSet)

	_, err = Reconcile(models.SplitTerminal([]models.Rule{*terminal()}))
	assert.ErrorIs(t, err, ErrEmptyRuleSet)
}

func TestReconcile_MissingSyslog(t *testing.T) {
	raw := `[
		{"comment":"ok","policy":"deny","protocol":"tcp","srcPort":"Any","srcCidr":"Any","destPort":"22","destCidr":"Any","syslogEnabled":false},
		{"comment":"bad","policy":"deny","protocol":"tcp","srcPort":"Any","srcCidr":"Any","destPort":"22","destCidr":"Any"},
		{"comment":"Default rule","policy":"allow","protocol":"Any","srcPort":"Any","srcCidr":"Any","destPort":"Any","destCidr":"Any","syslogEnabled":false}
	]`
	var rules []models.Rule
	require.NoError(t, json.Unmarshal([]byte(raw), &rules))

	res, err := Reconcile(models.SplitTerminal(rules))
	var malformed *MalformedRuleError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 1, malformed.Index)
	assert.Equal(t, "syslogEnabled", malformed.Field)
	assert.Nil(t, res.Cleaned)
}

func TestReconcile_MissingComment(t *testing.T) {
	raw := `[
		{"comment":"","policy":"deny","protocol":"tcp","srcPort":"Any","srcCidr":"Any","destPort":"22","destCidr":"Any","syslogEnabled":false},
		{"policy":"deny","protocol":"tcp","srcPort":"Any","srcCidr":"Any","destPort":"23","destCidr":"Any","syslogEnabled":false},
		{"comment":"Default rule","policy":"allow","protocol":"Any","srcPort":"Any","srcCidr":"Any","destPort":"Any","destCidr":"Any","syslogEnabled":false}
	]`
	var rules []models.Rule
	require.NoError(t, json.Unmarshal([]byte(raw), &rules))
	assert.Empty(t, rules[0].MissingField())

	_, err := Reconcile(models.SplitTerminal(rules))
	var malformed *MalformedRuleError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 1, malformed.Index)
	assert.Equal(t, "comment", malformed.Field)
}

func TestReconcile_InvalidPolicy(t *testing.T) {
	r := rule("x", "10.0.0.1/32")
	r.Policy = "reject"

	_, err := Reconcile(set(rule("ok", "10.0.0.2/32"), r))
	var malformed *MalformedRuleError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 1, malformed.Index)
	assert.Equal(t, "policy", malformed.Field)
}

func TestReconcile_TerminalNeverInOutput(t *testing.T) {
	term := terminal()
	// a user rule identical to the terminal rule is still a user rule
	res, err := Reconcile(models.RuleSet{Rules: []models.Rule{rule("x", "1.1.1.1/32")}, Terminal: term})
	require.NoError(t, err)
	for _, r := range res.Cleaned {
		assert.False(t, r.Equal(*term))
	}
}

func TestReconcile_DoesNotMutateInput(t *testing.T) {
	rules := []models.Rule{rule("a", "10.0.0.1/32"), rule("b", "10.0.0.1/32"), rule("a", "10.0.0.1/32")}
	before := append([]models.Rule(nil), rules...)

	_, err := Reconcile(set(rules...))
	require.NoError(t, err)
	assert.Equal(t, before, rules)
}

func TestReconcile_NoFalseMerge(t *testing.T) {
	base := rule("same", "10.0.0.1/32")
	variants := []func(r *models.Rule){
		func(r *models.Rule) { r.Policy = models.PolicyAllow },
		func(r *models.Rule) { r.Protocol = "udp" },
		func(r *models.Rule) { r.SrcPort = "1024" },
		func(r *models.Rule) { r.SrcCidr = "192.168.0.0/24" },
		func(r *models.Rule) { r.DestPort = "80" },
		func(r *models.Rule) { r.DestCidr = "10.0.0.2/32" },
		func(r *models.Rule) { r.SyslogEnabled = true },
	}
	for _, mutate := range variants {
		other := base
		mutate(&other)
		res, err := Reconcile(set(base, other))
		require.NoError(t, err)
		assert.Len(t, res.Cleaned, 2)
		assert.False(t, res.Changed)
	}
}

func TestReconcile_IdempotentAndOrderPreserving(t *testing.T) {
	inputs := [][]models.Rule{
		{rule("a", "1.1.1.1/32"), rule("b", "2.2.2.2/32"), rule("a", "1.1.1.1/32"), rule("c", "1.1.1.1/32")},
		{rule("x", "3.3.3.3/32"), rule("y", "3.3.3.3/32"), rule("z", "3.3.3.3/32"), rule("x", "3.3.3.3/32")},
		{rule("", "4.4.4.4/32")},
	}
	for _, tb := range []TieBreak{TieBreakLast, TieBreakFirst} {
		for _, in := range inputs {
			first, err := Reconcile(set(in...), WithSemanticTieBreak(tb))
			require.NoError(t, err)

			second, err := Reconcile(set(first.Cleaned...), WithSemanticTieBreak(tb))
			require.NoError(t, err)
			assert.Equal(t, first.Cleaned, second.Cleaned)
			assert.Zero(t, second.Removed)
			assert.False(t, second.Changed)

			// survivors appear in input order
			pos := -1
			for _, c := range first.Cleaned {
				found := -1
				for i := pos + 1; i < len(in); i++ {
					if in[i].Equal(c) {
						found = i
						break
					}
				}
				require.NotEqual(t, -1, found)
				pos = found
			}
		}
	}
}

func TestParseTieBreak(t *testing.T) {
	tb, err := ParseTieBreak("")
	require.NoError(t, err)
	assert.Equal(t, TieBreakLast, tb)

	tb, err = ParseTieBreak("first")
	require.NoError(t, err)
	assert.Equal(t, TieBreakFirst, tb)

	_, err = ParseTieBreak("middle")
	assert.Error(t, err)
}
