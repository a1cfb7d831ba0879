package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeLowercasesAndSplits(t *testing.T) {
	a := New(false)
	tokens := a.Analyze("Pain is certain; SUFFERING is optional.")
	assert.Equal(t, []Token{
		{Term: "pain", Position: 0},
		{Term: "is", Position: 1},
		{Term: "certain", Position: 2},
		{Term: "suffering", Position: 3},
		{Term: "is", Position: 4},
		{Term: "optional", Position: 5},
	}, tokens)
}

func TestAnalyzeStopWordsKeepPositions(t *testing.T) {
	a := New(true)
	tokens := a.Analyze("the sun, the moon and the truth")
	assert.Equal(t, []Token{
		{Term: "sun", Position: 1},
		{Term: "moon", Position: 3},
		{Term: "truth", Position: 6},
	}, tokens)
}

func TestAnalyzeKeepsDigitsAndUnicode(t *testing.T) {
	a := New(true)
	assert.Equal(t, []string{"42"}, a.Terms("42"))
	assert.Equal(t, []string{"tongue", "like", "sharp", "knife", "kills"},
		a.Terms("The tongue like a sharp knife… Kills"))
	assert.Equal(t, []string{"straße", "café"}, a.Terms("Straße, CAFÉ!"))
}

func TestAnalyzeEmpty(t *testing.T) {
	a := New(true)
	assert.Empty(t, a.Analyze(""))
	assert.Empty(t, a.Analyze("the and of"))
	assert.Empty(t, a.Analyze("  ...  "))
}

func TestIsStopWord(t *testing.T) {
	assert.True(t, New(true).IsStopWord("the"))
	assert.False(t, New(true).IsStopWord("moon"))
	assert.False(t, New(false).IsStopWord("the"))
}
