package argument

import "regexp"

// Classifier assigns an argumentation role to a user utterance.
type Classifier interface {
	Classify(text string) NodeType
}

// PatternClassifier checks counterargument, then evidence, then claim
// patterns. Text matching none of them is a justification.
type PatternClassifier struct {
	Counter  []*regexp.Regexp
	Evidence []*regexp.Regexp
	Claim    []*regexp.Regexp
}

func DefaultClassifier() PatternClassifier {
	return PatternClassifier{
		Counter: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(however|on the other hand|although|nevertheless|nonetheless|in contrast|on the contrary)\b`),
			regexp.MustCompile(`(?i)\b(i disagree|not necessarily|that'?s not (true|right|correct)|a counter ?argument)\b`),
		},
		Evidence: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(because|since|for example|for instance|such as|e\.g\.)\b`),
			regexp.MustCompile(`(?i)\b(evidence|data|studies|study|research|experiment|statistics|according to|measured|observed)\b`),
		},
		Claim: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(i think|i believe|in my opinion|i argue|i would say|my view)\b`),
			regexp.MustCompile(`(?i)\b(shows?|proves?|means|therefore|thus|clearly|must be)\b`),
		},
	}
}

func (c PatternClassifier) Classify(text string) NodeType {
	switch {
	case matchAny(c.Counter, text):
		return NodeCounterargument
	case matchAny(c.Evidence, text):
		return NodeEvidence
	case matchAny(c.Claim, text):
		return NodeClaim
	default:
		return NodeJustification
	}
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
