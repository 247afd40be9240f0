package turns

import (
	"regexp"
	"strings"
)

type Interpretation string

const (
	InterpretClarification Interpretation = "clarification_request"
	InterpretObjection     Interpretation = "objection"
	InterpretAgreement     Interpretation = "agreement"
	InterpretElaboration   Interpretation = "elaboration"
)

// Interpreter labels what a student most likely meant by cutting in.
type Interpreter interface {
	Interpret(text string) Interpretation
}

var (
	clarificationPattern = regexp.MustCompile(`(?i)\b(what do you mean|sorry|pardon|repeat|clarify|could you|can you)\b`)
	objectionPattern     = regexp.MustCompile(`(?i)\b(no|but|actually|wait|disagree|wrong|not really)\b`)
	agreementPattern     = regexp.MustCompile(`(?i)^\s*(yes|yeah|yep|right|exactly|sure|ok|okay|mm+ ?hm+)\b`)
)

// KeywordInterpreter checks clarification, objection, then agreement cues.
type KeywordInterpreter struct{}

func (KeywordInterpreter) Interpret(text string) Interpretation {
	trimmed := strings.TrimSpace(text)
	switch {
	case clarificationPattern.MatchString(trimmed), strings.HasSuffix(trimmed, "?"):
		return InterpretClarification
	case objectionPattern.MatchString(trimmed):
		return InterpretObjection
	case agreementPattern.MatchString(trimmed):
		return InterpretAgreement
	default:
		return InterpretElaboration
	}
}
