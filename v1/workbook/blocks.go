package workbook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	solveserrors "github.com/solveshq/solves/v1/errors"
)

// Block types.
const (
	TypeMultipleChoice = "multiple_choice"
	TypeTrueFalse      = "true_false"
	TypeRanking        = "ranking"
	TypeMatching       = "matching"
	TypeFreeResponse   = "free_response"
)

// Types lists every block type.
var Types = []string{TypeMultipleChoice, TypeTrueFalse, TypeRanking, TypeMatching, TypeFreeResponse}

const (
	minItems       = 2
	maxItems       = 20
	maxOptions     = 10
	maxAccepted    = 20
	maxQuestionLen = 2000
	maxItemLen     = 500
)

// ChoiceContent lists the options of a multiple choice block.
type ChoiceContent struct {
	Options []string `json:"options"`
}

// ChoiceAnswer holds the indices of the correct options.
type ChoiceAnswer struct {
	Correct []int `json:"correct"`
}

// TrueFalseAnswer is the truth value of the statement in the question.
type TrueFalseAnswer struct {
	Value bool `json:"value"`
}

// RankingContent lists items in display order.
type RankingContent struct {
	Items []string `json:"items"`
}

// RankingAnswer is the correct order as indices into Items.
type RankingAnswer struct {
	Order []int `json:"order"`
}

// MatchingContent holds the two columns to pair up.
type MatchingContent struct {
	Left  []string `json:"left"`
	Right []string `json:"right"`
}

// MatchingAnswer maps every left index to a right index.
type MatchingAnswer struct {
	Matches []int `json:"matches"`
}

// FreeResponseAnswer lists accepted answers, compared ignoring case and
// surrounding whitespace.
type FreeResponseAnswer struct {
	Accepted []string `json:"accepted"`
}

// BlockInput holds the editable fields of a block.
type BlockInput struct {
	Type        string          `json:"type"`
	Question    string          `json:"question"`
	Content     json.RawMessage `json:"content"`
	Answer      json.RawMessage `json:"answer"`
	Explanation string          `json:"explanation"`
}

// IsType reports whether t is a known block type.
func IsType(t string) bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

func checkShape(in BlockInput) error {
	if !IsType(in.Type) {
		return solveserrors.Invalid("type", "must be one of: "+strings.Join(Types, ", "))
	}
	if len(in.Question) > maxQuestionLen {
		return solveserrors.Invalid("question", fmt.Sprintf("must be at most %d characters", maxQuestionLen))
	}
	for field, raw := range map[string]json.RawMessage{"content": in.Content, "answer": in.Answer} {
		if isEmpty(raw) {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return solveserrors.Invalid(field, "must be a JSON object")
		}
	}
	return nil
}

// ValidateBlock checks that a block is complete: a question, content fitting
// its type and an answer key consistent with that content.
func ValidateBlock(in BlockInput) error {
	if err := checkShape(in); err != nil {
		return err
	}
	if strings.TrimSpace(in.Question) == "" {
		return solveserrors.Invalid("question", "is required")
	}
	switch in.Type {
	case TypeMultipleChoice:
		var c ChoiceContent
		var a ChoiceAnswer
		if err := decode(in, &c, &a); err != nil {
			return err
		}
		if err := checkItems("content.options", c.Options, minItems, maxOptions); err != nil {
			return err
		}
		if len(a.Correct) == 0 {
			return solveserrors.Invalid("answer.correct", "needs at least one correct option")
		}
		if err := checkIndices("answer.correct", a.Correct, len(c.Options)); err != nil {
			return err
		}
	case TypeTrueFalse:
		var a TrueFalseAnswer
		if err := decodeStrict("answer", in.Answer, &a); err != nil {
			return err
		}
		if !hasKey(in.Answer, "value") {
			return solveserrors.Invalid("answer.value", "is required")
		}
	case TypeRanking:
		var c RankingContent
		var a RankingAnswer
		if err := decode(in, &c, &a); err != nil {
			return err
		}
		if err := checkItems("content.items", c.Items, minItems, maxItems); err != nil {
			return err
		}
		if err := checkPermutation("answer.order", a.Order, len(c.Items)); err != nil {
			return err
		}
	case TypeMatching:
		var c MatchingContent
		var a MatchingAnswer
		if err := decode(in, &c, &a); err != nil {
			return err
		}
		if err := checkItems("content.left", c.Left, minItems, maxItems); err != nil {
			return err
		}
		if err := checkItems("content.right", c.Right, minItems, maxItems); err != nil {
			return err
		}
		if len(c.Left) != len(c.Right) {
			return solveserrors.Invalid("content.right", "must have as many entries as content.left")
		}
		if err := checkPermutation("answer.matches", a.Matches, len(c.Left)); err != nil {
			return err
		}
	case TypeFreeResponse:
		var a FreeResponseAnswer
		if err := decodeStrict("answer", in.Answer, &a); err != nil {
			return err
		}
		if err := checkItems("answer.accepted", a.Accepted, 1, maxAccepted); err != nil {
			return err
		}
	}
	return nil
}

func decode(in BlockInput, content, answer any) error {
	if err := decodeStrict("content", in.Content, content); err != nil {
		return err
	}
	return decodeStrict("answer", in.Answer, answer)
}

func decodeStrict(field string, raw json.RawMessage, v any) error {
	if isEmpty(raw) {
		return solveserrors.Invalid(field, "is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return solveserrors.Invalid(field, "does not match the block type: "+err.Error())
	}
	return nil
}

func hasKey(raw json.RawMessage, key string) bool {
	var obj map[string]json.RawMessage
	if json.Unmarshal(raw, &obj) != nil {
		return false
	}
	_, ok := obj[key]
	return ok
}

func checkItems(field string, items []string, min, max int) error {
	if len(items) < min || len(items) > max {
		return solveserrors.Invalid(field, fmt.Sprintf("must have between %d and %d entries", min, max))
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		t := strings.TrimSpace(it)
		if t == "" {
			return solveserrors.Invalid(field, "must not contain empty entries")
		}
		if len(t) > maxItemLen {
			return solveserrors.Invalid(field, fmt.Sprintf("entries must be at most %d characters", maxItemLen))
		}
		k := strings.ToLower(t)
		if _, dup := seen[k]; dup {
			return solveserrors.Invalid(field, fmt.Sprintf("duplicate entry %q", t))
		}
		seen[k] = struct{}{}
	}
	return nil
}

func checkIndices(field string, idx []int, n int) error {
	seen := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		if i < 0 || i >= n {
			return solveserrors.Invalid(field, fmt.Sprintf("index %d out of range", i))
		}
		if _, dup := seen[i]; dup {
			return solveserrors.Invalid(field, fmt.Sprintf("duplicate index %d", i))
		}
		seen[i] = struct{}{}
	}
	return nil
}

func checkPermutation(field string, idx []int, n int) error {
	if len(idx) != n {
		return solveserrors.Invalid(field, fmt.Sprintf("must list all %d indices", n))
	}
	return checkIndices(field, idx, n)
}

func isEmpty(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
