package workbook

import (
	"encoding/json"
	"slices"
	"sort"
	"strings"

	solveserrors "github.com/solveshq/solves/v1/errors"
)

// Learner answers. Each block type expects its own shape.
type (
	ChoiceResponse struct {
		Selected []int `json:"selected"`
	}
	TrueFalseResponse struct {
		Value *bool `json:"value"`
	}
	RankingResponse struct {
		Order []int `json:"order"`
	}
	MatchingResponse struct {
		Matches []int `json:"matches"`
	}
	FreeResponseResponse struct {
		Text string `json:"text"`
	}
)

// Grade reports whether answer is correct for b. A missing answer is
// incorrect; an answer of the wrong shape is an ErrInvalid error.
func Grade(b *Block, answer json.RawMessage) (bool, error) {
	if isEmpty(answer) {
		return false, nil
	}
	switch b.Type {
	case TypeMultipleChoice:
		var key ChoiceAnswer
		var got ChoiceResponse
		if json.Unmarshal(b.Answer, &key) != nil {
			return false, nil
		}
		if err := decodeResponse(b, answer, &got); err != nil {
			return false, err
		}
		return sameSet(key.Correct, got.Selected), nil
	case TypeTrueFalse:
		var key TrueFalseAnswer
		var got TrueFalseResponse
		if json.Unmarshal(b.Answer, &key) != nil {
			return false, nil
		}
		if err := decodeResponse(b, answer, &got); err != nil {
			return false, err
		}
		return got.Value != nil && *got.Value == key.Value, nil
	case TypeRanking:
		var key RankingAnswer
		var got RankingResponse
		if json.Unmarshal(b.Answer, &key) != nil {
			return false, nil
		}
		if err := decodeResponse(b, answer, &got); err != nil {
			return false, err
		}
		return len(key.Order) > 0 && slices.Equal(key.Order, got.Order), nil
	case TypeMatching:
		var key MatchingAnswer
		var got MatchingResponse
		if json.Unmarshal(b.Answer, &key) != nil {
			return false, nil
		}
		if err := decodeResponse(b, answer, &got); err != nil {
			return false, err
		}
		return len(key.Matches) > 0 && slices.Equal(key.Matches, got.Matches), nil
	case TypeFreeResponse:
		var key FreeResponseAnswer
		var got FreeResponseResponse
		if json.Unmarshal(b.Answer, &key) != nil {
			return false, nil
		}
		if err := decodeResponse(b, answer, &got); err != nil {
			return false, err
		}
		text := normalizeText(got.Text)
		if text == "" {
			return false, nil
		}
		for _, a := range key.Accepted {
			if normalizeText(a) == text {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, solveserrors.Invalid("type", "unknown block type "+b.Type)
	}
}

// CheckAnswer reports an ErrInvalid error when answer does not have the
// shape the type of b expects. A missing answer is accepted.
func CheckAnswer(b *Block, answer json.RawMessage) error {
	if isEmpty(answer) {
		return nil
	}
	var dst any
	switch b.Type {
	case TypeMultipleChoice:
		dst = &ChoiceResponse{}
	case TypeTrueFalse:
		dst = &TrueFalseResponse{}
	case TypeRanking:
		dst = &RankingResponse{}
	case TypeMatching:
		dst = &MatchingResponse{}
	case TypeFreeResponse:
		dst = &FreeResponseResponse{}
	default:
		return solveserrors.Invalid("type", "unknown block type "+b.Type)
	}
	return decodeResponse(b, answer, dst)
}

func decodeResponse(b *Block, answer json.RawMessage, dst any) error {
	if json.Unmarshal(answer, dst) != nil {
		return solveserrors.Invalid("answers."+b.ID, "does not match a "+b.Type+" block")
	}
	return nil
}

func sameSet(want, got []int) bool {
	if len(want) == 0 || len(want) != len(got) {
		return false
	}
	a := append([]int(nil), want...)
	b := append([]int(nil), got...)
	sort.Ints(a)
	sort.Ints(b)
	return slices.Equal(a, b)
}

// normalizeText trims, lower cases and collapses inner whitespace.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
