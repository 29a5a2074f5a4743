package verifier

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"example.com/greenpoints/internal/domain"
)

type rawVerdict struct {
	Verified             *bool    `json:"verified"`
	Confidence           float64  `json:"confidence"`
	Feedback             string   `json:"feedback"`
	PointsRecommendation *float64 `json:"pointsRecommendation"`
}

// ParseVerdict decodes the model's answer. Markdown code fences around the JSON
// object are tolerated.
func ParseVerdict(content string) (domain.Verdict, error) {
	body := stripFences(content)
	if body == "" {
		return domain.Verdict{}, fmt.Errorf("%w: empty answer", domain.ErrMalformedUpstreamResponse)
	}

	var raw rawVerdict
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return domain.Verdict{}, fmt.Errorf("%w: %v", domain.ErrMalformedUpstreamResponse, err)
	}
	if raw.Verified == nil {
		return domain.Verdict{}, fmt.Errorf("%w: missing verified field", domain.ErrMalformedUpstreamResponse)
	}

	verdict := domain.Verdict{
		Verified:   *raw.Verified,
		Confidence: int(math.Round(raw.Confidence)),
		Feedback:   strings.TrimSpace(raw.Feedback),
	}
	if raw.PointsRecommendation != nil {
		points := int(math.Round(*raw.PointsRecommendation))
		verdict.PointsRecommendation = &points
	}
	return verdict, nil
}

func stripFences(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start > 0 && end > start {
		s = s[start : end+1]
	}
	return s
}
