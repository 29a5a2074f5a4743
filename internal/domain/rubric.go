package domain

import (
	"fmt"
	"strings"
)

// TrendDirection describes how a visual signal moves across the frame sequence.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
)

// TrendRule asks the model to compare a signal from the first to the last frame.
type TrendRule struct {
	Signal  string
	Verify  TrendDirection
	Reject  TrendDirection
	Meaning map[TrendDirection]string
}

// Rubric is the evaluation guidance for one action category.
type Rubric struct {
	Category  ActionCategory
	Label     string
	Evidence  string
	Rules     []string
	Trend     *TrendRule
	MinPoints int
	MaxPoints int
}

// DefaultPoints is awarded when a verified verdict carries no recommendation.
const DefaultPoints = 5

// RubricBook maps every category to its rubric.
type RubricBook map[ActionCategory]Rubric

// DefaultRubrics returns the built-in rubric table.
func DefaultRubrics() RubricBook {
	return RubricBook{
		CategoryRecycle: {
			Category:  CategoryRecycle,
			Label:     "Recycle",
			Evidence:  "person putting items in recycling bins or sorting materials",
			MinPoints: 1,
			MaxPoints: 10,
		},
		CategoryPlant: {
			Category:  CategoryPlant,
			Label:     "Plant Trees",
			Evidence:  "person digging, planting or gardening",
			MinPoints: 1,
			MaxPoints: 10,
		},
		CategoryBike: {
			Category:  CategoryBike,
			Label:     "Bike Transport",
			Evidence:  "person on a bicycle, riding",
			MinPoints: 1,
			MaxPoints: 10,
		},
		CategoryPublicTransport: {
			Category:  CategoryPublicTransport,
			Label:     "Public Transport",
			Evidence:  "person at a bus stop or on a train or bus",
			MinPoints: 1,
			MaxPoints: 10,
		},
		CategoryReduceWaste: {
			Category:  CategoryReduceWaste,
			Label:     "Reduce Waste",
			Evidence:  "person using reusable items or composting",
			MinPoints: 1,
			MaxPoints: 10,
		},
		CategorySaveEnergy: {
			Category: CategorySaveEnergy,
			Label:    "Save Energy",
			Evidence: "person turning OFF lights or appliances, NOT turning them ON",
			Trend: &TrendRule{
				Signal: "brightness",
				Verify: TrendDecreasing,
				Reject: TrendIncreasing,
				Meaning: map[TrendDirection]string{
					TrendIncreasing: "the room is getting lighter, lights are being turned ON",
					TrendDecreasing: "the room is getting darker, lights are being turned OFF",
				},
			},
			MinPoints: 1,
			MaxPoints: 10,
		},
		CategoryVolunteer: {
			Category:  CategoryVolunteer,
			Label:     "Volunteer",
			Evidence:  "person at a volunteer event or environmental cleanup",
			MinPoints: 1,
			MaxPoints: 10,
		},
	}
}

// Lookup returns the rubric for c.
func (b RubricBook) Lookup(c ActionCategory) (Rubric, error) {
	rubric, ok := b[c]
	if !ok {
		return Rubric{}, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return rubric, nil
}

// ClampPoints bounds a recommendation to the rubric's plausible range.
func (r Rubric) ClampPoints(points int) int {
	if points <= 0 {
		return 0
	}
	if r.MinPoints > 0 && points < r.MinPoints {
		return r.MinPoints
	}
	if r.MaxPoints > 0 && points > r.MaxPoints {
		return r.MaxPoints
	}
	return points
}

// SystemInstruction renders the category-specific evaluation instruction.
func (r Rubric) SystemInstruction() string {
	var b strings.Builder
	b.WriteString("You are an AI verification system for a climate action community platform. ")
	b.WriteString("Your job is to analyze frames from a short video recording and verify whether the person in the video is actually performing the action they claimed.\n\n")

	fmt.Fprintf(&b, "Claimed action: %s (%s)\n", r.Category, r.Label)
	fmt.Fprintf(&b, "Expected evidence: %s.\n", r.Evidence)

	for _, rule := range r.Rules {
		fmt.Fprintf(&b, "- %s\n", rule)
	}

	if t := r.Trend; t != nil {
		upper := strings.ToUpper(string(r.Category))
		fmt.Fprintf(&b, "\nCRITICAL FOR %s: Compare the %s levels across the frames from first to last.\n", upper, t.Signal)
		fmt.Fprintf(&b, "- If the frames show %s %s (%s), respond with verified: false.\n",
			strings.ToUpper(string(t.Reject)), t.Signal, t.Meaning[t.Reject])
		fmt.Fprintf(&b, "- If the frames show %s %s (%s), respond with verified: true.\n",
			strings.ToUpper(string(t.Verify)), t.Signal, t.Meaning[t.Verify])
		fmt.Fprintf(&b, "- In your feedback, explicitly state whether %s increased or decreased across the frames.\n", t.Signal)
	}

	b.WriteString("\nThe frames come from a camera recording a PERSON performing an action in the real world. ")
	b.WriteString("Look for evidence of the person doing the activity, not UI screens or apps.\n\n")
	b.WriteString("Assess:\n")
	b.WriteString("1. Does the video show the person actually performing the claimed action in real life?\n")
	b.WriteString("2. How confident are you in the match (0-100)?\n")
	b.WriteString("3. Brief feedback explaining what you observed the person doing.\n")
	fmt.Fprintf(&b, "4. A points recommendation (%d-%d) based on the action's environmental impact and authenticity.\n\n", r.MinPoints, r.MaxPoints)
	b.WriteString("Respond in this exact JSON format (no markdown, just raw JSON):\n")
	b.WriteString(`{"verified": true/false, "confidence": number (0-100), "feedback": "what was observed in the frames", "pointsRecommendation": number}`)
	return b.String()
}

// UserPrompt renders the text part that precedes the frames in the user turn.
func (r Rubric) UserPrompt(frameCount int) string {
	return fmt.Sprintf("Claimed action: %q\n\nI'm providing %d frames from a video recording, in playback order. "+
		"Analyze these frames and verify whether they show the person actually performing the claimed action in real life.",
		string(r.Category), frameCount)
}
