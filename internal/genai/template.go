package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/PrayerPipe/internal/models"
)

// Template builds a prayer from the answers without any network call.
type Template struct{}

// Compile-time check that Template implements PrayerGenerator.
var _ PrayerGenerator = Template{}

// GeneratePrayer implements PrayerGenerator.
func (Template) GeneratePrayer(ctx context.Context, a models.Answers) (*models.GeneratedPrayer, error) {
	var b strings.Builder
	b.WriteString("Dear God,\n")
	if a.FirstName != "" {
		fmt.Fprintf(&b, "I, %s, come to you today", a.FirstName)
	} else {
		b.WriteString("I come to you today")
	}
	if a.Mood != nil && a.Mood.Label != "" {
		fmt.Fprintf(&b, " feeling %s", strings.ToLower(a.Mood.Label))
	}
	b.WriteString(".\n")
	if len(a.PrayerPeople) > 0 {
		names := make([]string, 0, len(a.PrayerPeople))
		for _, p := range a.PrayerPeople {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, "Please watch over %s.\n", joinNames(names))
	}
	if len(a.PrayerNeeds) > 0 {
		fmt.Fprintf(&b, "Give me strength for %s.\n", joinNames(a.PrayerNeeds))
	}
	b.WriteString("Help me to meet you here each day.\nAmen.")
	slog.Debug("Template.GeneratePrayer: prayer built from template")
	return &models.GeneratedPrayer{Content: b.String(), GeneratedAt: time.Now(), Source: "template"}, nil
}

func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}

// Fallback tries Primary and uses Secondary when it fails.
type Fallback struct {
	Primary   PrayerGenerator
	Secondary PrayerGenerator
}

// GeneratePrayer implements PrayerGenerator.
func (f Fallback) GeneratePrayer(ctx context.Context, a models.Answers) (*models.GeneratedPrayer, error) {
	if f.Primary != nil {
		p, err := f.Primary.GeneratePrayer(ctx, a)
		if err == nil {
			return p, nil
		}
		slog.Warn("Fallback.GeneratePrayer: primary generator failed, using fallback", "error", err)
	}
	if f.Secondary == nil {
		return Template{}.GeneratePrayer(ctx, a)
	}
	return f.Secondary.GeneratePrayer(ctx, a)
}
