package harvest

import (
	"fmt"
	"io"
	"slotwatch/pkg/slotwatch"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	bookButtonSelector = "[data-cy^='bookTicket_']"
	titleSelector      = ".muvaTicketTitle"
	headingSelector    = "h1, h2, h3, h4"
	titleSearchDepth   = 5
	unknownName        = "Unknown"
)

// ParseCatalog extracts the product catalog from a rendered booking page.
// Entries without a readable title inherit fallback as their variant.
func ParseCatalog(r io.Reader, fallback slotwatch.Variant) ([]slotwatch.CatalogEntry, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	var entries []slotwatch.CatalogEntry
	seen := make(map[string]bool)
	doc.Find(bookButtonSelector).Each(func(_ int, btn *goquery.Selection) {
		attr, _ := btn.Attr("data-cy")
		parts := strings.Split(attr, "_")
		if len(parts) < 2 || parts[1] == "" {
			return
		}
		id := parts[1]
		if seen[id] {
			return
		}
		seen[id] = true

		name := productName(btn)
		entries = append(entries, slotwatch.CatalogEntry{
			ID:      id,
			Name:    name,
			Variant: ClassifyVariant(name, fallback),
		})
	})
	return entries, nil
}

// productName looks for the card title in the button's nearest ancestors.
func productName(btn *goquery.Selection) string {
	cur := btn
	for range titleSearchDepth {
		cur = cur.Parent()
		if cur.Length() == 0 {
			break
		}
		if title := cur.Find(titleSelector).First(); title.Length() > 0 {
			return cleanText(title.Text())
		}
		if heading := cur.Find(headingSelector).First(); heading.Length() > 0 {
			return cleanText(heading.Text())
		}
	}
	return unknownName
}

func cleanText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return unknownName
	}
	return s
}

// ClassifyVariant decides a product's family from its display name, once, at harvest time.
func ClassifyVariant(name string, fallback slotwatch.Variant) slotwatch.Variant {
	if name == "" || name == unknownName {
		return fallback
	}
	lower := strings.ToLower(name) + " "
	for _, marker := range []string{"guidat", "guided", "guide "} {
		if strings.Contains(lower, marker) {
			return slotwatch.Guided
		}
	}
	return slotwatch.Standard
}
