package email

import (
	"fmt"
	"slotwatch/pkg/slotwatch"
	"strings"
)

func formatAlertBody(a slotwatch.Alert) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".header { border-bottom: 2px solid #b8860b; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".meta { color: #7f8c8d; margin-bottom: 16px; }\n")
	b.WriteString(".slots { list-style: none; padding: 0; }\n")
	b.WriteString(".slots li { display: inline-block; margin: 4px; padding: 4px 10px; border-radius: 6px; background: #f3f3f3; }\n")
	b.WriteString(".slots li.preferred { background: #fff3c4; font-weight: 600; }\n")
	b.WriteString(".book { display: inline-block; margin-top: 20px; padding: 10px 18px; background: #b8860b; color: #fff; border-radius: 6px; text-decoration: none; }\n")
	b.WriteString(".footer { margin-top: 30px; font-size: 0.85em; color: #7f8c8d; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".slots li { background: #2a2a2a; }\n")
	b.WriteString(".slots li.preferred { background: #4a3f10; }\n")
	b.WriteString(".meta, .footer { color: #a0a0a0; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	if a.Reopened {
		b.WriteString("<h2>Slots available</h2>\n")
	} else {
		b.WriteString("<h2>Availability changed</h2>\n")
	}
	b.WriteString("</div>\n")

	b.WriteString(fmt.Sprintf("<p><strong>%s</strong></p>\n", escapeHTML(a.ProductName)))
	b.WriteString("<div class=\"meta\">\n")
	b.WriteString(escapeHTML(a.Date))
	if a.Language != "" {
		b.WriteString(" &bull; " + escapeHTML(strings.ToUpper(a.Language)))
	}
	b.WriteString(fmt.Sprintf(" &bull; %d visitors\n", a.Visitors))
	b.WriteString("</div>\n")

	if len(a.Slots) == 0 {
		b.WriteString("<p>No bookable times right now.</p>\n")
	} else {
		b.WriteString("<ul class=\"slots\">\n")
		for _, s := range a.Preferred {
			b.WriteString(fmt.Sprintf("<li class=\"preferred\">%s</li>\n", escapeHTML(s.Time)))
		}
		for _, s := range a.Others {
			b.WriteString(fmt.Sprintf("<li>%s</li>\n", escapeHTML(s.Time)))
		}
		b.WriteString("</ul>\n")
	}

	if a.BookingURL != "" && isSafeURL(a.BookingURL) {
		b.WriteString(fmt.Sprintf("<a class=\"book\" href=\"%s\">Book now</a>\n", escapeHTML(a.BookingURL)))
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("Checked %s via the %s path.\n",
		escapeHTML(a.DetectedAt.In(slotwatch.Location()).Format("02/01/2006 15:04")), escapeHTML(string(a.Source))))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL allows only http and https links. Blocks javascript:, data: and the like.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
