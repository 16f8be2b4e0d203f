package email

import (
	"fmt"
	"net/url"
	"strings"

	"ensemble-matcher/pkg/ensemble"
)

const pageStyle = "body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px; background: #fff; }\n" +
	".header { border-bottom: 2px solid #2c6e91; padding-bottom: 10px; margin-bottom: 20px; }\n" +
	".content { background: #f8f9fa; padding: 20px; border-radius: 8px; margin: 15px 0; }\n" +
	".footer { margin-top: 20px; padding-top: 10px; border-top: 1px solid #ddd; color: #7f8c8d; font-size: 0.9em; }\n" +
	".footer a { color: #7f8c8d; text-decoration: underline; margin: 0 8px; }\n" +
	".footer a:first-child { margin-left: 0; }\n" +
	".button { display: inline-block; padding: 10px 18px; background: #2c6e91; color: #fff; border-radius: 4px; }\n" +
	"a { color: #2c6e91; text-decoration: none; }\n" +
	"@media (prefers-color-scheme: dark) {\n" +
	"body { background: #1a1a1a; color: #e0e0e0; }\n" +
	".content { background: #2a2a2a; }\n" +
	".footer { border-top-color: #444; color: #a0a0a0; }\n" +
	".footer a { color: #a0a0a0; }\n" +
	"a { color: #6fb3d8; }\n" +
	"}\n"

// actionLabel is the call to action shown for each notification type.
func actionLabel(t ensemble.NotificationType) string {
	switch t {
	case ensemble.NotifyApplication:
		return "Review application"
	case ensemble.NotifyApplicationAccepted:
		return "Open chat"
	default:
		return "View posting"
	}
}

// actionURL links to where the recipient can act on the notification.
func (s *Sender) actionURL(n *ensemble.Notification) string {
	switch {
	case n.Type == ensemble.NotifyApplicationAccepted && n.RelatedApplicationID != "":
		return fmt.Sprintf("%s/chat/%s", s.baseURL, url.PathEscape(n.RelatedApplicationID))
	case n.RelatedPostingID != "":
		return fmt.Sprintf("%s/postings/%s", s.baseURL, url.PathEscape(n.RelatedPostingID))
	default:
		return s.baseURL + "/notifications"
	}
}

func (s *Sender) formatNotificationBody(n *ensemble.Notification) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString(pageStyle)
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"header\">\n")
	b.WriteString(fmt.Sprintf("<h2>%s</h2>\n", escapeHTML(n.Title)))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(fmt.Sprintf("<p class=\"message\">%s</p>\n", escapeHTML(n.Message)))
	b.WriteString(fmt.Sprintf("<p><a class=\"button\" href=\"%s\">%s</a></p>\n", escapeHTML(s.actionURL(n)), actionLabel(n.Type)))
	b.WriteString("</div>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s/notifications\">All notifications</a>\n", escapeHTML(s.baseURL)))
	b.WriteString(fmt.Sprintf("<a href=\"%s/profile\">Email preferences</a>\n", escapeHTML(s.baseURL)))
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
