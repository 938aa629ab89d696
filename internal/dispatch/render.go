package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const divider = "━━━━━━━━━━━━━━"

// LiveURL is the public page of a room.
func LiveURL(room int64) string { return "https://www.douyu.com/" + strconv.FormatInt(room, 10) }

// FormatDuration renders "<h>h <m>m", "<m>m", or "unknown" for d <= 0.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "unknown"
	}
	h := int64(d / time.Hour)
	m := int64((d % time.Hour) / time.Minute)
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

func renderLive(name string, room int64, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎉 %s is live!\n", name)
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "👤 Streamer: %s\n", name)
	fmt.Fprintf(&b, "🔢 Room: %d\n", room)
	fmt.Fprintf(&b, "⏰ Time: %s\n", at.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "🔗 Link: %s", LiveURL(room))
	return b.String()
}

func renderEnded(name string, room int64, d time.Duration, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📴 %s went offline\n", name)
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "🔢 Room: %d\n", room)
	fmt.Fprintf(&b, "⏱️ Duration: %s\n", FormatDuration(d))
	fmt.Fprintf(&b, "⏰ Time: %s", at.Format("2006-01-02 15:04:05"))
	return b.String()
}

func renderGift(name, sender, gift string, count int64, at time.Time) string {
	if strings.TrimSpace(sender) == "" {
		sender = "someone"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🎁 Gift in %s\n", name)
	b.WriteString(divider + "\n")
	fmt.Fprintf(&b, "👤 From: %s\n", sender)
	fmt.Fprintf(&b, "🎁 Gift: %s x%d\n", gift, count)
	fmt.Fprintf(&b, "⏰ Time: %s", at.Format("15:04:05"))
	return b.String()
}
